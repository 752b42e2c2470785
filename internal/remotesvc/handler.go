package remotesvc

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const operatorIDContextKey = "medstock_operator_id"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingService        = errors.New("backend service dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator checks bearer tokens and returns the operator they were issued to.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// Dependencies wires the backend HTTP handler.
type Dependencies struct {
	Tokens  TokenValidator
	Service *Service
	Logger  *zap.Logger
}

// NewHTTPHandler builds the backend router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Service == nil {
		return nil, errMissingService
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", remote.IdempotencyHeader},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:  deps.Tokens,
		service: deps.Service,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)

	protected := router.Group("/v1")
	protected.Use(handler.authorizeRequest)
	protected.GET("/:collection", handler.handleList)
	protected.POST("/products", handler.handleMutation(inventory.OperationCreate))
	protected.PATCH("/products/:id", handler.handleMutation(inventory.OperationUpdate))
	protected.DELETE("/products/:id", handler.handleMutation(inventory.OperationSoftDelete))
	protected.POST("/stock/entries", handler.handleMutation(inventory.OperationRegisterEntry))
	protected.POST("/stock/exits", handler.handleMutation(inventory.OperationRegisterExit))
	protected.PUT("/categories/:id", handler.handleReference(inventory.CollectionCategories))
	protected.PUT("/locations/:id", handler.handleReference(inventory.CollectionLocations))

	return router, nil
}

type httpHandler struct {
	tokens  TokenValidator
	service *Service
	logger  *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleList(c *gin.Context) {
	collection, err := inventory.ParseCollection(c.Param("collection"))
	if err != nil {
		c.JSON(http.StatusNotFound, remote.ErrorResponse{Error: "unknown_collection", Message: c.Param("collection")})
		return
	}
	items, err := h.service.List(c.Request.Context(), collection)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, remote.CollectionResponse{Items: items})
}

func (h *httpHandler) handleMutation(kind inventory.OperationKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		payload, err := c.GetRawData()
		if err != nil || len(payload) == 0 {
			c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_payload", Message: "request body required"})
			return
		}
		mutation := inventory.Mutation{
			Collection: inventory.CollectionProducts,
			Kind:       kind,
			EntityID:   strings.TrimSpace(c.Param("id")),
			Payload:    json.RawMessage(payload),
		}
		if kind == inventory.OperationRegisterEntry || kind == inventory.OperationRegisterExit {
			var target struct {
				ProductID string `json:"product_id"`
			}
			if err := json.Unmarshal(payload, &target); err != nil {
				c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_payload", Message: err.Error()})
				return
			}
			mutation.Collection = inventory.CollectionInventory
			mutation.EntityID = strings.TrimSpace(target.ProductID)
		}

		record, err := h.service.Apply(c.Request.Context(), Request{
			Token:      c.GetHeader(remote.IdempotencyHeader),
			OperatorID: c.GetString(operatorIDContextKey),
			Mutation:   mutation,
		})
		if err != nil {
			h.writeError(c, err)
			return
		}
		status := http.StatusOK
		if kind == inventory.OperationCreate {
			status = http.StatusCreated
		}
		c.JSON(status, remote.RecordResponse{Record: record})
	}
}

func (h *httpHandler) handleReference(collection inventory.Collection) gin.HandlerFunc {
	return func(c *gin.Context) {
		var reference inventory.Reference
		if err := c.ShouldBindJSON(&reference); err != nil {
			c.JSON(http.StatusBadRequest, remote.ErrorResponse{Error: "invalid_payload", Message: err.Error()})
			return
		}
		reference.ID = c.Param("id")
		record, err := h.service.PutReference(c.Request.Context(), collection, reference)
		if err != nil {
			h.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, remote.RecordResponse{Record: record})
	}
}

func (h *httpHandler) writeError(c *gin.Context, err error) {
	var rejection *Rejection
	if errors.As(err, &rejection) {
		h.logger.Info("request rejected",
			zap.String("path", c.FullPath()),
			zap.String("code", rejection.Code),
			zap.String("message", rejection.Message))
		c.JSON(rejection.Status, remote.ErrorResponse{Error: rejection.Code, Message: rejection.Message})
		return
	}
	h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.JSON(http.StatusInternalServerError, remote.ErrorResponse{Error: "internal_error"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized", Message: errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized", Message: errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, remote.ErrorResponse{Error: "unauthorized"})
		return
	}
	c.Set(operatorIDContextKey, subject)
	c.Next()
}
