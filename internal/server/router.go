// Package server exposes the offline data layer to the UI shell over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/connectivity"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/offline"
	"github.com/MarcoPoloResearchLab/medstock/internal/queue"
	"github.com/MarcoPoloResearchLab/medstock/internal/reconcile"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"github.com/MarcoPoloResearchLab/medstock/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errMissingDataLayer = errors.New("data layer dependency required")

// Dependencies wires the local API. Switch is optional; when set the connectivity
// endpoint lets operators force the offline path.
type Dependencies struct {
	DataLayer *offline.Service
	Switch    *connectivity.Switch
	Logger    *zap.Logger
}

// NewHTTPHandler builds the local API router.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.DataLayer == nil {
		return nil, errMissingDataLayer
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		data:   deps.DataLayer,
		toggle: deps.Switch,
		logger: logger,
	}

	api := router.Group("/api")
	api.GET("/collections/:name", handler.handleCollection)
	api.POST("/products", handler.handleCreateProduct)
	api.PATCH("/products/:id", handler.handleUpdateProduct)
	api.DELETE("/products/:id", handler.handleDeleteProduct)
	api.POST("/stock/entries", handler.handleStockEntry)
	api.POST("/stock/exits", handler.handleStockExit)
	api.GET("/sync/actions", handler.handleListActions)
	api.POST("/sync/drain", handler.handleDrain)
	api.POST("/sync/actions/:id/retry", handler.handleRetryAction)
	api.DELETE("/sync/actions/:id", handler.handleDiscardAction)
	api.GET("/status", handler.handleStatus)
	if deps.Switch != nil {
		api.PUT("/connectivity", handler.handleConnectivity)
	}

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	})
}

type httpHandler struct {
	data   *offline.Service
	toggle *connectivity.Switch
	logger *zap.Logger
}

type errorPayload struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Status  int    `json:"remote_status,omitempty"`
}

type mutationPayload struct {
	Applied  queue.Applied   `json:"applied"`
	EntityID string          `json:"entity_id,omitempty"`
	ActionID string          `json:"action_id,omitempty"`
	Record   json.RawMessage `json:"record,omitempty"`
}

type actionPayload struct {
	ActionID      string          `json:"action_id"`
	Operation     string          `json:"operation"`
	Collection    string          `json:"collection"`
	EntityID      string          `json:"entity_id"`
	Status        string          `json:"status"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	Payload       json.RawMessage `json:"payload"`
}

type actionsPayload struct {
	Actions []actionPayload `json:"actions"`
}

type connectivityPayload struct {
	Online *bool `json:"online"`
}

func (h *httpHandler) handleCollection(c *gin.Context) {
	collection, err := inventory.ParseCollection(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, errorPayload{Error: "unknown_collection", Message: c.Param("name")})
		return
	}
	ctx := c.Request.Context()
	var listing any
	switch collection {
	case inventory.CollectionProducts:
		listing, err = h.data.Products(ctx)
	case inventory.CollectionCategories:
		listing, err = h.data.Categories(ctx)
	case inventory.CollectionLocations:
		listing, err = h.data.Locations(ctx)
	case inventory.CollectionInventory:
		listing, err = h.data.InventoryRows(ctx)
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, listing)
}

func (h *httpHandler) handleCreateProduct(c *gin.Context) {
	var draft inventory.ProductDraft
	if !h.bind(c, &draft) {
		return
	}
	outcome, err := h.data.CreateProduct(c.Request.Context(), draft)
	h.writeOutcome(c, outcome, err, http.StatusCreated)
}

func (h *httpHandler) handleUpdateProduct(c *gin.Context) {
	var patch inventory.ProductPatch
	if !h.bind(c, &patch) {
		return
	}
	patch.ID = c.Param("id")
	outcome, err := h.data.UpdateProduct(c.Request.Context(), patch)
	h.writeOutcome(c, outcome, err, http.StatusOK)
}

func (h *httpHandler) handleDeleteProduct(c *gin.Context) {
	deletion := inventory.ProductDeletion{ID: c.Param("id"), Reason: c.Query("reason")}
	outcome, err := h.data.DeleteProduct(c.Request.Context(), deletion)
	h.writeOutcome(c, outcome, err, http.StatusOK)
}

func (h *httpHandler) handleStockEntry(c *gin.Context) {
	var entry inventory.StockEntry
	if !h.bind(c, &entry) {
		return
	}
	outcome, err := h.data.RegisterEntry(c.Request.Context(), entry)
	h.writeOutcome(c, outcome, err, http.StatusOK)
}

func (h *httpHandler) handleStockExit(c *gin.Context) {
	var exit inventory.StockExit
	if !h.bind(c, &exit) {
		return
	}
	outcome, err := h.data.RegisterExit(c.Request.Context(), exit)
	h.writeOutcome(c, outcome, err, http.StatusOK)
}

func (h *httpHandler) handleListActions(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		actions []store.PendingAction
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(c.DefaultQuery("status", "pending"))) {
	case "pending":
		actions, err = h.data.PendingActions(ctx)
	case "failed":
		actions, err = h.data.FailedActions(ctx)
	default:
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_status", Message: c.Query("status")})
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := actionsPayload{Actions: make([]actionPayload, 0, len(actions))}
	for _, action := range actions {
		response.Actions = append(response.Actions, newActionPayload(action))
	}
	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleDrain(c *gin.Context) {
	report, err := h.data.SyncNow(c.Request.Context())
	h.writeReport(c, report, err)
}

func (h *httpHandler) handleRetryAction(c *gin.Context) {
	report, err := h.data.RetryFailed(c.Request.Context(), c.Param("id"))
	h.writeReport(c, report, err)
}

func (h *httpHandler) handleDiscardAction(c *gin.Context) {
	if err := h.data.DiscardFailed(c.Request.Context(), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.data.Status(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (h *httpHandler) handleConnectivity(c *gin.Context) {
	var request connectivityPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_request", Message: "online flag required"})
		return
	}
	h.toggle.SetOnline(*request.Online)
	h.logger.Info("connectivity switched", zap.Bool("online", *request.Online))
	h.handleStatus(c)
}

func (h *httpHandler) bind(c *gin.Context, target any) bool {
	if err := c.ShouldBindJSON(target); err != nil {
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_payload", Message: err.Error()})
		return false
	}
	return true
}

func (h *httpHandler) writeOutcome(c *gin.Context, outcome queue.Outcome, err error, immediateStatus int) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	response := mutationPayload{
		Applied:  outcome.Applied,
		EntityID: outcome.EntityID,
		ActionID: outcome.ActionID,
	}
	status := http.StatusAccepted
	if outcome.Applied == queue.AppliedImmediate {
		status = immediateStatus
		response.Record = outcome.Record.Attributes
	}
	c.JSON(status, response)
}

func (h *httpHandler) writeReport(c *gin.Context, report reconcile.Report, err error) {
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// writeError maps data-layer failures onto HTTP statuses. Remote rejections keep the remote code.
func (h *httpHandler) writeError(c *gin.Context, err error) {
	var transient *remote.TransientError
	if rejected, ok := remote.AsRejected(err); ok {
		c.JSON(http.StatusUnprocessableEntity, errorPayload{Error: rejected.Code, Message: rejected.Message, Status: rejected.Status})
		return
	}
	switch {
	case errors.Is(err, inventory.ErrInvalidPayload),
		errors.Is(err, inventory.ErrInvalidEntityID),
		errors.Is(err, inventory.ErrUnsupportedOperation):
		c.JSON(http.StatusBadRequest, errorPayload{Error: "invalid_payload", Message: err.Error()})
	case errors.Is(err, queue.ErrUnsyncedReference):
		c.JSON(http.StatusConflict, errorPayload{Error: "unsynced_reference", Message: err.Error()})
	case errors.Is(err, store.ErrActionNotFound):
		c.JSON(http.StatusNotFound, errorPayload{Error: "action_not_found", Message: c.Param("id")})
	case errors.Is(err, store.ErrInvalidTransition):
		c.JSON(http.StatusConflict, errorPayload{Error: "invalid_transition", Message: err.Error()})
	case errors.Is(err, store.ErrUnavailable):
		h.logger.Error("local store unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInsufficientStorage, errorPayload{Error: "store_unavailable"})
	case errors.As(err, &transient),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled):
		h.logger.Warn("remote backend unavailable", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, errorPayload{Error: "try_again", Message: err.Error()})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorPayload{Error: "internal_error"})
	}
}

func newActionPayload(action store.PendingAction) actionPayload {
	payload := actionPayload{
		ActionID:   action.ActionID,
		Operation:  action.Operation,
		Collection: action.Collection,
		EntityID:   action.EntityID,
		Status:     string(action.Status),
		Attempts:   action.Attempts,
		LastError:  action.LastError,
		CreatedAt:  action.CreatedAt(),
		Payload:    json.RawMessage(action.Payload),
	}
	if next := action.NextAttemptAt(); !next.IsZero() {
		payload.NextAttemptAt = &next
	}
	return payload
}
