// Package remotesvc is the reference inventory backend that the data layer reconciles against.
package remotesvc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/database"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opServiceNew    = "remotesvc.service.new"
	opList          = "remotesvc.list"
	opApply         = "remotesvc.apply"
	opPutReference  = "remotesvc.put_reference"
	opListMovements = "remotesvc.list_movements"
)

// Schema returns the tables owned by the backend database.
func Schema() database.Schema {
	return database.Schema{
		Models: []any{
			&Product{},
			&Category{},
			&Location{},
			&StockRow{},
			&Movement{},
			&IdempotencyKey{},
		},
	}
}

// ServiceConfig wires the backend service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider inventory.IDProvider
	Logger     *zap.Logger
}

// Service applies inventory mutations atomically and remembers their idempotency tokens.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider inventory.IDProvider
	logger     *zap.Logger
}

// Request is one mutation submitted by an operator.
type Request struct {
	Token      string
	OperatorID string
	Mutation   inventory.Mutation
}

// NewService validates the configuration and constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// List returns every record of a collection in its remote JSON form.
func (s *Service) List(ctx context.Context, collection inventory.Collection) ([]json.RawMessage, error) {
	db := s.db.WithContext(ctx)
	items := []json.RawMessage{}
	var err error
	switch collection {
	case inventory.CollectionProducts:
		var rows []Product
		if err = db.Order("created_at_ms ASC, id ASC").Find(&rows).Error; err == nil {
			items, err = encodeAll(rows, Product.encode)
		}
	case inventory.CollectionCategories:
		var rows []Category
		if err = db.Order("code ASC").Find(&rows).Error; err == nil {
			items, err = encodeAll(rows, Category.encode)
		}
	case inventory.CollectionLocations:
		var rows []Location
		if err = db.Order("code ASC").Find(&rows).Error; err == nil {
			items, err = encodeAll(rows, Location.encode)
		}
	case inventory.CollectionInventory:
		var rows []StockRow
		if err = db.Order("product_id ASC, location_id ASC, batch ASC").Find(&rows).Error; err == nil {
			items, err = encodeAll(rows, StockRow.encode)
		}
	default:
		return nil, reject(http.StatusNotFound, "unknown_collection", collection.String())
	}
	if err != nil {
		s.logError(opList, "query_failed", err, zap.String("collection", collection.String()))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return items, nil
}

// Apply executes a mutation. A token that was already applied returns the stored
// response without touching any table.
func (s *Service) Apply(ctx context.Context, request Request) (json.RawMessage, error) {
	token := strings.TrimSpace(request.Token)
	if token == "" {
		return nil, reject(http.StatusBadRequest, "missing_idempotency_key", errMissingToken.Error())
	}
	mutation := request.Mutation
	if err := mutation.Validate(); err != nil {
		return nil, invalidPayload(err)
	}

	var response json.RawMessage
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing IdempotencyKey
		err := tx.Where("token = ?", token).Take(&existing).Error
		switch {
		case err == nil:
			if existing.Operation != string(mutation.Kind) || existing.EntityID != mutation.EntityID {
				return reject(http.StatusUnprocessableEntity, "idempotency_key_reused", token)
			}
			response = json.RawMessage(existing.Response)
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return newServiceError(opApply, "key_select_failed", err)
		}

		now := s.clock().UTC().UnixMilli()
		applied, err := s.applyMutation(tx, request.OperatorID, mutation, now)
		if err != nil {
			return err
		}
		key := IdempotencyKey{
			Token:           token,
			Operation:       string(mutation.Kind),
			EntityID:        mutation.EntityID,
			OperatorID:      request.OperatorID,
			Response:        datatypes.JSON(applied),
			CreatedAtMillis: now,
		}
		if err := tx.Create(&key).Error; err != nil {
			return newServiceError(opApply, "key_insert_failed", err)
		}
		response = applied
		return nil
	})
	if err != nil {
		var rejection *Rejection
		if errors.As(err, &rejection) {
			return nil, rejection
		}
		s.logError(opApply, "transaction_failed", err,
			zap.String("token", token),
			zap.String("kind", string(mutation.Kind)))
		var serviceErr *ServiceError
		if errors.As(err, &serviceErr) {
			return nil, serviceErr
		}
		return nil, newServiceError(opApply, "transaction_failed", err)
	}
	return response, nil
}

func (s *Service) applyMutation(tx *gorm.DB, operatorID string, mutation inventory.Mutation, now int64) (json.RawMessage, error) {
	switch mutation.Kind {
	case inventory.OperationCreate:
		var draft inventory.ProductDraft
		if err := json.Unmarshal(mutation.Payload, &draft); err != nil {
			return nil, invalidPayload(err)
		}
		return s.createProduct(tx, draft, now)
	case inventory.OperationUpdate:
		var patch inventory.ProductPatch
		if err := json.Unmarshal(mutation.Payload, &patch); err != nil {
			return nil, invalidPayload(err)
		}
		return s.updateProduct(tx, patch, now)
	case inventory.OperationSoftDelete:
		var deletion inventory.ProductDeletion
		if err := json.Unmarshal(mutation.Payload, &deletion); err != nil {
			return nil, invalidPayload(err)
		}
		return s.deleteProduct(tx, deletion, now)
	case inventory.OperationRegisterEntry:
		var entry inventory.StockEntry
		if err := json.Unmarshal(mutation.Payload, &entry); err != nil {
			return nil, invalidPayload(err)
		}
		return s.moveStock(tx, movement{
			kind:       MovementEntry,
			productID:  entry.ProductID,
			locationID: entry.LocationID,
			batch:      entry.Batch,
			quantity:   entry.Quantity,
			unitCost:   entry.UnitCost,
			expiresOn:  entry.ExpiresOn,
			reason:     entry.Reason,
			operatorID: operatorID,
		}, now)
	case inventory.OperationRegisterExit:
		var exit inventory.StockExit
		if err := json.Unmarshal(mutation.Payload, &exit); err != nil {
			return nil, invalidPayload(err)
		}
		return s.moveStock(tx, movement{
			kind:       MovementExit,
			productID:  exit.ProductID,
			locationID: exit.LocationID,
			batch:      exit.Batch,
			quantity:   exit.Quantity,
			reason:     exit.Reason,
			operatorID: operatorID,
		}, now)
	default:
		return nil, reject(http.StatusBadRequest, "unsupported_operation", string(mutation.Kind))
	}
}

func (s *Service) createProduct(tx *gorm.DB, draft inventory.ProductDraft, now int64) (json.RawMessage, error) {
	code := strings.TrimSpace(draft.Code)
	if err := ensureUniqueCode(tx, code, ""); err != nil {
		return nil, err
	}
	categoryID := strings.TrimSpace(draft.CategoryID)
	if err := ensureExists(tx, &Category{}, categoryID, "category_not_found"); err != nil {
		return nil, err
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(opApply, "id_generation_failed", err)
	}
	product := Product{
		ID:              id,
		Code:            code,
		Name:            strings.TrimSpace(draft.Name),
		CategoryID:      categoryID,
		Unit:            strings.TrimSpace(draft.Unit),
		MinStock:        draft.MinStock,
		MaxStock:        draft.MaxStock,
		CreatedAtMillis: now,
		UpdatedAtMillis: now,
	}
	if err := tx.Create(&product).Error; err != nil {
		return nil, newServiceError(opApply, "product_insert_failed", err)
	}
	return encodeOne(product.encode())
}

func (s *Service) updateProduct(tx *gorm.DB, patch inventory.ProductPatch, now int64) (json.RawMessage, error) {
	product, err := loadProduct(tx, patch.ID)
	if err != nil {
		return nil, err
	}
	if product.Deleted {
		return nil, reject(http.StatusConflict, "product_deleted", product.ID)
	}
	if patch.Code != nil {
		code := strings.TrimSpace(*patch.Code)
		if err := ensureUniqueCode(tx, code, product.ID); err != nil {
			return nil, err
		}
		product.Code = code
	}
	if patch.Name != nil {
		product.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.CategoryID != nil {
		categoryID := strings.TrimSpace(*patch.CategoryID)
		if err := ensureExists(tx, &Category{}, categoryID, "category_not_found"); err != nil {
			return nil, err
		}
		product.CategoryID = categoryID
	}
	if patch.Unit != nil {
		product.Unit = strings.TrimSpace(*patch.Unit)
	}
	if patch.MinStock != nil {
		product.MinStock = *patch.MinStock
	}
	if patch.MaxStock != nil {
		product.MaxStock = *patch.MaxStock
	}
	if !product.MaxStock.IsZero() && product.MaxStock.LessThan(product.MinStock) {
		return nil, reject(http.StatusUnprocessableEntity, "invalid_thresholds", "maximum stock below minimum stock")
	}
	product.UpdatedAtMillis = now
	if err := tx.Save(&product).Error; err != nil {
		return nil, newServiceError(opApply, "product_update_failed", err)
	}
	return encodeOne(product.encode())
}

func (s *Service) deleteProduct(tx *gorm.DB, deletion inventory.ProductDeletion, now int64) (json.RawMessage, error) {
	product, err := loadProduct(tx, deletion.ID)
	if err != nil {
		return nil, err
	}
	if !product.Deleted {
		product.Deleted = true
		product.DeleteReason = strings.TrimSpace(deletion.Reason)
		product.UpdatedAtMillis = now
		if err := tx.Save(&product).Error; err != nil {
			return nil, newServiceError(opApply, "product_delete_failed", err)
		}
	}
	return encodeOne(product.encode())
}

type movement struct {
	kind       MovementKind
	productID  string
	locationID string
	batch      string
	quantity   decimal.Decimal
	unitCost   decimal.Decimal
	expiresOn  string
	reason     string
	operatorID string
}

// moveStock updates the stock row and appends the ledger line in the caller's transaction.
func (s *Service) moveStock(tx *gorm.DB, move movement, now int64) (json.RawMessage, error) {
	product, err := loadProduct(tx, move.productID)
	if err != nil {
		return nil, err
	}
	if product.Deleted {
		return nil, reject(http.StatusNotFound, "product_not_found", product.ID)
	}
	if err := ensureExists(tx, &Location{}, move.locationID, "location_not_found"); err != nil {
		return nil, err
	}

	var row StockRow
	err = tx.Where("product_id = ? AND location_id = ? AND batch = ?", move.productID, move.locationID, move.batch).Take(&row).Error
	found := err == nil
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opApply, "stock_select_failed", err)
	}

	if move.kind == MovementExit {
		available := decimal.Zero
		if found {
			available = row.Quantity
		}
		if move.quantity.GreaterThan(available) {
			return nil, reject(http.StatusUnprocessableEntity, "insufficient_stock", fmt.Sprintf("available %s", available))
		}
		row.Quantity = available.Sub(move.quantity)
	} else if found {
		row.Quantity = row.Quantity.Add(move.quantity)
	} else {
		id, err := s.idProvider.NewID()
		if err != nil {
			return nil, newServiceError(opApply, "id_generation_failed", err)
		}
		row = StockRow{
			ID:         id,
			ProductID:  move.productID,
			LocationID: move.locationID,
			Batch:      move.batch,
			Quantity:   move.quantity,
		}
	}
	if move.expiresOn != "" {
		row.ExpiresOn = move.expiresOn
	}
	row.UpdatedAtMillis = now
	if found {
		err = tx.Save(&row).Error
	} else {
		err = tx.Create(&row).Error
	}
	if err != nil {
		return nil, newServiceError(opApply, "stock_save_failed", err)
	}

	movementID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(opApply, "id_generation_failed", err)
	}
	ledger := Movement{
		ID:              movementID,
		StockRowID:      row.ID,
		ProductID:       move.productID,
		Kind:            move.kind,
		Quantity:        move.quantity,
		UnitCost:        move.unitCost,
		Balance:         row.Quantity,
		Reason:          strings.TrimSpace(move.reason),
		OperatorID:      move.operatorID,
		CreatedAtMillis: now,
	}
	if err := tx.Create(&ledger).Error; err != nil {
		return nil, newServiceError(opApply, "movement_insert_failed", err)
	}
	return encodeOne(row.encode())
}

// PutReference creates or renames a category or location.
func (s *Service) PutReference(ctx context.Context, collection inventory.Collection, reference inventory.Reference) (json.RawMessage, error) {
	id, err := inventory.NewEntityID(reference.ID)
	if err != nil {
		return nil, invalidPayload(err)
	}
	code := strings.TrimSpace(reference.Code)
	name := strings.TrimSpace(reference.Name)
	if code == "" || name == "" {
		return nil, reject(http.StatusBadRequest, "invalid_payload", "code and name are required")
	}

	var (
		table   string
		model   any
		encoded func() (json.RawMessage, error)
	)
	switch collection {
	case inventory.CollectionCategories:
		category := Category{ID: id, Code: code, Name: name}
		table, model, encoded = category.TableName(), &category, category.encode
	case inventory.CollectionLocations:
		location := Location{ID: id, Code: code, Name: name}
		table, model, encoded = location.TableName(), &location, location.encode
	default:
		return nil, reject(http.StatusNotFound, "unknown_collection", collection.String())
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var clashes int64
		if err := tx.Table(table).Where("code = ? AND id <> ?", code, id).Count(&clashes).Error; err != nil {
			return newServiceError(opPutReference, "code_check_failed", err)
		}
		if clashes > 0 {
			return reject(http.StatusConflict, "duplicate_code", code)
		}
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"code", "name"}),
		}).Create(model).Error
		if err != nil {
			return newServiceError(opPutReference, "upsert_failed", err)
		}
		return nil
	})
	if err != nil {
		var rejection *Rejection
		if !errors.As(err, &rejection) {
			s.logError(opPutReference, "transaction_failed", err, zap.String("collection", collection.String()))
		}
		return nil, err
	}
	return encodeOne(encoded())
}

// Movements returns the ledger of a product in the order it was written.
func (s *Service) Movements(ctx context.Context, productID string) ([]Movement, error) {
	var rows []Movement
	if err := s.db.WithContext(ctx).
		Where("product_id = ?", productID).
		Order("created_at_ms ASC, id ASC").
		Find(&rows).Error; err != nil {
		s.logError(opListMovements, "query_failed", err, zap.String("product_id", productID))
		return nil, newServiceError(opListMovements, "query_failed", err)
	}
	return rows, nil
}

func loadProduct(tx *gorm.DB, productID string) (Product, error) {
	var product Product
	err := tx.Where("id = ?", strings.TrimSpace(productID)).Take(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Product{}, reject(http.StatusNotFound, "product_not_found", productID)
	}
	if err != nil {
		return Product{}, newServiceError(opApply, "product_select_failed", err)
	}
	return product, nil
}

func ensureUniqueCode(tx *gorm.DB, code, exceptID string) error {
	var clashes int64
	err := tx.Model(&Product{}).
		Where("code = ? AND deleted = ? AND id <> ?", code, false, exceptID).
		Count(&clashes).Error
	if err != nil {
		return newServiceError(opApply, "code_check_failed", err)
	}
	if clashes > 0 {
		return reject(http.StatusConflict, "duplicate_code", code)
	}
	return nil
}

// ensureExists accepts an empty id; callers treat the reference as optional.
func ensureExists(tx *gorm.DB, model any, id, reason string) error {
	if id == "" {
		return nil
	}
	var count int64
	if err := tx.Model(model).Where("id = ?", id).Count(&count).Error; err != nil {
		return newServiceError(opApply, "reference_check_failed", err)
	}
	if count == 0 {
		return reject(http.StatusNotFound, reason, id)
	}
	return nil
}

func encodeAll[T any](rows []T, encode func(T) (json.RawMessage, error)) ([]json.RawMessage, error) {
	items := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		item, err := encode(row)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func encodeOne(item json.RawMessage, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, newServiceError(opApply, "encode_failed", err)
	}
	return item, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("backend service error", attrs...)
}
