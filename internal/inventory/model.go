package inventory

import (
	"errors"
	"fmt"
	"strings"
)

// Collection names a remote-owned collection mirrored by the data layer.
type Collection string

const (
	// CollectionProducts holds the product catalog.
	CollectionProducts Collection = "products"
	// CollectionCategories holds product categories.
	CollectionCategories Collection = "categories"
	// CollectionLocations holds storage locations (pharmacy, ward stores, warehouse).
	CollectionLocations Collection = "locations"
	// CollectionInventory holds stock rows per product, location and batch.
	CollectionInventory Collection = "inventory"
)

// OperationKind enumerates the mutations that can be applied or queued.
type OperationKind string

const (
	// OperationCreate inserts a new record.
	OperationCreate OperationKind = "create"
	// OperationUpdate changes fields of an existing record.
	OperationUpdate OperationKind = "update"
	// OperationSoftDelete marks a record as deleted without removing it.
	OperationSoftDelete OperationKind = "soft_delete"
	// OperationRegisterEntry records incoming stock and its ledger movement.
	OperationRegisterEntry OperationKind = "register_entry"
	// OperationRegisterExit records outgoing stock and its ledger movement.
	OperationRegisterExit OperationKind = "register_exit"
)

const (
	maxIdentifierLength = 190
	localRefPrefix      = "local:"
)

var (
	// ErrUnknownCollection indicates that a collection name is not mirrored.
	ErrUnknownCollection = errors.New("inventory: unknown collection")
	// ErrUnsupportedOperation indicates that an operation kind does not apply to a collection.
	ErrUnsupportedOperation = errors.New("inventory: unsupported operation")
	// ErrInvalidEntityID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidEntityID = errors.New("inventory: invalid entity id")
	// ErrInvalidRecord indicates that a remote record cannot be mirrored.
	ErrInvalidRecord = errors.New("inventory: invalid record")
	// ErrInvalidPayload indicates that a mutation payload is incomplete or malformed.
	ErrInvalidPayload = errors.New("inventory: invalid payload")
)

var knownCollections = map[Collection]struct{}{
	CollectionProducts:   {},
	CollectionCategories: {},
	CollectionLocations:  {},
	CollectionInventory:  {},
}

var collectionOperations = map[Collection]map[OperationKind]struct{}{
	CollectionProducts: {
		OperationCreate:     {},
		OperationUpdate:     {},
		OperationSoftDelete: {},
	},
	CollectionInventory: {
		OperationRegisterEntry: {},
		OperationRegisterExit:  {},
	},
}

// ParseCollection validates raw input and returns a Collection.
func ParseCollection(rawInput string) (Collection, error) {
	collection := Collection(strings.ToLower(strings.TrimSpace(rawInput)))
	if _, ok := knownCollections[collection]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, rawInput)
	}
	return collection, nil
}

// Collections lists every mirrored collection.
func Collections() []Collection {
	return []Collection{CollectionProducts, CollectionCategories, CollectionLocations, CollectionInventory}
}

// String returns the collection name.
func (c Collection) String() string {
	return string(c)
}

// ParseOperationKind validates raw input and returns an OperationKind.
func ParseOperationKind(rawInput string) (OperationKind, error) {
	kind := OperationKind(strings.ToLower(strings.TrimSpace(rawInput)))
	switch kind {
	case OperationCreate, OperationUpdate, OperationSoftDelete, OperationRegisterEntry, OperationRegisterExit:
		return kind, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedOperation, rawInput)
	}
}

// Supports reports whether the operation kind can target the collection.
func (c Collection) Supports(kind OperationKind) bool {
	operations, ok := collectionOperations[c]
	if !ok {
		return false
	}
	_, ok = operations[kind]
	return ok
}

// NewEntityID validates a remote or local entity identifier.
func NewEntityID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return trimmed, nil
}

// LocalRef returns the placeholder entity id of a record created while offline.
func LocalRef(actionID string) string {
	return localRefPrefix + actionID
}

// IsLocalRef reports whether the identifier is a placeholder that has not reached the remote backend.
func IsLocalRef(entityID string) bool {
	return strings.HasPrefix(entityID, localRefPrefix)
}

// StreamKey names the ordering stream of a mutation. Stock movements share the stream
// of the product they move so that a create, entry and exit chain is never reordered.
func StreamKey(collection Collection, entityID string) string {
	switch collection {
	case CollectionProducts, CollectionInventory:
		return CollectionProducts.String() + "/" + entityID
	default:
		return collection.String() + "/" + entityID
	}
}
