package inventory

import (
	"errors"
	"strings"
	"testing"
)

func TestParseCollection(testContext *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected Collection
		wantErr  bool
	}{
		{name: "products", input: "products", expected: CollectionProducts},
		{name: "trimmed and folded", input: "  Inventory ", expected: CollectionInventory},
		{name: "unknown", input: "suppliers", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			collection, err := ParseCollection(testCase.input)
			if testCase.wantErr {
				if !errors.Is(err, ErrUnknownCollection) {
					testContext.Fatalf("expected ErrUnknownCollection, got %v", err)
				}
				return
			}
			if err != nil {
				testContext.Fatalf("unexpected error: %v", err)
			}
			if collection != testCase.expected {
				testContext.Fatalf("expected %q, got %q", testCase.expected, collection)
			}
		})
	}
}

func TestCollectionSupports(testContext *testing.T) {
	if !CollectionProducts.Supports(OperationSoftDelete) {
		testContext.Fatalf("expected products to support soft delete")
	}
	if CollectionProducts.Supports(OperationRegisterExit) {
		testContext.Fatalf("expected products to reject stock exits")
	}
	if !CollectionInventory.Supports(OperationRegisterEntry) {
		testContext.Fatalf("expected inventory to support stock entries")
	}
	if CollectionCategories.Supports(OperationCreate) {
		testContext.Fatalf("expected categories to be read only")
	}
}

func TestNewEntityIDRejectsOversizedValues(testContext *testing.T) {
	if _, err := NewEntityID(strings.Repeat("x", maxIdentifierLength+1)); !errors.Is(err, ErrInvalidEntityID) {
		testContext.Fatalf("expected ErrInvalidEntityID, got %v", err)
	}
	id, err := NewEntityID("  prod-1 ")
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if id != "prod-1" {
		testContext.Fatalf("expected trimmed id, got %q", id)
	}
}

func TestStreamKeySharesProductStreamForStockMoves(testContext *testing.T) {
	if StreamKey(CollectionInventory, "p1") != StreamKey(CollectionProducts, "p1") {
		testContext.Fatalf("expected stock moves to share the product stream")
	}
	if StreamKey(CollectionProducts, "p1") == StreamKey(CollectionProducts, "p2") {
		testContext.Fatalf("expected distinct products to use distinct streams")
	}
	if StreamKey(CollectionLocations, "l1") != "locations/l1" {
		testContext.Fatalf("unexpected stream key %q", StreamKey(CollectionLocations, "l1"))
	}
}

func TestLocalRefRoundTrip(testContext *testing.T) {
	ref := LocalRef("action-1")
	if !IsLocalRef(ref) {
		testContext.Fatalf("expected %q to be a local ref", ref)
	}
	if IsLocalRef("action-1") {
		testContext.Fatalf("expected plain id not to be a local ref")
	}
}
