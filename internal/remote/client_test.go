package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/shopspring/decimal"
)

func staticTokens(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

func TestClientFetchCollection(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if request.Method != http.MethodGet || request.URL.Path != "/v1/locations" {
			testContext.Errorf("unexpected request %s %s", request.Method, request.URL.Path)
		}
		if request.Header.Get("Authorization") != "Bearer session-token" {
			testContext.Errorf("expected bearer token, got %q", request.Header.Get("Authorization"))
		}
		writer.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(writer, `{"items":[{"id":"l1","code":"PH","name":"Pharmacy"},{"id":"l2","code":"W3","name":"Ward 3"}]}`)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL, Tokens: staticTokens("session-token")})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	records, err := client.FetchCollection(context.Background(), inventory.CollectionLocations)
	if err != nil {
		testContext.Fatalf("unexpected error: %v", err)
	}
	if len(records) != 2 || records[1].Name != "Ward 3" {
		testContext.Fatalf("unexpected records %+v", records)
	}
}

func TestClientSubmitRoutesMutations(testContext *testing.T) {
	type observed struct {
		method string
		path   string
		key    string
		body   map[string]any
	}
	requests := make(chan observed, 1)
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(request.Body).Decode(&body)
		requests <- observed{method: request.Method, path: request.URL.Path, key: request.Header.Get(IdempotencyHeader), body: body}
		_, _ = io.WriteString(writer, `{"record":{"id":"p1","code":"AMX","name":"Amoxicillin"}}`)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL + "/"})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}

	name := "Amoxicillin"
	update, err := inventory.NewProductUpdate(inventory.ProductPatch{ID: "p1", Name: &name})
	if err != nil {
		testContext.Fatalf("failed to build update: %v", err)
	}
	exit, err := inventory.NewStockExit(inventory.StockExit{ProductID: "p1", LocationID: "l1", Batch: "B1", Quantity: decimal.NewFromInt(2), Reason: "dispatch"})
	if err != nil {
		testContext.Fatalf("failed to build exit: %v", err)
	}
	deletion, err := inventory.NewProductDeletion(inventory.ProductDeletion{ID: "p1", Reason: "discontinued"})
	if err != nil {
		testContext.Fatalf("failed to build deletion: %v", err)
	}

	testCases := []struct {
		name     string
		mutation inventory.Mutation
		method   string
		path     string
	}{
		{name: "update", mutation: update, method: http.MethodPatch, path: "/v1/products/p1"},
		{name: "exit", mutation: exit, method: http.MethodPost, path: "/v1/stock/exits"},
		{name: "delete", mutation: deletion, method: http.MethodDelete, path: "/v1/products/p1"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			record, err := client.Submit(context.Background(), Submission{Token: "token-" + testCase.name, Mutation: testCase.mutation})
			if err != nil {
				testContext.Fatalf("unexpected error: %v", err)
			}
			if record.ID != "p1" {
				testContext.Fatalf("unexpected record %+v", record)
			}
			request := <-requests
			if request.method != testCase.method || request.path != testCase.path {
				testContext.Fatalf("expected %s %s, got %s %s", testCase.method, testCase.path, request.method, request.path)
			}
			if request.key != "token-"+testCase.name {
				testContext.Fatalf("expected idempotency key, got %q", request.key)
			}
			if len(request.body) == 0 {
				testContext.Fatalf("expected payload body")
			}
		})
	}
}

func TestClientClassifiesFailures(testContext *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		retryable bool
		code      string
	}{
		{name: "insufficient stock", status: http.StatusUnprocessableEntity, body: `{"error":"insufficient_stock","message":"available 3"}`, code: "insufficient_stock"},
		{name: "not found", status: http.StatusNotFound, body: ``, code: "not_found"},
		{name: "conflict", status: http.StatusConflict, body: `{"error":"duplicate_code"}`, code: "duplicate_code"},
		{name: "throttled", status: http.StatusTooManyRequests, retryable: true},
		{name: "timeout status", status: http.StatusRequestTimeout, retryable: true},
		{name: "server fault", status: http.StatusBadGateway, retryable: true},
		{name: "html rejection page", status: http.StatusBadRequest, body: `<html><body>Bad Request</body></html>`, code: "bad_request"},
		{name: "html outage page", status: http.StatusServiceUnavailable, body: `<html>maintenance</html>`, retryable: true, code: "service_unavailable"},
	}
	for _, testCase := range testCases {
		testContext.Run(testCase.name, func(testContext *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				writer.WriteHeader(testCase.status)
				_, _ = io.WriteString(writer, testCase.body)
			}))
			defer server.Close()

			client, err := NewClient(ClientConfig{BaseURL: server.URL})
			if err != nil {
				testContext.Fatalf("failed to build client: %v", err)
			}
			_, err = client.FetchCollection(context.Background(), inventory.CollectionProducts)
			if err == nil {
				testContext.Fatalf("expected error")
			}
			if IsRetryable(err) != testCase.retryable {
				testContext.Fatalf("expected retryable=%v, got %v (%v)", testCase.retryable, IsRetryable(err), err)
			}
			if testCase.retryable {
				var transient *TransientError
				if !errors.As(err, &transient) {
					testContext.Fatalf("expected TransientError, got %T", err)
				}
				if testCase.code != "" && transient.Err.Error() != testCase.code {
					testContext.Fatalf("expected transient cause %q, got %q", testCase.code, transient.Err.Error())
				}
				return
			}
			rejected, ok := AsRejected(err)
			if !ok {
				testContext.Fatalf("expected RejectedError, got %T", err)
			}
			if rejected.Status != testCase.status || rejected.Code != testCase.code {
				testContext.Fatalf("unexpected rejection %+v", rejected)
			}
		})
	}
}

func TestClientTimeoutIsTransient(testContext *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		select {
		case <-release:
		case <-request.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	client, err := NewClient(ClientConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	_, err = client.FetchCollection(context.Background(), inventory.CollectionProducts)
	var transient *TransientError
	if !errors.As(err, &transient) {
		testContext.Fatalf("expected TransientError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		testContext.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestClientRejectsMalformedCollection(testContext *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, `{"items":[{"name":"no id"}]}`)
	}))
	defer server.Close()

	client, err := NewClient(ClientConfig{BaseURL: server.URL})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	_, err = client.FetchCollection(context.Background(), inventory.CollectionProducts)
	if !errors.Is(err, inventory.ErrInvalidRecord) {
		testContext.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
}

func TestSubmitRequiresToken(testContext *testing.T) {
	client, err := NewClient(ClientConfig{BaseURL: "http://127.0.0.1:1"})
	if err != nil {
		testContext.Fatalf("failed to build client: %v", err)
	}
	if _, err := client.Submit(context.Background(), Submission{}); !errors.Is(err, errMissingToken) {
		testContext.Fatalf("expected errMissingToken, got %v", err)
	}
}
