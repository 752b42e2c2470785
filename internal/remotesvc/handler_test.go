package remotesvc

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/medstock/internal/auth"
	"github.com/MarcoPoloResearchLab/medstock/internal/inventory"
	"github.com/MarcoPoloResearchLab/medstock/internal/remote"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T) (*httptest.Server, *auth.TokenIssuer, *Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("backend-secret"),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	service := newTestService(t)
	seedReferences(t, service)

	handler, err := NewHTTPHandler(Dependencies{Tokens: issuer, Service: service, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return server, issuer, service
}

func newClient(t *testing.T, server *httptest.Server, issuer *auth.TokenIssuer) *remote.Client {
	t.Helper()
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: server.URL,
		Timeout: 5 * time.Second,
		Tokens:  issuer.TokenSource("desk-1"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); err == nil {
		t.Fatalf("expected error without dependencies")
	}
}

func TestHealthIsPublicAndCollectionsRequireBearer(t *testing.T) {
	server, _, _ := newTestServer(t)

	response, err := http.Get(server.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected health 200, got %d", response.StatusCode)
	}

	response, err = http.Get(server.URL + "/v1/products")
	if err != nil {
		t.Fatalf("collection request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", response.StatusCode)
	}
}

func TestClientRoundTripAgainstHandler(t *testing.T) {
	server, issuer, service := newTestServer(t)
	client := newClient(t, server, issuer)
	ctx := context.Background()

	creation := mustMutation(t)(inventory.NewProductCreation(inventory.ProductDraft{Code: "PARA-500", Name: "Paracetamol", CategoryID: "cat-1", Unit: "box"}))
	created, err := client.Submit(ctx, remote.Submission{Token: "token-create", Mutation: creation})
	if err != nil {
		t.Fatalf("submit creation: %v", err)
	}
	replayed, err := client.Submit(ctx, remote.Submission{Token: "token-create", Mutation: creation})
	if err != nil {
		t.Fatalf("replay creation: %v", err)
	}
	if replayed.ID != created.ID {
		t.Fatalf("expected replay to return %s, got %s", created.ID, replayed.ID)
	}

	if _, err := client.Submit(ctx, remote.Submission{Token: "token-entry", Mutation: stockEntry(t, created.ID, 3)}); err != nil {
		t.Fatalf("submit entry: %v", err)
	}
	_, err = client.Submit(ctx, remote.Submission{Token: "token-exit", Mutation: stockExit(t, created.ID, 5)})
	rejected, ok := remote.AsRejected(err)
	if !ok {
		t.Fatalf("expected rejection, got %v", err)
	}
	if rejected.Status != http.StatusUnprocessableEntity || rejected.Code != "insufficient_stock" {
		t.Fatalf("unexpected rejection %+v", rejected)
	}

	products, err := client.FetchCollection(ctx, inventory.CollectionProducts)
	if err != nil {
		t.Fatalf("fetch products: %v", err)
	}
	if len(products) != 1 || products[0].ID != created.ID {
		t.Fatalf("unexpected products %+v", products)
	}
	rows, err := client.FetchCollection(ctx, inventory.CollectionInventory)
	if err != nil {
		t.Fatalf("fetch inventory: %v", err)
	}
	if len(rows) != 1 || rows[0].Quantity.String() != "3" {
		t.Fatalf("unexpected inventory %+v", rows)
	}

	movements, err := service.Movements(ctx, created.ID)
	if err != nil {
		t.Fatalf("movements: %v", err)
	}
	if len(movements) != 1 || movements[0].OperatorID != "desk-1" {
		t.Fatalf("expected one entry by desk-1, got %+v", movements)
	}
}

func TestMutationWithoutIdempotencyKeyIsRejected(t *testing.T) {
	server, issuer, _ := newTestServer(t)
	token, _, err := issuer.IssueOperatorToken(context.Background(), "desk-1")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	request, err := http.NewRequest(http.MethodPost, server.URL+"/v1/products", bytes.NewBufferString(`{"code":"X","name":"X","unit":"box"}`))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	request.Header.Set("Authorization", "Bearer "+token)
	request.Header.Set("Content-Type", "application/json")
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without idempotency key, got %d", response.StatusCode)
	}
}

func TestUnknownCollectionIsRejected(t *testing.T) {
	server, issuer, _ := newTestServer(t)
	client := newClient(t, server, issuer)
	_, err := client.FetchCollection(context.Background(), inventory.Collection("suppliers"))
	var rejected *remote.RejectedError
	if !errors.As(err, &rejected) || rejected.Status != http.StatusNotFound {
		t.Fatalf("expected 404 rejection, got %v", err)
	}
}
