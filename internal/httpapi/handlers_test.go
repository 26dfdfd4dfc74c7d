package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parash93/kdm-procurex-backend/internal/domain"
	"github.com/parash93/kdm-procurex-backend/internal/service"
	"github.com/parash93/kdm-procurex-backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) *API {
	t.Helper()

	repo := memory.NewSeeded()
	svc := service.New(repo, nil, nil, nil, time.Second, nil)
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, "*", nil)
}

type testClient struct {
	t       *testing.T
	api     *API
	token   string
	csrf    string
	handler http.Handler
}

func newTestClient(t *testing.T, api *API, username string, password string) *testClient {
	t.Helper()
	c := &testClient{t: t, api: api, handler: api.Handler()}
	c.token = c.login(username, password)
	c.csrf = fetchCSRFToken(t, api)
	return c
}

func (c *testClient) login(username string, password string) string {
	c.t.Helper()
	body, _ := json.Marshal(domain.LoginRequest{Username: username, Password: password})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		c.t.Fatalf("login as %s failed: %d %s", username, rec.Code, rec.Body.String())
	}
	var resp domain.LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		c.t.Fatalf("decode login response: %v", err)
	}
	return resp.AccessToken
}

func (c *testClient) do(method string, path string, payload any) *httptest.ResponseRecorder {
	c.t.Helper()
	var req *http.Request
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			c.t.Fatalf("marshal payload: %v", err)
		}
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-CSRF-Token", c.csrf)
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	return rec
}

func decodeInto(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	decodeInto(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLoginInvalidCredentials(t *testing.T) {
	api := newTestAPI(t)

	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "wrongpassword"})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	api.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d (body: %s)", rec.Code, rec.Body.String())
	}
}

func TestHandlersRequireAuth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	for _, path := range []string{
		"/api/v1/suppliers",
		"/api/v1/purchase-orders",
		"/api/v1/dispatches",
		"/api/v1/inventory",
		"/api/v1/dashboard/stats",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for %s, got %d", path, rec.Code)
		}
	}
}

func TestMutationsRequireCSRFToken(t *testing.T) {
	api := newTestAPI(t)
	client := newTestClient(t, api, "admin", "admin123")
	client.csrf = ""

	rec := client.do(http.MethodPost, "/api/v1/suppliers", domain.SupplierCreateRequest{CompanyName: "No Token Pvt Ltd"})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without CSRF token, got %d", rec.Code)
	}
}

func TestOperationsRoleCannotDeleteMasters(t *testing.T) {
	api := newTestAPI(t)
	ops := newTestClient(t, api, "ops", "ops123")

	rec := ops.do(http.MethodDelete, "/api/v1/divisions/div-fab", nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for ops deleting division, got %d", rec.Code)
	}
}

func TestProcurementFlowOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	admin := newTestClient(t, api, "admin", "admin123")
	ops := newTestClient(t, api, "ops", "ops123")

	// Stock the product so the final approval gate passes.
	rec := admin.do(http.MethodPost, "/api/v1/inventory/adjust", domain.InventoryAdjustRequest{
		ProductID: "prod-ms-sheet",
		Type:      domain.MovementAdd,
		Quantity:  50,
		Reason:    "opening stock",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("adjust inventory: %d %s", rec.Code, rec.Body.String())
	}

	rec = ops.do(http.MethodPost, "/api/v1/purchase-orders", domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-steelworks",
		DivisionID: "div-fab",
		Items: []domain.PurchaseOrderItemRequest{
			{ProductID: "prod-ms-sheet", ProductName: "MS Sheet 2mm", Quantity: 50, UnitPrice: mustDecimal(t, "250")},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		PurchaseOrder domain.PurchaseOrder `json:"purchase_order"`
	}
	decodeInto(t, rec, &created)
	orderID := created.PurchaseOrder.ID
	itemID := created.PurchaseOrder.Items[0].ID

	if rec = ops.do(http.MethodPost, "/api/v1/purchase-orders/"+orderID+"/submit", nil); rec.Code != http.StatusOK {
		t.Fatalf("submit order: %d %s", rec.Code, rec.Body.String())
	}
	if rec = ops.do(http.MethodPost, "/api/v1/purchase-orders/"+orderID+"/approvals", domain.ApprovalRequest{Level: 1, Decision: "APPROVED"}); rec.Code != http.StatusOK {
		t.Fatalf("level 1 approval: %d %s", rec.Code, rec.Body.String())
	}
	if rec = admin.do(http.MethodPost, "/api/v1/purchase-orders/"+orderID+"/approvals", domain.ApprovalRequest{Level: 2, Decision: "APPROVED"}); rec.Code != http.StatusOK {
		t.Fatalf("level 2 approval: %d %s", rec.Code, rec.Body.String())
	}

	rec = ops.do(http.MethodPost, "/api/v1/dispatches", domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: itemID, Quantity: 50}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create dispatch: %d %s", rec.Code, rec.Body.String())
	}
	var dispatchResp struct {
		Dispatch domain.Dispatch `json:"dispatch"`
	}
	decodeInto(t, rec, &dispatchResp)
	dispatchID := dispatchResp.Dispatch.ID

	for _, next := range []domain.DispatchStatus{
		domain.DispatchPacked, domain.DispatchShipped, domain.DispatchInTransit, domain.DispatchDelivered,
	} {
		rec = ops.do(http.MethodPost, "/api/v1/dispatches/"+dispatchID+"/status", domain.DispatchStatusUpdateRequest{Status: next})
		if rec.Code != http.StatusOK {
			t.Fatalf("advance to %s: %d %s", next, rec.Code, rec.Body.String())
		}
	}

	rec = ops.do(http.MethodGet, "/api/v1/inventory/prod-ms-sheet", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get inventory: %d %s", rec.Code, rec.Body.String())
	}
	var invResp struct {
		Inventory domain.Inventory `json:"inventory"`
	}
	decodeInto(t, rec, &invResp)
	if invResp.Inventory.Quantity != 100 {
		t.Fatalf("expected 100 on hand after delivery, got %d", invResp.Inventory.Quantity)
	}

	rec = ops.do(http.MethodGet, "/api/v1/purchase-orders/"+orderID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get order: %d %s", rec.Code, rec.Body.String())
	}
	var orderResp struct {
		PurchaseOrder domain.PurchaseOrder `json:"purchase_order"`
	}
	decodeInto(t, rec, &orderResp)
	if orderResp.PurchaseOrder.Status != domain.OrderFullyDelivered {
		t.Fatalf("expected FULLY_DELIVERED, got %s", orderResp.PurchaseOrder.Status)
	}
}

func TestInvalidDispatchTransitionReturns409(t *testing.T) {
	api := newTestAPI(t)
	admin := newTestClient(t, api, "admin", "admin123")
	ops := newTestClient(t, api, "ops", "ops123")

	if rec := admin.do(http.MethodPost, "/api/v1/inventory/adjust", domain.InventoryAdjustRequest{
		ProductID: "prod-mcb-63", Type: domain.MovementAdd, Quantity: 5, Reason: "opening stock",
	}); rec.Code != http.StatusOK {
		t.Fatalf("adjust: %d", rec.Code)
	}

	rec := ops.do(http.MethodPost, "/api/v1/purchase-orders", domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-electro",
		Items: []domain.PurchaseOrderItemRequest{
			{ProductID: "prod-mcb-63", ProductName: "MCB 63A", Quantity: 5, UnitPrice: mustDecimal(t, "450")},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create order: %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		PurchaseOrder domain.PurchaseOrder `json:"purchase_order"`
	}
	decodeInto(t, rec, &created)

	ops.do(http.MethodPost, "/api/v1/purchase-orders/"+created.PurchaseOrder.ID+"/submit", nil)
	ops.do(http.MethodPost, "/api/v1/purchase-orders/"+created.PurchaseOrder.ID+"/approvals", domain.ApprovalRequest{Level: 1, Decision: "APPROVED"})
	admin.do(http.MethodPost, "/api/v1/purchase-orders/"+created.PurchaseOrder.ID+"/approvals", domain.ApprovalRequest{Level: 2, Decision: "APPROVED"})

	rec = ops.do(http.MethodPost, "/api/v1/dispatches", domain.DispatchCreateRequest{
		SupplierID: "sup-electro",
		Items:      []domain.DispatchItemRequest{{POItemID: created.PurchaseOrder.Items[0].ID, Quantity: 5}},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create dispatch: %d %s", rec.Code, rec.Body.String())
	}
	var dispatchResp struct {
		Dispatch domain.Dispatch `json:"dispatch"`
	}
	decodeInto(t, rec, &dispatchResp)

	// An unknown status fails validation before any transition check.
	rec = ops.do(http.MethodPost, "/api/v1/dispatches/"+dispatchResp.Dispatch.ID+"/status", map[string]string{"status": "TELEPORTED"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rec.Code)
	}

	// Cancel, then any further transition conflicts.
	if rec = ops.do(http.MethodPost, "/api/v1/dispatches/"+dispatchResp.Dispatch.ID+"/status", domain.DispatchStatusUpdateRequest{Status: domain.DispatchCancelled}); rec.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", rec.Code, rec.Body.String())
	}
	rec = ops.do(http.MethodPost, "/api/v1/dispatches/"+dispatchResp.Dispatch.ID+"/status", domain.DispatchStatusUpdateRequest{Status: domain.DispatchPacked})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for terminal dispatch, got %d", rec.Code)
	}
}

func TestAuditLogsAdminOnly(t *testing.T) {
	api := newTestAPI(t)
	admin := newTestClient(t, api, "admin", "admin123")
	ops := newTestClient(t, api, "ops", "ops123")

	if rec := ops.do(http.MethodGet, "/api/v1/audit-logs", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for ops, got %d", rec.Code)
	}
	if rec := admin.do(http.MethodGet, "/api/v1/audit-logs?limit=10", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownOrderReturns404(t *testing.T) {
	api := newTestAPI(t)
	ops := newTestClient(t, api, "ops", "ops123")

	rec := ops.do(http.MethodGet, "/api/v1/purchase-orders/po-missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func mustDecimal(t *testing.T, value string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(value)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", value, err)
	}
	return d
}

func TestHandleLoginRateLimit(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()
	body, _ := json.Marshal(domain.LoginRequest{Username: "admin", Password: "badpass"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "192.0.2.9:4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if i < 5 && rec.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d expected 401 before limit, got %d", i+1, rec.Code)
		}
		if i == 5 && rec.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", rec.Code)
		}
	}
}
