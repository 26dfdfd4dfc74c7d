package httpapi

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parash93/kdm-procurex-backend/internal/domain"
	"github.com/parash93/kdm-procurex-backend/internal/service"
	"github.com/parash93/kdm-procurex-backend/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	allowedOrigin string
	loginLimiter  *attemptLimiter
	csrfSecret    []byte
	log           *logrus.Logger
}

func New(svc *service.Service, auth *AuthManager, allowedOrigin string, log *logrus.Logger) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		// Fall back to a deterministic secret if crypto/rand fails (should not happen in practice).
		csrfSecret = []byte("csrf-fallback-secret-change-me!!")
	}
	if log == nil {
		log = logrus.New()
	}
	return &API{
		service:       svc,
		auth:          auth,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
		log:           log,
	}
}

// csrfTokenForHour computes an HMAC-SHA256 token for the given hour bucket
// (expressed as Unix time truncated to the hour). The token is hex-encoded.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	h := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(h, "%d", hourBucket)
	return hex.EncodeToString(h.Sum(nil))
}

// generateCSRFToken returns a token valid for the current hour bucket.
func (a *API) generateCSRFToken() string {
	now := time.Now().UTC()
	bucket := now.Truncate(time.Hour).Unix()
	return a.csrfTokenForHour(bucket)
}

// validateCSRFToken checks whether the provided token matches the current or
// previous hour bucket, giving a 2-hour validity window.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	now := time.Now().UTC()
	currentBucket := now.Truncate(time.Hour).Unix()
	prevBucket := currentBucket - 3600

	expected1 := a.csrfTokenForHour(currentBucket)
	expected2 := a.csrfTokenForHour(prevBucket)

	return hmac.Equal([]byte(token), []byte(expected1)) ||
		hmac.Equal([]byte(token), []byte(expected2))
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	history := l.entries[key]
	kept := make([]time.Time, 0, len(history)+1)
	for _, ts := range history {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	kept = append(kept, now)
	l.entries[key] = kept
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)

	mux.HandleFunc("/api/v1/suppliers", a.requireAuth(a.handleSuppliers, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/suppliers/", a.requireAuth(a.handleSupplierActions, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/divisions", a.requireAuth(a.handleDivisions, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/divisions/", a.requireAuth(a.handleDivisionActions, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/categories", a.requireAuth(a.handleCategories, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/categories/", a.requireAuth(a.handleCategoryActions, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products", a.requireAuth(a.handleProducts, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/products/", a.requireAuth(a.handleProductActions, domain.RoleOperations, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/purchase-orders", a.requireAuth(a.handlePurchaseOrders, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/purchase-orders/", a.requireAuth(a.handlePurchaseOrderActions, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/dispatches", a.requireAuth(a.handleDispatches, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/dispatches/", a.requireAuth(a.handleDispatchActions, domain.RoleOperations, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/inventory", a.requireAuth(a.handleInventory, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/adjust", a.requireAuth(a.handleInventoryAdjust, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/inventory/", a.requireAuth(a.handleInventoryActions, domain.RoleOperations, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/dashboard/stats", a.requireAuth(a.handleDashboardStats, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/dashboard/reorder-suggestions", a.requireAuth(a.handleReorderSuggestions, domain.RoleOperations, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/users", a.requireAuth(a.handleUsers, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		token := strings.TrimSpace(authorization[len("Bearer "):])
		actor, err := a.auth.ParseToken(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}

		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// statusForError maps the store error taxonomy onto HTTP statuses.
func statusForError(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case strings.Contains(strings.ToLower(err.Error()), "admin role required"):
		return http.StatusForbidden
	default:
		return http.StatusUnprocessableEntity
	}
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// handleCSRFToken returns a stateless CSRF token valid for the current hour bucket.
// Clients must include this token in the X-CSRF-Token header for all mutating requests.
func (a *API) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf_token": a.generateCSRFToken(),
	})
}

// csrfExemptPaths lists paths that are exempt from CSRF validation.
// Login is excluded because it is called without a prior CSRF token fetch.
var csrfExemptPaths = []string{
	"/api/v1/auth/login",
}

// checkCSRF enforces CSRF token validation for state-changing methods
// (POST/PUT/PATCH/DELETE). Returns false and writes an error response if
// validation fails.
func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	method := r.Method
	if method != http.MethodPost && method != http.MethodPut && method != http.MethodPatch && method != http.MethodDelete {
		return true
	}
	for _, exempt := range csrfExemptPaths {
		if r.URL.Path == exempt {
			return true
		}
	}
	token := strings.TrimSpace(r.Header.Get("X-CSRF-Token"))
	if !a.validateCSRFToken(token) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

func (a *API) handleSuppliers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		suppliers, err := a.service.ListSuppliers(r.Context())
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"suppliers": suppliers})
	case http.MethodPost:
		var req domain.SupplierCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		supplier, err := a.service.CreateSupplier(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"supplier": supplier})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleSupplierActions(w http.ResponseWriter, r *http.Request) {
	supplierID := pathTail(r.URL.Path, "/api/v1/suppliers/")
	if supplierID == "" {
		writeError(w, http.StatusBadRequest, errors.New("supplier id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		supplier, err := a.service.GetSupplier(r.Context(), supplierID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"supplier": supplier})
	case http.MethodPut:
		var supplier domain.Supplier
		if err := decodeJSON(r, &supplier); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		supplier.ID = supplierID
		updated, err := a.service.UpdateSupplier(r.Context(), supplier)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"supplier": updated})
	case http.MethodDelete:
		if err := a.service.DeleteSupplier(r.Context(), supplierID); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleDivisions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		divisions, err := a.service.ListDivisions(r.Context())
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"divisions": divisions})
	case http.MethodPost:
		var req domain.DivisionCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		division, err := a.service.CreateDivision(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"division": division})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleDivisionActions(w http.ResponseWriter, r *http.Request) {
	divisionID := pathTail(r.URL.Path, "/api/v1/divisions/")
	if divisionID == "" {
		writeError(w, http.StatusBadRequest, errors.New("division id required"))
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	if err := a.service.DeleteDivision(r.Context(), divisionID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleCategories(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		categories, err := a.service.ListProductCategories(r.Context())
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
	case http.MethodPost:
		var req domain.ProductCategoryCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		category, err := a.service.CreateProductCategory(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"category": category})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleCategoryActions(w http.ResponseWriter, r *http.Request) {
	categoryID := pathTail(r.URL.Path, "/api/v1/categories/")
	if categoryID == "" {
		writeError(w, http.StatusBadRequest, errors.New("category id required"))
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w)
		return
	}
	if err := a.service.DeleteProductCategory(r.Context(), categoryID); err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleProducts(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		products, err := a.service.ListProducts(r.Context())
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"products": products})
	case http.MethodPost:
		var req domain.ProductCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product, err := a.service.CreateProduct(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"product": product})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleProductActions(w http.ResponseWriter, r *http.Request) {
	productID := pathTail(r.URL.Path, "/api/v1/products/")
	if productID == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}

	switch r.Method {
	case http.MethodGet:
		product, err := a.service.GetProduct(r.Context(), productID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": product})
	case http.MethodPut:
		var product domain.Product
		if err := decodeJSON(r, &product); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		product.ID = productID
		updated, err := a.service.UpdateProduct(r.Context(), product)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"product": updated})
	case http.MethodDelete:
		if err := a.service.DeleteProduct(r.Context(), productID); err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePurchaseOrders(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		orders, err := a.service.ListPurchaseOrders(r.Context(), status, limit)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, domain.PurchaseOrderListResponse{PurchaseOrders: orders})
	case http.MethodPost:
		var req domain.PurchaseOrderCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.CreatePurchaseOrder(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, domain.PurchaseOrderResponse{PurchaseOrder: order})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handlePurchaseOrderActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/api/v1/purchase-orders/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("purchase order id required"))
		return
	}

	orderID, action := splitAction(tail)
	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			order, err := a.service.GetPurchaseOrder(r.Context(), orderID)
			if err != nil {
				writeError(w, statusForError(err), err)
				return
			}
			writeJSON(w, http.StatusOK, domain.PurchaseOrderResponse{PurchaseOrder: order})
		case http.MethodDelete:
			if err := a.service.DeletePurchaseOrder(r.Context(), orderID); err != nil {
				writeError(w, statusForError(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		default:
			writeMethodNotAllowed(w)
		}
	case "submit":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		order, err := a.service.SubmitPurchaseOrder(r.Context(), orderID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, domain.PurchaseOrderResponse{PurchaseOrder: order})
	case "approvals":
		switch r.Method {
		case http.MethodGet:
			approvals, err := a.service.ListApprovals(r.Context(), orderID)
			if err != nil {
				writeError(w, statusForError(err), err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
		case http.MethodPost:
			var req domain.ApprovalRequest
			if err := decodeJSON(r, &req); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			approval, order, err := a.service.SubmitApproval(r.Context(), orderID, req)
			if err != nil {
				writeError(w, statusForError(err), err)
				return
			}
			writeJSON(w, http.StatusOK, domain.ApprovalResponse{Approval: approval, PurchaseOrder: order})
		default:
			writeMethodNotAllowed(w)
		}
	case "stage-updates":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.StageUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		order, err := a.service.AddOrderStageUpdate(r.Context(), orderID, req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, domain.PurchaseOrderResponse{PurchaseOrder: order})
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown purchase order action"))
	}
}

func (a *API) handleDispatches(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		dispatches, err := a.service.ListDispatches(r.Context(), status, limit)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, domain.DispatchListResponse{Dispatches: dispatches})
	case http.MethodPost:
		var req domain.DispatchCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		dispatch, err := a.service.CreateDispatch(r.Context(), req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, domain.DispatchResponse{Dispatch: dispatch})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) handleDispatchActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/api/v1/dispatches/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("dispatch id required"))
		return
	}

	dispatchID, action := splitAction(tail)
	switch action {
	case "":
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		dispatch, err := a.service.GetDispatch(r.Context(), dispatchID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, domain.DispatchResponse{Dispatch: dispatch})
	case "status":
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w)
			return
		}
		var req domain.DispatchStatusUpdateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		dispatch, err := a.service.UpdateDispatchStatus(r.Context(), dispatchID, req)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, domain.DispatchResponse{Dispatch: dispatch})
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown dispatch action"))
	}
}

func (a *API) handleInventory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	rows, err := a.service.ListInventory(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": rows})
}

func (a *API) handleInventoryAdjust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var req domain.InventoryAdjustRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	inv, err := a.service.AdjustInventory(r.Context(), req)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"inventory": inv})
}

func (a *API) handleInventoryActions(w http.ResponseWriter, r *http.Request) {
	tail := pathTail(r.URL.Path, "/api/v1/inventory/")
	if tail == "" {
		writeError(w, http.StatusBadRequest, errors.New("product id required"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	productID, action := splitAction(tail)
	switch action {
	case "":
		inv, err := a.service.GetInventory(r.Context(), productID)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"inventory": inv})
	case "history":
		limit := parsePositiveLimit(r.URL.Query().Get("limit"), 100, 500)
		history, err := a.service.ListInventoryHistory(r.Context(), productID, limit)
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": history})
	default:
		writeError(w, http.StatusBadRequest, errors.New("unknown inventory action"))
	}
}

func (a *API) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}

	entityType := r.URL.Query().Get("entity_type")
	entityID := r.URL.Query().Get("entity_id")
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), 200, 1000)
	from, to, err := parseDateRange(r.URL.Query().Get("from"), r.URL.Query().Get("to"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	logs, err := a.service.ListAuditLogs(r.Context(), entityType, entityID, from, to, limit)
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (a *API) handleDashboardStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	stats, err := a.service.DashboardStats(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) handleReorderSuggestions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	suggestions, err := a.service.ReorderSuggestions(r.Context())
	if err != nil {
		writeError(w, statusForError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"suggestions": suggestions})
}

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		users, err := a.auth.ListUsers(r.Context())
		if err != nil {
			writeError(w, statusForError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var req domain.UserCreateRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		user, err := a.auth.CreateUser(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"user": user})
	default:
		writeMethodNotAllowed(w)
	}
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if (r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut) && strings.Contains(strings.ToLower(r.Header.Get("Content-Type")), "application/json") {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		// Enforce CSRF protection for all state-changing requests.
		if !a.checkCSRF(w, r) {
			return
		}

		startedAt := time.Now()
		next.ServeHTTP(w, r)
		a.log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(startedAt).String(),
		}).Info("request")
	})
}

// pathTail strips the route prefix and surrounding slashes from a request
// path.
func pathTail(path string, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.Trim(strings.TrimPrefix(path, prefix), "/"))
}

// splitAction splits "id" or "id/action" into its parts.
func splitAction(tail string) (string, string) {
	parts := strings.SplitN(tail, "/", 2)
	if len(parts) == 1 {
		return parts[0], ""
	}
	return parts[0], strings.Trim(parts[1], "/")
}

func parseDateRange(fromRaw string, toRaw string) (time.Time, time.Time, error) {
	var from, to time.Time
	if strings.TrimSpace(fromRaw) != "" {
		parsed, err := time.Parse("2006-01-02", fromRaw)
		if err != nil {
			return from, to, errors.New("from must be YYYY-MM-DD")
		}
		from = parsed
	}
	if strings.TrimSpace(toRaw) != "" {
		parsed, err := time.Parse("2006-01-02", toRaw)
		if err != nil {
			return from, to, errors.New("to must be YYYY-MM-DD")
		}
		to = parsed.Add(24*time.Hour - time.Nanosecond)
	}
	return from, to, nil
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeError(w http.ResponseWriter, status int, err error) {
	// For 5xx responses, return a generic message to avoid leaking internal
	// implementation details (stack traces, SQL errors, file paths, etc.).
	// 4xx responses are user-facing so we return the original error message.
	msg := err.Error()
	if status >= 500 {
		logrus.WithField("status", status).WithError(err).Error("internal error")
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
