package memory

import (
	"context"
	"fmt"
	"log"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/parash93/kdm-procurex-backend/internal/domain"
	"github.com/parash93/kdm-procurex-backend/internal/store"
	"github.com/parash93/kdm-procurex-backend/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	suppliersByID    map[string]domain.Supplier
	divisionsByID    map[string]domain.Division
	categoriesByID   map[string]domain.ProductCategory
	productsByID     map[string]domain.Product
	ordersByID       map[string]domain.PurchaseOrder
	orderIDByItemID  map[string]string
	dispatchesByID   map[string]domain.Dispatch
	approvalsByOrder map[string][]domain.Approval
	inventoryByProd  map[string]domain.Inventory
	historyByProd    map[string][]domain.InventoryHistory
	auditLogs        []domain.AuditLog
	usersByUsername  map[string]domain.UserAccount
}

// seedUsers builds the initial in-memory accounts for dev/demo mode.
// Credentials come from SEED_ADMIN_PASSWORD and SEED_OPS_PASSWORD. If unset,
// hardcoded dev defaults are used with a warning printed to stdout. These
// credentials are never used in production (the backend uses PostgreSQL when
// DATABASE_URL is set).
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	opsPwd := envOr("SEED_OPS_PASSWORD", "ops123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_OPS_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_OPS_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"ops", opsPwd, domain.RoleOperations},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func NewSeeded() *Store {
	now := time.Now().UTC()

	suppliers := []domain.Supplier{
		{ID: "sup-steelworks", CompanyName: "Hindalco Steelworks", ContactPerson: "R. Mehta", Email: "sales@hindalcosteel.example", PaymentTerms: "NET30", Status: domain.EntityStatusActive, CreatedAt: now},
		{ID: "sup-electro", CompanyName: "Electrocomp Traders", ContactPerson: "S. Iyer", Email: "orders@electrocomp.example", PaymentTerms: "NET45", Status: domain.EntityStatusActive, CreatedAt: now},
	}
	divisions := []domain.Division{
		{ID: "div-fab", Name: "Fabrication", ContactPerson: "A. Sharma", Status: domain.EntityStatusActive, CreatedAt: now},
		{ID: "div-maint", Name: "Maintenance", ContactPerson: "P. Rao", Status: domain.EntityStatusActive, CreatedAt: now},
	}
	categories := []domain.ProductCategory{
		{ID: "cat-raw", Name: "Raw Material", Status: domain.EntityStatusActive, CreatedAt: now},
		{ID: "cat-elec", Name: "Electrical", Status: domain.EntityStatusActive, CreatedAt: now},
	}
	products := []domain.Product{
		{ID: "prod-ms-sheet", Name: "MS Sheet 2mm", CategoryID: "cat-raw", MinDeliveryDays: 7, Status: domain.EntityStatusActive, CreatedAt: now},
		{ID: "prod-angle-50", Name: "Angle 50x50", CategoryID: "cat-raw", MinDeliveryDays: 5, Status: domain.EntityStatusActive, CreatedAt: now},
		{ID: "prod-cable-4c", Name: "Armoured Cable 4C", CategoryID: "cat-elec", MinDeliveryDays: 10, Status: domain.EntityStatusActive, CreatedAt: now},
		{ID: "prod-mcb-63", Name: "MCB 63A", CategoryID: "cat-elec", MinDeliveryDays: 3, Status: domain.EntityStatusActive, CreatedAt: now},
	}

	s := &Store{
		suppliersByID:    make(map[string]domain.Supplier),
		divisionsByID:    make(map[string]domain.Division),
		categoriesByID:   make(map[string]domain.ProductCategory),
		productsByID:     make(map[string]domain.Product),
		ordersByID:       make(map[string]domain.PurchaseOrder),
		orderIDByItemID:  make(map[string]string),
		dispatchesByID:   make(map[string]domain.Dispatch),
		approvalsByOrder: make(map[string][]domain.Approval),
		inventoryByProd:  make(map[string]domain.Inventory),
		historyByProd:    make(map[string][]domain.InventoryHistory),
		auditLogs:        make([]domain.AuditLog, 0, 128),
		usersByUsername:  seedUsers(),
	}
	for _, sup := range suppliers {
		s.suppliersByID[sup.ID] = sup
	}
	for _, d := range divisions {
		s.divisionsByID[d.ID] = d
	}
	for _, c := range categories {
		s.categoriesByID[c.ID] = c
	}
	for _, p := range products {
		s.productsByID[p.ID] = p
		s.inventoryByProd[p.ID] = domain.Inventory{
			ID:        xid.New("inv"),
			ProductID: p.ID,
			Quantity:  0,
			UpdatedAt: now,
		}
	}
	return s
}

func (s *Store) CreateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(supplier.CompanyName) == "" {
		return nil, fmt.Errorf("%w: company name is required", store.ErrValidation)
	}
	if supplier.ID == "" {
		supplier.ID = xid.New("sup")
	}
	if _, exists := s.suppliersByID[supplier.ID]; exists {
		return nil, fmt.Errorf("%w: supplier %s already exists", store.ErrValidation, supplier.ID)
	}
	if supplier.Status == "" {
		supplier.Status = domain.EntityStatusActive
	}
	if supplier.CreatedAt.IsZero() {
		supplier.CreatedAt = time.Now().UTC()
	}
	s.suppliersByID[supplier.ID] = supplier
	return &supplier, nil
}

func (s *Store) GetSupplierByID(_ context.Context, supplierID string) (*domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	supplier, exists := s.suppliersByID[supplierID]
	if !exists || supplier.Status == domain.EntityStatusDeleted {
		return nil, store.ErrNotFound
	}
	return &supplier, nil
}

func (s *Store) ListSuppliers(_ context.Context) ([]domain.Supplier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	suppliers := make([]domain.Supplier, 0, len(s.suppliersByID))
	for _, supplier := range s.suppliersByID {
		if supplier.Status == domain.EntityStatusDeleted {
			continue
		}
		suppliers = append(suppliers, supplier)
	}
	slices.SortFunc(suppliers, func(a, b domain.Supplier) int {
		return cmpString(a.CompanyName, b.CompanyName)
	})
	return suppliers, nil
}

func (s *Store) UpdateSupplier(_ context.Context, supplier domain.Supplier) (*domain.Supplier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.suppliersByID[supplier.ID]
	if !exists || current.Status == domain.EntityStatusDeleted {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(supplier.CompanyName) == "" {
		return nil, fmt.Errorf("%w: company name is required", store.ErrValidation)
	}
	supplier.CreatedAt = current.CreatedAt
	if supplier.Status == "" {
		supplier.Status = current.Status
	}
	s.suppliersByID[supplier.ID] = supplier
	return &supplier, nil
}

func (s *Store) DeleteSupplier(_ context.Context, supplierID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	supplier, exists := s.suppliersByID[supplierID]
	if !exists || supplier.Status == domain.EntityStatusDeleted {
		return store.ErrNotFound
	}
	supplier.Status = domain.EntityStatusDeleted
	s.suppliersByID[supplierID] = supplier
	return nil
}

func (s *Store) CreateDivision(_ context.Context, division domain.Division) (*domain.Division, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(division.Name) == "" {
		return nil, fmt.Errorf("%w: division name is required", store.ErrValidation)
	}
	if division.ID == "" {
		division.ID = xid.New("div")
	}
	if division.Status == "" {
		division.Status = domain.EntityStatusActive
	}
	if division.CreatedAt.IsZero() {
		division.CreatedAt = time.Now().UTC()
	}
	s.divisionsByID[division.ID] = division
	return &division, nil
}

func (s *Store) ListDivisions(_ context.Context) ([]domain.Division, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	divisions := make([]domain.Division, 0, len(s.divisionsByID))
	for _, division := range s.divisionsByID {
		if division.Status == domain.EntityStatusDeleted {
			continue
		}
		divisions = append(divisions, division)
	}
	slices.SortFunc(divisions, func(a, b domain.Division) int {
		return cmpString(a.Name, b.Name)
	})
	return divisions, nil
}

func (s *Store) DeleteDivision(_ context.Context, divisionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	division, exists := s.divisionsByID[divisionID]
	if !exists || division.Status == domain.EntityStatusDeleted {
		return store.ErrNotFound
	}
	division.Status = domain.EntityStatusDeleted
	s.divisionsByID[divisionID] = division
	return nil
}

func (s *Store) CreateProductCategory(_ context.Context, category domain.ProductCategory) (*domain.ProductCategory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(category.Name) == "" {
		return nil, fmt.Errorf("%w: category name is required", store.ErrValidation)
	}
	if category.ID == "" {
		category.ID = xid.New("cat")
	}
	if category.Status == "" {
		category.Status = domain.EntityStatusActive
	}
	if category.CreatedAt.IsZero() {
		category.CreatedAt = time.Now().UTC()
	}
	s.categoriesByID[category.ID] = category
	return &category, nil
}

func (s *Store) ListProductCategories(_ context.Context) ([]domain.ProductCategory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	categories := make([]domain.ProductCategory, 0, len(s.categoriesByID))
	for _, category := range s.categoriesByID {
		if category.Status == domain.EntityStatusDeleted {
			continue
		}
		categories = append(categories, category)
	}
	slices.SortFunc(categories, func(a, b domain.ProductCategory) int {
		return cmpString(a.Name, b.Name)
	})
	return categories, nil
}

func (s *Store) DeleteProductCategory(_ context.Context, categoryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	category, exists := s.categoriesByID[categoryID]
	if !exists || category.Status == domain.EntityStatusDeleted {
		return store.ErrNotFound
	}
	category.Status = domain.EntityStatusDeleted
	s.categoriesByID[categoryID] = category
	return nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(product.Name) == "" {
		return nil, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	if product.CategoryID != "" {
		if _, exists := s.categoriesByID[product.CategoryID]; !exists {
			return nil, fmt.Errorf("%w: category %s", store.ErrNotFound, product.CategoryID)
		}
	}
	if product.ID == "" {
		product.ID = xid.New("prod")
	}
	if product.Status == "" {
		product.Status = domain.EntityStatusActive
	}
	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	s.productsByID[product.ID] = product
	// Every product gets an inventory row at zero so lookups and the
	// inventory listing see it before its first movement.
	s.inventoryByProd[product.ID] = domain.Inventory{
		ID:        xid.New("inv"),
		ProductID: product.ID,
		Quantity:  0,
		UpdatedAt: product.CreatedAt,
	}
	return &product, nil
}

func (s *Store) GetProductByID(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, exists := s.productsByID[productID]
	if !exists || product.Status == domain.EntityStatusDeleted {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	products := make([]domain.Product, 0, len(s.productsByID))
	for _, product := range s.productsByID {
		if product.Status == domain.EntityStatusDeleted {
			continue
		}
		products = append(products, product)
	}
	slices.SortFunc(products, func(a, b domain.Product) int {
		if a.CategoryID == b.CategoryID {
			return cmpString(a.Name, b.Name)
		}
		return cmpString(a.CategoryID, b.CategoryID)
	})
	return products, nil
}

func (s *Store) UpdateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.productsByID[product.ID]
	if !exists || current.Status == domain.EntityStatusDeleted {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(product.Name) == "" {
		return nil, fmt.Errorf("%w: product name is required", store.ErrValidation)
	}
	product.CreatedAt = current.CreatedAt
	if product.Status == "" {
		product.Status = current.Status
	}
	s.productsByID[product.ID] = product
	return &product, nil
}

func (s *Store) DeleteProduct(_ context.Context, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product, exists := s.productsByID[productID]
	if !exists || product.Status == domain.EntityStatusDeleted {
		return store.ErrNotFound
	}
	product.Status = domain.EntityStatusDeleted
	s.productsByID[productID] = product
	return nil
}

func (s *Store) CreatePurchaseOrder(_ context.Context, order domain.PurchaseOrder) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if supplier, exists := s.suppliersByID[order.SupplierID]; !exists || supplier.Status == domain.EntityStatusDeleted {
		return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, order.SupplierID)
	}
	if order.DivisionID != "" {
		if division, exists := s.divisionsByID[order.DivisionID]; !exists || division.Status == domain.EntityStatusDeleted {
			return nil, fmt.Errorf("%w: division %s", store.ErrNotFound, order.DivisionID)
		}
	}
	if len(order.Items) == 0 {
		return nil, fmt.Errorf("%w: purchase order requires at least one item", store.ErrValidation)
	}
	for _, item := range order.Items {
		if strings.TrimSpace(item.ProductName) == "" {
			return nil, fmt.Errorf("%w: item product name is required", store.ErrValidation)
		}
		if item.Quantity < 1 {
			return nil, fmt.Errorf("%w: item quantity must be positive", store.ErrValidation)
		}
		if item.ProductID != "" {
			if product, exists := s.productsByID[item.ProductID]; !exists || product.Status == domain.EntityStatusDeleted {
				return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, item.ProductID)
			}
		}
	}

	now := time.Now().UTC()
	if order.ID == "" {
		order.ID = xid.New("po")
	}
	if order.Status == "" {
		order.Status = domain.OrderDraft
	}
	order.CreatedAt = now
	order.UpdatedAt = now
	for idx := range order.Items {
		item := &order.Items[idx]
		item.ID = xid.New("poi")
		item.OrderID = order.ID
		item.DispatchedQuantity = 0
		item.TotalPrice = item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))
		s.orderIDByItemID[item.ID] = order.ID
	}
	s.ordersByID[order.ID] = order
	created := cloneOrder(order)
	return &created, nil
}

func (s *Store) GetPurchaseOrderByID(_ context.Context, orderID string) (*domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	result := cloneOrder(order)
	result.Approvals = append([]domain.Approval(nil), s.approvalsByOrder[orderID]...)
	return &result, nil
}

func (s *Store) ListPurchaseOrders(_ context.Context, status domain.OrderStatus, limit int) ([]domain.PurchaseOrder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.PurchaseOrder, 0, len(s.ordersByID))
	for _, order := range s.ordersByID {
		if status == "" && order.Status == domain.OrderDeleted {
			continue
		}
		if status != "" && order.Status != status {
			continue
		}
		orders = append(orders, cloneOrder(order))
	}
	slices.SortFunc(orders, func(a, b domain.PurchaseOrder) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

func (s *Store) UpdatePurchaseOrderStatus(_ context.Context, orderID string, status domain.OrderStatus) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %q", store.ErrValidation, status)
	}
	if order.Status == domain.OrderDeleted || order.Status == domain.OrderCancelled {
		return nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, orderID, order.Status)
	}
	order.Status = status
	order.UpdatedAt = time.Now().UTC()
	s.ordersByID[orderID] = order
	updated := cloneOrder(order)
	return &updated, nil
}

func (s *Store) DeletePurchaseOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[orderID]
	if !exists || order.Status == domain.OrderDeleted {
		return store.ErrNotFound
	}
	if order.Status.Fulfillable() {
		return fmt.Errorf("%w: order %s is in fulfillment", store.ErrInvalidTransition, orderID)
	}
	order.Status = domain.OrderDeleted
	order.UpdatedAt = time.Now().UTC()
	s.ordersByID[orderID] = order
	return nil
}

func (s *Store) AppendOrderStageUpdate(_ context.Context, update domain.StageUpdate, syncStatus bool) (*domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[update.OrderID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if strings.TrimSpace(update.Stage) == "" {
		return nil, fmt.Errorf("%w: stage is required", store.ErrValidation)
	}
	update.ID = xid.New("stg")
	update.CreatedAt = time.Now().UTC()
	order.Timeline = append(order.Timeline, update)
	if syncStatus {
		status := domain.OrderStatus(update.Stage)
		if !status.Valid() {
			return nil, fmt.Errorf("%w: stage %q is not an order status", store.ErrValidation, update.Stage)
		}
		order.Status = status
	}
	order.UpdatedAt = update.CreatedAt
	s.ordersByID[update.OrderID] = order
	updated := cloneOrder(order)
	return &updated, nil
}

func (s *Store) SubmitApproval(_ context.Context, approval domain.Approval) (*domain.Approval, *domain.PurchaseOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.ordersByID[approval.OrderID]
	if !exists || order.Status == domain.OrderDeleted {
		return nil, nil, store.ErrNotFound
	}
	if approval.Level != 1 && approval.Level != 2 {
		return nil, nil, fmt.Errorf("%w: approval level must be 1 or 2", store.ErrValidation)
	}
	if approval.Decision != domain.DecisionApproved && approval.Decision != domain.DecisionRejected {
		return nil, nil, fmt.Errorf("%w: unknown decision %q", store.ErrValidation, approval.Decision)
	}

	switch {
	case approval.Decision == domain.DecisionRejected:
		if order.Status != domain.OrderPendingL1 && order.Status != domain.OrderApprovedL1 {
			return nil, nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, order.ID, order.Status)
		}
		order.Status = domain.OrderRejectedL1
	case approval.Level == 1:
		if order.Status != domain.OrderPendingL1 {
			return nil, nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, order.ID, order.Status)
		}
		order.Status = domain.OrderApprovedL1
	default:
		if order.Status != domain.OrderApprovedL1 {
			return nil, nil, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, order.ID, order.Status)
		}
		for _, item := range order.Items {
			if item.ProductID == "" {
				continue
			}
			available := s.inventoryByProd[item.ProductID].Quantity
			if available < item.Quantity {
				return nil, nil, fmt.Errorf("%w: insufficient stock for %s: required %d, available %d",
					store.ErrValidation, item.ProductName, item.Quantity, available)
			}
		}
		order.Status = domain.OrderPlaced
	}

	approval.ID = xid.New("apr")
	approval.CreatedAt = time.Now().UTC()
	s.approvalsByOrder[approval.OrderID] = append(s.approvalsByOrder[approval.OrderID], approval)
	order.UpdatedAt = approval.CreatedAt
	s.ordersByID[approval.OrderID] = order

	updated := cloneOrder(order)
	updated.Approvals = append([]domain.Approval(nil), s.approvalsByOrder[approval.OrderID]...)
	return &approval, &updated, nil
}

func (s *Store) ListApprovals(_ context.Context, orderID string) ([]domain.Approval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.ordersByID[orderID]; !exists {
		return nil, store.ErrNotFound
	}
	return append([]domain.Approval(nil), s.approvalsByOrder[orderID]...), nil
}

func (s *Store) CreateDispatch(_ context.Context, dispatch domain.Dispatch) (*domain.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if supplier, exists := s.suppliersByID[dispatch.SupplierID]; !exists || supplier.Status == domain.EntityStatusDeleted {
		return nil, fmt.Errorf("%w: supplier %s", store.ErrNotFound, dispatch.SupplierID)
	}
	if len(dispatch.Items) == 0 {
		return nil, fmt.Errorf("%w: dispatch requires at least one item", store.ErrValidation)
	}

	// First pass validates every line; nothing mutates until all lines pass.
	type target struct {
		orderID string
		itemIdx int
	}
	targets := make([]target, 0, len(dispatch.Items))
	requested := make(map[string]int, len(dispatch.Items))
	for _, line := range dispatch.Items {
		if line.Quantity < 1 {
			return nil, fmt.Errorf("%w: dispatch quantity must be positive", store.ErrValidation)
		}
		orderID, exists := s.orderIDByItemID[line.POItemID]
		if !exists {
			return nil, fmt.Errorf("%w: purchase order item %s", store.ErrNotFound, line.POItemID)
		}
		order := s.ordersByID[orderID]
		if order.SupplierID != dispatch.SupplierID {
			return nil, fmt.Errorf("%w: item %s belongs to a different supplier's order", store.ErrValidation, line.POItemID)
		}
		itemIdx := -1
		for idx, item := range order.Items {
			if item.ID == line.POItemID {
				itemIdx = idx
				break
			}
		}
		if itemIdx < 0 {
			return nil, fmt.Errorf("%w: purchase order item %s", store.ErrNotFound, line.POItemID)
		}
		item := order.Items[itemIdx]
		requested[line.POItemID] += line.Quantity
		if item.DispatchedQuantity+requested[line.POItemID] > item.Quantity {
			remaining := item.Quantity - item.DispatchedQuantity
			return nil, fmt.Errorf("%w: cannot dispatch %d units of %s: only %d remaining",
				store.ErrValidation, line.Quantity, item.ProductName, remaining)
		}
		targets = append(targets, target{orderID: orderID, itemIdx: itemIdx})
	}

	now := time.Now().UTC()
	dispatch.ID = xid.New("dsp")
	dispatch.Status = domain.DispatchDraft
	dispatch.CreatedAt = now
	dispatch.UpdatedAt = now
	for idx := range dispatch.Items {
		line := &dispatch.Items[idx]
		line.ID = xid.New("dspi")
		line.DispatchID = dispatch.ID

		t := targets[idx]
		order := s.ordersByID[t.orderID]
		order.Items[t.itemIdx].DispatchedQuantity += line.Quantity
		order.UpdatedAt = now
		s.ordersByID[t.orderID] = order
	}
	dispatch.Timeline = []domain.StageUpdate{{
		ID:         xid.New("stg"),
		DispatchID: dispatch.ID,
		Stage:      string(domain.DispatchDraft),
		CreatedAt:  now,
	}}
	s.dispatchesByID[dispatch.ID] = dispatch
	created := cloneDispatch(dispatch)
	return &created, nil
}

func (s *Store) GetDispatchByID(_ context.Context, dispatchID string) (*domain.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dispatch, exists := s.dispatchesByID[dispatchID]
	if !exists {
		return nil, store.ErrNotFound
	}
	result := cloneDispatch(dispatch)
	return &result, nil
}

func (s *Store) ListDispatches(_ context.Context, status domain.DispatchStatus, limit int) ([]domain.Dispatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dispatches := make([]domain.Dispatch, 0, len(s.dispatchesByID))
	for _, dispatch := range s.dispatchesByID {
		if status != "" && dispatch.Status != status {
			continue
		}
		dispatches = append(dispatches, cloneDispatch(dispatch))
	}
	slices.SortFunc(dispatches, func(a, b domain.Dispatch) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(a.ID, b.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(dispatches) > limit {
		dispatches = dispatches[:limit]
	}
	return dispatches, nil
}

func (s *Store) UpdateDispatchStatus(_ context.Context, dispatchID string, next domain.DispatchStatus, updatedBy string, notes string) (*domain.Dispatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dispatch, exists := s.dispatchesByID[dispatchID]
	if !exists {
		return nil, store.ErrNotFound
	}
	if !next.Valid() {
		return nil, fmt.Errorf("%w: unknown dispatch status %q", store.ErrValidation, next)
	}
	prev := dispatch.Status
	if !prev.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, prev, next)
	}

	now := time.Now().UTC()
	dispatch.Status = next
	dispatch.UpdatedAt = now
	dispatch.Timeline = append(dispatch.Timeline, domain.StageUpdate{
		ID:         xid.New("stg"),
		DispatchID: dispatch.ID,
		Stage:      string(next),
		Notes:      notes,
		UpdatedBy:  updatedBy,
		CreatedAt:  now,
	})

	touchedOrders := make(map[string]bool)
	for _, line := range dispatch.Items {
		orderID, ok := s.orderIDByItemID[line.POItemID]
		if !ok {
			continue
		}
		touchedOrders[orderID] = true

		// Reservation release on reversal; a dispatch already RETURNED has
		// released its quantity once.
		if next.Reversal() && prev != domain.DispatchReturned {
			order := s.ordersByID[orderID]
			for idx := range order.Items {
				if order.Items[idx].ID == line.POItemID {
					order.Items[idx].DispatchedQuantity -= line.Quantity
					break
				}
			}
			order.UpdatedAt = now
			s.ordersByID[orderID] = order
		}

		productID := s.productForPOItemLocked(orderID, line.POItemID)
		if productID == "" {
			continue
		}
		if next == domain.DispatchDelivered && prev != domain.DispatchDelivered {
			s.applyMovementLocked(productID, domain.MovementAdd, line.Quantity,
				fmt.Sprintf("Dispatch Delivered: %s", dispatch.Reference()), updatedBy, now)
		}
		if prev == domain.DispatchDelivered && next.Reversal() {
			s.applyMovementLocked(productID, domain.MovementSubtract, line.Quantity,
				fmt.Sprintf("Dispatch %s: %s", next, dispatch.Reference()), updatedBy, now)
		}
	}

	s.dispatchesByID[dispatchID] = dispatch
	for orderID := range touchedOrders {
		s.recomputeOrderStatusLocked(orderID, now)
	}

	updated := cloneDispatch(dispatch)
	return &updated, nil
}

// productForPOItemLocked resolves the product linked to a purchase-order
// item, or "" for free-text lines. Caller holds the lock.
func (s *Store) productForPOItemLocked(orderID string, poItemID string) string {
	order, exists := s.ordersByID[orderID]
	if !exists {
		return ""
	}
	for _, item := range order.Items {
		if item.ID == poItemID {
			return item.ProductID
		}
	}
	return ""
}

// recomputeOrderStatusLocked re-derives the delivery status of one order
// from the DELIVERED dispatches touching its items. Orders still in draft
// or approval stages are left alone. Caller holds the lock.
func (s *Store) recomputeOrderStatusLocked(orderID string, at time.Time) {
	order, exists := s.ordersByID[orderID]
	if !exists || !order.Status.Fulfillable() {
		return
	}
	delivered := make(map[string]int)
	for _, dispatch := range s.dispatchesByID {
		if dispatch.Status != domain.DispatchDelivered {
			continue
		}
		for _, line := range dispatch.Items {
			if s.orderIDByItemID[line.POItemID] == orderID {
				delivered[line.POItemID] += line.Quantity
			}
		}
	}
	next := domain.DeriveOrderStatus(order.Items, delivered)
	if next == order.Status {
		return
	}
	order.Status = next
	order.UpdatedAt = at
	s.ordersByID[orderID] = order
}

// applyMovementLocked upserts the inventory row and appends a history
// entry. Caller holds the lock.
func (s *Store) applyMovementLocked(productID string, movement domain.MovementType, quantity int, reason string, updatedBy string, at time.Time) domain.Inventory {
	inv, exists := s.inventoryByProd[productID]
	if !exists {
		inv = domain.Inventory{ID: xid.New("inv"), ProductID: productID}
	}
	if movement == domain.MovementAdd {
		inv.Quantity += quantity
	} else {
		inv.Quantity -= quantity
	}
	inv.UpdatedAt = at
	s.inventoryByProd[productID] = inv
	s.historyByProd[productID] = append(s.historyByProd[productID], domain.InventoryHistory{
		ID:          xid.New("invh"),
		InventoryID: inv.ID,
		ProductID:   productID,
		Type:        movement,
		Quantity:    quantity,
		Reason:      reason,
		UpdatedBy:   updatedBy,
		CreatedAt:   at,
	})
	return inv
}

func (s *Store) GetInventoryByProduct(_ context.Context, productID string) (*domain.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, exists := s.inventoryByProd[productID]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &inv, nil
}

func (s *Store) ListInventory(_ context.Context) ([]domain.Inventory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]domain.Inventory, 0, len(s.inventoryByProd))
	for _, inv := range s.inventoryByProd {
		rows = append(rows, inv)
	}
	slices.SortFunc(rows, func(a, b domain.Inventory) int {
		return cmpString(a.ProductID, b.ProductID)
	})
	return rows, nil
}

func (s *Store) AdjustInventory(_ context.Context, productID string, movement domain.MovementType, quantity int, reason string, updatedBy string) (*domain.Inventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if product, exists := s.productsByID[productID]; !exists || product.Status == domain.EntityStatusDeleted {
		return nil, fmt.Errorf("%w: product %s", store.ErrNotFound, productID)
	}
	if movement != domain.MovementAdd && movement != domain.MovementSubtract {
		return nil, fmt.Errorf("%w: unknown movement type %q", store.ErrValidation, movement)
	}
	if quantity < 1 {
		return nil, fmt.Errorf("%w: quantity must be positive", store.ErrValidation)
	}
	if movement == domain.MovementSubtract {
		available := s.inventoryByProd[productID].Quantity
		if available < quantity {
			return nil, fmt.Errorf("%w: insufficient stock for product %s: required %d, available %d",
				store.ErrValidation, productID, quantity, available)
		}
	}
	inv := s.applyMovementLocked(productID, movement, quantity, reason, updatedBy, time.Now().UTC())
	return &inv, nil
}

func (s *Store) ListInventoryHistory(_ context.Context, productID string, limit int) ([]domain.InventoryHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := append([]domain.InventoryHistory(nil), s.historyByProd[productID]...)
	slices.SortFunc(history, func(a, b domain.InventoryHistory) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, entityType string, entityID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	logs := make([]domain.AuditLog, 0, len(s.auditLogs))
	for _, entry := range s.auditLogs {
		if entityType != "" && entry.EntityType != entityType {
			continue
		}
		if entityID != "" && entry.EntityID != entityID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		logs = append(logs, entry)
	}
	slices.SortFunc(logs, func(a, b domain.AuditLog) int {
		if a.CreatedAt.Equal(b.CreatedAt) {
			return cmpString(b.ID, a.ID)
		}
		if a.CreatedAt.After(b.CreatedAt) {
			return -1
		}
		return 1
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

func (s *Store) GetDashboardStats(_ context.Context) (domain.DashboardStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := domain.DashboardStats{StatusCounts: make(map[domain.OrderStatus]int)}
	now := time.Now().UTC()
	for _, order := range s.ordersByID {
		if order.Status == domain.OrderDeleted {
			continue
		}
		stats.TotalOrders++
		stats.StatusCounts[order.Status]++
		if order.Status.Fulfillable() && order.Status != domain.OrderFullyDelivered {
			stats.ActiveOrders++
		}
		if order.Status == domain.OrderPendingL1 || order.Status == domain.OrderApprovedL1 {
			stats.PendingApproval++
		}
		if order.Status.Fulfillable() && order.Status != domain.OrderFullyDelivered {
			for _, item := range order.Items {
				if item.ExpectedDeliveryDate != nil && item.ExpectedDeliveryDate.Before(now) {
					stats.DelayedOrders++
					break
				}
			}
		}
	}
	for _, supplier := range s.suppliersByID {
		if supplier.Status != domain.EntityStatusDeleted {
			stats.TotalSuppliers++
		}
	}
	for _, division := range s.divisionsByID {
		if division.Status != domain.EntityStatusDeleted {
			stats.TotalDivisions++
		}
	}
	for _, product := range s.productsByID {
		if product.Status != domain.EntityStatusDeleted {
			stats.TotalProducts++
		}
	}
	for _, category := range s.categoriesByID {
		if category.Status != domain.EntityStatusDeleted {
			stats.TotalCategories++
		}
	}
	return stats, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if _, exists := s.usersByUsername[username]; exists {
		return fmt.Errorf("%w: user %s already exists", store.ErrValidation, username)
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleOperations
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !exists {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		users = append(users, user)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return cmpString(a.Username, b.Username)
	})
	return users, nil
}

// UpdateUserPassword stores a new credential for username. The value must
// already be a bcrypt hash; plaintext is rejected so the stored form can
// never regress.
func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return fmt.Errorf("%w: username and password are required", store.ErrValidation)
	}
	if !isBcryptHash(password) {
		return fmt.Errorf("%w: password must be stored as a bcrypt hash", store.ErrValidation)
	}
	user, exists := s.usersByUsername[username]
	if !exists {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func cmpString(a string, b string) int {
	if a == b {
		return 0
	}
	if a < b {
		return -1
	}
	return 1
}

func cloneOrder(src domain.PurchaseOrder) domain.PurchaseOrder {
	dup := src
	dup.Items = append([]domain.PurchaseOrderItem(nil), src.Items...)
	dup.Timeline = append([]domain.StageUpdate(nil), src.Timeline...)
	dup.Approvals = append([]domain.Approval(nil), src.Approvals...)
	return dup
}

func cloneDispatch(src domain.Dispatch) domain.Dispatch {
	dup := src
	dup.Items = append([]domain.DispatchItem(nil), src.Items...)
	dup.Timeline = append([]domain.StageUpdate(nil), src.Timeline...)
	return dup
}

func isBcryptHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
