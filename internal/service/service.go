package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/parash93/kdm-procurex-backend/internal/advisor"
	"github.com/parash93/kdm-procurex-backend/internal/audit"
	"github.com/parash93/kdm-procurex-backend/internal/cache"
	"github.com/parash93/kdm-procurex-backend/internal/domain"
	"github.com/parash93/kdm-procurex-backend/internal/store"
)

const dashboardCacheKey = "dashboard:stats"

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo         store.Repository
	sink         audit.Sink
	dashboard    cache.DashboardCache
	reorder      *advisor.Engine
	dashboardTTL time.Duration
	log          *logrus.Logger
}

func New(repo store.Repository, sink audit.Sink, dashboard cache.DashboardCache, reorder *advisor.Engine, dashboardTTL time.Duration, log *logrus.Logger) *Service {
	if sink == nil {
		sink = audit.NopSink{}
	}
	if dashboard == nil {
		dashboard = cache.NoopDashboardCache{}
	}
	if reorder == nil {
		reorder = advisor.NewEngine(nil, 0)
	}
	if dashboardTTL < time.Second {
		dashboardTTL = 30 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}

	return &Service{
		repo:         repo,
		sink:         sink,
		dashboard:    dashboard,
		reorder:      reorder,
		dashboardTTL: dashboardTTL,
		log:          log,
	}
}

func (s *Service) audit(ctx context.Context, entityType string, entityID string, action string, previous any, current any) {
	actor, _ := ActorFromContext(ctx)
	s.sink.Record(ctx, audit.Entry{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Previous:   previous,
		New:        current,
	})
}

func (s *Service) invalidateDashboard(ctx context.Context) {
	if err := s.dashboard.Invalidate(ctx, dashboardCacheKey); err != nil {
		s.log.WithError(err).Warn("dashboard cache invalidation failed")
	}
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != domain.RoleAdmin {
		return fmt.Errorf("admin role required")
	}
	return nil
}

func (s *Service) CreateSupplier(ctx context.Context, req domain.SupplierCreateRequest) (domain.Supplier, error) {
	supplier := domain.Supplier{
		CompanyName:   strings.TrimSpace(req.CompanyName),
		ContactPerson: strings.TrimSpace(req.ContactPerson),
		Email:         strings.TrimSpace(req.Email),
		Phone:         strings.TrimSpace(req.Phone),
		Address:       strings.TrimSpace(req.Address),
		TaxID:         strings.TrimSpace(req.TaxID),
		PaymentTerms:  strings.TrimSpace(req.PaymentTerms),
	}
	created, err := s.repo.CreateSupplier(ctx, supplier)
	if err != nil {
		return domain.Supplier{}, err
	}
	s.audit(ctx, "supplier", created.ID, "supplier_create", nil, created)
	s.invalidateDashboard(ctx)
	return *created, nil
}

func (s *Service) GetSupplier(ctx context.Context, supplierID string) (domain.Supplier, error) {
	supplier, err := s.repo.GetSupplierByID(ctx, supplierID)
	if err != nil {
		return domain.Supplier{}, err
	}
	return *supplier, nil
}

func (s *Service) ListSuppliers(ctx context.Context) ([]domain.Supplier, error) {
	return s.repo.ListSuppliers(ctx)
}

func (s *Service) UpdateSupplier(ctx context.Context, supplier domain.Supplier) (domain.Supplier, error) {
	previous, err := s.repo.GetSupplierByID(ctx, supplier.ID)
	if err != nil {
		return domain.Supplier{}, err
	}
	updated, err := s.repo.UpdateSupplier(ctx, supplier)
	if err != nil {
		return domain.Supplier{}, err
	}
	s.audit(ctx, "supplier", updated.ID, "supplier_update", previous, updated)
	return *updated, nil
}

func (s *Service) DeleteSupplier(ctx context.Context, supplierID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteSupplier(ctx, supplierID); err != nil {
		return err
	}
	s.audit(ctx, "supplier", supplierID, "supplier_delete", nil, nil)
	s.invalidateDashboard(ctx)
	return nil
}

func (s *Service) CreateDivision(ctx context.Context, req domain.DivisionCreateRequest) (domain.Division, error) {
	created, err := s.repo.CreateDivision(ctx, domain.Division{
		Name:          strings.TrimSpace(req.Name),
		ContactPerson: strings.TrimSpace(req.ContactPerson),
	})
	if err != nil {
		return domain.Division{}, err
	}
	s.audit(ctx, "division", created.ID, "division_create", nil, created)
	return *created, nil
}

func (s *Service) ListDivisions(ctx context.Context) ([]domain.Division, error) {
	return s.repo.ListDivisions(ctx)
}

func (s *Service) DeleteDivision(ctx context.Context, divisionID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteDivision(ctx, divisionID); err != nil {
		return err
	}
	s.audit(ctx, "division", divisionID, "division_delete", nil, nil)
	return nil
}

func (s *Service) CreateProductCategory(ctx context.Context, req domain.ProductCategoryCreateRequest) (domain.ProductCategory, error) {
	created, err := s.repo.CreateProductCategory(ctx, domain.ProductCategory{
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
	})
	if err != nil {
		return domain.ProductCategory{}, err
	}
	s.audit(ctx, "category", created.ID, "category_create", nil, created)
	return *created, nil
}

func (s *Service) ListProductCategories(ctx context.Context) ([]domain.ProductCategory, error) {
	return s.repo.ListProductCategories(ctx)
}

func (s *Service) DeleteProductCategory(ctx context.Context, categoryID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteProductCategory(ctx, categoryID); err != nil {
		return err
	}
	s.audit(ctx, "category", categoryID, "category_delete", nil, nil)
	return nil
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	created, err := s.repo.CreateProduct(ctx, domain.Product{
		Name:            strings.TrimSpace(req.Name),
		CategoryID:      strings.TrimSpace(req.CategoryID),
		Description:     strings.TrimSpace(req.Description),
		MinDeliveryDays: req.MinDeliveryDays,
	})
	if err != nil {
		return domain.Product{}, err
	}
	s.audit(ctx, "product", created.ID, "product_create", nil, created)
	s.invalidateDashboard(ctx)
	return *created, nil
}

func (s *Service) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	product, err := s.repo.GetProductByID(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return *product, nil
}

func (s *Service) ListProducts(ctx context.Context) ([]domain.Product, error) {
	return s.repo.ListProducts(ctx)
}

func (s *Service) UpdateProduct(ctx context.Context, product domain.Product) (domain.Product, error) {
	previous, err := s.repo.GetProductByID(ctx, product.ID)
	if err != nil {
		return domain.Product{}, err
	}
	updated, err := s.repo.UpdateProduct(ctx, product)
	if err != nil {
		return domain.Product{}, err
	}
	s.audit(ctx, "product", updated.ID, "product_update", previous, updated)
	return *updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, productID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeleteProduct(ctx, productID); err != nil {
		return err
	}
	s.audit(ctx, "product", productID, "product_delete", nil, nil)
	s.invalidateDashboard(ctx)
	return nil
}

func (s *Service) CreatePurchaseOrder(ctx context.Context, req domain.PurchaseOrderCreateRequest) (domain.PurchaseOrder, error) {
	if strings.TrimSpace(req.SupplierID) == "" {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: supplier id is required", store.ErrValidation)
	}
	if len(req.Items) == 0 {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: purchase order requires at least one item", store.ErrValidation)
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = "INR"
	}

	items := make([]domain.PurchaseOrderItem, 0, len(req.Items))
	for _, line := range req.Items {
		item := domain.PurchaseOrderItem{
			ProductID:   strings.TrimSpace(line.ProductID),
			ProductName: strings.TrimSpace(line.ProductName),
			SKU:         strings.TrimSpace(line.SKU),
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			Remarks:     strings.TrimSpace(line.Remarks),
		}
		if line.ExpectedDeliveryDate != "" {
			date, err := time.Parse("2006-01-02", line.ExpectedDeliveryDate)
			if err != nil {
				return domain.PurchaseOrder{}, fmt.Errorf("%w: expected delivery date must be YYYY-MM-DD", store.ErrValidation)
			}
			item.ExpectedDeliveryDate = &date
		}
		items = append(items, item)
	}

	order := domain.PurchaseOrder{
		OrderNumber:  fmt.Sprintf("PO-%d", time.Now().UnixMilli()),
		SupplierID:   strings.TrimSpace(req.SupplierID),
		DivisionID:   strings.TrimSpace(req.DivisionID),
		Status:       domain.OrderDraft,
		Currency:     currency,
		PaymentTerms: strings.TrimSpace(req.PaymentTerms),
		Remarks:      strings.TrimSpace(req.Remarks),
		Items:        items,
	}
	created, err := s.repo.CreatePurchaseOrder(ctx, order)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	s.audit(ctx, "purchase_order", created.ID, "po_create", nil, created)
	s.invalidateDashboard(ctx)
	return *created, nil
}

func (s *Service) GetPurchaseOrder(ctx context.Context, orderID string) (domain.PurchaseOrder, error) {
	order, err := s.repo.GetPurchaseOrderByID(ctx, orderID)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	return *order, nil
}

func (s *Service) ListPurchaseOrders(ctx context.Context, status string, limit int) ([]domain.PurchaseOrder, error) {
	orderStatus := domain.OrderStatus(strings.ToUpper(strings.TrimSpace(status)))
	if orderStatus != "" && !orderStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown order status %q", store.ErrValidation, status)
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListPurchaseOrders(ctx, orderStatus, limit)
}

// SubmitPurchaseOrder moves a draft order into the approval queue.
func (s *Service) SubmitPurchaseOrder(ctx context.Context, orderID string) (domain.PurchaseOrder, error) {
	previous, err := s.repo.GetPurchaseOrderByID(ctx, orderID)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	if previous.Status != domain.OrderDraft {
		return domain.PurchaseOrder{}, fmt.Errorf("%w: order %s is %s", store.ErrInvalidTransition, orderID, previous.Status)
	}
	updated, err := s.repo.UpdatePurchaseOrderStatus(ctx, orderID, domain.OrderPendingL1)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	s.audit(ctx, "purchase_order", orderID, "po_submit", previous, updated)
	s.invalidateDashboard(ctx)
	return *updated, nil
}

func (s *Service) DeletePurchaseOrder(ctx context.Context, orderID string) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.repo.DeletePurchaseOrder(ctx, orderID); err != nil {
		return err
	}
	s.audit(ctx, "purchase_order", orderID, "po_delete", nil, nil)
	s.invalidateDashboard(ctx)
	return nil
}

func (s *Service) AddOrderStageUpdate(ctx context.Context, orderID string, req domain.StageUpdateRequest) (domain.PurchaseOrder, error) {
	actor, _ := ActorFromContext(ctx)
	update := domain.StageUpdate{
		OrderID:   orderID,
		Stage:     strings.TrimSpace(req.Stage),
		Notes:     strings.TrimSpace(req.Notes),
		UpdatedBy: actor.Username,
	}
	updated, err := s.repo.AppendOrderStageUpdate(ctx, update, req.SyncOrderStatus)
	if err != nil {
		return domain.PurchaseOrder{}, err
	}
	s.audit(ctx, "purchase_order", orderID, "po_stage_update", nil, update)
	return *updated, nil
}

func (s *Service) SubmitApproval(ctx context.Context, orderID string, req domain.ApprovalRequest) (domain.Approval, domain.PurchaseOrder, error) {
	actor, _ := ActorFromContext(ctx)
	previous, err := s.repo.GetPurchaseOrderByID(ctx, orderID)
	if err != nil {
		return domain.Approval{}, domain.PurchaseOrder{}, err
	}

	approval := domain.Approval{
		OrderID:    orderID,
		ApproverID: actor.Username,
		Level:      req.Level,
		Decision:   strings.ToUpper(strings.TrimSpace(req.Decision)),
		Remarks:    strings.TrimSpace(req.Remarks),
	}
	recorded, order, err := s.repo.SubmitApproval(ctx, approval)
	if err != nil {
		return domain.Approval{}, domain.PurchaseOrder{}, err
	}

	s.audit(ctx, "purchase_order", orderID, "approval_submit", previous, order)
	s.invalidateDashboard(ctx)
	return *recorded, *order, nil
}

func (s *Service) ListApprovals(ctx context.Context, orderID string) ([]domain.Approval, error) {
	return s.repo.ListApprovals(ctx, orderID)
}

func (s *Service) CreateDispatch(ctx context.Context, req domain.DispatchCreateRequest) (domain.Dispatch, error) {
	if strings.TrimSpace(req.SupplierID) == "" {
		return domain.Dispatch{}, fmt.Errorf("%w: supplier id is required", store.ErrValidation)
	}
	items := make([]domain.DispatchItem, 0, len(req.Items))
	for _, line := range req.Items {
		items = append(items, domain.DispatchItem{
			POItemID: strings.TrimSpace(line.POItemID),
			Quantity: line.Quantity,
		})
	}
	dispatch := domain.Dispatch{
		SupplierID:      strings.TrimSpace(req.SupplierID),
		ReferenceNumber: strings.TrimSpace(req.ReferenceNumber),
		Remarks:         strings.TrimSpace(req.Remarks),
		Items:           items,
	}
	created, err := s.repo.CreateDispatch(ctx, dispatch)
	if err != nil {
		return domain.Dispatch{}, err
	}
	s.audit(ctx, "dispatch", created.ID, "dispatch_create", nil, created)
	return *created, nil
}

func (s *Service) GetDispatch(ctx context.Context, dispatchID string) (domain.Dispatch, error) {
	dispatch, err := s.repo.GetDispatchByID(ctx, dispatchID)
	if err != nil {
		return domain.Dispatch{}, err
	}
	return *dispatch, nil
}

func (s *Service) ListDispatches(ctx context.Context, status string, limit int) ([]domain.Dispatch, error) {
	dispatchStatus := domain.DispatchStatus(strings.ToUpper(strings.TrimSpace(status)))
	if dispatchStatus != "" && !dispatchStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown dispatch status %q", store.ErrValidation, status)
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListDispatches(ctx, dispatchStatus, limit)
}

func (s *Service) UpdateDispatchStatus(ctx context.Context, dispatchID string, req domain.DispatchStatusUpdateRequest) (domain.Dispatch, error) {
	actor, _ := ActorFromContext(ctx)
	previous, err := s.repo.GetDispatchByID(ctx, dispatchID)
	if err != nil {
		return domain.Dispatch{}, err
	}

	next := domain.DispatchStatus(strings.ToUpper(strings.TrimSpace(string(req.Status))))
	updated, err := s.repo.UpdateDispatchStatus(ctx, dispatchID, next, actor.Username, strings.TrimSpace(req.Notes))
	if err != nil {
		return domain.Dispatch{}, err
	}

	s.audit(ctx, "dispatch", dispatchID, "dispatch_status", previous, updated)
	s.invalidateDashboard(ctx)
	return *updated, nil
}

func (s *Service) ListInventory(ctx context.Context) ([]domain.Inventory, error) {
	return s.repo.ListInventory(ctx)
}

func (s *Service) GetInventory(ctx context.Context, productID string) (domain.Inventory, error) {
	inv, err := s.repo.GetInventoryByProduct(ctx, productID)
	if err != nil {
		return domain.Inventory{}, err
	}
	return *inv, nil
}

func (s *Service) AdjustInventory(ctx context.Context, req domain.InventoryAdjustRequest) (domain.Inventory, error) {
	if err := requireAdmin(ctx); err != nil {
		return domain.Inventory{}, err
	}
	actor, _ := ActorFromContext(ctx)
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		reason = "Manual adjustment"
	}
	inv, err := s.repo.AdjustInventory(ctx, strings.TrimSpace(req.ProductID), req.Type, req.Quantity, reason, actor.Username)
	if err != nil {
		return domain.Inventory{}, err
	}
	s.audit(ctx, "inventory", inv.ProductID, "inventory_adjust", nil, inv)
	return *inv, nil
}

func (s *Service) ListInventoryHistory(ctx context.Context, productID string, limit int) ([]domain.InventoryHistory, error) {
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListInventoryHistory(ctx, productID, limit)
}

func (s *Service) ListAuditLogs(ctx context.Context, entityType string, entityID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	return s.repo.ListAuditLogs(ctx, strings.TrimSpace(entityType), strings.TrimSpace(entityID), from, to, limit)
}

// ReorderSuggestions builds the advisory snapshot the engine scores over:
// on-hand stock, the undispatched remainder of placed orders, and the
// trailing month of SUBTRACT movements.
func (s *Service) ReorderSuggestions(ctx context.Context) ([]domain.ReorderSuggestion, error) {
	products, err := s.repo.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	inventory, err := s.repo.ListInventory(ctx)
	if err != nil {
		return nil, err
	}
	onHand := make(map[string]int, len(inventory))
	for _, inv := range inventory {
		onHand[inv.ProductID] = inv.Quantity
	}

	inbound := make(map[string]int)
	for _, status := range []domain.OrderStatus{domain.OrderPlaced, domain.OrderPartiallyDelivered} {
		orders, err := s.repo.ListPurchaseOrders(ctx, status, 500)
		if err != nil {
			return nil, err
		}
		for _, order := range orders {
			for _, item := range order.Items {
				if item.ProductID == "" {
					continue
				}
				inbound[item.ProductID] += item.RemainingQuantity()
			}
		}
	}

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	consumed := make(map[string]int, len(products))
	for _, product := range products {
		history, err := s.repo.ListInventoryHistory(ctx, product.ID, 200)
		if err != nil {
			return nil, err
		}
		for _, entry := range history {
			if entry.Type == domain.MovementSubtract && entry.CreatedAt.After(cutoff) {
				consumed[product.ID] += entry.Quantity
			}
		}
	}

	return s.reorder.Suggest(ctx, advisor.Input{
		Products:    products,
		OnHand:      onHand,
		Inbound:     inbound,
		Consumed30d: consumed,
	}), nil
}

func (s *Service) DashboardStats(ctx context.Context) (domain.DashboardStats, error) {
	if cached, hit, err := s.dashboard.Get(ctx, dashboardCacheKey); err == nil && hit {
		return *cached, nil
	} else if err != nil {
		s.log.WithError(err).Warn("dashboard cache read failed")
	}

	stats, err := s.repo.GetDashboardStats(ctx)
	if err != nil {
		return domain.DashboardStats{}, err
	}
	if err := s.dashboard.Set(ctx, dashboardCacheKey, &stats, s.dashboardTTL); err != nil {
		s.log.WithError(err).Warn("dashboard cache write failed")
	}
	return stats, nil
}
