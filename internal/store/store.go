package store

import (
	"context"
	"errors"
	"time"

	"github.com/parash93/kdm-procurex-backend/internal/domain"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrConflict          = errors.New("concurrency conflict")
)

// Repository is the persistence boundary. Multi-entity mutations
// (dispatch creation, status changes, approvals) are transactional inside
// each implementation.
type Repository interface {
	CreateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	GetSupplierByID(ctx context.Context, supplierID string) (*domain.Supplier, error)
	ListSuppliers(ctx context.Context) ([]domain.Supplier, error)
	UpdateSupplier(ctx context.Context, supplier domain.Supplier) (*domain.Supplier, error)
	DeleteSupplier(ctx context.Context, supplierID string) error

	CreateDivision(ctx context.Context, division domain.Division) (*domain.Division, error)
	ListDivisions(ctx context.Context) ([]domain.Division, error)
	DeleteDivision(ctx context.Context, divisionID string) error

	CreateProductCategory(ctx context.Context, category domain.ProductCategory) (*domain.ProductCategory, error)
	ListProductCategories(ctx context.Context) ([]domain.ProductCategory, error)
	DeleteProductCategory(ctx context.Context, categoryID string) error

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProductByID(ctx context.Context, productID string) (*domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	UpdateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	DeleteProduct(ctx context.Context, productID string) error

	CreatePurchaseOrder(ctx context.Context, order domain.PurchaseOrder) (*domain.PurchaseOrder, error)
	GetPurchaseOrderByID(ctx context.Context, orderID string) (*domain.PurchaseOrder, error)
	ListPurchaseOrders(ctx context.Context, status domain.OrderStatus, limit int) ([]domain.PurchaseOrder, error)
	UpdatePurchaseOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.PurchaseOrder, error)
	DeletePurchaseOrder(ctx context.Context, orderID string) error
	AppendOrderStageUpdate(ctx context.Context, update domain.StageUpdate, syncStatus bool) (*domain.PurchaseOrder, error)

	// SubmitApproval records a decision and moves the order through the
	// approval ladder in one transaction.
	SubmitApproval(ctx context.Context, approval domain.Approval) (*domain.Approval, *domain.PurchaseOrder, error)
	ListApprovals(ctx context.Context, orderID string) ([]domain.Approval, error)

	// CreateDispatch validates every line against the remaining quantity of
	// its purchase-order item and reserves the dispatched quantity.
	CreateDispatch(ctx context.Context, dispatch domain.Dispatch) (*domain.Dispatch, error)
	GetDispatchByID(ctx context.Context, dispatchID string) (*domain.Dispatch, error)
	ListDispatches(ctx context.Context, status domain.DispatchStatus, limit int) ([]domain.Dispatch, error)
	// UpdateDispatchStatus applies one lifecycle transition with its
	// inventory and purchase-order side effects.
	UpdateDispatchStatus(ctx context.Context, dispatchID string, next domain.DispatchStatus, updatedBy string, notes string) (*domain.Dispatch, error)

	GetInventoryByProduct(ctx context.Context, productID string) (*domain.Inventory, error)
	ListInventory(ctx context.Context) ([]domain.Inventory, error)
	AdjustInventory(ctx context.Context, productID string, movement domain.MovementType, quantity int, reason string, updatedBy string) (*domain.Inventory, error)
	ListInventoryHistory(ctx context.Context, productID string, limit int) ([]domain.InventoryHistory, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, entityType string, entityID string, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	GetDashboardStats(ctx context.Context) (domain.DashboardStats, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
