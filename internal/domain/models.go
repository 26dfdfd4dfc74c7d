package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Supplier struct {
	ID            string    `json:"id"`
	CompanyName   string    `json:"company_name"`
	ContactPerson string    `json:"contact_person,omitempty"`
	Email         string    `json:"email,omitempty"`
	Phone         string    `json:"phone,omitempty"`
	Address       string    `json:"address,omitempty"`
	TaxID         string    `json:"tax_id,omitempty"`
	PaymentTerms  string    `json:"payment_terms,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type SupplierCreateRequest struct {
	CompanyName   string `json:"company_name"`
	ContactPerson string `json:"contact_person"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Address       string `json:"address"`
	TaxID         string `json:"tax_id"`
	PaymentTerms  string `json:"payment_terms"`
}

type Division struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	ContactPerson string    `json:"contact_person,omitempty"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}

type DivisionCreateRequest struct {
	Name          string `json:"name"`
	ContactPerson string `json:"contact_person"`
}

type ProductCategory struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

type ProductCategoryCreateRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type Product struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	CategoryID      string    `json:"category_id"`
	Description     string    `json:"description,omitempty"`
	MinDeliveryDays int       `json:"min_delivery_days"`
	Status          string    `json:"status"`
	CreatedAt       time.Time `json:"created_at"`
}

type ProductCreateRequest struct {
	Name            string `json:"name"`
	CategoryID      string `json:"category_id"`
	Description     string `json:"description"`
	MinDeliveryDays int    `json:"min_delivery_days"`
}

type PurchaseOrder struct {
	ID           string              `json:"id"`
	OrderNumber  string              `json:"order_number"`
	SupplierID   string              `json:"supplier_id"`
	DivisionID   string              `json:"division_id,omitempty"`
	Status       OrderStatus         `json:"status"`
	Currency     string              `json:"currency"`
	PaymentTerms string              `json:"payment_terms,omitempty"`
	Remarks      string              `json:"remarks,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	Items        []PurchaseOrderItem `json:"items"`
	Approvals    []Approval          `json:"approvals,omitempty"`
	Timeline     []StageUpdate       `json:"timeline,omitempty"`
}

type PurchaseOrderItem struct {
	ID                   string          `json:"id"`
	OrderID              string          `json:"order_id"`
	ProductID            string          `json:"product_id,omitempty"`
	ProductName          string          `json:"product_name"`
	SKU                  string          `json:"sku,omitempty"`
	Quantity             int             `json:"quantity"`
	DispatchedQuantity   int             `json:"dispatched_quantity"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	TotalPrice           decimal.Decimal `json:"total_price"`
	ExpectedDeliveryDate *time.Time      `json:"expected_delivery_date,omitempty"`
	Remarks              string          `json:"remarks,omitempty"`
}

// RemainingQuantity is the quantity still open for dispatch against this line.
func (i PurchaseOrderItem) RemainingQuantity() int {
	return i.Quantity - i.DispatchedQuantity
}

type PurchaseOrderItemRequest struct {
	ProductID            string          `json:"product_id"`
	ProductName          string          `json:"product_name"`
	SKU                  string          `json:"sku"`
	Quantity             int             `json:"quantity"`
	UnitPrice            decimal.Decimal `json:"unit_price"`
	ExpectedDeliveryDate string          `json:"expected_delivery_date"`
	Remarks              string          `json:"remarks"`
}

type PurchaseOrderCreateRequest struct {
	SupplierID   string                     `json:"supplier_id"`
	DivisionID   string                     `json:"division_id"`
	Currency     string                     `json:"currency"`
	PaymentTerms string                     `json:"payment_terms"`
	Remarks      string                     `json:"remarks"`
	Items        []PurchaseOrderItemRequest `json:"items"`
}

type PurchaseOrderResponse struct {
	PurchaseOrder PurchaseOrder `json:"purchase_order"`
}

type PurchaseOrderListResponse struct {
	PurchaseOrders []PurchaseOrder `json:"purchase_orders"`
}

type Dispatch struct {
	ID              string         `json:"id"`
	SupplierID      string         `json:"supplier_id"`
	ReferenceNumber string         `json:"reference_number,omitempty"`
	Remarks         string         `json:"remarks,omitempty"`
	Status          DispatchStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Items           []DispatchItem `json:"items"`
	Timeline        []StageUpdate  `json:"timeline,omitempty"`
}

// Reference returns the handle used in inventory history reasons: the
// reference number when present, otherwise the id.
func (d Dispatch) Reference() string {
	if d.ReferenceNumber != "" {
		return d.ReferenceNumber
	}
	return d.ID
}

// DispatchItem links a dispatch to exactly one purchase-order line. Quantity
// is fixed at creation time and never mutated afterwards.
type DispatchItem struct {
	ID         string `json:"id"`
	DispatchID string `json:"dispatch_id"`
	POItemID   string `json:"po_item_id"`
	Quantity   int    `json:"quantity"`
}

type DispatchItemRequest struct {
	POItemID string `json:"po_item_id"`
	Quantity int    `json:"quantity"`
}

type DispatchCreateRequest struct {
	SupplierID      string                `json:"supplier_id"`
	ReferenceNumber string                `json:"reference_number"`
	Remarks         string                `json:"remarks"`
	Items           []DispatchItemRequest `json:"items"`
}

type DispatchStatusUpdateRequest struct {
	Status DispatchStatus `json:"status"`
	Notes  string         `json:"notes"`
}

type DispatchResponse struct {
	Dispatch Dispatch `json:"dispatch"`
}

type DispatchListResponse struct {
	Dispatches []Dispatch `json:"dispatches"`
}

// StageUpdate is one timeline entry for a dispatch or a purchase order.
// Exactly one of DispatchID / OrderID is set.
type StageUpdate struct {
	ID         string    `json:"id"`
	DispatchID string    `json:"dispatch_id,omitempty"`
	OrderID    string    `json:"order_id,omitempty"`
	Stage      string    `json:"stage"`
	Notes      string    `json:"notes,omitempty"`
	UpdatedBy  string    `json:"updated_by,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type StageUpdateRequest struct {
	Stage           string `json:"stage"`
	Notes           string `json:"notes"`
	SyncOrderStatus bool   `json:"sync_order_status"`
}

type Inventory struct {
	ID        string    `json:"id"`
	ProductID string    `json:"product_id"`
	Quantity  int       `json:"quantity"`
	UpdatedAt time.Time `json:"updated_at"`
}

type InventoryHistory struct {
	ID          string       `json:"id"`
	InventoryID string       `json:"inventory_id"`
	ProductID   string       `json:"product_id"`
	Type        MovementType `json:"type"`
	Quantity    int          `json:"quantity"`
	Reason      string       `json:"reason"`
	UpdatedBy   string       `json:"updated_by,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

type InventoryAdjustRequest struct {
	ProductID string       `json:"product_id"`
	Type      MovementType `json:"type"`
	Quantity  int          `json:"quantity"`
	Reason    string       `json:"reason"`
}

// Approval is one approval decision for a purchase order. Rows are
// append-only and never mutated.
type Approval struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	ApproverID string    `json:"approver_id"`
	Level      int       `json:"level"`
	Decision   string    `json:"decision"`
	Remarks    string    `json:"remarks,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type ApprovalRequest struct {
	Level    int    `json:"level"`
	Decision string `json:"decision"`
	Remarks  string `json:"remarks"`
}

type ApprovalResponse struct {
	Approval      Approval      `json:"approval"`
	PurchaseOrder PurchaseOrder `json:"purchase_order"`
}

type AuditLog struct {
	ID           string    `json:"id"`
	EntityType   string    `json:"entity_type"`
	EntityID     string    `json:"entity_id"`
	Action       string    `json:"action"`
	ActorID      string    `json:"actor_id,omitempty"`
	ActorName    string    `json:"actor_name,omitempty"`
	PreviousData string    `json:"previous_data,omitempty"`
	NewData      string    `json:"new_data,omitempty"`
	Metadata     string    `json:"metadata,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReorderSuggestion is an advisory row produced from on-hand stock, inbound
// supply, and product lead times. It never mutates inventory.
type ReorderSuggestion struct {
	ProductID         string  `json:"product_id"`
	ProductName       string  `json:"product_name"`
	OnHand            int     `json:"on_hand"`
	InboundQuantity   int     `json:"inbound_quantity"`
	SuggestedQuantity int     `json:"suggested_quantity"`
	Urgency           float64 `json:"urgency"`
	ReasonCode        string  `json:"reason_code"`
}

type DashboardStats struct {
	TotalOrders     int                 `json:"total_orders"`
	ActiveOrders    int                 `json:"active_orders"`
	PendingApproval int                 `json:"pending_approval"`
	DelayedOrders   int                 `json:"delayed_orders"`
	TotalSuppliers  int                 `json:"total_suppliers"`
	TotalDivisions  int                 `json:"total_divisions"`
	TotalProducts   int                 `json:"total_products"`
	TotalCategories int                 `json:"total_categories"`
	StatusCounts    map[OrderStatus]int `json:"status_counts"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type UserView struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	Username  string
	Password  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

const (
	EntityStatusActive   = "ACTIVE"
	EntityStatusInactive = "INACTIVE"
	EntityStatusDeleted  = "DELETED"
)

const (
	RoleAdmin      = "admin"
	RoleOperations = "operations"
)
