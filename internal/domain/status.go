package domain

// DispatchStatus is the closed set of dispatch lifecycle states. The main
// path is DRAFT → PACKED → SHIPPED → IN_TRANSIT → DELIVERED; CANCELLED and
// RETURNED are side branches. CANCELLED is terminal.
type DispatchStatus string

const (
	DispatchDraft     DispatchStatus = "DRAFT"
	DispatchPacked    DispatchStatus = "PACKED"
	DispatchShipped   DispatchStatus = "SHIPPED"
	DispatchInTransit DispatchStatus = "IN_TRANSIT"
	DispatchDelivered DispatchStatus = "DELIVERED"
	DispatchCancelled DispatchStatus = "CANCELLED"
	DispatchReturned  DispatchStatus = "RETURNED"
)

func (s DispatchStatus) Valid() bool {
	switch s {
	case DispatchDraft, DispatchPacked, DispatchShipped, DispatchInTransit,
		DispatchDelivered, DispatchCancelled, DispatchReturned:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted out of s.
func (s DispatchStatus) Terminal() bool {
	return s == DispatchCancelled
}

// CanTransitionTo applies the dispatch transition table. Every active state
// may move to any valid state: RETURNED is accepted even before DELIVERED as
// a correction path, and repeating RETURNED is allowed (the reversal side
// effects are guarded separately so they never run twice). A RETURNED
// dispatch has already released its reservation, so it may only stay RETURNED
// or be CANCELLED; re-activating it would put its quantity back in flight
// with no reservation backing it.
func (s DispatchStatus) CanTransitionTo(next DispatchStatus) bool {
	if !next.Valid() {
		return false
	}
	switch s {
	case DispatchCancelled:
		return false
	case DispatchReturned:
		return next == DispatchReturned || next == DispatchCancelled
	case DispatchDraft, DispatchPacked, DispatchShipped, DispatchInTransit,
		DispatchDelivered:
		return true
	}
	return false
}

// Reversal reports whether entering s releases the quantity reserved against
// the purchase-order items.
func (s DispatchStatus) Reversal() bool {
	return s == DispatchCancelled || s == DispatchReturned
}

// OrderStatus is the closed set of purchase-order states. Approval moves
// DRAFT → PENDING_L1 → APPROVED_L1 → ORDER_PLACED; fulfillment derives
// PARTIALLY_DELIVERED / FULLY_DELIVERED; REJECTED_L1 and CANCELLED are side
// exits, CLOSED ends the lifecycle and DELETED is the CRUD soft-delete marker.
type OrderStatus string

const (
	OrderDraft              OrderStatus = "DRAFT"
	OrderPendingL1          OrderStatus = "PENDING_L1"
	OrderApprovedL1         OrderStatus = "APPROVED_L1"
	OrderRejectedL1         OrderStatus = "REJECTED_L1"
	OrderPlaced             OrderStatus = "ORDER_PLACED"
	OrderPartiallyDelivered OrderStatus = "PARTIALLY_DELIVERED"
	OrderFullyDelivered     OrderStatus = "FULLY_DELIVERED"
	OrderClosed             OrderStatus = "CLOSED"
	OrderCancelled          OrderStatus = "CANCELLED"
	OrderDeleted            OrderStatus = "DELETED"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderDraft, OrderPendingL1, OrderApprovedL1, OrderRejectedL1,
		OrderPlaced, OrderPartiallyDelivered, OrderFullyDelivered,
		OrderClosed, OrderCancelled, OrderDeleted:
		return true
	}
	return false
}

// Fulfillable reports whether the order has passed approval and its status is
// owned by the fulfillment aggregator. Orders still in draft or approval
// stages are never touched by dispatch-driven recomputation.
func (s OrderStatus) Fulfillable() bool {
	switch s {
	case OrderPlaced, OrderPartiallyDelivered, OrderFullyDelivered:
		return true
	}
	return false
}

const (
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
)

// MovementType tags inventory history entries.
type MovementType string

const (
	MovementAdd      MovementType = "ADD"
	MovementSubtract MovementType = "SUBTRACT"
)

// DeriveOrderStatus recomputes a purchase order's rollup status from its
// items and the per-item quantity delivered by DELIVERED dispatches. It is
// the single source of truth for delivery-related order status: fully covered
// items on every line yield FULLY_DELIVERED, any delivered quantity yields
// PARTIALLY_DELIVERED, and zero delivered reverts to ORDER_PLACED (which also
// handles the case of a delivered dispatch being returned).
func DeriveOrderStatus(items []PurchaseOrderItem, deliveredByItem map[string]int) OrderStatus {
	allDelivered := len(items) > 0
	anyDelivered := false
	for _, item := range items {
		delivered := deliveredByItem[item.ID]
		if delivered > 0 {
			anyDelivered = true
		}
		if delivered < item.Quantity {
			allDelivered = false
		}
	}
	switch {
	case allDelivered:
		return OrderFullyDelivered
	case anyDelivered:
		return OrderPartiallyDelivered
	default:
		return OrderPlaced
	}
}
