package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/parash93/kdm-procurex-backend/internal/audit"
	"github.com/parash93/kdm-procurex-backend/internal/domain"
	"github.com/parash93/kdm-procurex-backend/internal/store"
	"github.com/parash93/kdm-procurex-backend/internal/store/memory"
)

func newTestService() *Service {
	return New(memory.NewSeeded(), nil, nil, nil, time.Second, nil)
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func opsCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "ops", Role: domain.RoleOperations})
}

func stockProduct(t *testing.T, svc *Service, productID string, qty int) {
	t.Helper()
	_, err := svc.AdjustInventory(adminCtx(), domain.InventoryAdjustRequest{
		ProductID: productID,
		Type:      domain.MovementAdd,
		Quantity:  qty,
		Reason:    "opening stock",
	})
	if err != nil {
		t.Fatalf("stock product %s: %v", productID, err)
	}
}

func createDraftOrder(t *testing.T, svc *Service, supplierID string, items []domain.PurchaseOrderItemRequest) domain.PurchaseOrder {
	t.Helper()
	order, err := svc.CreatePurchaseOrder(opsCtx(), domain.PurchaseOrderCreateRequest{
		SupplierID: supplierID,
		DivisionID: "div-fab",
		Items:      items,
	})
	if err != nil {
		t.Fatalf("create purchase order: %v", err)
	}
	return order
}

// placeOrder walks an order through submission and both approval levels.
// Stock for every product-linked line must already cover the ordered
// quantity or the final approval is rejected.
func placeOrder(t *testing.T, svc *Service, supplierID string, items []domain.PurchaseOrderItemRequest) domain.PurchaseOrder {
	t.Helper()
	order := createDraftOrder(t, svc, supplierID, items)
	if _, err := svc.SubmitPurchaseOrder(opsCtx(), order.ID); err != nil {
		t.Fatalf("submit order: %v", err)
	}
	if _, _, err := svc.SubmitApproval(opsCtx(), order.ID, domain.ApprovalRequest{Level: 1, Decision: "APPROVED"}); err != nil {
		t.Fatalf("level 1 approval: %v", err)
	}
	_, placed, err := svc.SubmitApproval(adminCtx(), order.ID, domain.ApprovalRequest{Level: 2, Decision: "APPROVED"})
	if err != nil {
		t.Fatalf("level 2 approval: %v", err)
	}
	if placed.Status != domain.OrderPlaced {
		t.Fatalf("expected ORDER_PLACED after final approval, got %s", placed.Status)
	}
	return placed
}

func onHand(t *testing.T, svc *Service, productID string) int {
	t.Helper()
	inv, err := svc.GetInventory(opsCtx(), productID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0
		}
		t.Fatalf("get inventory %s: %v", productID, err)
	}
	return inv.Quantity
}

func TestApprovalLadderEnforcesLevelOrder(t *testing.T) {
	svc := newTestService()
	order := createDraftOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-ms-sheet", ProductName: "MS Sheet 2mm", Quantity: 10, UnitPrice: decimal.NewFromInt(250)},
	})

	// Draft orders are not yet in the approval queue.
	if _, _, err := svc.SubmitApproval(opsCtx(), order.ID, domain.ApprovalRequest{Level: 1, Decision: "APPROVED"}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for draft order, got %v", err)
	}

	if _, err := svc.SubmitPurchaseOrder(opsCtx(), order.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Level 2 cannot run before level 1.
	if _, _, err := svc.SubmitApproval(adminCtx(), order.ID, domain.ApprovalRequest{Level: 2, Decision: "APPROVED"}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for premature level 2, got %v", err)
	}

	_, approved, err := svc.SubmitApproval(opsCtx(), order.ID, domain.ApprovalRequest{Level: 1, Decision: "APPROVED"})
	if err != nil {
		t.Fatalf("level 1: %v", err)
	}
	if approved.Status != domain.OrderApprovedL1 {
		t.Fatalf("expected APPROVED_L1, got %s", approved.Status)
	}

	// Repeating level 1 on an already advanced order is rejected.
	if _, _, err := svc.SubmitApproval(opsCtx(), order.ID, domain.ApprovalRequest{Level: 1, Decision: "APPROVED"}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition for repeated level 1, got %v", err)
	}

	// Final approval is blocked while stock does not cover the line.
	_, _, err = svc.SubmitApproval(adminCtx(), order.ID, domain.ApprovalRequest{Level: 2, Decision: "APPROVED"})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for insufficient stock, got %v", err)
	}
	if !strings.Contains(err.Error(), "required 10") || !strings.Contains(err.Error(), "available 0") {
		t.Fatalf("expected required/available in error, got %q", err.Error())
	}

	stockProduct(t, svc, "prod-ms-sheet", 10)
	_, placed, err := svc.SubmitApproval(adminCtx(), order.ID, domain.ApprovalRequest{Level: 2, Decision: "APPROVED"})
	if err != nil {
		t.Fatalf("level 2: %v", err)
	}
	if placed.Status != domain.OrderPlaced {
		t.Fatalf("expected ORDER_PLACED, got %s", placed.Status)
	}

	approvals, err := svc.ListApprovals(opsCtx(), order.ID)
	if err != nil {
		t.Fatalf("list approvals: %v", err)
	}
	if len(approvals) != 2 {
		t.Fatalf("expected 2 recorded approvals, got %d", len(approvals))
	}
	if approvals[0].Level != 1 || approvals[1].Level != 2 {
		t.Fatalf("expected approvals in level order, got %d then %d", approvals[0].Level, approvals[1].Level)
	}
}

func TestApprovalRejectionHaltsOrder(t *testing.T) {
	svc := newTestService()
	order := createDraftOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductName: "Custom bracket", Quantity: 5, UnitPrice: decimal.NewFromInt(80)},
	})
	if _, err := svc.SubmitPurchaseOrder(opsCtx(), order.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := svc.SubmitApproval(opsCtx(), order.ID, domain.ApprovalRequest{Level: 1, Decision: "APPROVED"}); err != nil {
		t.Fatalf("level 1: %v", err)
	}

	// Rejection from any pending level lands on REJECTED_L1.
	_, rejected, err := svc.SubmitApproval(adminCtx(), order.ID, domain.ApprovalRequest{Level: 2, Decision: "REJECTED", Remarks: "budget freeze"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.OrderRejectedL1 {
		t.Fatalf("expected REJECTED_L1, got %s", rejected.Status)
	}

	if _, _, err := svc.SubmitApproval(adminCtx(), order.ID, domain.ApprovalRequest{Level: 2, Decision: "APPROVED"}); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected rejected order to stay rejected, got %v", err)
	}
}

func TestDispatchOverCommitRejected(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-angle-50", 100)
	order := placeOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-angle-50", ProductName: "Angle 50x50", Quantity: 100, UnitPrice: decimal.NewFromInt(120)},
	})
	itemID := order.Items[0].ID

	if _, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: itemID, Quantity: 60}},
	}); err != nil {
		t.Fatalf("first dispatch: %v", err)
	}

	_, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: itemID, Quantity: 50}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected over-dispatch rejection, got %v", err)
	}
	if !strings.Contains(err.Error(), "only 40 remaining") {
		t.Fatalf("expected remaining quantity in error, got %q", err.Error())
	}

	// The failed attempt must not have burned any reservation.
	if _, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: itemID, Quantity: 40}},
	}); err != nil {
		t.Fatalf("remainder dispatch: %v", err)
	}

	reloaded, err := svc.GetPurchaseOrder(opsCtx(), order.ID)
	if err != nil {
		t.Fatalf("reload order: %v", err)
	}
	if got := reloaded.Items[0].DispatchedQuantity; got != 100 {
		t.Fatalf("expected 100 reserved, got %d", got)
	}
}

func TestDispatchDuplicateLinesCountedTogether(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-mcb-63", 10)
	order := placeOrder(t, svc, "sup-electro", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-mcb-63", ProductName: "MCB 63A", Quantity: 10, UnitPrice: decimal.NewFromInt(450)},
	})

	_, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-electro",
		Items: []domain.DispatchItemRequest{
			{POItemID: order.Items[0].ID, Quantity: 6},
			{POItemID: order.Items[0].ID, Quantity: 6},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected accumulated lines to exceed quantity, got %v", err)
	}
}

func TestDispatchCrossSupplierRejected(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-cable-4c", 20)
	order := placeOrder(t, svc, "sup-electro", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-cable-4c", ProductName: "Armoured Cable 4C", Quantity: 20, UnitPrice: decimal.NewFromInt(900)},
	})

	_, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: order.Items[0].ID, Quantity: 5}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected cross-supplier rejection, got %v", err)
	}
	if !strings.Contains(err.Error(), "different supplier") {
		t.Fatalf("unexpected error text %q", err.Error())
	}
}

func TestDispatchLifecycleReconcilesInventoryAndOrder(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-ms-sheet", 100)
	baseline := onHand(t, svc, "prod-ms-sheet")

	order := placeOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-ms-sheet", ProductName: "MS Sheet 2mm", Quantity: 100, UnitPrice: decimal.NewFromInt(250)},
	})
	itemID := order.Items[0].ID

	dispatchA, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID:      "sup-steelworks",
		ReferenceNumber: "LR-7781",
		Items:           []domain.DispatchItemRequest{{POItemID: itemID, Quantity: 60}},
	})
	if err != nil {
		t.Fatalf("dispatch A: %v", err)
	}
	dispatchB, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: itemID, Quantity: 40}},
	})
	if err != nil {
		t.Fatalf("dispatch B: %v", err)
	}

	advance := func(dispatchID string, statuses ...domain.DispatchStatus) {
		t.Helper()
		for _, next := range statuses {
			if _, err := svc.UpdateDispatchStatus(opsCtx(), dispatchID, domain.DispatchStatusUpdateRequest{Status: next}); err != nil {
				t.Fatalf("advance %s to %s: %v", dispatchID, next, err)
			}
		}
	}

	advance(dispatchA.ID, domain.DispatchPacked, domain.DispatchShipped, domain.DispatchInTransit, domain.DispatchDelivered)
	if got := onHand(t, svc, "prod-ms-sheet"); got != baseline+60 {
		t.Fatalf("expected %d on hand after first delivery, got %d", baseline+60, got)
	}
	reloaded, err := svc.GetPurchaseOrder(opsCtx(), order.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.OrderPartiallyDelivered {
		t.Fatalf("expected PARTIALLY_DELIVERED, got %s", reloaded.Status)
	}

	advance(dispatchB.ID, domain.DispatchPacked, domain.DispatchShipped, domain.DispatchInTransit, domain.DispatchDelivered)
	if got := onHand(t, svc, "prod-ms-sheet"); got != baseline+100 {
		t.Fatalf("expected %d on hand after full delivery, got %d", baseline+100, got)
	}
	reloaded, err = svc.GetPurchaseOrder(opsCtx(), order.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.OrderFullyDelivered {
		t.Fatalf("expected FULLY_DELIVERED, got %s", reloaded.Status)
	}

	// Returning the delivered dispatch pulls its quantity back out of
	// stock, releases the reservation, and demotes the order.
	advance(dispatchA.ID, domain.DispatchReturned)
	if got := onHand(t, svc, "prod-ms-sheet"); got != baseline+40 {
		t.Fatalf("expected %d on hand after return, got %d", baseline+40, got)
	}
	reloaded, err = svc.GetPurchaseOrder(opsCtx(), order.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Status != domain.OrderPartiallyDelivered {
		t.Fatalf("expected PARTIALLY_DELIVERED after return, got %s", reloaded.Status)
	}
	if got := reloaded.Items[0].DispatchedQuantity; got != 40 {
		t.Fatalf("expected reservation released to 40, got %d", got)
	}

	history, err := svc.ListInventoryHistory(opsCtx(), "prod-ms-sheet", 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sawDelivered, sawReturned bool
	for _, entry := range history {
		if entry.Reason == "Dispatch Delivered: LR-7781" {
			sawDelivered = true
		}
		if entry.Reason == "Dispatch RETURNED: LR-7781" {
			sawReturned = true
		}
	}
	if !sawDelivered || !sawReturned {
		t.Fatalf("expected delivery and return movements in history, got delivered=%v returned=%v", sawDelivered, sawReturned)
	}
}

func TestDispatchReversalSideEffectsRunOnce(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-angle-50", 30)
	order := placeOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-angle-50", ProductName: "Angle 50x50", Quantity: 30, UnitPrice: decimal.NewFromInt(120)},
	})

	dispatch, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: order.Items[0].ID, Quantity: 30}},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if _, err := svc.UpdateDispatchStatus(opsCtx(), dispatch.ID, domain.DispatchStatusUpdateRequest{Status: domain.DispatchReturned}); err != nil {
		t.Fatalf("return: %v", err)
	}
	reloaded, err := svc.GetPurchaseOrder(opsCtx(), order.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Items[0].DispatchedQuantity; got != 0 {
		t.Fatalf("expected reservation fully released, got %d", got)
	}

	// Cancelling an already returned dispatch records a timeline entry but
	// must not release the reservation a second time.
	if _, err := svc.UpdateDispatchStatus(opsCtx(), dispatch.ID, domain.DispatchStatusUpdateRequest{Status: domain.DispatchCancelled}); err != nil {
		t.Fatalf("cancel after return: %v", err)
	}
	reloaded, err = svc.GetPurchaseOrder(opsCtx(), order.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.Items[0].DispatchedQuantity; got != 0 {
		t.Fatalf("expected no double release, got %d", got)
	}
	if got := onHand(t, svc, "prod-angle-50"); got != 30 {
		t.Fatalf("expected stock untouched by undelivered dispatch, got %d", got)
	}
}

func TestReturnedDispatchCannotReactivate(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-ms-sheet", 100)
	order := placeOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-ms-sheet", ProductName: "MS Sheet 2mm", Quantity: 100, UnitPrice: decimal.NewFromInt(250)},
	})

	dispatch, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: order.Items[0].ID, Quantity: 60}},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := svc.UpdateDispatchStatus(opsCtx(), dispatch.ID, domain.DispatchStatusUpdateRequest{Status: domain.DispatchReturned}); err != nil {
		t.Fatalf("return: %v", err)
	}

	// The return released the 60-unit reservation. Putting the dispatch back
	// in flight would leave that quantity active with no reservation, so
	// every non-reversal transition out of RETURNED is rejected.
	for _, next := range []domain.DispatchStatus{
		domain.DispatchDraft, domain.DispatchPacked, domain.DispatchShipped,
		domain.DispatchInTransit, domain.DispatchDelivered,
	} {
		if _, err := svc.UpdateDispatchStatus(opsCtx(), dispatch.ID, domain.DispatchStatusUpdateRequest{Status: next}); !errors.Is(err, store.ErrInvalidTransition) {
			t.Fatalf("expected returned dispatch to reject %s, got %v", next, err)
		}
	}

	// The released quantity is dispatchable again, but only once.
	if _, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: order.Items[0].ID, Quantity: 100}},
	}); err != nil {
		t.Fatalf("redispatch after return: %v", err)
	}
	_, err = svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-steelworks",
		Items:      []domain.DispatchItemRequest{{POItemID: order.Items[0].ID, Quantity: 1}},
	})
	if !errors.Is(err, store.ErrValidation) || !strings.Contains(err.Error(), "only 0 remaining") {
		t.Fatalf("expected fully committed line to reject a further dispatch, got %v", err)
	}
}

func TestCancelledDispatchIsTerminal(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-mcb-63", 5)
	order := placeOrder(t, svc, "sup-electro", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-mcb-63", ProductName: "MCB 63A", Quantity: 5, UnitPrice: decimal.NewFromInt(450)},
	})

	dispatch, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-electro",
		Items:      []domain.DispatchItemRequest{{POItemID: order.Items[0].ID, Quantity: 5}},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if _, err := svc.UpdateDispatchStatus(opsCtx(), dispatch.ID, domain.DispatchStatusUpdateRequest{Status: domain.DispatchCancelled}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err = svc.UpdateDispatchStatus(opsCtx(), dispatch.ID, domain.DispatchStatusUpdateRequest{Status: domain.DispatchPacked})
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected terminal dispatch to reject updates, got %v", err)
	}
}

func TestDispatchTimelineRecordsEveryStage(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-cable-4c", 8)
	order := placeOrder(t, svc, "sup-electro", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-cable-4c", ProductName: "Armoured Cable 4C", Quantity: 8, UnitPrice: decimal.NewFromInt(900)},
	})

	dispatch, err := svc.CreateDispatch(opsCtx(), domain.DispatchCreateRequest{
		SupplierID: "sup-electro",
		Items:      []domain.DispatchItemRequest{{POItemID: order.Items[0].ID, Quantity: 8}},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	for _, next := range []domain.DispatchStatus{domain.DispatchPacked, domain.DispatchShipped} {
		if _, err := svc.UpdateDispatchStatus(opsCtx(), dispatch.ID, domain.DispatchStatusUpdateRequest{Status: next, Notes: "hub scan"}); err != nil {
			t.Fatalf("advance: %v", err)
		}
	}

	reloaded, err := svc.GetDispatch(opsCtx(), dispatch.ID)
	if err != nil {
		t.Fatalf("get dispatch: %v", err)
	}
	want := []string{"DRAFT", "PACKED", "SHIPPED"}
	if len(reloaded.Timeline) != len(want) {
		t.Fatalf("expected %d timeline entries, got %d", len(want), len(reloaded.Timeline))
	}
	for i := range want {
		if reloaded.Timeline[i].Stage != want[i] {
			t.Fatalf("expected stage %s at position %d, got %s", want[i], i, reloaded.Timeline[i].Stage)
		}
	}
	if reloaded.Timeline[1].UpdatedBy != "ops" {
		t.Fatalf("expected actor on timeline, got %q", reloaded.Timeline[1].UpdatedBy)
	}
}

func TestDeletePurchaseOrderGuards(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-ms-sheet", 10)
	order := placeOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductID: "prod-ms-sheet", ProductName: "MS Sheet 2mm", Quantity: 10, UnitPrice: decimal.NewFromInt(250)},
	})

	if err := svc.DeletePurchaseOrder(opsCtx(), order.ID); err == nil {
		t.Fatalf("expected non-admin delete to fail")
	}
	if err := svc.DeletePurchaseOrder(adminCtx(), order.ID); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected placed order delete to be blocked, got %v", err)
	}

	draft := createDraftOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductName: "Scrap bin", Quantity: 1, UnitPrice: decimal.NewFromInt(40)},
	})
	if err := svc.DeletePurchaseOrder(adminCtx(), draft.ID); err != nil {
		t.Fatalf("delete draft: %v", err)
	}
	if _, err := svc.GetPurchaseOrder(opsCtx(), draft.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected deleted order to be gone, got %v", err)
	}
}

func TestManualInventoryAdjustment(t *testing.T) {
	svc := newTestService()

	if _, err := svc.AdjustInventory(opsCtx(), domain.InventoryAdjustRequest{
		ProductID: "prod-ms-sheet",
		Type:      domain.MovementAdd,
		Quantity:  5,
	}); err == nil {
		t.Fatalf("expected non-admin adjustment to fail")
	}

	_, err := svc.AdjustInventory(adminCtx(), domain.InventoryAdjustRequest{
		ProductID: "prod-ms-sheet",
		Type:      domain.MovementSubtract,
		Quantity:  1,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected subtract below zero to fail, got %v", err)
	}

	inv, err := svc.AdjustInventory(adminCtx(), domain.InventoryAdjustRequest{
		ProductID: "prod-ms-sheet",
		Type:      domain.MovementAdd,
		Quantity:  25,
		Reason:    "cycle count correction",
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if inv.Quantity != 25 {
		t.Fatalf("expected 25 on hand, got %d", inv.Quantity)
	}

	history, err := svc.ListInventoryHistory(opsCtx(), "prod-ms-sheet", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(history))
	}
	if history[0].Reason != "cycle count correction" || history[0].UpdatedBy != "admin" {
		t.Fatalf("unexpected history entry %+v", history[0])
	}
}

func TestNewProductStartsWithZeroInventory(t *testing.T) {
	svc := newTestService()

	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name:            "Copper Busbar 25x5",
		CategoryID:      "cat-elec",
		MinDeliveryDays: 12,
	})
	if err != nil {
		t.Fatalf("create product: %v", err)
	}

	inv, err := svc.GetInventory(opsCtx(), product.ID)
	if err != nil {
		t.Fatalf("expected inventory row for new product, got %v", err)
	}
	if inv.Quantity != 0 {
		t.Fatalf("expected zero opening quantity, got %d", inv.Quantity)
	}

	rows, err := svc.ListInventory(opsCtx())
	if err != nil {
		t.Fatalf("list inventory: %v", err)
	}
	found := false
	for _, row := range rows {
		if row.ProductID == product.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected inventory listing to include the new product")
	}
}

func TestOrderCreationValidation(t *testing.T) {
	svc := newTestService()

	if _, err := svc.CreatePurchaseOrder(opsCtx(), domain.PurchaseOrderCreateRequest{SupplierID: "sup-steelworks"}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected empty item list rejection, got %v", err)
	}
	_, err := svc.CreatePurchaseOrder(opsCtx(), domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-steelworks",
		Items: []domain.PurchaseOrderItemRequest{
			{ProductName: "Bracket", Quantity: 1, UnitPrice: decimal.NewFromInt(10), ExpectedDeliveryDate: "next week"},
		},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected malformed date rejection, got %v", err)
	}
	if _, err := svc.CreatePurchaseOrder(opsCtx(), domain.PurchaseOrderCreateRequest{
		SupplierID: "sup-missing",
		Items: []domain.PurchaseOrderItemRequest{
			{ProductName: "Bracket", Quantity: 1, UnitPrice: decimal.NewFromInt(10)},
		},
	}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected unknown supplier rejection, got %v", err)
	}

	order := createDraftOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductName: "Bracket", Quantity: 4, UnitPrice: decimal.NewFromInt(10)},
	})
	if !order.Items[0].TotalPrice.Equal(decimal.NewFromInt(40)) {
		t.Fatalf("expected line total 40, got %s", order.Items[0].TotalPrice)
	}
	if order.Currency != "INR" {
		t.Fatalf("expected INR default currency, got %s", order.Currency)
	}
}

func TestAuditTrailRecordsMutations(t *testing.T) {
	repo := memory.NewSeeded()
	svc := New(repo, audit.NewLedgerSink(repo, nil), nil, nil, time.Second, nil)

	order := createDraftOrder(t, svc, "sup-steelworks", []domain.PurchaseOrderItemRequest{
		{ProductName: "Bracket", Quantity: 2, UnitPrice: decimal.NewFromInt(15)},
	})
	if _, err := svc.SubmitPurchaseOrder(opsCtx(), order.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}

	logs, err := svc.ListAuditLogs(adminCtx(), "purchase_order", order.ID, time.Time{}, time.Time{}, 50)
	if err != nil {
		t.Fatalf("list audit logs: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected create and submit entries, got %d", len(logs))
	}
	// Newest first.
	if logs[0].Action != "po_submit" || logs[1].Action != "po_create" {
		t.Fatalf("unexpected actions %s, %s", logs[0].Action, logs[1].Action)
	}
	if logs[0].ActorName != "ops" {
		t.Fatalf("expected actor recorded, got %q", logs[0].ActorName)
	}

	if _, err := svc.ListAuditLogs(opsCtx(), "", "", time.Time{}, time.Time{}, 50); err == nil {
		t.Fatalf("expected audit log access to require admin")
	}
}

func TestDashboardStatsUsesCache(t *testing.T) {
	svc := newTestService()
	fake := &countingDashboardCache{}
	svc.dashboard = fake

	first, err := svc.DashboardStats(opsCtx())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if first.TotalSuppliers != 2 || first.TotalProducts != 4 {
		t.Fatalf("unexpected seeded totals %+v", first)
	}
	if fake.sets != 1 {
		t.Fatalf("expected cache write on miss, got %d", fake.sets)
	}

	second, err := svc.DashboardStats(opsCtx())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if fake.hits != 1 {
		t.Fatalf("expected cache hit on second read, got %d", fake.hits)
	}
	if second.TotalSuppliers != first.TotalSuppliers {
		t.Fatalf("cache returned different stats")
	}
}

func TestReorderSuggestionsFlagDepletedStock(t *testing.T) {
	svc := newTestService()
	stockProduct(t, svc, "prod-cable-4c", 100)
	if _, err := svc.AdjustInventory(adminCtx(), domain.InventoryAdjustRequest{
		ProductID: "prod-cable-4c",
		Type:      domain.MovementSubtract,
		Quantity:  90,
		Reason:    "issued to maintenance",
	}); err != nil {
		t.Fatalf("consume stock: %v", err)
	}

	suggestions, err := svc.ReorderSuggestions(opsCtx())
	if err != nil {
		t.Fatalf("suggestions: %v", err)
	}
	var found *domain.ReorderSuggestion
	for i := range suggestions {
		if suggestions[i].ProductID == "prod-cable-4c" {
			found = &suggestions[i]
		}
	}
	if found == nil {
		t.Fatalf("expected suggestion for depleted product, got %+v", suggestions)
	}
	if found.OnHand != 10 || found.SuggestedQuantity < 1 {
		t.Fatalf("unexpected suggestion %+v", found)
	}
}

type countingDashboardCache struct {
	stored *domain.DashboardStats
	sets   int
	hits   int
}

func (c *countingDashboardCache) Get(_ context.Context, _ string) (*domain.DashboardStats, bool, error) {
	if c.stored == nil {
		return nil, false, nil
	}
	c.hits++
	return c.stored, true, nil
}

func (c *countingDashboardCache) Set(_ context.Context, _ string, value *domain.DashboardStats, _ time.Duration) error {
	c.sets++
	c.stored = value
	return nil
}

func (c *countingDashboardCache) Invalidate(_ context.Context, _ string) error {
	c.stored = nil
	return nil
}
