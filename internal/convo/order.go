package convo

import (
	"context"
	"strings"

	"shopbot/internal/reply"
	"shopbot/internal/repo"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// commitOrder performs the order-commit sequence: find-or-create customer,
// then create order plus items in one transaction. Whatever happens, the
// lead ends in completed with the pending order cleared; a confirm_order
// stage pointing at a half-created order must never survive.
func (e *Engine) commitOrder(ctx context.Context, lead *repo.Lead, lang language.Tag) outcome {
	pending := lead.PendingOrder
	if pending == nil || len(pending.Items) == 0 || !hasContactInfo(lead) {
		return e.failOrder(ctx, lead, lang)
	}

	customer, err := e.store.FindOrCreateCustomer(ctx, *lead.Name, *lead.Phone, lead.Address)
	if err != nil {
		e.logger.Error("find or create customer failed", "lead", lead.ID, "error", err)
		return e.failOrder(ctx, lead, lang)
	}

	orderRef := newOrderRef()
	items := make([]repo.OrderItem, 0, len(pending.Items))
	for _, item := range pending.Items {
		items = append(items, repo.OrderItem{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
		})
	}

	created, err := e.store.CreateOrderWithItems(ctx, repo.Order{
		OrderRef:   orderRef,
		CustomerID: customer.ID,
		LeadID:     lead.ID,
		Total:      pending.Total,
		Status:     "confirmed",
	}, items)
	if err != nil {
		e.logger.Error("order commit failed", "lead", lead.ID, "error", err)
		return e.failOrder(ctx, lead, lang)
	}

	stage := StageCompleted
	if err := e.applyPatch(ctx, lead, repo.LeadPatch{
		Stage:             &stage,
		ClearPendingOrder: true,
		LastOrderID:       &created.ID,
	}); err != nil {
		// The order exists; losing the lead patch is recoverable, the
		// confirmation still goes out.
		e.logger.Error("post-commit lead update failed", "lead", lead.ID, "error", err)
	}

	e.metrics.OrdersCommitted.WithLabelValues("ok").Inc()
	return outcome{text: formatOrderConfirmed(created.OrderRef, created.Total, lang)}
}

// failOrder reports a generic transaction failure and forces the lead out of
// the confirmation stage with the pending order discarded.
func (e *Engine) failOrder(ctx context.Context, lead *repo.Lead, lang language.Tag) outcome {
	e.metrics.OrdersCommitted.WithLabelValues("failed").Inc()

	stage := StageCompleted
	if err := e.applyPatch(ctx, lead, repo.LeadPatch{Stage: &stage, ClearPendingOrder: true}); err != nil {
		e.logger.Error("failed clearing pending order", "lead", lead.ID, "error", err)
	}
	return outcome{text: reply.OrderFailure(lang)}
}

func newOrderRef() string {
	return "ORD-" + strings.ToUpper(uuid.NewString()[:8])
}
