package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// FindOrCreateCustomer resolves the customer identified by phone, creating a
// record when none exists. Name and address are refreshed on conflict so the
// latest collected values win.
func (s *PostgresStore) FindOrCreateCustomer(ctx context.Context, name, phone string, address *string) (*Customer, error) {
	const q = `
INSERT INTO customers (name, phone, address)
VALUES ($1, $2, $3)
ON CONFLICT (phone) DO UPDATE SET
    name = EXCLUDED.name,
    address = COALESCE(EXCLUDED.address, customers.address)
RETURNING id, name, phone, address, created_at;
`
	row := s.pool.QueryRow(ctx, q, name, phone, address)
	var c Customer
	if err := row.Scan(&c.ID, &c.Name, &c.Phone, &c.Address, &c.CreatedAt); err != nil {
		return nil, fmt.Errorf("find or create customer: %w", err)
	}
	return &c, nil
}

// CreateOrderWithItems inserts the order and all of its items in one
// transaction. An item insert failure rolls the order back, so a partially
// created order never survives.
func (s *PostgresStore) CreateOrderWithItems(ctx context.Context, order Order, items []OrderItem) (*Order, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("create order: no items")
	}

	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		const insertOrder = `
INSERT INTO orders (order_ref, customer_id, lead_id, total, status)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, created_at, updated_at;
`
		if err := tx.QueryRow(ctx, insertOrder,
			order.OrderRef, order.CustomerID, order.LeadID, order.Total, order.Status,
		).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt); err != nil {
			return fmt.Errorf("insert order: %w", err)
		}

		const insertItem = `
INSERT INTO order_items (order_id, product_ref, name, quantity, unit_price)
VALUES ($1, $2, $3, $4, $5);
`
		for _, item := range items {
			if _, err := tx.Exec(ctx, insertItem,
				order.ID, item.ProductRef, item.Name, item.Quantity, item.UnitPrice,
			); err != nil {
				return fmt.Errorf("insert order item %s: %w", item.ProductRef, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrderStatus updates the status of an existing order.
func (s *PostgresStore) UpdateOrderStatus(ctx context.Context, orderRef, status string) error {
	const q = `
UPDATE orders
SET status = $2, updated_at = NOW()
WHERE order_ref = $1;
`
	ct, err := s.pool.Exec(ctx, q, orderRef, status)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("order not found: %s", orderRef)
	}
	return nil
}
