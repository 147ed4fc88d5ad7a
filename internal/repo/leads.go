package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

const leadColumns = `id, user_key, tenant_id, desired_item, name, phone, email, address,
stage, pending_order, last_order_id, last_shown, created_at, updated_at`

// GetOrCreateLead returns the lead for userKey, creating one in the initial
// stage on first contact.
func (s *PostgresStore) GetOrCreateLead(ctx context.Context, userKey string) (*Lead, error) {
	const q = `
INSERT INTO leads (user_key, stage)
VALUES ($1, 'ask_item')
ON CONFLICT (user_key) DO UPDATE SET updated_at = NOW()
RETURNING ` + leadColumns + `;
`
	row := s.pool.QueryRow(ctx, q, userKey)
	return scanLead(row)
}

// UpdateLead applies a partial update to the lead. Nil patch fields are left
// untouched; ClearPendingOrder sets pending_order to NULL.
func (s *PostgresStore) UpdateLead(ctx context.Context, leadID string, patch LeadPatch) error {
	sets := make([]string, 0, 8)
	args := make([]any, 0, 9)
	args = append(args, leadID)

	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.DesiredItem != nil {
		add("desired_item", *patch.DesiredItem)
	}
	if patch.Name != nil {
		add("name", *patch.Name)
	}
	if patch.Phone != nil {
		add("phone", *patch.Phone)
	}
	if patch.Email != nil {
		add("email", *patch.Email)
	}
	if patch.Address != nil {
		add("address", *patch.Address)
	}
	if patch.Stage != nil {
		add("stage", *patch.Stage)
	}
	if patch.ClearPendingOrder {
		sets = append(sets, "pending_order = NULL")
	} else if patch.PendingOrder != nil {
		data, err := json.Marshal(patch.PendingOrder)
		if err != nil {
			return fmt.Errorf("marshal pending order: %w", err)
		}
		add("pending_order", string(data))
	}
	if patch.LastOrderID != nil {
		add("last_order_id", *patch.LastOrderID)
	}
	if patch.LastShown != nil {
		data, err := json.Marshal(patch.LastShown)
		if err != nil {
			return fmt.Errorf("marshal last shown: %w", err)
		}
		add("last_shown", string(data))
	}

	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = NOW()")

	q := "UPDATE leads SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	ct, err := s.pool.Exec(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update lead: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("lead not found: %s", leadID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*Lead, error) {
	var lead Lead
	var pendingJSON, shownJSON []byte
	if err := row.Scan(
		&lead.ID, &lead.UserKey, &lead.TenantID, &lead.DesiredItem, &lead.Name,
		&lead.Phone, &lead.Email, &lead.Address, &lead.Stage, &pendingJSON,
		&lead.LastOrderID, &shownJSON, &lead.CreatedAt, &lead.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan lead: %w", err)
	}

	if len(pendingJSON) > 0 {
		var pending PendingOrder
		if err := json.Unmarshal(pendingJSON, &pending); err != nil {
			return nil, fmt.Errorf("decode pending order: %w", err)
		}
		lead.PendingOrder = &pending
	}
	if len(shownJSON) > 0 {
		if err := json.Unmarshal(shownJSON, &lead.LastShown); err != nil {
			return nil, fmt.Errorf("decode last shown: %w", err)
		}
	}
	return &lead, nil
}
