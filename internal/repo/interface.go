package repo

import (
	"context"
	"io/fs"
	"time"
)

// Store defines the interface for data persistence. The conversation engine
// depends on this interface so tests can substitute an in-memory fake.
type Store interface {
	// Lifecycle
	Close()
	Ping(ctx context.Context) error
	RunMigrations(ctx context.Context, filesystem fs.FS) error

	// Leads
	GetOrCreateLead(ctx context.Context, userKey string) (*Lead, error)
	UpdateLead(ctx context.Context, leadID string, patch LeadPatch) error

	// Chat history
	InsertMessage(ctx context.Context, msg ChatMessage) error
	ListRecentMessages(ctx context.Context, leadID string, limit int) ([]ChatMessage, error)
	GetSummary(ctx context.Context, leadID string) (string, error)
	UpsertSummary(ctx context.Context, leadID, summary string) error

	// Customers and orders
	FindOrCreateCustomer(ctx context.Context, name, phone string, address *string) (*Customer, error)
	CreateOrderWithItems(ctx context.Context, order Order, items []OrderItem) (*Order, error)
	UpdateOrderStatus(ctx context.Context, orderRef, status string) error

	// Generative backend key pool
	SyncGeminiKeys(ctx context.Context, keys []string) error
	ListActiveGeminiKeys(ctx context.Context) ([]APIKey, error)
	SetCooldownUntil(ctx context.Context, id string, until time.Time) error
}
