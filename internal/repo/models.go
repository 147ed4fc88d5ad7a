package repo

import "time"

// Lead is the durable per-user conversation record. It is created on first
// contact, mutated exclusively by the conversation engine, and never deleted
// (chat history is appended separately).
type Lead struct {
	ID           string
	UserKey      string
	TenantID     string
	DesiredItem  *string
	Name         *string
	Phone        *string
	Email        *string
	Address      *string
	Stage        string
	PendingOrder *PendingOrder
	LastOrderID  *string
	LastShown    []ShownProduct
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// PendingOrder is the order being assembled during the collection stages.
// Non-nil only while the lead sits in the summary/confirmation stages.
type PendingOrder struct {
	Items []PendingItem `json:"items"`
	Total float64       `json:"total"`
}

// PendingItem is one line of a pending order.
type PendingItem struct {
	ProductRef string  `json:"product_ref"`
	Name       string  `json:"name"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
}

// ShownProduct is the bounded digest of recently surfaced products, used to
// resolve deictic confirmations ("I'll take it") without a fresh retrieval.
type ShownProduct struct {
	ProductRef string  `json:"product_ref"`
	Name       string  `json:"name"`
	Price      float64 `json:"price"`
	Score      float64 `json:"score"`
}

// LeadPatch carries a partial lead update. Nil fields are untouched; the
// boolean clears mark fields that must be set to NULL rather than skipped.
type LeadPatch struct {
	DesiredItem       *string
	Name              *string
	Phone             *string
	Email             *string
	Address           *string
	Stage             *string
	PendingOrder      *PendingOrder
	ClearPendingOrder bool
	LastOrderID       *string
	LastShown         []ShownProduct
}

// ChatMessage is a persisted conversation log entry.
type ChatMessage struct {
	LeadID    string
	Direction string
	Content   string
	MediaURL  *string
	CreatedAt time.Time
}

// Customer is the billing identity resolved (or created) at order commit.
type Customer struct {
	ID        string
	Name      string
	Phone     string
	Address   *string
	CreatedAt time.Time
}

// Order is a committed order row.
type Order struct {
	ID         string
	OrderRef   string
	CustomerID string
	LeadID     string
	Total      float64
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderItem is one committed order line.
type OrderItem struct {
	OrderID    string
	ProductRef string
	Name       string
	Quantity   int
	UnitPrice  float64
}

// APIKey represents a record in the api_keys table (generative backend key
// pool with rotation cooldowns).
type APIKey struct {
	ID            string
	Provider      string
	Value         string
	CooldownUntil *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
