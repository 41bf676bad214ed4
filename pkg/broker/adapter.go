package broker

import (
	"context"
	"sync"

	"apex-engine/internal/domain"
)

// Adapter is the uniform contract every exchange client implements.
//
// Implementations never duck-type: Capabilities() reports what the
// concrete exchange supports so the engine can reject SHORT signals on a
// spot-only broker at the boundary rather than discovering it via a
// runtime type assertion.
type Adapter interface {
	Name() domain.BrokerType
	Capabilities() domain.Capabilities

	Connect(ctx context.Context, creds domain.CredentialsHandle) (domain.AccountIdentity, error)
	GetBalance(ctx context.Context, quoteCcy string) (domain.Balance, error)
	GetPositions(ctx context.Context) ([]domain.RawPosition, error)
	GetCandles(ctx context.Context, symbol, timeframe string, n int) ([]domain.Candle, error)
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetProducts(ctx context.Context) ([]string, error)

	// PlaceMarket is idempotent on req.ClientID: retrying the same
	// ClientID returns the existing order rather than placing a second one.
	PlaceMarket(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	Cancel(ctx context.Context, ref domain.OrderRef) error
}

// IdempotencyTable is the local (client_id -> broker_order_id) map every
// adapter keeps for brokers whose API lacks a native client-order-id
// field; retries of a ClientID resolve here before any HTTP is sent.
type IdempotencyTable struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

// NewIdempotencyTable builds an empty table.
func NewIdempotencyTable() *IdempotencyTable {
	return &IdempotencyTable{orders: make(map[string]domain.Order)}
}

// Lookup returns the previously-recorded order for clientID, if any.
func (t *IdempotencyTable) Lookup(clientID string) (domain.Order, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.orders[clientID]
	return o, ok
}

// Record stores the order under its client id.
func (t *IdempotencyTable) Record(o domain.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.orders[o.ClientID] = o
}
