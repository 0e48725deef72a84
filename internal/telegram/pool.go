package telegram

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrConnectionBusy means another operation currently owns the
	// account's connection
	ErrConnectionBusy = errors.New("account connection is in use")

	// ErrPoolClosed is returned once Shutdown has run
	ErrPoolClosed = errors.New("client pool is closed")
)

// ClientPool tracks live connections per account with single ownership:
// Checkout hands the connection to exactly one caller until Release. It
// replaces ad hoc shared client maps; teardown is explicit via Shutdown.
type ClientPool struct {
	mu      sync.Mutex
	clients map[uuid.UUID]*pooledClient
	closed  bool
	log     zerolog.Logger
}

type pooledClient struct {
	client Client
	inUse  bool
}

func NewClientPool(log zerolog.Logger) *ClientPool {
	return &ClientPool{
		clients: make(map[uuid.UUID]*pooledClient),
		log:     log.With().Str("component", "client_pool").Logger(),
	}
}

// Put registers a connection for an account, replacing (and closing) any
// idle previous one. Fails if the previous connection is checked out.
func (p *ClientPool) Put(accountID uuid.UUID, client Client) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if existing, ok := p.clients[accountID]; ok {
		if existing.inUse {
			return ErrConnectionBusy
		}
		existing.client.Close()
	}
	p.clients[accountID] = &pooledClient{client: client}
	return nil
}

// Checkout hands the account's live connection to the caller, who must
// Release it. Returns (nil, nil) when no connection is registered.
func (p *ClientPool) Checkout(accountID uuid.UUID) (Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	entry, ok := p.clients[accountID]
	if !ok {
		return nil, nil
	}
	if entry.inUse {
		return nil, ErrConnectionBusy
	}
	entry.inUse = true
	return entry.client, nil
}

// Release returns a checked-out connection to the pool
func (p *ClientPool) Release(accountID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.clients[accountID]; ok {
		entry.inUse = false
	}
}

// Remove closes and forgets the account's connection. Safe when none exists.
func (p *ClientPool) Remove(accountID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.clients[accountID]; ok {
		entry.client.Close()
		delete(p.clients, accountID)
	}
}

// Size reports how many connections the pool currently holds
func (p *ClientPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}

// Shutdown closes every connection and rejects further use
func (p *ClientPool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	for id, entry := range p.clients {
		if err := entry.client.Close(); err != nil {
			p.log.Warn().Err(err).Str("account_id", id.String()).Msg("close failed during shutdown")
		}
	}
	p.clients = make(map[uuid.UUID]*pooledClient)
}
