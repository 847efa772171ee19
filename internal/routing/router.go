// Package routing maps opaque provider account ids onto tenants. The lookup
// table is process-wide mutable state with an explicit lifecycle: populated
// at startup, refreshed on miss, entries expired after a bounded TTL.
package routing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/metrics"
)

// ErrNotRegistered means the account id maps to no tenant. The webhook
// carrying it is rejected outright; no tenant context can be established.
var ErrNotRegistered = errors.New("routing: account not registered")

// TenantContext is the resolved routing target. Every store call after
// resolution executes inside Schema; this is how tenant isolation survives a
// single shared webhook endpoint.
type TenantContext struct {
	TenantID          string
	Schema            string
	ChannelID         string
	ChannelType       model.ChannelType
	ProviderAccountID string
	AccountIdentifier string
}

type cacheEntry struct {
	ctx       TenantContext
	fetchedAt time.Time
}

// Router resolves provider account ids to tenant contexts through a
// read-mostly cache over the shared connections table.
type Router struct {
	store  store.Store
	ttl    time.Duration
	logger *logger.Logger

	mu      sync.RWMutex
	entries map[string]cacheEntry
	flight  singleflight.Group
}

// New creates a Router. Call Rebuild to populate it before serving.
func New(st store.Store, ttl time.Duration, log *logger.Logger) *Router {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Router{
		store:   st,
		ttl:     ttl,
		logger:  log,
		entries: make(map[string]cacheEntry),
	}
}

// Resolve maps a provider account id to its tenant context. Cache misses and
// stale entries fall through to the shared store; an id unknown there returns
// ErrNotRegistered.
func (r *Router) Resolve(ctx context.Context, accountID string) (TenantContext, error) {
	if accountID == "" {
		return TenantContext{}, fmt.Errorf("%w: empty account id", ErrNotRegistered)
	}

	r.mu.RLock()
	entry, ok := r.entries[accountID]
	r.mu.RUnlock()

	if ok {
		if time.Since(entry.fetchedAt) < r.ttl {
			metrics.RecordRouterLookup("hit")
			return entry.ctx, nil
		}
		metrics.RecordRouterLookup("stale")
	} else {
		metrics.RecordRouterLookup("miss")
	}

	return r.refresh(ctx, accountID)
}

// refresh reloads one entry from the shared table. Concurrent misses for the
// same account collapse into a single lookup.
func (r *Router) refresh(ctx context.Context, accountID string) (TenantContext, error) {
	v, err, _ := r.flight.Do(accountID, func() (any, error) {
		return r.lookup(ctx, accountID)
	})
	if err != nil {
		return TenantContext{}, err
	}
	return v.(TenantContext), nil
}

func (r *Router) lookup(ctx context.Context, accountID string) (TenantContext, error) {
	conn, err := r.store.GetConnection(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RecordRouterLookup("not_found")
		return TenantContext{}, fmt.Errorf("%w: %s", ErrNotRegistered, accountID)
	}
	if err != nil {
		// Keep serving a stale entry over failing the webhook on a transient
		// store error.
		r.mu.RLock()
		entry, ok := r.entries[accountID]
		r.mu.RUnlock()
		if ok {
			r.logger.Warn("router refresh failed, serving stale entry",
				zap.String("account_id", accountID), zap.Error(err))
			return entry.ctx, nil
		}
		return TenantContext{}, fmt.Errorf("routing: lookup %s: %w", accountID, err)
	}

	tc := connectionContext(conn)
	r.mu.Lock()
	r.entries[accountID] = cacheEntry{ctx: tc, fetchedAt: time.Now()}
	r.mu.Unlock()
	return tc, nil
}

// Invalidate drops one account's cache entry. Called when a connection is
// updated or removed so the next webhook re-reads the table.
func (r *Router) Invalidate(accountID string) {
	r.mu.Lock()
	delete(r.entries, accountID)
	r.mu.Unlock()
}

// Rebuild replaces the whole cache from the shared connections table.
func (r *Router) Rebuild(ctx context.Context) error {
	conns, err := r.store.ListConnections(ctx)
	if err != nil {
		return fmt.Errorf("routing: rebuild: %w", err)
	}
	now := time.Now()
	entries := make(map[string]cacheEntry, len(conns))
	for i := range conns {
		c := &conns[i]
		entries[c.ProviderAccountID] = cacheEntry{ctx: connectionContext(c), fetchedAt: now}
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()

	metrics.RouterRebuilds.Inc()
	r.logger.Info("routing table rebuilt", zap.Int("accounts", len(entries)))
	return nil
}

// Size reports the number of cached accounts.
func (r *Router) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func connectionContext(c *model.ChannelConnection) TenantContext {
	return TenantContext{
		TenantID:          c.TenantID,
		Schema:            c.TenantSchema,
		ChannelID:         c.ChannelID,
		ChannelType:       c.ChannelType,
		ProviderAccountID: c.ProviderAccountID,
		AccountIdentifier: c.AccountIdentifier,
	}
}
