package routing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/model"
	"github.com/N0tion-Oneo/oneo-crm-sub005/internal/store"
	"github.com/N0tion-Oneo/oneo-crm-sub005/pkg/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("error")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func seedStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	st := store.NewMemory()
	err := st.UpsertConnection(context.Background(), &model.ChannelConnection{
		ProviderAccountID: "acct-wa-1",
		TenantID:          "tenant-a",
		TenantSchema:      "tenant_a",
		ChannelID:         "chan-1",
		ChannelType:       model.ChannelWhatsApp,
		AccountIdentifier: "+14155552671",
		AuthStatus:        model.AuthStatusConnected,
	})
	if err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}
	return st
}

func TestResolveKnownAccount(t *testing.T) {
	st := seedStore(t)
	r := New(st, time.Minute, testLogger(t))

	tc, err := r.Resolve(context.Background(), "acct-wa-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tc.TenantID != "tenant-a" || tc.Schema != "tenant_a" || tc.ChannelID != "chan-1" {
		t.Fatalf("unexpected context: %+v", tc)
	}
	if tc.AccountIdentifier != "+14155552671" {
		t.Fatalf("account identifier = %q", tc.AccountIdentifier)
	}
}

func TestResolveUnknownAccount(t *testing.T) {
	r := New(seedStore(t), time.Minute, testLogger(t))

	_, err := r.Resolve(context.Background(), "acct-unknown")
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestRebuildPopulatesCache(t *testing.T) {
	st := seedStore(t)
	r := New(st, time.Minute, testLogger(t))

	if err := r.Rebuild(context.Background()); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if r.Size() != 1 {
		t.Fatalf("cache size = %d, want 1", r.Size())
	}
}

func TestInvalidatePicksUpNewMapping(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)
	r := New(st, time.Hour, testLogger(t))

	if _, err := r.Resolve(ctx, "acct-wa-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// Reconnection moves the account to a different channel record.
	err := st.UpsertConnection(ctx, &model.ChannelConnection{
		ProviderAccountID: "acct-wa-1",
		TenantID:          "tenant-a",
		TenantSchema:      "tenant_a",
		ChannelID:         "chan-2",
		ChannelType:       model.ChannelWhatsApp,
		AuthStatus:        model.AuthStatusConnected,
	})
	if err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	// Without invalidation the hour-long TTL would serve the old channel.
	tc, err := r.Resolve(ctx, "acct-wa-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tc.ChannelID != "chan-1" {
		t.Fatalf("expected cached entry before invalidation, got %q", tc.ChannelID)
	}

	r.Invalidate("acct-wa-1")
	tc, err = r.Resolve(ctx, "acct-wa-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tc.ChannelID != "chan-2" {
		t.Fatalf("invalidation did not refresh: %q", tc.ChannelID)
	}
}

func TestStaleEntryRefreshes(t *testing.T) {
	ctx := context.Background()
	st := seedStore(t)
	r := New(st, time.Nanosecond, testLogger(t))

	if _, err := r.Resolve(ctx, "acct-wa-1"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	err := st.UpsertConnection(ctx, &model.ChannelConnection{
		ProviderAccountID: "acct-wa-1",
		TenantID:          "tenant-a",
		TenantSchema:      "tenant_a",
		ChannelID:         "chan-2",
		ChannelType:       model.ChannelWhatsApp,
		AuthStatus:        model.AuthStatusConnected,
	})
	if err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	time.Sleep(time.Millisecond)
	tc, err := r.Resolve(ctx, "acct-wa-1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tc.ChannelID != "chan-2" {
		t.Fatalf("stale entry served beyond TTL: %q", tc.ChannelID)
	}
}

// gatedStore blocks GetConnection until released so concurrent misses pile
// up behind one in-flight lookup.
type gatedStore struct {
	store.Store
	entered chan struct{}
	release chan struct{}
	calls   int32
}

func (g *gatedStore) GetConnection(ctx context.Context, id string) (*model.ChannelConnection, error) {
	atomic.AddInt32(&g.calls, 1)
	g.entered <- struct{}{}
	<-g.release
	return g.Store.GetConnection(ctx, id)
}

func TestResolveMissesShareOneLookup(t *testing.T) {
	gs := &gatedStore{
		Store:   seedStore(t),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	r := New(gs, time.Minute, testLogger(t))

	var wg sync.WaitGroup
	resolve := func() {
		defer wg.Done()
		if _, err := r.Resolve(context.Background(), "acct-wa-1"); err != nil {
			t.Errorf("Resolve: %v", err)
		}
	}

	wg.Add(1)
	go resolve()
	<-gs.entered

	// A second miss while the first lookup is in flight must join it.
	wg.Add(1)
	go resolve()
	time.Sleep(20 * time.Millisecond)
	close(gs.release)
	wg.Wait()

	if n := atomic.LoadInt32(&gs.calls); n != 1 {
		t.Fatalf("GetConnection called %d times, want 1", n)
	}
}

func TestResolveConcurrent(t *testing.T) {
	st := seedStore(t)
	r := New(st, time.Minute, testLogger(t))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Resolve(context.Background(), "acct-wa-1"); err != nil {
				t.Errorf("Resolve: %v", err)
			}
		}()
	}
	wg.Wait()
}
