package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gammaflow/internal/channel"
	"gammaflow/models"
	"gammaflow/store"
)

// fakeTransport records subscribe chunks and lets tests inject connect
// failures and events.
type fakeTransport struct {
	mu              sync.Mutex
	connectCalls    int
	connectFailures int
	subscribeChunks [][]string
	unsubChunks     [][]string
	events          chan Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan Event, 64)}
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connectCalls++
	if f.connectFailures > 0 {
		f.connectFailures--
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, ids []string) ([]Ack, error) {
	f.mu.Lock()
	chunk := append([]string(nil), ids...)
	f.subscribeChunks = append(f.subscribeChunks, chunk)
	f.mu.Unlock()

	acks := make([]Ack, 0, len(ids))
	for _, id := range ids {
		acks = append(acks, Ack{ContractID: id})
	}
	return acks, nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, ids []string) ([]Ack, error) {
	f.mu.Lock()
	chunk := append([]string(nil), ids...)
	f.unsubChunks = append(f.unsubChunks, chunk)
	f.mu.Unlock()

	acks := make([]Ack, 0, len(ids))
	for _, id := range ids {
		acks = append(acks, Ack{ContractID: id})
	}
	return acks, nil
}

func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) Close() error { return nil }

func (f *fakeTransport) subChunkSizes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	sizes := make([]int, 0, len(f.subscribeChunks))
	for _, c := range f.subscribeChunks {
		sizes = append(sizes, len(c))
	}
	return sizes
}

func (f *fakeTransport) connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connectCalls
}

func testStores(t *testing.T) (*store.QuoteStore, *store.RetainedStore) {
	t.Helper()
	qs, err := store.OpenQuoteStore(t.TempDir(), 0)
	if err != nil {
		t.Fatalf("open quote store: %v", err)
	}
	rs, err := store.OpenRetainedStore(t.TempDir(), 0, time.Hour)
	if err != nil {
		t.Fatalf("open retained store: %v", err)
	}
	t.Cleanup(func() {
		qs.Close()
		rs.Close()
	})
	return qs, rs
}

func testChain(n int) []models.Contract {
	expiry := time.Date(2025, 6, 20, 0, 0, 0, 0, time.UTC)
	contracts := make([]models.Contract, 0, n)
	for i := 0; i < n; i++ {
		contracts = append(contracts, models.Contract{
			Underlying: "SPY",
			Expiry:     expiry,
			Strike:     float64(400 + i),
			Right:      models.Call,
		})
	}
	return contracts
}

func newTestSupervisor(t *testing.T, cfg Config, transport Transport) (*Supervisor, *channel.Channels) {
	t.Helper()
	qs, rs := testStores(t)
	ch := channel.NewChannels(256, 8)
	return NewSupervisor(cfg, transport, qs, rs, ch), ch
}

func TestSubscribePartitionsIntoChunks(t *testing.T) {
	transport := newFakeTransport()
	cfg := Config{
		SubscribeChunkSize:     4,
		UnsubscribeChunkSize:   4,
		HeartbeatInterval:      time.Second,
		HeartbeatCheckInterval: time.Hour,
		StaleMultiplier:        3,
		ReconnectInterval:      time.Hour,
	}
	sup, _ := newTestSupervisor(t, cfg, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		sup.Stop()
	}()

	if err := sup.Subscribe(ctx, testChain(10)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	sizes := transport.subChunkSizes()
	want := []int{4, 4, 2}
	if len(sizes) != len(want) {
		t.Fatalf("chunk count = %d, want %d (%v)", len(sizes), len(want), sizes)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Fatalf("chunk %d size = %d, want %d", i, sizes[i], want[i])
		}
	}
	if got := len(sup.SubscriptionSet()); got != 10 {
		t.Fatalf("subscription set size = %d, want 10", got)
	}
}

func TestSubscribeSkipsDuplicates(t *testing.T) {
	transport := newFakeTransport()
	cfg := Config{
		SubscribeChunkSize:     100,
		UnsubscribeChunkSize:   100,
		HeartbeatInterval:      time.Second,
		HeartbeatCheckInterval: time.Hour,
		StaleMultiplier:        3,
		ReconnectInterval:      time.Hour,
	}
	sup, _ := newTestSupervisor(t, cfg, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		sup.Stop()
	}()

	chain := testChain(5)
	if err := sup.Subscribe(ctx, chain); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sup.Subscribe(ctx, chain); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}

	if got := len(sup.SubscriptionSet()); got != 5 {
		t.Fatalf("subscription set size = %d, want 5", got)
	}
	// Second call had nothing new to send.
	if got := len(transport.subChunkSizes()); got != 1 {
		t.Fatalf("subscribe chunks = %d, want 1", got)
	}
}

func TestUnsubscribeRemovesFromSet(t *testing.T) {
	transport := newFakeTransport()
	cfg := Config{
		SubscribeChunkSize:     100,
		UnsubscribeChunkSize:   2,
		HeartbeatInterval:      time.Second,
		HeartbeatCheckInterval: time.Hour,
		StaleMultiplier:        3,
		ReconnectInterval:      time.Hour,
	}
	sup, _ := newTestSupervisor(t, cfg, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		sup.Stop()
	}()

	chain := testChain(4)
	if err := sup.Subscribe(ctx, chain); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := sup.Unsubscribe(ctx, chain[:3]); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if got := len(sup.SubscriptionSet()); got != 1 {
		t.Fatalf("subscription set size = %d, want 1", got)
	}

	transport.mu.Lock()
	unsubChunks := len(transport.unsubChunks)
	transport.mu.Unlock()
	if unsubChunks != 2 {
		t.Fatalf("unsubscribe chunks = %d, want 2", unsubChunks)
	}
}

func TestOnEventPersistsAndForwards(t *testing.T) {
	transport := newFakeTransport()
	cfg := Config{
		SubscribeChunkSize:     100,
		UnsubscribeChunkSize:   100,
		HeartbeatInterval:      time.Second,
		HeartbeatCheckInterval: time.Hour,
		StaleMultiplier:        3,
		ReconnectInterval:      time.Hour,
	}
	sup, ch := newTestSupervisor(t, cfg, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		sup.Stop()
	}()

	ts := time.Now()
	transport.events <- Event{
		Raw: models.RawFeedMessage{Source: "test", Data: []byte("frame"), Timestamp: ts},
		Quotes: []models.QuoteEvent{
			{ContractID: ".SPY250620C500", Field: models.FieldGamma, Value: 0.05, Timestamp: ts},
		},
	}

	select {
	case q := <-ch.Events:
		if q.ContractID != ".SPY250620C500" || q.Value != 0.05 {
			t.Fatalf("unexpected forwarded event: %+v", q)
		}
	case <-time.After(time.Second):
		t.Fatal("event not forwarded")
	}

	rec, err := sup.quotes.Get(".SPY250620C500", models.FieldGamma)
	if err != nil {
		t.Fatalf("quote not persisted: %v", err)
	}
	if rec.Value != 0.05 {
		t.Fatalf("persisted value = %v", rec.Value)
	}

	if sup.Heartbeat().Last().IsZero() {
		t.Fatal("heartbeat not recorded")
	}
}

func TestHeartbeatGapTriggersReconnectAndResubscribe(t *testing.T) {
	transport := newFakeTransport()
	transport.connectFailures = 0

	cfg := Config{
		SubscribeChunkSize:     3,
		UnsubscribeChunkSize:   3,
		HeartbeatInterval:      5 * time.Millisecond,
		HeartbeatCheckInterval: 10 * time.Millisecond,
		StaleMultiplier:        2,
		ReconnectInterval:      15 * time.Millisecond,
	}
	sup, _ := newTestSupervisor(t, cfg, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		sup.Stop()
	}()

	if err := sup.Subscribe(ctx, testChain(7)); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	before := len(transport.subChunkSizes())

	// No events arrive; the monitor must declare the feed stale and
	// reconnect, then resubscribe all 7 contracts in chunks of 3.
	recovered := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.ReconnectAttempts() > 0 && sup.State() == StateHealthy {
			recovered = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if sup.ReconnectAttempts() == 0 {
		t.Fatal("no reconnect attempt after heartbeat gap")
	}
	if !recovered {
		t.Fatalf("never observed healthy state after reconnect, state = %s", sup.State())
	}

	sizes := transport.subChunkSizes()[before:]
	if len(sizes) == 0 {
		t.Fatal("no resubscription after reconnect")
	}
	total := 0
	for _, n := range sizes {
		if n > 3 {
			t.Fatalf("resubscribe chunk too large: %d", n)
		}
		total += n
	}
	// The silent feed may go stale again and resubscribe more than once;
	// every pass must cover the full 7-contract set.
	if total%7 != 0 {
		t.Fatalf("resubscribed %d contracts, want multiple of 7 (chunks %v)", total, sizes)
	}
}

func TestReconnectRetriesOnFailure(t *testing.T) {
	transport := newFakeTransport()

	cfg := Config{
		SubscribeChunkSize:     10,
		UnsubscribeChunkSize:   10,
		HeartbeatInterval:      5 * time.Millisecond,
		HeartbeatCheckInterval: 10 * time.Millisecond,
		StaleMultiplier:        2,
		ReconnectInterval:      10 * time.Millisecond,
	}
	sup, _ := newTestSupervisor(t, cfg, transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		cancel()
		sup.Stop()
	}()

	// Fail the next two connect attempts; the loop must keep retrying
	// and eventually recover.
	transport.mu.Lock()
	transport.connectFailures = 2
	transport.mu.Unlock()

	recovered := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if sup.ReconnectAttempts() >= 3 && sup.State() == StateHealthy {
			recovered = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if got := sup.ReconnectAttempts(); got < 3 {
		t.Fatalf("reconnect attempts = %d, want >= 3", got)
	}
	if !recovered {
		t.Fatalf("never observed healthy state after retries, state = %s", sup.State())
	}
}

func TestTransientErrorClassification(t *testing.T) {
	err := Transient("connect", errors.New("boom"))
	if !IsTransient(err) {
		t.Fatal("expected transient")
	}
	if IsTransient(errors.New("plain")) {
		t.Fatal("plain error must not be transient")
	}
	if Transient("connect", nil) != nil {
		t.Fatal("nil passthrough broken")
	}
}
