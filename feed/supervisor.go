package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"gammaflow/internal/channel"
	"gammaflow/logger"
	"gammaflow/models"
	"gammaflow/store"
)

// State is the supervisor's connection health state.
type State int32

const (
	StateHealthy State = iota
	StateStale
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateStale:
		return "stale"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}

// Config carries the supervisor's tunables; all values come from the
// configuration surface at startup.
type Config struct {
	SubscribeChunkSize     int
	UnsubscribeChunkSize   int
	InterChunkDelay        time.Duration
	HeartbeatInterval      time.Duration
	HeartbeatCheckInterval time.Duration
	StaleMultiplier        int
	ReconnectInterval      time.Duration
}

// HeartbeatState tracks the last received feed event. The monitor loop
// reads it; only the event path writes it.
type HeartbeatState struct {
	mu   sync.RWMutex
	last time.Time
}

func (h *HeartbeatState) record(t time.Time) {
	h.mu.Lock()
	h.last = t
	h.mu.Unlock()
}

// Last returns the arrival time of the most recent feed event.
func (h *HeartbeatState) Last() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.last
}

// Supervisor owns the feed connection lifecycle and the SubscriptionSet.
// Subscribe and Unsubscribe are the only ways the set is mutated.
type Supervisor struct {
	cfg       Config
	transport Transport
	quotes    *store.QuoteStore
	retained  *store.RetainedStore
	channels  *channel.Channels

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	subsMu sync.Mutex
	subs   map[string]struct{}

	heartbeat HeartbeatState
	state     atomic.Int32

	reconnectMu       sync.Mutex
	reconnecting      bool
	reconnectAttempts atomic.Int64

	chunkLimiter *rate.Limiter
}

// NewSupervisor creates a supervisor over the given transport and stores.
func NewSupervisor(cfg Config, transport Transport, quotes *store.QuoteStore, retained *store.RetainedStore, ch *channel.Channels) *Supervisor {
	s := &Supervisor{
		cfg:       cfg,
		transport: transport,
		quotes:    quotes,
		retained:  retained,
		channels:  ch,
		wg:        &sync.WaitGroup{},
		log:       logger.GetLogger(),
		subs:      make(map[string]struct{}),
	}
	if cfg.InterChunkDelay > 0 {
		s.chunkLimiter = rate.NewLimiter(rate.Every(cfg.InterChunkDelay), 1)
	}
	return s
}

// Start connects the transport and launches the event and monitor workers.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already running")
	}
	s.running = true
	s.ctx = ctx
	s.mu.Unlock()

	log := s.log.WithComponent("feed_supervisor").WithFields(logger.Fields{"operation": "start"})

	if err := s.transport.Connect(ctx); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return Transient("connect", err)
	}

	s.heartbeat.record(time.Now())
	s.state.Store(int32(StateHealthy))

	s.wg.Add(1)
	go s.eventWorker()

	s.wg.Add(1)
	go s.monitorWorker()

	log.WithFields(logger.Fields{
		"subscribe_chunk_size": s.cfg.SubscribeChunkSize,
		"heartbeat_interval":   s.cfg.HeartbeatInterval,
		"heartbeat_check":      s.cfg.HeartbeatCheckInterval,
		"reconnect_interval":   s.cfg.ReconnectInterval,
	}).Info("feed supervisor started")
	return nil
}

// Stop waits for the workers to finish and closes the transport.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.WithComponent("feed_supervisor").Info("stopping feed supervisor")
	s.wg.Wait()
	if err := s.transport.Close(); err != nil {
		s.log.WithComponent("feed_supervisor").WithError(err).Warn("transport close failed")
	}
	s.log.WithComponent("feed_supervisor").Info("feed supervisor stopped")
}

// State returns the current connection health state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Heartbeat exposes the heartbeat state for the monitor and diagnostics.
func (s *Supervisor) Heartbeat() *HeartbeatState {
	return &s.heartbeat
}

// ReconnectAttempts reports how many reconnect attempts have been made.
func (s *Supervisor) ReconnectAttempts() int64 {
	return s.reconnectAttempts.Load()
}

// SubscriptionSet returns a sorted copy of the currently subscribed
// contract IDs.
func (s *Supervisor) SubscriptionSet() []string {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Subscribe partitions the contracts into chunks of the configured size and
// issues each chunk with the inter-chunk delay, waiting for each chunk's
// acknowledgement before the next one goes out. Contracts already in the
// SubscriptionSet are skipped, so the set never holds duplicates.
func (s *Supervisor) Subscribe(ctx context.Context, contracts []models.Contract) error {
	ids := make([]string, 0, len(contracts))
	s.subsMu.Lock()
	for _, c := range contracts {
		id := c.ID()
		if _, ok := s.subs[id]; ok {
			continue
		}
		ids = append(ids, id)
	}
	s.subsMu.Unlock()

	return s.subscribeIDs(ctx, ids)
}

func (s *Supervisor) subscribeIDs(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	log := s.log.WithComponent("feed_supervisor").WithFields(logger.Fields{
		"operation": "subscribe",
		"contracts": len(ids),
	})

	for _, chunk := range chunkIDs(ids, s.cfg.SubscribeChunkSize) {
		if err := s.waitChunk(ctx); err != nil {
			return err
		}

		acks, err := s.transport.Subscribe(ctx, chunk)
		if err != nil {
			return Transient("subscribe", err)
		}

		accepted := 0
		s.subsMu.Lock()
		for _, ack := range acks {
			if ack.Err != nil {
				log.WithError(ack.Err).WithFields(logger.Fields{"contract": ack.ContractID}).Warn("subscribe rejected")
				continue
			}
			s.subs[ack.ContractID] = struct{}{}
			accepted++
		}
		s.subsMu.Unlock()

		log.WithFields(logger.Fields{"chunk_size": len(chunk), "accepted": accepted}).Debug("subscribe chunk acknowledged")
	}

	log.Info("subscription complete")
	return nil
}

// SubscribeSymbols subscribes bare underlying topics, which share the
// chunking and acknowledgement path with option contracts.
func (s *Supervisor) SubscribeSymbols(ctx context.Context, symbols []string) error {
	ids := make([]string, 0, len(symbols))
	s.subsMu.Lock()
	for _, sym := range symbols {
		if _, ok := s.subs[sym]; ok {
			continue
		}
		ids = append(ids, sym)
	}
	s.subsMu.Unlock()

	return s.subscribeIDs(ctx, ids)
}

// Unsubscribe is the symmetric operation with its own chunk size.
func (s *Supervisor) Unsubscribe(ctx context.Context, contracts []models.Contract) error {
	ids := make([]string, 0, len(contracts))
	s.subsMu.Lock()
	for _, c := range contracts {
		id := c.ID()
		if _, ok := s.subs[id]; !ok {
			continue
		}
		ids = append(ids, id)
	}
	s.subsMu.Unlock()

	if len(ids) == 0 {
		return nil
	}

	log := s.log.WithComponent("feed_supervisor").WithFields(logger.Fields{
		"operation": "unsubscribe",
		"contracts": len(ids),
	})

	for _, chunk := range chunkIDs(ids, s.cfg.UnsubscribeChunkSize) {
		if err := s.waitChunk(ctx); err != nil {
			return err
		}

		acks, err := s.transport.Unsubscribe(ctx, chunk)
		if err != nil {
			return Transient("unsubscribe", err)
		}

		s.subsMu.Lock()
		for _, ack := range acks {
			if ack.Err != nil {
				log.WithError(ack.Err).WithFields(logger.Fields{"contract": ack.ContractID}).Warn("unsubscribe rejected")
				continue
			}
			delete(s.subs, ack.ContractID)
		}
		s.subsMu.Unlock()
	}

	log.Info("unsubscription complete")
	return nil
}

func (s *Supervisor) waitChunk(ctx context.Context) error {
	if s.chunkLimiter == nil {
		return nil
	}
	return s.chunkLimiter.Wait(ctx)
}

func chunkIDs(ids []string, size int) [][]string {
	if size <= 0 {
		size = len(ids)
	}
	if size <= 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func (s *Supervisor) eventWorker() {
	defer s.wg.Done()

	log := s.log.WithComponent("feed_supervisor").WithFields(logger.Fields{"worker": "events"})
	log.Info("starting event worker")

	for {
		select {
		case <-s.ctx.Done():
			log.Info("event worker stopped due to context cancellation")
			return
		case ev, ok := <-s.transport.Events():
			if !ok {
				log.Info("transport event channel closed")
				return
			}
			s.OnEvent(ev)
		}
	}
}

// OnEvent records the arrival time into the heartbeat state, retains the
// raw message, persists each parsed quote, and forwards the quotes to the
// aggregation path.
func (s *Supervisor) OnEvent(ev Event) {
	now := time.Now()
	s.heartbeat.record(now)
	logger.IncrementFeedEvent(len(ev.Raw.Data))

	log := s.log.WithComponent("feed_supervisor")

	if len(ev.Raw.Data) > 0 {
		if _, err := s.retained.Append(ev.Raw); err != nil {
			// Capacity errors surface to the operator; the quote path
			// keeps going so live data stays fresh.
			log.WithError(err).Error("failed to retain raw message")
		} else {
			logger.IncrementRetainedAppend(len(ev.Raw.Data))
		}
	}

	for _, q := range ev.Quotes {
		if err := s.quotes.Put(q.ContractID, q.Field, q.Value, q.Timestamp); err != nil {
			log.WithError(err).WithFields(logger.Fields{
				"contract": q.ContractID,
				"field":    q.Field,
			}).Error("failed to persist quote")
			continue
		}
		logger.IncrementQuoteWrite()
		s.channels.SendEvent(s.ctx, q)
	}
}

func (s *Supervisor) monitorWorker() {
	defer s.wg.Done()

	log := s.log.WithComponent("feed_supervisor").WithFields(logger.Fields{"worker": "monitor"})
	log.Info("starting heartbeat monitor")

	ticker := time.NewTicker(s.cfg.HeartbeatCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Info("monitor stopped due to context cancellation")
			return
		case <-ticker.C:
			s.checkHeartbeat()
		}
	}
}

func (s *Supervisor) checkHeartbeat() {
	if s.State() == StateReconnecting {
		return
	}

	gap := time.Since(s.heartbeat.Last())
	limit := time.Duration(s.cfg.StaleMultiplier) * s.cfg.HeartbeatInterval
	if gap <= limit {
		s.state.Store(int32(StateHealthy))
		return
	}

	s.state.Store(int32(StateStale))
	s.log.WithComponent("feed_supervisor").WithFields(logger.Fields{
		"gap":   gap.String(),
		"limit": limit.String(),
	}).Warn("feed stale, triggering reconnect")

	s.startReconnect()
}

func (s *Supervisor) startReconnect() {
	s.reconnectMu.Lock()
	if s.reconnecting {
		s.reconnectMu.Unlock()
		return
	}
	s.reconnecting = true
	s.reconnectMu.Unlock()

	s.state.Store(int32(StateReconnecting))
	s.wg.Add(1)
	go s.reconnectLoop()
}

// reconnectLoop retries at the configured interval indefinitely. Every
// successful connection re-subscribes the full current SubscriptionSet in
// chunks; failures are reported and retried, never fatal.
func (s *Supervisor) reconnectLoop() {
	defer s.wg.Done()

	log := s.log.WithComponent("feed_supervisor").WithFields(logger.Fields{"worker": "reconnect"})

	ticker := time.NewTicker(s.cfg.ReconnectInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			log.Info("reconnect loop stopped due to context cancellation")
			s.clearReconnecting()
			return
		case <-ticker.C:
			attempt := s.reconnectAttempts.Add(1)
			if err := s.transport.Connect(s.ctx); err != nil {
				log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("reconnect attempt failed")
				continue
			}

			ids := s.resubscribeSet()
			if err := s.resubscribe(ids); err != nil {
				log.WithError(err).WithFields(logger.Fields{"attempt": attempt}).Warn("resubscription failed")
				continue
			}

			s.heartbeat.record(time.Now())
			s.state.Store(int32(StateHealthy))
			s.clearReconnecting()
			log.WithFields(logger.Fields{"attempt": attempt, "contracts": len(ids)}).Info("feed reconnected")
			return
		}
	}
}

func (s *Supervisor) resubscribeSet() []string {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Supervisor) resubscribe(ids []string) error {
	for _, chunk := range chunkIDs(ids, s.cfg.SubscribeChunkSize) {
		if err := s.waitChunk(s.ctx); err != nil {
			return err
		}
		if _, err := s.transport.Subscribe(s.ctx, chunk); err != nil {
			return Transient("resubscribe", err)
		}
	}
	return nil
}

func (s *Supervisor) clearReconnecting() {
	s.reconnectMu.Lock()
	s.reconnecting = false
	s.reconnectMu.Unlock()
}
