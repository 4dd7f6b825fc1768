package aggregator

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"gammaflow/feed"
	"gammaflow/greeks"
	"gammaflow/internal/channel"
	"gammaflow/logger"
	"gammaflow/models"
	"gammaflow/store"
)

// HealthSource reports the feed connection state so snapshots can carry
// an explicit staleness flag.
type HealthSource interface {
	State() feed.State
}

// Config carries the aggregation inputs that are not per-refresh
// arguments.
type Config struct {
	RiskFreeRate  float64
	DividendYield float64
}

// Aggregator turns the quote store's per-contract state into per-strike
// exposure snapshots. Snapshots are immutable once published and swapped
// in atomically, so LatestSnapshot never observes a partial refresh.
type Aggregator struct {
	cfg      Config
	quotes   *store.QuoteStore
	policy   SignPolicy
	health   HealthSource
	channels *channel.Channels
	log      *logger.Log

	version atomic.Uint64

	snapMu    sync.RWMutex
	snapshots map[string]*atomic.Pointer[models.ExposureSnapshot]

	subMu       sync.Mutex
	subscribers []chan *models.ExposureSnapshot
}

// New creates an aggregator over the quote store. policy may be nil, in
// which case the dealer-positioning default applies. health may be nil
// when no feed supervisor is wired, e.g. in replay tooling.
func New(cfg Config, quotes *store.QuoteStore, policy SignPolicy, health HealthSource, ch *channel.Channels) *Aggregator {
	if policy == nil {
		policy = DealerPositioning{}
	}
	return &Aggregator{
		cfg:       cfg,
		quotes:    quotes,
		policy:    policy,
		health:    health,
		channels:  ch,
		log:       logger.GetLogger(),
		snapshots: make(map[string]*atomic.Pointer[models.ExposureSnapshot]),
	}
}

// contractState accumulates the fields seen for one contract during a
// scan.
type contractState struct {
	contract models.Contract
	fields   map[models.Field]float64
}

// Refresh reads every quote for the symbol's chain root, applies the
// fallback engine where feed Greeks are missing, sums per-strike
// exposures, and publishes a new snapshot. strikeRange and spacing are
// filters on the scanned contracts, not stored state.
func (a *Aggregator) Refresh(symbol string, expiry time.Time, strikeRange, spacing float64) (*models.ExposureSnapshot, error) {
	start := time.Now()
	log := a.log.WithComponent("aggregator").WithFields(logger.Fields{
		"operation": "refresh",
		"symbol":    symbol,
		"expiry":    expiry.Format("2006-01-02"),
	})

	spotRec, err := a.quotes.Get(symbol, models.FieldLast)
	if err != nil {
		return nil, fmt.Errorf("spot price unavailable for %s: %w", symbol, err)
	}
	spot := spotRec.Value
	if spot <= 0 {
		return nil, fmt.Errorf("spot price unavailable for %s: non-positive last %v", symbol, spot)
	}

	root := models.ChainRoot(symbol, expiry)
	expiryDay := expiry.Format("060102")

	contracts := make(map[string]*contractState)
	err = a.quotes.Scan(root, func(rec models.QuoteRecord) bool {
		c, err := models.ParseContractID(rec.ContractID)
		if err != nil {
			// underlying quote rows and malformed keys
			return true
		}
		if c.Expiry.Format("060102") != expiryDay {
			return true
		}
		if strikeRange > 0 && math.Abs(c.Strike-spot) > strikeRange {
			return true
		}
		if spacing > 0 && !onGrid(c.Strike, spacing) {
			return true
		}
		st, ok := contracts[rec.ContractID]
		if !ok {
			st = &contractState{contract: c, fields: make(map[models.Field]float64, 8)}
			contracts[rec.ContractID] = st
		}
		st.fields[rec.Field] = rec.Value
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("quote scan failed for %s: %w", root, err)
	}

	now := time.Now()
	buckets := make(map[float64]*models.StrikeExposure)
	diag := models.SnapshotDiagnostics{ContractsSeen: len(contracts)}

	for id, st := range contracts {
		row, fallback, err := a.greeksFor(st, spot, now)
		if err != nil {
			diag.ContractsExcluded++
			log.WithFields(logger.Fields{"contract": id}).Debug("contract excluded from cycle")
			continue
		}
		if fallback {
			diag.FallbackComputes++
			logger.IncrementFallbackCompute()
		}

		oi := st.fields[models.FieldOpenInt]
		iv := st.fields[models.FieldImplVol]
		strike := st.contract.Strike
		right := st.contract.Right

		b, ok := buckets[strike]
		if !ok {
			b = &models.StrikeExposure{Strike: strike}
			buckets[strike] = b
		}
		b.Gamma += a.policy.GammaSign(right) * oi * row.Gamma * 100 * spot * spot * 0.01
		b.Vanna += a.policy.VannaSign(right) * oi * row.Vanna * 100 * spot * iv
		b.Charm += a.policy.CharmSign(right) * oi * row.Charm * 100 * spot
	}

	if a.health != nil && a.health.State() != feed.StateHealthy {
		diag.FeedStale = true
	}

	strikes := make([]models.StrikeExposure, 0, len(buckets))
	for _, b := range buckets {
		strikes = append(strikes, *b)
	}
	sort.Slice(strikes, func(i, j int) bool { return strikes[i].Strike < strikes[j].Strike })

	var totals models.ExposureTotals
	for _, s := range strikes {
		totals.Gamma += s.Gamma
		totals.Vanna += s.Vanna
		totals.Charm += s.Charm
	}

	snap := &models.ExposureSnapshot{
		ID:          uuid.New().String(),
		Version:     a.version.Add(1),
		Symbol:      symbol,
		Expiry:      expiry,
		Spot:        spot,
		Strikes:     strikes,
		Totals:      totals,
		Diagnostics: diag,
		GeneratedAt: now,
	}

	a.publish(snap)
	logger.IncrementRefresh()

	log.WithFields(logger.Fields{
		"version":   snap.Version,
		"strikes":   len(strikes),
		"seen":      diag.ContractsSeen,
		"excluded":  diag.ContractsExcluded,
		"fallbacks": diag.FallbackComputes,
		"stale":     diag.FeedStale,
		"elapsed":   time.Since(start).String(),
	}).Info("exposure snapshot refreshed")

	return snap, nil
}

// greeksFor resolves the gamma, vanna and charm for a contract, taking
// feed-supplied values when present and finite and invoking the
// Black-Scholes fallback for the rest. Contracts without implied
// volatility cannot be valued and are excluded.
func (a *Aggregator) greeksFor(st *contractState, spot float64, now time.Time) (greeks.Greeks, bool, error) {
	var row greeks.Greeks
	have := func(f models.Field) (float64, bool) {
		v, ok := st.fields[f]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, false
		}
		return v, true
	}

	iv, hasIV := have(models.FieldImplVol)
	gamma, hasGamma := have(models.FieldGamma)
	vanna, hasVanna := have(models.FieldVanna)
	charm, hasCharm := have(models.FieldCharm)

	if !hasIV {
		return row, false, greeks.ErrInsufficientInputs
	}
	if hasGamma && hasVanna && hasCharm {
		row.Gamma, row.Vanna, row.Charm = gamma, vanna, charm
		return row, false, nil
	}

	computed, err := greeks.Compute(greeks.Inputs{
		Spot:          spot,
		Strike:        st.contract.Strike,
		TimeToExpiry:  greeks.TimeToExpiry(st.contract.Expiry, now),
		RiskFreeRate:  a.cfg.RiskFreeRate,
		DividendYield: a.cfg.DividendYield,
		ImpliedVol:    iv,
		Right:         st.contract.Right,
	})
	if err != nil {
		return row, false, err
	}

	row = computed
	if hasGamma {
		row.Gamma = gamma
	}
	if hasVanna {
		row.Vanna = vanna
	}
	if hasCharm {
		row.Charm = charm
	}
	return row, true, nil
}

func (a *Aggregator) publish(snap *models.ExposureSnapshot) {
	a.snapMu.Lock()
	ptr, ok := a.snapshots[snap.Symbol]
	if !ok {
		ptr = &atomic.Pointer[models.ExposureSnapshot]{}
		a.snapshots[snap.Symbol] = ptr
	}
	a.snapMu.Unlock()

	ptr.Store(snap)

	if a.channels != nil {
		a.channels.SendSnapshot(context.Background(), snap)
	}

	a.subMu.Lock()
	for _, ch := range a.subscribers {
		select {
		case ch <- snap:
		default:
		}
	}
	a.subMu.Unlock()
}

// LatestSnapshot returns the most recently published snapshot for the
// symbol without blocking, or nil when none has been produced yet.
func (a *Aggregator) LatestSnapshot(symbol string) *models.ExposureSnapshot {
	a.snapMu.RLock()
	ptr, ok := a.snapshots[symbol]
	a.snapMu.RUnlock()
	if !ok {
		return nil
	}
	return ptr.Load()
}

// SubscribeUpdates returns a channel that receives every snapshot
// published after the call. Slow consumers miss updates rather than
// stalling the refresh path.
func (a *Aggregator) SubscribeUpdates(buffer int) <-chan *models.ExposureSnapshot {
	ch := make(chan *models.ExposureSnapshot, buffer)
	a.subMu.Lock()
	a.subscribers = append(a.subscribers, ch)
	a.subMu.Unlock()
	return ch
}

func onGrid(strike, spacing float64) bool {
	r := math.Mod(strike, spacing)
	const eps = 1e-9
	return r < eps || spacing-r < eps
}
