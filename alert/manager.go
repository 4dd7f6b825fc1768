package alert

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"gammaflow/logger"
	"gammaflow/models"
)

// DeliveryError marks a webhook post that did not reach the receiver.
// It is logged and the notification is retried on the next evaluation
// cycle, never in a tight loop.
type DeliveryError struct {
	URL string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("alert delivery to %s failed: %v", e.URL, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Config carries the alerting thresholds and timing windows. A zero
// threshold disables that predicate.
type Config struct {
	Enabled        bool
	WebhookURL     string
	StartupDelay   time.Duration
	WarmupPeriod   time.Duration
	Cooldown       time.Duration
	GammaThreshold float64
	VannaThreshold float64
	CharmThreshold float64
	RequestTimeout time.Duration
}

// Manager evaluates snapshot totals against configured bounds. It stays
// silent for StartupDelay after construction, then runs a warm-up
// window during which predicates are evaluated but nothing is emitted,
// and only then goes live. Each threshold fires at most once per
// cooldown window.
type Manager struct {
	cfg     Config
	started time.Time
	client  *http.Client
	log     *logger.Log

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewManager creates a manager; the startup clock begins immediately.
func NewManager(cfg Config) *Manager {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		started:  time.Now(),
		client:   &http.Client{Timeout: timeout},
		log:      logger.GetLogger(),
		lastSent: make(map[string]time.Time),
	}
}

type trigger struct {
	name  string
	text  string
	value float64
}

// Evaluate applies every configured predicate to the snapshot totals
// and emits the triggered ones, subject to the phase and cooldown
// rules.
func (m *Manager) Evaluate(snap *models.ExposureSnapshot) {
	if !m.cfg.Enabled || snap == nil {
		return
	}

	now := time.Now()
	since := now.Sub(m.started)
	if since < m.cfg.StartupDelay {
		return
	}

	log := m.log.WithComponent("alert_manager").WithFields(logger.Fields{
		"symbol":  snap.Symbol,
		"version": snap.Version,
	})

	triggers := m.evaluate(snap)

	if since < m.cfg.StartupDelay+m.cfg.WarmupPeriod {
		for _, tr := range triggers {
			log.WithFields(logger.Fields{"threshold": tr.name, "value": tr.value}).Info("warm-up, suppressing alert")
		}
		return
	}

	for _, tr := range triggers {
		m.mu.Lock()
		last, seen := m.lastSent[tr.name]
		if seen && now.Sub(last) < m.cfg.Cooldown {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if err := m.notify(tr.text); err != nil {
			// no lastSent update, the next cycle retries
			log.WithError(err).WithFields(logger.Fields{"threshold": tr.name}).Warn("alert delivery failed")
			continue
		}

		m.mu.Lock()
		m.lastSent[tr.name] = now
		m.mu.Unlock()
		logger.IncrementAlertSent()
		log.WithFields(logger.Fields{"threshold": tr.name, "value": tr.value}).Info("alert sent")
	}
}

func (m *Manager) evaluate(snap *models.ExposureSnapshot) []trigger {
	var triggers []trigger
	check := func(name string, value, bound float64) {
		if bound <= 0 || math.Abs(value) < bound {
			return
		}
		triggers = append(triggers, trigger{
			name:  name,
			value: value,
			text: fmt.Sprintf("%s exposure alert for %s: total %.0f crossed bound %.0f (spot %.2f)",
				name, snap.Symbol, value, bound, snap.Spot),
		})
	}
	check("gamma", snap.Totals.Gamma, m.cfg.GammaThreshold)
	check("vanna", snap.Totals.Vanna, m.cfg.VannaThreshold)
	check("charm", snap.Totals.Charm, m.cfg.CharmThreshold)
	return triggers
}

func (m *Manager) notify(text string) error {
	payload, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return err
	}

	resp, err := m.client.Post(m.cfg.WebhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return &DeliveryError{URL: m.cfg.WebhookURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &DeliveryError{URL: m.cfg.WebhookURL, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}
