// Package channel wires the pipeline stages together with buffered typed
// channels and tracks send/drop statistics for the backpressure monitor.
package channel

import (
	"context"
	"sync"
	"time"

	"gammaflow/logger"
	"gammaflow/models"
)

type ChannelStats struct {
	EventsSent       int64
	SnapshotsSent    int64
	SnapshotsDropped int64
}

// Channels carries raw quote events from the feed supervisor to the
// orchestrator's workers, and snapshot-changed notifications from the
// aggregator to its subscribers. Quote events are never dropped: SendEvent
// blocks until the event is queued or the context ends, and the
// orchestrator watches EventDepth for backpressure warnings instead.
type Channels struct {
	Events    chan models.QuoteEvent
	Snapshots chan *models.ExposureSnapshot

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(eventBufferSize, snapshotBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Events:    make(chan models.QuoteEvent, eventBufferSize),
		Snapshots: make(chan *models.ExposureSnapshot, snapshotBufferSize),
		log:       log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"event_buffer_size":    eventBufferSize,
		"snapshot_buffer_size": snapshotBufferSize,
	}).Info("pipeline channels initialized")

	return c
}

func (c *Channels) Close() {
	close(c.Events)
	close(c.Snapshots)
	c.log.WithComponent("channels").Info("pipeline channels closed")
}

// SendEvent queues a quote event, blocking while the buffer is full. The
// only way an event is lost is context cancellation during shutdown.
func (c *Channels) SendEvent(ctx context.Context, ev models.QuoteEvent) bool {
	select {
	case c.Events <- ev:
		c.statsMutex.Lock()
		c.stats.EventsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

// SendSnapshot publishes a snapshot notification. Subscribers only ever
// need the most recent snapshot, so a full buffer drops the notification
// and counts it.
func (c *Channels) SendSnapshot(ctx context.Context, snap *models.ExposureSnapshot) bool {
	select {
	case c.Snapshots <- snap:
		c.statsMutex.Lock()
		c.stats.SnapshotsSent++
		c.statsMutex.Unlock()
		return true
	case <-ctx.Done():
		return false
	default:
		c.statsMutex.Lock()
		c.stats.SnapshotsDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// EventDepth reports the current raw event queue depth.
func (c *Channels) EventDepth() int {
	return len(c.Events)
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting periodically publishes channel depths and counters
// through the logger's metric path.
func (c *Channels) StartMetricsReporting(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := c.GetStats()
			c.log.LogMetric("channels", "event_queue_depth", c.EventDepth(), "gauge", logger.Fields{
				"events_sent":       stats.EventsSent,
				"snapshots_sent":    stats.SnapshotsSent,
				"snapshots_dropped": stats.SnapshotsDropped,
			})
		}
	}
}
