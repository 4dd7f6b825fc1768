package wsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"gammaflow/feed"
	"gammaflow/logger"
	"gammaflow/models"
)

// Client is a websocket implementation of feed.Transport. It speaks a
// JSON frame protocol: subscribe/unsubscribe requests carry a request ID
// and the server answers with an ack frame carrying the same ID and a
// per-contract result list. Quote frames arrive unsolicited.
type Client struct {
	url          string
	ackTimeout   time.Duration
	pingInterval time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	events chan feed.Event

	pendingMu sync.Mutex
	pending   map[string]chan ackFrame

	readDone chan struct{}
	closed   bool

	log *logger.Log
}

type requestFrame struct {
	Op        string   `json:"op"`
	RequestID string   `json:"request_id"`
	Contracts []string `json:"contracts"`
}

type ackFrame struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	Results   []struct {
		Contract string `json:"contract"`
		Error    string `json:"error,omitempty"`
	} `json:"results"`
}

type quoteFrame struct {
	Op        string            `json:"op"`
	Contract  string            `json:"contract"`
	Fields    map[string]string `json:"fields"`
	Timestamp int64             `json:"ts"`
}

// NewClient creates a client for the given websocket endpoint.
func NewClient(url string, ackTimeout, pingInterval time.Duration) *Client {
	return &Client{
		url:          url,
		ackTimeout:   ackTimeout,
		pingInterval: pingInterval,
		events:       make(chan feed.Event, 1024),
		pending:      make(map[string]chan ackFrame),
		log:          logger.GetLogger(),
	}
}

// Connect dials the endpoint and starts the read and ping loops. A
// previous connection, if any, is torn down first so the supervisor can
// call Connect again during reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	log := c.log.WithComponent("ws_feed").WithFields(logger.Fields{"url": c.url})

	if c.conn != nil {
		c.conn.Close()
		<-c.readDone
		c.conn = nil
	}

	dialer := websocket.Dialer{}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return feed.Transient("dial", err)
	}

	c.conn = conn
	c.readDone = make(chan struct{})

	go c.readLoop(conn, c.readDone)
	go c.pingLoop(ctx, conn, c.readDone)

	log.Info("feed websocket connected")
	return nil
}

// Subscribe sends one subscribe frame for the given contracts and waits
// for its acknowledgement.
func (c *Client) Subscribe(ctx context.Context, ids []string) ([]feed.Ack, error) {
	return c.request(ctx, "subscribe", ids)
}

// Unsubscribe sends one unsubscribe frame and waits for its
// acknowledgement.
func (c *Client) Unsubscribe(ctx context.Context, ids []string) ([]feed.Ack, error) {
	return c.request(ctx, "unsubscribe", ids)
}

func (c *Client) request(ctx context.Context, op string, ids []string) ([]feed.Ack, error) {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()
	if conn == nil {
		return nil, feed.Transient(op, fmt.Errorf("not connected"))
	}

	reqID := uuid.New().String()
	ch := make(chan ackFrame, 1)

	c.pendingMu.Lock()
	c.pending[reqID] = ch
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, reqID)
		c.pendingMu.Unlock()
	}()

	frame := requestFrame{Op: op, RequestID: reqID, Contracts: ids}
	if err := conn.WriteJSON(frame); err != nil {
		return nil, feed.Transient(op, err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, feed.Transient(op, fmt.Errorf("ack timeout after %s", c.ackTimeout))
	case ack := <-ch:
		acks := make([]feed.Ack, 0, len(ack.Results))
		for _, res := range ack.Results {
			a := feed.Ack{ContractID: res.Contract}
			if res.Error != "" {
				a.Err = fmt.Errorf("%s", res.Error)
			}
			acks = append(acks, a)
		}
		return acks, nil
	}
}

// Events returns the stream of parsed feed events.
func (c *Client) Events() <-chan feed.Event {
	return c.events
}

// Close tears down the connection and closes the event stream.
func (c *Client) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		<-c.readDone
		c.conn = nil
	}
	close(c.events)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	log := c.log.WithComponent("ws_feed").WithFields(logger.Fields{"worker": "read_loop"})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.WithError(err).Warn("websocket read error")
			}
			return
		}
		c.handleFrame(conn, msg)
	}
}

func (c *Client) handleFrame(conn *websocket.Conn, msg []byte) {
	var base struct {
		Op string `json:"op"`
	}
	if err := json.Unmarshal(msg, &base); err != nil {
		c.log.WithComponent("ws_feed").WithError(err).Debug("failed to decode frame")
		return
	}

	switch base.Op {
	case "ping":
		conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"pong"}`))
	case "ack":
		var ack ackFrame
		if err := json.Unmarshal(msg, &ack); err != nil {
			c.log.WithComponent("ws_feed").WithError(err).Debug("failed to decode ack frame")
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[ack.RequestID]
		c.pendingMu.Unlock()
		if ok {
			ch <- ack
		}
	case "quote":
		var q quoteFrame
		if err := json.Unmarshal(msg, &q); err != nil {
			c.log.WithComponent("ws_feed").WithError(err).Debug("failed to decode quote frame")
			return
		}
		c.emitQuote(q, msg)
	default:
		c.log.WithComponent("ws_feed").WithFields(logger.Fields{"op": base.Op}).Debug("unhandled frame")
	}
}

// emitQuote normalizes a quote frame into per-field events. Fields that
// fail normalization are skipped; the rest of the frame still flows.
func (c *Client) emitQuote(q quoteFrame, raw []byte) {
	ts := time.UnixMilli(q.Timestamp)
	if q.Timestamp == 0 {
		ts = time.Now()
	}

	quotes := make([]models.QuoteEvent, 0, len(q.Fields))
	for name, text := range q.Fields {
		field := models.Field(name)
		value, ok := models.ParseFieldValue(field, text)
		if !ok {
			c.log.WithComponent("ws_feed").WithFields(logger.Fields{
				"contract": q.Contract,
				"field":    name,
				"value":    text,
			}).Debug("discarding unparseable field")
			continue
		}
		quotes = append(quotes, models.QuoteEvent{
			ContractID: q.Contract,
			Field:      field,
			Value:      value,
			Timestamp:  ts,
		})
	}

	ev := feed.Event{
		Raw: models.RawFeedMessage{
			Source:    "ws",
			Data:      raw,
			Timestamp: ts,
		},
		Quotes: quotes,
	}

	select {
	case c.events <- ev:
	default:
		c.log.WithComponent("ws_feed").Warn("event channel full, dropping frame")
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ping"}`))
		}
	}
}
