package wsfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"gammaflow/models"
)

type serverFrame struct {
	Op        string   `json:"op"`
	RequestID string   `json:"request_id"`
	Contracts []string `json:"contracts"`
}

// echoAckServer acks every subscribe/unsubscribe with per-contract
// results, rejecting contracts listed in reject.
func echoAckServer(t *testing.T, reject map[string]string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req serverFrame
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			if req.Op != "subscribe" && req.Op != "unsubscribe" {
				continue
			}
			results := make([]map[string]string, 0, len(req.Contracts))
			for _, id := range req.Contracts {
				res := map[string]string{"contract": id}
				if reason, bad := reject[id]; bad {
					res["error"] = reason
				}
				results = append(results, res)
			}
			conn.WriteJSON(map[string]interface{}{
				"op":         "ack",
				"request_id": req.RequestID,
				"results":    results,
			})
		}
	}))
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSubscribeAckRoundTrip(t *testing.T) {
	srv := echoAckServer(t, map[string]string{".SPY250620C510": "unknown contract"})
	defer srv.Close()

	client := NewClient(wsURL(srv), 2*time.Second, time.Minute)
	ctx := context.Background()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	acks, err := client.Subscribe(ctx, []string{".SPY250620C500", ".SPY250620C510"})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if len(acks) != 2 {
		t.Fatalf("acks = %d, want 2", len(acks))
	}
	byID := make(map[string]error, len(acks))
	for _, a := range acks {
		byID[a.ContractID] = a.Err
	}
	if byID[".SPY250620C500"] != nil {
		t.Fatalf("accepted contract carried error: %v", byID[".SPY250620C500"])
	}
	if byID[".SPY250620C510"] == nil {
		t.Fatal("rejected contract carried no error")
	}
}

func TestQuoteFrameParsedIntoFieldEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]interface{}{
			"op":       "quote",
			"contract": ".SPY250620C500",
			"ts":       time.Now().UnixMilli(),
			"fields": map[string]string{
				"GAMMA":    "0.042",
				"OPEN_INT": "1500",
				"BID":      "N/A",
			},
		})
		// keep the connection open until the client disconnects
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient(wsURL(srv), time.Second, time.Minute)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	select {
	case ev := <-client.Events():
		// the N/A bid must be dropped, the other two parsed
		if len(ev.Quotes) != 2 {
			t.Fatalf("quotes = %d, want 2: %+v", len(ev.Quotes), ev.Quotes)
		}
		values := make(map[models.Field]float64, len(ev.Quotes))
		for _, q := range ev.Quotes {
			if q.ContractID != ".SPY250620C500" {
				t.Fatalf("wrong contract: %s", q.ContractID)
			}
			values[q.Field] = q.Value
		}
		if values[models.FieldGamma] != 0.042 {
			t.Fatalf("gamma = %v", values[models.FieldGamma])
		}
		if values[models.FieldOpenInt] != 1500 {
			t.Fatalf("open interest = %v", values[models.FieldOpenInt])
		}
		if len(ev.Raw.Data) == 0 {
			t.Fatal("raw frame not retained")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

func TestSubscribeAckTimeout(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// swallow requests without acking
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	client := NewClient(wsURL(srv), 50*time.Millisecond, time.Minute)
	if err := client.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	_, err := client.Subscribe(context.Background(), []string{".SPY250620C500"})
	if err == nil {
		t.Fatal("expected ack timeout")
	}
}

func TestSubscribeWithoutConnect(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1", time.Second, time.Minute)
	if _, err := client.Subscribe(context.Background(), []string{".SPY250620C500"}); err == nil {
		t.Fatal("expected error when not connected")
	}
}
