package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"coinwatch/internal/cache"
	"coinwatch/internal/events"
	"coinwatch/internal/stream"
)

type fixture struct {
	srv   *httptest.Server
	hub   *stream.Hub
	cache *cache.MemoryCache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hub := stream.NewHub(8, zerolog.Nop())
	mem := cache.NewMemoryCache(cache.Options{PollInterval: 15 * time.Second}, nil)
	api := New(Options{QuoteCurrency: "usd", Heartbeat: time.Hour}, mem, hub, zerolog.Nop())
	srv := httptest.NewServer(api.Router())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &fixture{srv: srv, hub: hub, cache: mem}
}

func (f *fixture) waitForSubscribers(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.hub.Len() != n {
		if time.Now().After(deadline) {
			t.Fatalf("want %d subscribers, have %d", n, f.hub.Len())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func sampleTick() events.PriceTick {
	return events.PriceTick{AssetID: "bitcoin", QuoteCurrency: "usd", Price: 51000, ObservedAt: time.UnixMilli(1_700_000_000_000)}
}

func TestPricesServesCachedEntries(t *testing.T) {
	f := newFixture(t)
	observed := time.UnixMilli(1_700_000_000_123)
	if _, err := f.cache.Put(context.Background(), "bitcoin", "usd", 51000.25, observed); err != nil {
		t.Fatalf("seed cache: %v", err)
	}

	resp, err := http.Get(f.srv.URL + "/prices?ids=bitcoin,ethereum&vs=usd")
	if err != nil {
		t.Fatalf("get prices: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("want 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw, _ := json.Marshal(body)
	if got := gjson.GetBytes(raw, "data.bitcoin.usd").Float(); got != 51000.25 {
		t.Fatalf("bitcoin price wrong: %s", raw)
	}
	if got := gjson.GetBytes(raw, "data.bitcoin.ts").Int(); got != observed.UnixMilli() {
		t.Fatalf("ts should be epoch millis: %s", raw)
	}
	if gjson.GetBytes(raw, "data.ethereum").Exists() {
		t.Fatalf("absent entry should be omitted: %s", raw)
	}
	if gjson.GetBytes(raw, "source").String() != "cache" {
		t.Fatalf("source should be cache: %s", raw)
	}
}

func TestPricesRequiresIDs(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/prices")
	if err != nil {
		t.Fatalf("get prices: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", resp.StatusCode)
	}
}

func TestHealthReportsSubscribers(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Register()
	defer f.hub.Unregister(sub)

	resp, err := http.Get(f.srv.URL + "/health")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		OK          bool `json:"ok"`
		Subscribers int  `json:"subscribers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.OK || body.Subscribers != 1 {
		t.Fatalf("unexpected health body %+v", body)
	}
}

func TestStreamDeliversServerSentEvents(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/stream", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("unexpected content type %q", ct)
	}

	f.waitForSubscribers(t, 1)
	if err := f.hub.Broadcast(sampleTick()); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	lines := make(chan string, 1)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "data: ") {
				lines <- strings.TrimPrefix(line, "data: ")
				return
			}
		}
	}()

	select {
	case line := <-lines:
		if gjson.Get(line, "type").String() != "price" || gjson.Get(line, "id").String() != "bitcoin" {
			t.Fatalf("unexpected event %s", line)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no event received over SSE")
	}

	cancel()
	f.waitForSubscribers(t, 0)
}

func TestWebSocketDeliversTextFrames(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f.waitForSubscribers(t, 1)
	alert := events.AlertFired{AlertID: 3, AssetID: "bitcoin", QuoteCurrency: "usd", Operator: ">", Threshold: 50000, Price: 51000, ObservedAt: time.UnixMilli(1_700_000_000_000)}
	if err := f.hub.Broadcast(alert); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("want text frame, got %d", kind)
	}
	if gjson.GetBytes(payload, "type").String() != "alert" || gjson.GetBytes(payload, "id").Int() != 3 {
		t.Fatalf("unexpected payload %s", payload)
	}

	_ = conn.Close()
	f.waitForSubscribers(t, 0)
}
