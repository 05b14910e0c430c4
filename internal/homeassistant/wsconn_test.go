package homeassistant

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// fakeWS is a minimal Home Assistant WebSocket endpoint. Handlers map
// a command type to its result; a nil result with an error code makes
// the command fail.
type fakeWS struct {
	t        *testing.T
	token    string
	handlers map[string]func(msg map[string]any) (any, *wsError)

	mu   sync.Mutex
	seen []map[string]any
	conn *websocket.Conn
}

func newFakeWS(t *testing.T) (*fakeWS, *httptest.Server) {
	t.Helper()
	f := &fakeWS{
		t:        t,
		token:    "good-token",
		handlers: map[string]func(map[string]any) (any, *wsError){},
	}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeWS) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/websocket" {
		http.NotFound(w, r)
		return
	}
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.t.Errorf("upgrade: %v", err)
		return
	}
	defer conn.Close()

	conn.WriteJSON(map[string]string{"type": "auth_required"})
	var auth map[string]string
	if err := conn.ReadJSON(&auth); err != nil {
		return
	}
	if auth["access_token"] != f.token {
		conn.WriteJSON(map[string]string{"type": "auth_invalid"})
		return
	}
	conn.WriteJSON(map[string]string{"type": "auth_ok"})

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		f.mu.Lock()
		f.seen = append(f.seen, msg)
		f.mu.Unlock()

		typ, _ := msg["type"].(string)
		reply := map[string]any{"id": msg["id"], "type": "result", "success": true}
		if h, ok := f.handlers[typ]; ok {
			result, werr := h(msg)
			if werr != nil {
				reply["success"] = false
				reply["error"] = werr
			} else {
				reply["result"] = result
			}
		} else if typ != "subscribe_events" {
			reply["success"] = false
			reply["error"] = &wsError{Code: "unknown_command", Message: "Unknown command."}
		}
		f.mu.Lock()
		conn.WriteJSON(reply)
		f.mu.Unlock()
	}
}

func (f *fakeWS) push(event map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.WriteJSON(map[string]any{"id": 1, "type": "event", "event": event})
}

func (f *fakeWS) lastSeen(typ string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.seen) - 1; i >= 0; i-- {
		if f.seen[i]["type"] == typ {
			return f.seen[i]
		}
	}
	return nil
}

func connectFake(t *testing.T, srv *httptest.Server, token string) *WSClient {
	t.Helper()
	c := NewWSClient(srv.URL, token, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestWSClient_AuthInvalid(t *testing.T) {
	_, srv := newFakeWS(t)
	c := NewWSClient(srv.URL, "wrong", nil)
	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthInvalid) {
		t.Fatalf("Connect() error = %v, want ErrAuthInvalid", err)
	}
	if c.Connected() {
		t.Error("Connected() after failed auth")
	}
}

func TestWSClient_NotConnected(t *testing.T) {
	c := NewWSClient("http://ha.invalid", "t", nil)
	_, err := c.Call(context.Background(), "energy/get_prefs", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Call() error = %v, want ErrNotConnected", err)
	}
}

func TestWSClient_ExposedTo(t *testing.T) {
	f, srv := newFakeWS(t)
	f.handlers["homeassistant/expose_entity/list"] = func(map[string]any) (any, *wsError) {
		return map[string]any{"exposed_entities": map[string]any{
			"switch.boiler":     map[string]bool{"conversation": true},
			"sensor.grid_power": map[string]bool{"conversation": true, "cloud.alexa": false},
			"light.attic":       map[string]bool{"conversation": false},
		}}, nil
	}
	c := connectFake(t, srv, f.token)

	ids, err := c.ExposedTo(context.Background(), "conversation")
	if err != nil {
		t.Fatalf("ExposedTo() error = %v", err)
	}
	want := []string{"sensor.grid_power", "switch.boiler"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestWSClient_EntityEntries(t *testing.T) {
	f, srv := newFakeWS(t)
	f.handlers["config/entity_registry/get_entries"] = func(msg map[string]any) (any, *wsError) {
		return map[string]any{
			"switch.boiler": map[string]any{"entity_id": "switch.boiler", "aliases": []string{"water heater"}},
			"sensor.gone":   nil,
		}, nil
	}
	c := connectFake(t, srv, f.token)

	entries, err := c.EntityEntries(context.Background(), []string{"switch.boiler", "sensor.gone"})
	if err != nil {
		t.Fatalf("EntityEntries() error = %v", err)
	}
	if _, ok := entries["sensor.gone"]; ok {
		t.Error("null registry entry should be absent")
	}
	if got := entries["switch.boiler"].Aliases; len(got) != 1 || got[0] != "water heater" {
		t.Errorf("aliases = %v", got)
	}

	sent := f.lastSeen("config/entity_registry/get_entries")
	if ids, _ := sent["entity_ids"].([]any); len(ids) != 2 {
		t.Errorf("entity_ids sent = %v", sent["entity_ids"])
	}
}

func TestWSClient_Statistics(t *testing.T) {
	f, srv := newFakeWS(t)
	f.handlers["recorder/statistics_during_period"] = func(msg map[string]any) (any, *wsError) {
		return map[string]any{"sensor.grid_energy": []map[string]any{{"start": 1700000000000, "change": 4.2}}}, nil
	}
	f.handlers["recorder/list_statistic_ids"] = func(msg map[string]any) (any, *wsError) {
		if msg["statistic_type"] != "sum" {
			t.Errorf("statistic_type = %v", msg["statistic_type"])
		}
		return []map[string]any{{"statistic_id": "sensor.grid_energy", "has_sum": true, "statistics_unit_of_measurement": "kWh"}}, nil
	}
	c := connectFake(t, srv, f.token)
	ctx := context.Background()

	raw, err := c.StatisticsDuringPeriod(ctx, StatisticsRequest{
		StartTime:    "2026-10-01T00:00:00Z",
		EndTime:      "2026-10-02T00:00:00Z",
		StatisticIDs: []string{"sensor.grid_energy"},
		Period:       "day",
	})
	if err != nil {
		t.Fatalf("StatisticsDuringPeriod() error = %v", err)
	}
	var stats map[string][]map[string]any
	if err := json.Unmarshal(raw, &stats); err != nil || len(stats["sensor.grid_energy"]) != 1 {
		t.Errorf("stats = %s (%v)", raw, err)
	}
	sent := f.lastSeen("recorder/statistics_during_period")
	if sent["period"] != "day" || sent["end_time"] != "2026-10-02T00:00:00Z" {
		t.Errorf("request = %v", sent)
	}
	if _, ok := sent["types"]; ok {
		t.Error("empty types should be omitted")
	}

	ids, err := c.ListStatisticIDs(ctx, "sum")
	if err != nil {
		t.Fatalf("ListStatisticIDs() error = %v", err)
	}
	if len(ids) != 1 || !ids[0].HasSum || ids[0].UnitOfMeasurement != "kWh" {
		t.Errorf("ids = %+v", ids)
	}
}

func TestWSClient_CommandError(t *testing.T) {
	f, srv := newFakeWS(t)
	c := connectFake(t, srv, f.token)

	_, err := c.EnergyPrefs(context.Background())
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("error = %v, want *CommandError", err)
	}
	if cmdErr.Code != "unknown_command" {
		t.Errorf("Code = %q", cmdErr.Code)
	}
}

func TestWSClient_SubscribeAndWatchRegistry(t *testing.T) {
	f, srv := newFakeWS(t)
	c := connectFake(t, srv, f.token)

	if err := c.Subscribe(context.Background(), EventEntityRegistryUpdated); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if sent := f.lastSeen("subscribe_events"); sent["event_type"] != EventEntityRegistryUpdated {
		t.Errorf("subscribe request = %v", sent)
	}

	changes := make(chan RegistryChange, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewRegistryWatcher(c.Events(), func(ch RegistryChange) { changes <- ch }, nil)
	go w.Run(ctx)

	f.push(map[string]any{"event_type": "state_changed", "data": map[string]any{"entity_id": "sensor.x"}})
	f.push(map[string]any{
		"event_type": EventEntityRegistryUpdated,
		"data":       map[string]any{"action": "update", "entity_id": "switch.boiler"},
	})

	select {
	case ch := <-changes:
		if ch.Action != "update" || ch.EntityID != "switch.boiler" {
			t.Errorf("change = %+v", ch)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no registry change delivered")
	}
}

func TestWSClient_ReconnectRestoresSubscriptions(t *testing.T) {
	f, srv := newFakeWS(t)
	c := connectFake(t, srv, f.token)
	ctx := context.Background()

	if err := c.Subscribe(ctx, EventEntityRegistryUpdated); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	f.mu.Lock()
	f.seen = nil
	f.mu.Unlock()

	if err := c.Reconnect(ctx); err != nil {
		t.Fatalf("Reconnect() error = %v", err)
	}
	if sent := f.lastSeen("subscribe_events"); sent == nil {
		t.Fatal("subscription not restored after reconnect")
	}
	if subs := c.Subscriptions(); len(subs) != 1 {
		t.Errorf("tracked subscriptions = %v, want one", subs)
	}
}

func TestWSClient_DropFailsWaitingCalls(t *testing.T) {
	f, srv := newFakeWS(t)
	block := make(chan struct{})
	f.handlers["energy/get_prefs"] = func(map[string]any) (any, *wsError) {
		<-block
		return map[string]any{}, nil
	}
	t.Cleanup(func() { close(block) })
	c := connectFake(t, srv, f.token)

	errc := make(chan error, 1)
	go func() {
		_, err := c.EnergyPrefs(context.Background())
		errc <- err
	}()
	// Let the command reach the server before the connection goes.
	deadline := time.Now().Add(2 * time.Second)
	for f.lastSeen("energy/get_prefs") == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	c.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrNotConnected) {
			t.Errorf("err = %v, want ErrNotConnected", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiting call not released by Close")
	}
	if c.Connected() {
		t.Error("Connected() after Close")
	}
}

func TestWSClient_SubscribeIsIdempotent(t *testing.T) {
	f, srv := newFakeWS(t)
	c := connectFake(t, srv, f.token)
	for range 3 {
		if err := c.Subscribe(context.Background(), EventEntityRegistryUpdated); err != nil {
			t.Fatal(err)
		}
	}
	if subs := c.Subscriptions(); len(subs) != 1 {
		t.Errorf("subscriptions = %v", subs)
	}
}
