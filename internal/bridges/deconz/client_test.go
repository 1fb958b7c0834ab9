package deconz

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

const testKey = "ABCDEF"

// fakeGateway serves the REST endpoints Load needs plus a push stream on "/".
// Each push connection receives the frames sent on push, and the first
// connection is closed after one frame when dropFirst is set.
type fakeGateway struct {
	t      *testing.T
	server *httptest.Server

	push      chan []byte
	dropFirst bool
	conns     atomic.Int32

	mu   sync.Mutex
	puts map[string]map[string]any
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{t: t, push: make(chan []byte, 8), puts: make(map[string]map[string]any)}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/"+testKey+"/config", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, map[string]any{"websocketport": g.port()})
	})
	mux.HandleFunc("GET /api/"+testKey+"/lights", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, map[string]any{
			"1": map[string]any{
				"uniqueid": "00:17:88:01:aa-0b",
				"name":     "Desk lamp",
				"type":     "Color temperature light",
				"state":    map[string]any{"on": false, "bri": 10, "ct": 300},
			},
			"2": map[string]any{"name": "No unique id"},
		})
	})
	mux.HandleFunc("GET /api/"+testKey+"/sensors", func(w http.ResponseWriter, _ *http.Request) {
		writeTestJSON(w, map[string]any{
			"7": map[string]any{
				"uniqueid": "00:15:8d:00:cc-01-0402",
				"name":     "Bathroom temperature",
				"type":     "ZHATemperature",
				"state":    map[string]any{"temperature": 2150},
				"config":   map[string]any{"battery": 90},
			},
		})
	})
	mux.HandleFunc("PUT /api/"+testKey+"/{r}/{id}/state", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PathValue("id") == "99" {
			writeTestJSON(w, []any{map[string]any{"error": map[string]any{"description": "resource, /lights/99, not available"}}})
			return
		}
		g.mu.Lock()
		g.puts[r.PathValue("r")+"/"+r.PathValue("id")] = body
		g.mu.Unlock()
		writeTestJSON(w, []any{map[string]any{"success": body}})
	})
	mux.HandleFunc("/", g.handlePush)

	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

func (g *fakeGateway) port() int {
	_, port, _ := net.SplitHostPort(g.server.Listener.Addr().String())
	n, _ := strconv.Atoi(port)
	return n
}

func (g *fakeGateway) config() Config {
	host, _, _ := net.SplitHostPort(g.server.Listener.Addr().String())
	return Config{Host: host, RestPort: g.port(), APIKey: testKey, ReconnectInterval: 10 * time.Millisecond}
}

func (g *fakeGateway) handlePush(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	n := g.conns.Add(1)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case frame := <-g.push:
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
			if g.dropFirst && n == 1 {
				return
			}
		case <-gone:
			return
		}
	}
}

func (g *fakeGateway) putFor(path string) map[string]any {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.puts[path]
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func loadedClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	c := New(g.config())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return c
}

func TestLoad_Nodes(t *testing.T) {
	g := newFakeGateway(t)
	c := loadedClient(t, g)

	nodes := c.Nodes()
	if len(nodes) != 2 {
		t.Fatalf("Nodes() = %d nodes, want 2 (record without uniqueid skipped)", len(nodes))
	}

	light, err := c.Node("00:17:88:01:aa-0b")
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	if light.Endpoint != EndpointLights || light.ID != "1" {
		t.Errorf("light address = (%q, %q), want (lights, 1)", light.Endpoint, light.ID)
	}
	if light.State["bri"] != float64(10) {
		t.Errorf("light state = %v", light.State)
	}

	sensor, err := c.Node("00:15:8d:00:cc-01-0402")
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	if sensor.Endpoint != EndpointSensors || sensor.Type != "ZHATemperature" {
		t.Errorf("sensor = %+v", sensor)
	}
	if sensor.Config["battery"] != float64(90) {
		t.Errorf("sensor config = %v", sensor.Config)
	}
}

func TestNode_Errors(t *testing.T) {
	g := newFakeGateway(t)
	c := New(g.config())

	if _, err := c.Node("anything"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Node() before Load error = %v, want ErrNotLoaded", err)
	}

	c = loadedClient(t, g)
	if _, err := c.Node("ghost"); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("Node() error = %v, want ErrNodeNotFound", err)
	}
	if err := c.AddListener("ghost", func(Message) {}); !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("AddListener() error = %v, want ErrNodeNotFound", err)
	}
}

func TestPut(t *testing.T) {
	g := newFakeGateway(t)
	c := loadedClient(t, g)
	ctx := context.Background()

	if err := c.Put(ctx, "lights/1/state", map[string]any{"on": true, "bri": 200}, nil); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got := g.putFor("lights/1")
	if got["on"] != true || got["bri"] != float64(200) {
		t.Errorf("gateway received %v", got)
	}

	err := c.Put(ctx, "lights/99/state", map[string]any{"on": true}, nil)
	if !errors.Is(err, ErrRequestFailed) {
		t.Errorf("Put() error = %v, want ErrRequestFailed", err)
	}
}

func TestGet_HTTPError(t *testing.T) {
	g := newFakeGateway(t)
	c := New(g.config())

	var out map[string]any
	err := c.Get(context.Background(), "groups/missing/nothing", &out)
	if err == nil {
		t.Fatal("Get() expected error for unknown path")
	}
}

func TestResultError(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"success list", `[{"success":{"/lights/1/state/on":true}}]`, ""},
		{"error list", `[{"error":{"type":3,"description":"not available"}}]`, "not available"},
		{"object body", `{"websocketport":443}`, ""},
		{"garbage", `nope`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultError([]byte(tt.raw)); got != tt.want {
				t.Errorf("resultError() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRun_DispatchesToListener(t *testing.T) {
	g := newFakeGateway(t)
	c := loadedClient(t, g)

	received := make(chan Message, 4)
	if err := c.AddListener("00:17:88:01:aa-0b", func(m Message) { received <- m }); err != nil {
		t.Fatalf("AddListener() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	g.push <- []byte(`{"t":"event","e":"changed","r":"sensors","id":"1","state":{"presence":true}}`)
	g.push <- []byte(`not json`)
	g.push <- []byte(`{"t":"event","e":"changed","r":"lights","id":"1","state":{"on":true}}`)

	select {
	case m := <-received:
		if m.Endpoint != "lights" || m.State["on"] != true {
			t.Errorf("message = %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("listener not called")
	}
	select {
	case m := <-received:
		t.Errorf("unexpected second message %+v", m)
	default:
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}

func TestRun_Reconnects(t *testing.T) {
	g := newFakeGateway(t)
	g.dropFirst = true
	c := loadedClient(t, g)

	received := make(chan Message, 4)
	if err := c.AddListener("00:15:8d:00:cc-01-0402", func(m Message) { received <- m }); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()

	for i, temp := range []float64{2150, 2200} {
		g.push <- []byte(`{"e":"changed","r":"sensors","id":"7","state":{"temperature":` + strconv.Itoa(int(temp)) + `}}`)
		select {
		case m := <-received:
			if m.State["temperature"] != temp {
				t.Errorf("message %d state = %v", i, m.State)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("message %d not delivered", i)
		}
	}
	if g.conns.Load() < 2 {
		t.Errorf("connections = %d, want a reconnect", g.conns.Load())
	}
}

func TestRun_NotLoaded(t *testing.T) {
	c := New(Config{Host: "127.0.0.1", APIKey: testKey})
	if err := c.Run(context.Background()); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Run() error = %v, want ErrNotLoaded", err)
	}
}

func TestDispatch_ListenerPanicRecovered(t *testing.T) {
	g := newFakeGateway(t)
	c := loadedClient(t, g)

	var calls atomic.Int32
	_ = c.AddListener("00:17:88:01:aa-0b", func(Message) { panic("boom") })
	_ = c.AddListener("00:17:88:01:aa-0b", func(Message) { calls.Add(1) })

	c.dispatch([]byte(`{"r":"lights","id":"1","state":{}}`))
	if calls.Load() != 1 {
		t.Errorf("second listener calls = %d, want 1", calls.Load())
	}
}
