package deconz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"

	"github.com/nerrad567/hearth/internal/infrastructure/config"
)

const (
	// defaultRequestTimeout bounds one REST call.
	defaultRequestTimeout = 20 * time.Second

	// defaultReconnectInterval is the initial delay before re-dialling the push stream.
	defaultReconnectInterval = time.Second

	// maxReconnectInterval caps the push stream backoff.
	maxReconnectInterval = 30 * time.Second

	// EndpointLights and EndpointSensors are the node collections loaded by Load.
	EndpointLights  = "lights"
	EndpointSensors = "sensors"
)

// Logger is the logging interface used by the client.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Config holds the gateway connection settings.
type Config struct {
	Host     string
	RestPort int
	APIKey   string

	// RequestTimeout bounds each REST call. Zero means 20s.
	RequestTimeout time.Duration

	// ReconnectInterval is the first push stream retry delay. Zero means 1s.
	ReconnectInterval time.Duration
}

// ConfigFrom converts the YAML section.
func ConfigFrom(cfg config.DeconzConfig) Config {
	return Config{Host: cfg.Host, RestPort: cfg.RestPort, APIKey: cfg.APIKey}
}

// Node is one light or sensor as reported by the gateway.
type Node struct {
	ID       string         `mapstructure:"id" json:"id"`
	Endpoint string         `mapstructure:"r" json:"r"`
	UniqueID string         `mapstructure:"uniqueid" json:"uniqueid"`
	Name     string         `mapstructure:"name" json:"name"`
	Type     string         `mapstructure:"type" json:"type"`
	ModelID  string         `mapstructure:"modelid" json:"modelid"`
	State    map[string]any `mapstructure:"state" json:"state"`
	Config   map[string]any `mapstructure:"config" json:"config"`
}

// Message is one push notification.
type Message struct {
	Type     string         `json:"t"`
	Event    string         `json:"e"`
	Endpoint string         `json:"r"`
	ID       string         `json:"id"`
	UniqueID string         `json:"uniqueid"`
	State    map[string]any `json:"state"`
	Config   map[string]any `json:"config"`
}

// Listener receives push messages for one node. It runs on the reader
// goroutine and must not block.
type Listener func(Message)

type nodeKey struct {
	endpoint string
	id       string
}

// Client talks to one deCONZ gateway.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	cfg     Config
	restURI string
	http    *http.Client

	logger   Logger
	loggerMu sync.RWMutex

	mu        sync.RWMutex
	loaded    bool
	wsURL     string
	nodes     map[string]Node
	listeners map[nodeKey][]Listener

	connected atomic.Bool
}

// New creates a client. Nothing is fetched until Load.
func New(cfg Config) *Client {
	if cfg.RestPort == 0 {
		cfg.RestPort = 80
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	return &Client{
		cfg:       cfg,
		restURI:   fmt.Sprintf("http://%s/api/%s", net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.RestPort)), cfg.APIKey),
		http:      &http.Client{Timeout: cfg.RequestTimeout},
		logger:    noopLogger{},
		nodes:     make(map[string]Node),
		listeners: make(map[nodeKey][]Listener),
	}
}

// SetLogger sets the logger. Nil restores the no-op logger.
func (c *Client) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

func (c *Client) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

// Get fetches endpoint (relative to /api/<key>/) and decodes the JSON body into out.
func (c *Client) Get(ctx context.Context, endpoint string, out any) error {
	return c.do(ctx, http.MethodGet, endpoint, nil, out)
}

// Put sends body as JSON and decodes the reply into out, which may be nil.
func (c *Client) Put(ctx context.Context, endpoint string, body, out any) error {
	return c.do(ctx, http.MethodPut, endpoint, body, out)
}

// Post sends body as JSON and decodes the reply into out, which may be nil.
func (c *Client) Post(ctx context.Context, endpoint string, body, out any) error {
	return c.do(ctx, http.MethodPost, endpoint, body, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s body: %w", endpoint, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.restURI+"/"+strings.TrimPrefix(endpoint, "/"), reader)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, endpoint, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %w", ErrRequestFailed, endpoint, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: %s %s: status %d: %s", ErrRequestFailed, method, endpoint, resp.StatusCode, resultError(raw))
	}
	if msg := resultError(raw); msg != "" {
		return fmt.Errorf("%w: %s %s: %s", ErrRequestFailed, method, endpoint, msg)
	}

	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nil
}

// resultError extracts the first error description from a gateway result
// list ([{"error":{...}}, {"success":{...}}]). Other bodies yield "".
func resultError(raw []byte) string {
	var results []map[string]map[string]any
	if err := json.Unmarshal(raw, &results); err != nil {
		return ""
	}
	for _, r := range results {
		if e, ok := r["error"]; ok {
			if desc, ok := e["description"].(string); ok {
				return desc
			}
			return "unknown gateway error"
		}
	}
	return ""
}

// Load reads the gateway configuration and every light and sensor.
// It can be called again to refresh the node table; listeners are kept.
func (c *Client) Load(ctx context.Context) error {
	var gw struct {
		WebSocketPort int `json:"websocketport"`
	}
	if err := c.Get(ctx, "config", &gw); err != nil {
		return fmt.Errorf("loading gateway config: %w", err)
	}
	if gw.WebSocketPort == 0 {
		return fmt.Errorf("%w: gateway config has no websocketport", ErrRequestFailed)
	}

	nodes := make(map[string]Node)
	for _, endpoint := range []string{EndpointLights, EndpointSensors} {
		var records map[string]map[string]any
		if err := c.Get(ctx, endpoint, &records); err != nil {
			return fmt.Errorf("loading %s: %w", endpoint, err)
		}
		for id, record := range records {
			node, err := decodeNode(endpoint, id, record)
			if err != nil {
				c.getLogger().Warn("skipping undecodable node", "endpoint", endpoint, "id", id, "error", err)
				continue
			}
			if node.UniqueID == "" {
				continue
			}
			nodes[node.UniqueID] = node
		}
	}

	c.mu.Lock()
	c.nodes = nodes
	c.wsURL = "ws://" + net.JoinHostPort(c.cfg.Host, strconv.Itoa(gw.WebSocketPort))
	c.loaded = true
	c.mu.Unlock()

	c.getLogger().Info("deconz nodes loaded", "nodes", len(nodes))
	return nil
}

// decodeNode turns a REST record into a Node, stamping the wire address.
func decodeNode(endpoint, id string, record map[string]any) (Node, error) {
	var node Node
	if err := mapstructure.Decode(record, &node); err != nil {
		return Node{}, err
	}
	node.ID = id
	node.Endpoint = endpoint
	if node.State == nil {
		node.State = map[string]any{}
	}
	return node, nil
}

// Nodes returns every loaded node, sorted by unique id.
func (c *Client) Nodes() []Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make([]Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].UniqueID < nodes[j].UniqueID })
	return nodes
}

// Node returns the node with the given Zigbee unique id.
func (c *Client) Node(uniqueID string) (Node, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.loaded {
		return Node{}, ErrNotLoaded
	}
	n, ok := c.nodes[uniqueID]
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNodeNotFound, uniqueID)
	}
	return n, nil
}

// AddListener subscribes fn to push messages for the node with uniqueID.
func (c *Client) AddListener(uniqueID string, fn Listener) error {
	node, err := c.Node(uniqueID)
	if err != nil {
		return err
	}
	key := nodeKey{endpoint: node.Endpoint, id: node.ID}
	c.mu.Lock()
	c.listeners[key] = append(c.listeners[key], fn)
	c.mu.Unlock()
	return nil
}

// Connected reports whether the push stream is currently open.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Run reads the push stream until ctx is cancelled, re-dialling with
// exponential backoff when the connection drops.
func (c *Client) Run(ctx context.Context) error {
	c.mu.RLock()
	wsURL := c.wsURL
	c.mu.RUnlock()
	if wsURL == "" {
		return ErrNotLoaded
	}

	backoff := c.cfg.ReconnectInterval
	for {
		err := c.readStream(ctx, wsURL)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = c.cfg.ReconnectInterval
		}
		c.getLogger().Warn("deconz push stream lost, reconnecting", "error", err, "backoff", backoff.String())

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxReconnectInterval)
	}
}

// readStream dials once and dispatches messages until the connection fails.
// A nil error means the connection was established before it dropped.
func (c *Client) readStream(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dialling %s: %w", wsURL, err)
	}
	c.connected.Store(true)
	defer c.connected.Store(false)
	c.getLogger().Debug("deconz push stream connected", "url", wsURL)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.getLogger().Debug("deconz push stream read failed", "error", err)
			return nil
		}
		c.dispatch(data)
	}
}

// dispatch decodes one push frame and calls the listeners for its node.
func (c *Client) dispatch(data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.getLogger().Warn("dropping push message", "error", fmt.Errorf("%w: %w", ErrInvalidMessage, err))
		return
	}
	if msg.Endpoint == "" || msg.ID == "" {
		c.getLogger().Debug("ignoring push message without node address", "type", msg.Type, "event", msg.Event)
		return
	}

	c.mu.RLock()
	listeners := append([]Listener(nil), c.listeners[nodeKey{endpoint: msg.Endpoint, id: msg.ID}]...)
	c.mu.RUnlock()

	for _, fn := range listeners {
		c.safeCall(fn, msg)
	}
}

func (c *Client) safeCall(fn Listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.getLogger().Error("deconz listener panic recovered", "endpoint", msg.Endpoint, "id", msg.ID, "panic", r)
		}
	}()
	fn(msg)
}
