package alarmpanel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	gosocketio "github.com/graarh/golang-socketio"
	"github.com/graarh/golang-socketio/transport"
	"github.com/mitchellh/mapstructure"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nerrad567/hearth/internal/infrastructure/config"
)

const (
	// defaultRequestTimeout bounds one panel API call.
	defaultRequestTimeout = 20 * time.Second

	// pushPingInterval keeps the socket.io stream alive.
	pushPingInterval = 30 * time.Second

	// EventName is the socket.io event carrying panel notifications.
	EventName = "event"
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

// Config holds the cloud panel credentials and endpoints.
type Config struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	PanelID      string

	// PushURL is the socket.io endpoint, e.g.
	// wss://host/socket.io/?EIO=3&transport=websocket. Empty disables Listen.
	PushURL string

	RequestTimeout time.Duration
}

// ConfigFrom converts the YAML section.
func ConfigFrom(cfg config.AlarmConfig) Config {
	return Config{
		BaseURL:      cfg.BaseURL,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Username:     cfg.Username,
		Password:     cfg.Password,
		PanelID:      cfg.PanelID,
		PushURL:      cfg.PushURL,
	}
}

// ArmState is the panel's current arming status.
type ArmState struct {
	Status string `mapstructure:"message"`
	Time   string `mapstructure:"timeex"`
	User   string `mapstructure:"user"`
}

// Temperature is one temperature reading reported by a panel component.
type Temperature struct {
	SerialNo    string  `mapstructure:"serialNo" json:"serialNo"`
	Label       string  `mapstructure:"label" json:"label"`
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
}

// Event is one push notification.
type Event struct {
	Type string
	Data map[string]any
}

// Client is an authenticated session with the cloud alarm panel.
//
// Thread Safety: All methods are safe for concurrent use.
type Client struct {
	cfg   Config
	creds *clientcredentials.Config

	mu     sync.Mutex
	client *http.Client

	logger   Logger
	loggerMu sync.RWMutex
}

// New creates a client. The token is fetched on the first request.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	params := url.Values{}
	if cfg.Username != "" {
		params.Set("username", cfg.Username)
		params.Set("password", cfg.Password)
	}
	return &Client{
		cfg: cfg,
		creds: &clientcredentials.Config{
			ClientID:       cfg.ClientID,
			ClientSecret:   cfg.ClientSecret,
			TokenURL:       cfg.TokenURL,
			EndpointParams: params,
		},
		logger: noopLogger{},
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

// httpClient returns the token-refreshing HTTP client, creating it once.
// Token refreshes outlive the request that created the client.
func (c *Client) httpClient(ctx context.Context) *http.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		c.client = c.creds.Client(context.WithoutCancel(ctx))
		c.client.Timeout = c.cfg.RequestTimeout
	}
	return c.client
}

// getJSON fetches path below the panel and decodes the body into a generic value.
func (c *Client) getJSON(ctx context.Context, path string) (any, error) {
	endpoint := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/panels/" + url.PathEscape(c.cfg.PanelID) + "/" + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	resp, err := c.httpClient(ctx).Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrRequestFailed, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %s: status %d: %s", ErrRequestFailed, path, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrUnexpectedResponse, path, err)
	}
	return out, nil
}

// decode converts a generic JSON value into a typed struct, accepting
// numbers sent as strings.
func decode(input, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(input)
}

// ArmState reads the current arming status.
func (c *Client) ArmState(ctx context.Context) (ArmState, error) {
	raw, err := c.getJSON(ctx, "armstate")
	if err != nil {
		return ArmState{}, err
	}
	var st ArmState
	if err := decode(raw, &st); err != nil {
		return ArmState{}, fmt.Errorf("%w: armstate: %w", ErrUnexpectedResponse, err)
	}
	if st.Status == "" {
		return ArmState{}, fmt.Errorf("%w: armstate has no status", ErrUnexpectedResponse)
	}
	return st, nil
}

// Temperatures reads every temperature component.
func (c *Client) Temperatures(ctx context.Context) ([]Temperature, error) {
	raw, err := c.getJSON(ctx, "temperatures")
	if err != nil {
		return nil, err
	}
	var body struct {
		Components []Temperature `mapstructure:"temperatureComponentList"`
	}
	if err := decode(raw, &body); err != nil {
		return nil, fmt.Errorf("%w: temperatures: %w", ErrUnexpectedResponse, err)
	}
	if body.Components == nil {
		body.Components = []Temperature{}
	}
	return body.Components, nil
}

// Listen connects to the push stream and calls onEvent for every panel
// event until the stream fails or ctx is cancelled. It returns nil only
// when ctx is cancelled.
func (c *Client) Listen(ctx context.Context, onEvent func(Event)) error {
	if c.cfg.PushURL == "" {
		return ErrPushDisabled
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: fetching token: %w", ErrRequestFailed, err)
	}

	tr := transport.GetDefaultWebsocketTransport()
	tr.PingInterval = pushPingInterval

	conn, err := gosocketio.Dial(pushURL(c.cfg.PushURL, c.cfg.PanelID, token.AccessToken), tr)
	if err != nil {
		return fmt.Errorf("dialling push stream: %w", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	fail := func(err error) {
		select {
		case done <- err:
		default:
		}
	}

	if err := conn.On(gosocketio.OnConnection, func(*gosocketio.Channel) {
		c.getLogger().Info("alarm panel push stream connected")
	}); err != nil {
		return fmt.Errorf("registering connection handler: %w", err)
	}
	if err := conn.On(gosocketio.OnError, func(*gosocketio.Channel) {
		fail(ErrPushLost)
	}); err != nil {
		return fmt.Errorf("registering error handler: %w", err)
	}
	if err := conn.On(gosocketio.OnDisconnection, func(*gosocketio.Channel) {
		fail(ErrPushLost)
	}); err != nil {
		return fmt.Errorf("registering disconnection handler: %w", err)
	}
	if err := conn.On(EventName, func(_ *gosocketio.Channel, payload any) {
		ev, err := parseEvent(payload)
		if err != nil {
			c.getLogger().Warn("dropping alarm panel event", "error", err)
			return
		}
		onEvent(ev)
	}); err != nil {
		return fmt.Errorf("registering event handler: %w", err)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return nil
	}
}

// pushURL appends the panel id and bearer token to the socket.io endpoint.
func pushURL(base, panelID, token string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "panelId=" + url.QueryEscape(panelID) + "&token=Bearer%20" + url.QueryEscape(token)
}

// parseEvent validates a socket.io event payload.
func parseEvent(payload any) (Event, error) {
	m, ok := payload.(map[string]any)
	if !ok {
		return Event{}, fmt.Errorf("%w: event is %T", ErrUnexpectedResponse, payload)
	}
	var ev struct {
		Type string         `mapstructure:"type"`
		Data map[string]any `mapstructure:"data"`
	}
	if err := mapstructure.Decode(m, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrUnexpectedResponse, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: event has no type", ErrUnexpectedResponse)
	}
	if ev.Data == nil {
		ev.Data = map[string]any{}
	}
	return Event{Type: ev.Type, Data: ev.Data}, nil
}
