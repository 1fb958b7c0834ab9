package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/hearth/internal/infrastructure/config"
)

// testConfig returns a configuration pointing at a local broker.
func testConfig(clientID string) config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: clientID,
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

// requireBroker skips the test unless a broker listens on 127.0.0.1:1883.
func requireBroker(t *testing.T) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", "127.0.0.1:1883", 200*time.Millisecond)
	if err != nil {
		t.Skip("no MQTT broker on 127.0.0.1:1883")
	}
	conn.Close()
}

func connect(t *testing.T, clientID string) *Client {
	t.Helper()
	requireBroker(t)
	client, err := Connect(testConfig(clientID))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// MockLogger records entries by level.
type MockLogger struct {
	mu      sync.Mutex
	entries []string
}

func (l *MockLogger) record(level, msg string) {
	l.mu.Lock()
	l.entries = append(l.entries, level+": "+msg)
	l.mu.Unlock()
}

func (l *MockLogger) Debug(msg string, _ ...any) { l.record("debug", msg) }
func (l *MockLogger) Info(msg string, _ ...any)  { l.record("info", msg) }
func (l *MockLogger) Warn(msg string, _ ...any)  { l.record("warn", msg) }
func (l *MockLogger) Error(msg string, _ ...any) { l.record("error", msg) }

func (l *MockLogger) Entries() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// =============================================================================
// Tests without a broker
// =============================================================================

func TestCloseNil(t *testing.T) {
	client := &Client{}
	if err := client.Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v, want nil", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true for zero client")
	}
}

func TestConnectInvalidBroker(t *testing.T) {
	cfg := testConfig("hearth-test-invalid")
	cfg.Broker.Port = 19999

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestPublishValidation(t *testing.T) {
	client := &Client{subscriptions: map[string]subscription{}}

	tests := []struct {
		name    string
		topic   string
		qos     byte
		payload []byte
		want    error
	}{
		{"empty topic", "", 1, nil, ErrInvalidTopic},
		{"bad qos", "a/b", 3, nil, ErrInvalidQoS},
		{"too large", "a/b", 1, make([]byte, maxPayloadSize+1), ErrPublishFailed},
		{"disconnected", "a/b", 1, []byte("x"), ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := client.Publish(tt.topic, tt.payload, tt.qos, false); !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribeValidation(t *testing.T) {
	client := &Client{subscriptions: map[string]subscription{}}
	noop := func(string, []byte) error { return nil }

	if err := client.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := client.Subscribe("a", 5, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v", err)
	}
	if err := client.Subscribe("a", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := client.Subscribe("a", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after failed subscribes", client.SubscriptionCount())
	}
}

func TestDispatch_RecoversAndLogs(t *testing.T) {
	logger := &MockLogger{}
	client := &Client{}
	client.SetLogger(logger)

	client.dispatch(func(string, []byte) error { panic("boom") }, "stat/x/POWER", nil)
	client.dispatch(func(string, []byte) error { return errors.New("bad payload") }, "stat/x/POWER", nil)
	client.dispatch(func(string, []byte) error { return nil }, "stat/x/POWER", nil)

	got := logger.Entries()
	want := []string{"error: mqtt handler panic recovered", "warn: mqtt handler returned error"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("log entries = %v, want %v", got, want)
	}
}

func TestHealthCheck_Disconnected(t *testing.T) {
	client := &Client{}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck() cancelled error = %v", err)
	}
}

func TestStatusPayload(t *testing.T) {
	var p statusPayload
	if err := json.Unmarshal([]byte(buildOfflinePayload(`id"quoted`)), &p); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if p.Status != "offline" || p.Reason != "graceful_shutdown" || p.ClientID != `id"quoted` {
		t.Errorf("payload = %+v", p)
	}
	if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
		t.Errorf("timestamp %q: %v", p.Timestamp, err)
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got, want string
	}{
		{topics.SystemStatus(), "hearth/system/status"},
		{topics.DeviceState("", "lamp1"), "hearth/state/lamp1"},
		{topics.DeviceState("home/state/", "lamp1"), "home/state/lamp1"},
		{topics.TasmotaPower("lamp1"), "stat/lamp1/POWER"},
		{topics.TasmotaCommand("lamp1"), "cmnd/lamp1/power"},
		{topics.BlindState("blinds"), "blinds/state"},
		{topics.BlindCommand("blinds"), "blinds/command"},
		{topics.BlindSendState("blinds"), "blinds/send_state"},
		{topics.ZWaveNode("zwave", 12), "zwave/12"},
		{topics.ZWaveStatus("zwave/12"), "zwave/12/status"},
		{topics.ZWaveValue("zwave/12", "37/1/0"), "zwave/12/37/1/0"},
		{topics.ZWaveSet("zwave/12", "37/1/0"), "zwave/12/37/1/0/set"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestTopicMatches(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"stat/lamp1/POWER", "stat/lamp1/POWER", true},
		{"stat/+/POWER", "stat/lamp1/POWER", true},
		{"stat/+/POWER", "stat/lamp1/RESULT", false},
		{"stat/#", "stat/lamp1/POWER", true},
		{"stat/#", "stat", true},
		{"zwave/12/#", "zwave/13/status", false},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"#", "anything/at/all", true},
	}
	for _, tt := range tests {
		if got := TopicMatches(tt.filter, tt.topic); got != tt.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tt.filter, tt.topic, got, tt.want)
		}
	}
}

// =============================================================================
// Broker tests
// =============================================================================

func TestConnect(t *testing.T) {
	client := connect(t, "hearth-test-connect")

	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestClose(t *testing.T) {
	requireBroker(t)
	client, err := Connect(testConfig("hearth-test-close"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := connect(t, "hearth-test-roundtrip")

	received := make(chan string, 1)
	err := client.Subscribe("hearth/test/stat/+/POWER", 1, func(topic string, payload []byte) error {
		received <- topic + "=" + string(payload)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription("hearth/test/stat/+/POWER") {
		t.Error("HasSubscription() = false after Subscribe")
	}

	if err := client.PublishString("hearth/test/stat/lamp1/POWER", "ON", 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-received:
		if got != "hearth/test/stat/lamp1/POWER=ON" {
			t.Errorf("received %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	if err := client.Unsubscribe("hearth/test/stat/+/POWER"); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Unsubscribe", client.SubscriptionCount())
	}
}

func TestOnConnectCallback(t *testing.T) {
	requireBroker(t)
	client, err := Connect(testConfig("hearth-test-onconnect"))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	// The callback is read on every (re)connect; setting it must be race free.
	called := make(chan struct{}, 1)
	client.SetOnConnect(func() { called <- struct{}{} })
	client.handleConnect()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Error("OnConnect callback not invoked")
	}
}
