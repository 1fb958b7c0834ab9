package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nerrad567/hearth/internal/device"
	"github.com/nerrad567/hearth/internal/infrastructure/config"
	"github.com/nerrad567/hearth/internal/infrastructure/mqtt"
)

const (
	natsReconnectWait = 2 * time.Second
	natsConnectWait   = 5 * time.Second

	defaultMirrorQueue = 256
)

// TopicPublisher publishes MQTT messages. *mqtt.Client satisfies it.
type TopicPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// SubjectPublisher publishes NATS messages. *nats.Conn satisfies it.
type SubjectPublisher interface {
	Publish(subject string, data []byte) error
}

// MirrorConfig selects where a StateMirror publishes. Either transport may
// be nil.
type MirrorConfig struct {
	MQTT        TopicPublisher
	TopicPrefix string
	QoS         byte

	NATS          SubjectPublisher
	SubjectPrefix string

	// QueueSize bounds the states waiting to be published. When full the
	// oldest is dropped. Defaults to 256.
	QueueSize int
}

type mirrorMsg struct {
	id      string
	payload []byte
}

// StateMirror publishes each device's serialized state on every change.
//
// Listeners only encode and queue; a single goroutine owned by the mirror
// does the publishing, so a slow broker never holds up a device's
// dispatcher. Call Close to stop it.
type StateMirror struct {
	cfg    MirrorConfig
	topics mqtt.Topics
	logger Logger

	mu       sync.Mutex
	attached map[string]bool

	queue     chan mirrorMsg
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewStateMirror creates a mirror and starts its publisher. At least one
// transport is required.
func NewStateMirror(cfg MirrorConfig, logger Logger) (*StateMirror, error) {
	if cfg.MQTT == nil && cfg.NATS == nil {
		return nil, ErrNoTransport
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultMirrorQueue
	}
	m := &StateMirror{
		cfg:      cfg,
		logger:   logger,
		attached: make(map[string]bool),
		queue:    make(chan mirrorMsg, cfg.QueueSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go m.run()
	return m, nil
}

// Attach publishes e's current state and then every change.
func (m *StateMirror) Attach(e device.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attached[e.ID()] {
		return nil
	}
	if err := e.Listen(device.EventStateChange, m.Publish); err != nil {
		return fmt.Errorf("attaching mirror to %s: %w", e.ID(), err)
	}
	m.attached[e.ID()] = true
	m.Publish(e)
	return nil
}

// Publish encodes e's serialized state and queues it. It never waits on
// a transport.
func (m *StateMirror) Publish(e device.Entity) {
	payload, err := json.Marshal(e.Serialize().State)
	if err != nil {
		m.logger.Warn("encoding mirrored state failed", "device_id", e.ID(), "error", err)
		return
	}
	m.enqueue(mirrorMsg{id: e.ID(), payload: payload})
}

// enqueue adds msg, dropping the oldest queued state while the queue is full.
func (m *StateMirror) enqueue(msg mirrorMsg) {
	for {
		if m.stopped() {
			return
		}
		select {
		case m.queue <- msg:
			return
		default:
		}
		select {
		case old := <-m.queue:
			m.logger.Warn("state mirror queue full, dropping oldest", "device_id", old.id)
		default:
		}
	}
}

func (m *StateMirror) run() {
	defer close(m.done)
	for {
		if m.stopped() {
			if n := len(m.queue); n > 0 {
				m.logger.Debug("state mirror stopped with unsent states", "count", n)
			}
			return
		}
		select {
		case <-m.stop:
		case msg := <-m.queue:
			m.send(msg)
		}
	}
}

func (m *StateMirror) stopped() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// send publishes one state on every configured transport. Failures are logged.
func (m *StateMirror) send(msg mirrorMsg) {
	if m.cfg.MQTT != nil {
		topic := m.topics.DeviceState(m.cfg.TopicPrefix, msg.id)
		if err := m.cfg.MQTT.Publish(topic, msg.payload, m.cfg.QoS, true); err != nil {
			m.logger.Warn("mqtt state mirror failed", "device_id", msg.id, "topic", topic, "error", err)
		}
	}
	if m.cfg.NATS != nil {
		subject := Subject(m.cfg.SubjectPrefix, msg.id)
		if err := m.cfg.NATS.Publish(subject, msg.payload); err != nil {
			m.logger.Warn("nats state mirror failed", "device_id", msg.id, "subject", subject, "error", err)
		}
	}
}

// Close stops the publisher, waiting for an in-flight publish to return.
// States still queued are discarded.
func (m *StateMirror) Close() {
	m.closeOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Subject returns the NATS subject for a device. Ids are reduced to
// letters and digits so they form a single subject token.
//
// Example: Subject("hearth.state", "lamp-1") == "hearth.state.lamp1"
func Subject(prefix, deviceID string) string {
	token := device.SanitizeID(deviceID)
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return token
	}
	return prefix + "." + token
}

// ConnectNATS dials the server in cfg, retrying forever once connected.
func ConnectNATS(cfg config.NATSConfig, logger Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = noopLogger{}
	}
	nc, err := nats.Connect(cfg.URL,
		nats.Name("hearth"),
		nats.Timeout(natsConnectWait),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrNATSConnect, cfg.URL, err)
	}
	return nc, nil
}
