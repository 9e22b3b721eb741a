package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"golang.org/x/time/rate"

	"github.com/lynexus/lynexus-agent/internal/buildinfo"
	"github.com/lynexus/lynexus-agent/internal/config"
	"github.com/lynexus/lynexus-agent/internal/events"
)

// Runs reports and stops active runs. *stream.Multiplexer implements
// it.
type Runs interface {
	Stopper
	ActiveCount() int
}

// StoreStats reports stored totals. *session.SQLiteStore implements it.
type StoreStats interface {
	Stats(ctx context.Context) (conversations, messages int, err error)
}

// Deps are the components the mirror reads from. Any may be nil.
type Deps struct {
	Bus   *events.Bus
	Runs  Runs
	Store StoreStats
}

// broker is the publishing side of a connection.
// *autopaho.ConnectionManager implements it.
type broker interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
}

// Inbound commands are capped at this many per minute.
const commandRateLimit = 30

// Publisher manages the MQTT connection, mirrors bus events, and runs a
// periodic loop that pushes the stats snapshot.
type Publisher struct {
	cfg      config.MQTTConfig
	clientID string
	deps     Deps
	counts   *DailyRuns
	limiter  *rate.Limiter
	onStop   MessageHandler
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loops.
func New(cfg config.MQTTConfig, clientID string, deps Deps, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "mqtt")
	p := &Publisher{
		cfg:      cfg,
		clientID: clientID,
		deps:     deps,
		counts:   NewDailyRuns(nil),
		limiter:  newCommandLimiter(commandRateLimit),
		logger:   logger,
	}
	if deps.Runs != nil {
		p.onStop = stopHandler(deps.Runs, p.limiter, logger)
	}
	return p
}

// Start connects to the broker and runs the mirror until ctx is
// cancelled. On every (re-)connect it publishes a birth message and
// subscribes to the command topic.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.publishAvailability(ctx, cm, "online")
			p.subscribe(ctx, cm)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: p.clientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					p.route(pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	if p.deps.Bus != nil {
		go p.mirror(ctx, cm)
	}
	p.runLoop(ctx, cm)
	return nil
}

// Stop publishes "offline" and disconnects. ctx bounds both.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// --- Topic helpers ---

func (p *Publisher) topic(parts ...string) string {
	t := p.cfg.TopicPrefix
	for _, part := range parts {
		t += "/" + part
	}
	return t
}

func (p *Publisher) availabilityTopic() string { return p.topic("availability") }
func (p *Publisher) statsTopic() string        { return p.topic("stats") }
func (p *Publisher) stopTopic() string         { return p.topic("command", "stop") }

func (p *Publisher) eventTopic(e events.Event) string {
	return p.topic("events", e.Source, e.Kind)
}

// --- Inbound ---

func (p *Publisher) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	if p.onStop == nil {
		return
	}
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: p.stopTopic(), QoS: 1}},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", p.stopTopic(), "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", p.stopTopic())
}

// route dispatches an inbound message by topic.
func (p *Publisher) route(topic string, payload []byte) {
	switch {
	case topic == p.stopTopic() && p.onStop != nil:
		p.onStop(topic, payload)
	default:
		p.logger.Debug("mqtt message on unhandled topic", "topic", topic, "payload_size", len(payload))
	}
}

// --- Outbound ---

func (p *Publisher) publishAvailability(ctx context.Context, b broker, status string) {
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// mirror republishes bus events until ctx is cancelled. Events the
// subscription buffer cannot hold are dropped by the bus.
func (p *Publisher) mirror(ctx context.Context, b broker) {
	ch := p.deps.Bus.Subscribe(128)
	defer p.deps.Bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.publishEvent(ctx, b, e)
		}
	}
}

func (p *Publisher) publishEvent(ctx context.Context, b broker, e events.Event) {
	p.counts.Observe(e)

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("mqtt marshal event", "kind", e.Kind, "error", err)
		return
	}
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.eventTopic(e),
		Payload: payload,
		QoS:     0,
	}); err != nil {
		p.logger.Debug("mqtt event publish failed", "kind", e.Kind, "error", err)
	}
}

// Stats is the retained snapshot published to <prefix>/stats.
type Stats struct {
	Version       string    `json:"version"`
	Uptime        string    `json:"uptime"`
	ActiveRuns    int       `json:"activeRuns"`
	Conversations int       `json:"conversations"`
	Messages      int       `json:"messages"`
	Today         RunCounts `json:"today"`
	Timestamp     time.Time `json:"ts"`
}

func (p *Publisher) snapshot(ctx context.Context) Stats {
	s := Stats{
		Version:   buildinfo.Version,
		Uptime:    buildinfo.Uptime().String(),
		Today:     p.counts.Snapshot(),
		Timestamp: time.Now().UTC(),
	}
	if p.deps.Runs != nil {
		s.ActiveRuns = p.deps.Runs.ActiveCount()
	}
	if p.deps.Store != nil {
		convs, msgs, err := p.deps.Store.Stats(ctx)
		if err != nil {
			p.logger.Debug("store stats unavailable", "error", err)
		}
		s.Conversations, s.Messages = convs, msgs
	}
	return s
}

// --- Periodic stats loop ---

func (p *Publisher) runLoop(ctx context.Context, b broker) {
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStats(ctx, b)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStats(ctx, b)
		}
	}
}

func (p *Publisher) publishStats(ctx context.Context, b broker) {
	payload, err := json.Marshal(p.snapshot(ctx))
	if err != nil {
		p.logger.Error("mqtt marshal stats", "error", err)
		return
	}
	if _, err := b.Publish(ctx, &paho.Publish{
		Topic:   p.statsTopic(),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	}); err != nil {
		p.logger.Debug("mqtt stats publish failed", "error", err)
		return
	}
	p.logger.Debug("mqtt stats published")
}
