package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/lynexus/lynexus-agent/internal/config"
	"github.com/lynexus/lynexus-agent/internal/events"
)

type fakeBroker struct {
	mu   sync.Mutex
	msgs []*paho.Publish
	err  error
}

func (b *fakeBroker) Publish(_ context.Context, p *paho.Publish) (*paho.PublishResponse, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	b.msgs = append(b.msgs, p)
	return &paho.PublishResponse{}, nil
}

func (b *fakeBroker) topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.msgs))
	for i, m := range b.msgs {
		out[i] = m.Topic
	}
	return out
}

func (b *fakeBroker) last() *paho.Publish {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.msgs) == 0 {
		return nil
	}
	return b.msgs[len(b.msgs)-1]
}

type fakeRuns struct {
	mu      sync.Mutex
	active  int
	stopped []string
}

func (r *fakeRuns) ActiveCount() int { return r.active }

func (r *fakeRuns) Stop(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = append(r.stopped, id)
	return id == "busy"
}

type fakeStats struct {
	convs, msgs int
	err         error
}

func (s fakeStats) Stats(context.Context) (int, int, error) { return s.convs, s.msgs, s.err }

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker:             "mqtt://localhost:1883",
		TopicPrefix:        "lynexus",
		PublishIntervalSec: 60,
	}
}

func TestPublisher_Topics(t *testing.T) {
	p := New(testConfig(), "lynexus-test", Deps{}, slog.Default())

	tests := []struct {
		got, want string
	}{
		{p.availabilityTopic(), "lynexus/availability"},
		{p.statsTopic(), "lynexus/stats"},
		{p.stopTopic(), "lynexus/command/stop"},
		{p.eventTopic(events.Event{Source: events.SourceAgent, Kind: events.KindRunComplete}), "lynexus/events/agent/run_complete"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestPublisher_PublishEvent(t *testing.T) {
	p := New(testConfig(), "c", Deps{}, slog.Default())
	b := &fakeBroker{}

	e := events.Event{
		Timestamp: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
		Source:    events.SourceAgent,
		Kind:      events.KindRunComplete,
		Data:      map[string]any{"conversation_id": "c1", "iterations": 2},
	}
	p.publishEvent(context.Background(), b, e)

	msg := b.last()
	if msg == nil {
		t.Fatal("nothing published")
	}
	if msg.Topic != "lynexus/events/agent/run_complete" || msg.Retain {
		t.Errorf("publish = %s retain=%v", msg.Topic, msg.Retain)
	}
	var got events.Event
	if err := json.Unmarshal(msg.Payload, &got); err != nil {
		t.Fatal(err)
	}
	if got.Kind != events.KindRunComplete || got.Data["conversation_id"] != "c1" {
		t.Errorf("payload = %+v", got)
	}
	if c := p.counts.Snapshot(); c.Completed != 1 {
		t.Errorf("completed = %d, want 1", c.Completed)
	}
}

func TestPublisher_PublishStats(t *testing.T) {
	runs := &fakeRuns{active: 2}
	p := New(testConfig(), "c", Deps{Runs: runs, Store: fakeStats{convs: 4, msgs: 31}}, slog.Default())
	p.counts.Observe(events.Event{Kind: events.KindRunError})
	b := &fakeBroker{}

	p.publishStats(context.Background(), b)

	msg := b.last()
	if msg == nil || msg.Topic != "lynexus/stats" || !msg.Retain {
		t.Fatalf("stats publish = %+v", msg)
	}
	var s Stats
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		t.Fatal(err)
	}
	if s.ActiveRuns != 2 || s.Conversations != 4 || s.Messages != 31 || s.Today.Failed != 1 {
		t.Errorf("stats = %+v", s)
	}
	if s.Version == "" {
		t.Error("version missing")
	}
}

func TestPublisher_PublishStatsStoreError(t *testing.T) {
	p := New(testConfig(), "c", Deps{Store: fakeStats{err: errors.New("locked")}}, slog.Default())
	b := &fakeBroker{}
	p.publishStats(context.Background(), b)
	if b.last() == nil {
		t.Fatal("stats should publish without store totals")
	}
}

func TestPublisher_Mirror(t *testing.T) {
	bus := events.New()
	p := New(testConfig(), "c", Deps{Bus: bus}, slog.Default())
	b := &fakeBroker{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.mirror(ctx, b)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for bus.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("mirror never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	bus.Emit(events.SourceAgent, events.KindRunStart, map[string]any{"run_id": "r1"})
	bus.Emit(events.SourceMCP, events.KindServersReloaded, map[string]any{"servers": 1})

	for len(b.topics()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("topics = %v", b.topics())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	want := "lynexus/events/agent/run_start lynexus/events/mcp/servers_reloaded"
	if got := strings.Join(b.topics(), " "); got != want {
		t.Errorf("topics = %s, want %s", got, want)
	}
	if bus.SubscriberCount() != 0 {
		t.Error("mirror left its subscription behind")
	}
}

func TestPublisher_PublishAvailability(t *testing.T) {
	p := New(testConfig(), "c", Deps{}, slog.Default())
	b := &fakeBroker{}
	p.publishAvailability(context.Background(), b, "online")

	msg := b.last()
	if msg.Topic != "lynexus/availability" || string(msg.Payload) != "online" || !msg.Retain || msg.QoS != 1 {
		t.Errorf("availability = %+v", msg)
	}

	// Failures are logged, not returned.
	p.publishAvailability(context.Background(), &fakeBroker{err: errors.New("down")}, "offline")
}

func TestPublisher_RouteStop(t *testing.T) {
	runs := &fakeRuns{}
	p := New(testConfig(), "c", Deps{Runs: runs}, slog.Default())

	p.route("lynexus/command/stop", []byte("busy"))
	p.route("lynexus/command/stop", []byte(`{"conversationId":"other"}`))
	p.route("lynexus/elsewhere", []byte("ignored"))
	p.route("lynexus/command/stop", []byte("   "))

	if got := strings.Join(runs.stopped, ","); got != "busy,other" {
		t.Errorf("stopped = %s, want busy,other", got)
	}
}

func TestPublisher_RouteWithoutRuns(t *testing.T) {
	p := New(testConfig(), "c", Deps{}, slog.Default())
	// No handler is installed; the message is only logged.
	p.route("lynexus/command/stop", []byte("busy"))
}

func TestLoadOrCreateInstanceID(t *testing.T) {
	dir := t.TempDir()

	id, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != 36 || strings.Count(id, "-") != 4 {
		t.Errorf("id %q is not a UUID", id)
	}
	data, err := os.ReadFile(filepath.Join(dir, "instance_id"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != id {
		t.Errorf("file holds %q, want %q", data, id)
	}

	again, err := LoadOrCreateInstanceID(dir)
	if err != nil {
		t.Fatal(err)
	}
	if again != id {
		t.Errorf("second load = %q, want %q", again, id)
	}
}

func TestClientID(t *testing.T) {
	if got, err := ClientID("fixed", t.TempDir()); err != nil || got != "fixed" {
		t.Errorf("ClientID(fixed) = %q, %v", got, err)
	}

	dir := t.TempDir()
	got, err := ClientID("", dir)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, "lynexus-") || len(got) != len("lynexus-")+12 {
		t.Errorf("ClientID = %q", got)
	}
	again, _ := ClientID("", dir)
	if again != got {
		t.Errorf("ClientID not stable: %q then %q", got, again)
	}

	if _, err := ClientID("", filepath.Join(dir, "missing", "dir")); err == nil {
		t.Error("unwritable data dir should fail")
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	if (config.MQTTConfig{}).Configured() {
		t.Error("empty config should not be configured")
	}
	if !testConfig().Configured() {
		t.Error("config with broker should be configured")
	}
}
