/*
NAME
  receiver_test.go

DESCRIPTION
  receiver_test.go contains tests for the receiver Agent using an
  in-memory bus, the Manual driver and a stubbed drift measurer.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package receiver

import (
	"context"
	stdsync "sync"
	"testing"
	"time"

	"github.com/ausocean/syncstream/audio/source"
	"github.com/ausocean/syncstream/bus"
	"github.com/ausocean/syncstream/drift"
	"github.com/ausocean/syncstream/driver"
	"github.com/ausocean/syncstream/protocol"
	"github.com/ausocean/utils/logging"
)

type fakeMsg struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeBus is an in-memory Bus recording publishes and dispatching
// injected messages to subscribers.
type fakeBus struct {
	mu   stdsync.Mutex
	msgs []fakeMsg
	subs map[string]bus.Handler
}

func newFakeBus() *fakeBus { return &fakeBus{subs: make(map[string]bus.Handler)} }

func (b *fakeBus) Publish(topic string, qos byte, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, fakeMsg{topic, qos, append([]byte(nil), payload...)})
	return nil
}

func (b *fakeBus) Subscribe(filter string, qos byte, h bus.Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[filter] = h
	return nil
}

// inject delivers a payload to the handler subscribed on topic.
func (b *fakeBus) inject(t *testing.T, topic string, payload []byte) {
	t.Helper()
	b.mu.Lock()
	h, ok := b.subs[topic]
	b.mu.Unlock()
	if !ok {
		t.Fatalf("no subscription on %s", topic)
	}
	h(topic, payload)
}

// published returns the payloads published on topic.
func (b *fakeBus) published(topic string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out [][]byte
	for _, m := range b.msgs {
		if m.topic == topic {
			out = append(out, m.payload)
		}
	}
	return out
}

// fakeMeasurer returns a fixed measurement or error and counts resets.
type fakeMeasurer struct {
	mu     stdsync.Mutex
	m      drift.Measurement
	err    error
	resets int
}

func (f *fakeMeasurer) Measure(ctx context.Context, mic []float32, channels int) (drift.Measurement, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.m, f.err
}

func (f *fakeMeasurer) Stats() drift.Stats { return drift.Stats{} }

func (f *fakeMeasurer) Reset() {
	f.mu.Lock()
	f.resets++
	f.mu.Unlock()
}

func (f *fakeMeasurer) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

func newTestAgent(t *testing.T, fb *fakeBus, fm Measurer, d driver.Driver) *Agent {
	t.Helper()
	mic := source.NewTone(source.ToneConfig{Rate: 8000, Channels: 1})
	a, err := NewAgent(Config{
		DeviceID:        "lounge",
		DeviceName:      "Lounge Speaker",
		DeviceType:      protocol.DeviceAnalog,
		SyncGroup:       "house",
		BaseLatencyMS:   50,
		StreamURL:       "http://transmitter:8000/stream",
		MeasureInterval: 25 * time.Millisecond,
		CaptureWindow:   10 * time.Millisecond,
		SignalStrength:  func() float64 { return -55 },
		Bus:             fb,
		Driver:          d,
		Mic:             mic,
		Estimator:       fm,
		Logger:          (*logging.TestLogger)(t),
	})
	if err != nil {
		t.Fatalf("NewAgent failed: %v", err)
	}
	return a
}

func mustTopic(t *testing.T, mt protocol.MessageType, id string) string {
	t.Helper()
	topic, err := protocol.Topic(mt, id)
	if err != nil {
		t.Fatalf("Topic(%v, %s) failed: %v", mt, id, err)
	}
	return topic
}

func TestStartRegistersAndSubscribes(t *testing.T) {
	fb := newFakeBus()
	d := driver.NewManual()
	a := newTestAgent(t, fb, &fakeMeasurer{}, d)

	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	regs := fb.published(mustTopic(t, protocol.MsgRegister, "lounge"))
	if len(regs) != 1 {
		t.Fatalf("got %d registrations, want 1", len(regs))
	}
	m, err := protocol.Unmarshal(protocol.MsgRegister, regs[0])
	if err != nil {
		t.Fatalf("could not unmarshal registration: %v", err)
	}
	reg := m.(protocol.DeviceRegister)
	if reg.DeviceID != "lounge" || reg.SyncGroup != "house" || reg.BaseLatencyMS != 50 {
		t.Errorf("unexpected registration: %+v", reg)
	}

	for _, topic := range []string{
		mustTopic(t, protocol.MsgBufferOffset, "lounge"),
		mustTopic(t, protocol.MsgCommand, "lounge"),
		mustTopic(t, protocol.MsgCommand, protocol.BroadcastID),
		mustTopic(t, protocol.MsgConfig, "lounge"),
		mustTopic(t, protocol.MsgConfig, protocol.BroadcastID),
	} {
		fb.mu.Lock()
		_, ok := fb.subs[topic]
		fb.mu.Unlock()
		if !ok {
			t.Errorf("missing subscription on %s", topic)
		}
	}

	if d.StreamURL != "http://transmitter:8000/stream" {
		t.Errorf("stream URL %q, want configured URL", d.StreamURL)
	}
}

func TestOffsetApplied(t *testing.T) {
	fb := newFakeBus()
	d := driver.NewManual()
	a := newTestAgent(t, fb, &fakeMeasurer{}, d)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	topic := mustTopic(t, protocol.MsgBufferOffset, "lounge")
	b, err := protocol.Marshal(protocol.BufferOffset{DeviceID: "lounge", OffsetMS: 42.5, Timestamp: protocol.Now()})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	fb.inject(t, topic, b)

	if got := a.Offset(); got != 42.5 {
		t.Errorf("offset %v, want 42.5", got)
	}
	if got := d.Status().DelayMS; got != 42.5 {
		t.Errorf("driver delay %v, want 42.5", got)
	}

	// An offset for another device arriving on our topic is ignored.
	b, err = protocol.Marshal(protocol.BufferOffset{DeviceID: "kitchen", OffsetMS: 99, Timestamp: protocol.Now()})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	fb.inject(t, topic, b)
	if got := a.Offset(); got != 42.5 {
		t.Errorf("offset %v after foreign message, want 42.5", got)
	}

	// Malformed payloads are dropped whole.
	fb.inject(t, topic, []byte(`{"device_id":"lounge"}`))
	if got := a.Offset(); got != 42.5 {
		t.Errorf("offset %v after invalid message, want 42.5", got)
	}
}

func TestCommands(t *testing.T) {
	fb := newFakeBus()
	d := driver.NewManual()
	fm := &fakeMeasurer{}
	a := newTestAgent(t, fb, fm, d)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	topic := mustTopic(t, protocol.MsgCommand, "lounge")
	send := func(cmd protocol.CommandType, params map[string]interface{}) {
		t.Helper()
		b, err := protocol.Marshal(protocol.NewCommand("lounge", cmd, params))
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		fb.inject(t, topic, b)
	}

	send(protocol.CmdSetVolume, map[string]interface{}{"volume": 0.3})
	if got := d.Status().Volume; got != 0.3 {
		t.Errorf("volume %v, want 0.3", got)
	}

	send(protocol.CmdMute, nil)
	if got := d.Status().Volume; got != 0 {
		t.Errorf("volume %v after mute, want 0", got)
	}

	// Volume changes while muted are held until unmute.
	send(protocol.CmdSetVolume, map[string]interface{}{"volume": 0.8})
	if got := d.Status().Volume; got != 0 {
		t.Errorf("volume %v while muted, want 0", got)
	}
	send(protocol.CmdUnmute, nil)
	if got := d.Status().Volume; got != 0.8 {
		t.Errorf("volume %v after unmute, want 0.8", got)
	}

	send(protocol.CmdSetDelay, map[string]interface{}{"delay_ms": 75.0})
	if got := d.Status().DelayMS; got != 75 {
		t.Errorf("delay %v, want 75", got)
	}
	if got := a.Offset(); got != 75 {
		t.Errorf("offset %v, want 75", got)
	}

	send(protocol.CmdTestTone, map[string]interface{}{"url": "http://transmitter:8000/tone"})
	if d.StreamURL != "http://transmitter:8000/tone" {
		t.Errorf("stream URL %q, want test tone URL", d.StreamURL)
	}

	send(protocol.CmdRestart, nil)
	if d.StreamURL != "http://transmitter:8000/stream" {
		t.Errorf("stream URL %q after restart, want configured URL", d.StreamURL)
	}

	send(protocol.CmdResync, nil)
	if got := fm.resetCount(); got != 1 {
		t.Errorf("resets %d after resync, want 1", got)
	}
	regs := fb.published(mustTopic(t, protocol.MsgRegister, "lounge"))
	if len(regs) != 2 {
		t.Errorf("got %d registrations after resync, want 2", len(regs))
	}

	send(protocol.CmdCalibrate, nil)
	if got := fm.resetCount(); got != 2 {
		t.Errorf("resets %d after calibrate, want 2", got)
	}
}

func TestBroadcastCommand(t *testing.T) {
	fb := newFakeBus()
	d := driver.NewManual()
	a := newTestAgent(t, fb, &fakeMeasurer{}, d)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	b, err := protocol.Marshal(protocol.NewCommand(protocol.BroadcastID, protocol.CmdSetVolume, map[string]interface{}{"volume": 0.6}))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	fb.inject(t, mustTopic(t, protocol.MsgCommand, protocol.BroadcastID), b)
	if got := d.Status().Volume; got != 0.6 {
		t.Errorf("volume %v after broadcast command, want 0.6", got)
	}
}

func TestConfigUpdate(t *testing.T) {
	fb := newFakeBus()
	d := driver.NewManual()
	a := newTestAgent(t, fb, &fakeMeasurer{}, d)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	b, err := protocol.Marshal(protocol.ConfigUpdate{
		DeviceID:      "lounge",
		Config:        map[string]interface{}{"volume": 0.25, "base_latency_ms": 80.0},
		ConfigVersion: "2",
		Timestamp:     protocol.Now(),
	})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	fb.inject(t, mustTopic(t, protocol.MsgConfig, "lounge"), b)

	if got := d.Status().Volume; got != 0.25 {
		t.Errorf("volume %v after config, want 0.25", got)
	}
	a.mu.Lock()
	base := a.cfg.BaseLatencyMS
	a.mu.Unlock()
	if base != 80 {
		t.Errorf("base latency %v after config, want 80", base)
	}
}

func TestMeasureLoopPublishesDrift(t *testing.T) {
	fb := newFakeBus()
	fm := &fakeMeasurer{m: drift.Measurement{
		DriftMS:       12.5,
		Correlation:   0.92,
		AvgDriftMS:    12.5,
		DriftVariance: 0.2,
		Time:          time.Now(),
		Count:         1,
	}}
	a := newTestAgent(t, fb, fm, driver.NewManual())
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop()

	topic := mustTopic(t, protocol.MsgDriftReport, "lounge")
	deadline := time.Now().Add(2 * time.Second)
	var reports [][]byte
	for time.Now().Before(deadline) {
		if reports = fb.published(topic); len(reports) != 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(reports) == 0 {
		t.Fatal("no drift report published")
	}

	m, err := protocol.Unmarshal(protocol.MsgDriftReport, reports[0])
	if err != nil {
		t.Fatalf("could not unmarshal drift report: %v", err)
	}
	rep := m.(protocol.DriftReport)
	if rep.DeviceID != "lounge" || rep.DriftMS != 12.5 || rep.Correlation != 0.92 {
		t.Errorf("unexpected drift report: %+v", rep)
	}
	if rep.SignalStrength != -55 {
		t.Errorf("signal strength %v, want -55", rep.SignalStrength)
	}
}

func TestRejectedMeasurementNotPublished(t *testing.T) {
	fb := newFakeBus()
	fm := &fakeMeasurer{err: drift.ErrLowCorrelation}
	a := newTestAgent(t, fb, fm, driver.NewManual())
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	a.Stop()

	topic := mustTopic(t, protocol.MsgDriftReport, "lounge")
	if reports := fb.published(topic); len(reports) != 0 {
		t.Errorf("got %d drift reports for rejected measurements, want 0", len(reports))
	}
}

func TestStopIdempotentAndOfflineStatus(t *testing.T) {
	fb := newFakeBus()
	d := driver.NewManual()
	a := newTestAgent(t, fb, &fakeMeasurer{}, d)
	if err := a.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	a.Stop()
	a.Stop()

	statuses := fb.published(mustTopic(t, protocol.MsgStatus, "lounge"))
	if len(statuses) == 0 {
		t.Fatal("no status published on stop")
	}
	m, err := protocol.Unmarshal(protocol.MsgStatus, statuses[len(statuses)-1])
	if err != nil {
		t.Fatalf("could not unmarshal status: %v", err)
	}
	if st := m.(protocol.DeviceStatus); st.IsOnline {
		t.Errorf("final status %+v, want offline", st)
	}

	if s := d.Status(); s.Connected || s.Streaming {
		t.Errorf("driver status %+v after Stop, want idle", s)
	}
}

func TestConfigValidation(t *testing.T) {
	cfg := Config{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty config")
	}
	if _, err := NewAgent(Config{DeviceID: "x"}); err == nil {
		t.Error("expected error for incomplete config")
	}
}
