/*
NAME
  controller_test.go

DESCRIPTION
  controller_test.go contains tests for group synchronization: reference
  drift derivation, gradual offset adjustment, deadband behavior, offline
  handling and offset publication.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package sync

import (
	"encoding/json"
	"errors"
	"math"
	stdsync "sync"
	"testing"
	"time"

	"github.com/ausocean/syncstream/protocol"
	"github.com/ausocean/utils/logging"
)

// fakePublisher records published messages.
type fakePublisher struct {
	mu   stdsync.Mutex
	msgs []publishedMsg
}

type publishedMsg struct {
	topic   string
	qos     byte
	payload []byte
}

func (p *fakePublisher) Publish(topic string, qos byte, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, publishedMsg{topic, qos, payload})
	return nil
}

func (p *fakePublisher) offsets() map[string]float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := map[string]float64{}
	for _, m := range p.msgs {
		var bo protocol.BufferOffset
		if json.Unmarshal(m.payload, &bo) == nil && bo.DeviceID != "" {
			out[bo.DeviceID] = float64(bo.OffsetMS)
		}
	}
	return out
}

// fakeClock steps controller time under test control.
type fakeClock struct {
	mu stdsync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestController(t *testing.T, pub Publisher) (*Controller, *fakeClock) {
	t.Helper()
	c, err := NewController(Config{Publisher: pub, Logger: (*logging.TestLogger)(t)})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c.now = clock.now
	return c, clock
}

func register(c *Controller, id string, base float32) {
	c.Register(protocol.DeviceRegister{
		DeviceID:      id,
		DeviceName:    id,
		DeviceType:    protocol.DeviceAnalog,
		BaseLatencyMS: base,
		SyncGroup:     "default",
	})
}

// feed pushes a drift report and steps the clock past the sync rate limit
// so every report can trigger a pass.
func feed(t *testing.T, c *Controller, clock *fakeClock, id string, drift float32) {
	t.Helper()
	clock.advance(1100 * time.Millisecond)
	err := c.UpdateDrift(protocol.DriftReport{DeviceID: id, DriftMS: drift, Correlation: 0.9, SignalStrength: -50})
	if err != nil {
		t.Fatalf("UpdateDrift(%s) failed: %v", id, err)
	}
}

func TestTwoDeviceConvergence(t *testing.T) {
	pub := &fakePublisher{}
	c, clock := newTestController(t, pub)
	register(c, "a", 50)
	register(c, "b", 100)

	for _, drift := range []float32{10, 12, 11, 10, 12} {
		feed(t, c, clock, "a", drift)
	}
	for _, drift := range []float32{-8, -10, -9, -10, -8} {
		feed(t, c, clock, "b", drift)
	}

	// Averages are 11 and -9, so the reference drift is their median 1.
	// Targets: a = 50 + (1-11) = 40, b = 100 + (1+9) = 110. The first
	// adjusting pass moves each offset a tenth of the way there.
	if got := c.Offset("a"); math.Abs(got-4) > 1e-6 {
		t.Errorf("offset for a = %v, want 4", got)
	}
	if got := c.Offset("b"); math.Abs(got-11) > 1e-6 {
		t.Errorf("offset for b = %v, want 11", got)
	}

	// Both adjustments were published.
	published := pub.offsets()
	if math.Abs(published["a"]-4) > 1e-4 || math.Abs(published["b"]-11) > 1e-4 {
		t.Errorf("published offsets %v, want a=4 b=11", published)
	}

	status, err := c.DeviceStatus("a")
	if err != nil {
		t.Fatalf("DeviceStatus failed: %v", err)
	}
	if !status.IsStable || !status.IsOnline {
		t.Errorf("device a status %+v, want stable and online", status)
	}
}

func TestReferenceIsMedianNotMean(t *testing.T) {
	pub := &fakePublisher{}
	c, clock := newTestController(t, pub)
	register(c, "a", 0)
	register(c, "b", 0)
	register(c, "c", 0)

	// Device c reports a wildly larger but steady drift; the median keeps
	// it from dragging the reference.
	for i := 0; i < 5; i++ {
		feed(t, c, clock, "a", 10)
		feed(t, c, clock, "b", 12)
		feed(t, c, clock, "c", 200)
	}

	// The first adjusting pass runs once a and b are stable, with the
	// reference at median{10,12} = 11: a and b land inside the deadband
	// while c is pulled a tenth of the way toward 11-200 = -189. Once c
	// is stable the reference is median{10,12,200} = 12, far from the
	// mean of 74, and the resulting target shift of 1 ms stays inside
	// the deadband.
	if got := c.Offset("a"); got != 0 {
		t.Errorf("offset for a = %v, want 0 (inside deadband)", got)
	}
	if got := c.Offset("b"); got != 0 {
		t.Errorf("offset for b = %v, want 0 (inside deadband)", got)
	}
	if got := c.Offset("c"); math.Abs(got+18.9) > 1e-6 {
		t.Errorf("offset for c = %v, want -18.9", got)
	}
}

func TestDeadbandSuppressesSmallAdjustments(t *testing.T) {
	pub := &fakePublisher{}
	c, clock := newTestController(t, pub)
	register(c, "a", 0)
	register(c, "b", 0)

	// Both devices drift identically: every target equals the base and
	// stays within the deadband, so nothing is adjusted or published.
	for i := 0; i < 8; i++ {
		feed(t, c, clock, "a", 15)
		feed(t, c, clock, "b", 15)
	}
	if got := c.Offset("a"); got != 0 {
		t.Errorf("offset for a = %v, want 0", got)
	}
	if n := len(pub.offsets()); n != 0 {
		t.Errorf("%d offsets published inside deadband, want 0", n)
	}
}

func TestRateLimitSkipsBackToBackPasses(t *testing.T) {
	pub := &fakePublisher{}
	c, clock := newTestController(t, pub)
	register(c, "a", 50)
	register(c, "b", 100)

	for _, drift := range []float32{10, 12, 11, 10, 12} {
		feed(t, c, clock, "a", drift)
	}
	for _, drift := range []float32{-8, -10, -9, -10} {
		feed(t, c, clock, "b", drift)
	}
	// The fifth report for b arrives within the rate limit window, so no
	// pass runs and no offset moves yet.
	err := c.UpdateDrift(protocol.DriftReport{DeviceID: "b", DriftMS: -8, Correlation: 0.9, SignalStrength: -50})
	if err != nil {
		t.Fatalf("UpdateDrift failed: %v", err)
	}
	if got := c.Offset("b"); got != 0 {
		t.Errorf("offset moved to %v despite rate limit", got)
	}

	// ForceResync bypasses the limit.
	c.ForceResync("default")
	if got := c.Offset("b"); math.Abs(got-11) > 1e-6 {
		t.Errorf("offset for b = %v after forced resync, want 11", got)
	}
}

func TestUnknownDeviceRejected(t *testing.T) {
	c, _ := newTestController(t, &fakePublisher{})
	err := c.UpdateDrift(protocol.DriftReport{DeviceID: "ghost", DriftMS: 1, Correlation: 0.9})
	if err == nil {
		t.Error("expected error for unregistered device")
	}
}

func TestTimeoutPreservesOffset(t *testing.T) {
	pub := &fakePublisher{}
	c, clock := newTestController(t, pub)
	register(c, "a", 50)
	register(c, "b", 100)

	for _, drift := range []float32{10, 12, 11, 10, 12} {
		feed(t, c, clock, "a", drift)
	}
	for _, drift := range []float32{-8, -10, -9, -10, -8} {
		feed(t, c, clock, "b", drift)
	}
	want := c.Offset("b")
	if want == 0 {
		t.Fatal("expected an adjustment before timeout")
	}

	// Device b goes silent past the online timeout. Its offset must be
	// preserved so it resumes from the last correction.
	clock.advance(defaultOnlineTimeout + time.Second)
	status, err := c.DeviceStatus("b")
	if err != nil {
		t.Fatalf("DeviceStatus failed: %v", err)
	}
	if status.IsOnline {
		t.Error("device still online after timeout")
	}
	if got := c.Offset("b"); got != want {
		t.Errorf("offset changed from %v to %v across timeout", want, got)
	}

	// With only one online device the group has no quorum; a forced pass
	// must not move anything.
	c.ForceResync("default")
	if got := c.Offset("a"); math.Abs(got-4) > 1e-6 {
		t.Errorf("offset for a moved to %v without quorum", got)
	}
}

func TestEventSink(t *testing.T) {
	var events []Event
	c, err := NewController(Config{
		Events:    func(e Event) { events = append(events, e) },
		Publisher: &fakePublisher{},
		Logger:    (*logging.TestLogger)(t),
	})
	if err != nil {
		t.Fatalf("NewController failed: %v", err)
	}
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	c.now = clock.now

	register(c, "a", 50)
	register(c, "b", 100)
	for _, drift := range []float32{10, 12, 11, 10, 12} {
		feed(t, c, clock, "a", drift)
	}
	for _, drift := range []float32{-8, -10, -9, -10, -8} {
		feed(t, c, clock, "b", drift)
	}

	counts := make(map[EventKind]int)
	for _, e := range events {
		counts[e.Kind]++
	}
	if counts[EventDeviceRegistered] != 2 {
		t.Errorf("got %d registration events, want 2", counts[EventDeviceRegistered])
	}
	if counts[EventDriftReported] != 10 {
		t.Errorf("got %d drift events, want 10", counts[EventDriftReported])
	}
	if counts[EventOffsetApplied] == 0 {
		t.Error("no offset events emitted")
	}
	if counts[EventGroupSynced] == 0 {
		t.Error("no group sync events emitted")
	}
	for _, e := range events {
		if e.Kind == EventGroupSynced && e.Group != DefaultGroup {
			t.Errorf("group sync event for group %q, want %q", e.Group, DefaultGroup)
		}
	}
}

func TestHeartbeatKeepsDeviceOnline(t *testing.T) {
	c, clock := newTestController(t, &fakePublisher{})
	register(c, "a", 50)
	feed(t, c, clock, "a", 10)

	// Heartbeats alone keep the device online past the drift timeout.
	for i := 0; i < 4; i++ {
		clock.advance(defaultOnlineTimeout - time.Second)
		if err := c.Heartbeat("a"); err != nil {
			t.Fatalf("Heartbeat failed: %v", err)
		}
	}
	status, err := c.DeviceStatus("a")
	if err != nil {
		t.Fatalf("DeviceStatus failed: %v", err)
	}
	if !status.IsOnline {
		t.Error("device offline despite heartbeats")
	}

	if err := c.Heartbeat("ghost"); !errors.Is(err, ErrUnknownDevice) {
		t.Errorf("got %v for unknown device, want ErrUnknownDevice", err)
	}
}

func TestSetOffline(t *testing.T) {
	c, clock := newTestController(t, &fakePublisher{})
	register(c, "a", 50)
	feed(t, c, clock, "a", 10)

	if err := c.SetOffline("a"); err != nil {
		t.Fatalf("SetOffline failed: %v", err)
	}
	status, err := c.DeviceStatus("a")
	if err != nil {
		t.Fatalf("DeviceStatus failed: %v", err)
	}
	if status.IsOnline {
		t.Error("device online after SetOffline")
	}

	// A fresh report brings it back.
	feed(t, c, clock, "a", 11)
	status, err = c.DeviceStatus("a")
	if err != nil {
		t.Fatalf("DeviceStatus failed: %v", err)
	}
	if !status.IsOnline {
		t.Error("device offline after new report")
	}
}

func TestSnapshot(t *testing.T) {
	c, clock := newTestController(t, &fakePublisher{})
	register(c, "a", 0)
	register(c, "b", 0)

	for i := 0; i < 5; i++ {
		feed(t, c, clock, "a", 10)
	}

	s := c.Snapshot()
	if s.DeviceCount != 2 {
		t.Errorf("got device count %d, want 2", s.DeviceCount)
	}
	if s.OnlineDevices != 1 {
		t.Errorf("got %d online devices, want 1 (b never reported)", s.OnlineDevices)
	}
	if len(s.SyncGroups["default"]) != 2 {
		t.Errorf("got groups %v, want both devices in default", s.SyncGroups)
	}
}

func TestRemoveAndReregister(t *testing.T) {
	c, clock := newTestController(t, &fakePublisher{})
	register(c, "a", 0)
	register(c, "b", 0)

	for i := 0; i < 5; i++ {
		feed(t, c, clock, "a", 10)
	}
	c.Remove("a")
	if _, err := c.DeviceStatus("a"); err == nil {
		t.Error("removed device still has status")
	}
	if len(c.Snapshot().SyncGroups["default"]) != 1 {
		t.Error("removed device still in its group")
	}

	// Re-registration resets accumulated state.
	register(c, "b", 25)
	status, err := c.DeviceStatus("b")
	if err != nil {
		t.Fatalf("DeviceStatus failed: %v", err)
	}
	if status.Measurements != 0 {
		t.Errorf("re-registered device kept %d measurements", status.Measurements)
	}
}

func TestReconfigure(t *testing.T) {
	c, _ := newTestController(t, &fakePublisher{})
	if err := c.Reconfigure(20, 0.5); err != nil {
		t.Fatalf("Reconfigure failed: %v", err)
	}
	if c.cfg.SyncToleranceMS != 20 || c.cfg.AdjustmentRate != 0.5 {
		t.Errorf("got tolerance %v rate %v, want 20 and 0.5", c.cfg.SyncToleranceMS, c.cfg.AdjustmentRate)
	}
	if err := c.Reconfigure(-1, 0); err == nil {
		t.Error("expected error for negative tolerance")
	}
	if err := c.Reconfigure(0, 1.5); err == nil {
		t.Error("expected error for rate above 1")
	}
}
