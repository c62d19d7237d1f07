/*
NAME
  controller.go

DESCRIPTION
  controller.go provides Controller, the transmitter-side synchronization
  engine. It registers receivers into sync groups, folds their drift
  reports into per-device state, derives a per-group reference drift from
  the stable devices, steps each device's buffer offset toward its target
  and publishes the resulting offsets and a periodic group status.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Alan Noble <alan@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package sync

import (
	"math"
	"sort"
	stdsync "sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/syncstream/protocol"
	"github.com/ausocean/utils/logging"
)

// Controller defaults.
const (
	defaultSyncToleranceMS = 10.0
	defaultAdjustmentRate  = 0.1
	defaultSyncInterval    = time.Second
	defaultSweepInterval   = 5 * time.Second

	// A group needs this many stable devices before a reference drift
	// can be derived.
	minStableForSync = 2
)

// DefaultGroup is the sync group of receivers that register without one.
const DefaultGroup = "default"

var ErrUnknownDevice = errors.New("sync: unknown device")

// Publisher is the outbound half of the message bus used by the
// controller. *bus.Bus satisfies it.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

// EventKind identifies a controller event.
type EventKind string

const (
	EventDriftReported    EventKind = "drift_reported"
	EventOffsetApplied    EventKind = "offset_applied"
	EventDeviceRegistered EventKind = "device_registered"
	EventDeviceTimedOut   EventKind = "device_timed_out"
	EventGroupSynced      EventKind = "group_synced"
)

// Event describes a state change inside the controller. Value carries the
// drift, offset or reference drift of the event, in milliseconds.
type Event struct {
	Kind     EventKind
	DeviceID string
	Group    string
	Value    float64
	Time     time.Time
}

// Config holds the parameters of a Controller.
type Config struct {
	// SyncToleranceMS is the deadband: target offset changes smaller than
	// this are ignored to avoid oscillation.
	SyncToleranceMS float64

	// AdjustmentRate is the fraction of the offset error applied per sync
	// pass, in (0,1].
	AdjustmentRate float64

	// SyncInterval rate-limits sync passes triggered by drift reports.
	SyncInterval time.Duration

	// SweepInterval is how often offline devices are swept and group
	// status broadcast.
	SweepInterval time.Duration

	// Tuning is applied to every registered device.
	Tuning DeviceTuning

	// Events, when set, receives controller events. It is called
	// synchronously with the controller lock held and must not call back
	// into the Controller.
	Events func(Event)

	Publisher Publisher
	Logger    logging.Logger
}

// Validate fills defaults and rejects out-of-range parameters.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("sync: logger required")
	}
	if c.SyncToleranceMS == 0 {
		c.SyncToleranceMS = defaultSyncToleranceMS
	}
	if c.SyncToleranceMS < 0 {
		return errors.New("sync: tolerance must be non-negative")
	}
	if c.AdjustmentRate == 0 {
		c.AdjustmentRate = defaultAdjustmentRate
	}
	if c.AdjustmentRate < 0 || c.AdjustmentRate > 1 {
		return errors.New("sync: adjustment rate out of (0,1]")
	}
	if c.SyncInterval == 0 {
		c.SyncInterval = defaultSyncInterval
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = defaultSweepInterval
	}
	if c.Tuning == (DeviceTuning{}) {
		c.Tuning = DefaultTuning()
	}
	return nil
}

// Controller is the synchronization engine. All state is guarded by mu;
// the publisher is invoked outside device mutation but still under the
// lock so offsets are published in the order they were computed.
type Controller struct {
	cfg Config
	log logging.Logger

	mu      stdsync.Mutex
	devices map[string]*DeviceState
	groups  map[string][]string

	syncEvents   uint64
	lastSyncTime time.Time

	done chan struct{}
	wg   stdsync.WaitGroup

	// now is a hook for tests.
	now func() time.Time
}

// NewController returns a Controller with the given configuration.
func NewController(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Controller{
		cfg:     cfg,
		log:     cfg.Logger,
		devices: make(map[string]*DeviceState),
		groups:  map[string][]string{DefaultGroup: {}},
		now:     time.Now,
	}, nil
}

// Start launches the offline sweep. Stop must be called to release it.
func (c *Controller) Start() {
	c.done = make(chan struct{})
	c.wg.Add(1)
	go c.sweep()
	c.log.Info("sync: controller started", "tolerance", c.cfg.SyncToleranceMS, "rate", c.cfg.AdjustmentRate)
}

// Stop terminates the offline sweep. It is safe to call once after Start.
func (c *Controller) Stop() {
	close(c.done)
	c.wg.Wait()
	c.log.Info("sync: controller stopped")
}

// sweep periodically marks silent devices offline and broadcasts group
// status. Offsets of timed-out devices are preserved so a returning
// device resumes from its last correction rather than from zero.
func (c *Controller) sweep() {
	defer c.wg.Done()
	tick := time.NewTicker(c.cfg.SweepInterval)
	defer tick.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			c.mu.Lock()
			now := c.now()
			for _, d := range c.devices {
				if d.online && !d.OnlineAt(now) {
					d.online = false
					c.emit(EventDeviceTimedOut, d.ID, d.Group, d.currentOffsetMS)
					c.log.Warning("sync: device timed out", "device", d.ID, "lastSeen", d.lastSeen.Format(time.RFC3339))
				}
			}
			c.publishSyncStatus()
			c.mu.Unlock()
		}
	}
}

// Register adds a receiver to its sync group, replacing any previous
// state for the same device ID.
func (c *Controller) Register(reg protocol.DeviceRegister) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.devices[reg.DeviceID]; ok {
		c.removeLocked(reg.DeviceID)
		c.log.Info("sync: re-registering device", "device", reg.DeviceID)
	}
	if reg.SyncGroup == "" {
		reg.SyncGroup = DefaultGroup
	}
	c.devices[reg.DeviceID] = NewDeviceState(reg, c.cfg.Tuning)
	c.groups[reg.SyncGroup] = append(c.groups[reg.SyncGroup], reg.DeviceID)
	c.emit(EventDeviceRegistered, reg.DeviceID, reg.SyncGroup, float64(reg.BaseLatencyMS))
	c.log.Info("sync: registered device", "device", reg.DeviceID, "type", string(reg.DeviceType),
		"group", reg.SyncGroup, "baseLatency", reg.BaseLatencyMS)
}

// Remove drops a device from the controller.
func (c *Controller) Remove(deviceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(deviceID)
}

func (c *Controller) removeLocked(deviceID string) {
	d, ok := c.devices[deviceID]
	if !ok {
		return
	}
	delete(c.devices, deviceID)
	ids := c.groups[d.Group]
	for i, id := range ids {
		if id == deviceID {
			c.groups[d.Group] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	c.log.Info("sync: removed device", "device", deviceID)
}

// UpdateDrift folds a drift report into the device's state and triggers a
// rate-limited sync pass over all groups. Reports for unregistered
// devices are rejected.
func (c *Controller) UpdateDrift(rep protocol.DriftReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.devices[rep.DeviceID]
	if !ok {
		return errors.Wrap(ErrUnknownDevice, rep.DeviceID)
	}
	d.UpdateDrift(float64(rep.DriftMS), float64(rep.SignalStrength), c.now())
	c.emit(EventDriftReported, d.ID, d.Group, float64(rep.DriftMS))
	c.log.Debug("sync: drift updated", "device", d.ID, "drift", rep.DriftMS,
		"avg", d.avgDriftMS, "quality", d.quality)

	if c.now().Sub(c.lastSyncTime) < c.cfg.SyncInterval {
		return nil
	}
	for group, ids := range c.groups {
		c.syncGroup(group, ids)
	}
	c.lastSyncTime = c.now()
	return nil
}

// Heartbeat refreshes a device's liveness without a measurement.
func (c *Controller) Heartbeat(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return errors.Wrap(ErrUnknownDevice, deviceID)
	}
	d.Touch(c.now())
	return nil
}

// SetOffline marks a device offline immediately, ahead of the sweep
// timeout, as on a last-will status. The device's offset is preserved.
func (c *Controller) SetOffline(deviceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return errors.Wrap(ErrUnknownDevice, deviceID)
	}
	d.online = false
	c.log.Info("sync: device marked offline", "device", deviceID)
	return nil
}

// syncGroup derives the group reference drift from its stable online
// devices and steps every member's offset toward the new target. Called
// with the lock held.
func (c *Controller) syncGroup(group string, ids []string) {
	now := c.now()
	var drifts []float64
	for _, id := range ids {
		d := c.devices[id]
		if d != nil && d.OnlineAt(now) && d.IsStable() {
			drifts = append(drifts, d.avgDriftMS)
		}
	}
	if len(drifts) < minStableForSync {
		return
	}
	reference := median(drifts)

	adjusted := 0
	for _, id := range ids {
		d := c.devices[id]
		if d == nil {
			continue
		}
		target := d.CalculateTargetOffset(reference)
		if math.Abs(target-d.targetOffsetMS) <= c.cfg.SyncToleranceMS {
			continue
		}
		d.currentOffsetMS += (target - d.currentOffsetMS) * c.cfg.AdjustmentRate
		d.targetOffsetMS = target
		adjusted++
		c.publishOffset(d)
		c.emit(EventOffsetApplied, d.ID, d.Group, d.currentOffsetMS)
		c.log.Info("sync: adjusted offset", "device", d.ID,
			"offset", d.currentOffsetMS, "target", target)
	}
	if adjusted > 0 {
		c.syncEvents++
		c.emit(EventGroupSynced, "", group, reference)
		c.log.Info("sync: group synchronized", "group", group,
			"adjustments", adjusted, "referenceDrift", reference)
	}
}

// emit delivers an event to the configured sink, if any. Called with the
// lock held.
func (c *Controller) emit(k EventKind, deviceID, group string, v float64) {
	if c.cfg.Events == nil {
		return
	}
	c.cfg.Events(Event{Kind: k, DeviceID: deviceID, Group: group, Value: v, Time: c.now()})
}

// publishOffset sends the device's current offset. Called with the lock
// held; publish failures are logged, not fatal, since the next pass will
// republish.
func (c *Controller) publishOffset(d *DeviceState) {
	if c.cfg.Publisher == nil {
		return
	}
	topic, err := protocol.Topic(protocol.MsgBufferOffset, d.ID)
	if err != nil {
		c.log.Error("sync: bad offset topic", "device", d.ID, "error", err.Error())
		return
	}
	b, err := protocol.Marshal(protocol.BufferOffset{
		DeviceID:  d.ID,
		OffsetMS:  float32(d.currentOffsetMS),
		Timestamp: protocol.Now(),
		SyncGroup: d.Group,
	})
	if err != nil {
		c.log.Error("sync: could not marshal offset", "device", d.ID, "error", err.Error())
		return
	}
	if err := c.cfg.Publisher.Publish(topic, protocol.DefaultQoS, b); err != nil {
		c.log.Warning("sync: could not publish offset", "device", d.ID, "error", err.Error())
	}
}

// publishSyncStatus broadcasts the group snapshot. Called with the lock
// held.
func (c *Controller) publishSyncStatus() {
	if c.cfg.Publisher == nil {
		return
	}
	topic, _ := protocol.Topic(protocol.MsgSyncStatus, "")
	b, err := protocol.Marshal(c.snapshotLocked())
	if err != nil {
		c.log.Error("sync: could not marshal sync status", "error", err.Error())
		return
	}
	if err := c.cfg.Publisher.Publish(topic, 0, b); err != nil {
		c.log.Warning("sync: could not publish sync status", "error", err.Error())
	}
}

// ForceResync runs an immediate sync pass over the named group, or over
// every group when the name is empty, bypassing the rate limit.
func (c *Controller) ForceResync(group string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if group != "" {
		if ids, ok := c.groups[group]; ok {
			c.syncGroup(group, ids)
			c.log.Info("sync: forced resync", "group", group)
		}
	} else {
		for g, ids := range c.groups {
			c.syncGroup(g, ids)
		}
		c.log.Info("sync: forced resync of all groups")
	}
	c.lastSyncTime = c.now()
}

// Reconfigure adjusts the control parameters at runtime. Zero values
// leave the current setting unchanged.
func (c *Controller) Reconfigure(toleranceMS, rate float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if toleranceMS < 0 || rate < 0 || rate > 1 {
		return errors.New("sync: reconfigure parameters out of range")
	}
	if toleranceMS > 0 {
		c.cfg.SyncToleranceMS = toleranceMS
	}
	if rate > 0 {
		c.cfg.AdjustmentRate = rate
	}
	c.log.Info("sync: reconfigured", "tolerance", c.cfg.SyncToleranceMS, "rate", c.cfg.AdjustmentRate)
	return nil
}

// Offset returns the current buffer offset for a device, zero when the
// device is unknown.
func (c *Controller) Offset(deviceID string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[deviceID]; ok {
		return d.currentOffsetMS
	}
	return 0
}

// Offsets returns the current buffer offsets of every device.
func (c *Controller) Offsets() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]float64, len(c.devices))
	for id, d := range c.devices {
		out[id] = d.currentOffsetMS
	}
	return out
}

// DeviceStatus returns the snapshot for one device.
func (c *Controller) DeviceStatus(deviceID string) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d, ok := c.devices[deviceID]
	if !ok {
		return Status{}, errors.Wrap(ErrUnknownDevice, deviceID)
	}
	return d.Status(c.now()), nil
}

// Statuses returns snapshots for every device.
func (c *Controller) Statuses() map[string]Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	out := make(map[string]Status, len(c.devices))
	for id, d := range c.devices {
		out[id] = d.Status(now)
	}
	return out
}

// Snapshot returns the protocol-level group summary broadcast on the
// sync status topic.
func (c *Controller) Snapshot() protocol.SyncStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() protocol.SyncStatus {
	now := c.now()
	groups := make(map[string][]string, len(c.groups))
	for g, ids := range c.groups {
		groups[g] = append([]string(nil), ids...)
	}

	var (
		online   int
		sum, max float64
	)
	for _, d := range c.devices {
		if d.OnlineAt(now) {
			online++
			sum += d.avgDriftMS
			if a := math.Abs(d.lastDriftMS); a > max {
				max = a
			}
		}
	}
	var avg float64
	if online > 0 {
		avg = sum / float64(online)
	}

	var last float64
	if !c.lastSyncTime.IsZero() {
		last = float64(c.lastSyncTime.UnixNano()) / 1e9
	}
	return protocol.SyncStatus{
		SyncGroups:    groups,
		DeviceCount:   len(c.devices),
		OnlineDevices: online,
		SyncEvents:    c.syncEvents,
		LastSyncTime:  last,
		AvgDriftMS:    float32(avg),
		MaxDriftMS:    float32(max),
		Timestamp:     protocol.Now(),
	}
}

// median returns the median of vals, destructively sorting them.
func median(vals []float64) float64 {
	sort.Float64s(vals)
	n := len(vals)
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}
