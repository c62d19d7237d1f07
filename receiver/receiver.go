/*
NAME
  receiver.go

DESCRIPTION
  receiver.go provides Agent, the receiver-side control loop. It registers
  the device with the controller, periodically captures microphone audio
  and reports measured drift, applies buffer offsets to the playback
  driver, answers commands, and maintains heartbeat and status publishing.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package receiver implements the playback node agent of the
// synchronization control plane.
package receiver

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/syncstream/audio/source"
	"github.com/ausocean/syncstream/bus"
	"github.com/ausocean/syncstream/drift"
	"github.com/ausocean/syncstream/driver"
	"github.com/ausocean/syncstream/protocol"
	"github.com/ausocean/utils/logging"
)

// Agent defaults.
const (
	defaultMeasureInterval = 5 * time.Second
	defaultCaptureWindow   = 2 * time.Second
	stopTimeout            = 5 * time.Second
	captureQueueLen        = 3
)

// capabilities announced at registration.
var agentCapabilities = []string{"drift_report", "buffer_offset", "volume", "commands"}

// Bus is the messaging surface the agent needs; *bus.Bus satisfies it.
type Bus interface {
	Publish(topic string, qos byte, payload []byte) error
	Subscribe(filter string, qos byte, handler bus.Handler) error
}

// Measurer produces drift measurements; *drift.Estimator satisfies it.
type Measurer interface {
	Measure(ctx context.Context, mic []float32, channels int) (drift.Measurement, error)
	Stats() drift.Stats
	Reset()
}

// Config holds the parameters of an Agent.
type Config struct {
	DeviceID      string
	DeviceName    string
	DeviceType    protocol.DeviceType
	Location      string
	SyncGroup     string
	BaseLatencyMS float64

	// StreamURL is the audio stream the driver plays.
	StreamURL string

	// MeasureInterval is the period between drift measurements and
	// CaptureWindow the length of microphone audio captured for each.
	MeasureInterval time.Duration
	CaptureWindow   time.Duration

	// SignalStrength reports the host's network signal in dBm for drift
	// reports. Defaults to reading /proc/net/wireless, falling back to a
	// nominal wired-link figure.
	SignalStrength func() float64

	Bus       Bus
	Driver    driver.Driver
	Mic       source.Source
	Estimator Measurer
	Logger    logging.Logger
}

// Validate fills defaults and checks required fields.
func (c *Config) Validate() error {
	switch {
	case c.DeviceID == "":
		return errors.New("receiver: device ID required")
	case c.DeviceName == "":
		return errors.New("receiver: device name required")
	case !protocol.ValidDeviceType(string(c.DeviceType)):
		return errors.Errorf("receiver: invalid device type %q", c.DeviceType)
	case c.Bus == nil:
		return errors.New("receiver: bus required")
	case c.Driver == nil:
		return errors.New("receiver: driver required")
	case c.Mic == nil:
		return errors.New("receiver: microphone source required")
	case c.Estimator == nil:
		return errors.New("receiver: estimator required")
	case c.Logger == nil:
		return errors.New("receiver: logger required")
	}
	if c.SyncGroup == "" {
		c.SyncGroup = "default"
	}
	if c.MeasureInterval == 0 {
		c.MeasureInterval = defaultMeasureInterval
	}
	if c.CaptureWindow == 0 {
		c.CaptureWindow = defaultCaptureWindow
	}
	if c.SignalStrength == nil {
		c.SignalStrength = wirelessSignal
	}
	return nil
}

// Agent is the receiver node's control loop.
type Agent struct {
	cfg Config
	log logging.Logger

	mu        sync.Mutex
	running   bool
	started   time.Time
	volume    float64
	muted     bool
	offsetMS  float64
	heartbeat uint32

	captures chan []float32
	quit     chan struct{}
	wg       sync.WaitGroup
}

// NewAgent returns an Agent with the given configuration.
func NewAgent(cfg Config) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Agent{cfg: cfg, log: cfg.Logger, volume: 1}, nil
}

// Start connects the driver, subscribes to the agent's topics, registers
// with the controller, begins playback and launches the capture, measure
// and heartbeat loops.
func (a *Agent) Start() error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	if err := a.cfg.Driver.Connect(); err != nil {
		return errors.Wrap(err, "receiver: could not connect driver")
	}
	if err := a.cfg.Mic.Start(); err != nil {
		return errors.Wrap(err, "receiver: could not start microphone")
	}

	if err := a.subscribe(); err != nil {
		return err
	}
	if err := a.Register(); err != nil {
		a.log.Warning("receiver: initial registration failed", "error", err.Error())
	}

	if a.cfg.StreamURL != "" {
		if err := a.cfg.Driver.StartStream(a.cfg.StreamURL); err != nil {
			a.log.Error("receiver: could not start playback", "error", err.Error())
		}
	}

	a.mu.Lock()
	a.captures = make(chan []float32, captureQueueLen)
	a.quit = make(chan struct{})
	a.started = time.Now()
	a.running = true
	a.mu.Unlock()

	a.wg.Add(3)
	go a.captureLoop()
	go a.measureLoop()
	go a.heartbeatLoop()

	a.log.Info("receiver: agent started", "device", a.cfg.DeviceID, "group", a.cfg.SyncGroup)
	return nil
}

// Stop halts the loops, playback and capture. It is idempotent and
// returns within a bounded time even if a loop is wedged.
func (a *Agent) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	close(a.quit)
	a.mu.Unlock()

	a.publishStatus(false)

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		a.log.Warning("receiver: loops did not stop in time")
	}

	if err := a.cfg.Mic.Stop(); err != nil {
		a.log.Warning("receiver: could not stop microphone", "error", err.Error())
	}
	if err := a.cfg.Driver.Disconnect(); err != nil {
		a.log.Warning("receiver: could not disconnect driver", "error", err.Error())
	}
	a.log.Info("receiver: agent stopped", "device", a.cfg.DeviceID)
}

// Register announces the device to the controller. The bus re-runs it
// after every reconnect via its OnConnect hook.
func (a *Agent) Register() error {
	topic, err := protocol.Topic(protocol.MsgRegister, a.cfg.DeviceID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	base := a.cfg.BaseLatencyMS
	a.mu.Unlock()
	b, err := protocol.Marshal(protocol.DeviceRegister{
		DeviceID:      a.cfg.DeviceID,
		DeviceName:    a.cfg.DeviceName,
		DeviceType:    a.cfg.DeviceType,
		Location:      a.cfg.Location,
		BaseLatencyMS: float32(base),
		SyncGroup:     a.cfg.SyncGroup,
		Capabilities:  agentCapabilities,
		Version:       protocol.Version,
	})
	if err != nil {
		return err
	}
	if err := a.cfg.Bus.Publish(topic, protocol.DefaultQoS, b); err != nil {
		return errors.Wrap(err, "receiver: could not publish registration")
	}
	a.log.Info("receiver: registered", "device", a.cfg.DeviceID)
	return nil
}

// subscribe wires the agent's inbound topics: its buffer offsets, and
// direct plus broadcast config and commands.
func (a *Agent) subscribe() error {
	subs := []struct {
		msgType  protocol.MessageType
		deviceID string
		handler  bus.Handler
	}{
		{protocol.MsgBufferOffset, a.cfg.DeviceID, a.handleOffset},
		{protocol.MsgCommand, a.cfg.DeviceID, a.handleCommand},
		{protocol.MsgCommand, protocol.BroadcastID, a.handleCommand},
		{protocol.MsgConfig, a.cfg.DeviceID, a.handleConfig},
		{protocol.MsgConfig, protocol.BroadcastID, a.handleConfig},
	}
	for _, s := range subs {
		topic, err := protocol.Topic(s.msgType, s.deviceID)
		if err != nil {
			return err
		}
		if err := a.cfg.Bus.Subscribe(topic, protocol.DefaultQoS, s.handler); err != nil {
			return errors.Wrapf(err, "receiver: could not subscribe to %s", topic)
		}
	}
	return nil
}

// captureLoop records a capture window each measurement period and queues
// it for measurement, dropping the oldest pending window when the
// measurement path falls behind.
func (a *Agent) captureLoop() {
	defer a.wg.Done()
	tick := time.NewTicker(a.cfg.MeasureInterval)
	defer tick.Stop()

	for {
		select {
		case <-a.quit:
			return
		case <-tick.C:
		}

		mic := a.cfg.Mic
		frames := int(float64(mic.SampleRate()) * a.cfg.CaptureWindow.Seconds())
		buf := make([]float32, frames*mic.Channels())
		n, err := mic.ReadFrames(buf)
		if err != nil {
			a.log.Warning("receiver: capture failed", "error", err.Error())
			continue
		}
		buf = buf[:n*mic.Channels()]

		select {
		case a.captures <- buf:
		default:
			// Measurement is lagging; newest audio wins.
			select {
			case <-a.captures:
			default:
			}
			select {
			case a.captures <- buf:
			default:
			}
			a.log.Debug("receiver: dropped stale capture")
		}
	}
}

// measureLoop measures drift for each queued capture and reports accepted
// measurements to the controller.
func (a *Agent) measureLoop() {
	defer a.wg.Done()
	for {
		var capture []float32
		select {
		case <-a.quit:
			return
		case capture = <-a.captures:
		}

		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.MeasureInterval)
		m, err := a.cfg.Estimator.Measure(ctx, capture, a.cfg.Mic.Channels())
		cancel()
		if err != nil {
			a.log.Debug("receiver: measurement not reported", "reason", err.Error())
			continue
		}
		a.publishDrift(m)
	}
}

// publishDrift sends an accepted measurement as a drift report.
func (a *Agent) publishDrift(m drift.Measurement) {
	topic, err := protocol.Topic(protocol.MsgDriftReport, a.cfg.DeviceID)
	if err != nil {
		a.log.Error("receiver: bad drift topic", "error", err.Error())
		return
	}
	b, err := protocol.Marshal(protocol.DriftReport{
		DeviceID:         a.cfg.DeviceID,
		DriftMS:          float32(m.DriftMS),
		Correlation:      float32(m.Correlation),
		SignalStrength:   float32(a.cfg.SignalStrength()),
		MeasurementTime:  float64(m.Time.UnixNano()) / 1e9,
		MeasurementCount: uint32(m.Count),
		AvgDriftMS:       float32(m.AvgDriftMS),
		DriftVariance:    float32(m.DriftVariance),
	})
	if err != nil {
		a.log.Error("receiver: could not marshal drift report", "error", err.Error())
		return
	}
	if err := a.cfg.Bus.Publish(topic, protocol.DefaultQoS, b); err != nil {
		a.log.Warning("receiver: could not publish drift report", "error", err.Error())
		return
	}
	a.log.Info("receiver: drift reported", "drift", m.DriftMS, "correlation", m.Correlation)
}

// heartbeatLoop publishes a heartbeat and device status at the protocol
// heartbeat interval, both best-effort.
func (a *Agent) heartbeatLoop() {
	defer a.wg.Done()
	tick := time.NewTicker(protocol.HeartbeatInterval)
	defer tick.Stop()
	for {
		select {
		case <-a.quit:
			return
		case <-tick.C:
			a.publishHeartbeat()
			a.publishStatus(true)
		}
	}
}

func (a *Agent) publishHeartbeat() {
	a.mu.Lock()
	a.heartbeat++
	seq := a.heartbeat
	a.mu.Unlock()

	topic, err := protocol.Topic(protocol.MsgHeartbeat, a.cfg.DeviceID)
	if err != nil {
		return
	}
	b, err := protocol.Marshal(protocol.Heartbeat{
		DeviceID:  a.cfg.DeviceID,
		Timestamp: protocol.Now(),
		Sequence:  seq,
	})
	if err != nil {
		return
	}
	if err := a.cfg.Bus.Publish(topic, 0, b); err != nil {
		a.log.Debug("receiver: heartbeat not published", "error", err.Error())
	}
}

// publishStatus reports the device's health and playback state.
func (a *Agent) publishStatus(online bool) {
	topic, err := protocol.Topic(protocol.MsgStatus, a.cfg.DeviceID)
	if err != nil {
		return
	}

	ds := a.cfg.Driver.Status()
	stats := a.cfg.Estimator.Stats()
	a.mu.Lock()
	muted := a.muted
	volume := a.volume
	offset := a.offsetMS
	uptime := time.Since(a.started).Seconds()
	a.mu.Unlock()

	b, err := protocol.Marshal(protocol.DeviceStatus{
		DeviceID:           a.cfg.DeviceID,
		IsOnline:           online,
		IsPlaying:          ds.Streaming,
		IsMuted:            muted,
		Volume:             float32(volume),
		CurrentOffsetMS:    float32(offset),
		Uptime:             uptime,
		LastDriftMS:        float32(stats.LastDriftMS),
		CorrelationQuality: float32(stats.AvgCorrelation),
		Timestamp:          protocol.Now(),
	})
	if err != nil {
		return
	}
	if err := a.cfg.Bus.Publish(topic, 0, b); err != nil {
		a.log.Debug("receiver: status not published", "error", err.Error())
	}
}

// handleOffset applies a controller buffer offset to the playback driver.
// Invalid payloads are dropped whole.
func (a *Agent) handleOffset(topic string, payload []byte) {
	m, err := protocol.Unmarshal(protocol.MsgBufferOffset, payload)
	if err != nil {
		a.log.Warning("receiver: dropped invalid offset", "error", err.Error())
		return
	}
	bo := m.(protocol.BufferOffset)
	if bo.DeviceID != a.cfg.DeviceID {
		return
	}
	if err := a.cfg.Driver.SetDelay(float64(bo.OffsetMS)); err != nil {
		a.log.Error("receiver: could not apply offset", "error", err.Error())
		return
	}
	a.mu.Lock()
	a.offsetMS = float64(bo.OffsetMS)
	a.mu.Unlock()
	a.log.Info("receiver: offset applied", "offsetMS", bo.OffsetMS)
}

// handleConfig applies a configuration update addressed to this device or
// broadcast.
func (a *Agent) handleConfig(topic string, payload []byte) {
	m, err := protocol.Unmarshal(protocol.MsgConfig, payload)
	if err != nil {
		a.log.Warning("receiver: dropped invalid config", "error", err.Error())
		return
	}
	cu := m.(protocol.ConfigUpdate)
	if cu.DeviceID != a.cfg.DeviceID && cu.DeviceID != protocol.BroadcastID {
		return
	}
	a.applyParams(cu.Config)
	a.log.Info("receiver: config applied", "version", cu.ConfigVersion)
}

// handleCommand executes a command addressed to this device or broadcast.
func (a *Agent) handleCommand(topic string, payload []byte) {
	m, err := protocol.Unmarshal(protocol.MsgCommand, payload)
	if err != nil {
		a.log.Warning("receiver: dropped invalid command", "error", err.Error())
		return
	}
	cmd := m.(protocol.Command)
	if cmd.DeviceID != a.cfg.DeviceID && cmd.DeviceID != protocol.BroadcastID {
		return
	}
	a.log.Info("receiver: command received", "command", string(cmd.Command), "id", cmd.CommandID)

	switch cmd.Command {
	case protocol.CmdResync:
		a.cfg.Estimator.Reset()
		if err := a.Register(); err != nil {
			a.log.Warning("receiver: re-registration failed", "error", err.Error())
		}
	case protocol.CmdMute:
		a.setMuted(true)
	case protocol.CmdUnmute:
		a.setMuted(false)
	case protocol.CmdSetVolume:
		if v, ok := numParam(cmd.Params, "volume"); ok {
			a.setVolume(v)
		}
	case protocol.CmdSetDelay:
		if d, ok := numParam(cmd.Params, "delay_ms"); ok {
			if err := a.cfg.Driver.SetDelay(d); err != nil {
				a.log.Error("receiver: could not set delay", "error", err.Error())
				return
			}
			a.mu.Lock()
			a.offsetMS = d
			a.mu.Unlock()
		}
	case protocol.CmdRestart:
		if err := a.cfg.Driver.StopStream(); err != nil {
			a.log.Warning("receiver: could not stop stream", "error", err.Error())
		}
		if a.cfg.StreamURL != "" {
			if err := a.cfg.Driver.StartStream(a.cfg.StreamURL); err != nil {
				a.log.Error("receiver: could not restart stream", "error", err.Error())
			}
		}
	case protocol.CmdShutdown:
		go a.Stop()
	case protocol.CmdCalibrate:
		a.cfg.Estimator.Reset()
	case protocol.CmdTestTone:
		if url, ok := cmd.Params["url"].(string); ok && url != "" {
			if err := a.cfg.Driver.StartStream(url); err != nil {
				a.log.Error("receiver: could not play test tone", "error", err.Error())
			}
		} else {
			a.log.Warning("receiver: test tone command without url")
		}
	case protocol.CmdUpdateConfig:
		a.applyParams(cmd.Params)
	}
}

// applyParams applies recognized tunables from a config or command
// payload, ignoring the rest.
func (a *Agent) applyParams(params map[string]interface{}) {
	if v, ok := numParam(params, "volume"); ok {
		a.setVolume(v)
	}
	if d, ok := numParam(params, "base_latency_ms"); ok {
		a.mu.Lock()
		a.cfg.BaseLatencyMS = d
		a.mu.Unlock()
	}
}

// setVolume applies volume to the driver unless muted, in which case the
// value is kept for unmute.
func (a *Agent) setVolume(v float64) {
	if v < 0 || v > 1 {
		a.log.Warning("receiver: ignoring out-of-range volume", "volume", v)
		return
	}
	a.mu.Lock()
	a.volume = v
	muted := a.muted
	a.mu.Unlock()
	if muted {
		return
	}
	if err := a.cfg.Driver.SetVolume(v); err != nil {
		a.log.Error("receiver: could not set volume", "error", err.Error())
	}
}

func (a *Agent) setMuted(muted bool) {
	a.mu.Lock()
	a.muted = muted
	v := a.volume
	a.mu.Unlock()
	if muted {
		v = 0
	}
	if err := a.cfg.Driver.SetVolume(v); err != nil {
		a.log.Error("receiver: could not apply mute state", "error", err.Error())
	}
}

// numParam extracts a numeric parameter from a decoded JSON map.
func numParam(params map[string]interface{}, key string) (float64, bool) {
	v, ok := params[key].(float64)
	return v, ok
}

// Offset returns the last applied buffer offset.
func (a *Agent) Offset() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offsetMS
}
