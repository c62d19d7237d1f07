/*
NAME
  device.go

DESCRIPTION
  device.go provides DeviceState, the per-receiver synchronization record
  tracked by the controller: bounded drift history, smoothed statistics,
  connection quality, stability classification and buffer offset state.

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

// Package sync implements the playback synchronization control plane: it
// consumes drift reports from receivers, derives a per-group reference
// drift, and steers each receiver's buffer offset toward alignment.
package sync

import (
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/ausocean/syncstream/protocol"
)

// Per-device defaults.
const (
	defaultHistoryLen    = 50
	defaultRecentWindow  = 10
	defaultOnlineTimeout = 30 * time.Second
	defaultMaxVariance   = 25.0
	defaultMinSamples    = 5
	defaultMinQuality    = 0.5

	// Connection quality maps a Wi-Fi RSSI in dBm onto [0,1]: -80 dBm and
	// below scores 0, -50 dBm and above scores 1. Drift variance is scaled
	// against varianceScale for the stability half of the score.
	signalFloorDBm = 80.0
	signalRangeDBm = 30.0
	varianceScale  = 100.0

	// Statistics need a few samples before they mean anything.
	minSamplesForStats = 3
)

// DeviceTuning holds the per-device parameters a controller applies to
// every DeviceState it creates.
type DeviceTuning struct {
	HistoryLen    int           // drift measurements retained
	RecentWindow  int           // measurements in the smoothing window
	OnlineTimeout time.Duration // silence before a device counts as offline
	MaxVariance   float64       // stability bound on drift variance (ms²)
	MinSamples    int           // measurements required for stability
	MinQuality    float64       // connection quality required for stability
}

// DefaultTuning returns the standard device tuning.
func DefaultTuning() DeviceTuning {
	return DeviceTuning{
		HistoryLen:    defaultHistoryLen,
		RecentWindow:  defaultRecentWindow,
		OnlineTimeout: defaultOnlineTimeout,
		MaxVariance:   defaultMaxVariance,
		MinSamples:    defaultMinSamples,
		MinQuality:    defaultMinQuality,
	}
}

// measurement is one accepted drift sample.
type measurement struct {
	driftMS  float64
	strength float64
	when     time.Time
}

// DeviceState is the controller-side synchronization record for one
// receiver. It is not safe for concurrent use; the owning Controller
// serializes all access under its lock.
type DeviceState struct {
	ID            string
	Name          string
	Type          protocol.DeviceType
	Group         string
	BaseLatencyMS float64

	tuning  DeviceTuning
	history []measurement

	lastDriftMS float64
	lastDrift   time.Time
	lastSeen    time.Time
	online      bool

	avgDriftMS    float64
	driftVariance float64
	quality       float64

	currentOffsetMS float64
	targetOffsetMS  float64
}

// NewDeviceState returns a DeviceState for the registered device.
func NewDeviceState(reg protocol.DeviceRegister, tuning DeviceTuning) *DeviceState {
	return &DeviceState{
		ID:            reg.DeviceID,
		Name:          reg.DeviceName,
		Type:          reg.DeviceType,
		Group:         reg.SyncGroup,
		BaseLatencyMS: float64(reg.BaseLatencyMS),
		tuning:        tuning,
		quality:       1.0,
	}
}

// UpdateDrift records a drift measurement and refreshes the device's
// smoothed statistics. History is bounded at the tuned length, oldest
// first out.
func (d *DeviceState) UpdateDrift(driftMS, signalStrength float64, now time.Time) {
	d.history = append(d.history, measurement{driftMS: driftMS, strength: signalStrength, when: now})
	if len(d.history) > d.tuning.HistoryLen {
		d.history = d.history[len(d.history)-d.tuning.HistoryLen:]
	}

	d.lastDriftMS = driftMS
	d.lastDrift = now
	d.lastSeen = now
	d.online = true

	if len(d.history) < minSamplesForStats {
		return
	}

	recent := d.history
	if len(recent) > d.tuning.RecentWindow {
		recent = recent[len(recent)-d.tuning.RecentWindow:]
	}
	vals := make([]float64, len(recent))
	for i, m := range recent {
		vals[i] = m.driftMS
	}
	d.avgDriftMS = stat.Mean(vals, nil)
	if len(vals) > 1 {
		d.driftVariance = stat.Variance(vals, nil)
	} else {
		d.driftVariance = 0
	}

	signalQuality := clamp01((signalStrength + signalFloorDBm) / signalRangeDBm)
	driftStability := clamp01(1 - d.driftVariance/varianceScale)
	d.quality = (signalQuality + driftStability) / 2
}

// CalculateTargetOffset returns the buffer offset that would align this
// device with the given reference drift. With no history it is just the
// base latency; with few samples the last raw measurement stands in for
// the smoothed average.
func (d *DeviceState) CalculateTargetOffset(referenceDrift float64) float64 {
	if len(d.history) == 0 {
		return d.BaseLatencyMS
	}
	smoothed := d.lastDriftMS
	if len(d.history) >= minSamplesForStats {
		smoothed = d.avgDriftMS
	}
	return d.BaseLatencyMS + (referenceDrift - smoothed)
}

// IsStable reports whether the device's drift estimate is trustworthy
// enough to contribute to the group reference: enough samples, bounded
// variance and adequate connection quality.
func (d *DeviceState) IsStable() bool {
	return len(d.history) >= d.tuning.MinSamples &&
		d.driftVariance <= d.tuning.MaxVariance &&
		d.quality >= d.tuning.MinQuality
}

// OnlineAt reports whether the device counts as online at the given time.
func (d *DeviceState) OnlineAt(now time.Time) bool {
	return d.online && now.Sub(d.lastSeen) < d.tuning.OnlineTimeout
}

// Touch refreshes the device's liveness without recording a measurement,
// as on a heartbeat.
func (d *DeviceState) Touch(now time.Time) {
	d.lastSeen = now
	d.online = true
}

// Status is a point-in-time snapshot of a device's synchronization state.
type Status struct {
	DeviceID        string  `json:"device_id"`
	IsOnline        bool    `json:"is_online"`
	LastDriftMS     float64 `json:"last_drift_ms"`
	AvgDriftMS      float64 `json:"avg_drift_ms"`
	DriftVariance   float64 `json:"drift_variance"`
	CurrentOffsetMS float64 `json:"current_offset_ms"`
	TargetOffsetMS  float64 `json:"target_offset_ms"`
	Quality         float64 `json:"connection_quality"`
	IsStable        bool    `json:"is_stable"`
	LastSeen        float64 `json:"last_seen"`
	Measurements    int     `json:"drift_measurements"`
}

// Status returns a snapshot of the device at the given time.
func (d *DeviceState) Status(now time.Time) Status {
	var lastSeen float64
	if !d.lastSeen.IsZero() {
		lastSeen = float64(d.lastSeen.UnixNano()) / 1e9
	}
	return Status{
		DeviceID:        d.ID,
		IsOnline:        d.OnlineAt(now),
		LastDriftMS:     d.lastDriftMS,
		AvgDriftMS:      d.avgDriftMS,
		DriftVariance:   d.driftVariance,
		CurrentOffsetMS: d.currentOffsetMS,
		TargetOffsetMS:  d.targetOffsetMS,
		Quality:         d.quality,
		IsStable:        d.IsStable(),
		LastSeen:        lastSeen,
		Measurements:    len(d.history),
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
