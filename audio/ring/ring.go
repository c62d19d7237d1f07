/*
NAME
  ring.go

DESCRIPTION
  ring.go provides Ring, a thread-safe rolling buffer of PCM audio frames
  from which historical windows can be read by duration and offset. The
  ring holds the reference audio that receiver nodes correlate their
  microphone captures against.

AUTHORS
  Trek Hopton <trek@ausocean.org>
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package ring provides a rolling in-memory buffer of float32 PCM frames.
// A single logical writer appends audio as it is played out by the
// transmitter; many concurrent readers fetch historical windows for drift
// measurement.
package ring

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Defaults used by NewRing when the corresponding Config field is zero.
const (
	defaultSampleRate    = 44100
	defaultChannels      = 2
	defaultBufferSeconds = 10.0
)

var (
	ErrBadDuration = errors.New("ring: duration must be positive")
	ErrBadChannels = errors.New("ring: channel count must be 1 or 2")
)

// Config holds the parameters of a Ring.
type Config struct {
	SampleRate    int     // Frame rate in Hz.
	Channels      int     // Channels stored, 1 or 2.
	BufferSeconds float64 // Seconds of audio retained.
}

// Ring is a fixed-capacity circular store of interleaved float32 frames.
type Ring struct {
	mu  sync.RWMutex
	cfg Config

	buf        []float32 // capacity * channels samples.
	capacity   int       // Frames retained.
	writeIndex int       // Next frame to be overwritten.
	written    int64     // Total frames ever written; monotone.

	startTime time.Time
	lastWrite time.Time
}

// Window is the result of a Ring read.
type Window struct {
	Samples    []float32 // Interleaved, Frames * Channels long.
	Frames     int
	SampleRate int
	Channels   int
	StartTime  float64 // Seconds since first sample, of the window's first frame.
	Short      bool    // True when fewer frames than requested were retained.
}

// Info describes the current state of a Ring.
type Info struct {
	SampleRate     int       `json:"sample_rate"`
	Channels       int       `json:"channels"`
	BufferSeconds  float64   `json:"buffer_duration"`
	CapacityFrames int       `json:"buffer_size"`
	SamplesWritten int64     `json:"samples_written"`
	FillRatio      float64   `json:"buffer_fill"`
	Uptime         float64   `json:"uptime"`
	LastWrite      time.Time `json:"last_write_time"`
}

// NewRing returns a Ring with the given configuration, filling in defaults
// for zero fields.
func NewRing(cfg Config) (*Ring, error) {
	if cfg.SampleRate == 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = defaultChannels
	}
	if cfg.BufferSeconds == 0 {
		cfg.BufferSeconds = defaultBufferSeconds
	}
	if cfg.SampleRate < 0 || cfg.BufferSeconds < 0 {
		return nil, fmt.Errorf("ring: invalid config: rate=%d duration=%v", cfg.SampleRate, cfg.BufferSeconds)
	}
	if cfg.Channels != 1 && cfg.Channels != 2 {
		return nil, ErrBadChannels
	}
	capacity := int(float64(cfg.SampleRate) * cfg.BufferSeconds)
	if capacity <= 0 {
		return nil, fmt.Errorf("ring: capacity of %d frames is not usable", capacity)
	}
	now := time.Now()
	return &Ring{
		cfg:       cfg,
		buf:       make([]float32, capacity*cfg.Channels),
		capacity:  capacity,
		startTime: now,
		lastWrite: now,
	}, nil
}

// Write appends interleaved frames with the given channel count, adapting
// the channel layout to the ring's where they differ; mono is up-mixed by
// duplication and stereo down-mixed by channel mean. Write holds the lock
// only for the duration of the copy and never blocks the producer otherwise.
func (r *Ring) Write(samples []float32, channels int) error {
	if channels != 1 && channels != 2 {
		return ErrBadChannels
	}
	if len(samples) == 0 {
		return nil
	}
	if len(samples)%channels != 0 {
		return fmt.Errorf("ring: %d samples is not a whole number of %d-channel frames", len(samples), channels)
	}

	frames := len(samples) / channels

	r.mu.Lock()
	defer r.mu.Unlock()

	rc := r.cfg.Channels
	for i := 0; i < frames; i++ {
		base := r.writeIndex * rc
		switch {
		case channels == rc:
			for c := 0; c < rc; c++ {
				r.buf[base+c] = samples[i*channels+c]
			}
		case channels == 1 && rc == 2:
			s := samples[i]
			r.buf[base] = s
			r.buf[base+1] = s
		default: // Stereo in, mono ring.
			r.buf[base] = (samples[i*2] + samples[i*2+1]) / 2
		}
		r.writeIndex++
		if r.writeIndex == r.capacity {
			r.writeIndex = 0
		}
	}
	r.written += int64(frames)
	r.lastWrite = time.Now()
	return nil
}

// Read returns a window of duration seconds ending at the write head offset
// by offset seconds (negative reaches further into the past). When fewer
// frames than requested are retained the window is clamped and marked Short.
func (r *Ring) Read(duration, offset float64) (Window, error) {
	if duration <= 0 {
		return Window{}, ErrBadDuration
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	rate := r.cfg.SampleRate
	want := int(math.Ceil(duration * float64(rate)))
	offsetFrames := int(offset * float64(rate))

	available := r.written
	if available > int64(r.capacity) {
		available = int64(r.capacity)
	}

	n := want
	short := false
	if int64(n) > available {
		n = int(available)
		short = true
	}

	w := Window{
		Frames:     n,
		SampleRate: rate,
		Channels:   r.cfg.Channels,
		StartTime:  float64(r.written-int64(n)+int64(offsetFrames)) / float64(rate),
		Short:      short,
	}
	if n == 0 {
		return w, nil
	}

	rc := r.cfg.Channels
	w.Samples = make([]float32, n*rc)
	start := r.writeIndex - n + offsetFrames
	start = ((start % r.capacity) + r.capacity) % r.capacity
	for i := 0; i < n; i++ {
		pos := start + i
		if pos >= r.capacity {
			pos -= r.capacity
		}
		copy(w.Samples[i*rc:(i+1)*rc], r.buf[pos*rc:(pos+1)*rc])
	}
	return w, nil
}

// Latest is shorthand for Read with no offset.
func (r *Ring) Latest(duration float64) (Window, error) { return r.Read(duration, 0) }

// Info reports the ring's configuration and fill state.
func (r *Ring) Info() Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	retained := r.written
	if retained > int64(r.capacity) {
		retained = int64(r.capacity)
	}
	return Info{
		SampleRate:     r.cfg.SampleRate,
		Channels:       r.cfg.Channels,
		BufferSeconds:  r.cfg.BufferSeconds,
		CapacityFrames: r.capacity,
		SamplesWritten: r.written,
		FillRatio:      float64(retained) / float64(r.capacity),
		Uptime:         time.Since(r.startTime).Seconds(),
		LastWrite:      r.lastWrite,
	}
}

// SamplesWritten returns the monotone count of frames ever written.
func (r *Ring) SamplesWritten() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.written
}

// Clear zeroes the buffer and resets all counters.
func (r *Ring) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.buf {
		r.buf[i] = 0
	}
	r.writeIndex = 0
	r.written = 0
	now := time.Now()
	r.startTime = now
	r.lastWrite = now
}
