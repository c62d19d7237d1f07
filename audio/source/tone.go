/*
NAME
  tone.go

DESCRIPTION
  tone.go provides Tone, a sine wave source used for calibration and the
  receiver test tone command.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package source

import (
	"math"
	"sync"
)

const (
	defaultToneFrequency = 440.0
	defaultToneAmplitude = 0.5
	defaultToneRate      = 44100
	defaultToneChannels  = 2
)

// ToneConfig holds the parameters of a Tone.
type ToneConfig struct {
	Frequency float64 // Hz.
	Amplitude float64 // Peak amplitude in (0,1].
	Rate      int
	Channels  int
}

// Tone is an endless sine wave source.
type Tone struct {
	mu      sync.Mutex
	cfg     ToneConfig
	phase   float64
	running bool
}

// NewTone returns a Tone, filling in defaults for zero config fields.
func NewTone(cfg ToneConfig) *Tone {
	if cfg.Frequency == 0 {
		cfg.Frequency = defaultToneFrequency
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = defaultToneAmplitude
	}
	if cfg.Rate == 0 {
		cfg.Rate = defaultToneRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = defaultToneChannels
	}
	return &Tone{cfg: cfg}
}

func (t *Tone) Name() string    { return "Tone" }
func (t *Tone) SampleRate() int { return t.cfg.Rate }
func (t *Tone) Channels() int   { return t.cfg.Channels }

func (t *Tone) Start() error {
	t.mu.Lock()
	t.running = true
	t.mu.Unlock()
	return nil
}

func (t *Tone) Stop() error {
	t.mu.Lock()
	t.running = false
	t.phase = 0
	t.mu.Unlock()
	return nil
}

func (t *Tone) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// ReadFrames fills buf with the next slice of the wave, carrying phase
// across calls so playback is continuous.
func (t *Tone) ReadFrames(buf []float32) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return 0, ErrNotRunning
	}
	step := 2 * math.Pi * t.cfg.Frequency / float64(t.cfg.Rate)
	frames := len(buf) / t.cfg.Channels
	for i := 0; i < frames; i++ {
		s := float32(t.cfg.Amplitude * math.Sin(t.phase))
		for c := 0; c < t.cfg.Channels; c++ {
			buf[i*t.cfg.Channels+c] = s
		}
		t.phase += step
		if t.phase > 2*math.Pi {
			t.phase -= 2 * math.Pi
		}
	}
	return frames, nil
}
