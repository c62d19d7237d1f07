/*
NAME
  mic_linux.go

DESCRIPTION
  mic_linux.go provides Mic, an ALSA microphone capture source used by
  receivers to hear their own playback for drift correlation.

AUTHORS
  Alan Noble <alan@ausocean.org>
  Trek Hopton <trek@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package source

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"
	yalsa "github.com/yobert/alsa"

	"github.com/ausocean/utils/logging"
)

const (
	defaultMicRate     = 44100
	defaultMicChannels = 1
	micPeriod          = 0.05 // Seconds; a sensible low-ish latency period.
)

// Rates a capture device is likely to support, preferring ones divisible
// by common reference rates.
var micRates = [8]int{8000, 16000, 32000, 44100, 48000, 88200, 96000, 192000}

// MicConfig holds the parameters of a Mic.
type MicConfig struct {
	// Title selects a capture device by ALSA title; empty means the first
	// recording device found.
	Title string

	// Rate and Channels are the requested capture parameters. The
	// negotiated values may differ; read them back after Start.
	Rate     int
	Channels int

	Logger logging.Logger
}

// Mic captures audio from an ALSA recording device.
type Mic struct {
	mu      sync.Mutex
	cfg     MicConfig
	log     logging.Logger
	dev     *yalsa.Device
	rate    int
	chans   int
	running bool
}

// NewMic returns a Mic with the given configuration.
func NewMic(cfg MicConfig) (*Mic, error) {
	if cfg.Logger == nil {
		return nil, errors.New("source: mic requires a logger")
	}
	if cfg.Rate == 0 {
		cfg.Rate = defaultMicRate
	}
	if cfg.Channels == 0 {
		cfg.Channels = defaultMicChannels
	}
	return &Mic{cfg: cfg, log: cfg.Logger}, nil
}

func (m *Mic) Name() string { return "Mic" }

// SampleRate returns the negotiated capture rate; valid after Start.
func (m *Mic) SampleRate() int { return m.rate }

// Channels returns the negotiated channel count; valid after Start.
func (m *Mic) Channels() int { return m.chans }

// Start opens the capture device and negotiates its parameters.
func (m *Mic) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}
	if err := m.open(); err != nil {
		return err
	}
	m.running = true
	return nil
}

// Stop closes the capture device.
func (m *Mic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dev != nil {
		m.dev.Close()
		m.dev = nil
	}
	m.running = false
	return nil
}

func (m *Mic) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// ReadFrames blocks until len(buf)/Channels frames have been captured,
// converting signed 16-bit samples to float32.
func (m *Mic) ReadFrames(buf []float32) (int, error) {
	m.mu.Lock()
	dev, rate, chans, running := m.dev, m.rate, m.chans, m.running
	m.mu.Unlock()
	if !running || dev == nil {
		return 0, ErrNotRunning
	}

	frames := len(buf) / chans
	dur := time.Duration(float64(frames) / float64(rate) * float64(time.Second))
	ab := dev.NewBufferDuration(dur)
	if err := dev.Read(ab.Data); err != nil {
		return 0, errors.Wrap(err, "source: mic read failed")
	}

	n := len(ab.Data) / 2
	if n > frames*chans {
		n = frames * chans
	}
	for i := 0; i < n; i++ {
		s := int16(binary.LittleEndian.Uint16(ab.Data[i*2:]))
		buf[i] = float32(s) / 32768
	}
	return n / chans, nil
}

// open finds and prepares a recording device, negotiating channels, rate,
// format, period and buffer sizes.
func (m *Mic) open() error {
	cards, err := yalsa.OpenCards()
	if err != nil {
		return errors.Wrap(err, "source: could not open sound cards")
	}
	defer yalsa.CloseCards(cards)

	for _, card := range cards {
		devices, err := card.Devices()
		if err != nil {
			continue
		}
		for _, dev := range devices {
			if dev.Type != yalsa.PCM || !dev.Record {
				continue
			}
			if dev.Title == m.cfg.Title || m.cfg.Title == "" {
				m.dev = dev
				break
			}
		}
	}
	if m.dev == nil {
		return errors.New("source: no ALSA capture device found")
	}
	if err := m.dev.Open(); err != nil {
		return errors.Wrap(err, "source: could not open capture device")
	}

	channels, err := m.dev.NegotiateChannels(m.cfg.Channels)
	if err != nil && m.cfg.Channels == 1 {
		m.log.Info("source: mono capture unavailable, trying stereo")
		channels, err = m.dev.NegotiateChannels(2)
	}
	if err != nil {
		return errors.Wrap(err, "source: could not negotiate channels")
	}

	rate := 0
	for _, r := range micRates {
		if r < m.cfg.Rate || r%m.cfg.Rate != 0 {
			continue
		}
		if rate, err = m.dev.NegotiateRate(r); err == nil {
			break
		}
	}
	if rate == 0 {
		rate, err = m.dev.NegotiateRate(defaultMicRate)
		if err != nil {
			return errors.Wrap(err, "source: could not negotiate rate")
		}
	}

	if _, err := m.dev.NegotiateFormat(yalsa.S16_LE); err != nil {
		return errors.Wrap(err, "source: could not negotiate format")
	}

	bytesPerSecond := rate * channels * 2
	periodSize, err := m.dev.NegotiatePeriodSize(nearestPowerOfTwo(int(float64(bytesPerSecond) * micPeriod)))
	if err != nil {
		return errors.Wrap(err, "source: could not negotiate period size")
	}
	if _, err := m.dev.NegotiateBufferSize(periodSize * 4); err != nil {
		return errors.Wrap(err, "source: could not negotiate buffer size")
	}
	if err := m.dev.Prepare(); err != nil {
		return errors.Wrap(err, "source: could not prepare capture device")
	}

	m.rate = rate
	m.chans = channels
	m.log.Info("source: mic opened", "title", m.dev.Title, "rate", rate, "channels", channels)
	return nil
}

// nearestPowerOfTwo finds and returns the nearest power of two to the
// given integer, preferring the higher power on ties.
// Source: https://stackoverflow.com/a/45859570
func nearestPowerOfTwo(n int) int {
	if n <= 0 {
		return 1
	}
	if n == 1 {
		return 2
	}
	v := n
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	v++
	x := v >> 1
	if (v - n) > (n - x) {
		return x
	}
	return v
}
