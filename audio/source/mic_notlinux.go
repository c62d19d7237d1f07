//go:build !linux

/*
NAME
  mic_notlinux.go

DESCRIPTION
  mic_notlinux.go stubs microphone capture on hosts without ALSA.

AUTHORS
  Alan Noble <alan@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package source

import (
	"github.com/pkg/errors"

	"github.com/ausocean/utils/logging"
)

// MicConfig holds the parameters of a Mic.
type MicConfig struct {
	Title    string
	Rate     int
	Channels int
	Logger   logging.Logger
}

// Mic is unavailable off Linux; every operation fails.
type Mic struct{}

// NewMic reports that microphone capture requires ALSA.
func NewMic(cfg MicConfig) (*Mic, error) {
	return nil, errors.New("source: microphone capture requires a Linux host")
}

func (m *Mic) Name() string                          { return "Mic" }
func (m *Mic) SampleRate() int                       { return 0 }
func (m *Mic) Channels() int                         { return 0 }
func (m *Mic) Start() error                          { return errors.New("source: mic unavailable") }
func (m *Mic) Stop() error                           { return nil }
func (m *Mic) IsRunning() bool                       { return false }
func (m *Mic) ReadFrames(buf []float32) (int, error) { return 0, ErrNotRunning }
