/*
NAME
  driver.go

DESCRIPTION
  driver.go provides Driver, the interface receivers use to control their
  playback output, and a factory selecting an implementation by device
  type.

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

// Package driver controls receiver playback outputs: local playback via
// aplay, an i2c-controlled amplifier, and Chromecast endpoints.
package driver

import (
	"github.com/pkg/errors"

	"github.com/ausocean/syncstream/protocol"
	"github.com/ausocean/utils/logging"
)

var (
	ErrNotConnected = errors.New("driver: not connected")
	ErrBadVolume    = errors.New("driver: volume out of [0,1]")
)

// Driver controls one playback output.
type Driver interface {
	// Name returns the name of the driver.
	Name() string

	// Connect readies the output for streaming.
	Connect() error

	// Disconnect stops any stream and releases the output.
	Disconnect() error

	// StartStream begins playback of the given stream URL or local path.
	StartStream(url string) error

	// StopStream halts playback, leaving the output connected.
	StopStream() error

	// SetVolume sets the output volume in [0,1].
	SetVolume(v float64) error

	// SetDelay sets the playback buffer delay applied to align this
	// output with its sync group.
	SetDelay(ms float64) error

	// Status reports the output's current state.
	Status() Status
}

// Status is a point-in-time snapshot of a playback output.
type Status struct {
	Connected bool    `json:"connected"`
	Streaming bool    `json:"streaming"`
	Volume    float64 `json:"volume"`
	DelayMS   float64 `json:"delay_ms"`
}

// Config holds parameters shared by driver implementations.
type Config struct {
	// DeviceIP is the network address of a remote output such as a
	// Chromecast.
	DeviceIP string

	// AmplifierBus and AmplifierAddr locate an i2c amplifier; zero values
	// select the standard bus and address.
	AmplifierBus  byte
	AmplifierAddr byte

	Logger logging.Logger
}

// New returns a Driver for the given device type.
func New(t protocol.DeviceType, cfg Config) (Driver, error) {
	if cfg.Logger == nil {
		return nil, errors.New("driver: logger required")
	}
	switch t {
	case protocol.DeviceAnalog, protocol.DeviceHDMI, protocol.DeviceALSA, protocol.DevicePulse:
		return NewAPlay(cfg), nil
	case protocol.DeviceChromecast:
		if cfg.DeviceIP == "" {
			return nil, errors.New("driver: chromecast requires a device IP")
		}
		return NewChromecast(cfg), nil
	default:
		return nil, errors.Errorf("driver: no driver for device type %q", t)
	}
}
