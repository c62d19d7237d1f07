/*
NAME
  amplifier.go

DESCRIPTION
  amplifier.go provides Amplifier, a Driver addition that sets the gain of
  an i2c-controlled amplifier, used on hosts where the analog output runs
  through a hardware amp rather than a software mixer.

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

package driver

import (
	"sync"

	"github.com/kidoman/embd"
	"github.com/pkg/errors"

	"github.com/ausocean/utils/logging"
)

// Amplifier hardware parameters.
const (
	minAmpVolume = 0
	maxAmpVolume = 63
	ampVolAddr   = 0x4B
	ampI2CPort   = 1
)

// Amplifier wraps another Driver, diverting volume control to an i2c
// amplifier while delegating everything else.
type Amplifier struct {
	Driver

	mu     sync.Mutex
	log    logging.Logger
	bus    embd.I2CBus
	port   byte
	addr   byte
	volume float64
}

// NewAmplifier returns an Amplifier wrapping the given driver. Zero bus
// and address select the standard amplifier wiring.
func NewAmplifier(inner Driver, cfg Config) *Amplifier {
	port := cfg.AmplifierBus
	if port == 0 {
		port = ampI2CPort
	}
	addr := cfg.AmplifierAddr
	if addr == 0 {
		addr = ampVolAddr
	}
	return &Amplifier{Driver: inner, log: cfg.Logger, port: port, addr: addr, volume: 1}
}

// Connect opens the i2c bus and connects the inner driver.
func (a *Amplifier) Connect() error {
	a.mu.Lock()
	a.bus = embd.NewI2CBus(a.port)
	a.mu.Unlock()
	return a.Driver.Connect()
}

// Disconnect closes the i2c bus after disconnecting the inner driver.
func (a *Amplifier) Disconnect() error {
	err := a.Driver.Disconnect()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus != nil {
		if cerr := a.bus.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "driver: could not close i2c bus")
		}
		a.bus = nil
	}
	return err
}

// SetVolume maps v in [0,1] onto the amplifier's gain register.
func (a *Amplifier) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return ErrBadVolume
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bus == nil {
		return ErrNotConnected
	}
	gain := ampGain(v)
	if err := a.bus.WriteByte(a.addr, gain); err != nil {
		return errors.Wrap(err, "driver: could not write amplifier volume")
	}
	a.volume = v
	a.log.Debug("driver: amplifier volume set", "volume", v, "gain", gain)
	return nil
}

// Status reports the inner driver's state with the amplifier's volume.
func (a *Amplifier) Status() Status {
	s := a.Driver.Status()
	a.mu.Lock()
	s.Volume = a.volume
	a.mu.Unlock()
	return s
}

// ampGain maps a volume in [0,1] onto the amplifier register range.
func ampGain(v float64) byte {
	return byte(v*(maxAmpVolume-minAmpVolume) + minAmpVolume)
}
