/*
NAME
  chromecast.go

DESCRIPTION
  chromecast.go provides Chromecast, a Driver that casts audio to a
  Chromecast endpoint using the mkchromecast command.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package driver

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ausocean/utils/logging"
)

const castCmd = "mkchromecast"

// Chromecast casts a stream to a Chromecast device by IP.
type Chromecast struct {
	mu        sync.Mutex
	log       logging.Logger
	ip        string
	cmd       *exec.Cmd
	connected bool
	streaming bool
	volume    float64
	delayMS   float64
}

// NewChromecast returns a Chromecast driver for the configured device IP.
func NewChromecast(cfg Config) *Chromecast {
	return &Chromecast{log: cfg.Logger, ip: cfg.DeviceIP, volume: 1}
}

func (d *Chromecast) Name() string { return "Chromecast" }

// Connect verifies the cast tool exists and that the device answers
// discovery.
func (d *Chromecast) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := exec.LookPath(castCmd); err != nil {
		return errors.Wrapf(err, "driver: could not find %s", castCmd)
	}
	out, err := exec.Command(castCmd, "--discover").CombinedOutput()
	if err != nil {
		return errors.Wrap(err, "driver: chromecast discovery failed")
	}
	if !strings.Contains(string(out), d.ip) {
		return errors.Errorf("driver: chromecast %s not discovered", d.ip)
	}
	d.connected = true
	d.log.Info("driver: chromecast connected", "ip", d.ip)
	return nil
}

func (d *Chromecast) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.connected = false
	return nil
}

// StartStream casts the given URL to the device.
func (d *Chromecast) StartStream(url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return ErrNotConnected
	}
	d.stopLocked()

	cmd := exec.Command(castCmd, "--cast", d.ip, "--source-url", url)
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "driver: could not start cast")
	}
	d.cmd = cmd
	d.streaming = true
	d.log.Info("driver: cast started", "ip", d.ip, "source", url)

	go func() {
		err := cmd.Wait()
		d.mu.Lock()
		if d.cmd == cmd {
			d.cmd = nil
			d.streaming = false
		}
		d.mu.Unlock()
		if err != nil {
			d.log.Warning("driver: cast exited", "error", err.Error())
		}
	}()
	return nil
}

func (d *Chromecast) StopStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

func (d *Chromecast) stopLocked() {
	if d.cmd != nil && d.cmd.Process != nil {
		if err := d.cmd.Process.Kill(); err != nil {
			d.log.Warning("driver: could not kill cast", "error", err.Error())
		}
		d.cmd = nil
	}
	d.streaming = false
}

// SetVolume sets the device volume as a percentage.
func (d *Chromecast) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return ErrBadVolume
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return ErrNotConnected
	}
	pct := fmt.Sprintf("%d", int(v*100))
	out, err := exec.Command(castCmd, "--cast", d.ip, "--volume", pct).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "driver: could not set cast volume: %s", out)
	}
	d.volume = v
	return nil
}

// SetDelay records the playback delay setpoint.
func (d *Chromecast) SetDelay(ms float64) error {
	d.mu.Lock()
	d.delayMS = ms
	d.mu.Unlock()
	return nil
}

func (d *Chromecast) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Connected: d.connected,
		Streaming: d.streaming,
		Volume:    d.volume,
		DelayMS:   d.delayMS,
	}
}
