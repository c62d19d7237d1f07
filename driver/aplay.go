/*
NAME
  aplay.go

DESCRIPTION
  aplay.go provides APlay, a Driver that plays audio through the local
  ALSA output using the aplay command, with volume set via amixer.

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
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/pkg/errors"

	"github.com/ausocean/utils/logging"
)

const (
	audioCmd = "aplay"
	mixerCmd = "amixer"
)

// APlay plays a stream through the local ALSA output.
type APlay struct {
	mu        sync.Mutex
	log       logging.Logger
	cmd       *exec.Cmd
	connected bool
	streaming bool
	volume    float64
	delayMS   float64
}

// NewAPlay returns an APlay driver.
func NewAPlay(cfg Config) *APlay {
	return &APlay{log: cfg.Logger, volume: 1}
}

func (d *APlay) Name() string { return "APlay" }

// Connect verifies the playback executables exist.
func (d *APlay) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, c := range []string{audioCmd, mixerCmd} {
		if _, err := exec.LookPath(c); err != nil {
			return errors.Wrapf(err, "driver: could not find %s", c)
		}
	}
	d.connected = true
	return nil
}

func (d *APlay) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	d.connected = false
	return nil
}

// StartStream plays the given path or URL with aplay. Playback runs until
// the stream ends or StopStream is called; stdout and stderr are drained
// for logging.
func (d *APlay) StartStream(url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return ErrNotConnected
	}
	d.stopLocked()

	cmd := exec.Command(audioCmd, url)
	outPipe, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "driver: could not pipe stdout")
	}
	errPipe, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "driver: could not pipe stderr")
	}
	if err := cmd.Start(); err != nil {
		return errors.Wrap(err, "driver: could not start aplay")
	}
	d.cmd = cmd
	d.streaming = true
	d.log.Info("driver: aplay started", "source", url)

	go func() {
		var outBuff, errBuff bytes.Buffer
		go io.Copy(&outBuff, outPipe)
		go io.Copy(&errBuff, errPipe)
		err := cmd.Wait()
		d.mu.Lock()
		if d.cmd == cmd {
			d.cmd = nil
			d.streaming = false
		}
		d.mu.Unlock()
		if err != nil {
			d.log.Warning("driver: aplay exited", "error", err.Error(), "stderr", errBuff.String())
			return
		}
		d.log.Debug("driver: aplay finished", "stdout", outBuff.String())
	}()
	return nil
}

func (d *APlay) StopStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
	return nil
}

// stopLocked kills any running playback. Called with the lock held.
func (d *APlay) stopLocked() {
	if d.cmd != nil && d.cmd.Process != nil {
		if err := d.cmd.Process.Kill(); err != nil {
			d.log.Warning("driver: could not kill aplay", "error", err.Error())
		}
		d.cmd = nil
	}
	d.streaming = false
}

// SetVolume sets the master mixer volume.
func (d *APlay) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return ErrBadVolume
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return ErrNotConnected
	}
	pct := fmt.Sprintf("%d%%", int(v*100))
	out, err := exec.Command(mixerCmd, "sset", "Master", pct).CombinedOutput()
	if err != nil {
		return errors.Wrapf(err, "driver: amixer failed: %s", out)
	}
	d.volume = v
	d.log.Debug("driver: volume set", "volume", pct)
	return nil
}

// SetDelay records the playback delay setpoint applied by the receiver's
// buffering ahead of the output.
func (d *APlay) SetDelay(ms float64) error {
	d.mu.Lock()
	d.delayMS = ms
	d.mu.Unlock()
	d.log.Debug("driver: delay set", "delayMS", ms)
	return nil
}

func (d *APlay) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Connected: d.connected,
		Streaming: d.streaming,
		Volume:    d.volume,
		DelayMS:   d.delayMS,
	}
}
