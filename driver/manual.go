/*
NAME
  manual.go

DESCRIPTION
  manual.go provides Manual, a Driver that performs no I/O and records
  what was asked of it. It backs receiver tests and dry runs on hosts
  without audio hardware.

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

import "sync"

// Manual is a no-op Driver that records invocations.
type Manual struct {
	mu        sync.Mutex
	connected bool
	streaming bool
	volume    float64
	delayMS   float64

	// Calls lists method names in invocation order.
	Calls []string

	// StreamURL is the most recent StartStream argument.
	StreamURL string
}

// NewManual returns a Manual driver.
func NewManual() *Manual { return &Manual{volume: 1} }

func (d *Manual) Name() string { return "Manual" }

func (d *Manual) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = true
	d.Calls = append(d.Calls, "Connect")
	return nil
}

func (d *Manual) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	d.streaming = false
	d.Calls = append(d.Calls, "Disconnect")
	return nil
}

func (d *Manual) StartStream(url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return ErrNotConnected
	}
	d.streaming = true
	d.StreamURL = url
	d.Calls = append(d.Calls, "StartStream")
	return nil
}

func (d *Manual) StopStream() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = false
	d.Calls = append(d.Calls, "StopStream")
	return nil
}

func (d *Manual) SetVolume(v float64) error {
	if v < 0 || v > 1 {
		return ErrBadVolume
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = v
	d.Calls = append(d.Calls, "SetVolume")
	return nil
}

func (d *Manual) SetDelay(ms float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delayMS = ms
	d.Calls = append(d.Calls, "SetDelay")
	return nil
}

func (d *Manual) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Connected: d.connected,
		Streaming: d.streaming,
		Volume:    d.volume,
		DelayMS:   d.delayMS,
	}
}
