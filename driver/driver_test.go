/*
NAME
  driver_test.go

DESCRIPTION
  driver_test.go contains tests for driver selection and the common
  behavior contracts using the Manual driver.

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
	"testing"

	"github.com/ausocean/syncstream/protocol"
	"github.com/ausocean/utils/logging"
)

func TestNewSelectsByDeviceType(t *testing.T) {
	cfg := Config{Logger: (*logging.TestLogger)(t), DeviceIP: "192.168.1.20"}

	tests := []struct {
		deviceType protocol.DeviceType
		want       string
		wantErr    bool
	}{
		{protocol.DeviceAnalog, "APlay", false},
		{protocol.DeviceHDMI, "APlay", false},
		{protocol.DeviceALSA, "APlay", false},
		{protocol.DevicePulse, "APlay", false},
		{protocol.DeviceChromecast, "Chromecast", false},
		{protocol.DeviceAirPlay, "", true},
		{protocol.DeviceBluetooth, "", true},
	}
	for _, test := range tests {
		d, err := New(test.deviceType, cfg)
		if test.wantErr {
			if err == nil {
				t.Errorf("New(%v) unexpectedly succeeded", test.deviceType)
			}
			continue
		}
		if err != nil {
			t.Errorf("New(%v) failed: %v", test.deviceType, err)
			continue
		}
		if d.Name() != test.want {
			t.Errorf("New(%v) = %s, want %s", test.deviceType, d.Name(), test.want)
		}
	}

	if _, err := New(protocol.DeviceChromecast, Config{Logger: (*logging.TestLogger)(t)}); err == nil {
		t.Error("expected error for chromecast without device IP")
	}
}

func TestManualLifecycle(t *testing.T) {
	d := NewManual()

	if err := d.StartStream("x"); err != ErrNotConnected {
		t.Errorf("got %v before Connect, want ErrNotConnected", err)
	}

	if err := d.Connect(); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if err := d.StartStream("http://transmitter:8000/stream"); err != nil {
		t.Fatalf("StartStream failed: %v", err)
	}
	if err := d.SetVolume(0.4); err != nil {
		t.Fatalf("SetVolume failed: %v", err)
	}
	if err := d.SetDelay(120); err != nil {
		t.Fatalf("SetDelay failed: %v", err)
	}

	s := d.Status()
	if !s.Connected || !s.Streaming {
		t.Errorf("status %+v, want connected and streaming", s)
	}
	if s.Volume != 0.4 || s.DelayMS != 120 {
		t.Errorf("status %+v, want volume 0.4 delay 120", s)
	}

	if err := d.SetVolume(1.5); err != ErrBadVolume {
		t.Errorf("got %v for out-of-range volume, want ErrBadVolume", err)
	}

	if err := d.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if s := d.Status(); s.Connected || s.Streaming {
		t.Errorf("status %+v after Disconnect, want idle", s)
	}
}

func TestAmpGainMapping(t *testing.T) {
	tests := []struct {
		volume float64
		want   byte
	}{
		{0, minAmpVolume},
		{1, maxAmpVolume},
		{0.5, 31},
	}
	for _, test := range tests {
		if got := ampGain(test.volume); got != test.want {
			t.Errorf("ampGain(%v) = %d, want %d", test.volume, got, test.want)
		}
	}
}

func TestAPlayRequiresConnection(t *testing.T) {
	d := NewAPlay(Config{Logger: (*logging.TestLogger)(t)})
	if err := d.StartStream("x"); err != ErrNotConnected {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
	if err := d.SetVolume(0.5); err != ErrNotConnected {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
	// Delay setpoints apply regardless of connection state.
	if err := d.SetDelay(80); err != nil {
		t.Errorf("SetDelay failed: %v", err)
	}
	if got := d.Status().DelayMS; got != 80 {
		t.Errorf("got delay %v, want 80", got)
	}
}
