/*
NAME
  source.go

DESCRIPTION
  source.go provides Source, an interface describing an audio input that
  can be started and stopped and from which interleaved float32 PCM frames
  may be read.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package source provides audio inputs for the transmitter's reference
// buffer and the receiver's microphone path: a tone generator, WAV and
// FLAC file playback, and ALSA capture on Linux hosts.
package source

import "github.com/pkg/errors"

var (
	// ErrNotRunning is returned by ReadFrames before Start or after Stop.
	ErrNotRunning = errors.New("source: not running")
)

// Source describes an audio input from which interleaved float32 PCM
// frames can be obtained once started.
type Source interface {
	// Name returns the name of the source.
	Name() string

	// Start readies the source; after Start, ReadFrames may be called.
	Start() error

	// Stop halts the source. Subsequent reads fail with ErrNotRunning.
	Stop() error

	// IsRunning reports whether the source has been started and not yet
	// stopped.
	IsRunning() bool

	// SampleRate returns the frame rate in Hz of the frames read.
	SampleRate() int

	// Channels returns the channel count of the frames read.
	Channels() int

	// ReadFrames fills buf with interleaved samples in [-1,1] and returns
	// the number of frames read. A finite source returns io.EOF once
	// exhausted.
	ReadFrames(buf []float32) (int, error)
}
