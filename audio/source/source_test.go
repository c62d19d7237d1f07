/*
NAME
  source_test.go

DESCRIPTION
  source_test.go contains tests for the tone generator, file playback and
  the streamer pump into the reference ring.

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
	"io"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/ausocean/syncstream/audio/ring"
	"github.com/ausocean/utils/logging"
)

func TestToneGeneratesSine(t *testing.T) {
	tone := NewTone(ToneConfig{Frequency: 1000, Amplitude: 1, Rate: 8000, Channels: 1})

	if _, err := tone.ReadFrames(make([]float32, 10)); err != ErrNotRunning {
		t.Errorf("got %v before Start, want ErrNotRunning", err)
	}

	if err := tone.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	buf := make([]float32, 8000)
	n, err := tone.ReadFrames(buf)
	if err != nil {
		t.Fatalf("ReadFrames failed: %v", err)
	}
	if n != 8000 {
		t.Fatalf("got %d frames, want 8000", n)
	}

	// At 1 kHz and 8 kHz sampling, sample 2 sits at the first positive
	// peak of each cycle.
	if math.Abs(float64(buf[2])-1) > 1e-3 {
		t.Errorf("got sample %v at quarter period, want ~1", buf[2])
	}
	if buf[0] != 0 {
		t.Errorf("got first sample %v, want 0", buf[0])
	}

	// Phase carries across reads: the next read continues the wave.
	next := make([]float32, 4)
	if _, err := tone.ReadFrames(next); err != nil {
		t.Fatalf("second ReadFrames failed: %v", err)
	}
	if math.Abs(float64(next[0])) > 1e-3 {
		t.Errorf("got %v at cycle boundary, want ~0", next[0])
	}

	if err := tone.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if tone.IsRunning() {
		t.Error("tone still running after Stop")
	}
}

// writeTestWAV writes a 16-bit mono WAV of a ramp signal and returns its
// path.
func writeTestWAV(t *testing.T, frames, rate int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("could not create WAV: %v", err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, 1, 1)
	data := make([]int, frames)
	for i := range data {
		data[i] = i % 1000
	}
	err = enc.Write(&audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: rate},
		SourceBitDepth: 16,
		Data:           data,
	})
	if err != nil {
		t.Fatalf("could not write WAV: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("could not close WAV encoder: %v", err)
	}
	return path
}

func TestFileWAV(t *testing.T) {
	const frames = 4000
	path := writeTestWAV(t, frames, 8000)

	src := NewFile(path, false)
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if src.SampleRate() != 8000 || src.Channels() != 1 {
		t.Errorf("got rate %d channels %d, want 8000 and 1", src.SampleRate(), src.Channels())
	}

	buf := make([]float32, frames)
	n, err := src.ReadFrames(buf)
	if err != nil {
		t.Fatalf("ReadFrames failed: %v", err)
	}
	if n != frames {
		t.Fatalf("got %d frames, want %d", n, frames)
	}
	// Sample 100 of the ramp is 100/32768.
	if math.Abs(float64(buf[100])-100.0/32768) > 1e-6 {
		t.Errorf("got sample %v, want %v", buf[100], 100.0/32768)
	}

	// The file is exhausted.
	if _, err := src.ReadFrames(buf); err != io.EOF {
		t.Errorf("got %v at end of file, want io.EOF", err)
	}
}

func TestFileLoops(t *testing.T) {
	path := writeTestWAV(t, 500, 8000)
	src := NewFile(path, true)
	if err := src.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Read past the file length twice over; a looping source never EOFs.
	buf := make([]float32, 1200)
	n, err := src.ReadFrames(buf)
	if err != nil {
		t.Fatalf("ReadFrames failed: %v", err)
	}
	if n != 1200 {
		t.Fatalf("got %d frames, want 1200", n)
	}
	if buf[500] != buf[0] || buf[1000] != buf[0] {
		t.Error("looped audio does not repeat the file")
	}
}

func TestFileBadInput(t *testing.T) {
	if err := NewFile("missing.ogg", false).Start(); err == nil {
		t.Error("expected error for unsupported extension")
	}
	if err := NewFile(filepath.Join(t.TempDir(), "missing.wav"), false).Start(); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestStreamerFillsRing(t *testing.T) {
	r, err := ring.NewRing(ring.Config{SampleRate: 8000, Channels: 1, BufferSeconds: 10})
	if err != nil {
		t.Fatalf("NewRing failed: %v", err)
	}
	tone := NewTone(ToneConfig{Frequency: 440, Rate: 8000, Channels: 1})
	s, err := NewStreamer(StreamerConfig{
		Source:        tone,
		Ring:          r,
		ChunkDuration: 10 * time.Millisecond,
		Logger:        (*logging.TestLogger)(t),
	})
	if err != nil {
		t.Fatalf("NewStreamer failed: %v", err)
	}

	if err := s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("streamer not running after Start")
	}

	// Wait for audio to traverse source, pool and ring.
	deadline := time.Now().Add(5 * time.Second)
	for r.SamplesWritten() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if r.SamplesWritten() == 0 {
		t.Fatal("no audio reached the ring")
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("streamer still running after Stop")
	}

	// The ring holds the tone, not silence.
	win, err := r.Latest(0.01)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	var peak float32
	for _, v := range win.Samples {
		if a := float32(math.Abs(float64(v))); a > peak {
			peak = a
		}
	}
	if peak < 0.1 {
		t.Errorf("ring audio peak %v, want tone amplitude", peak)
	}
}
