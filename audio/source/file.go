/*
NAME
  file.go

DESCRIPTION
  file.go provides File, an audio source that plays WAV or FLAC files,
  decoding them fully at Start and serving interleaved float32 frames.

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

package source

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-audio/wav"
	"github.com/mewkiz/flac"
	"github.com/pkg/errors"
)

// File plays a WAV or FLAC file as an audio source. The whole file is
// decoded at Start; ReadFrames then serves slices of it, optionally
// looping.
type File struct {
	mu      sync.Mutex
	path    string
	loop    bool
	samples []float32
	pos     int
	rate    int
	chans   int
	running bool
}

// NewFile returns a File source for the given path. Looping sources never
// return io.EOF.
func NewFile(path string, loop bool) *File {
	return &File{path: path, loop: loop}
}

func (f *File) Name() string    { return "File" }
func (f *File) SampleRate() int { return f.rate }
func (f *File) Channels() int   { return f.chans }

// Start decodes the file. The format is chosen by extension: .wav or
// .flac.
func (f *File) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}

	var err error
	switch strings.ToLower(filepath.Ext(f.path)) {
	case ".wav":
		err = f.loadWAV()
	case ".flac":
		err = f.loadFLAC()
	default:
		return errors.Errorf("source: unsupported file type %q", filepath.Ext(f.path))
	}
	if err != nil {
		return err
	}
	if len(f.samples) == 0 {
		return errors.New("source: file contains no audio")
	}
	f.pos = 0
	f.running = true
	return nil
}

func (f *File) Stop() error {
	f.mu.Lock()
	f.running = false
	f.samples = nil
	f.mu.Unlock()
	return nil
}

func (f *File) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

// ReadFrames serves the next slice of the decoded file. At the end a
// looping source wraps; otherwise io.EOF is returned.
func (f *File) ReadFrames(buf []float32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return 0, ErrNotRunning
	}

	want := len(buf) - len(buf)%f.chans
	read := 0
	for read < want {
		if f.pos == len(f.samples) {
			if !f.loop {
				if read == 0 {
					return 0, io.EOF
				}
				break
			}
			f.pos = 0
		}
		n := copy(buf[read:want], f.samples[f.pos:])
		read += n
		f.pos += n
	}
	return read / f.chans, nil
}

// loadWAV decodes a WAV file into float32 samples.
func (f *File) loadWAV() error {
	fd, err := os.Open(f.path)
	if err != nil {
		return errors.Wrap(err, "source: could not open file")
	}
	defer fd.Close()

	dec := wav.NewDecoder(fd)
	if !dec.IsValidFile() {
		return errors.Errorf("source: %s is not a valid WAV file", f.path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return errors.Wrap(err, "source: could not decode WAV")
	}

	f.rate = buf.Format.SampleRate
	f.chans = buf.Format.NumChannels
	scale := float32(int64(1) << (buf.SourceBitDepth - 1))
	f.samples = make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		f.samples[i] = float32(v) / scale
	}
	return nil
}

// loadFLAC decodes a FLAC file into float32 samples.
func (f *File) loadFLAC() error {
	stream, err := flac.ParseFile(f.path)
	if err != nil {
		return errors.Wrap(err, "source: could not parse FLAC")
	}
	defer stream.Close()

	f.rate = int(stream.Info.SampleRate)
	f.chans = int(stream.Info.NChannels)
	scale := float32(int64(1) << (stream.Info.BitsPerSample - 1))

	f.samples = f.samples[:0]
	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "source: could not decode FLAC frame")
		}
		for i := 0; i < frame.Subframes[0].NSamples; i++ {
			for _, sub := range frame.Subframes {
				f.samples = append(f.samples, float32(sub.Samples[i])/scale)
			}
		}
	}
}
