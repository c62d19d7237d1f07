/*
NAME
  streamer.go

DESCRIPTION
  streamer.go provides Streamer, which pumps a Source into the rolling
  reference ring in real time through a pool buffer, decoupling the
  producer from ring writes so a slow write never stalls capture.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>
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
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/syncstream/audio/ring"
	"github.com/ausocean/utils/logging"
	"github.com/ausocean/utils/pool"
)

const (
	defaultChunkDuration = 100 * time.Millisecond
	poolLen              = 50
	poolWriteTimeout     = 100 * time.Millisecond
	poolNextTimeout      = 2 * time.Second
)

// StreamerConfig holds the parameters of a Streamer.
type StreamerConfig struct {
	Source Source
	Ring   *ring.Ring

	// ChunkDuration is the length of audio moved per pool chunk.
	ChunkDuration time.Duration

	Logger logging.Logger
}

// Streamer moves audio from a Source into a Ring at playback rate.
type Streamer struct {
	cfg StreamerConfig
	log logging.Logger

	buf  *pool.Buffer
	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewStreamer returns a Streamer for the given source and ring.
func NewStreamer(cfg StreamerConfig) (*Streamer, error) {
	if cfg.Source == nil {
		return nil, errors.New("source: streamer requires a source")
	}
	if cfg.Ring == nil {
		return nil, errors.New("source: streamer requires a ring")
	}
	if cfg.Logger == nil {
		return nil, errors.New("source: streamer requires a logger")
	}
	if cfg.ChunkDuration == 0 {
		cfg.ChunkDuration = defaultChunkDuration
	}
	return &Streamer{cfg: cfg, log: cfg.Logger}, nil
}

// Start starts the source and begins pumping audio into the ring.
func (s *Streamer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if err := s.cfg.Source.Start(); err != nil {
		return errors.Wrap(err, "source: could not start input")
	}

	src := s.cfg.Source
	chunkFrames := int(float64(src.SampleRate()) * s.cfg.ChunkDuration.Seconds())
	chunkBytes := chunkFrames * src.Channels() * 4
	s.buf = pool.NewBuffer(poolLen, chunkBytes, poolWriteTimeout)
	s.quit = make(chan struct{})

	s.wg.Add(2)
	go s.produce(chunkFrames)
	go s.consume()
	s.running = true
	s.log.Info("source: streamer started", "source", src.Name(), "rate", src.SampleRate(),
		"channels", src.Channels(), "chunk", s.cfg.ChunkDuration.String())
	return nil
}

// Stop halts the source and both pump routines.
func (s *Streamer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	close(s.quit)
	err := s.cfg.Source.Stop()
	s.wg.Wait()
	s.running = false
	s.log.Info("source: streamer stopped")
	return err
}

// IsRunning reports whether the streamer is pumping.
func (s *Streamer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// produce reads chunks from the source at playback rate and writes them
// to the pool buffer as little-endian float32 bytes.
func (s *Streamer) produce(chunkFrames int) {
	defer s.wg.Done()
	defer s.buf.Close()

	src := s.cfg.Source
	samples := make([]float32, chunkFrames*src.Channels())
	raw := make([]byte, 4*len(samples))
	tick := time.NewTicker(s.cfg.ChunkDuration)
	defer tick.Stop()

	for {
		select {
		case <-s.quit:
			return
		case <-tick.C:
		}

		n, err := src.ReadFrames(samples)
		switch err {
		case nil:
		case io.EOF:
			s.log.Info("source: input exhausted")
			return
		case ErrNotRunning:
			return
		default:
			s.log.Error("source: read failed", "error", err.Error())
			continue
		}
		if n == 0 {
			continue
		}

		nSamples := n * src.Channels()
		for i := 0; i < nSamples; i++ {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(samples[i]))
		}
		_, err = s.buf.Write(raw[:4*nSamples])
		switch err {
		case nil:
		case pool.ErrDropped:
			s.log.Warning("source: pool chunk dropped", "full chunks", s.buf.Len())
		default:
			s.log.Error("source: pool write failed", "error", err.Error())
		}
	}
}

// consume drains pool chunks into the ring.
func (s *Streamer) consume() {
	defer s.wg.Done()
	channels := s.cfg.Source.Channels()
	for {
		chunk, err := s.buf.Next(poolNextTimeout)
		switch err {
		case nil:
		case pool.ErrTimeout:
			select {
			case <-s.quit:
				return
			default:
				continue
			}
		case io.EOF:
			return
		default:
			s.log.Error("source: pool read failed", "error", err.Error())
			return
		}

		raw := chunk.Bytes()
		samples := make([]float32, len(raw)/4)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		if err := s.cfg.Ring.Write(samples, channels); err != nil {
			s.log.Error("source: ring write failed", "error", err.Error())
		}
		if err := chunk.Close(); err != nil {
			s.log.Debug("source: chunk close failed", "error", err.Error())
		}
	}
}
