/*
NAME
  reference.go

DESCRIPTION
  reference.go provides Service, the transmitter's HTTP reference service.
  It exposes windows of the rolling reference buffer for receiver drift
  correlation, as raw little-endian float32 frames or JSON, along with a
  buffer metadata endpoint.

AUTHORS
  Trek Hopton <trek@ausocean.org>
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package reference serves the transmitter's rolling audio buffer over
// HTTP for receiver-side drift correlation.
package reference

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/syncstream/audio/ring"
	"github.com/ausocean/utils/logging"
)

const (
	defaultDuration   = 2.0
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
	defaultListenAddr = ":8080"
	contentTypeBinary = "application/octet-stream"
	contentTypeJSON   = "application/json"
	headerSampleRate  = "X-Sample-Rate"
	headerChannels    = "X-Channels"
	headerSamples     = "X-Samples"
	headerStartTime   = "X-Start-Time"
	headerDuration    = "X-Duration"
)

// Config holds the parameters of a Service.
type Config struct {
	// Addr is the listen address, e.g. ":8080".
	Addr string

	// Ring is the rolling reference buffer served by the service.
	Ring *ring.Ring

	Logger logging.Logger
}

// Service is the reference audio HTTP service.
type Service struct {
	cfg Config
	log logging.Logger
	srv *http.Server
	err chan error
}

// NewService returns a Service for the given ring.
func NewService(cfg Config) (*Service, error) {
	if cfg.Ring == nil {
		return nil, errors.New("reference: ring required")
	}
	if cfg.Logger == nil {
		return nil, errors.New("reference: logger required")
	}
	if cfg.Addr == "" {
		cfg.Addr = defaultListenAddr
	}
	s := &Service{cfg: cfg, log: cfg.Logger, err: make(chan error, 1)}
	s.srv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s, nil
}

// Handler returns the service's routes, independent of the listener.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/audio/buffer", s.handleBuffer)
	mux.HandleFunc("/api/audio/info", s.handleInfo)
	return mux
}

// Start begins serving. Errors after startup are delivered on Err.
func (s *Service) Start() {
	s.log.Info("reference: serving", "addr", s.cfg.Addr)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.err <- err
		}
	}()
}

// Err reports a serving failure after Start.
func (s *Service) Err() <-chan error { return s.err }

// Stop shuts the service down, waiting briefly for in-flight requests.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

// handleBuffer serves a window of reference audio. Query parameters:
// duration in seconds (default 2), offset in seconds back from the newest
// frame (default 0, negative accepted as the same direction), and format,
// raw or json (default raw).
func (s *Service) handleBuffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	duration := defaultDuration
	if v := r.URL.Query().Get("duration"); v != "" {
		d, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "duration must be a number", http.StatusBadRequest)
			return
		}
		duration = d
	}
	info := s.cfg.Ring.Info()
	if duration <= 0 || duration > info.BufferSeconds {
		http.Error(w, "duration out of range", http.StatusBadRequest)
		return
	}

	var offset float64
	if v := r.URL.Query().Get("offset"); v != "" {
		o, err := strconv.ParseFloat(v, 64)
		if err != nil {
			http.Error(w, "offset must be a number", http.StatusBadRequest)
			return
		}
		// Receivers ask for the recent past with a negative offset;
		// accept either sign but always read backward.
		offset = -math.Abs(o)
	}

	if s.cfg.Ring.SamplesWritten() == 0 {
		http.Error(w, "no audio buffered", http.StatusServiceUnavailable)
		return
	}

	win, err := s.cfg.Ring.Read(duration, offset)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.URL.Query().Get("format") {
	case "json":
		s.writeJSONWindow(w, win)
	default:
		s.writeRawWindow(w, win)
	}
}

// writeRawWindow writes interleaved little-endian float32 frames with the
// window metadata in headers.
func (s *Service) writeRawWindow(w http.ResponseWriter, win ring.Window) {
	w.Header().Set("Content-Type", contentTypeBinary)
	w.Header().Set(headerSampleRate, strconv.Itoa(win.SampleRate))
	w.Header().Set(headerChannels, strconv.Itoa(win.Channels))
	w.Header().Set(headerSamples, strconv.Itoa(len(win.Samples)))
	w.Header().Set(headerStartTime, strconv.FormatFloat(win.StartTime, 'f', 6, 64))
	w.Header().Set(headerDuration, strconv.FormatFloat(float64(win.Frames)/float64(win.SampleRate), 'f', 6, 64))

	buf := make([]byte, 4*len(win.Samples))
	for i, v := range win.Samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if _, err := w.Write(buf); err != nil {
		s.log.Debug("reference: client went away mid-window", "error", err.Error())
	}
}

// jsonWindow is the JSON form of a buffer window.
type jsonWindow struct {
	AudioData []float32    `json:"audio_data"`
	Metadata  jsonMetadata `json:"metadata"`
}

type jsonMetadata struct {
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	Duration   float64 `json:"duration"`
	Samples    int     `json:"samples"`
	StartTime  float64 `json:"start_time"`
	Timestamp  float64 `json:"timestamp"`
}

func (s *Service) writeJSONWindow(w http.ResponseWriter, win ring.Window) {
	w.Header().Set("Content-Type", contentTypeJSON)
	err := json.NewEncoder(w).Encode(jsonWindow{
		AudioData: win.Samples,
		Metadata: jsonMetadata{
			SampleRate: win.SampleRate,
			Channels:   win.Channels,
			Duration:   float64(win.Frames) / float64(win.SampleRate),
			Samples:    len(win.Samples),
			StartTime:  win.StartTime,
			Timestamp:  float64(time.Now().UnixNano()) / 1e9,
		},
	})
	if err != nil {
		s.log.Debug("reference: could not encode window", "error", err.Error())
	}
}

// handleInfo serves buffer metadata.
func (s *Service) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	if err := json.NewEncoder(w).Encode(s.cfg.Ring.Info()); err != nil {
		s.log.Debug("reference: could not encode info", "error", err.Error())
	}
}
