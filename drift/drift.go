/*
NAME
  drift.go

DESCRIPTION
  drift.go provides Estimator, which measures playback drift on a receiver
  by fetching a window of reference audio from the transmitter and
  cross-correlating it against the microphone capture. Accepted
  measurements feed a bounded history from which smoothed statistics are
  derived for drift reports.

AUTHORS
  David Sutton <davidsutton@ausocean.org>
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2025 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package drift measures the playback offset between a receiver and the
// transmitter's reference signal.
package drift

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/ausocean/syncstream/dsp"
	"github.com/ausocean/utils/logging"
)

// Estimator defaults.
const (
	defaultWindow         = 2 * time.Second
	defaultMinCorrelation = 0.7
	defaultMaxDriftMS     = 1000.0
	defaultMaxJumpMS      = 100.0
	defaultFetchTimeout   = 5 * time.Second
	defaultSampleRate     = 44100
	defaultHighPassHz     = 100.0

	// Reference windows are fetched slightly in the past to absorb
	// network delay between transmitter and receiver.
	defaultFetchOffset = -500 * time.Millisecond

	historyLen   = 100
	recentWindow = 10
)

// Measurement rejection reasons. A rejected measurement is counted but
// never enters the history.
var (
	ErrLowCorrelation = errors.New("drift: correlation below threshold")
	ErrExcessiveDrift = errors.New("drift: measured drift exceeds bound")
	ErrDriftJump      = errors.New("drift: implausible jump from previous measurement")
	ErrShortWindow    = errors.New("drift: not enough audio to correlate")
)

// Config holds the parameters of an Estimator.
type Config struct {
	// TransmitterURL is the base URL of the transmitter's reference
	// service, e.g. "http://transmitter:8080".
	TransmitterURL string

	// Window is the duration of audio correlated per measurement.
	Window time.Duration

	// MinCorrelation is the acceptance threshold on the normalized peak
	// correlation coefficient.
	MinCorrelation float64

	// MaxDriftMS bounds the magnitude of an acceptable measurement.
	MaxDriftMS float64

	// MaxJumpMS bounds the change from the previously accepted
	// measurement.
	MaxJumpMS float64

	// FetchTimeout bounds each reference fetch.
	FetchTimeout time.Duration

	// SampleRate of the microphone capture and reference audio.
	SampleRate int

	Logger logging.Logger
}

// Validate fills defaults and checks required fields.
func (c *Config) Validate() error {
	if c.TransmitterURL == "" {
		return errors.New("drift: transmitter URL required")
	}
	if c.Logger == nil {
		return errors.New("drift: logger required")
	}
	if c.Window == 0 {
		c.Window = defaultWindow
	}
	if c.MinCorrelation == 0 {
		c.MinCorrelation = defaultMinCorrelation
	}
	if c.MaxDriftMS == 0 {
		c.MaxDriftMS = defaultMaxDriftMS
	}
	if c.MaxJumpMS == 0 {
		c.MaxJumpMS = defaultMaxJumpMS
	}
	if c.FetchTimeout == 0 {
		c.FetchTimeout = defaultFetchTimeout
	}
	if c.SampleRate == 0 {
		c.SampleRate = defaultSampleRate
	}
	return nil
}

// Measurement is one accepted drift measurement with its smoothed
// statistics over the recent history.
type Measurement struct {
	DriftMS       float64
	Correlation   float64
	AvgDriftMS    float64
	DriftVariance float64
	Time          time.Time
	Count         int
}

// Stats summarizes an Estimator's history.
type Stats struct {
	LastDriftMS     float64
	LastCorrelation float64
	LastTime        time.Time
	Count           int
	Failed          int
	HistoryLen      int
	AvgDriftMS      float64
	StdDriftMS      float64
	MinDriftMS      float64
	MaxDriftMS      float64
	AvgCorrelation  float64
}

// Estimator measures drift against the transmitter's reference buffer.
// It is safe for concurrent use.
type Estimator struct {
	cfg    Config
	log    logging.Logger
	client *http.Client

	mu           sync.Mutex
	drifts       []float64
	correlations []float64
	last         Measurement
	count        int
	failed       int
}

// NewEstimator returns an Estimator with the given configuration.
func NewEstimator(cfg Config) (*Estimator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Estimator{
		cfg:    cfg,
		log:    cfg.Logger,
		client: &http.Client{Timeout: cfg.FetchTimeout},
	}, nil
}

// Measure fetches a reference window, correlates it against the given
// microphone capture and returns the accepted measurement. Rejected
// measurements return one of the Err* values above and increment the
// failure counter without touching the history.
func (e *Estimator) Measure(ctx context.Context, mic []float32, channels int) (Measurement, error) {
	ref, err := e.fetchReference(ctx)
	if err != nil {
		e.fail()
		return Measurement{}, errors.Wrap(err, "drift: could not fetch reference audio")
	}

	driftMS, coeff, err := e.correlate(dsp.MonoMix(mic, channels), ref)
	if err != nil {
		e.fail()
		return Measurement{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.validateLocked(driftMS, coeff); err != nil {
		e.failed++
		e.log.Debug("drift: measurement rejected", "drift", driftMS, "correlation", coeff, "reason", err.Error())
		return Measurement{}, err
	}

	e.drifts = append(e.drifts, driftMS)
	e.correlations = append(e.correlations, coeff)
	if len(e.drifts) > historyLen {
		e.drifts = e.drifts[len(e.drifts)-historyLen:]
		e.correlations = e.correlations[len(e.correlations)-historyLen:]
	}
	e.count++

	recent := e.drifts
	if len(recent) > recentWindow {
		recent = recent[len(recent)-recentWindow:]
	}
	m := Measurement{
		DriftMS:     driftMS,
		Correlation: coeff,
		AvgDriftMS:  stat.Mean(recent, nil),
		Time:        time.Now(),
		Count:       e.count,
	}
	if len(recent) > 1 {
		m.DriftVariance = stat.Variance(recent, nil)
	}
	e.last = m

	e.log.Info("drift: measured", "drift", driftMS, "correlation", coeff, "avg", m.AvgDriftMS)
	return m, nil
}

// validateLocked applies the acceptance rules: adequate correlation,
// bounded magnitude, and no implausible jump from the previous accepted
// measurement.
func (e *Estimator) validateLocked(driftMS, coeff float64) error {
	if coeff < e.cfg.MinCorrelation {
		return errors.Wrapf(ErrLowCorrelation, "%.3f < %.3f", coeff, e.cfg.MinCorrelation)
	}
	if math.Abs(driftMS) > e.cfg.MaxDriftMS {
		return errors.Wrapf(ErrExcessiveDrift, "%.1fms", driftMS)
	}
	if len(e.drifts) > 0 {
		if jump := math.Abs(driftMS - e.drifts[len(e.drifts)-1]); jump > e.cfg.MaxJumpMS {
			return errors.Wrapf(ErrDriftJump, "%.1fms", jump)
		}
	}
	return nil
}

// correlate preprocesses both signals, truncates them to a common length
// and locates the correlation peak, returning the drift in milliseconds.
func (e *Estimator) correlate(mic, ref []float64) (float64, float64, error) {
	if len(mic) == 0 || len(ref) == 0 {
		return 0, 0, ErrShortWindow
	}
	mic, err := e.preprocess(mic)
	if err != nil {
		return 0, 0, err
	}
	ref, err = e.preprocess(ref)
	if err != nil {
		return 0, 0, err
	}

	n := len(mic)
	if len(ref) < n {
		n = len(ref)
	}
	mic, ref = mic[:n], ref[:n]

	c, err := dsp.XCorr(mic, ref)
	if err != nil {
		return 0, 0, err
	}
	lag, coeff := dsp.PeakLag(c, mic, ref)
	driftMS := float64(lag) / float64(e.cfg.SampleRate) * 1000
	return driftMS, coeff, nil
}

// preprocess high-passes, normalizes and windows a signal ahead of
// correlation.
func (e *Estimator) preprocess(x []float64) ([]float64, error) {
	y, err := dsp.HighPass(x, defaultHighPassHz, e.cfg.SampleRate)
	if err != nil {
		return nil, errors.Wrap(err, "drift: could not filter signal")
	}
	dsp.Normalize(y)
	dsp.ApplyHann(y)
	return y, nil
}

// fetchReference retrieves a mono reference window from the transmitter's
// buffer endpoint.
func (e *Estimator) fetchReference(ctx context.Context) ([]float64, error) {
	q := url.Values{}
	q.Set("duration", strconv.FormatFloat(e.cfg.Window.Seconds(), 'f', -1, 64))
	q.Set("offset", strconv.FormatFloat(defaultFetchOffset.Seconds(), 'f', -1, 64))
	q.Set("format", "raw")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		e.cfg.TransmitterURL+"/api/audio/buffer?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("reference service returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(8*e.cfg.SampleRate*int(e.cfg.Window.Seconds()+1))))
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, ErrShortWindow
	}

	channels := 1
	if v := resp.Header.Get("X-Channels"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			channels = n
		}
	}

	samples := make([]float32, len(body)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return dsp.MonoMix(samples, channels), nil
}

func (e *Estimator) fail() {
	e.mu.Lock()
	e.failed++
	e.mu.Unlock()
}

// Stats returns a summary of the estimator's history.
func (e *Estimator) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Stats{
		LastDriftMS:     e.last.DriftMS,
		LastCorrelation: e.last.Correlation,
		LastTime:        e.last.Time,
		Count:           e.count,
		Failed:          e.failed,
		HistoryLen:      len(e.drifts),
	}
	if len(e.drifts) > 0 {
		s.AvgDriftMS = stat.Mean(e.drifts, nil)
		s.MinDriftMS = floats.Min(e.drifts)
		s.MaxDriftMS = floats.Max(e.drifts)
		s.AvgCorrelation = stat.Mean(e.correlations, nil)
	}
	if len(e.drifts) > 1 {
		s.StdDriftMS = stat.StdDev(e.drifts, nil)
	}
	return s
}

// Reset clears the measurement history and counters.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.drifts = nil
	e.correlations = nil
	e.last = Measurement{}
	e.count = 0
	e.failed = 0
	e.log.Info("drift: statistics reset")
}
