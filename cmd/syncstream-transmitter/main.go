/*
NAME
  syncstream-transmitter - reference audio server and synchronization
  controller.

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

// Package syncstream-transmitter runs the transmitter node: it streams a
// reference audio source into a rolling buffer, serves that buffer over
// HTTP for receiver drift measurement, and runs the synchronization
// controller over MQTT.
package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/syncstream/audio/reference"
	"github.com/ausocean/syncstream/audio/ring"
	"github.com/ausocean/syncstream/audio/source"
	"github.com/ausocean/syncstream/bus"
	"github.com/ausocean/syncstream/protocol"
	syncctl "github.com/ausocean/syncstream/sync"
	"github.com/ausocean/utils/logging"
)

// Logging configuration.
const (
	logPath      = "/var/log/syncstream/transmitter.log"
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logSuppress  = true
)

func main() {
	var (
		logLevel  = flag.Int("LogLevel", int(logging.Info), "Log level")
		broker    = flag.String("Broker", "tcp://localhost:1883", "MQTT broker URL")
		addr      = flag.String("Addr", ":8000", "Reference HTTP listen address")
		src       = flag.String("Source", "tone", "Audio source: tone, mic, or a WAV/FLAC path")
		loop      = flag.Bool("Loop", true, "Loop a file source at EOF")
		rate      = flag.Int("Rate", 44100, "Sample rate in Hz")
		channels  = flag.Int("Channels", 2, "Channel count")
		bufSecs   = flag.Float64("BufferSeconds", 10, "Seconds of reference audio retained")
		tolerance = flag.Float64("ToleranceMS", 10, "Sync deadband in milliseconds")
		adjust    = flag.Float64("AdjustmentRate", 0.1, "Fraction of offset error applied per pass")
	)
	flag.Parse()

	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}
	log := logging.New(int8(*logLevel), io.MultiWriter(fileLog, os.Stdout), logSuppress)
	log.Info("transmitter: starting")

	rb, err := ring.NewRing(ring.Config{SampleRate: *rate, Channels: *channels, BufferSeconds: *bufSecs})
	if err != nil {
		log.Fatal("transmitter: could not create ring", "error", err.Error())
	}

	audioSrc, err := newSource(*src, *loop, *rate, *channels, log)
	if err != nil {
		log.Fatal("transmitter: could not create source", "error", err.Error())
	}

	streamer, err := source.NewStreamer(source.StreamerConfig{Source: audioSrc, Ring: rb, Logger: log})
	if err != nil {
		log.Fatal("transmitter: could not create streamer", "error", err.Error())
	}
	if err := streamer.Start(); err != nil {
		log.Fatal("transmitter: could not start streamer", "error", err.Error())
	}

	ref, err := reference.NewService(reference.Config{Addr: *addr, Ring: rb, Logger: log})
	if err != nil {
		log.Fatal("transmitter: could not create reference service", "error", err.Error())
	}
	ref.Start()

	b, err := bus.New(bus.Config{
		BrokerURL: *broker,
		ClientID:  "syncstream-transmitter-" + uuid.NewString()[:8],
		Logger:    log,
	})
	if err != nil {
		log.Fatal("transmitter: could not create bus", "error", err.Error())
	}

	ctrl, err := syncctl.NewController(syncctl.Config{
		SyncToleranceMS: *tolerance,
		AdjustmentRate:  *adjust,
		Events: func(e syncctl.Event) {
			log.Debug("transmitter: controller event", "kind", string(e.Kind),
				"device", e.DeviceID, "group", e.Group, "value", e.Value)
		},
		Publisher: b,
		Logger:    log,
	})
	if err != nil {
		log.Fatal("transmitter: could not create controller", "error", err.Error())
	}

	if err := b.Connect(); err != nil {
		log.Fatal("transmitter: could not connect to broker", "error", err.Error())
	}
	if err := subscribeController(b, ctrl, log); err != nil {
		log.Fatal("transmitter: could not subscribe", "error", err.Error())
	}
	ctrl.Start()
	log.Info("transmitter: running", "addr", *addr, "broker", *broker, "source", audioSrc.Name())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
		log.Info("transmitter: signal received, shutting down")
	case err := <-ref.Err():
		log.Error("transmitter: reference service failed", "error", err.Error())
	}

	ctrl.Stop()
	b.Close()
	if err := ref.Stop(); err != nil {
		log.Warning("transmitter: reference service stop failed", "error", err.Error())
	}
	streamer.Stop()
	log.Info("transmitter: stopped")
}

// newSource builds the reference audio source named by s.
func newSource(s string, loop bool, rate, channels int, log logging.Logger) (source.Source, error) {
	switch s {
	case "tone":
		return source.NewTone(source.ToneConfig{Rate: rate, Channels: channels}), nil
	case "mic":
		return source.NewMic(source.MicConfig{Rate: rate, Channels: channels, Logger: log})
	default:
		return source.NewFile(s, loop), nil
	}
}

// subscribeController routes receiver traffic to the controller.
func subscribeController(b *bus.Bus, ctrl *syncctl.Controller, log logging.Logger) error {
	subs := map[string]bus.Handler{
		protocol.Filter(protocol.MsgRegister): func(topic string, payload []byte) {
			m, err := protocol.Unmarshal(protocol.MsgRegister, payload)
			if err != nil {
				log.Warning("transmitter: dropped invalid registration", "error", err.Error())
				return
			}
			ctrl.Register(m.(protocol.DeviceRegister))
		},
		protocol.Filter(protocol.MsgDriftReport): func(topic string, payload []byte) {
			m, err := protocol.Unmarshal(protocol.MsgDriftReport, payload)
			if err != nil {
				log.Warning("transmitter: dropped invalid drift report", "error", err.Error())
				return
			}
			if err := ctrl.UpdateDrift(m.(protocol.DriftReport)); err != nil {
				log.Debug("transmitter: drift report not applied", "error", err.Error())
			}
		},
		protocol.Filter(protocol.MsgHeartbeat): func(topic string, payload []byte) {
			m, err := protocol.Unmarshal(protocol.MsgHeartbeat, payload)
			if err != nil {
				return
			}
			if err := ctrl.Heartbeat(m.(protocol.Heartbeat).DeviceID); err != nil {
				log.Debug("transmitter: heartbeat from unknown device", "error", err.Error())
			}
		},
		protocol.Filter(protocol.MsgStatus): func(topic string, payload []byte) {
			m, err := protocol.Unmarshal(protocol.MsgStatus, payload)
			if err != nil {
				return
			}
			st := m.(protocol.DeviceStatus)
			if !st.IsOnline {
				if err := ctrl.SetOffline(st.DeviceID); err != nil {
					log.Debug("transmitter: offline status for unknown device", "error", err.Error())
				}
			}
		},
	}
	for filter, h := range subs {
		qos := byte(protocol.DefaultQoS)
		if err := b.Subscribe(filter, qos, h); err != nil {
			return err
		}
	}
	return nil
}
