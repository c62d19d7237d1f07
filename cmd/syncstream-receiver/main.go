/*
NAME
  syncstream-receiver - synchronized playback agent.

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

// Package syncstream-receiver runs a playback node: it plays the
// transmitter's stream through the configured output driver, measures
// drift against the transmitter's reference buffer using the local
// microphone, and follows the controller's buffer offsets.
package main

import (
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/kidoman/embd/host/rpi"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/syncstream/audio/source"
	"github.com/ausocean/syncstream/bus"
	"github.com/ausocean/syncstream/drift"
	"github.com/ausocean/syncstream/driver"
	"github.com/ausocean/syncstream/protocol"
	"github.com/ausocean/syncstream/receiver"
	"github.com/ausocean/utils/logging"
)

// Logging configuration.
const (
	logPath      = "/var/log/syncstream/receiver.log"
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logSuppress  = true
)

func main() {
	var (
		logLevel    = flag.Int("LogLevel", int(logging.Info), "Log level")
		broker      = flag.String("Broker", "tcp://localhost:1883", "MQTT broker URL")
		transmitter = flag.String("Transmitter", "http://localhost:8000", "Transmitter base URL")
		stream      = flag.String("Stream", "", "Stream URL; defaults to the transmitter's stream endpoint")
		id          = flag.String("ID", "", "Device ID; defaults to the hostname")
		name        = flag.String("Name", "", "Device name; defaults to the device ID")
		devType     = flag.String("Type", string(protocol.DeviceAnalog), "Output type: analog, hdmi, chromecast, alsa or pulse")
		deviceIP    = flag.String("DeviceIP", "", "Network audio device IP, for chromecast")
		location    = flag.String("Location", "", "Human-readable device location")
		group       = flag.String("Group", "default", "Sync group")
		baseLatency = flag.Float64("BaseLatencyMS", 0, "Fixed output chain latency in milliseconds")
		micTitle    = flag.String("Mic", "", "Capture device title; empty selects the first")
		rate        = flag.Int("Rate", 44100, "Capture sample rate in Hz")
		amplifier   = flag.Bool("Amplifier", false, "Route volume through the i2c amplifier")
	)
	flag.Parse()

	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}
	log := logging.New(int8(*logLevel), io.MultiWriter(fileLog, os.Stdout), logSuppress)
	log.Info("receiver: starting")

	if *id == "" {
		host, err := os.Hostname()
		if err != nil {
			log.Fatal("receiver: could not determine hostname", "error", err.Error())
		}
		*id = host
	}
	if *name == "" {
		*name = *id
	}
	if *stream == "" {
		*stream = *transmitter + "/stream"
	}

	mic, err := source.NewMic(source.MicConfig{Title: *micTitle, Rate: *rate, Channels: 1, Logger: log})
	if err != nil {
		log.Fatal("receiver: could not open microphone", "error", err.Error())
	}

	est, err := drift.NewEstimator(drift.Config{
		TransmitterURL: *transmitter,
		SampleRate:     *rate,
		Logger:         log,
	})
	if err != nil {
		log.Fatal("receiver: could not create estimator", "error", err.Error())
	}

	drvCfg := driver.Config{DeviceIP: *deviceIP, Logger: log}
	drv, err := driver.New(protocol.DeviceType(*devType), drvCfg)
	if err != nil {
		log.Fatal("receiver: could not create driver", "error", err.Error())
	}
	if *amplifier {
		drv = driver.NewAmplifier(drv, drvCfg)
	}

	// The last will marks us offline if the connection drops without a
	// clean shutdown.
	willTopic, err := protocol.Topic(protocol.MsgStatus, *id)
	if err != nil {
		log.Fatal("receiver: bad device ID", "error", err.Error())
	}
	will, err := protocol.Marshal(protocol.DeviceStatus{DeviceID: *id, IsOnline: false, Timestamp: protocol.Now()})
	if err != nil {
		log.Fatal("receiver: could not marshal last will", "error", err.Error())
	}

	var agent *receiver.Agent
	b, err := bus.New(bus.Config{
		BrokerURL:   *broker,
		ClientID:    "syncstream-" + *id,
		WillTopic:   willTopic,
		WillPayload: will,
		OnConnect: func() {
			if agent == nil {
				return
			}
			if err := agent.Register(); err != nil {
				log.Warning("receiver: re-registration failed", "error", err.Error())
			}
		},
		Logger: log,
	})
	if err != nil {
		log.Fatal("receiver: could not create bus", "error", err.Error())
	}

	agent, err = receiver.NewAgent(receiver.Config{
		DeviceID:      *id,
		DeviceName:    *name,
		DeviceType:    protocol.DeviceType(*devType),
		Location:      *location,
		SyncGroup:     *group,
		BaseLatencyMS: *baseLatency,
		StreamURL:     *stream,
		Bus:           b,
		Driver:        drv,
		Mic:           mic,
		Estimator:     est,
		Logger:        log,
	})
	if err != nil {
		log.Fatal("receiver: could not create agent", "error", err.Error())
	}

	if err := b.Connect(); err != nil {
		log.Fatal("receiver: could not connect to broker", "error", err.Error())
	}
	if err := agent.Start(); err != nil {
		log.Fatal("receiver: could not start agent", "error", err.Error())
	}
	log.Info("receiver: running", "device", *id, "group", *group, "transmitter", *transmitter)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("receiver: signal received, shutting down")

	agent.Stop()
	b.Close()
	log.Info("receiver: stopped")
}
