//////////////////////////////////////////////////////////////////////////////
//
// camnoded acquires frames from a GenICam camera and publishes them.
//
// Copyright 2019 Lanikai Labs LLC. All rights reserved.
//
//////////////////////////////////////////////////////////////////////////////

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	flag "github.com/spf13/pflag"

	"github.com/lanikai/camnode"
	"github.com/lanikai/camnode/internal/camera"
	"github.com/lanikai/camnode/internal/config"
	"github.com/lanikai/camnode/internal/gige"
	"github.com/lanikai/camnode/internal/logging"
	"github.com/lanikai/camnode/internal/publish"
	"github.com/lanikai/camnode/internal/sim"
)

// Populated via -ldflags="-X main.GitRevisionId=...".
var GitRevisionId string

var log = logging.DefaultLogger.WithTag("camnoded")

var (
	flagConfig  string
	flagList    bool
	flagHelp    bool
	flagVersion bool
)

func init() {
	flag.StringVarP(&flagConfig, "config", "c", "", "Configuration file")
	flag.BoolVarP(&flagList, "list", "l", false, "List attached cameras and exit")
	flag.BoolVarP(&flagHelp, "help", "h", false, "Print usage information and exit")
	flag.BoolVarP(&flagVersion, "version", "v", false, "Print version information and exit")
}

func main() {
	os.Exit(run())
}

func run() int {
	flag.Parse()
	if flagHelp {
		help()
		return 0
	}
	if flagVersion {
		version()
		return 0
	}

	cfg := config.Default()
	if flagConfig != "" {
		var err error
		if cfg, err = config.Load(flagConfig); err != nil {
			log.Error("%v", err)
			return 1
		}
	}
	if level, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetDefaultLevel(level)
	}

	camera.Register("gige", gige.NewBackend(cfg.Discovery.Interface, cfg.Discovery.Timeout))
	if cfg.Simulator != nil {
		camera.Register("sim", sim.NewBackend(*cfg.Simulator))
	}

	ctx, cancelEnumerate := context.WithTimeout(context.Background(), 2*cfg.Discovery.Timeout)
	devices, err := camera.Enumerate(ctx)
	cancelEnumerate()
	if err != nil {
		log.Warn("Enumeration: %v", err)
	}
	log.Info("Attached cameras:")
	log.Info("# Interfaces: %d", len(camera.Backends()))
	log.Info("# Devices: %d", len(devices))
	for i, d := range devices {
		log.Info("Device%d: %s", i, d.ID)
	}
	if len(devices) == 0 {
		log.Error("No cameras detected.")
		return 1
	}
	if flagList {
		return 0
	}

	if flag.NArg() < 1 {
		log.Error("Not Implemented!")
		return 1
	}

	sink, err := openSinks(cfg.Publish)
	if err != nil {
		log.Error("%v", err)
		return 1
	}
	defer sink.Close()

	cancel := camnode.NewCanceler()
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-signals
		log.Info("Caught %v, stopping", s)
		cancel.Cancel()
	}()

	ctrl := camnode.NewController(options(flag.Arg(0), cfg), sink, cancel)
	if err := ctrl.Run(); err != nil {
		log.Error("%v", err)
		return 1
	}
	return 0
}

func options(id string, cfg *config.Config) camnode.Options {
	opts := camnode.DefaultOptions(id)
	opts.RetryInterval = cfg.RetryInterval
	opts.Buffers = cfg.Stream.Buffers
	opts.Stream = cfg.Stream.Options()
	opts.Settings = camnode.Settings{
		ExposureTimeAbs: cfg.Camera.ExposureTimeAbs,
		Gain:            cfg.Camera.Gain,
		FrameRate:       cfg.Camera.FrameRate,
		PacketSize:      cfg.Stream.PacketSize,
	}
	opts.Gains = cfg.Sync.Gains()
	opts.IntegralLimit = cfg.Sync.IntegralLimit
	opts.SeedSync = cfg.Sync.Seed
	return opts
}

func openSinks(cfg config.PublishConfig) (publish.Sink, error) {
	var sinks []publish.Sink
	if cfg.MQTT != nil {
		m, err := publish.NewMQTT(*cfg.MQTT)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
	}
	if cfg.WebSocket != nil {
		ws, err := publish.NewWebSocket(*cfg.WebSocket)
		if err != nil {
			publish.Multi(sinks...).Close()
			return nil, err
		}
		sinks = append(sinks, ws)
	}
	if len(sinks) == 0 {
		log.Warn("No publish sink configured; frames are discarded")
	}
	return publish.Multi(sinks...), nil
}
