package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MatusOllah/slogcolor"

	"github.com/trailsense/edge-gateway/pkg/cloud"
	"github.com/trailsense/edge-gateway/pkg/config"
	"github.com/trailsense/edge-gateway/pkg/gateway"
	"github.com/trailsense/edge-gateway/pkg/lora"
	"github.com/trailsense/edge-gateway/pkg/mqttbridge"
	"github.com/trailsense/edge-gateway/pkg/store"
)

func main() {
	configPath := flag.String("config", "gateway.yaml", "Path to the gateway configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	opts := slogcolor.DefaultOptions
	if *debug {
		opts.Level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slogcolor.NewHandler(os.Stderr, opts)))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration failed", "error", err)
		os.Exit(1)
	}

	// Local storage is the durability guarantee; refuse to run without it
	// rather than silently losing field data.
	db, err := store.Open(cfg.DataDir)
	if err != nil {
		slog.Error("opening local storage failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	stores := &store.Stores{
		Queue:   store.NewSyncQueue(db, cfg.Sync.BaseDelay, cfg.Sync.MaxRetries),
		Packets: store.NewPacketLog(db),
	}

	var radio lora.Radio
	if cfg.Radio.Enabled {
		radio, err = lora.OpenSerial(cfg.Radio.Device)
		if err != nil {
			slog.Error("radio init failed", "device", cfg.Radio.Device, "error", err)
			os.Exit(1)
		}
		defer radio.Close()
	}

	api := cloud.NewHTTPAPI(cfg.Cloud.BaseURL, cfg.Cloud.AuthToken, cfg.Cloud.Timeout)

	pub := mqttbridge.NewNopPublisher()
	if cfg.MQTT.Enabled {
		pub = mqttbridge.NewPublisher(cfg.MQTT)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gw := gateway.New(cfg, stores, radio, api, pub)
	slog.Info("edge gateway starting",
		"listen", cfg.ListenAddr,
		"radio", cfg.Radio.Enabled,
		"mqtt", cfg.MQTT.Enabled,
		"cloud", cfg.Cloud.BaseURL)

	if err := gw.Run(ctx); err != nil {
		slog.Error("gateway exited with error", "error", err)
		os.Exit(1)
	}
}
