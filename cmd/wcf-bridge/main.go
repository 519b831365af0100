// Command wcf-bridge connects to the injected module and serves the admin API. Inbound
// messages go to the configured HTTP sinks; with images.dir set, images are also saved
// per sender.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"wcf-bridge/api"
	"wcf-bridge/bridge"
	"wcf-bridge/config"
	"wcf-bridge/forwarder"
	"wcf-bridge/loadbalance"
	"wcf-bridge/logging"
	"wcf-bridge/message"
	"wcf-bridge/metrics"
	"wcf-bridge/registry"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("wcf-bridge", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", "", "path to the TOML config file")
	host := flagSet.String("rpc-host", "", "module host (overrides rpc.host)")
	port := flagSet.Int("rpc-port", 0, "module port (overrides rpc.port)")
	codecName := flagSet.String("codec", "", "wire codec, json or cbor (overrides rpc.codec)")
	urls := flagSet.StringSlice("forward-url", nil, "sink URL, repeatable (overrides forward.urls)")
	listen := flagSet.String("listen", "", "admin API address, empty string disables it (overrides api.listen)")
	level := flagSet.String("log-level", "", "debug, info, warn or error (overrides log.level)")
	noReceive := flagSet.Bool("no-receive", false, "do not enable receiving on start")
	imagesDir := flagSet.String("images-dir", "", "save inbound images per sender under this directory (overrides images.dir)")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if flagSet.Changed("rpc-host") {
		cfg.RPC.Host = *host
	}
	if flagSet.Changed("rpc-port") {
		cfg.RPC.Port = *port
	}
	if flagSet.Changed("codec") {
		cfg.RPC.Codec = *codecName
	}
	if flagSet.Changed("forward-url") {
		cfg.Forward.URLs = *urls
	}
	if flagSet.Changed("listen") {
		cfg.API.Listen = *listen
	}
	if flagSet.Changed("log-level") {
		cfg.Log.Level = *level
	}
	if flagSet.Changed("images-dir") {
		cfg.Images.Dir = *imagesDir
	}
	if *noReceive {
		cfg.Receive.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer log.Close()
	logger := log.Logger

	m := metrics.New()
	opts := []bridge.Option{
		bridge.WithMetrics(m),
		bridge.WithDeliveryFailed(func(msg *message.WxMsg, err error) {
			logger.Warn("message dropped", zap.Uint64("id", msg.ID), zap.String("sender", msg.Sender), zap.Error(err))
		}),
	}
	if len(cfg.Registry.Endpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		opts = append(opts, bridge.WithRegistry(reg))
	}

	var b *bridge.Bridge
	fwd, err := newForwarder(cfg, logger, func() forwarder.ImageClient {
		if sess := b.Session(); sess != nil {
			return sess
		}
		return nil
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b = bridge.New(cfg, logger, fwd, opts...)
	if err := b.Start(ctx); err != nil {
		b.Stop()
		return fmt.Errorf("start bridge: %w", err)
	}
	defer b.Stop()

	if cfg.API.Listen != "" {
		srv := api.New(b, logger, api.WithMetricsHandler(m.Handler()), api.WithLogLevel(log.Level))
		if _, err := srv.Start(cfg.API.Listen); err != nil {
			return fmt.Errorf("admin api: %w", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

// newForwarder builds the HTTP forwarder, joined by the image saver when images.dir is
// set. With only images.dir configured, nothing is POSTed.
func newForwarder(cfg config.Config, logger *zap.Logger, images func() forwarder.ImageClient) (forwarder.Forwarder, error) {
	var fwds forwarder.Fanout
	if cfg.Images.Dir != "" {
		fwds = append(fwds, forwarder.NewImageSaver(forwarder.ImageSaverConfig{
			Dir:          cfg.Images.Dir,
			DownloadWait: cfg.Images.DownloadWait,
		}, images, logger))
	}
	if cfg.Images.Dir == "" || len(cfg.Forward.URLs) > 0 || cfg.Registry.SinkService != "" {
		fc := cfg.Forward
		mode, err := forwarder.ParseMode(fc.Mode)
		if err != nil {
			return nil, err
		}
		bal, err := loadbalance.New(fc.Balancer)
		if err != nil {
			return nil, err
		}
		fwds = append(fwds, forwarder.NewHTTP(forwarder.HTTPConfig{
			Timeout:         fc.Timeout,
			Mode:            mode,
			MaxRetries:      fc.MaxRetries,
			RetryBackoff:    fc.RetryBackoff,
			RetryMaxBackoff: fc.RetryMaxBackoff,
		}, bal, logger, fc.URLs...))
	}
	if len(fwds) == 1 {
		return fwds[0], nil
	}
	return fwds, nil
}
