package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"screencore/internal/bridge"
	"screencore/internal/capture"
	"screencore/internal/config"
	"screencore/internal/devicetracker"
	"screencore/internal/discovery"
	"screencore/internal/registry"
	"screencore/internal/snapshot"
	"screencore/internal/wsapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr).With().Timestamp().Logger()
		bootLog.Fatal().Err(err).Msg("failed to load config")
	}

	log := newLogger(cfg.LogLevel)

	driver := bridge.New("adb", cfg.ADBServerAddr, log)

	tracker := devicetracker.New(driver, log)
	go func() {
		if err := tracker.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("device tracker stopped")
		}
	}()

	snapshotCfg := snapshot.DefaultConfig()
	snapshotCfg.OutputDir = cfg.CaptureOutputDir
	snapshotCfg.JPEGQuality = cfg.CaptureJPEGQualityDefault
	snapshotCfg.DecoderStall = cfg.DecoderStallTimeout
	snapshotCfg.ShutdownGrace = cfg.DecoderShutdownGrace

	captureCfg := capture.Balanced()
	captureCfg.EncoderAgentPath = cfg.EncoderAgentPath
	captureCfg.IdleStopGrace = cfg.StreamIdleTimeout

	reg := registry.New(driver, captureCfg, cfg.GopCapBytes, cfg.SubscriberQueueDepth,
		snapshotCfg, cfg.StreamIdleTimeout, log)

	router := wsapi.New(reg, tracker, cfg.CORSAllowOrigins, log)

	var advertiser *discovery.Advertiser
	if cfg.MDNSEnabled {
		if port, err := portFromAddr(cfg.HTTPListenAddr); err == nil {
			advertiser, err = discovery.Advertise(cfg.MDNSServiceName, port, log)
			if err != nil {
				log.Warn().Err(err).Msg("mdns advertisement disabled")
			}
		}
	}

	server := &http.Server{Addr: cfg.HTTPListenAddr, Handler: router.Handler()}

	go func() {
		log.Info().Str("addr", cfg.HTTPListenAddr).Msg("serving")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownDeadline)
	defer cancel()

	if advertiser != nil {
		advertiser.Shutdown()
	}
	_ = server.Shutdown(shutdownCtx)
	if err := reg.StopAll(cfg.ShutdownDeadline); err != nil {
		log.Warn().Err(err).Msg("some sessions did not stop cleanly")
	}
	log.Info().Msg("shutdown complete")
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
		Level(lvl).
		With().Timestamp().Logger()
}

func portFromAddr(addr string) (int, error) {
	_, portStr, ok := strings.Cut(addr, ":")
	if !ok {
		return 0, os.ErrInvalid
	}
	return strconv.Atoi(portStr)
}
