package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/bastion-xolot/gateway/internal/config"
	"github.com/bastion-xolot/gateway/internal/correlate"
	"github.com/bastion-xolot/gateway/internal/enforce"
	"github.com/bastion-xolot/gateway/internal/pipeline"
	"github.com/bastion-xolot/gateway/internal/risk"
	"github.com/bastion-xolot/gateway/internal/server"
	"github.com/bastion-xolot/gateway/internal/store"
	"github.com/bastion-xolot/gateway/internal/types"
	"github.com/bastion-xolot/gateway/pkg/dnstail"
	"github.com/bastion-xolot/gateway/pkg/netctl"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)

	cfg, err := config.Load(config.GetEnv("BASTION_CONFIG", "/etc/bastion/gateway.yaml"))
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	st, err := store.Open(cfg.DBPath, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database")
	}
	defer st.Close()

	engine := correlate.NewEngine(log,
		correlate.AnomalyPassthrough{},
		correlate.BlockRate{Count: cfg.BlockRateCount, WindowSize: cfg.BlockRateWindow},
		correlate.NewDevice{},
	)
	scorer := risk.New(cfg.RiskHalfLife, cfg.SuspiciousThreshold, cfg.ClearThreshold)

	pipe, err := pipeline.New(cfg, st, engine, scorer, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to build pipeline")
	}

	ctrl := netctl.NewClient(netctl.Config{
		Endpoint: cfg.ControlEndpoint,
		Token:    cfg.ControlToken,
	}, log)
	machine := enforce.New(st, ctrl, log, cfg.EnforcementTimeout, cfg.EnforcementAllowed())
	if !cfg.EnforcementAllowed() {
		log.Info("Enforcement disabled, running in monitor mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DNSLogPath != "" {
		tailer := dnstail.New(dnstail.Config{
			Path:         cfg.DNSLogPath,
			PollInterval: cfg.DNSPollInterval,
			ResolveMAC:   dnstail.NewARPResolver().Lookup,
		}, func(raw types.RawEvent) {
			if _, err := pipe.Ingest(ctx, raw); err != nil {
				log.WithError(err).Warn("Failed to ingest DNS block event")
			}
		}, log)
		go func() {
			if err := tailer.Run(ctx); err != nil && err != context.Canceled {
				log.WithError(err).Error("DNS log tailer stopped")
			}
		}()
	}

	srv := server.New(cfg, pipe, machine, st, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("Gateway server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down gateway")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}
