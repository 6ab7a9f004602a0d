package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HsiangNianian/framebridge/internal/config"
	"github.com/HsiangNianian/framebridge/internal/host"
	"github.com/HsiangNianian/framebridge/internal/logx"
	"github.com/HsiangNianian/framebridge/internal/metrics"
	"github.com/HsiangNianian/framebridge/internal/schema"
	"github.com/HsiangNianian/framebridge/internal/store"
	"github.com/HsiangNianian/framebridge/internal/transport/natsbus"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

func main() {
	configPath := flag.String("config", os.Getenv("BRIDGE_CONFIG"), "path to a JSON config file (comments allowed)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("load config failed")
	}
	logx.Configure(cfg.LogLevel)
	log := logx.Component("bridge-host")

	var shape *openapi3.Schema
	if cfg.SchemaPath != "" {
		shape, err = schema.Load(cfg.SchemaPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.SchemaPath).Msg("load schema failed")
		}
		log.Info().Str("path", cfg.SchemaPath).Msg("use component schema")
	}

	var st store.Store
	if cfg.Store.RedisAddr != "" {
		rs := store.NewRedisStore(cfg.Store.RedisAddr, cfg.StoreTTL())
		defer rs.Close()
		st = rs
		log.Info().Str("addr", cfg.Store.RedisAddr).Msg("use redis store")
	} else {
		st = store.NewMemoryStore(cfg.StoreTTL())
		log.Info().Msg("use memory store")
	}

	svc := host.NewService(st, shape)
	hub := host.NewHub(svc, cfg.Server.AuthToken)

	var deliverers []host.Deliverer
	if cfg.NATS.URL != "" {
		nc, err := natsbus.Connect(cfg.NATS.URL, cfg.NATS.Name)
		if err != nil {
			log.Fatal().Err(err).Msg("nats unavailable")
		}
		defer nc.Close()
		relay := host.NewRelay(svc, nc, cfg.NATS.SubjectPrefix)
		if err := relay.Start(); err != nil {
			log.Fatal().Err(err).Msg("start nats relay failed")
		}
		defer relay.Close()
		deliverers = append(deliverers, relay)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	router := host.NewRouter(svc, hub, reg, host.RouterConfig{
		FramePath:  cfg.Server.FramePath,
		AuthToken:  cfg.Server.AuthToken,
		Deliverers: deliverers,
	})
	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", cfg.Server.ListenAddr).Msg("bridge host listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("bridge host server failed")
	}
	log.Info().Msg("bridge host stopped")
}
