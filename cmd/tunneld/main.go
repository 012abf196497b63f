// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunnelkit/workertunnel/pkg/auth"
	"github.com/tunnelkit/workertunnel/pkg/config"
	"github.com/tunnelkit/workertunnel/pkg/engine"
	"github.com/tunnelkit/workertunnel/pkg/frame"
	"github.com/tunnelkit/workertunnel/pkg/portpolicy"
	"github.com/tunnelkit/workertunnel/pkg/registry"
	"github.com/tunnelkit/workertunnel/pkg/tunnel"
	"github.com/tunnelkit/workertunnel/pkg/wsbridge"
)

// linkSender forwards Send calls to a *tunnel.Handler that does not exist
// yet at the time the engine and bridge are constructed: the handler itself
// needs both of them, so this indirection breaks the cycle (spec.md §4.8
// wiring). It satisfies both pkg/engine.Sender and pkg/wsbridge.Sender.
type linkSender struct {
	mu sync.RWMutex
	h  *tunnel.Handler
}

func (s *linkSender) bind(h *tunnel.Handler) {
	s.mu.Lock()
	s.h = h
	s.mu.Unlock()
}

func (s *linkSender) Send(m frame.Message) {
	s.mu.RLock()
	h := s.h
	s.mu.RUnlock()
	if h != nil {
		h.Send(m)
	}
}

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatal().Err(err).Str("log_level", cfg.LogLevel).Msg("invalid log level")
	}
	log.Logger = log.Level(level)

	metricsRegistry := prometheus.NewRegistry()
	metrics := tunnel.NewMetrics(metricsRegistry)

	policy := portpolicy.New(cfg.AllowedPorts, cfg.PortMapping)

	var signer *auth.Signer
	if cfg.APIKeyID != "" && cfg.APISecret != "" {
		signer = auth.NewSigner(cfg.APIKeyID, cfg.APISecret)
		signer.MaxSkew = cfg.HandshakeMaxSkew
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 * 1024,
		WriteBufferSize: 32 * 1024,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/tunnel", func(w http.ResponseWriter, r *http.Request) {
		handleTunnelUpgrade(w, r, cfg, policy, signer, metrics, upgrader)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  cfg.ServerIdleTimeout,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metricsMux,
	}

	go func() {
		log.Info().Str("listen_addr", cfg.ListenAddr).Msg("starting tunnel core")
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("tunnel server exited unexpectedly")
		}
	}()

	go func() {
		log.Info().Str("metrics_addr", cfg.MetricsAddr).Msg("starting metrics listener")
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("metrics server exited unexpectedly")
		}
	}()

	waitForShutdown(context.Background(), server, metricsServer, cfg.GracefulShutdownTimeout)
}

// handleTunnelUpgrade accepts one control-link connection and runs its
// Tunnel Handler to completion. Each connection gets its own Registry,
// Engine, and Bridge: streams only ever have meaning within the control
// link that created them (spec.md §3 Ownership).
func handleTunnelUpgrade(w http.ResponseWriter, r *http.Request, cfg config.TunnelConfig, policy portpolicy.Policy, signer *auth.Signer, metrics *tunnel.Metrics, upgrader websocket.Upgrader) {
	event := log.With().Str("remote_addr", r.RemoteAddr).Logger()

	if signer != nil {
		if err := signer.Verify(r); err != nil {
			event.Warn().Err(err).Msg("rejecting control link: handshake verification failed")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		event.Warn().Err(err).Msg("control link upgrade failed")
		return
	}

	reg := registry.New(cfg.MaxConcurrentStreams)
	sender := &linkSender{}
	logger := log.Logger

	eng := engine.New(engine.Config{
		LocalHost:             cfg.LocalHost,
		ConnectTimeout:        cfg.ConnectTimeout,
		IdleTimeout:           cfg.IdleTimeout,
		MaxResponseSize:       cfg.MaxResponseSize,
		ForceIdentityEncoding: cfg.ForceIdentityEncoding,
		WorkerID:              cfg.WorkerID,
		TunnelDomain:          cfg.TunnelDomain,
		EnableURLRewriting:    cfg.EnableURLRewriting,
	}, policy, reg, sender, metrics, logger, nil)

	bridge := wsbridge.New(wsbridge.Config{
		LocalHost:   cfg.LocalHost,
		IdleTimeout: cfg.IdleTimeout,
	}, policy, reg, sender, metrics, logger)

	handler := tunnel.NewHandler(conn, reg, eng, bridge, metrics, logger)
	sender.bind(handler)

	event.Info().Msg("control link established")
	handler.Run()
	event.Info().Msg("control link closed")
}

func waitForShutdown(ctx context.Context, srv, metricsSrv *http.Server, timeout time.Duration) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop

	log.Info().Msg("shutting down tunnel core")

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed; forcing close")
		if closeErr := srv.Close(); closeErr != nil {
			log.Error().Err(closeErr).Msg("forced close failed")
		}
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		_ = metricsSrv.Close()
	}

	log.Info().Msg("tunnel core stopped")
}
