// Command wrend is an SMTP receiver that writes accepted mail to a spool
// directory.
//
//	wrend -config /etc/wren/wren.yaml
//
// Every setting can be overridden with a WREN_* environment variable,
// see package config.
package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/synqronlabs/wren"
	"github.com/synqronlabs/wren/config"
	"github.com/synqronlabs/wren/dns"
	"github.com/synqronlabs/wren/spool"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "wrend:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	sp, err := spool.New(cfg.Spool.Dir, cfg.Server.Hostname, logger)
	if err != nil {
		return err
	}

	var resolver dns.Resolver
	if cfg.DNS.ReverseDNS || cfg.Policy.CheckSenderDomain {
		resolver = dns.NewClient(cfg.ClientConfig())
	}

	hooks := &wren.Callbacks{
		OnAuth: authenticate(cfg.Auth.Users),
		OnData: deliver(sp, logger),
	}
	guard, err := cfg.Guard(hooks, resolver)
	if err != nil {
		return err
	}

	sc, err := cfg.ServerConfig(logger)
	if err != nil {
		return err
	}
	sc.Hooks = guard
	if cfg.DNS.ReverseDNS {
		sc.Resolver = resolver
	}

	server, err := wren.NewServer(sc)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 3)
	go func() { errc <- listen(server.ListenAndServe, cfg.Server.Listen) }()
	if cfg.Server.ListenTLS != "" {
		tlsServer, err := implicitTLSServer(sc, cfg.Server.ListenTLS)
		if err != nil {
			return err
		}
		go func() { errc <- listen(tlsServer.ListenAndServeTLS, cfg.Server.ListenTLS) }()
		defer shutdown(tlsServer, cfg.Server.ShutdownTimeout, logger)
	}

	var metricsServer *http.Server
	if cfg.Metrics.Listen != "" {
		metricsServer = newMetricsServer(cfg.Metrics.Listen, cfg.Metrics.Path)
		go func() {
			logger.Info("metrics endpoint started", slog.String("addr", cfg.Metrics.Listen))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errc <- fmt.Errorf("metrics: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errc:
		logger.Error("server failed", slog.Any("error", err))
	}

	if metricsServer != nil {
		_ = metricsServer.Close()
	}
	shutdown(server, cfg.Server.ShutdownTimeout, logger)
	return err
}

func listen(serve func() error, addr string) error {
	if err := serve(); err != nil && !errors.Is(err, wren.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return nil
}

// implicitTLSServer shares everything with the plain server but the address.
func implicitTLSServer(sc wren.ServerConfig, addr string) (*wren.Server, error) {
	sc.Addr = addr
	return wren.NewServer(sc)
}

func shutdown(server *wren.Server, timeout time.Duration, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete, connections closed", slog.Any("error", err))
	}
}

func newLogger(cfg *config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Logging.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts)), nil
	}
	return slog.New(slog.NewJSONHandler(w, opts)), nil
}

func newMetricsServer(addr, path string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// authenticate checks credentials against the configured users.
func authenticate(users map[string]string) func(context.Context, *wren.SessionInfo, wren.AuthRequest) wren.Decision {
	return func(_ context.Context, _ *wren.SessionInfo, req wren.AuthRequest) wren.Decision {
		want, ok := users[req.Credentials.AuthenticationID]
		if !ok || subtle.ConstantTimeCompare([]byte(want), []byte(req.Credentials.Password)) != 1 {
			return wren.Reject(wren.ReplyAuthCredentialsInvalid(""))
		}
		if z := req.Credentials.AuthorizationID; z != "" && z != req.Credentials.AuthenticationID {
			return wren.Reject(wren.ReplyAuthCredentialsInvalid("Not authorized to act as " + z))
		}
		return wren.Accept()
	}
}

// deliver spools the message. A spool failure is temporary for the client.
func deliver(sp *spool.Spool, logger *slog.Logger) func(context.Context, *wren.SessionInfo, io.Reader) wren.Decision {
	return func(_ context.Context, info *wren.SessionInfo, body io.Reader) wren.Decision {
		id, n, err := sp.Store(info, body)
		if err != nil {
			logger.Error("failed to spool message", slog.String("session_id", info.ID), slog.Any("error", err))
			return wren.Reject(wren.ReplyLocalError(""))
		}
		logger.Info("message spooled",
			slog.String("id", id),
			slog.Int64("size", n),
			slog.Int("recipients", len(info.Envelope.To)),
		)
		return wren.Accept()
	}
}
