package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/dexidp/extauth/config"
	"github.com/dexidp/extauth/email"
	"github.com/dexidp/extauth/oauthclient"
	"github.com/dexidp/extauth/server"
	"github.com/dexidp/extauth/storage"
	"github.com/dexidp/extauth/storage/memory"
	extauthsql "github.com/dexidp/extauth/storage/sql"
	"github.com/dexidp/extauth/token"
	"github.com/dexidp/extauth/urlpolicy"
	"github.com/dexidp/extauth/webhook"
)

type serveOptions struct {
	config        string
	webHTTPAddr   string
	webHTTPSAddr  string
	telemetryAddr string
	tlsCert       string
	tlsKey        string
}

func commandServe() *cobra.Command {
	options := serveOptions{}

	cmd := &cobra.Command{
		Use:     "serve [flags] config.yaml",
		Short:   "Run the authentication subsystem HTTP service",
		Example: "extauthd serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			options.config = args[0]
			return runServe(options)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&options.webHTTPAddr, "web-http-addr", ":5556", "HTTP address for the authentication endpoints")
	flags.StringVar(&options.webHTTPSAddr, "web-https-addr", "", "HTTPS address for the authentication endpoints")
	flags.StringVar(&options.telemetryAddr, "telemetry-addr", ":5558", "Address for /metrics and /healthz")
	flags.StringVar(&options.tlsCert, "tls-cert", "", "TLS certificate file, required if web-https-addr is set")
	flags.StringVar(&options.tlsKey, "tls-key", "", "TLS key file, required if web-https-addr is set")

	return cmd
}

// serverRunner wires one http.Server into an oklog/run.Group with a
// graceful-shutdown actor, following cmd/dex/serve.go's serverRunner.
type serverRunner struct {
	name    string
	srv     *http.Server
	logger  *slog.Logger
	tlsCert string
	tlsKey  string
}

func (r *serverRunner) run(listener net.Listener) error {
	if r.tlsCert != "" && r.tlsKey != "" {
		return r.srv.ServeTLS(listener, r.tlsCert, r.tlsKey)
	}
	return r.srv.Serve(listener)
}

func (r *serverRunner) addTo(gr *run.Group) error {
	listener, err := net.Listen("tcp", r.srv.Addr)
	if err != nil {
		return fmt.Errorf("listening (%s) on %s: %w", r.name, r.srv.Addr, err)
	}

	gr.Add(func() error {
		r.logger.Info("listening", "server", r.name, "addr", r.srv.Addr)
		return r.run(listener)
	}, func(error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		r.logger.Info("shutting down", "server", r.name)
		if err := r.srv.Shutdown(ctx); err != nil {
			r.logger.Error("graceful shutdown failed", "server", r.name, "error", err)
		}
	})
	return nil
}

func runServe(options serveOptions) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	configData, err := os.ReadFile(options.config)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", options.config, err)
	}

	cfg, err := config.Load(configData)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	registry := config.NewRegistry(cfg)
	logger.Info("config loaded", "issuer", registry.Issuer())

	db, err := openStorage(cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer db.Close()

	tokens, err := token.NewCodec([]byte(cfg.SigningKey), registry.Issuer())
	if err != nil {
		return fmt.Errorf("building token codec: %w", err)
	}

	ctx := context.Background()
	providers := make(map[string]*oauthclient.Client, len(cfg.Providers))
	for _, p := range registry.Providers() {
		client, err := oauthclient.New(ctx, p, logger)
		if err != nil {
			return fmt.Errorf("configuring provider %q: %w", p.Name, err)
		}
		providers[p.Name] = client
		logger.Info("provider configured", "provider", p.Name)
	}

	reg := prometheus.NewRegistry()
	if err := reg.Register(prometheus.NewGoCollector()); err != nil {
		return fmt.Errorf("registering Go runtime metrics: %w", err)
	}
	if err := reg.Register(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{})); err != nil {
		return fmt.Errorf("registering process metrics: %w", err)
	}
	metrics := server.NewMetrics(reg)

	dispatcher := webhook.New(registry.WebhookSubscriptions(), logger)

	emailer, err := buildEmailer(registry.Email())
	if err != nil {
		return fmt.Errorf("configuring email delivery: %w", err)
	}

	srv := server.New(server.Config{
		Storage:    db,
		Tokens:     tokens,
		Providers:  providers,
		URLPolicy:  urlpolicy.New(registry.URLPolicyEntries()),
		Webhooks:   dispatcher,
		WebAuthnRP: registry.WebAuthnRelyingParty(),
		Issuer:     registry.Issuer(),
		Logger:     logger,
		Metrics:    metrics,
		Emailer:    emailer,
		EmailFrom:  registry.Email().From,
	})

	healthChecker := gosundheit.New()
	if err := healthChecker.RegisterCheck(&gosundheit.Config{
		Check: &checks.CustomCheck{
			CheckName: "storage",
			CheckFunc: func(ctx context.Context) (interface{}, error) {
				_, err := db.GarbageCollect(ctx, time.Now().UTC())
				return nil, err
			},
		},
		ExecutionPeriod:  15 * time.Second,
		InitiallyPassing: true,
	}); err != nil {
		return fmt.Errorf("registering storage health check: %w", err)
	}

	telemetryMux := http.NewServeMux()
	telemetryMux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	telemetryMux.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))
	telemetryMux.HandleFunc("/healthz/live", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})

	var gr run.Group

	if options.telemetryAddr != "" {
		telemetrySrv := &http.Server{Addr: options.telemetryAddr, Handler: telemetryMux}
		defer telemetrySrv.Close()
		if err := (&serverRunner{name: "telemetry", srv: telemetrySrv, logger: logger}).addTo(&gr); err != nil {
			return err
		}
	}

	if options.webHTTPAddr != "" {
		httpSrv := &http.Server{Addr: options.webHTTPAddr, Handler: srv.Handler()}
		defer httpSrv.Close()
		if err := (&serverRunner{name: "http", srv: httpSrv, logger: logger}).addTo(&gr); err != nil {
			return err
		}
	}

	if options.webHTTPSAddr != "" {
		httpsSrv := &http.Server{Addr: options.webHTTPSAddr, Handler: srv.Handler()}
		defer httpsSrv.Close()
		runner := &serverRunner{name: "https", srv: httpsSrv, logger: logger, tlsCert: options.tlsCert, tlsKey: options.tlsKey}
		if err := runner.addTo(&gr); err != nil {
			return err
		}
	}

	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())
	gr.Add(func() error {
		return dispatcher.Run(dispatcherCtx)
	}, func(error) {
		cancelDispatcher()
	})

	gcCtx, cancelGC := context.WithCancel(context.Background())
	gr.Add(func() error {
		return runGarbageCollector(gcCtx, db, logger)
	}, func(error) {
		cancelGC()
	})

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); ok {
			logger.Info("shutdown signal received", "error", err)
			return nil
		}
		return fmt.Errorf("run group: %w", err)
	}
	return nil
}

// runGarbageCollector sweeps expired one-time codes and WebAuthn challenges
// on a fixed interval, stopping when ctx is canceled. PKCE challenges are
// not swept: they are deleted when claimed (spec §4.2), and one that is
// never claimed stays in storage.
func runGarbageCollector(ctx context.Context, db storage.Storage, logger *slog.Logger) error {
	const interval = 5 * time.Minute
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			result, err := db.GarbageCollect(ctx, time.Now().UTC())
			if err != nil {
				logger.Error("garbage collection failed", "error", err)
				continue
			}
			if !result.IsEmpty() {
				logger.Info("garbage collected",
					"one_time_codes", result.OneTimeCodes,
					"webauthn_registration_challenges", result.WebAuthnRegistrationChallenges,
					"webauthn_authentication_challenges", result.WebAuthnAuthenticationChallenges)
			}
		}
	}
}

// buildEmailer selects the mail backend: SMTP if configured, otherwise the
// stdout FakeEmailer used for local development.
func buildEmailer(cfg config.EmailConfig) (email.Emailer, error) {
	if cfg.SMTP == nil {
		return email.FakeEmailer{}, nil
	}
	return email.NewSMTPEmailer(email.SMTPConfig{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
	})
}

func openStorage(cfg config.StorageConfig, logger *slog.Logger) (storage.Storage, error) {
	switch cfg.Type {
	case "memory":
		return memory.New(logger), nil
	case "sql":
		if cfg.Postgres != nil {
			pg := extauthsql.Postgres{
				Database: cfg.Postgres.Database,
				User:     cfg.Postgres.User,
				Password: cfg.Postgres.Password,
				Host:     cfg.Postgres.Host,
				Port:     cfg.Postgres.Port,
			}
			return pg.Open(logger)
		}
		sqlite := extauthsql.SQLite3{File: cfg.SQLite3.File}
		return sqlite.Open(logger)
	default:
		return nil, fmt.Errorf("unrecognized storage type %q", cfg.Type)
	}
}
