package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	gosundheit "github.com/AppsFlyer/go-sundheit"
	"github.com/AppsFlyer/go-sundheit/checks"
	gosundheithttp "github.com/AppsFlyer/go-sundheit/http"
	"github.com/gorilla/handlers"
	_ "github.com/lib/pq"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sigilid/sigil/keyvault"
	"github.com/sigilid/sigil/oauthbroker"
	"github.com/sigilid/sigil/oauthbroker/providers"
	"github.com/sigilid/sigil/pkg/httpclient"
	"github.com/sigilid/sigil/pkg/log"
	"github.com/sigilid/sigil/server"
	"github.com/sigilid/sigil/signing"
	"github.com/sigilid/sigil/storage"
	sqlstorage "github.com/sigilid/sigil/storage/sql"
)

func commandServe() *cobra.Command {
	return &cobra.Command{
		Use:     "serve [flags] [config file]",
		Short:   "Launch Sigil",
		Example: "sigild serve config.yaml",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			return runServe(args[0])
		},
	}
}

func runServe(configFile string) error {
	c, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(c.Logger.Level)
	if err != nil {
		return err
	}
	logger, err := log.New(os.Stderr, level, c.Logger.Format,
		server.RequestKeyRequestID, server.RequestKeyRemoteIP)
	if err != nil {
		return err
	}

	db, err := sql.Open("postgres", c.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database is not reachable: %w", err)
	}

	applied, err := sqlstorage.Migrate(db)
	if err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}
	if applied > 0 {
		logger.Info("applied schema migrations", "count", applied)
	}

	stem, err := keyvault.NewStem(c.rootKeyList())
	if err != nil {
		return err
	}

	store := sqlstorage.Open(db, logger)
	signingStore, err := signing.NewStore(store, stem, storage.SigningKeyUsageIDToken, logger)
	if err != nil {
		return err
	}

	outboundClient, err := httpclient.New(c.RootCAs)
	if err != nil {
		return err
	}

	var providerList []oauthbroker.Provider
	if c.GitHubOAuthCreds != "" {
		id, secret, _ := splitCreds(c.GitHubOAuthCreds)
		providerList = append(providerList, providers.NewGitHub(providers.GitHubConfig{ClientID: id, ClientSecret: secret}, outboundClient))
	}
	if c.GitLabOAuthCreds != "" {
		id, secret, _ := splitCreds(c.GitLabOAuthCreds)
		providerList = append(providerList, providers.NewGitLab(providers.GitLabConfig{ClientID: id, ClientSecret: secret}, outboundClient))
	}
	if c.GoogleOAuthCreds != "" {
		id, secret, _ := splitCreds(c.GoogleOAuthCreds)
		providerList = append(providerList, providers.NewGoogle(providers.GoogleConfig{ClientID: id, ClientSecret: secret}, outboundClient))
	}
	broker := oauthbroker.New(store, outboundClient, logger, providerList...)

	prometheusRegistry := prometheus.NewRegistry()
	if err := prometheusRegistry.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}

	srv, err := server.New(server.Config{
		Issuer:             c.BaseURLParsed(),
		Storage:            store,
		KeyVault:           stem,
		SigningStore:       signingStore,
		Broker:             broker,
		EnablePasswordAuth: c.EnablePasswordAuth,
		FrontendCSSURL:     c.FrontendCSSURL,
		Client:             outboundClient,
		Logger:             logger,
		PrometheusRegistry: prometheusRegistry,
	})
	if err != nil {
		return err
	}

	listener, err := listen(c.ListenAddress)
	if err != nil {
		return err
	}

	healthChecker := gosundheit.New()
	if err := healthChecker.RegisterCheck(&checks.CustomCheck{
		CheckName: "storage",
		CheckFunc: func(ctx context.Context) (interface{}, error) {
			return nil, db.PingContext(ctx)
		},
	},
		gosundheit.ExecutionPeriod(15*time.Second),
		gosundheit.InitiallyPassing(true),
	); err != nil {
		return fmt.Errorf("register health check: %w", err)
	}

	var gr run.Group

	// The provider is expected to sit behind a TLS-terminating proxy;
	// ProxyHeaders restores the original client address so the request
	// log and csrf handling see the browser, not the proxy.
	httpSrv := &http.Server{Handler: handlers.ProxyHeaders(srv.Handler())}
	gr.Add(func() error {
		logger.Info("listening", "address", c.ListenAddress)
		return httpSrv.Serve(listener)
	}, func(error) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
	})

	if c.Telemetry.HTTP != "" {
		telemetryRouter := http.NewServeMux()
		telemetryRouter.Handle("/metrics", promhttp.HandlerFor(prometheusRegistry, promhttp.HandlerOpts{}))
		telemetryRouter.Handle("/healthz", gosundheithttp.HandleHealthJSON(healthChecker))

		telemetrySrv := &http.Server{Addr: c.Telemetry.HTTP, Handler: telemetryRouter}
		gr.Add(func() error {
			logger.Info("listening (telemetry)", "address", c.Telemetry.HTTP)
			return telemetrySrv.ListenAndServe()
		}, func(error) {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			telemetrySrv.Shutdown(shutdownCtx)
		})
	}

	maintenanceCtx, cancelMaintenance := context.WithCancel(context.Background())
	gr.Add(func() error {
		return srv.RunMaintenance(maintenanceCtx)
	}, func(error) {
		cancelMaintenance()
	})

	gr.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))

	if err := gr.Run(); err != nil {
		if _, ok := err.(run.SignalError); !ok {
			return fmt.Errorf("run groups: %w", err)
		}
		logger.Info("shutting down", "reason", err.Error())
	}
	return nil
}

// listen opens the configured listener: "host:port" for TCP, or
// "unix:/some/path" for a unix socket.
func listen(address string) (net.Listener, error) {
	if path, ok := strings.CutPrefix(address, "unix:"); ok {
		// A socket file left over from an unclean shutdown would make
		// the bind fail forever.
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
		return net.Listen("unix", path)
	}
	return net.Listen("tcp", address)
}
