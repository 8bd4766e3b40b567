package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/oschwald/geoip2-golang"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/meshgrid/confbroker/internal/broker"
	"github.com/meshgrid/confbroker/internal/geoip"
	"github.com/meshgrid/confbroker/internal/httpapi"
	"github.com/meshgrid/confbroker/internal/store"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenURLs = "tcp://0.0.0.0:11010,ws://0.0.0.0:11011"
	defaultAPIAddr    = ":8080"
)

func main() {
	showVersion := flag.Bool("version", false, "print version information and exit")
	verbose := flag.Bool("verbose", false, "verbose logging")
	envFile := flag.String("env-file", "", "optional .env file to load")
	dsn := flag.String("db-dsn", os.Getenv("CONFBROKER_DB_DSN"), "postgres connection string")
	listenURLs := flag.String("listen-urls", envOr("CONFBROKER_LISTEN_URLS", defaultListenURLs),
		"comma-separated tunnel listener urls (tcp://, udp://, ws://)")
	apiAddr := flag.String("api-addr", envOr("CONFBROKER_API_ADDR", defaultAPIAddr),
		"management api listen address")
	metricsAddr := flag.String("metrics-addr", os.Getenv("CONFBROKER_METRICS_ADDR"),
		"prometheus metrics listen address (empty disables)")
	geoipDBPath := flag.String("geoip-db", os.Getenv("CONFBROKER_GEOIP_DB"),
		"path to a GeoLite2 City database (empty disables geo lookups)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("confbroker %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	log := newLogger(*verbose)

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Error("failed to load env file", "path", *envFile, "error", err)
			os.Exit(1)
		}
	}
	if *dsn == "" {
		log.Error("database DSN is required (-db-dsn or CONFBROKER_DB_DSN)")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	broker.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	st, err := store.New(ctx, log, *dsn)
	if err != nil {
		log.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		log.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	var resolver geoip.Resolver
	if *geoipDBPath != "" {
		db, err := geoip2.Open(*geoipDBPath)
		if err != nil {
			log.Error("failed to open geoip database", "path", *geoipDBPath, "error", err)
			os.Exit(1)
		}
		defer db.Close()
		resolver = geoip.NewResolver(log, db)
	}

	b, err := broker.New(&broker.Config{
		Logger: log,
		Store:  st,
		GeoIP:  resolver,
	})
	if err != nil {
		log.Error("failed to build broker", "error", err)
		os.Exit(1)
	}
	defer b.Shutdown()

	for _, raw := range strings.Split(*listenURLs, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if err := b.Listen(raw); err != nil {
			log.Error("failed to open tunnel listener", "url", raw, "error", err)
			os.Exit(1)
		}
	}

	mgmt := broker.NewManagementAPI(b)
	defer mgmt.Close()

	api, err := httpapi.NewServer(&httpapi.Config{Logger: log, Mgmt: mgmt})
	if err != nil {
		log.Error("failed to build management api server", "error", err)
		os.Exit(1)
	}
	apiListener, err := net.Listen("tcp", *apiAddr)
	if err != nil {
		log.Error("failed to listen for management api", "addr", *apiAddr, "error", err)
		os.Exit(1)
	}
	apiServer := &http.Server{Handler: api.Handler()}
	go func() {
		log.Info("management api listening", "address", apiListener.Addr().String())
		if err := apiServer.Serve(apiListener); err != nil && err != http.ErrServerClosed {
			log.Error("management api server failed", "error", err)
		}
	}()

	if *metricsAddr != "" {
		go func() {
			listener, err := net.Listen("tcp", *metricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	log.Info("confbroker started", "version", version)
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("management api shutdown failed", "error", err)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
}
