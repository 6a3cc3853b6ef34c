package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mattstrayer/bulkpush/internal/config"
	"github.com/mattstrayer/bulkpush/internal/metrics"
	"github.com/mattstrayer/bulkpush/internal/queue"
	"github.com/mattstrayer/bulkpush/internal/queue/memory"
	"github.com/mattstrayer/bulkpush/internal/queue/redis"
	"github.com/mattstrayer/bulkpush/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// from -> https://www.gmarik.info/blog/2019/12-factor-golang-flag-package/
func LookupEnvOrString(key string, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

func LookupEnvOrInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		v, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("LookupEnvOrInt[%s]: %v", key, err)
		}
		return v
	}
	return defaultVal
}

func LookupEnvOrBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		v, err := strconv.ParseBool(val)
		if err != nil {
			log.Fatalf("LookupEnvOrBool[%s]: %v", key, err)
		}
		return v
	}
	return defaultVal
}

var debug = flag.Bool("debug", LookupEnvOrBool("DEBUG", false), "Enable debug logging")
var configPath = flag.String("config", LookupEnvOrString("BULKPUSH_CONFIG", "bulkpush.yaml"), "Settings and profiles (YAML)")
var apiAddr = flag.String("api-addr", LookupEnvOrString("API_ADDR", ""), "Serve metrics and feedback on this address while dispatching")

var pusherBin = flag.String("pusher-bin", LookupEnvOrString("PUSHER_BIN", ""), "Path of the native pusher binary (overrides config)")
var backoff = flag.String("backoff", LookupEnvOrString("BACKOFF", ""), "Sleep between attempts after invalid tokens, e.g. 5m (overrides config)")
var workers = flag.Int("workers", LookupEnvOrInt("WORKERS", 0), "Shards delivered in parallel (overrides config)")

var dbDriver = flag.String("db-driver", LookupEnvOrString("DB_DRIVER", ""), "Token database driver: postgres or sqlite (overrides config)")
var dbDSN = flag.String("db-dsn", LookupEnvOrString("DB_DSN", ""), "Token database DSN (overrides config)")

var redisHost = flag.String("redis-host", LookupEnvOrString("REDIS_HOST", ""), "Redis host")
var redisPort = flag.String("redis-port", LookupEnvOrString("REDIS_PORT", "6379"), "Redis port")
var redisPassword = flag.String("redis-password", LookupEnvOrString("REDIS_PASSWORD", ""), "Redis password")
var redisDB = flag.String("redis-db", LookupEnvOrString("REDIS_DB", "0"), "Redis database number")

func newLogger() *slog.Logger {
	var opts *slog.HandlerOptions
	if *debug {
		opts = &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, opts))
	return logger
}

func newServiceLogger(service string) *slog.Logger {
	return slog.Default().With(
		slog.String("service", service),
	)
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] <profile> [token-file] [message]\n", os.Args[0])
	flag.PrintDefaults()
}

// loadSettings reads the config file and applies flag overrides. A missing
// default config file is not an error.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) && !isFlagSet("config") && os.Getenv("BULKPUSH_CONFIG") == "" {
		wd, _ := os.Getwd()
		settings, err = config.Default(wd), nil
	}
	if err != nil {
		return nil, err
	}
	if *pusherBin != "" {
		settings.PusherBin = *pusherBin
	}
	if *backoff != "" {
		d, err := config.ParseDurationField("backoff", *backoff)
		if err != nil {
			return nil, err
		}
		settings.Backoff = d
	}
	if *workers > 0 {
		settings.Workers = *workers
	}
	if *dbDriver != "" {
		settings.Database.Driver = *dbDriver
	}
	if *dbDSN != "" {
		settings.Database.DSN = *dbDSN
	}
	return settings, settings.Validate()
}

func isFlagSet(name string) (set bool) {
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return
}

// newFeedbackStore returns nil when invalid token feedback has no reader:
// neither Redis nor the API is configured.
func newFeedbackStore() (queue.FeedbackStore, error) {
	if *redisHost == "" && *apiAddr == "" {
		return nil, nil
	}
	if *redisHost == "" {
		slog.Warn("REDIS_HOST not set, invalid token feedback is kept in memory only")
		return memory.NewFeedbackStore(), nil
	}
	var redisURL string
	if *redisPassword != "" {
		redisURL = fmt.Sprintf("redis://:%s@%s:%s/%s", *redisPassword, *redisHost, *redisPort, *redisDB)
	} else {
		redisURL = fmt.Sprintf("redis://%s:%s/%s", *redisHost, *redisPort, *redisDB)
	}
	slog.Info("Using Redis feedback store", "host", *redisHost, "port", *redisPort, "db", *redisDB)
	return redis.NewFeedbackStoreFromURL(redisURL)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	logger := newLogger()
	slog.SetDefault(logger)

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}
	inv := invocation{Profile: args[0]}
	if len(args) >= 2 {
		inv.TokenFile = args[1]
	}
	if len(args) >= 3 {
		inv.Message = args[2]
	}

	settings, err := loadSettings()
	if err != nil {
		slog.Error("Failed to load settings", "config", *configPath, "error", err)
		os.Exit(1)
	}

	fs, err := newFeedbackStore()
	if err != nil {
		slog.Error("Failed to connect feedback store", "error", err)
		os.Exit(1)
	}
	if fs != nil {
		defer fs.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var s *server.Server
	if *apiAddr != "" {
		s = server.NewServer(*apiAddr, fs, reg)
		go func() {
			if err := s.Serve(); err != nil {
				slog.Error("Serve failed", "error", err)
			}
		}()
	}

	d := &dispatcher{
		settings:  settings,
		feedback:  fs,
		metrics:   m,
		openStore: openStore,
	}
	err = d.run(ctx, inv)

	if s != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.Shutdown(shutdownCtx)
		cancel()
	}
	if err != nil {
		slog.Error("Dispatch failed", "profile", inv.Profile, "error", err)
		if fs != nil {
			fs.Close()
		}
		os.Exit(1)
	}
	slog.Info("Exiting")
}
