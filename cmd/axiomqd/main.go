// Command axiomqd runs a standalone message store daemon: it opens (and,
// if necessary, recovers) a store directory and serves Prometheus metrics
// over HTTP, in the style of cmd/gazette's Config-struct/logrus-init/
// prometheus-registration main().
package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/axiomq/store"
	"github.com/axiomq/store/internal/store/metrics"
)

// config is the daemon's command-line and environment configuration.
type config struct {
	Store struct {
		Dir               string        `long:"dir" env:"STORE_DIR" required:"true" description:"Directory holding segment files and the location database."`
		SegmentCap        int64         `long:"segment-cap" env:"STORE_SEGMENT_CAP" default:"268435456" description:"Soft cap in bytes on each segment file."`
		CommitInterval    time.Duration `long:"commit-interval" env:"STORE_COMMIT_INTERVAL" default:"5ms" description:"Group-commit fsync period."`
		ReadCacheSize     int           `long:"read-cache-size" env:"STORE_READ_CACHE_SIZE" default:"256" description:"Open read handle cache size."`
		MessageCacheBytes int64         `long:"message-cache-bytes" env:"STORE_MESSAGE_CACHE_BYTES" default:"10485760" description:"Byte bound on the payload cache."`
		DiskOnly          bool          `long:"disk-only" env:"STORE_DISK_ONLY" description:"Start with the disk-resident MsgLoc backend instead of the in-memory one."`
	} `group:"Store"`

	Log struct {
		Level string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Logging level (debug, info, warn, error)."`
	} `group:"Logging"`

	Metrics struct {
		Addr string `long:"metrics-addr" env:"METRICS_ADDR" default:":8080" description:"Address to serve /metrics on."`
	} `group:"Metrics"`
}

func main() {
	var cfg config
	var parser = flags.NewParser(&cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}

	var level, err = log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	log.SetLevel(level)
	log.SetFormatter(&log.JSONFormatter{})

	prometheus.MustRegister(metrics.Collectors()...)

	var mode = store.ModeRAM
	if cfg.Store.DiskOnly {
		mode = store.ModeDisk
	}

	var s *store.Store
	if s, err = store.Open(store.Config{
		Dir:               cfg.Store.Dir,
		SegmentCap:        cfg.Store.SegmentCap,
		CommitInterval:    cfg.Store.CommitInterval,
		ReadCacheSize:     cfg.Store.ReadCacheSize,
		MessageCacheBytes: cfg.Store.MessageCacheBytes,
		InitialMode:       mode,
	}); err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	log.WithField("dir", cfg.Store.Dir).Info("store opened")

	http.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(cfg.Metrics.Addr, nil); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("metrics server exited")
		}
	}()

	var sig = make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	s.Stop()
}
