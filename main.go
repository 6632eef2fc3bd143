package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/semihalev/zlog/v2"
	"github.com/spf13/cobra"

	"github.com/gravitydns/gravity/config"
	"github.com/gravitydns/gravity/middleware"
	"github.com/gravitydns/gravity/server"

	// Middleware imports, one group per handler: the import order below
	// is the registration order, which is the chain order.
	_ "github.com/gravitydns/gravity/middleware/recovery"

	_ "github.com/gravitydns/gravity/middleware/metrics"

	_ "github.com/gravitydns/gravity/middleware/accesslist"

	_ "github.com/gravitydns/gravity/middleware/ratelimit"

	"github.com/gravitydns/gravity/middleware/filter"

	_ "github.com/gravitydns/gravity/middleware/cache"

	"github.com/gravitydns/gravity/middleware/forwarder"
)

const version = "1.0.0"

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "gravity",
	Short:         "Gravity is a filtering DNS resolver",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	rootCmd.Flags().StringVarP(&cfgPath, "config", "c", "gravity.toml",
		"location of the config file, generated when missing")
}

func setupLogging(level string) {
	logger := zlog.NewStructured()
	logger.SetWriter(zlog.StdoutTerminal())

	switch level {
	case "debug":
		logger.SetLevel(zlog.LevelDebug)
	case "warn":
		logger.SetLevel(zlog.LevelWarn)
	case "error":
		logger.SetLevel(zlog.LevelError)
	default:
		logger.SetLevel(zlog.LevelInfo)
	}

	zlog.SetDefault(logger)
}

func run() error {
	cfg, err := config.Load(cfgPath, version)
	if err != nil {
		return err
	}

	setupLogging(cfg.LogLevel)

	zlog.Info("Starting gravity...", "version", version)

	if err := middleware.Setup(cfg); err != nil {
		return err
	}

	f, _ := middleware.Get("filter").(*filter.Filter)
	fw, _ := middleware.Get("forwarder").(*forwarder.Forwarder)
	if f != nil {
		if err := f.Loader().Refresh(context.Background()); err != nil {
			zlog.Error("Rule list load failed", "error", err.Error())
		}
	}

	go watchConfig(cfg, f, fw)

	if cfg.BindMetrics != "" {
		go serveMetrics(cfg.BindMetrics)
	}

	srv := server.New(cfg)
	srv.Run()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	<-c

	zlog.Info("Stopping gravity...")

	srv.Stop()

	return nil
}

// watchConfig refreshes the rule lists on the configured interval, and on
// SIGHUP re-reads the config file, swaps the upstream set and the rule
// sources, and refreshes. A failed config read or refresh keeps the
// running state.
func watchConfig(cfg *config.Config, f *filter.Filter, fw *forwarder.Forwarder) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)

	var tick <-chan time.Time
	if cfg.ListRefresh.Duration > 0 {
		ticker := time.NewTicker(cfg.ListRefresh.Duration)
		defer ticker.Stop()
		tick = ticker.C
	}

	refresh := func() {
		if f == nil {
			return
		}
		if err := f.Loader().Refresh(context.Background()); err != nil {
			zlog.Error("Rule list refresh failed", "error", err.Error())
			return
		}
		zlog.Info("Rule lists refreshed", "rules", f.Loader().Index().Len())
	}

	reload := func() {
		newCfg, err := config.Load(cfgPath, version)
		if err != nil {
			zlog.Error("Config reload failed, keeping running config", "error", err.Error())
			return
		}

		if fw != nil {
			fw.Reload(newCfg)
		}
		if f != nil {
			f.Reload(newCfg)
		}

		refresh()
	}

	for {
		select {
		case <-tick:
			refresh()
		case <-hup:
			zlog.Info("Reload signal received")
			reload()
		}
	}
}

func serveMetrics(addr string) {
	zlog.Info("Metrics server listening...", "addr", addr)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	if err := srv.ListenAndServe(); err != nil {
		zlog.Error("Metrics server failed", "addr", addr, "error", err.Error())
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		zlog.Error("Server start failed", "error", err.Error())
		os.Exit(1)
	}
}
