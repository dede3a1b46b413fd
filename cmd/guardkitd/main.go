// guardkitd runs the toolkit standalone: it loads the YAML config, watches it
// for edits, and optionally serves Prometheus metrics. Mostly useful for
// poking at the components and for soak runs; library users embed the Kit
// directly instead.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inipew/guardkit"
	"github.com/inipew/guardkit/config"
	"github.com/inipew/guardkit/logx"
	"github.com/inipew/guardkit/sqlitepool"
)

func main() {
	var (
		cfgPath     string
		poolDB      string
		metricsAddr string
	)
	flag.StringVar(&cfgPath, "config", "", "path to config yaml (defaults apply when empty)")
	flag.StringVar(&poolDB, "pool-db", "", "sqlite file for the resource pool (pool disabled when empty)")
	flag.StringVar(&metricsAddr, "metrics", "", "listen address for /metrics (disabled when empty)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var (
		cfg *config.Config
		mgr *config.Manager
	)
	if cfgPath != "" {
		mgr = config.NewManager(cfgPath)
		c, err := mgr.Load()
		if err != nil {
			fmt.Println("fatal:", err)
			os.Exit(1)
		}
		cfg = c
	} else {
		cfg = config.Default()
	}

	svc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig(cfg.Logging.File),
	})
	defer svc.Close()

	var opts []guardkit.Option
	if poolDB != "" {
		factory, err := sqlitepool.NewFactory(sqlitepool.Config{Path: poolDB})
		if err != nil {
			log.Error("pool factory", logx.Err(err))
			os.Exit(1)
		}
		opts = append(opts, guardkit.WithPoolFactory(factory))
	}
	reg := prom.NewRegistry()
	if metricsAddr != "" {
		opts = append(opts, guardkit.WithMetrics(reg))
	}

	kit, err := guardkit.New(cfg, log, opts...)
	if err != nil {
		log.Error("assemble", logx.Err(err))
		os.Exit(1)
	}
	if err := kit.Start(ctx); err != nil {
		log.Error("start", logx.Err(err))
		os.Exit(1)
	}

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics listener", logx.Err(err))
			}
		}()
		defer func() {
			shCtx, shCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer shCancel()
			_ = srv.Shutdown(shCtx)
		}()
	}

	if mgr != nil {
		mgr.SetLogger(log.With(logx.String("component", "config")))
		updates := mgr.Subscribe(1)
		go func() { _ = mgr.Watch(ctx) }()
		go func() {
			// Logging is the only tunable that reconfigures live; the rest
			// takes effect on restart.
			for c := range updates {
				svc.Apply(logx.Config{
					Level:   c.Logging.Level,
					Console: c.Logging.Console,
					File:    logx.FileConfig(c.Logging.File),
				})
				log.Info("config reloaded", logx.String("path", cfgPath))
			}
		}()
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := kit.Stop(stopCtx); err != nil {
		log.Warn("stop", logx.Err(err))
	}
}
