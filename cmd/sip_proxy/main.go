package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/arzzra/sip_proxy/pkg/sip/proxy"
)

func main() {
	var (
		envFile = flag.String("env", ".env", "Файл с переменными окружения SIP_PROXY_*")
		listen  = flag.String("listen", "", "Адрес прослушивания, переопределяет SIP_PROXY_LISTEN")
		routes  = flag.String("routes", "", "YAML таблица маршрутов, переопределяет SIP_PROXY_ROUTES")
		serial  = flag.Bool("serial", false, "Последовательный форкинг по значениям q")
		debug   = flag.Bool("debug", false, "Отладочный вывод SIP сообщений")
	)
	flag.Parse()

	cfg, err := proxy.LoadConfig(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
		cfg.AdvertisedPort = 0
	}
	if *routes != "" {
		cfg.RoutesFile = *routes
	}
	if *serial {
		cfg.ParallelForking = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Ошибка конфигурации: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		sip.SIPDebug = true
		cfg.LogLevel = "debug"
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("sip proxy stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg proxy.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := []proxy.Option{
		proxy.WithLogger(logger),
		proxy.WithRegisterer(prometheus.DefaultRegisterer),
	}
	if cfg.RoutesFile != "" {
		locator, err := proxy.LoadStaticLocator(cfg.RoutesFile, cfg.Domains)
		if err != nil {
			return err
		}
		opts = append(opts, proxy.WithLocator(locator))
	}

	p, err := proxy.New(cfg, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if err := p.Close(); err != nil {
			logger.Warn("proxy close", slog.Any("error", err))
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.ListenAndServe(ctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", slog.String("addr", cfg.MetricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	return g.Wait()
}

func newLogger(cfg proxy.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
