package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shaunagostinho/goefitune/internal/ecu"
	"github.com/shaunagostinho/goefitune/internal/logger"
	"github.com/shaunagostinho/goefitune/internal/server"
	"github.com/shaunagostinho/goefitune/internal/sim"
	"github.com/shaunagostinho/goefitune/internal/tune"
	"github.com/shaunagostinho/goefitune/web"
)

func main() {
	configPath := flag.String("config", "/etc/goefitune/config.yaml", "Path to config file")
	demo := flag.Bool("demo", false, "Run against a simulated ECU")
	listenAddr := flag.String("listen", "", "Override listen address (e.g. :8080)")
	flag.Parse()

	if err := run(*configPath, *demo, *listenAddr); err != nil {
		fmt.Fprintln(os.Stderr, "goefitune:", err)
		os.Exit(1)
	}
}

func run(configPath string, demo bool, listenAddr string) error {
	cfg, err := server.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if listenAddr != "" {
		cfg.Server.ListenAddr = listenAddr
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()
	log.Info("goefitune starting", zap.String("config", configPath), zap.Bool("demo", demo))

	l, err := cfg.LoadLayout()
	if err != nil {
		return fmt.Errorf("layout: %w", err)
	}

	opts := []ecu.Option{ecu.WithLogger(log)}
	if demo {
		dev, err := sim.New(sim.Config{
			Layout:    l,
			Latency:   2 * time.Millisecond,
			BootNoise: []byte("speeduino boot\r\n"),
			Seed:      time.Now().UnixNano(),
			Logger:    log,
		})
		if err != nil {
			return err
		}
		opts = append(opts, ecu.WithOpener(dev.Opener()))
		cfg.ECU.Port = "sim0"
	}
	mgr, err := ecu.NewManager(l, opts...)
	if err != nil {
		return err
	}

	cache := tune.NewCache(l)
	orch := tune.NewOrchestrator(mgr, cache, tune.WithLogger(log.Named("tune")))
	srvOpts := []server.Option{
		server.WithLogger(log),
		server.WithWebFS(web.FS),
		server.WithDatalog(logger.NewDatalog(cfg.Datalog, log)),
	}

	if cfg.Store.Path != "" {
		store, err := tune.OpenStore(cfg.Store.Path)
		if err != nil {
			return err
		}
		defer store.Close()
		switch ok, err := store.LoadCache(l.Signature, cache); {
		case errors.Is(err, tune.ErrSignatureChanged):
			log.Warn("ignoring stored tune", zap.Error(err))
		case err != nil:
			return err
		case ok:
			log.Info("restored tune", zap.Int("queued", len(cache.Pending())), zap.Uint8s("dirty", cache.Dirty()))
		}
		srvOpts = append(srvOpts, server.WithStore(store))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(cfg, mgr, orch, srvOpts...)
	g, gctx := errgroup.WithContext(ctx)

	// The API is up immediately even while the ECU is still connecting.
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		if !connectWithRetry(gctx, log.Named("main"), mgr, cfg.ECUSettings(), 10) {
			return nil
		}
		if err := orch.Sync(gctx).Err(); err != nil {
			log.Warn("initial sync incomplete", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return mgr.Disconnect()
	})

	err = g.Wait()
	log.Info("goefitune stopped")
	return err
}

// connectWithRetry attempts to connect with exponential backoff.
// Starts at 1s, doubles each attempt up to 60s, retries up to maxAttempts
// then continues at max interval indefinitely. It reports whether a
// connection was made.
func connectWithRetry(ctx context.Context, log *zap.Logger, mgr *ecu.Manager, s ecu.Settings, maxAttempts int) bool {
	delay := 1 * time.Second
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		st, err := mgr.Connect(ctx, s)
		if err == nil {
			log.Info("connected", zap.Int("attempt", attempt+1), zap.String("port", st.Port),
				zap.Int("baud", st.Baud), zap.String("signature", st.Signature))
			return true
		}
		if ctx.Err() != nil || errors.Is(err, ecu.ErrAlreadyConnected) {
			return false
		}

		attempt++
		fields := []zap.Field{zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err)}
		if attempt <= maxAttempts {
			log.Warn("connect failed", append(fields, zap.Int("max_attempts", maxAttempts))...)
		} else {
			log.Debug("connect failed", fields...)
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
