package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/astromechza/canvas-sync/pkg/config"
	"github.com/astromechza/canvas-sync/pkg/discovery"
	"github.com/astromechza/canvas-sync/pkg/relay"
	"github.com/astromechza/canvas-sync/pkg/snapshot"
)

var version = "dev"

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

type store interface {
	snapshot.Store
	snapshot.Boards
	snapshot.Pruner
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store, func(), error) {
	switch cfg.Driver {
	case "postgres":
		s, err := snapshot.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		s, err := snapshot.OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}

func mainInner() error {
	configVar := flag.String("config", "", "path to the relay config file (default $"+config.EnvVar+")")
	listenVar := flag.String("listen", "", "override the address to listen on")
	debugVar := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debugVar {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.LoadRelay(config.Path(*configVar))
	if err != nil {
		return err
	}
	if *listenVar != "" {
		cfg.Listen = *listenVar
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	slog.Info("Opening store", "driver", cfg.Store.Driver)
	st, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	var broker relay.Broker
	if cfg.Redis.Addr != "" {
		rb, err := relay.NewRedisBroker(ctx, cfg.Redis.Addr, cfg.Redis.ChannelPrefix, slog.Default())
		if err != nil {
			return err
		}
		defer rb.Close()
		broker = rb
		slog.Info("Using redis for live fan-out", "addr", cfg.Redis.Addr)
	}

	settings := relay.DefaultSettings()
	settings.BackupInterval = cfg.BackupInterval
	settings.IdleEviction = cfg.IdleEviction
	server := relay.New(relay.Options{
		Store:    st,
		Broker:   broker,
		Secret:   []byte(cfg.Auth.Secret),
		Settings: settings,
	})

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	if cfg.Advertise {
		port := listener.Addr().(*net.TCPAddr).Port
		mdnsServer, err := discovery.Advertise(port, version)
		if err != nil {
			slog.Warn("failed to advertise relay", "err", err)
		} else {
			defer mdnsServer.Shutdown()
			slog.Info("Advertising relay", "service", discovery.ServiceType, "port", strconv.Itoa(port))
		}
	}

	wg := new(sync.WaitGroup)

	if cfg.KeepSnapshots > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t := time.NewTicker(10 * time.Minute)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					if n, err := snapshot.PruneAll(ctx, st, cfg.KeepSnapshots); err != nil {
						slog.Error("failed to prune snapshots", "err", err)
					} else if n > 0 {
						slog.Info("pruned snapshots", "deleted", n)
					}
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	httpServer := &http.Server{Handler: server.Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", listener.Addr().String())
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if err := server.Close(shutdownCtx); err != nil {
		slog.Error("failed to save boards on shutdown", "err", err)
	}
	wg.Wait()
	return nil
}
