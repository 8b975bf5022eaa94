package main

import (
	"errors"
	"net"
	"os"
	"time"

	flags "github.com/jessevdk/go-flags"

	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/admin"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/config"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/database"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/event"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/logger"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/server"
	"github.com/life-stream-dev/life-stream-go-chsk-broker/internal/telemetry"
)

func main() {
	opts, err := config.ParseOptions(os.Args[1:])
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	cfg, err := config.ReadConfig(opts.ConfigPath)
	configCreated := errors.Is(err, config.ErrConfigCreated)
	if err != nil && !configCreated {
		logger.FatalF("Error occured while reading config %v", err)
		os.Exit(1)
	}
	opts.Apply(&cfg)

	loggerCallback := logger.Init(logger.Options{
		Debug:     cfg.DebugMode,
		Dir:       cfg.Log.Dir,
		Retention: cfg.Log.RetentionDuration(),
		NoColor:   cfg.Log.NoColor,
	})
	logger.Debug("Application initializing...")
	if configCreated {
		logger.InfoF("Default configuration written to %s", opts.ConfigPath)
	}

	cleaner := event.NewCleaner()
	ctx := cleaner.Init(loggerCallback)
	fatal := func(msg string, v ...any) {
		logger.FatalF(msg, v...)
		cleaner.Clean()
		os.Exit(1)
	}

	var (
		sinks     []telemetry.Sink
		store     *database.Store
		mongoSink *telemetry.MongoSink
	)
	if cfg.Telemetry.Mongo {
		store, err = database.ConnectDatabase(ctx, cfg.Database, cfg.AppName)
		if err != nil {
			fatal("Error occured while initializing database, details: %v", err)
		}
		instance, _ := os.Hostname()
		mongoSink = telemetry.NewMongoSink(store, instance, cfg.Telemetry.MongoBuffer,
			cfg.Telemetry.MongoBatchSize, cfg.Telemetry.MongoFlushIntervalDuration())
		sinks = append(sinks, mongoSink)
	}

	srv, err := server.New(cfg, server.Options{Sinks: sinks})
	if err != nil {
		fatal("Error occured while creating server, details: %v", err)
	}
	srv.Handle("GET /admin/channels", admin.ChannelsHandler(srv.Broker()))
	srv.Handle("DELETE /admin/channels/{id}", admin.DeleteChannelHandler(srv.Broker()))
	if store != nil {
		srv.Handle("/admin/events", admin.EventsHandler(store, 5*time.Second))
	}
	cleaner.Add(srv)

	if cfg.Server.AdminAddr != "" {
		ln, err := net.Listen("tcp", cfg.Server.AdminAddr)
		if err != nil {
			fatal("Admin listen error: %v", err)
		}
		health := admin.NewHealthServer()
		cleaner.Add(health)
		go func() {
			if err := health.Serve(ln); err != nil {
				logger.ErrorF("Admin server stopped, details: %v", err)
			}
		}()
	}

	if opts.Watch {
		watcher, err := config.Watch(opts.ConfigPath, 500*time.Millisecond, func(next config.Config) {
			logger.InfoF("Configuration changed, applying %d channel presets", len(next.Broker.Channels))
			_ = srv.ReloadPresets(next.Broker.Channels)
		})
		if err != nil {
			fatal("Error occured while watching config, details: %v", err)
		}
		cleaner.Add(watcher)
	}

	// telemetry is flushed after the server stopped emitting, the store goes last
	if mongoSink != nil {
		cleaner.Add(mongoSink)
		cleaner.Add(store)
	}

	go func() {
		if err := srv.Run(ctx); err != nil {
			logger.ErrorF("Broker server stopped, details: %v", err)
			cleaner.Clean()
		}
	}()

	<-cleaner.Done()
}
