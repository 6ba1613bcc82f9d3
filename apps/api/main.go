package main

import (
	"context"
	"expvar"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	echoapi "github.com/trezcool/masomo-realtime/apps/api/echo"
	"github.com/trezcool/masomo-realtime/core"
	"github.com/trezcool/masomo-realtime/core/realtime"
	"github.com/trezcool/masomo-realtime/services/broadcast"
	logsvc "github.com/trezcool/masomo-realtime/services/logger"
	mongostore "github.com/trezcool/masomo-realtime/storage/mongo"
)

func main() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	validate := validator.New()
	translator := core.NewTranslator()
	core.InitValidators(validate, translator)

	// set up loggers
	logger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "API : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)
	logger.Enable(!conf.Debug)

	feedLogger := logsvc.NewRollbarLogger(
		log.New(os.Stdout, "FEED : ", log.LstdFlags|log.Lmicroseconds|log.Lshortfile),
		conf,
	)

	if err := conf.Validate(validate); err != nil {
		logger.Fatal(fmt.Sprintf("loading config: %v", err), err)
	}

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	// set up DB
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := mongostore.Open(ctx, conf.Mongo)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = client.Disconnect(context.Background()); err != nil {
			logger.Error(fmt.Sprintf("disconnecting from database: %v", err), err)
		}
	}()

	// set up metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := realtime.NewMetrics(registry)
	if err != nil {
		logger.Fatal(fmt.Sprintf("registering metrics: %v", err), err)
	}

	// set up broadcast sinks
	hub := broadcast.NewHub()
	var sink realtime.Broadcaster = hub
	if conf.NATS.URL != "" {
		relay, err := broadcast.NewNATSRelay(conf.NATS, logger)
		if err != nil {
			logger.Fatal(fmt.Sprintf("setting up nats relay: %v", err), err)
		}
		defer func() {
			if err := relay.Close(); err != nil {
				logger.Error(fmt.Sprintf("draining nats relay: %v", err), err)
			}
		}()
		sink = broadcast.Fanout{hub, relay}
	}

	// =========================================================================
	// Start Change Feed

	pipeline, err := realtime.NewPipeline(realtime.PipelineConfig{
		Source:          mongostore.NewChangeStreamSource(client.Database(conf.Mongo.Database), feedLogger),
		Sink:            sink,
		Clock:           clock.WallClock,
		Logger:          feedLogger,
		Metrics:         metrics,
		ThrottleWindow:  conf.Realtime.ThrottleWindow,
		ReconnectDelay:  conf.Realtime.ReconnectDelay,
		FallbackChannel: conf.Realtime.FallbackChannel,
	})
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up change feed: %v", err), err)
	}

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		if err := pipeline.Run(ctx); err != nil && err != context.Canceled {
			logger.Error(fmt.Sprintf("change feed stopped: %v", err), err)
		}
	}()

	// =========================================================================
	// Start Debug Service
	//
	// /debug/pprof - Added to the default mux by importing the net/http/pprof package.
	// /debug/vars - Added to the default mux by importing the expvar package.
	// /metrics - Prometheus collectors of the realtime pipeline and gateway.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	if conf.Server.DebugAddress != "" {
		go func() {
			if err := http.ListenAndServe(conf.Server.DebugAddress, http.DefaultServeMux); err != nil {
				logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
			}
		}()
	}

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			Hub:        hub,
			Feed:       pipeline,
			Metrics:    metrics,
			Validate:   validate,
			Translator: translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Error(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))
	}

	// stop the feed first so no broadcast races the closing clients
	cancel()
	<-feedDone

	// give outstanding requests a deadline for completion
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
	defer shutdownCancel()

	// asking listener to shutdown and shed load
	if err = server.Shutdown(shutdownCtx); err != nil {
		logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

		if err = server.Close(); err != nil {
			logger.Error(fmt.Sprintf("could not force stop server: %v", err), err)
		}
	}
}
