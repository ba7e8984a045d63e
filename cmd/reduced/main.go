// Command reduced runs the dataflow reduce engine described in spec.md:
// dedup, per-group serialized reduce, accumulator persistence, sink
// fan-out, and a startup replay pass, fronted by an HTTP API.
//
// Grounded on the teacher's cmd/server/main.go (services/mape/cmd/server):
// load config, construct every component, start background loops, serve
// HTTP, and shut down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cloudfoundry-incubator/abacus-reduce/internal/breaker"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/config"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/dedupe"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/engine"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/grouplock"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/httpapi"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/logging"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/logstore"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/pipeline"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/reduce"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/reducers"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/replay"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/shadow"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/sinkpost"
	"github.com/cloudfoundry-incubator/abacus-reduce/internal/store"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("startup failed", slog.Any("err", err))
		os.Exit(1)
	}

	log, logFile := logging.Init(cfg.LogDir)
	if logFile != nil {
		defer logFile.Close()
	}
	log.Info("starting reduced", slog.Any("cfg", cfg.Redacted()))

	pcfg := pipeline.Config{
		Input: pipeline.InputConfig{
			Type:   "usage",
			DBName: cfg.InputDB,
			Post:   "/v1/metering/collected/usage",
			Get:    "/v1/metering/collected/usage/k/{key}/t/{time}",
			Key:    reducers.UsageKey,
			Time:   reducers.UsageTime,
			Groups: reducers.UsageGroups,
			Dedupe: true,
		},
		Output: pipeline.OutputConfig{
			Type:   "usage",
			DBName: cfg.OutputDB,
			Get:    "/v1/metering/aggregated/usage/k/{key}/t/{time}",
			Keys:   reducers.UsageOutputKeys,
			Times:  reducers.UsageOutputTimes,
		},
		Error: pipeline.ErrorConfig{
			DBName: cfg.ErrorDB,
			Get:    "/v1/metering/errors",
			Delete: "/v1/metering/errors/k/{key}/t/{time}",
			Key:    reducers.UsageKey,
			Time:   reducers.UsageTime,
		},
		Reducer: reducers.SumReducer,
	}
	if cfg.SinkHost != "" {
		pcfg.Sink = pipeline.SinkConfig{
			Host:  cfg.SinkHost,
			Apps:  cfg.SinkApps,
			Posts: "/v1/metering/normalized/usage",
			Keys:  reducers.UsageOutputKeys,
			Times: reducers.UsageOutputTimes,
		}
	}
	if err := pcfg.Validate(); err != nil {
		log.Error("invalid pipeline configuration", slog.Any("err", err))
		os.Exit(1)
	}

	facadeCfg := store.DefaultFacadeConfig()
	facadeCfg.Breaker = breaker.DefaultConfig()

	var inputStore, outputStore, errorStore store.DocStore
	if pcfg.Input.DBName != "" {
		inputStore = store.NewFacade("input-db", store.NewMemStore(), facadeCfg, log)
	}
	if pcfg.HasOutputStore() {
		outputStore = store.NewFacade("output-db", store.NewMemStore(), facadeCfg, log)
	}
	if pcfg.HasErrorStore() {
		errorStore = store.NewFacade("error-db", store.NewMemStore(), facadeCfg, log)
	}

	logger := &logstore.Logger{Input: inputStore, Output: outputStore, Error: errorStore}

	dedupeFilter := dedupe.Disabled()
	if pcfg.Input.Dedupe {
		dedupeFilter = dedupe.New(100000, time.Hour)
	}

	sinkPoster := sinkpost.New(cfg.SinkRetries, &http.Client{Timeout: 15 * time.Second}, log)

	shadowPub, err := shadow.New(shadow.Config{
		Enabled: len(cfg.KafkaBrokers) > 0,
		Topic:   cfg.ShadowTopic,
		Brokers: cfg.KafkaBrokers,
	}, log)
	if err != nil {
		log.Error("shadow publisher init failed", slog.Any("err", err))
		os.Exit(1)
	}

	reduceEngine := &reduce.Engine{
		Config:           pcfg,
		Store:            outputStore,
		Locks:            grouplock.NewRegistry(),
		Sink:             sinkPoster,
		Logger:           logger,
		Log:              log,
		DedupeConfigured: pcfg.Input.Dedupe,
	}

	eng := &engine.Engine{
		Config:  pcfg,
		Input:   inputStore,
		Output:  outputStore,
		Errors:  errorStore,
		Dedupe:  dedupeFilter,
		Reducer: reduceEngine,
		Logger:  logger,
		Shadow:  shadowPub,
		Log:     log,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := shadowPub.Start(ctx); err != nil {
		log.Error("shadow publisher start failed", slog.Any("err", err))
		os.Exit(1)
	}

	if cfg.ReplayWindowMillis > 0 {
		driver := &replay.Driver{Engine: eng, Input: inputStore, PageSize: cfg.PageSize, Log: log}
		stats, err := driver.Run(ctx, time.Now().UnixMilli(), cfg.ReplayWindowMillis)
		if err != nil {
			log.Warn("replay run failed", slog.Any("err", err))
		} else {
			log.Info("replay complete", slog.Int("replayed", stats.Replayed), slog.Int("failed", stats.Failed))
		}
	}

	srv := &httpapi.Server{Engine: eng, Config: pcfg, Log: log}
	httpSrv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: srv.Router(),
	}

	go func() {
		log.Info("http server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutdown requested")

	cancel()
	shutdownCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = httpSrv.Shutdown(shutdownCtx)
	_ = shadowPub.Stop(shutdownCtx)
	log.Info("bye")
}
