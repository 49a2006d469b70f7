// Package app wires the pipeline's components from the environment. The HTTP server and the
// ops commands share it so every entry point dispatches the same way.
package app

import (
	"context"
	"fmt"

	"bitbucket.org/mmdatafocus/nesting_backend/bom"
	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/ingest"
	"bitbucket.org/mmdatafocus/nesting_backend/mapping"
	"bitbucket.org/mmdatafocus/nesting_backend/rowstore"
	"bitbucket.org/mmdatafocus/nesting_backend/sequence"
	"bitbucket.org/mmdatafocus/nesting_backend/uploads"
	"bitbucket.org/mmdatafocus/nesting_backend/utils"
	"bitbucket.org/mmdatafocus/nesting_backend/workflow"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type App struct {
	Gateway    rowstore.Gateway
	Sheets     rowstore.SheetResolver
	Ledger     *workflow.EventLedger
	Routes     *workflow.RoutingRegistry
	Dispatcher *workflow.Dispatcher
	Consumer   *workflow.EventConsumer
	Gate       *ingest.Gate
	Publisher  *ingest.PubSubPublisher
	Engine     *mapping.Engine
	Ids        *sequence.Generator
	Exceptions *workflow.ExceptionLog
	Uploads    *uploads.Service
	Blobs      utils.BlobStore

	closers []func() error
}

// New expects config.ConnectDatabaseWithRetry (and optionally ConnectRedisWithRetry) to have run.
// Without GCS_BUCKET files are kept in memory, which is only useful for local runs.
func New(ctx context.Context) (*App, error) {
	logger := config.GetLogger()
	db := config.GetDB()
	if db == nil {
		return nil, fmt.Errorf("database is not connected")
	}

	client, err := rowstore.NewClientFromEnv()
	if err != nil {
		return nil, err
	}
	a := &App{Gateway: client, Sheets: client.Sheets()}

	a.Ids = sequence.NewGenerator(counter(db))
	a.Ledger = workflow.NewEventLedger(db, config.LedgerFailOpen())
	a.Routes = workflow.NewRoutingRegistry(config.RoutingConfigPath(), a.Sheets)
	a.Publisher = ingest.NewPubSubPublisher(config.EventTopicName())
	a.Exceptions = workflow.NewExceptionLog(a.Gateway, a.Ids)
	a.Engine = mapping.NewEngine(mapping.NewSheetStore(a.Gateway), a.Ids, config.MaterialCacheTTL())

	if gcs, err := utils.NewGCSBlobStore(ctx); err == nil {
		a.Blobs = gcs
		a.closers = append(a.closers, gcs.Close)
	} else {
		logger.WithFields(logrus.Fields{"field": "app", "error": err.Error()}).Warn("GCS unavailable; using in-memory blob store")
		a.Blobs = utils.NewMemoryBlobStore()
	}

	orchestrator := bom.NewOrchestrator(a.Engine, a.Gateway, config.GetRedisLock(), config.IncludeMachineWear())
	a.Dispatcher = workflow.NewDispatcher(a.Routes, map[workflow.HandlerID]workflow.Handler{
		workflow.HandlerNestingBOM: workflow.NewNestingBOMWorkflow(a.Gateway, a.Blobs, orchestrator, a.Exceptions),
		workflow.HandlerTagIntake:  workflow.NewTagIntakeWorkflow(a.Gateway, a.Exceptions),
	})
	a.Consumer = workflow.NewEventConsumer(a.Ledger, a.Dispatcher)
	a.Gate = ingest.NewGate(a.Ledger, a.Publisher, a.gateSettings)
	a.Uploads = uploads.NewService(a.Gateway, a.Blobs, a.Ids, a.Exceptions, config.GetRedisLock())
	return a, nil
}

// counter prefers Redis INCR when Redis is connected, seeded from the DB counter.
func counter(db *gorm.DB) sequence.Counter {
	dbCounter := sequence.NewDBCounter(db)
	if rdb := config.GetRedisDB(); rdb != nil {
		return sequence.NewRedisCounter(rdb, config.GetRedisLock(), dbCounter)
	}
	return dbCounter
}

func (a *App) gateSettings(ctx context.Context) ingest.GateSettings {
	settings := a.Routes.Table(ctx).Settings()
	return ingest.GateSettings{
		IgnoreSystemActors: settings.ShouldIgnoreSystemActors(),
		LogIgnoredEvents:   settings.LogIgnoredEvents,
		SystemActorIds:     utils.UniqueSlice(append(config.SystemActorIds(), settings.SystemActorIds...)),
	}
}

func (a *App) Close() {
	for _, c := range a.closers {
		_ = c()
	}
}
