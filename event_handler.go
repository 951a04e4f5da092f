package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/google/uuid"

	"github.com/whisthq/whist/backend/webserver/config"
	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/maintenance"
	sa "github.com/whisthq/whist/backend/webserver/scaling_algorithms/default" // Import as sa, short for scaling_algorithms
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

func main() {
	config.Initialize()

	globalCtx, globalCancel := context.WithCancel(context.Background())
	goroutineTracker := &sync.WaitGroup{}

	db, err := dbdriver.Initialize(globalCtx)
	if err != nil {
		// Nothing works without the state store. A nil cancel func makes
		// Panicf flush and genuinely panic, so nothing below starts up
		// against a nil store.
		logger.Panicf(nil, "failed to connect to the database: %s", err)
	}
	defer db.Close()
	defer logger.Close()

	gate := maintenance.New()

	// Every enabled region runs its own scaling algorithm; they share the
	// state store and the maintenance gate.
	algorithms := map[string]*sa.DefaultScalingAlgorithm{}
	for _, region := range config.GetEnabledRegions() {
		algorithm := &sa.DefaultScalingAlgorithm{
			DB:       db,
			Gate:     gate,
			Registry: sa.NewScaleRegistry(),
			Region:   region,
		}
		algorithm.CreateEventChans()
		algorithm.ProcessEvents(globalCtx, goroutineTracker)
		algorithms[region] = algorithm
	}

	StartSchedulerEvents(algorithms)
	StartHTTPServer(&serverDeps{
		algorithms:  algorithms,
		db:          db,
		gate:        gate,
		upgradeJobs: newUpgradeJobRegistry(),
	})

	// Register a signal handler for Ctrl-C so that we cleanup if Ctrl-C is pressed.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	// Wait for either the global context to get cancelled by a worker goroutine,
	// or for us to receive an interrupt. This needs to be the end of main().
	select {
	case <-sigChan:
		logger.Infof("Got an interrupt or SIGTERM")
	case <-globalCtx.Done():
		logger.Infof("Global context cancelled!")
	}

	globalCancel()
}

// StartSchedulerEvents starts the scale-down sweep: every sweep period, each
// region's algorithm receives a scheduled scale-down event.
func StartSchedulerEvents(algorithms map[string]*sa.DefaultScalingAlgorithm) {
	s := gocron.NewScheduler(time.UTC)

	_, err := s.Every(config.GetScaleSweepPeriod()).Do(func() {
		for region, algorithm := range algorithms {
			algorithm.ScheduledEventChan <- sa.ScalingEvent{
				ID:     uuid.NewString(),
				Type:   sa.ScheduledScaleDownEvent,
				Region: region,
			}
		}
	})
	if err != nil {
		logger.Errorf("error starting scale down scheduler: %s", err)
		return
	}

	s.StartAsync()
}
