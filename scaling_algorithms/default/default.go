/*
Package scaling_algorithms implements the scaling actions of the webserver:
assigning mandelboxes to instances, keeping a buffer of free capacity per
region, draining surplus instances, and upgrading the fleet to new images
without downtime. Every region runs its own DefaultScalingAlgorithm; they
share the state store, the maintenance gate and the scale registry.
*/
package scaling_algorithms

import (
	"context"
	"sync"

	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/hosts"
	aws "github.com/whisthq/whist/backend/webserver/hosts/aws"
	"github.com/whisthq/whist/backend/webserver/maintenance"
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

// Event types the scaling algorithm knows how to process.
const (
	ScheduledScaleDownEvent = "SCHEDULED_SCALE_DOWN_EVENT"
	MandelboxAssignEvent    = "SERVER_MANDELBOX_ASSIGN_EVENT"
)

// ScalingAlgorithm is the basic abstraction of a per-region scaling unit
// that receives a stream of events and makes calls to the host handler.
type ScalingAlgorithm interface {
	ProcessEvents(context.Context, *sync.WaitGroup)
	CreateEventChans()
}

// ScalingEvent is an event that contains all the relevant information
// to make scaling decisions.
type ScalingEvent struct {
	ID     string
	Type   string      // The type of event (server, scheduled, etc.)
	Data   interface{} // Data relevant to the event
	Region string      // Region where the scaling will be performed
}

// DefaultScalingAlgorithm holds the dependencies and event channels of one
// region's scaling unit.
type DefaultScalingAlgorithm struct {
	Host     hosts.HostHandler
	DB       dbdriver.StateStore
	Gate     *maintenance.Gate
	Registry *ScaleRegistry
	Region   string

	ServerEventChan    chan ScalingEvent
	ScheduledEventChan chan ScalingEvent
}

// CreateEventChans creates the event channels if they don't already exist.
func (s *DefaultScalingAlgorithm) CreateEventChans() {
	if s.ServerEventChan == nil {
		s.ServerEventChan = make(chan ScalingEvent, 100)
	}
	if s.ScheduledEventChan == nil {
		s.ScheduledEventChan = make(chan ScalingEvent, 100)
	}
}

// ProcessEvents is the main function of the scaling algorithm, responsible
// for processing events and executing the appropriate scaling actions. It
// runs until the global context is cancelled.
func (s *DefaultScalingAlgorithm) ProcessEvents(globalCtx context.Context, goroutineTracker *sync.WaitGroup) {
	if s.Host == nil {
		// TODO when multi-cloud support is introduced, figure out a way to
		// decide which host to use. For now default to AWS.
		handler := &aws.AWSHost{Heartbeats: s.DB}
		err := handler.Initialize(s.Region)
		if err != nil {
			logger.Errorf("error starting host on region %s: %s", s.Region, err)
		}

		s.Host = handler
	}

	goroutineTracker.Add(1)
	go func() {
		defer goroutineTracker.Done()

		for {
			select {
			case serverEvent := <-s.ServerEventChan:
				switch serverEvent.Type {
				case MandelboxAssignEvent:
					goroutineTracker.Add(1)
					go func() {
						defer goroutineTracker.Done()

						scalingCtx, scalingCancel := context.WithCancel(context.Background())
						defer scalingCancel()

						err := s.MandelboxAssign(scalingCtx, serverEvent)
						if err != nil {
							logger.Errorf("error processing mandelbox assign on %s: %s", serverEvent.Region, err)
						}
					}()
				}
			case scheduledEvent := <-s.ScheduledEventChan:
				switch scheduledEvent.Type {
				case ScheduledScaleDownEvent:
					goroutineTracker.Add(1)
					go func() {
						defer goroutineTracker.Done()

						scalingCtx, scalingCancel := context.WithCancel(context.Background())
						defer scalingCancel()

						err := s.Gate.TrackTask(scheduledEvent.Region, func() error {
							return s.ScaleDownIfNecessary(scalingCtx, scheduledEvent)
						})
						if err == maintenance.ErrMaintenanceMode {
							logger.Infof("Skipping scale down on %s, maintenance is in progress.", scheduledEvent.Region)
						} else if err != nil {
							logger.Errorf("error running scale down job on region %s: %s", scheduledEvent.Region, err)
						}
					}()
				}
			case <-globalCtx.Done():
				logger.Infof("Global context has been cancelled, exiting event loop of %s scaling algorithm...", s.Region)
				return
			}
		}
	}()
}
