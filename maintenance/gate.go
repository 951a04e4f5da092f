/*
Package maintenance implements the webserver's maintenance gate. While a
region's gate is up, no new mandelboxes are assigned there and no new scaling
or upgrade tasks start, so operators get a stable fleet to work on. Tasks
that were already running when maintenance began are allowed to finish;
operators poll BeginMaintenance until it reports the region fully closed.
*/
package maintenance // import "github.com/whisthq/whist/backend/webserver/maintenance"

import (
	"errors"
	"sync"

	"github.com/lithammer/shortuuid/v3"

	"github.com/whisthq/whist/backend/webserver/utils"
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

// A Mode is the admission state of a region's gate.
type Mode string

const (
	// ModeOpen admits new tasks normally.
	ModeOpen Mode = "open"
	// ModeClosing refuses new tasks while previously admitted ones finish.
	ModeClosing Mode = "closing"
	// ModeClosed refuses new tasks and has no tasks in flight.
	ModeClosed Mode = "closed"
)

var (
	// ErrMaintenanceMode is returned when a task is refused admission because
	// maintenance is in progress on its region.
	ErrMaintenanceMode = errors.New("service is in maintenance mode")

	// ErrNotInMaintenance is returned by EndMaintenance when the region's
	// maintenance has not fully closed.
	ErrNotInMaintenance = errors.New("service is not in maintenance mode")
)

// Gate tracks in-flight tasks and the maintenance mode of every region. A
// single mutex guards all of it, so a mode change and the task set it depends
// on are always observed together. The gate knows nothing about what its
// tasks do; callers carry the register/deregister discipline.
type Gate struct {
	mu    sync.Mutex
	modes map[string]Mode
	tasks map[string]map[string]struct{}
}

// New returns a gate with every region open and no tasks in flight.
func New() *Gate {
	return &Gate{
		modes: map[string]Mode{},
		tasks: map[string]map[string]struct{}{},
	}
}

// mode returns the region's mode, defaulting to open. Callers hold g.mu.
func (g *Gate) mode(region string) Mode {
	if mode, ok := g.modes[region]; ok {
		return mode
	}
	return ModeOpen
}

// Mode returns the current admission state of the given region.
func (g *Gate) Mode(region string) Mode {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode(region)
}

// Status returns the region's mode and the number of tasks still in flight.
func (g *Gate) Status(region string) (Mode, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode(region), len(g.tasks[region])
}

// RegisterTask admits the task with the given ID on the given region. It
// reports false, and the caller must reject its operation, once maintenance
// has begun.
func (g *Gate) RegisterTask(region string, id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.mode(region) != ModeOpen {
		return false
	}

	if g.tasks[region] == nil {
		g.tasks[region] = map[string]struct{}{}
	}
	g.tasks[region][id] = struct{}{}
	return true
}

// DeregisterTask marks the task with the given ID as finished. Never fails;
// deregistering an unknown task is a no-op.
func (g *Gate) DeregisterTask(region string, id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.tasks[region], id)
}

// TrackTask runs fn as a tracked task on the given region, refusing to start
// it with ErrMaintenanceMode if maintenance has begun. The task is
// deregistered when fn returns, whatever fn does.
func (g *Gate) TrackTask(region string, fn func() error) error {
	id := shortuuid.New()
	if !g.RegisterTask(region, id) {
		return ErrMaintenanceMode
	}
	defer g.DeregisterTask(region, id)

	return fn()
}

// BeginMaintenance stops admitting new tasks on the given region. It reports
// success once the region has no tasks in flight; until then it reports
// failure with the number of draining tasks, and the operator is expected to
// call again after they finish.
func (g *Gate) BeginMaintenance(region string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch g.mode(region) {
	case ModeClosed:
		return true, "maintenance already in progress"
	case ModeOpen:
		g.modes[region] = ModeClosing
		logger.Infof("Maintenance beginning on %s.", region)
	}

	if pending := len(g.tasks[region]); pending > 0 {
		return false, utils.Sprintf("%v tasks still running", pending)
	}

	g.modes[region] = ModeClosed
	logger.Infof("Maintenance gate fully closed on %s.", region)
	return true, "maintenance mode started"
}

// EndMaintenance reopens the given region. Returns ErrNotInMaintenance
// unless the region's gate had fully closed.
func (g *Gate) EndMaintenance(region string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.mode(region) != ModeClosed {
		return ErrNotInMaintenance
	}

	g.modes[region] = ModeOpen
	logger.Infof("Maintenance ended on %s.", region)
	return nil
}
