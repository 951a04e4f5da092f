package main

import (
	"sync"

	"github.com/lithammer/shortuuid/v3"
)

// Image upgrades run in the background, so the HTTP surface hands back a job
// ID immediately and operators poll for the outcome.
const (
	jobStatePending = "pending"
	jobStateSuccess = "success"
	jobStateFailure = "failure"
)

type upgradeJob struct {
	State   string
	Message string
}

// upgradeJobRegistry tracks every upgrade job started since the webserver
// booted. Jobs are never evicted; upgrades are rare enough that the registry
// stays tiny for the lifetime of the process.
type upgradeJobRegistry struct {
	mu   sync.Mutex
	jobs map[string]upgradeJob
}

func newUpgradeJobRegistry() *upgradeJobRegistry {
	return &upgradeJobRegistry{jobs: map[string]upgradeJob{}}
}

// start registers a new pending job and returns its ID.
func (r *upgradeJobRegistry) start() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := shortuuid.New()
	r.jobs[id] = upgradeJob{State: jobStatePending}
	return id
}

// finish records the outcome of a job.
func (r *upgradeJobRegistry) finish(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err != nil {
		r.jobs[id] = upgradeJob{State: jobStateFailure, Message: err.Error()}
		return
	}
	r.jobs[id] = upgradeJob{State: jobStateSuccess}
}

// get returns the job with the given ID, if it exists.
func (r *upgradeJobRegistry) get(id string) (upgradeJob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[id]
	return job, ok
}
