package scaling_algorithms

import (
	"sync"

	"github.com/whisthq/whist/backend/webserver/dbdriver"
)

// A ScaleRegistry hands out one mutex per (region, image) pair, so that all
// scaling decisions for a pair are serialized across the process while
// different pairs scale in parallel.
type ScaleRegistry struct {
	mu    sync.Mutex
	locks map[dbdriver.RegionImagePair]*sync.Mutex
}

// NewScaleRegistry returns an empty registry.
func NewScaleRegistry() *ScaleRegistry {
	return &ScaleRegistry{
		locks: map[dbdriver.RegionImagePair]*sync.Mutex{},
	}
}

// Lock acquires the mutex for the given pair, creating it on first use, and
// returns the matching unlock function.
func (r *ScaleRegistry) Lock(region string, imageID string) func() {
	pair := dbdriver.RegionImagePair{Region: region, ImageID: imageID}

	r.mu.Lock()
	lock, ok := r.locks[pair]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[pair] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}
