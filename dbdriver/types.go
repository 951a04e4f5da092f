package dbdriver // import "github.com/whisthq/whist/backend/webserver/dbdriver"

import (
	"github.com/whisthq/whist/backend/webserver/types"
)

// An InstanceStatus represents a possible status that an instance can have in
// the database.
type InstanceStatus string

// These represent the currently-defined statuses for instances. An instance
// is created in PRE_CONNECTION, becomes ACTIVE when its host service posts
// the first heartbeat, and is marked DRAINING when it should stop accepting
// mandelboxes. The row is deleted once the host reports drain completion.
const (
	InstanceStatusPreConnection InstanceStatus = "PRE_CONNECTION"
	InstanceStatusActive        InstanceStatus = "ACTIVE"
	InstanceStatusDraining      InstanceStatus = "DRAINING"
)

// A MandelboxStatus represents a possible status that a mandelbox can have in
// the database.
type MandelboxStatus string

// These represent the currently-defined statuses for mandelboxes. The
// webserver creates mandelboxes in ALLOCATED; the host service drives them to
// RUNNING and DYING through the callback endpoints.
const (
	MandelboxStatusAllocated MandelboxStatus = "ALLOCATED"
	MandelboxStatusRunning   MandelboxStatus = "RUNNING"
	MandelboxStatusDying     MandelboxStatus = "DYING"
)

// Instance maps a row of the `whist.instances` table. RemainingCapacity
// counts the mandelbox slots still free on the host; MandelboxCapacity is the
// capacity the instance was created with and never changes afterwards.
type Instance struct {
	Name              string         `json:"instance_name"`
	Region            string         `json:"region"`
	ImageID           string         `json:"image_id"`
	ClientSHA         string         `json:"client_sha"`
	CloudProviderID   string         `json:"cloud_provider_id"`
	IPAddress         string         `json:"ip_addr"`
	Type              string         `json:"instance_type"`
	RemainingCapacity int64          `json:"remaining_capacity"`
	MandelboxCapacity int64          `json:"mandelbox_capacity"`
	Status            InstanceStatus `json:"status"`
	CreatedAt         int64          `json:"created_utc_unix_ms"`

	// LastHeartbeatAt stays 0 until the host service reports in for the
	// first time; there is no separate "never seen" sentinel.
	LastHeartbeatAt int64 `json:"last_heartbeat_utc_unix_ms"`
}

// Image maps a row of the `whist.images` table. At most one image per region
// has Active set. Protected images may not be scaled down; only the upgrade
// coordinator sets and clears the flag.
type Image struct {
	Region    string `json:"region"`
	ImageID   string `json:"image_id"`
	ClientSHA string `json:"client_sha"`
	Active    bool   `json:"active"`
	Protected bool   `json:"protected"`
}

// Mandelbox maps a row of the `whist.mandelboxes` table.
type Mandelbox struct {
	ID           types.MandelboxID `json:"id"`
	InstanceName string            `json:"instance_name"`
	UserID       types.UserID      `json:"user_id"`
	SessionID    types.SessionID   `json:"session_id"`
	Status       MandelboxStatus   `json:"status"`
	CreatedAt    int64             `json:"created_utc_unix_ms"`
}

// RegionImagePair identifies one (region, image) pair the autoscaler
// serializes scaling decisions for.
type RegionImagePair struct {
	Region  string
	ImageID string
}
