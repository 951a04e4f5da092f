package hosts

import (
	"context"
	"errors"
	"time"

	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/types"
)

// Cloud provider failures are classified so the scaling actions can decide
// whether to retry, roll back, or give up.
var (
	// ErrProviderTransient indicates a failure that was retried up to the
	// backoff limit and may succeed later (throttling, eventual consistency).
	ErrProviderTransient = errors.New("transient cloud provider error")

	// ErrProviderFatal indicates a failure that retrying cannot fix, such as
	// an exceeded instance quota.
	ErrProviderFatal = errors.New("fatal cloud provider error")

	// ErrHeartbeatTimeout indicates a launched instance never reported a
	// heartbeat within the wait window.
	ErrHeartbeatTimeout = errors.New("timed out waiting for instance heartbeat")
)

// A HostHandler abstracts all interactions with a cloud provider. Any
// provider the webserver launches instances on needs to implement this
// interface.
type HostHandler interface {
	Initialize(region string) error
	SpinUpInstances(ctx context.Context, numInstances int32, maxWaitTime time.Duration, image dbdriver.Image) ([]dbdriver.Instance, error)
	SpinDownInstances(ctx context.Context, cloudIDs []types.CloudProviderID) error
	DrainInstance(ctx context.Context, instance dbdriver.Instance) error
	WaitForInstanceTermination(ctx context.Context, maxWaitTime time.Duration, cloudIDs []types.CloudProviderID) error
	WaitForInstanceReady(ctx context.Context, maxWaitTime time.Duration, cloudIDs []types.CloudProviderID) error
	WaitForHeartbeat(ctx context.Context, name string, maxWaitTime time.Duration) error
}

// A HeartbeatSource reports the last heartbeat written for an instance.
// Injecting this narrow view of the state store keeps host handlers testable
// without a database.
type HeartbeatSource interface {
	QueryInstance(ctx context.Context, name string) (dbdriver.Instance, error)
}
