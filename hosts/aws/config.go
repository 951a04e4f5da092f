package hosts

import "time"

// Configuration for retry logic

// The waits are variables so tests can shrink them.
var (
	INITIAL_WAIT_BEFORE_RETRY = 1 * time.Second
	MAX_WAIT_BEFORE_RETRY     = 5 * time.Second
)

const (
	BACKOFF_MULTIPLIER = 2
	MAX_RETRY_ATTEMPTS = 4
)

// Configuration for instances

const (
	// The minimum of instances to launch. Necessary for the AWS SDK.
	MIN_INSTANCE_COUNT = 1

	// How often to check the database while waiting for a launched instance
	// to report its first heartbeat.
	HEARTBEAT_POLL_INTERVAL = 5 * time.Second
)
