// Package config provides functions for reading the service-global
// configuration values of the webserver. Values are populated from the
// environment when the webserver starts and are read-only afterwards.
// config.Initialize() should be called as close as possible to the top of the
// main function.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/whisthq/whist/backend/webserver/metadata"
)

// serviceConfig stores service-global configuration values.
type serviceConfig struct {
	// enabledRegions is the list of regions in which users are allowed to
	// request mandelboxes.
	enabledRegions []string

	// desiredFreeMandelboxes is the number of free mandelbox slots we always
	// want available in a region for the currently active image.
	desiredFreeMandelboxes int

	// instanceType is the cloud instance type every new host is launched with.
	instanceType string

	// scaleSweepPeriod is how often the scale-down sweep visits every
	// (region, image) pair.
	scaleSweepPeriod time.Duration

	// hostServicePort is the port the host service listens on, used for drain
	// requests from the webserver to an instance.
	hostServicePort int

	// devCommitHashSentinel is the client commit hash that developers send to
	// have the webserver substitute the active image's hash outside prod.
	devCommitHashSentinel string

	// lockTimeout bounds every database row lock acquisition.
	lockTimeout time.Duration

	// heartbeatWait bounds how long an image upgrade waits for a newly
	// launched instance to post its first heartbeat.
	heartbeatWait time.Duration

	// frontendVersion represents the current version of the frontend
	// (e.g. "2.6.13").
	frontendVersion string

	// careAboutActive enables the one-session-per-user policy on assign.
	careAboutActive bool
}

// config is a singleton that stores service-global configuration values.
var config serviceConfig

// rw synchronizes access to the configuration singleton.
var rw sync.RWMutex

// Initialize populates the configuration singleton from the environment,
// falling back to the documented defaults.
func Initialize() {
	rw.Lock()
	defer rw.Unlock()

	config = serviceConfig{
		enabledRegions:         enabledRegionsForEnvironment(),
		desiredFreeMandelboxes: getEnvInt("DEFAULT_BUFFER_SIZE", 10),
		instanceType:           getEnvString("AWS_INSTANCE_TYPE_TO_LAUNCH", "g4dn.xlarge"),
		scaleSweepPeriod:       time.Duration(getEnvInt("SCALE_SWEEP_SECONDS", 60)) * time.Second,
		hostServicePort:        getEnvInt("HOST_SERVICE_PORT", 4678),
		devCommitHashSentinel:  getEnvString("CLIENT_COMMIT_HASH_DEV_OVERRIDE", "local_dev"),
		lockTimeout:            time.Duration(getEnvInt("LOCK_TIMEOUT_SECONDS", 5)) * time.Second,
		heartbeatWait:          time.Duration(getEnvInt("HEARTBEAT_WAIT_SECONDS", 600)) * time.Second,
		frontendVersion:        getEnvString("FRONTEND_VERSION", ""),
		careAboutActive:        getEnvBool("CARE_ABOUT_ACTIVE", false),
	}
}

// GetEnabledRegions returns a list of regions in which a user may request a
// mandelbox. Attempting to launch an instance in one of the regions returned
// by this function may still result in an error if the requisite cloud
// infrastructure does not exist in that region.
func GetEnabledRegions() []string {
	rw.RLock()
	defer rw.RUnlock()

	return config.enabledRegions
}

// GetDesiredFreeMandelboxes returns the number of free mandelbox slots we
// want available at all times in a region for its active image.
func GetDesiredFreeMandelboxes() int {
	rw.RLock()
	defer rw.RUnlock()

	return config.desiredFreeMandelboxes
}

// GetInstanceType returns the cloud instance type new hosts launch with.
func GetInstanceType() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.instanceType
}

// GetScaleSweepPeriod returns how often the scale-down sweep runs.
func GetScaleSweepPeriod() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.scaleSweepPeriod
}

// GetHostServicePort returns the port the host service listens on.
func GetHostServicePort() int {
	rw.RLock()
	defer rw.RUnlock()

	return config.hostServicePort
}

// GetDevCommitHashSentinel returns the commit hash developers use to bypass
// fingerprint matching outside prod.
func GetDevCommitHashSentinel() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.devCommitHashSentinel
}

// GetLockTimeout returns the bound on database row lock acquisition.
func GetLockTimeout() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.lockTimeout
}

// GetHeartbeatWait returns how long an upgrade waits for the first heartbeat
// of a newly launched instance.
func GetHeartbeatWait() time.Duration {
	rw.RLock()
	defer rw.RUnlock()

	return config.heartbeatWait
}

// GetFrontendVersion returns the current version of the frontend, used to
// decide whether a commit hash mismatch is a real error.
func GetFrontendVersion() string {
	rw.RLock()
	defer rw.RUnlock()

	return config.frontendVersion
}

// GetCareAboutActive returns whether the one-session-per-user policy is
// enforced on assign. Disabled by default.
func GetCareAboutActive() bool {
	rw.RLock()
	defer rw.RUnlock()

	return config.careAboutActive
}

// GetBundledRegions returns the regions the assigner treats as
// interchangeable with the given region, in fallback order. The adjacency is
// bidirectional and static.
func GetBundledRegions(region string) []string {
	bundled, ok := bundledRegions[region]
	if !ok {
		return nil
	}
	return bundled
}

// bundledRegions maps each region to nearby regions that don't impact the
// user experience too much when used as a fallback.
var bundledRegions = map[string][]string{
	"us-east-1":    {"us-east-2", "ca-central-1"},
	"us-east-2":    {"us-east-1", "ca-central-1"},
	"us-west-1":    {"us-west-2"},
	"us-west-2":    {"us-west-1"},
	"ca-central-1": {"us-east-1", "us-east-2"},
}

// enabledRegionsForEnvironment returns the list of regions where the backend
// resources required to run Whist exist, according to the current
// environment.
func enabledRegionsForEnvironment() []string {
	switch metadata.GetAppEnvironment() {
	case metadata.EnvProd:
		return []string{
			"us-east-1",
			"us-east-2",
			"us-west-1",
			"us-west-2",
			"ca-central-1",
			"eu-central-1",
			"eu-west-1",
			"eu-west-2",
		}
	default:
		return []string{
			"us-east-1",
			"us-east-2",
		}
	}
}

func getEnvString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
