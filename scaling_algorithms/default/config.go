package scaling_algorithms

import (
	"time"

	"github.com/whisthq/whist/backend/webserver/constants"
	"github.com/whisthq/whist/backend/webserver/utils"
)

const (
	// These are all the possible reasons we would fail to find an instance for
	// a user and return a 503 error

	// Instance was found but the client app is out of date
	COMMIT_HASH_NOT_FOUND = "COMMIT_HASH_NOT_FOUND"

	// No instance was found e.g. a capacity issue
	COULD_NOT_FIND_INSTANCE = "COULD_NOT_FIND_INSTANCE"

	// The requested region(s) have not been enabled
	REGION_NOT_ENABLED = "REGION_NOT_ENABLED"

	// User is already connected to a mandelbox, possibly on another device
	USER_ALREADY_ACTIVE = "USER_ALREADY_ACTIVE"

	// The region is undergoing maintenance and refusing new sessions
	SERVICE_IN_MAINTENANCE = "SERVICE_IN_MAINTENANCE"

	// Catch-all for internal failures during the assign
	SERVICE_UNAVAILABLE = "SERVICE_UNAVAILABLE"
)

// VCPUsPerMandelbox indicates the number of vCPUs allocated per mandelbox.
const VCPUsPerMandelbox = 4

var instanceTypeToGPUNum = map[string]int{
	"g4dn.xlarge":   1,
	"g4dn.2xlarge":  1,
	"g4dn.4xlarge":  1,
	"g4dn.8xlarge":  1,
	"g4dn.16xlarge": 1,
	"g4dn.12xlarge": 4,
}

var instanceTypeToVCPUNum = map[string]int{
	"g4dn.xlarge":   4,
	"g4dn.2xlarge":  8,
	"g4dn.4xlarge":  16,
	"g4dn.8xlarge":  32,
	"g4dn.16xlarge": 64,
	"g4dn.12xlarge": 48,
}

// instanceCapacity is a mapping of the mandelbox capacity each type of instance has.
var instanceCapacity = generateInstanceCapacityMap(instanceTypeToGPUNum, instanceTypeToVCPUNum)

// defaultInstanceCapacity is assumed for unknown instance types, and when a
// (region, image) pair has no instances yet from which to derive an average.
const defaultInstanceCapacity = 16

var (
	// maxWaitTimeReady is the max time we should wait for instances to be ready.
	maxWaitTimeReady = 5 * time.Minute
	// maxWaitTimeTerminated is the max time we should wait for instances to be terminated.
	maxWaitTimeTerminated = 5 * time.Minute
	// lingeringDrainLimit is how long an instance may stay DRAINING before the
	// sweep terminates it on the cloud provider as a fallback.
	lingeringDrainLimit = 10 * time.Minute
)

// generateInstanceCapacityMap uses the global instanceTypeToGPUNum and instanceTypeToVCPUNum maps
// to generate the maximum mandelbox capacity for each instance type in the intersection
// of their keys.
func generateInstanceCapacityMap(instanceToGPUMap, instanceToVCPUMap map[string]int) map[string]int {
	capacityMap := map[string]int{}
	for instanceType, gpuNum := range instanceToGPUMap {
		// Only populate for instances that are in both maps
		vcpuNum, ok := instanceToVCPUMap[instanceType]
		if !ok {
			continue
		}
		capacityMap[instanceType] = utils.Min(gpuNum*constants.MaxMandelboxesPerGPU, vcpuNum/VCPUsPerMandelbox)
	}
	return capacityMap
}

// capacityOf returns the mandelbox capacity of the given instance type.
func capacityOf(instanceType string) int64 {
	if capacity, ok := instanceCapacity[instanceType]; ok {
		return int64(capacity)
	}
	return defaultInstanceCapacity
}
