// Package types contains some useful types shared across the webserver
// packages. We define this package separately so that we can safely pass
// these types around to other packages without import cycles.
package types // import "github.com/whisthq/whist/backend/webserver/types"

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
	"github.com/whisthq/whist/backend/webserver/utils"
)

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never switch instance names and
// provider IDs, for instance.

type (
	// A MandelboxID is a random UUID created for each mandelbox when it gets
	// allocated to a user.
	MandelboxID uuid.UUID

	// UserID is the id assigned to a user by the authentication provider.
	UserID string

	// SessionID is created by the frontend and identifies one streaming
	// session of a user.
	SessionID string

	// InstanceName is the name given to an instance by the webserver at launch
	// time. It is globally unique and is the primary key of the instances
	// table; the cloud provider ID is stored separately.
	InstanceName string

	// CloudProviderID represents the unique ID assigned by the provider to the
	// instance (e.g. an EC2 instance ID).
	CloudProviderID string

	// ImageID is the unique ID associated with the machine image used to start
	// an instance.
	ImageID string

	// InstanceType is the kind of instance in use, depending on its hardware
	// characteristics.
	InstanceType string

	// PlacementRegion is the region where the compute resources exist for a
	// specific cloud provider.
	PlacementRegion string
)

// Custom type methods

// String is a utility function to return the string representation of a MandelboxID.
func (mandelboxID MandelboxID) String() string {
	return uuid.UUID(mandelboxID).String()
}

// MarshalJSON is a utility function to properly marshal a mandelboxID into a proper JSON representation
func (mandelboxID MandelboxID) MarshalJSON() ([]byte, error) {
	u := uuid.UUID(mandelboxID)
	UUID, err := uuid.Parse(u.String())

	if err != nil {
		return nil, utils.MakeError("Received invalid UUID when marshaling")
	}

	bytes, err := json.Marshal(UUID.String())

	if err != nil {
		return nil, utils.MakeError("Error marshaling UUID")
	}

	return bytes, nil
}

// UnmarshalJSON is a utility function to properly unmarshal JSON into a type MandelboxID
func (mandelboxID *MandelboxID) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), "\"")
	UUID, err := uuid.Parse(s)

	if err != nil {
		return utils.MakeError("Error parsing UUID")
	}

	*mandelboxID = MandelboxID(UUID)
	return nil
}
