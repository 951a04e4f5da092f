package httputils

import (
	mandelboxtypes "github.com/whisthq/whist/backend/webserver/types"
)

// Request types

// MandelboxAssignRequest defines the `mandelbox/assign` endpoint.
type MandelboxAssignRequest struct {
	Regions    []string              `json:"regions"`            // Regions the user can stream from, sorted by proximity
	CommitHash string                `json:"client_commit_hash"` // Commit hash of the frontend build making the request
	UserEmail  string                `json:"user_email"`         // Untrusted, used only for logging
	Version    string                `json:"version"`            // Frontend version
	SessionID  string                `json:"session_id"`
	UserID     mandelboxtypes.UserID `json:"user_id"`
	ResultChan chan RequestResult    `json:"-"` // Channel to pass the request result between goroutines
}

// MandelboxAssignRequestResult defines the data returned by the
// `mandelbox/assign` endpoint.
type MandelboxAssignRequestResult struct {
	IP          string `json:"ip"`
	MandelboxID string `json:"mandelbox_id"`
	Error       string `json:"error,omitempty"`
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *MandelboxAssignRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *MandelboxAssignRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// MaintenanceRequest defines the `maintenance/begin` and `maintenance/end`
// endpoints.
type MaintenanceRequest struct {
	Region     string             `json:"region"`
	ResultChan chan RequestResult `json:"-"` // Channel to pass the request result between goroutines
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *MaintenanceRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *MaintenanceRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// MaintenanceResponse is returned by both maintenance endpoints.
type MaintenanceResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// ImageUpgradeRequest defines the `image/upgrade` endpoint.
type ImageUpgradeRequest struct {
	CommitHash  string             `json:"client_commit_hash"` // Commit hash the new images were built from
	RegionToAMI map[string]string  `json:"region_to_ami"`
	ResultChan  chan RequestResult `json:"-"` // Channel to pass the request result between goroutines
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *ImageUpgradeRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *ImageUpgradeRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// ImageUpgradeResponse is returned when an upgrade job is accepted.
type ImageUpgradeResponse struct {
	JobID string `json:"job_id"`
}

// ImageUpgradeStatusResponse is returned by the upgrade status poll endpoint.
type ImageUpgradeStatusResponse struct {
	State   string `json:"state"` // pending, success or failure
	Message string `json:"message,omitempty"`
}

// Host service callbacks

// InstanceHeartbeatRequest defines the `instance/heartbeat` endpoint, called
// periodically by the host service on every instance.
type InstanceHeartbeatRequest struct {
	InstanceName string             `json:"instance_name"`
	IP           string             `json:"ip"`
	AuthToken    string             `json:"auth_token"`
	ResultChan   chan RequestResult `json:"-"` // Channel to pass the request result between goroutines
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *InstanceHeartbeatRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *InstanceHeartbeatRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// InstanceDrainCompleteRequest defines the `instance/drain_complete`
// endpoint, called by the host service once all its sessions have ended and
// it is about to shut down.
type InstanceDrainCompleteRequest struct {
	InstanceName string             `json:"instance_name"`
	AuthToken    string             `json:"auth_token"`
	ResultChan   chan RequestResult `json:"-"` // Channel to pass the request result between goroutines
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *InstanceDrainCompleteRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *InstanceDrainCompleteRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}

// MandelboxStatusRequest defines the `mandelbox/status` endpoint, called by
// the host service when a session starts running or dies.
type MandelboxStatusRequest struct {
	MandelboxID mandelboxtypes.MandelboxID `json:"mandelbox_id"`
	Status      string                     `json:"status"`
	AuthToken   string                     `json:"auth_token"`
	ResultChan  chan RequestResult         `json:"-"` // Channel to pass the request result between goroutines
}

// ReturnResult is called to pass the result of a request back to the HTTP
// request handler.
func (s *MandelboxStatusRequest) ReturnResult(result interface{}, err error) {
	s.ResultChan <- RequestResult{
		Result: result,
		Err:    err,
	}
}

// CreateResultChan is called to create the Go channel to pass the request
// result back to the HTTP request handler via ReturnResult.
func (s *MandelboxStatusRequest) CreateResultChan() {
	if s.ResultChan == nil {
		s.ResultChan = make(chan RequestResult)
	}
}
