package main

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/whisthq/whist/backend/webserver/config"
	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/httputils"
	"github.com/whisthq/whist/backend/webserver/maintenance"
	sa "github.com/whisthq/whist/backend/webserver/scaling_algorithms/default" // Import as sa, short for scaling_algorithms
	"github.com/whisthq/whist/backend/webserver/utils"
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

// serverDeps bundles everything the HTTP handlers need. One value is shared
// by all handlers for the lifetime of the server.
type serverDeps struct {
	algorithms  map[string]*sa.DefaultScalingAlgorithm
	db          dbdriver.StateStore
	gate        *maintenance.Gate
	upgradeJobs *upgradeJobRegistry
}

// MandelboxAssignHandler validates an assign request and hands it to the
// scaling algorithm of the user's closest enabled region. The handler blocks
// on the result channel until the assign action answers.
func MandelboxAssignHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	var reqdata httputils.MandelboxAssignRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("error parsing mandelbox assign request: %s", err)
		return
	}

	if len(reqdata.Regions) == 0 {
		http.Error(w, "No regions requested", http.StatusBadRequest)
		return
	}

	// Route the request to the algorithm of the first requested region that
	// is enabled; the assign action itself handles fallbacks from there. If
	// none is enabled, any algorithm will do: the action answers with
	// REGION_NOT_ENABLED.
	var algorithm *sa.DefaultScalingAlgorithm
	for _, region := range reqdata.Regions {
		if candidate, ok := deps.algorithms[region]; ok {
			algorithm = candidate
			break
		}
	}
	if algorithm == nil {
		for _, candidate := range deps.algorithms {
			algorithm = candidate
			break
		}
	}
	if algorithm == nil {
		http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		return
	}

	algorithm.ServerEventChan <- sa.ScalingEvent{
		ID:     uuid.NewString(),
		Type:   sa.MandelboxAssignEvent,
		Data:   &reqdata,
		Region: algorithm.Region,
	}

	res := <-reqdata.ResultChan
	result, ok := res.Result.(httputils.MandelboxAssignRequestResult)
	if !ok {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if result.Error != "" {
		httputils.WriteJSON(w, http.StatusServiceUnavailable, result)
		return
	}
	httputils.WriteJSON(w, http.StatusAccepted, result)
}

// MaintenanceBeginHandler starts or advances a region's transition into
// maintenance mode. Operators call it repeatedly until success is true.
func MaintenanceBeginHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	region, ok := parseMaintenanceRegion(w, r)
	if !ok {
		return
	}

	success, message := deps.gate.BeginMaintenance(region)
	httputils.WriteJSON(w, http.StatusOK, httputils.MaintenanceResponse{
		Success: success,
		Message: message,
	})
}

// MaintenanceEndHandler reopens a region after maintenance.
func MaintenanceEndHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	region, ok := parseMaintenanceRegion(w, r)
	if !ok {
		return
	}

	if err := deps.gate.EndMaintenance(region); err != nil {
		httputils.WriteJSON(w, http.StatusOK, httputils.MaintenanceResponse{
			Success: false,
			Message: err.Error(),
		})
		return
	}
	httputils.WriteJSON(w, http.StatusOK, httputils.MaintenanceResponse{
		Success: true,
		Message: utils.Sprintf("maintenance mode ended for region %s", region),
	})
}

func parseMaintenanceRegion(w http.ResponseWriter, r *http.Request) (string, bool) {
	var reqdata httputils.MaintenanceRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("error parsing maintenance request: %s", err)
		return "", false
	}

	if !utils.StringSliceContains(config.GetEnabledRegions(), reqdata.Region) {
		http.Error(w, utils.Sprintf("Region %s is not enabled", reqdata.Region), http.StatusBadRequest)
		return "", false
	}
	return reqdata.Region, true
}

// ImageUpgradeHandler kicks off a fleet-wide image upgrade in the background
// and returns a job ID to poll.
func ImageUpgradeHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	var reqdata httputils.ImageUpgradeRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("error parsing image upgrade request: %s", err)
		return
	}

	if reqdata.CommitHash == "" || len(reqdata.RegionToAMI) == 0 {
		http.Error(w, "A commit hash and a region to AMI map are required", http.StatusBadRequest)
		return
	}
	for region := range reqdata.RegionToAMI {
		if _, ok := deps.algorithms[region]; !ok {
			http.Error(w, utils.Sprintf("Region %s is not enabled", region), http.StatusBadRequest)
			return
		}
	}

	jobID := deps.upgradeJobs.start()
	go func() {
		err := sa.UpgradeImages(context.Background(), deps.algorithms, deps.db, deps.gate, reqdata.CommitHash, reqdata.RegionToAMI)
		if err != nil {
			logger.Errorf("image upgrade job %s failed: %s", jobID, err)
		}
		deps.upgradeJobs.finish(jobID, err)
	}()

	httputils.WriteJSON(w, http.StatusAccepted, httputils.ImageUpgradeResponse{JobID: jobID})
}

// ImageUpgradeStatusHandler reports the state of an upgrade job.
func ImageUpgradeStatusHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	if err := httputils.VerifyRequestType(w, r, http.MethodGet); err != nil {
		return
	}

	jobID := r.URL.Query().Get("job_id")
	job, ok := deps.upgradeJobs.get(jobID)
	if !ok {
		http.Error(w, utils.Sprintf("No upgrade job with ID %s", jobID), http.StatusNotFound)
		return
	}

	httputils.WriteJSON(w, http.StatusOK, httputils.ImageUpgradeStatusResponse{
		State:   job.State,
		Message: job.Message,
	})
}

// InstanceHeartbeatHandler records a heartbeat from a host service. The first
// heartbeat of an instance flips it from PRE_CONNECTION to ACTIVE.
func InstanceHeartbeatHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	var reqdata httputils.InstanceHeartbeatRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("error parsing instance heartbeat request: %s", err)
		return
	}

	err := deps.db.WriteHeartbeat(r.Context(), reqdata.InstanceName, reqdata.IP)
	if err == dbdriver.ErrNotFound {
		http.Error(w, "Unknown instance", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Errorf("error writing heartbeat for instance %s: %s", reqdata.InstanceName, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// InstanceDrainCompleteHandler removes an instance's row once the host
// service finished draining and is about to shut down.
func InstanceDrainCompleteHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	var reqdata httputils.InstanceDrainCompleteRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("error parsing drain complete request: %s", err)
		return
	}

	rows, err := deps.db.DeleteInstance(r.Context(), reqdata.InstanceName)
	if err != nil {
		logger.Errorf("error deleting drained instance %s: %s", reqdata.InstanceName, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if rows == 0 {
		logger.Warningf("Received drain complete from unknown instance %s", reqdata.InstanceName)
	} else {
		logger.Infof("Deleted drained instance %s from the database.", reqdata.InstanceName)
	}
	w.WriteHeader(http.StatusOK)
}

// MandelboxStatusHandler records mandelbox lifecycle transitions reported by
// the host service. A DYING transition returns the mandelbox's slot to its
// instance atomically.
func MandelboxStatusHandler(w http.ResponseWriter, r *http.Request, deps *serverDeps) {
	if err := httputils.VerifyRequestType(w, r, http.MethodPost); err != nil {
		return
	}

	var reqdata httputils.MandelboxStatusRequest
	if err := httputils.ParseRequest(w, r, &reqdata); err != nil {
		logger.Errorf("error parsing mandelbox status request: %s", err)
		return
	}

	status := dbdriver.MandelboxStatus(reqdata.Status)
	switch status {
	case dbdriver.MandelboxStatusRunning, dbdriver.MandelboxStatusDying:
	default:
		http.Error(w, utils.Sprintf("Invalid mandelbox status %s", reqdata.Status), http.StatusBadRequest)
		return
	}

	err := deps.db.UpdateMandelboxStatus(r.Context(), reqdata.MandelboxID, status)
	if err == dbdriver.ErrNotFound {
		http.Error(w, "Unknown mandelbox", http.StatusNotFound)
		return
	}
	if err != nil {
		logger.Errorf("error updating status of mandelbox %s: %s", reqdata.MandelboxID, err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// throttleMiddleware will limit requests on the endpoint using the provided
// rate limiter. It uses a token bucket algorithm, so that every interval of
// time the "bucket" will refill and continue to serve tokens up to a maximum
// defined by the burst capacity. In case the limit is exceeded, return a
// http 429 error (too many requests).
func throttleMiddleware(limiter *rate.Limiter, f func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			http.Error(rw, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		f(rw, r)
	}
}

// StartHTTPServer registers all the webserver endpoints and starts serving in
// a background goroutine.
func StartHTTPServer(deps *serverDeps) {
	logger.Infof("Starting HTTP server...")

	createHandler := func(f func(http.ResponseWriter, *http.Request, *serverDeps)) func(http.ResponseWriter, *http.Request) {
		return func(w http.ResponseWriter, r *http.Request) {
			f(w, r, deps)
		}
	}

	// Start a new rate limiter. This will limit requests on an endpoint
	// to every `interval` with a burst of up to `burst` requests. This
	// will help mitigate Denial of Service attacks, or a client app
	// spamming too many requests.
	interval := 1 * time.Second
	burst := 10
	limiter := rate.NewLimiter(rate.Every(interval), burst)

	assignHandler := throttleMiddleware(limiter, createHandler(MandelboxAssignHandler))

	// Create a custom HTTP Request Multiplexer
	mux := http.NewServeMux()
	mux.Handle("/", http.NotFoundHandler())
	mux.HandleFunc("/mandelbox/assign", assignHandler)
	mux.HandleFunc("/mandelbox/status", createHandler(MandelboxStatusHandler))
	mux.HandleFunc("/maintenance/begin", createHandler(MaintenanceBeginHandler))
	mux.HandleFunc("/maintenance/end", createHandler(MaintenanceEndHandler))
	mux.HandleFunc("/image/upgrade", createHandler(ImageUpgradeHandler))
	mux.HandleFunc("/image/upgrade/status", createHandler(ImageUpgradeStatusHandler))
	mux.HandleFunc("/instance/heartbeat", createHandler(InstanceHeartbeatHandler))
	mux.HandleFunc("/instance/drain_complete", createHandler(InstanceDrainCompleteHandler))

	// Add timeouts to help mitigate potential rogue clients
	// or DDOS attacks.
	srv := &http.Server{
		Addr:         "0.0.0.0:8082",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		Handler:      mux,
	}

	go func() {
		logger.Error(srv.ListenAndServe())
	}()
}
