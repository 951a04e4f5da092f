package scaling_algorithms

import (
	"context"

	"github.com/google/uuid"
	hashicorp "github.com/hashicorp/go-version"
	"github.com/lithammer/shortuuid/v3"
	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/webserver/config"
	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/httputils"
	"github.com/whisthq/whist/backend/webserver/maintenance"
	"github.com/whisthq/whist/backend/webserver/metadata"
	"github.com/whisthq/whist/backend/webserver/types"
	"github.com/whisthq/whist/backend/webserver/utils"
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

// The number of elements to truncate a slice of regions to. Used when logging
// unavailable region errors.
const truncateTo = 3

// MandelboxAssign is the action responsible for assigning an instance to a
// user, and scaling as necessary to satisfy demand.
func (s *DefaultScalingAlgorithm) MandelboxAssign(scalingCtx context.Context, event ScalingEvent) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.String("type", event.Type),
		zap.String("scaling_region", event.Region),
	}
	logger.Infow("Starting mandelbox assign action.", contextFields)
	defer logger.Infow("Finished mandelbox assign action.", contextFields)

	mandelboxRequest := event.Data.(*httputils.MandelboxAssignRequest)

	// This is necessary so that the request is always closed
	// when encountering an error in the scaling action.
	var serviceUnavailable bool = true
	defer func() {
		if serviceUnavailable {
			mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
				IP:          "None",
				MandelboxID: "None",
				Error:       SERVICE_UNAVAILABLE,
			}, nil)
		}
	}()

	// Note: we receive the email from the client, so its value should not be
	// trusted for anything else other than logging since it can be spoofed.
	unsafeEmail := utils.SanitizeEmail(mandelboxRequest.UserEmail)
	contextFields = append(contextFields, zap.String("user", unsafeEmail))

	// Populate availableRegions with the requested regions that are enabled,
	// keeping the request's proximity ordering.
	var (
		requestedRegions   = mandelboxRequest.Regions
		availableRegions   []string
		unavailableRegions []string
	)
	for _, requestedRegion := range requestedRegions {
		if utils.StringSliceContains(config.GetEnabledRegions(), requestedRegion) {
			availableRegions = append(availableRegions, requestedRegion)
		} else {
			unavailableRegions = append(unavailableRegions, requestedRegion)
		}
	}

	// The user requested access to only unavailable regions. This means the
	// user is far from any of the available regions, and the frontend should
	// handle that accordingly.
	if len(availableRegions) == 0 {
		serviceUnavailable = false
		err := utils.MakeError("user %s requested access to only unavailable regions: %s", unsafeEmail, utils.PrintSlice(unavailableRegions, truncateTo))
		mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
			IP:          "None",
			MandelboxID: "None",
			Error:       REGION_NOT_ENABLED,
		}, err)
		return err
	}

	if len(unavailableRegions) != 0 {
		logger.Warningf("User %s requested access to the following unavailable regions: %s", unsafeEmail, utils.PrintSlice(unavailableRegions, truncateTo))
	}

	primaryRegion := availableRegions[0]

	// Refuse the whole request while the primary region is under maintenance.
	taskID := shortuuid.New()
	if !s.Gate.RegisterTask(primaryRegion, taskID) {
		serviceUnavailable = false
		err := utils.MakeError("refusing assign for user %s, %s is in maintenance mode", unsafeEmail, primaryRegion)
		mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
			IP:          "None",
			MandelboxID: "None",
			Error:       SERVICE_IN_MAINTENANCE,
		}, err)
		return err
	}
	defer s.Gate.DeregisterTask(primaryRegion, taskID)

	// Optional policy: one session per user.
	if config.GetCareAboutActive() {
		active, err := s.DB.QueryMandelboxesByUser(scalingCtx, mandelboxRequest.UserID)
		if err != nil {
			return utils.MakeError("failed to query mandelboxes of user %s: %s", mandelboxRequest.UserID, err)
		}
		if len(active) > 0 {
			serviceUnavailable = false
			err := utils.MakeError("user %s already has mandelboxes allocated or running, so not assigning more mandelboxes", unsafeEmail)
			mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
				IP:          "None",
				MandelboxID: "None",
				Error:       USER_ALREADY_ACTIVE,
			}, err)
			return err
		}
	}

	primaryImage, err := s.DB.QueryActiveImage(scalingCtx, primaryRegion)
	if err == dbdriver.ErrNotFound {
		serviceUnavailable = false
		err := utils.MakeError("no active image in %s, cannot assign user %s", primaryRegion, unsafeEmail)
		mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
			IP:          "None",
			MandelboxID: "None",
			Error:       REGION_NOT_ENABLED,
		}, err)
		return err
	}
	if err != nil {
		return utils.MakeError("failed to query active image in %s: %s", primaryRegion, err)
	}

	// This condition accommodates the workflow for developers of the frontend
	// to test their changes without needing to update the development database
	// with commit hashes on their local machines.
	if metadata.GetAppEnvironment() != metadata.EnvProd &&
		(metadata.IsLocalEnv() || mandelboxRequest.CommitHash == config.GetDevCommitHashSentinel()) {
		mandelboxRequest.CommitHash = primaryImage.ClientSHA
	}

	// Claim a slot on the primary region first, then on its bundled
	// neighboring regions, then on the remaining requested regions.
	candidateRegions := availableRegions[:1:1]
	for _, bundled := range config.GetBundledRegions(primaryRegion) {
		if utils.StringSliceContains(config.GetEnabledRegions(), bundled) &&
			!utils.StringSliceContains(candidateRegions, bundled) {
			candidateRegions = append(candidateRegions, bundled)
		}
	}
	for _, region := range availableRegions[1:] {
		if !utils.StringSliceContains(candidateRegions, region) {
			candidateRegions = append(candidateRegions, region)
		}
	}

	var (
		assignedInstance dbdriver.Instance
		instanceFound    bool
	)
	for i, region := range candidateRegions {
		assignContext := append(contextFields, zap.String("assign_region", region))

		logger.Infow(utils.Sprintf("Trying to find instance in region %s with commit hash %s", region, mandelboxRequest.CommitHash), assignContext)

		instance, err := s.DB.ClaimFreeInstance(scalingCtx, region, mandelboxRequest.CommitHash)
		switch err {
		case nil:
			assignedInstance = instance
			instanceFound = true
		case dbdriver.ErrNotFound:
			logger.Warningw(utils.Sprintf("Failed to find any instances with capacity in %s. Trying on next region", region), assignContext)
			continue
		case dbdriver.ErrBusy:
			logger.Warningw(utils.Sprintf("All candidate instances in %s are locked. Trying on next region", region), assignContext)
			continue
		default:
			return utils.MakeError("failed to claim instance in %s: %s", region, err)
		}

		// If the index of the region we assigned is not the first, the user
		// was not assigned to the closest requested region (the slice is
		// sorted by proximity).
		if i > 0 {
			logger.Warningw(utils.Sprintf("Assigned user to %s instead of primary region %s", region, primaryRegion), assignContext)
		}
		contextFields = assignContext
		break
	}

	if !instanceFound {
		serviceUnavailable = false

		// Relieve the shortage for the next request, whether the failure was
		// real lack of capacity or a commit hash mismatch.
		s.dispatchCapacityCheck(event)

		errorCode := COULD_NOT_FIND_INSTANCE
		if s.capacityExistsForOtherHash(scalingCtx, candidateRegions, mandelboxRequest) {
			errorCode = COMMIT_HASH_NOT_FOUND
		}

		err := utils.MakeError("did not find an instance for user %s with commit hash %s", unsafeEmail, mandelboxRequest.CommitHash)
		mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
			IP:          "None",
			MandelboxID: "None",
			Error:       errorCode,
		}, err)
		return err
	}

	mandelboxID := types.MandelboxID(uuid.New())
	err = s.DB.InsertMandelbox(scalingCtx, dbdriver.Mandelbox{
		ID:           mandelboxID,
		InstanceName: assignedInstance.Name,
		UserID:       mandelboxRequest.UserID,
		SessionID:    types.SessionID(mandelboxRequest.SessionID),
		Status:       dbdriver.MandelboxStatusAllocated,
	})
	if err != nil {
		return utils.MakeError("failed to insert mandelbox to database: %s", err)
	}

	logger.Infow(utils.Sprintf("Assigned mandelbox %s on instance %s.", mandelboxID, assignedInstance.Name), contextFields)

	// Replenish the buffer the claim just consumed.
	s.dispatchCapacityCheck(event)

	serviceUnavailable = false
	mandelboxRequest.ReturnResult(httputils.MandelboxAssignRequestResult{
		IP:          assignedInstance.IPAddress,
		MandelboxID: mandelboxID.String(),
	}, nil)

	return nil
}

// dispatchCapacityCheck fires a capacity verification for the event's region
// without holding up the assign response. The check is subject to the
// maintenance gate.
func (s *DefaultScalingAlgorithm) dispatchCapacityCheck(event ScalingEvent) {
	go func() {
		scalingCtx, scalingCancel := context.WithCancel(context.Background())
		defer scalingCancel()

		err := s.Gate.TrackTask(event.Region, func() error {
			return s.VerifyCapacity(scalingCtx, event)
		})
		if err == maintenance.ErrMaintenanceMode {
			logger.Infof("Skipping capacity check on %s, maintenance is in progress.", event.Region)
		} else if err != nil {
			logger.Errorf("error verifying capacity after assign on %s: %s", event.Region, err)
		}
	}()
}

// capacityExistsForOtherHash reports whether any of the candidate regions
// has free slots that only failed to match because of the commit hash, which
// points at an out-of-date frontend rather than a capacity shortage. The
// regions are the same ones the claim loop tried. The frontend version
// comparison decides how loudly to log it.
func (s *DefaultScalingAlgorithm) capacityExistsForOtherHash(scalingCtx context.Context, regions []string, mandelboxRequest *httputils.MandelboxAssignRequest) bool {
	var regionWithCapacity string
	for _, region := range regions {
		allActive, err := s.DB.QueryInstancesByStatusOnRegion(scalingCtx, dbdriver.InstanceStatusActive, region)
		if err != nil {
			logger.Errorf("failed to query active instances in %s: %s", region, err)
			continue
		}

		for _, instance := range allActive {
			if instance.RemainingCapacity > 0 {
				regionWithCapacity = region
				break
			}
		}
		if regionWithCapacity != "" {
			break
		}
	}
	if regionWithCapacity == "" {
		return false
	}

	// Compare the request version against the one we keep locally. If the
	// request's is older, the mismatch is expected and not worth alerting on.
	var isOutdatedFrontend bool
	parsedFrontendVersion, err := hashicorp.NewVersion(config.GetFrontendVersion())
	if err != nil {
		logger.Errorf("failed parsing frontend version from config: %s", err)
	}
	if mandelboxRequest.Version == "" {
		logger.Warningf("Request version is empty, this is caused by frontend testing and development.")
	} else {
		parsedRequestVersion, err := hashicorp.NewVersion(mandelboxRequest.Version)
		if err != nil {
			logger.Errorf("failed parsing frontend version from request: %s", err)
		}
		if parsedFrontendVersion != nil && parsedRequestVersion != nil {
			isOutdatedFrontend = parsedRequestVersion.LessThan(parsedFrontendVersion)
		}
	}

	// We only update the full version on the config when deploying to prod,
	// so the mismatch is only a real error there.
	if metadata.GetAppEnvironment() == metadata.EnvProd && !isOutdatedFrontend {
		logger.Errorf("found capacity in %s but no instance with commit hash %s", regionWithCapacity, mandelboxRequest.CommitHash)
	}

	return true
}
