package scaling_algorithms

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/whisthq/whist/backend/webserver/config"
	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/metadata"
	"github.com/whisthq/whist/backend/webserver/types"
	"github.com/whisthq/whist/backend/webserver/utils"
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

// drainAll signals that every instance of a (region, image) pair is surplus,
// which happens once the image is no longer the region's active one.
const drainAll = math.MinInt

// scalingDelta evaluates the capacity target for the given (region, image)
// pair and returns how many instances to launch (positive) or drain
// (negative). Callers must hold the pair's registry lock.
//
//	desired free mandelboxes only apply to the active image
//	free        = sum of remaining capacity over ACTIVE matching instances
//	avg         = mean full capacity per instance, as a hysteresis band
func (s *DefaultScalingAlgorithm) scalingDelta(ctx context.Context, region string, imageID string) (int, error) {
	activeImage, err := s.DB.QueryActiveImage(ctx, region)
	if err != nil && err != dbdriver.ErrNotFound {
		return 0, utils.MakeError("failed to query active image in %s: %s", region, err)
	}

	if err == dbdriver.ErrNotFound || activeImage.ImageID != imageID {
		return drainAll, nil
	}

	allActive, err := s.DB.QueryInstancesByStatusOnRegion(ctx, dbdriver.InstanceStatusActive, region)
	if err != nil {
		return 0, utils.MakeError("failed to query active instances in %s: %s", region, err)
	}

	var (
		count         int
		free          int64
		totalCapacity int64
	)
	for _, instance := range allActive {
		if instance.ImageID != imageID {
			continue
		}
		count++
		free += instance.RemainingCapacity
		totalCapacity += instance.MandelboxCapacity
	}

	desiredFree := int64(config.GetDesiredFreeMandelboxes())
	avgCapacity := int64(defaultInstanceCapacity)
	if count > 0 {
		avgCapacity = totalCapacity / int64(count)
	}

	switch {
	case count == 0:
		return 1, nil
	case free < desiredFree:
		return 1, nil
	case free >= desiredFree+avgCapacity:
		return -1, nil
	default:
		return 0, nil
	}
}

// VerifyCapacity checks if the given region holds the desired free capacity
// on its active image, and scales up to restore it. This action is run at
// the end of the other actions.
func (s *DefaultScalingAlgorithm) VerifyCapacity(scalingCtx context.Context, event ScalingEvent) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.String("type", event.Type),
		zap.String("region", event.Region),
	}
	logger.Infow("Starting verify capacity action.", contextFields)
	defer logger.Infow("Finished verify capacity action.", contextFields)

	activeImage, err := s.DB.QueryActiveImage(scalingCtx, event.Region)
	if err == dbdriver.ErrNotFound {
		logger.Warningf("No active image in %s. Not performing any scaling actions.", event.Region)
		return nil
	}
	if err != nil {
		return utils.MakeError("failed to query active image in %s: %s", event.Region, err)
	}

	unlock := s.Registry.Lock(event.Region, activeImage.ImageID)
	defer unlock()

	delta, err := s.scalingDelta(scalingCtx, event.Region, activeImage.ImageID)
	if err != nil {
		return err
	}

	if delta <= 0 {
		logger.Infow(utils.Sprintf("Capacity in %s satisfies the desired free mandelboxes.", event.Region), contextFields)
		return nil
	}

	logger.Infow(utils.Sprintf("Scaling up %v instances in %s to satisfy minimum desired capacity.", delta, event.Region), contextFields)
	return s.ScaleUpIfNecessary(delta, scalingCtx, event, activeImage)
}

// ScaleUpIfNecessary is a scaling action that launches the received number of
// instances with the given image, registers them on the database, and waits
// for every host service to report in. Instances that launch but never
// heartbeat are terminated and removed from the database, so a partial
// failure never leaves phantom capacity behind.
func (s *DefaultScalingAlgorithm) ScaleUpIfNecessary(instancesToScale int, scalingCtx context.Context, event ScalingEvent, image dbdriver.Image) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.String("type", event.Type),
		zap.String("region", event.Region),
	}
	logger.Infow("Starting scale up action.", contextFields)
	defer logger.Infow("Finished scale up action.", contextFields)

	createdInstances, spinUpErr := s.Host.SpinUpInstances(scalingCtx, int32(instancesToScale), maxWaitTimeReady, image)

	// Register whatever actually launched, even on partial failure, so the
	// database never loses track of a running cloud instance.
	var instancesForDb []dbdriver.Instance
	for _, instance := range createdInstances {
		instance.MandelboxCapacity = capacityOf(instance.Type)
		instance.RemainingCapacity = instance.MandelboxCapacity
		instancesForDb = append(instancesForDb, instance)
	}

	if len(instancesForDb) > 0 {
		affectedRows, err := s.DB.InsertInstances(scalingCtx, instancesForDb)
		if err != nil {
			return utils.MakeError("failed to insert instances into database: %s", err)
		}
		logger.Infow(utils.Sprintf("Inserted %d rows to database.", affectedRows), contextFields)
	}

	if spinUpErr != nil {
		return utils.MakeError("failed to spin up instances: %s", spinUpErr)
	}

	if len(createdInstances) != instancesToScale {
		return utils.MakeError("could not scale up %d instances, only scaled up %d", instancesToScale, len(createdInstances))
	}

	// Wait for each new instance to report its first heartbeat. Any that stay
	// silent get terminated and deleted so the capacity accounting stays real.
	var failed []dbdriver.Instance
	for _, instance := range instancesForDb {
		err := s.Host.WaitForHeartbeat(scalingCtx, instance.Name, config.GetHeartbeatWait())
		if err != nil {
			logger.Errorw(utils.Sprintf("instance %s never reported a heartbeat: %s", instance.Name, err), contextFields)
			failed = append(failed, instance)
		}
	}

	if len(failed) == 0 {
		return nil
	}

	var failedIDs []types.CloudProviderID
	for _, instance := range failed {
		failedIDs = append(failedIDs, types.CloudProviderID(instance.CloudProviderID))
		if _, err := s.DB.DeleteInstance(scalingCtx, instance.Name); err != nil {
			logger.Errorf("failed to delete unhealthy instance %s from database: %s", instance.Name, err)
		}
	}

	if err := s.Host.SpinDownInstances(scalingCtx, failedIDs); err != nil {
		logger.Errorf("failed to terminate unhealthy instances: %s", err)
	}

	return utils.MakeError("%d of %d launched instances never became healthy", len(failed), instancesToScale)
}

// ScaleDownIfNecessary runs on every sweep and winds down surplus capacity in
// the region: it drains empty instances beyond the desired buffer, drains
// instances running stale images, and terminates instances that have been
// DRAINING for too long without shutting themselves down.
func (s *DefaultScalingAlgorithm) ScaleDownIfNecessary(scalingCtx context.Context, event ScalingEvent) error {
	contextFields := []interface{}{
		zap.String("id", event.ID),
		zap.String("type", event.Type),
		zap.String("region", event.Region),
	}
	logger.Infow("Starting scale down action.", contextFields)
	defer logger.Infow("Finished scale down action.", contextFields)

	// We want to verify if we have the desired capacity after scaling down.
	defer func() {
		err := s.VerifyCapacity(scalingCtx, event)
		if err != nil {
			logger.Errorf("error verifying capacity when scaling down: %s", err)
		}
	}()

	pairs, err := s.DB.QueryRegionImagePairs(scalingCtx)
	if err != nil {
		return utils.MakeError("failed to query region/image pairs: %s", err)
	}

	for _, pair := range pairs {
		if pair.Region != event.Region {
			continue
		}
		if err := s.scaleDownPair(scalingCtx, contextFields, pair); err != nil {
			logger.Errorf("error scaling down pair (%s, %s): %s", pair.Region, pair.ImageID, err)
		}
	}

	return s.reapLingeringInstances(scalingCtx, contextFields, event.Region)
}

// scaleDownPair drains surplus empty instances of one (region, image) pair,
// re-checking emptiness under the row lock so an assign that claimed a slot
// after the decision wins and the drain backs off.
func (s *DefaultScalingAlgorithm) scaleDownPair(scalingCtx context.Context, contextFields []interface{}, pair dbdriver.RegionImagePair) error {
	image, err := s.DB.QueryImage(scalingCtx, pair.Region, pair.ImageID)
	if err != nil && err != dbdriver.ErrNotFound {
		return utils.MakeError("failed to query image: %s", err)
	}
	if err == nil && image.Protected {
		// A protected image is a buffer being pre-warmed by an upgrade. Only
		// the upgrade coordinator may wind it down.
		logger.Infow(utils.Sprintf("Not scaling down image %s in %s because it is protected.", pair.ImageID, pair.Region), contextFields)
		return nil
	}

	unlock := s.Registry.Lock(pair.Region, pair.ImageID)
	defer unlock()

	delta, err := s.scalingDelta(scalingCtx, pair.Region, pair.ImageID)
	if err != nil {
		return err
	}

	if delta >= 0 {
		return nil
	}

	allActive, err := s.DB.QueryInstancesByStatusOnRegion(scalingCtx, dbdriver.InstanceStatusActive, pair.Region)
	if err != nil {
		return utils.MakeError("failed to query active instances: %s", err)
	}

	toDrain := len(allActive)
	if delta != drainAll {
		toDrain = -delta
	}

	var drained int
	for _, instance := range allActive {
		if drained >= toDrain {
			break
		}
		if instance.ImageID != pair.ImageID {
			continue
		}
		if instance.RemainingCapacity != instance.MandelboxCapacity {
			// Never drain an instance with running mandelboxes, regardless of
			// the image it uses.
			continue
		}

		ok, err := s.DB.DrainInstanceIfEmpty(scalingCtx, instance.Name)
		if err == dbdriver.ErrBusy {
			logger.Warningw(utils.Sprintf("Instance %s is busy, skipping drain.", instance.Name), contextFields)
			continue
		}
		if err != nil {
			return err
		}
		if !ok {
			// An assign won the race for this instance's last free slot.
			logger.Infow(utils.Sprintf("Not draining instance %s, it picked up a session.", instance.Name), contextFields)
			continue
		}

		logger.Infow(utils.Sprintf("Marked instance %s as draining.", instance.Name), contextFields)

		if err := s.Host.DrainInstance(scalingCtx, instance); err != nil {
			logger.Errorf("failed to send drain request to instance %s: %s", instance.Name, err)
		}
		drained++
	}

	return nil
}

// reapLingeringInstances terminates instances that have stayed DRAINING past
// the drain limit. This is the fallback for a host service that died before
// it could report drain completion: the cloud instance is terminated and the
// row deleted so the database and the cloud provider don't drift apart.
func (s *DefaultScalingAlgorithm) reapLingeringInstances(scalingCtx context.Context, contextFields []interface{}, region string) error {
	draining, err := s.DB.QueryInstancesByStatusOnRegion(scalingCtx, dbdriver.InstanceStatusDraining, region)
	if err != nil {
		return utils.MakeError("failed to query draining instances: %s", err)
	}

	var (
		lingering    []dbdriver.Instance
		lingeringIDs []types.CloudProviderID
	)
	now := time.Now().UnixMilli()
	for _, instance := range draining {
		if instance.RemainingCapacity != instance.MandelboxCapacity {
			logger.Warningf("Instance %s still has running mandelboxes and is marked as draining.", instance.Name)
			continue
		}
		if time.Duration(now-instance.LastHeartbeatAt)*time.Millisecond > lingeringDrainLimit {
			lingering = append(lingering, instance)
			lingeringIDs = append(lingeringIDs, types.CloudProviderID(instance.CloudProviderID))
		}
	}

	if len(lingering) == 0 {
		logger.Infow(utils.Sprintf("There are no lingering instances in %s.", region), contextFields)
		return nil
	}

	if metadata.IsLocalEnv() {
		logger.Infow("Running on localdev so not terminating lingering instances.", contextFields)
	} else {
		logger.Infow(utils.Sprintf("Terminating %d lingering instances in %s.", len(lingering), region), contextFields)

		if err := s.Host.SpinDownInstances(scalingCtx, lingeringIDs); err != nil {
			return utils.MakeError("failed to terminate lingering instances: %s", err)
		}

		if err := s.Host.WaitForInstanceTermination(scalingCtx, maxWaitTimeTerminated, lingeringIDs); err != nil {
			logger.Errorf("failed waiting for lingering instances to terminate: %s", err)
		}
	}

	var lastErr error
	for _, instance := range lingering {
		if _, err := s.DB.DeleteInstance(scalingCtx, instance.Name); err != nil {
			lastErr = utils.MakeError("failed to delete lingering instance %s from database: %s", instance.Name, err)
			logger.Error(lastErr)
		}
	}

	return lastErr
}
