package scaling_algorithms

import (
	"context"
	"math"

	"github.com/lithammer/shortuuid/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/whisthq/whist/backend/webserver/config"
	"github.com/whisthq/whist/backend/webserver/dbdriver"
	"github.com/whisthq/whist/backend/webserver/maintenance"
	"github.com/whisthq/whist/backend/webserver/utils"
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

// UpgradeImages performs a two-phase, all-or-nothing upgrade of the fleet to
// the given images. Phase one pre-warms a protected buffer of instances with
// the new image in every region in parallel; if any region fails, all buffers
// are wound down and no image pointer changes. Phase two flips the active
// image of every region in a single transaction and drains the instances
// still running old images, so users are only ever assigned to the new fleet
// from that point on.
func UpgradeImages(ctx context.Context, algorithms map[string]*DefaultScalingAlgorithm, db dbdriver.StateStore, gate *maintenance.Gate, commitHash string, regionToAMI map[string]string) error {
	contextFields := []interface{}{
		zap.String("commit_hash", commitHash),
		zap.Int("regions", len(regionToAMI)),
	}
	logger.Infow("Starting image upgrade action.", contextFields)
	defer logger.Infow("Finished image upgrade action.", contextFields)

	for region := range regionToAMI {
		if _, ok := algorithms[region]; !ok {
			return utils.MakeError("no scaling algorithm is running for region %s", region)
		}
	}

	// Register the upgrade on every affected region before touching anything.
	// A region under maintenance refuses the whole upgrade.
	registered := map[string]string{}
	deregisterAll := func() {
		for region, id := range registered {
			gate.DeregisterTask(region, id)
		}
	}
	for region := range regionToAMI {
		id := shortuuid.New()
		if !gate.RegisterTask(region, id) {
			deregisterAll()
			return utils.MakeError("refusing image upgrade: %s is in maintenance mode: %w", region, maintenance.ErrMaintenanceMode)
		}
		registered[region] = id
	}
	defer deregisterAll()

	// Phase 1: provision a protected buffer with the new image per region.
	group, groupCtx := errgroup.WithContext(ctx)
	for region, newImageID := range regionToAMI {
		region, newImageID := region, newImageID
		group.Go(func() error {
			return algorithms[region].provisionUpgradeBuffer(groupCtx, newImageID, commitHash)
		})
	}

	if err := group.Wait(); err != nil {
		logger.Errorw(utils.Sprintf("image upgrade buffer provision failed, rolling back: %s", err), contextFields)

		// Roll back every region, including the ones that succeeded: no image
		// pointer has flipped, so the new buffers are all safe to discard.
		rollbackCtx := context.Background()
		for region, newImageID := range regionToAMI {
			if rollbackErr := algorithms[region].rollbackUpgradeBuffer(rollbackCtx, newImageID); rollbackErr != nil {
				logger.Errorf("failed to roll back upgrade buffer in %s: %s", region, rollbackErr)
			}
		}

		return utils.MakeError("image upgrade failed during buffer provision: %s", err)
	}

	// Phase 2: flip every region's active image in one transaction. The swap
	// returns the old-image instances it marked DRAINING inside that same
	// transaction, so no assign can land on them afterwards.
	newImages := make([]dbdriver.Image, 0, len(regionToAMI))
	for region, newImageID := range regionToAMI {
		newImages = append(newImages, dbdriver.Image{
			Region:    region,
			ImageID:   newImageID,
			ClientSHA: commitHash,
		})
	}

	drained, err := db.SwapActiveImages(ctx, newImages)
	if err != nil {
		return utils.MakeError("failed to swap active images: %s", err)
	}

	logger.Infow(utils.Sprintf("Swapped active images, draining %d old instances.", len(drained)), contextFields)

	for _, instance := range drained {
		algorithm, ok := algorithms[instance.Region]
		if !ok {
			logger.Warningf("No scaling algorithm for region %s, cannot drain instance %s", instance.Region, instance.Name)
			continue
		}
		if err := algorithm.Host.DrainInstance(ctx, instance); err != nil {
			logger.Errorf("failed to send drain request to instance %s: %s", instance.Name, err)
		}
	}

	return nil
}

// upgradeBufferInstances converts the desired free mandelbox buffer into a
// number of instances to pre-warm with a new image.
func upgradeBufferInstances() int {
	buffer := int(math.Ceil(float64(config.GetDesiredFreeMandelboxes()) / float64(capacityOf(config.GetInstanceType()))))
	if buffer < 1 {
		buffer = 1
	}
	return buffer
}

// provisionUpgradeBuffer launches the region's upgrade buffer with the new
// image and waits for it to become healthy. The image row is inserted
// inactive and protected, so the sweep won't reclaim the buffer and no
// assign will use the image before the swap.
func (s *DefaultScalingAlgorithm) provisionUpgradeBuffer(scalingCtx context.Context, newImageID string, commitHash string) error {
	contextFields := []interface{}{
		zap.String("region", s.Region),
		zap.String("image_id", newImageID),
	}
	logger.Infow("Provisioning upgrade buffer.", contextFields)
	defer logger.Infow("Finished provisioning upgrade buffer.", contextFields)

	newImage := dbdriver.Image{
		Region:    s.Region,
		ImageID:   newImageID,
		ClientSHA: commitHash,
		Active:    false,
		Protected: true,
	}
	if err := s.DB.InsertImage(scalingCtx, newImage); err != nil {
		return utils.MakeError("failed to insert new image %s in %s: %s", newImageID, s.Region, err)
	}

	// Hold the image row for the whole provision, so another webserver
	// replica can neither swap to nor act on the half-provisioned image.
	err := s.DB.WithImageLock(scalingCtx, s.Region, newImageID, func(dbdriver.StateStore) error {
		unlock := s.Registry.Lock(s.Region, newImageID)
		defer unlock()

		event := ScalingEvent{
			ID:     shortuuid.New(),
			Type:   "IMAGE_UPGRADE_EVENT",
			Region: s.Region,
		}
		return s.ScaleUpIfNecessary(upgradeBufferInstances(), scalingCtx, event, newImage)
	})
	if err != nil {
		return utils.MakeError("failed to create upgrade buffer for image %s in %s: %s", newImageID, s.Region, err)
	}

	return nil
}

// rollbackUpgradeBuffer winds down whatever provisionUpgradeBuffer managed to
// create: the buffer instances are drained and the new image row is removed,
// leaving the region exactly as it was before the upgrade started.
func (s *DefaultScalingAlgorithm) rollbackUpgradeBuffer(scalingCtx context.Context, newImageID string) error {
	contextFields := []interface{}{
		zap.String("region", s.Region),
		zap.String("image_id", newImageID),
	}
	logger.Infow("Rolling back upgrade buffer.", contextFields)
	defer logger.Infow("Finished rolling back upgrade buffer.", contextFields)

	if err := s.DB.SetImageProtected(scalingCtx, s.Region, newImageID, false); err != nil && err != dbdriver.ErrNotFound {
		return utils.MakeError("failed to unprotect image %s in %s: %s", newImageID, s.Region, err)
	}

	bufferInstances, err := s.DB.QueryInstancesByImageOnRegion(scalingCtx, newImageID, s.Region)
	if err != nil {
		return utils.MakeError("failed to query buffer instances for image %s in %s: %s", newImageID, s.Region, err)
	}

	for _, instance := range bufferInstances {
		if instance.Status == dbdriver.InstanceStatusDraining {
			continue
		}
		if _, err := s.DB.UpdateInstanceStatus(scalingCtx, instance.Name, dbdriver.InstanceStatusDraining); err != nil {
			logger.Errorf("failed to mark buffer instance %s as draining: %s", instance.Name, err)
			continue
		}
		if err := s.Host.DrainInstance(scalingCtx, instance); err != nil {
			logger.Errorf("failed to send drain request to buffer instance %s: %s", instance.Name, err)
		}
	}

	if err := s.DB.DeleteImage(scalingCtx, s.Region, newImageID); err != nil {
		return utils.MakeError("failed to delete image %s in %s: %s", newImageID, s.Region, err)
	}

	return nil
}
