package dbdriver // import "github.com/whisthq/whist/backend/webserver/dbdriver"

import (
	"context"
	"time"

	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/webserver/utils"
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

const instanceColumns = `instance_name, region, image_id, client_sha, cloud_provider_id,
	ip_address, instance_type, remaining_capacity, mandelbox_capacity, status, created_at, last_heartbeat_at`

func scanInstance(row pgx.Row) (Instance, error) {
	var instance Instance
	err := row.Scan(
		&instance.Name,
		&instance.Region,
		&instance.ImageID,
		&instance.ClientSHA,
		&instance.CloudProviderID,
		&instance.IPAddress,
		&instance.Type,
		&instance.RemainingCapacity,
		&instance.MandelboxCapacity,
		&instance.Status,
		&instance.CreatedAt,
		&instance.LastHeartbeatAt,
	)
	return instance, err
}

func collectInstances(rows pgx.Rows) ([]Instance, error) {
	defer rows.Close()

	var instances []Instance
	for rows.Next() {
		instance, err := scanInstance(rows)
		if err != nil {
			return nil, utils.MakeError("failed to scan instance row: %s", err)
		}
		instances = append(instances, instance)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.MakeError("failed reading instance rows: %s", err)
	}

	return instances, nil
}

// ClaimFreeInstance finds an ACTIVE instance on the given region running the
// given commit hash with free capacity, and atomically decrements its
// remaining capacity. The candidate row is locked with SKIP LOCKED so
// concurrent assigns never race for the same slot, and the fullest instance
// is preferred to pack sessions tightly.
//
// Returns ErrNotFound when no instance has capacity, or ErrBusy when every
// candidate row stayed locked past the lock timeout.
func (d *DBDriver) ClaimFreeInstance(ctx context.Context, region string, commitHash string) (Instance, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return Instance{}, err
	}
	defer tx.Rollback(ctx)

	query := `
	UPDATE whist.instances
	SET remaining_capacity = remaining_capacity - 1
	WHERE instance_name = (
		SELECT instance_name FROM whist.instances
		WHERE region = $1
			AND client_sha = $2
			AND status = $3
			AND remaining_capacity > 0
		ORDER BY remaining_capacity ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING ` + instanceColumns

	instance, err := scanInstance(tx.QueryRow(ctx, query, region, commitHash, InstanceStatusActive))
	if err != nil {
		if err == pgx.ErrNoRows {
			return Instance{}, ErrNotFound
		}
		if isLockTimeout(err) {
			return Instance{}, ErrBusy
		}
		return Instance{}, utils.MakeError("failed to claim instance on %s: %s", region, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Instance{}, utils.MakeError("failed to commit instance claim: %s", err)
	}

	return instance, nil
}

// QueryInstance returns the instance with the given name, or ErrNotFound.
func (d *DBDriver) QueryInstance(ctx context.Context, name string) (Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM whist.instances WHERE instance_name = $1`
	instance, err := scanInstance(d.q.QueryRow(ctx, query, name))
	if err != nil {
		if err == pgx.ErrNoRows {
			return Instance{}, ErrNotFound
		}
		return Instance{}, utils.MakeError("failed to query instance %s: %s", name, err)
	}
	return instance, nil
}

// QueryInstancesByStatusOnRegion returns all instances on the given region
// with the given status.
func (d *DBDriver) QueryInstancesByStatusOnRegion(ctx context.Context, status InstanceStatus, region string) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM whist.instances WHERE status = $1 AND region = $2`
	rows, err := d.q.Query(ctx, query, status, region)
	if err != nil {
		return nil, utils.MakeError("failed to query %s instances on %s: %s", status, region, err)
	}
	return collectInstances(rows)
}

// QueryInstancesByImageOnRegion returns all instances on the given region
// running the given image.
func (d *DBDriver) QueryInstancesByImageOnRegion(ctx context.Context, imageID string, region string) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM whist.instances WHERE image_id = $1 AND region = $2`
	rows, err := d.q.Query(ctx, query, imageID, region)
	if err != nil {
		return nil, utils.MakeError("failed to query instances for image %s on %s: %s", imageID, region, err)
	}
	return collectInstances(rows)
}

// QueryRegionImagePairs returns every distinct (region, image) pair that has
// at least one non-draining instance or an active image entry. The scaling
// sweep walks this set.
func (d *DBDriver) QueryRegionImagePairs(ctx context.Context) ([]RegionImagePair, error) {
	query := `
	SELECT region, image_id FROM whist.instances WHERE status != $1
	UNION
	SELECT region, image_id FROM whist.images WHERE active`
	rows, err := d.q.Query(ctx, query, InstanceStatusDraining)
	if err != nil {
		return nil, utils.MakeError("failed to query region/image pairs: %s", err)
	}
	defer rows.Close()

	var pairs []RegionImagePair
	for rows.Next() {
		var pair RegionImagePair
		if err := rows.Scan(&pair.Region, &pair.ImageID); err != nil {
			return nil, utils.MakeError("failed to scan region/image pair: %s", err)
		}
		pairs = append(pairs, pair)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.MakeError("failed reading region/image pairs: %s", err)
	}

	return pairs, nil
}

// ListRunningInstances returns all ACTIVE and PRE_CONNECTION instances not
// running one of the excluded images. The upgrade coordinator uses this to
// find stale-image instances that need draining.
func (d *DBDriver) ListRunningInstances(ctx context.Context, excludedImages []string) ([]Instance, error) {
	query := `SELECT ` + instanceColumns + `
	FROM whist.instances
	WHERE status != $1 AND NOT (image_id = ANY($2))`
	rows, err := d.q.Query(ctx, query, InstanceStatusDraining, excludedImages)
	if err != nil {
		return nil, utils.MakeError("failed to query running instances: %s", err)
	}
	return collectInstances(rows)
}

// InsertInstances adds the given instances to the database, and returns the
// number of inserted rows.
func (d *DBDriver) InsertInstances(ctx context.Context, instances []Instance) (int, error) {
	inserted := 0
	for _, instance := range instances {
		query := `
		INSERT INTO whist.instances (` + instanceColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
		tag, err := d.q.Exec(ctx, query,
			instance.Name,
			instance.Region,
			instance.ImageID,
			instance.ClientSHA,
			instance.CloudProviderID,
			instance.IPAddress,
			instance.Type,
			instance.RemainingCapacity,
			instance.MandelboxCapacity,
			instance.Status,
			instance.CreatedAt,
			instance.LastHeartbeatAt,
		)
		if err != nil {
			return inserted, utils.MakeError("failed to insert instance %s: %s", instance.Name, err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// UpdateInstanceStatus sets the status of the named instance, returning the
// number of affected rows.
func (d *DBDriver) UpdateInstanceStatus(ctx context.Context, name string, status InstanceStatus) (int, error) {
	tag, err := d.q.Exec(ctx, `UPDATE whist.instances SET status = $1 WHERE instance_name = $2`, status, name)
	if err != nil {
		return 0, utils.MakeError("failed to update status of instance %s: %s", name, err)
	}
	return int(tag.RowsAffected()), nil
}

// DeleteInstance removes the instance row and, transitively, its mandelbox
// rows. Returns the number of deleted instance rows.
func (d *DBDriver) DeleteInstance(ctx context.Context, name string) (int, error) {
	tag, err := d.q.Exec(ctx, `DELETE FROM whist.instances WHERE instance_name = $1`, name)
	if err != nil {
		return 0, utils.MakeError("failed to delete instance %s: %s", name, err)
	}
	return int(tag.RowsAffected()), nil
}

// DrainInstanceIfEmpty marks the named instance DRAINING, but only if it still
// has its full capacity free at the moment the row lock is held. This is the
// check-then-act half of scale-down: between choosing a victim and draining
// it, an assign may have claimed a slot, in which case we back off and report
// false.
func (d *DBDriver) DrainInstanceIfEmpty(ctx context.Context, name string) (bool, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	query := `
	UPDATE whist.instances
	SET status = $1
	WHERE instance_name = (
		SELECT instance_name FROM whist.instances
		WHERE instance_name = $2
			AND remaining_capacity = mandelbox_capacity
		FOR UPDATE
		LIMIT 1
	)`
	tag, err := tx.Exec(ctx, query, InstanceStatusDraining, name)
	if err != nil {
		if isLockTimeout(err) {
			return false, ErrBusy
		}
		return false, utils.MakeError("failed to drain instance %s: %s", name, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, utils.MakeError("failed to commit drain of instance %s: %s", name, err)
	}

	return tag.RowsAffected() == 1, nil
}

// WriteHeartbeat records a heartbeat from the host service on the named
// instance, flipping it from PRE_CONNECTION to ACTIVE on the first one.
func (d *DBDriver) WriteHeartbeat(ctx context.Context, name string, ip string) error {
	now := time.Now().UnixMilli()
	query := `
	UPDATE whist.instances
	SET last_heartbeat_at = $1,
		ip_address = CASE WHEN $2 != '' THEN $2 ELSE ip_address END,
		status = CASE WHEN status = $3 THEN $4 ELSE status END
	WHERE instance_name = $5`
	tag, err := d.q.Exec(ctx, query, now, ip, InstanceStatusPreConnection, InstanceStatusActive, name)
	if err != nil {
		return utils.MakeError("failed to write heartbeat for instance %s: %s", name, err)
	}
	if tag.RowsAffected() == 0 {
		logger.Warningf("Received heartbeat from unknown instance %s", name)
		return ErrNotFound
	}
	return nil
}
