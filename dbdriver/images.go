package dbdriver // import "github.com/whisthq/whist/backend/webserver/dbdriver"

import (
	"context"

	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/webserver/utils"
)

const imageColumns = `region, image_id, client_sha, active, protected`

func scanImage(row pgx.Row) (Image, error) {
	var image Image
	err := row.Scan(&image.Region, &image.ImageID, &image.ClientSHA, &image.Active, &image.Protected)
	return image, err
}

// QueryActiveImage returns the image new instances on the given region should
// launch with, or ErrNotFound if the region has never been seeded.
func (d *DBDriver) QueryActiveImage(ctx context.Context, region string) (Image, error) {
	query := `SELECT ` + imageColumns + ` FROM whist.images WHERE region = $1 AND active`
	image, err := scanImage(d.q.QueryRow(ctx, query, region))
	if err != nil {
		if err == pgx.ErrNoRows {
			return Image{}, ErrNotFound
		}
		return Image{}, utils.MakeError("failed to query active image on %s: %s", region, err)
	}
	return image, nil
}

// QueryImage returns the image row for the given region and image ID.
func (d *DBDriver) QueryImage(ctx context.Context, region string, imageID string) (Image, error) {
	query := `SELECT ` + imageColumns + ` FROM whist.images WHERE region = $1 AND image_id = $2`
	image, err := scanImage(d.q.QueryRow(ctx, query, region, imageID))
	if err != nil {
		if err == pgx.ErrNoRows {
			return Image{}, ErrNotFound
		}
		return Image{}, utils.MakeError("failed to query image %s on %s: %s", imageID, region, err)
	}
	return image, nil
}

// InsertImage upserts the given image row.
func (d *DBDriver) InsertImage(ctx context.Context, image Image) error {
	query := `
	INSERT INTO whist.images (` + imageColumns + `)
	VALUES ($1, $2, $3, $4, $5)
	ON CONFLICT (region, image_id) DO UPDATE
	SET client_sha = EXCLUDED.client_sha,
		active = EXCLUDED.active,
		protected = EXCLUDED.protected`
	_, err := d.q.Exec(ctx, query, image.Region, image.ImageID, image.ClientSHA, image.Active, image.Protected)
	if err != nil {
		return utils.MakeError("failed to insert image %s on %s: %s", image.ImageID, image.Region, err)
	}
	return nil
}

// SetImageProtected flips the protection flag on the given image. Protected
// images never get their instances drained by the scaling sweep, so an
// in-flight upgrade can pre-warm instances on the new image without the
// autoscaler reclaiming them.
func (d *DBDriver) SetImageProtected(ctx context.Context, region string, imageID string, protected bool) error {
	tag, err := d.q.Exec(ctx,
		`UPDATE whist.images SET protected = $1 WHERE region = $2 AND image_id = $3`,
		protected, region, imageID)
	if err != nil {
		return utils.MakeError("failed to set protection of image %s on %s: %s", imageID, region, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteImage removes the given image row.
func (d *DBDriver) DeleteImage(ctx context.Context, region string, imageID string) error {
	_, err := d.q.Exec(ctx, `DELETE FROM whist.images WHERE region = $1 AND image_id = $2`, region, imageID)
	if err != nil {
		return utils.MakeError("failed to delete image %s on %s: %s", imageID, region, err)
	}
	return nil
}

// SwapActiveImages atomically makes the given images the active ones on their
// regions and marks all running instances on any other image DRAINING, in a
// single transaction. It returns the instances it drained so the caller can
// wind down the underlying cloud instances once their sessions end.
//
// Because the pointer flip and the drain happen in one transaction, no assign
// can ever claim a stale-image instance after the new images become active.
func (d *DBDriver) SwapActiveImages(ctx context.Context, newImages []Image) ([]Instance, error) {
	tx, err := d.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	newImageIDs := make([]string, 0, len(newImages))
	for _, image := range newImages {
		newImageIDs = append(newImageIDs, image.ImageID)

		_, err := tx.Exec(ctx, `UPDATE whist.images SET active = false WHERE region = $1 AND active`, image.Region)
		if err != nil {
			return nil, utils.MakeError("failed to deactivate previous image on %s: %s", image.Region, err)
		}

		query := `
		INSERT INTO whist.images (` + imageColumns + `)
		VALUES ($1, $2, $3, true, false)
		ON CONFLICT (region, image_id) DO UPDATE
		SET client_sha = EXCLUDED.client_sha, active = true, protected = false`
		_, err = tx.Exec(ctx, query, image.Region, image.ImageID, image.ClientSHA)
		if err != nil {
			return nil, utils.MakeError("failed to activate image %s on %s: %s", image.ImageID, image.Region, err)
		}
	}

	// Lock and drain every running instance still on a stale image. Locking
	// the rows first means any concurrent claim either finished before us (and
	// its instance drains only once empty) or blocks until the flip commits
	// and then sees no free capacity on the old image.
	query := `
	UPDATE whist.instances
	SET status = $1
	WHERE instance_name IN (
		SELECT instance_name FROM whist.instances
		WHERE status != $1 AND NOT (image_id = ANY($2))
		FOR UPDATE
	)
	RETURNING ` + instanceColumns
	rows, err := tx.Query(ctx, query, InstanceStatusDraining, newImageIDs)
	if err != nil {
		if isLockTimeout(err) {
			return nil, ErrBusy
		}
		return nil, utils.MakeError("failed to drain stale-image instances: %s", err)
	}

	drained, err := collectInstances(rows)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, utils.MakeError("failed to commit active image swap: %s", err)
	}

	return drained, nil
}

// WithImageLock runs fn while holding a row lock on the given image, so that
// the scaling sweep and the upgrade coordinator never act on the same
// (region, image) pair at once across webserver replicas. The store handed to
// fn runs inside the locking transaction; the lock is released when fn
// returns and the transaction commits or rolls back.
func (d *DBDriver) WithImageLock(ctx context.Context, region string, imageID string, fn func(store StateStore) error) error {
	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx,
		`SELECT image_id FROM whist.images WHERE region = $1 AND image_id = $2 FOR UPDATE`,
		region, imageID).Scan(&locked)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if isLockTimeout(err) {
			return ErrBusy
		}
		return utils.MakeError("failed to lock image %s on %s: %s", imageID, region, err)
	}

	if err := fn(d.txDriver(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return utils.MakeError("failed to commit locked image operation: %s", err)
	}

	return nil
}
