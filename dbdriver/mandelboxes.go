package dbdriver // import "github.com/whisthq/whist/backend/webserver/dbdriver"

import (
	"context"

	"github.com/jackc/pgtype"
	"github.com/whisthq/whist/backend/webserver/types"
	"github.com/whisthq/whist/backend/webserver/utils"
)

const mandelboxColumns = `id, instance_name, user_id, session_id, status, created_at`

// mandelboxUUID adapts a MandelboxID to the uuid codec pgx registers.
func mandelboxUUID(id types.MandelboxID) pgtype.UUID {
	return pgtype.UUID{Bytes: [16]byte(id), Status: pgtype.Present}
}

// InsertMandelbox records a newly assigned mandelbox.
func (d *DBDriver) InsertMandelbox(ctx context.Context, mandelbox Mandelbox) error {
	query := `
	INSERT INTO whist.mandelboxes (` + mandelboxColumns + `)
	VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := d.q.Exec(ctx, query,
		mandelboxUUID(mandelbox.ID),
		mandelbox.InstanceName,
		mandelbox.UserID,
		mandelbox.SessionID,
		mandelbox.Status,
		mandelbox.CreatedAt,
	)
	if err != nil {
		return utils.MakeError("failed to insert mandelbox %s: %s", mandelbox.ID, err)
	}
	return nil
}

// UpdateMandelboxStatus sets the status of the given mandelbox. A transition
// to DYING returns the session's capacity slot to its instance in the same
// transaction, so instance capacity accounting never drifts from the set of
// live mandelboxes.
func (d *DBDriver) UpdateMandelboxStatus(ctx context.Context, id types.MandelboxID, status MandelboxStatus) error {
	if status != MandelboxStatusDying {
		tag, err := d.q.Exec(ctx, `UPDATE whist.mandelboxes SET status = $1 WHERE id = $2`, status, mandelboxUUID(id))
		if err != nil {
			return utils.MakeError("failed to update status of mandelbox %s: %s", id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	}

	tx, err := d.begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var instanceName string
	query := `
	UPDATE whist.mandelboxes
	SET status = $1
	WHERE id = $2 AND status != $1
	RETURNING instance_name`
	err = tx.QueryRow(ctx, query, MandelboxStatusDying, mandelboxUUID(id)).Scan(&instanceName)
	if err != nil {
		// Either the mandelbox doesn't exist or it is already DYING; in both
		// cases the slot must not be returned twice.
		return ErrNotFound
	}

	query = `
	UPDATE whist.instances
	SET remaining_capacity = remaining_capacity + 1
	WHERE instance_name = $1 AND remaining_capacity < mandelbox_capacity`
	_, err = tx.Exec(ctx, query, instanceName)
	if err != nil {
		return utils.MakeError("failed to return capacity to instance %s: %s", instanceName, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return utils.MakeError("failed to commit status update of mandelbox %s: %s", id, err)
	}

	return nil
}

// QueryMandelboxesByUser returns all non-DYING mandelboxes owned by the given
// user. The assign handler uses this to enforce one session per user.
func (d *DBDriver) QueryMandelboxesByUser(ctx context.Context, userID types.UserID) ([]Mandelbox, error) {
	query := `SELECT ` + mandelboxColumns + ` FROM whist.mandelboxes WHERE user_id = $1 AND status != $2`
	rows, err := d.q.Query(ctx, query, userID, MandelboxStatusDying)
	if err != nil {
		return nil, utils.MakeError("failed to query mandelboxes of user %s: %s", userID, err)
	}
	defer rows.Close()

	var mandelboxes []Mandelbox
	for rows.Next() {
		var (
			mandelbox Mandelbox
			id        pgtype.UUID
		)
		err := rows.Scan(
			&id,
			&mandelbox.InstanceName,
			&mandelbox.UserID,
			&mandelbox.SessionID,
			&mandelbox.Status,
			&mandelbox.CreatedAt,
		)
		if err != nil {
			return nil, utils.MakeError("failed to scan mandelbox row: %s", err)
		}
		mandelbox.ID = types.MandelboxID(id.Bytes)
		mandelboxes = append(mandelboxes, mandelbox)
	}
	if err := rows.Err(); err != nil {
		return nil, utils.MakeError("failed reading mandelbox rows: %s", err)
	}

	return mandelboxes, nil
}
