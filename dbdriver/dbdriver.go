// Copyright (c) 2021-2022 Whist Technologies, Inc.

/*
Package dbdriver abstracts all interactions with the database for the
webserver. It defines an interface so any consumers of this package can
perform query, update and delete operations without having to use the
Postgres client directly, and so that the scaling actions can be tested
against a mock store.

All capacity accounting goes through single-statement, row-locked updates so
that concurrent assigners can never observe the same candidate instance.
*/
package dbdriver // import "github.com/whisthq/whist/backend/webserver/dbdriver"

import (
	"context"
	"os"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/whisthq/whist/backend/webserver/config"
	"github.com/whisthq/whist/backend/webserver/metadata"
	"github.com/whisthq/whist/backend/webserver/types"
	"github.com/whisthq/whist/backend/webserver/utils"
	logger "github.com/whisthq/whist/backend/webserver/whistlogger"
)

// StateStore is an interface that abstracts all interactions with the
// database. It includes query, insert, update and delete methods for the
// `whist.instances`, `whist.images` and `whist.mandelboxes` tables. By
// abstracting the methods we can easily test and mock the scaling algorithm
// actions.
type StateStore interface {
	// Instances
	ClaimFreeInstance(ctx context.Context, region string, commitHash string) (Instance, error)
	QueryInstance(ctx context.Context, name string) (Instance, error)
	QueryInstancesByStatusOnRegion(ctx context.Context, status InstanceStatus, region string) ([]Instance, error)
	QueryInstancesByImageOnRegion(ctx context.Context, imageID string, region string) ([]Instance, error)
	QueryRegionImagePairs(ctx context.Context) ([]RegionImagePair, error)
	ListRunningInstances(ctx context.Context, excludedImages []string) ([]Instance, error)
	InsertInstances(ctx context.Context, instances []Instance) (int, error)
	UpdateInstanceStatus(ctx context.Context, name string, status InstanceStatus) (int, error)
	DeleteInstance(ctx context.Context, name string) (int, error)
	DrainInstanceIfEmpty(ctx context.Context, name string) (bool, error)
	WriteHeartbeat(ctx context.Context, name string, ip string) error

	// Images
	QueryActiveImage(ctx context.Context, region string) (Image, error)
	QueryImage(ctx context.Context, region string, imageID string) (Image, error)
	InsertImage(ctx context.Context, image Image) error
	SetImageProtected(ctx context.Context, region string, imageID string, protected bool) error
	DeleteImage(ctx context.Context, region string, imageID string) error
	SwapActiveImages(ctx context.Context, newImages []Image) ([]Instance, error)
	WithImageLock(ctx context.Context, region string, imageID string, fn func(store StateStore) error) error

	// Mandelboxes
	InsertMandelbox(ctx context.Context, mandelbox Mandelbox) error
	UpdateMandelboxStatus(ctx context.Context, id types.MandelboxID, status MandelboxStatus) error
	QueryMandelboxesByUser(ctx context.Context, userID types.UserID) ([]Mandelbox, error)
}

// queryRunner is the subset of pgx methods shared by *pgxpool.Pool and
// pgx.Tx, so that every DBDriver method can run either on the pool or inside
// a caller's transaction.
type queryRunner interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// DBDriver implements StateStore on a Postgres database. It is the default
// state store used by the scaling algorithms.
type DBDriver struct {
	pool *pgxpool.Pool
	// q is the pool by default, or a transaction for the tx-scoped drivers
	// handed to WithImageLock callbacks.
	q queryRunner
}

// Whist database connection strings

const localDevDatabaseURL = "user=postgres host=localhost port=5432 dbname=postgres password=whistpass"

func getWhistDBConnString() (string, error) {
	if metadata.IsLocalEnv() {
		return localDevDatabaseURL, nil
	}

	result := os.Getenv("DATABASE_URL")
	if result == "" {
		return "", utils.MakeError("couldn't get DB connection string: DATABASE_URL is not set")
	}

	return result, nil
}

// Initialize creates the connection pool to the database. It should be called
// once, early in main().
func Initialize(ctx context.Context) (*DBDriver, error) {
	connStr, err := getWhistDBConnString()
	if err != nil {
		return nil, err
	}

	pgxConfig, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, utils.MakeError("unable to parse database connection string: %s", err)
	}

	pool, err := pgxpool.ConnectConfig(ctx, pgxConfig)
	if err != nil {
		return nil, utils.MakeError("unable to connect to the database: %s", err)
	}

	logger.Infof("Connected to the database.")

	return &DBDriver{pool: pool, q: pool}, nil
}

// Close tears down the connection pool.
func (d *DBDriver) Close() {
	if d.pool != nil {
		d.pool.Close()
	}
}

// begin starts a read-committed transaction with the configured lock timeout
// applied. Callers must either commit or let the deferred rollback run.
func (d *DBDriver) begin(ctx context.Context) (pgx.Tx, error) {
	tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, utils.MakeError("unable to begin transaction: %s", err)
	}

	// Bound every row lock acquisition in this transaction. 55P03 errors are
	// mapped to ErrBusy by the callers.
	_, err = tx.Exec(ctx, utils.Sprintf("SET LOCAL lock_timeout = '%dms'", config.GetLockTimeout().Milliseconds()))
	if err != nil {
		tx.Rollback(ctx)
		return nil, utils.MakeError("unable to set lock timeout: %s", err)
	}

	return tx, nil
}

// txDriver returns a DBDriver whose queries run inside the given transaction.
func (d *DBDriver) txDriver(tx pgx.Tx) *DBDriver {
	return &DBDriver{pool: d.pool, q: tx}
}
