package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/example/trip-dispatch/internal/models"
)

type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate executes the SQL file at path.
func (p *PostgresStore) Migrate(ctx context.Context, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read migration: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("apply migration %s: %w", path, err)
	}
	return nil
}

// tripRow is the flat column layout of the trips table.
type tripRow struct {
	ID              string          `db:"id"`
	RiderID         string          `db:"rider_id"`
	DriverID        sql.NullString  `db:"driver_id"`
	PickupLat       float64         `db:"pickup_lat"`
	PickupLon       float64         `db:"pickup_lon"`
	PickupAddress   string          `db:"pickup_address"`
	DestLat         float64         `db:"dest_lat"`
	DestLon         float64         `db:"dest_lon"`
	DestAddress     string          `db:"dest_address"`
	EstimatedFare   float64         `db:"estimated_fare"`
	FinalFare       sql.NullFloat64 `db:"final_fare"`
	Status          string          `db:"status"`
	Version         int64           `db:"version"`
	RequestedAt     time.Time       `db:"requested_at"`
	SearchingAt     sql.NullTime    `db:"searching_at"`
	AcceptedAt      sql.NullTime    `db:"accepted_at"`
	ArrivingAt      sql.NullTime    `db:"arriving_at"`
	DriverArrivedAt sql.NullTime    `db:"driver_arrived_at"`
	PickedUpAt      sql.NullTime    `db:"picked_up_at"`
	StartedAt       sql.NullTime    `db:"started_at"`
	CompletedAt     sql.NullTime    `db:"completed_at"`
	CancelledAt     sql.NullTime    `db:"cancelled_at"`
	CancelReason    string          `db:"cancel_reason"`
	CancelledBy     string          `db:"cancelled_by"`
	Rating          sql.NullInt32   `db:"rating"`
	Comment         string          `db:"comment"`
	UpdatedAt       time.Time       `db:"updated_at"`
	ExpectVersion   int64           `db:"expect_version"`
}

const tripColumns = `id, rider_id, driver_id, pickup_lat, pickup_lon, pickup_address,
	dest_lat, dest_lon, dest_address, estimated_fare, final_fare, status, version,
	requested_at, searching_at, accepted_at, arriving_at, driver_arrived_at, picked_up_at,
	started_at, completed_at, cancelled_at, cancel_reason, cancelled_by, rating, comment, updated_at`

func (p *PostgresStore) Create(ctx context.Context, t *models.Trip) error {
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO trips (`+tripColumns+`) VALUES (
		:id, :rider_id, :driver_id, :pickup_lat, :pickup_lon, :pickup_address,
		:dest_lat, :dest_lon, :dest_address, :estimated_fare, :final_fare, :status, :version,
		:requested_at, :searching_at, :accepted_at, :arriving_at, :driver_arrived_at, :picked_up_at,
		:started_at, :completed_at, :cancelled_at, :cancel_reason, :cancelled_by, :rating, :comment, :updated_at)`,
		toRow(t))
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Trip, error) {
	var row tripRow
	err := p.db.GetContext(ctx, &row, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toTrip(), nil
}

func (p *PostgresStore) Update(ctx context.Context, t *models.Trip, expectVersion int64) error {
	row := toRow(t)
	row.ExpectVersion = expectVersion
	res, err := p.db.NamedExecContext(ctx, `UPDATE trips SET
		driver_id = :driver_id, final_fare = :final_fare, status = :status,
		version = version + 1,
		searching_at = :searching_at, accepted_at = :accepted_at, arriving_at = :arriving_at,
		driver_arrived_at = :driver_arrived_at, picked_up_at = :picked_up_at, started_at = :started_at,
		completed_at = :completed_at, cancelled_at = :cancelled_at,
		cancel_reason = :cancel_reason, cancelled_by = :cancelled_by,
		rating = :rating, comment = :comment, updated_at = :updated_at
		WHERE id = :id AND version = :expect_version`, row)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists bool
		if err := p.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM trips WHERE id = $1)`, t.ID); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	t.Version = expectVersion + 1
	return nil
}

func toRow(t *models.Trip) tripRow {
	r := tripRow{
		ID:              t.ID,
		RiderID:         t.RiderID,
		DriverID:        sql.NullString{String: t.DriverID, Valid: t.DriverID != ""},
		PickupLat:       t.Pickup.Lat,
		PickupLon:       t.Pickup.Lon,
		PickupAddress:   t.Pickup.Address,
		DestLat:         t.Destination.Lat,
		DestLon:         t.Destination.Lon,
		DestAddress:     t.Destination.Address,
		EstimatedFare:   t.EstimatedFare,
		Status:          string(t.Status),
		Version:         t.Version,
		RequestedAt:     t.RequestedAt,
		SearchingAt:     nullTime(t.SearchingAt),
		AcceptedAt:      nullTime(t.AcceptedAt),
		ArrivingAt:      nullTime(t.ArrivingAt),
		DriverArrivedAt: nullTime(t.DriverArrivedAt),
		PickedUpAt:      nullTime(t.PickedUpAt),
		StartedAt:       nullTime(t.StartedAt),
		CompletedAt:     nullTime(t.CompletedAt),
		CancelledAt:     nullTime(t.CancelledAt),
		CancelReason:    t.CancelReason,
		CancelledBy:     t.CancelledBy,
		Comment:         t.Comment,
		UpdatedAt:       t.UpdatedAt,
	}
	if t.FinalFare != nil {
		r.FinalFare = sql.NullFloat64{Float64: *t.FinalFare, Valid: true}
	}
	if t.Rating != nil {
		r.Rating = sql.NullInt32{Int32: int32(*t.Rating), Valid: true}
	}
	return r
}

func (r tripRow) toTrip() *models.Trip {
	t := &models.Trip{
		ID:              r.ID,
		RiderID:         r.RiderID,
		DriverID:        r.DriverID.String,
		Pickup:          models.Location{Lat: r.PickupLat, Lon: r.PickupLon, Address: r.PickupAddress},
		Destination:     models.Location{Lat: r.DestLat, Lon: r.DestLon, Address: r.DestAddress},
		EstimatedFare:   r.EstimatedFare,
		Status:          models.TripStatus(r.Status),
		Version:         r.Version,
		RequestedAt:     r.RequestedAt,
		SearchingAt:     timePtr(r.SearchingAt),
		AcceptedAt:      timePtr(r.AcceptedAt),
		ArrivingAt:      timePtr(r.ArrivingAt),
		DriverArrivedAt: timePtr(r.DriverArrivedAt),
		PickedUpAt:      timePtr(r.PickedUpAt),
		StartedAt:       timePtr(r.StartedAt),
		CompletedAt:     timePtr(r.CompletedAt),
		CancelledAt:     timePtr(r.CancelledAt),
		CancelReason:    r.CancelReason,
		CancelledBy:     r.CancelledBy,
		Comment:         r.Comment,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.FinalFare.Valid {
		v := r.FinalFare.Float64
		t.FinalFare = &v
	}
	if r.Rating.Valid {
		v := int(r.Rating.Int32)
		t.Rating = &v
	}
	return t
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	v := n.Time
	return &v
}
