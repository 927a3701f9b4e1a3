package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/example/trip-dispatch/internal/directory"
	"github.com/example/trip-dispatch/internal/geo"
	"github.com/example/trip-dispatch/internal/models"
)

var ErrInvalidLocation = errors.New("invalid driver location")

// Applier writes a location report into the spatial index and the driver
// directory, retrying transient failures with backoff.
type Applier struct {
	Geo       geo.Index
	Directory directory.Store
	Attempts  int
	Delay     time.Duration
}

func NewApplier(idx geo.Index, dir directory.Store) *Applier {
	return &Applier{Geo: idx, Directory: dir, Attempts: 3, Delay: 200 * time.Millisecond}
}

// PublishLocation applies loc directly; it lets the Applier stand in for the
// bus when running without Kafka.
func (a *Applier) PublishLocation(ctx context.Context, loc models.DriverLocation) error {
	return a.Apply(ctx, loc)
}

func (a *Applier) Apply(ctx context.Context, loc models.DriverLocation) error {
	if loc.DriverID == "" || loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
		return ErrInvalidLocation
	}
	attempts := a.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := a.Delay
	var err error
	for i := 0; i < attempts; i++ {
		if err = a.Geo.Upsert(ctx, loc.DriverID, loc.Lat, loc.Lon); err == nil {
			if err = a.Directory.TouchLocation(ctx, loc); err == nil {
				return nil
			}
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
