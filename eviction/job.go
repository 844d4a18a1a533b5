// Package eviction reclaims server-held media storage once it is no longer
// needed for delivery. Rows themselves are dropped by the relay's own TTL
// sweep; this job only strips media references past their retention.
package eviction

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"courier/blob"
	"courier/relay"
)

const (
	// DefaultMediaRetention is how long relay-held media survives before eviction.
	DefaultMediaRetention = 24 * time.Hour
	// DefaultInterval is the job wake-up period.
	DefaultInterval = time.Hour
)

// Config wires an eviction Job. Relay and Blobs are required.
type Config struct {
	Relay          relay.Relay
	Blobs          blob.Store
	Logger         *zap.Logger
	Now            func() time.Time
	MediaRetention time.Duration
	Interval       time.Duration
}

// Job periodically strips media from relay rows older than the retention
// threshold: delete the blob, then null the reference, leaving the row's
// other metadata intact. One item failing never aborts the batch; the item
// is retried on the next interval.
type Job struct {
	relay     relay.Relay
	blobs     blob.Store
	log       *zap.Logger
	now       func() time.Time
	retention time.Duration
	interval  time.Duration
}

// New validates cfg and returns a Job.
func New(cfg Config) (*Job, error) {
	if cfg.Relay == nil {
		return nil, errors.New("eviction: relay is required")
	}
	if cfg.Blobs == nil {
		return nil, errors.New("eviction: blob store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MediaRetention <= 0 {
		cfg.MediaRetention = DefaultMediaRetention
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	return &Job{
		relay:     cfg.Relay,
		blobs:     cfg.Blobs,
		log:       cfg.Logger,
		now:       cfg.Now,
		retention: cfg.MediaRetention,
		interval:  cfg.Interval,
	}, nil
}

// Run sweeps on an interval until ctx is cancelled.
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			evicted, err := j.Sweep(ctx)
			if err != nil {
				j.log.Warn("eviction sweep finished with failures",
					zap.Int("evicted", evicted),
					zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// Sweep performs one eviction pass and returns the number of rows whose
// media was reclaimed. The blob is deleted before the reference is nulled,
// so an interruption can leave an already-removed blob behind a stale
// reference (cleaned up next pass via idempotent Remove) but never a live
// blob behind a nulled reference.
func (j *Job) Sweep(ctx context.Context) (int, error) {
	rows, err := j.relay.List(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := j.now().Add(-j.retention).UnixMilli()
	evicted := 0
	var errs []error
	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if row.FileURL == "" || row.CreatedAt > cutoff {
			continue
		}

		if err := j.blobs.Remove(ctx, row.FileURL); err != nil {
			j.log.Warn("evict media blob",
				zap.String("message_id", row.ID),
				zap.String("file_url", row.FileURL),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}

		empty := ""
		err := j.relay.Update(ctx, row.ID, relay.RowUpdate{
			FileURL:   &empty,
			Thumbnail: &empty,
		})
		if err != nil && !errors.Is(err, relay.ErrRowNotFound) {
			// Blob is gone; the stale reference is retried next pass.
			j.log.Warn("null media reference",
				zap.String("message_id", row.ID),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}

		evicted++
	}

	return evicted, errors.Join(errs...)
}
