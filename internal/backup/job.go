package backup

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const jobTimeout = 10 * time.Minute

// Job wraps the backup service for the cron scheduler.
type Job struct {
	service       *Service
	retentionDays int
	log           zerolog.Logger
}

// NewJob creates a scheduled backup job.
func NewJob(service *Service, retentionDays int, log zerolog.Logger) *Job {
	return &Job{
		service:       service,
		retentionDays: retentionDays,
		log:           log.With().Str("job", "cloud_backup").Logger(),
	}
}

// Name returns the job identifier for logging.
func (j *Job) Name() string { return "cloud_backup" }

// Run creates and uploads a backup, then rotates old ones.
func (j *Job) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	if err := j.service.CreateAndUpload(ctx); err != nil {
		return err
	}
	if err := j.service.RotateOldBackups(ctx, j.retentionDays); err != nil {
		j.log.Warn().Err(err).Msg("Backup rotation failed")
	}
	return nil
}
