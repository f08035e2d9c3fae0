package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// HistoryPruner is the slice of the history store maintenance needs.
type HistoryPruner interface {
	Prune(cutoff time.Time) (int64, error)
	Count() (int64, error)
}

// MaintenanceJob bundles the daily housekeeping: disk-space check, job
// history pruning and remote backup rotation. Registered as a proactive
// daily job.
type MaintenanceJob struct {
	dataDir       string
	history       HistoryPruner
	backups       *BackupService
	retentionDays int
	historyMaxAge time.Duration
	log           zerolog.Logger
}

// MaintenanceOptions configures a MaintenanceJob. History and Backups are
// optional; missing pieces are skipped.
type MaintenanceOptions struct {
	DataDir       string
	History       HistoryPruner
	Backups       *BackupService
	RetentionDays int
	HistoryMaxAge time.Duration
	Log           zerolog.Logger
}

// NewMaintenanceJob builds the job from opts.
func NewMaintenanceJob(opts MaintenanceOptions) *MaintenanceJob {
	maxAge := opts.HistoryMaxAge
	if maxAge <= 0 {
		maxAge = 30 * 24 * time.Hour
	}
	retention := opts.RetentionDays
	if retention <= 0 {
		retention = 14
	}
	return &MaintenanceJob{
		dataDir:       opts.DataDir,
		history:       opts.History,
		backups:       opts.Backups,
		retentionDays: retention,
		historyMaxAge: maxAge,
		log:           opts.Log.With().Str("component", "maintenance").Logger(),
	}
}

// Run executes every housekeeping step and returns a summary. Individual
// step failures are logged and reported in the summary without aborting the
// remaining steps; only a critical disk condition is a hard error.
func (j *MaintenanceJob) Run(ctx context.Context, _ string) (map[string]interface{}, error) {
	summary := map[string]interface{}{}

	availableGB, err := j.checkDiskSpace()
	if err != nil {
		return summary, err
	}
	summary["diskAvailableGb"] = availableGB

	if j.history != nil {
		pruned, err := j.history.Prune(time.Now().Add(-j.historyMaxAge))
		if err != nil {
			j.log.Error().Err(err).Msg("History pruning failed")
			summary["historyPruneError"] = err.Error()
		} else {
			summary["historyPruned"] = pruned
		}
	}

	if j.backups != nil && j.backups.Enabled() {
		deleted, err := j.backups.RotateOldBackups(ctx, j.retentionDays)
		if err != nil {
			j.log.Error().Err(err).Msg("Backup rotation failed")
			summary["backupRotationError"] = err.Error()
		} else {
			summary["backupsDeleted"] = deleted
		}
	}

	j.log.Info().Interface("summary", summary).Msg("Daily maintenance completed")
	return summary, nil
}

// checkDiskSpace returns available gigabytes on the data dir's filesystem.
// Under 500MB free is a hard error: state persistence would start failing.
func (j *MaintenanceJob) checkDiskSpace() (float64, error) {
	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		return 0, fmt.Errorf("statting filesystem: %w", err)
	}

	availableGB := float64(usage.Free) / 1e9
	switch {
	case availableGB < 0.5:
		return availableGB, fmt.Errorf("only %.2f GB free on %s", availableGB, j.dataDir)
	case availableGB < 5.0:
		j.log.Warn().Float64("available_gb", availableGB).Msg("Disk space running low")
	default:
		j.log.Debug().Float64("available_gb", availableGB).Msg("Disk space check")
	}
	return availableGB, nil
}
