// Package reliability ships the orchestrator's operational safety nets: the
// state-file backup pipeline to S3-compatible storage and the daily
// maintenance job.
package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
)

const (
	backupPrefix      = "backbone-backup-"
	backupTimeLayout  = "2006-01-02-150405"
	minBackupsToKeep  = 3
	metadataFilename  = "backup-metadata.json"
	stagingDirname    = "backup-staging"
)

// ObjectStore is the storage surface the backup service needs. *R2Client
// satisfies it; tests substitute a fake.
type ObjectStore interface {
	Upload(ctx context.Context, key string, body io.Reader) error
	List(ctx context.Context, prefix string) ([]types.Object, error)
	Delete(ctx context.Context, key string) error
}

// BackupMetadata describes one archive's contents.
type BackupMetadata struct {
	Timestamp time.Time      `json:"timestamp"`
	Files     []FileMetadata `json:"files"`
}

// FileMetadata is one state file inside an archive.
type FileMetadata struct {
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	Checksum  string `json:"checksum"`
}

// BackupInfo summarizes one remote archive.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService archives the orchestrator's state files (journal, budget,
// gating state, job history) and uploads them. A nil store disables the
// service without breaking callers.
type BackupService struct {
	store   ObjectStore
	dataDir string
	log     zerolog.Logger
}

// NewBackupService builds the service. store may be nil when credentials are
// absent; Enabled reports the resulting state.
func NewBackupService(store ObjectStore, dataDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:   store,
		dataDir: dataDir,
		log:     log.With().Str("component", "backup").Logger(),
	}
}

// Enabled reports whether an object store is configured.
func (s *BackupService) Enabled() bool {
	return s.store != nil
}

// stateFiles lists the top-level .json and .db files under dataDir. Staging
// leftovers are excluded.
func (s *BackupService) stateFiles() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("reading data dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".db") {
			files = append(files, name)
		}
	}
	sort.Strings(files)
	return files, nil
}

// CreateAndUploadBackup archives the current state files and uploads the
// result. The returned summary feeds the proactive journal event.
func (s *BackupService) CreateAndUploadBackup(ctx context.Context) (map[string]interface{}, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("backup service disabled: no object store configured")
	}
	start := time.Now()

	files, err := s.stateFiles()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no state files under %s", s.dataDir)
	}

	stagingDir := filepath.Join(s.dataDir, stagingDirname)
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("creating staging dir: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	metadata := BackupMetadata{Timestamp: start.UTC()}
	for _, name := range files {
		path := filepath.Join(s.dataDir, name)
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stating %s: %w", name, err)
		}
		checksum, err := fileChecksum(path)
		if err != nil {
			return nil, fmt.Errorf("checksumming %s: %w", name, err)
		}
		metadata.Files = append(metadata.Files, FileMetadata{
			Name:      name,
			SizeBytes: info.Size(),
			Checksum:  checksum,
		})
	}

	metadataPath := filepath.Join(stagingDir, metadataFilename)
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return nil, fmt.Errorf("writing metadata: %w", err)
	}

	archiveName := backupPrefix + start.Format(backupTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := s.createArchive(archivePath, files, metadataPath); err != nil {
		return nil, fmt.Errorf("creating archive: %w", err)
	}

	archiveFile, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer archiveFile.Close()

	info, err := archiveFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("stating archive: %w", err)
	}
	if err := s.store.Upload(ctx, archiveName, archiveFile); err != nil {
		return nil, err
	}

	s.log.Info().
		Str("archive", archiveName).
		Int("files", len(files)).
		Int64("size_bytes", info.Size()).
		Dur("duration", time.Since(start)).
		Msg("State backup uploaded")

	return map[string]interface{}{
		"archive":   archiveName,
		"files":     len(files),
		"sizeBytes": info.Size(),
	}, nil
}

// ListBackups returns the remote archives, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("backup service disabled: no object store configured")
	}
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		filename := *obj.Key
		if !strings.HasPrefix(filename, backupPrefix) || !strings.HasSuffix(filename, ".tar.gz") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(filename, backupPrefix), ".tar.gz")
		ts, err := time.Parse(backupTimeLayout, stamp)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Unparseable backup timestamp")
			continue
		}
		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: ts,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(ts).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes archives older than retentionDays, always keeping
// the newest three. retentionDays 0 keeps everything.
func (s *BackupService) RotateOldBackups(ctx context.Context, retentionDays int) (int, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= minBackupsToKeep || retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.store.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		deleted++
	}

	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("retention_days", retentionDays).Msg("Old backups rotated")
	}
	return deleted, nil
}

// createArchive tars the named state files plus the metadata file.
func (s *BackupService) createArchive(archivePath string, files []string, metadataPath string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()
	tw := tar.NewWriter(gzw)
	defer tw.Close()

	for _, name := range files {
		if err := addFile(tw, filepath.Join(s.dataDir, name), name); err != nil {
			return fmt.Errorf("archiving %s: %w", name, err)
		}
	}
	return addFile(tw, metadataPath, metadataFilename)
}

func addFile(tw *tar.Writer, path, nameInArchive string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	header := &tar.Header{
		Name:    nameInArchive,
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(metadata)
}
