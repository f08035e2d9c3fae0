package reliability

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeObjectStore keeps uploads in memory.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: map[string][]byte{}}
}

func (f *fakeObjectStore) Upload(ctx context.Context, key string, body io.Reader) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	return nil
}

func (f *fakeObjectStore) List(ctx context.Context, prefix string) ([]types.Object, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Object
	for key, data := range f.objects {
		out = append(out, types.Object{
			Key:  aws.String(key),
			Size: aws.Int64(int64(len(data))),
		})
	}
	return out, nil
}

func (f *fakeObjectStore) Delete(ctx context.Context, key string) error {
	f.mu.Lock()
	delete(f.objects, key)
	f.mu.Unlock()
	return nil
}

func writeStateFiles(t *testing.T, dir string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "journal.json"), []byte(`{"versions":{}}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "budget.json"), []byte(`{}`), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "history.db"), []byte("sqlite"), 0644))
	// Non-state files are not archived.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip me"), 0644))
}

func TestCreateAndUploadBackup(t *testing.T) {
	dir := t.TempDir()
	writeStateFiles(t, dir)
	store := newFakeObjectStore()
	svc := NewBackupService(store, dir, zerolog.Nop())

	summary, err := svc.CreateAndUploadBackup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, summary["files"])

	store.mu.Lock()
	require.Len(t, store.objects, 1)
	var archive []byte
	var name string
	for key, data := range store.objects {
		name, archive = key, data
	}
	store.mu.Unlock()

	assert.Contains(t, name, backupPrefix)

	// The archive holds the three state files plus the metadata file.
	gzr, err := gzip.NewReader(bytes.NewReader(archive))
	require.NoError(t, err)
	tr := tar.NewReader(gzr)
	var entries []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		entries = append(entries, header.Name)
	}
	assert.ElementsMatch(t, []string{"budget.json", "history.db", "journal.json", metadataFilename}, entries)

	// Staging directory is cleaned up.
	_, err = os.Stat(filepath.Join(dir, stagingDirname))
	assert.True(t, os.IsNotExist(err))
}

func TestBackupDisabledWithoutStore(t *testing.T) {
	svc := NewBackupService(nil, t.TempDir(), zerolog.Nop())
	assert.False(t, svc.Enabled())

	_, err := svc.CreateAndUploadBackup(context.Background())
	assert.Error(t, err)
}

func TestListBackupsNewestFirst(t *testing.T) {
	store := newFakeObjectStore()
	store.objects[backupPrefix+"2024-03-01-120000.tar.gz"] = []byte("old")
	store.objects[backupPrefix+"2024-03-10-120000.tar.gz"] = []byte("new")
	store.objects["unrelated.txt"] = []byte("x")

	svc := NewBackupService(store, t.TempDir(), zerolog.Nop())
	backups, err := svc.ListBackups(context.Background())
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.True(t, backups[0].Timestamp.After(backups[1].Timestamp))
}

func TestRotateOldBackups(t *testing.T) {
	store := newFakeObjectStore()
	now := time.Now()
	// Five backups: two recent, three ancient.
	for i, age := range []time.Duration{0, 24 * time.Hour, 90 * 24 * time.Hour, 91 * 24 * time.Hour, 92 * 24 * time.Hour} {
		_ = i
		key := backupPrefix + now.Add(-age).Format(backupTimeLayout) + ".tar.gz"
		store.objects[key] = []byte("data")
	}

	svc := NewBackupService(store, t.TempDir(), zerolog.Nop())
	deleted, err := svc.RotateOldBackups(context.Background(), 14)
	require.NoError(t, err)

	// The newest three always survive, so only two of the three ancient
	// archives are deleted.
	assert.Equal(t, 2, deleted)
	store.mu.Lock()
	assert.Len(t, store.objects, 3)
	store.mu.Unlock()
}

func TestRotateKeepsEverythingWithoutRetention(t *testing.T) {
	store := newFakeObjectStore()
	now := time.Now()
	for _, age := range []time.Duration{0, 500 * 24 * time.Hour, 600 * 24 * time.Hour, 700 * 24 * time.Hour} {
		key := backupPrefix + now.Add(-age).Format(backupTimeLayout) + ".tar.gz"
		store.objects[key] = []byte("data")
	}

	svc := NewBackupService(store, t.TempDir(), zerolog.Nop())
	deleted, err := svc.RotateOldBackups(context.Background(), 0)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestR2ConfigConfigured(t *testing.T) {
	assert.False(t, R2Config{}.Configured())
	assert.False(t, R2Config{AccountID: "a", AccessKeyID: "k", SecretAccessKey: "s"}.Configured())
	assert.True(t, R2Config{AccountID: "a", AccessKeyID: "k", SecretAccessKey: "s", Bucket: "b"}.Configured())
}
