// Package reliability keeps the ledger recoverable: off-site snapshots and
// routine database maintenance.
package reliability

import (
	"compress/gzip"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aristath/tally/internal/apperrors"
	"github.com/aristath/tally/internal/database"
	"github.com/aristath/tally/internal/events"
	"github.com/rs/zerolog"
)

const (
	backupTimeLayout = "2006-01-02-150405"
	backupPrefix     = "tally/"
	backupStem       = "ledger-"
	backupSuffix     = ".db.gz"

	// minKeep is never undercut by rotation, whatever the configured keep
	minKeep = 3
)

// Snapshot is one compressed ledger copy in the staging directory
type Snapshot struct {
	CreatedAt time.Time
	Path      string
	Checksum  string // sha256 of the compressed file
	Size      int64
}

// BackupInfo describes an uploaded backup
type BackupInfo struct {
	CreatedAt time.Time `json:"created_at"`
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
}

// BackupService snapshots the ledger database and keeps a rotating set of
// copies in object storage.
type BackupService struct {
	db         *database.DB
	store      ObjectStore
	events     *events.Manager
	stagingDir string
	keep       int
	log        zerolog.Logger
	now        func() time.Time
}

// NewBackupService creates a new backup service.
// store may be nil when only local snapshots are needed.
func NewBackupService(
	db *database.DB,
	store ObjectStore,
	stagingDir string,
	keep int,
	eventManager *events.Manager,
	log zerolog.Logger,
) *BackupService {
	if keep < minKeep {
		keep = minKeep
	}
	return &BackupService{
		db:         db,
		store:      store,
		events:     eventManager,
		stagingDir: stagingDir,
		keep:       keep,
		log:        log.With().Str("service", "backup").Logger(),
		now:        time.Now,
	}
}

// Snapshot writes a consistent, verified and gzipped copy of the ledger to
// the staging directory. The caller owns the returned file.
func (s *BackupService) Snapshot(ctx context.Context) (*Snapshot, error) {
	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}

	createdAt := s.now().UTC()
	rawPath := filepath.Join(s.stagingDir, backupStem+createdAt.Format(backupTimeLayout)+".db")
	// VACUUM INTO refuses to overwrite
	_ = os.Remove(rawPath)
	defer os.Remove(rawPath)

	if err := s.db.VacuumInto(ctx, rawPath); err != nil {
		return nil, err
	}
	if err := verifyDatabaseFile(ctx, rawPath); err != nil {
		return nil, fmt.Errorf("snapshot failed verification: %w", err)
	}

	gzPath := rawPath + ".gz"
	checksum, size, err := compressFile(rawPath, gzPath)
	if err != nil {
		_ = os.Remove(gzPath)
		return nil, err
	}

	s.log.Debug().
		Str("path", gzPath).
		Int64("size", size).
		Msg("Ledger snapshot written")

	return &Snapshot{CreatedAt: createdAt, Path: gzPath, Checksum: checksum, Size: size}, nil
}

// RunBackup snapshots the ledger, uploads it and rotates old copies
func (s *BackupService) RunBackup(ctx context.Context) error {
	if s.store == nil {
		return apperrors.NotAllowed("backup storage is not configured")
	}
	startTime := time.Now()

	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}
	defer os.Remove(snap.Path)

	f, err := os.Open(snap.Path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer f.Close()

	key := backupKey(snap.CreatedAt)
	if err := s.store.Upload(ctx, key, f, map[string]string{"sha256": snap.Checksum}); err != nil {
		return err
	}

	rotated, err := s.Rotate(ctx)
	if err != nil {
		// The upload succeeded; old copies are retried on the next run
		s.log.Warn().Err(err).Msg("Failed to rotate backups")
	}

	s.events.EmitTyped("reliability", &events.BackupCompletedData{
		Key:      key,
		Checksum: snap.Checksum,
		Size:     snap.Size,
		Rotated:  rotated,
	})

	s.log.Info().
		Str("key", key).
		Int64("size", snap.Size).
		Int("rotated", rotated).
		Dur("duration", time.Since(startTime)).
		Msg("Ledger backup uploaded")
	return nil
}

// ListBackups returns uploaded backups, newest first. Objects under the
// prefix that are not ledger backups are ignored.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	if s.store == nil {
		return nil, nil
	}
	objects, err := s.store.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		createdAt, ok := parseBackupKey(obj.Key)
		if !ok {
			continue
		}
		backups = append(backups, BackupInfo{CreatedAt: createdAt, Key: obj.Key, Size: obj.Size})
	}
	sort.Slice(backups, func(i, j int) bool {
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Rotate deletes all but the newest keep backups and returns how many were
// removed. Deletion continues past individual failures.
func (s *BackupService) Rotate(ctx context.Context) (int, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if len(backups) <= s.keep {
		return 0, nil
	}

	deleted := 0
	var errs []error
	for _, b := range backups[s.keep:] {
		if err := s.store.Delete(ctx, b.Key); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
		s.log.Debug().Str("key", b.Key).Msg("Deleted old backup")
	}
	return deleted, errors.Join(errs...)
}

// VerifyLatest downloads the newest backup and checks it opens as an intact
// database.
func (s *BackupService) VerifyLatest(ctx context.Context) (*BackupInfo, error) {
	backups, err := s.ListBackups(ctx)
	if err != nil {
		return nil, err
	}
	if len(backups) == 0 {
		return nil, apperrors.NotFound("no backups found")
	}
	latest := backups[0]

	if err := os.MkdirAll(s.stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create staging directory: %w", err)
	}
	gz, err := os.CreateTemp(s.stagingDir, "verify-*.db.gz")
	if err != nil {
		return nil, fmt.Errorf("failed to create download file: %w", err)
	}
	defer os.Remove(gz.Name())
	defer gz.Close()

	if err := s.store.Download(ctx, latest.Key, gz); err != nil {
		return nil, err
	}
	if _, err := gz.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to rewind download: %w", err)
	}

	rawPath := strings.TrimSuffix(gz.Name(), ".gz")
	defer os.Remove(rawPath)
	if err := decompressTo(gz, rawPath); err != nil {
		return nil, fmt.Errorf("backup %s: %w", latest.Key, err)
	}
	if err := verifyDatabaseFile(ctx, rawPath); err != nil {
		return nil, fmt.Errorf("backup %s: %w", latest.Key, err)
	}

	s.log.Info().Str("key", latest.Key).Msg("Latest backup verified")
	return &latest, nil
}

func backupKey(t time.Time) string {
	return backupPrefix + backupStem + t.UTC().Format(backupTimeLayout) + backupSuffix
}

func parseBackupKey(key string) (time.Time, bool) {
	name := strings.TrimPrefix(key, backupPrefix)
	if !strings.HasPrefix(name, backupStem) || !strings.HasSuffix(name, backupSuffix) {
		return time.Time{}, false
	}
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, backupStem), backupSuffix)
	t, err := time.Parse(backupTimeLayout, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// compressFile gzips src into dst, returning the sha256 and size of dst
func compressFile(src, dst string) (string, int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, fmt.Errorf("failed to open snapshot: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return "", 0, fmt.Errorf("failed to create compressed snapshot: %w", err)
	}
	defer out.Close()

	hash := sha256.New()
	counter := &countingWriter{}
	zw := gzip.NewWriter(io.MultiWriter(out, hash, counter))
	if _, err := io.Copy(zw, in); err != nil {
		return "", 0, fmt.Errorf("failed to compress snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", 0, fmt.Errorf("failed to finish compressed snapshot: %w", err)
	}
	if err := out.Sync(); err != nil {
		return "", 0, fmt.Errorf("failed to sync compressed snapshot: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), counter.n, nil
}

func decompressTo(r io.Reader, dst string) error {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to read gzip header: %w", err)
	}
	defer zr.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create restored database: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, zr); err != nil {
		return fmt.Errorf("failed to decompress: %w", err)
	}
	return nil
}

// verifyDatabaseFile opens a standalone database file and runs an integrity
// check on it.
func verifyDatabaseFile(ctx context.Context, path string) error {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer conn.Close()

	var result string
	if err := conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}

	var tables int
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'").Scan(&tables); err != nil {
		return fmt.Errorf("failed to read schema: %w", err)
	}
	if tables == 0 {
		return errors.New("database has no tables")
	}
	return nil
}

type countingWriter struct{ n int64 }

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}
