package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nexus-cloaker/datacenter/internal/apperr"
	"github.com/nexus-cloaker/datacenter/internal/database"
)

const (
	backupVersion = 1
	backupPrefix  = "rules-"
	backupSuffix  = ".json.zst"
)

// Snapshot is the serialized form of every rule, enabled or not.
type Snapshot struct {
	Version     int                         `json:"version"`
	CreatedAt   time.Time                   `json:"created_at"`
	UAConfigs   []database.UAConfig         `json:"ua_configs"`
	IPBlacklist []database.IPBlacklistEntry `json:"ip_blacklist"`
}

// Snapshot reads all rules.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	configs, err := s.ListUAConfigs(ctx)
	if err != nil {
		return nil, err
	}
	entries, err := s.ListIPBlacklist(ctx)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Version:     backupVersion,
		CreatedAt:   time.Now().UTC(),
		UAConfigs:   configs,
		IPBlacklist: entries,
	}, nil
}

// WriteBackup streams a zstd-compressed JSON snapshot to w.
func (s *Service) WriteBackup(ctx context.Context, w io.Writer) error {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return err
	}

	encoder, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if err := json.NewEncoder(encoder).Encode(snap); err != nil {
		encoder.Close()
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return encoder.Close()
}

// ReadBackup decodes a snapshot written by WriteBackup.
func ReadBackup(r io.Reader) (*Snapshot, error) {
	const op = "rules.ReadBackup"

	decoder, err := zstd.NewReader(r)
	if err != nil {
		return nil, apperr.Invalid(op, "not a zstd stream")
	}
	defer decoder.Close()

	var snap Snapshot
	if err := json.NewDecoder(decoder).Decode(&snap); err != nil {
		return nil, apperr.Invalid(op, "malformed backup: "+err.Error())
	}
	if snap.Version != backupVersion {
		return nil, apperr.Invalid(op, fmt.Sprintf("unsupported backup version %d", snap.Version))
	}
	return &snap, nil
}

// RestoreBackup imports a snapshot. With replace the current rules are
// dropped first; otherwise rules whose name or IP already exist are kept.
func (s *Service) RestoreBackup(ctx context.Context, snap *Snapshot, replace bool) (int, error) {
	const op = "rules.RestoreBackup"

	configs := make([]database.UAConfig, 0, len(snap.UAConfigs))
	for _, c := range snap.UAConfigs {
		if strings.TrimSpace(c.Name) == "" || strings.TrimSpace(c.UserAgent) == "" || !validLimit(c.HourlyLimit) {
			return 0, apperr.Invalid(op, "backup contains an invalid UA config")
		}
		if c.PathLimits == nil {
			c.PathLimits = map[string]int{}
		}
		configs = append(configs, c)
	}
	entries := make([]database.IPBlacklistEntry, 0, len(snap.IPBlacklist))
	for _, e := range snap.IPBlacklist {
		ip, ok := NormalizeIP(e.IPAddress)
		if !ok {
			return 0, apperr.Invalid(op, "backup contains an invalid IP: "+e.IPAddress)
		}
		e.IPAddress = ip
		entries = append(entries, e)
	}

	n, err := s.db.ImportRules(ctx, configs, entries, replace)
	if err != nil {
		return 0, apperr.Store(op, err)
	}
	s.changed(ctx, "restore", fmt.Sprintf("%d", n))
	return n, nil
}

// BackupToDir writes a timestamped backup file atomically and prunes all but
// the newest keep files.
func (s *Service) BackupToDir(ctx context.Context, dir string, keep int) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create backup directory: %w", err)
	}

	filename := filepath.Join(dir, backupPrefix+time.Now().UTC().Format("20060102-150405")+backupSuffix)
	tmpFile := filename + ".tmp"
	file, err := os.Create(tmpFile)
	if err != nil {
		return "", fmt.Errorf("create backup file: %w", err)
	}

	if err := s.WriteBackup(ctx, file); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return "", err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpFile)
		return "", err
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpFile)
		return "", err
	}
	if err := os.Rename(tmpFile, filename); err != nil {
		os.Remove(tmpFile)
		return "", err
	}

	if keep > 0 {
		pruneBackups(dir, keep)
	}
	return filename, nil
}

func pruneBackups(dir string, keep int) {
	matches, err := filepath.Glob(filepath.Join(dir, backupPrefix+"*"+backupSuffix))
	if err != nil || len(matches) <= keep {
		return
	}
	// names embed a sortable timestamp
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-keep] {
		os.Remove(old)
	}
}
