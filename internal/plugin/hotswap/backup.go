// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 PlugForge Contributors

package hotswap

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// backupTimeFormat keeps archive names lexically sortable.
const backupTimeFormat = "20060102T150405.000"

// BackupRecord describes one archived snapshot of a plugin directory.
type BackupRecord struct {
	PluginID  string    `json:"plugin_id"`
	Version   string    `json:"version"`
	Path      string    `json:"path"`
	Checksum  string    `json:"checksum"` // hex sha256 of the archive
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// BackupStore snapshots plugin directories as tar.gz archives so a
// failed swap can be rolled back. Retention is per plugin: once the cap
// is reached the oldest archive is pruned.
type BackupStore struct {
	dir    string
	retain int

	mu      sync.Mutex
	records map[string][]BackupRecord // plugin id -> oldest first
}

// NewBackupStore creates the backup directory if needed. retain <= 0
// defaults to 3 archives per plugin.
func NewBackupStore(dir string, retain int) (*BackupStore, error) {
	if retain <= 0 {
		retain = 3
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, oops.In("hotswap").Code("IO_FAILED").With("dir", dir).Wrap(err)
	}
	return &BackupStore{
		dir:     dir,
		retain:  retain,
		records: make(map[string][]BackupRecord),
	}, nil
}

// Create archives srcDir into {plugin_id}_{version}_{timestamp}.tar.gz
// and records its checksum. Transient IO failures are retried.
func (s *BackupStore) Create(ctx context.Context, pluginID, version, srcDir string) (BackupRecord, error) {
	stamp := time.Now().UTC().Format(backupTimeFormat)
	path := filepath.Join(s.dir, fmt.Sprintf("%s_%s_%s.tar.gz", pluginID, version, stamp))
	// Same-millisecond snapshots must not clobber each other.
	for seq := 1; ; seq++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		path = filepath.Join(s.dir, fmt.Sprintf("%s_%s_%s-%d.tar.gz", pluginID, version, stamp, seq))
	}

	var checksum string
	var size int64
	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(_ context.Context) error {
		sum, n, werr := writeArchive(path, srcDir)
		if werr != nil {
			_ = os.Remove(path)
			return retry.RetryableError(werr)
		}
		checksum, size = sum, n
		return nil
	})
	if err != nil {
		return BackupRecord{}, oops.In("hotswap").
			Code("IO_FAILED").
			With("plugin_id", pluginID).
			With("src", srcDir).
			Hint("failed to create backup archive").
			Wrap(err)
	}

	rec := BackupRecord{
		PluginID:  pluginID,
		Version:   version,
		Path:      path,
		Checksum:  checksum,
		Size:      size,
		CreatedAt: time.Now(),
	}

	s.mu.Lock()
	s.records[pluginID] = append(s.records[pluginID], rec)
	for len(s.records[pluginID]) > s.retain {
		oldest := s.records[pluginID][0]
		s.records[pluginID] = s.records[pluginID][1:]
		_ = os.Remove(oldest.Path)
	}
	s.mu.Unlock()

	return rec, nil
}

// Restore verifies the archive checksum and extracts it into dstDir,
// replacing the directory's current contents.
func (s *BackupStore) Restore(ctx context.Context, rec BackupRecord, dstDir string) error {
	sum, err := fileChecksum(rec.Path)
	if err != nil {
		return oops.In("hotswap").Code("IO_FAILED").With("backup", rec.Path).Wrap(err)
	}
	if sum != rec.Checksum {
		return oops.In("hotswap").
			Code("VALIDATION_FAILED").
			With("backup", rec.Path).
			With("expected", rec.Checksum).
			With("actual", sum).
			New("backup checksum mismatch")
	}

	backoff := retry.WithMaxRetries(2, retry.NewFibonacci(100*time.Millisecond))
	err = retry.Do(ctx, backoff, func(_ context.Context) error {
		if rerr := replaceDir(dstDir, rec.Path); rerr != nil {
			return retry.RetryableError(rerr)
		}
		return nil
	})
	if err != nil {
		return oops.In("hotswap").
			Code("IO_FAILED").
			With("backup", rec.Path).
			With("dst", dstDir).
			Hint("failed to restore backup").
			Wrap(err)
	}
	return nil
}

// Latest returns the newest record for a plugin.
func (s *BackupStore) Latest(pluginID string) (BackupRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[pluginID]
	if len(recs) == 0 {
		return BackupRecord{}, false
	}
	return recs[len(recs)-1], true
}

// List returns all records for a plugin, newest first.
func (s *BackupStore) List(pluginID string) []BackupRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.records[pluginID]
	out := make([]BackupRecord, len(recs))
	copy(out, recs)
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// writeArchive tars and gzips srcDir into path, returning the archive's
// sha256 and size.
func writeArchive(path, srcDir string) (string, int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, hash))
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		src, err := os.Open(p)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
	if walkErr != nil {
		return "", 0, walkErr
	}
	if err := tw.Close(); err != nil {
		return "", 0, err
	}
	if err := gz.Close(); err != nil {
		return "", 0, err
	}
	if err := f.Close(); err != nil {
		return "", 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), info.Size(), nil
}

// replaceDir wipes dstDir and extracts the archive into it.
func replaceDir(dstDir, archivePath string) error {
	if err := os.RemoveAll(dstDir); err != nil {
		return err
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return err
	}
	return extractArchive(dstDir, archivePath)
}

func extractArchive(dstDir, archivePath string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(dstDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode().Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		default:
			// Symlinks and specials are not part of plugin artifacts.
		}
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
