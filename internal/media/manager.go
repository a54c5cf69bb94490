package media

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/kilupskalvis/cardsyncd/internal/protocol"
)

// MaxFilenameBytes is the longest accepted media filename.
const MaxFilenameBytes = 255

// Manager serves one user's media sync: the operation log database plus the
// files on disk. The filesystem commits first on upload; the log only
// records files that made it to disk.
type Manager struct {
	db           *DB
	dir          string
	logger       *slog.Logger
	maxFileBytes int64
}

// NewManager opens the media directory and database for one user. A
// database that fails to open is set aside and rebuilt from the files on
// disk, losing history but keeping the files.
func NewManager(dir, dbPath string, maxFileBytes int64, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}

	db, err := OpenDB(dbPath)
	if err != nil {
		logger.Error("media db unreadable, rebuilding from disk", "path", dbPath, "error", err)
		if renameErr := os.Rename(dbPath, dbPath+".corrupt"); renameErr != nil {
			return nil, fmt.Errorf("failed to set aside corrupt media db: %w", renameErr)
		}
		os.Remove(dbPath + "-wal")
		os.Remove(dbPath + "-shm")
		db, err = OpenDB(dbPath)
		if err != nil {
			return nil, err
		}
		m := &Manager{db: db, dir: dir, logger: logger, maxFileBytes: maxFileBytes}
		if err := m.rebuildFromDisk(); err != nil {
			db.Close()
			return nil, err
		}
		return m, nil
	}

	return &Manager{db: db, dir: dir, logger: logger, maxFileBytes: maxFileBytes}, nil
}

// Close closes the underlying database.
func (m *Manager) Close() error {
	return m.db.Close()
}

// LastUsn returns the media log position advertised by begin and meta.
func (m *Manager) LastUsn() (int, error) {
	return m.db.LastUsn()
}

func (m *Manager) rebuildFromDisk() error {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		csum, err := m.fileChecksum(e.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable media file during rebuild", "file", e.Name(), "error", err)
			continue
		}
		if _, err := m.db.LogAdd(e.Name(), csum, info.Size(), info.ModTime().Unix()); err != nil {
			return err
		}
	}
	return nil
}

// Changes returns log entries after lastUsn, oldest first. Entries whose
// file has vanished from disk are repaired with a synthetic removal and
// withheld; the client picks the removal up on a later batch.
func (m *Manager) Changes(lastUsn, limit int) ([]protocol.MediaChange, error) {
	entries, err := m.db.ChangesSince(lastUsn, limit)
	if err != nil {
		return nil, err
	}

	out := make([]protocol.MediaChange, 0, len(entries))
	for _, e := range entries {
		if e.Op == OpAdd {
			missing, err := m.addEntryOrphaned(e)
			if err != nil {
				return nil, err
			}
			if missing {
				continue
			}
		}
		out = append(out, protocol.MediaChange{Fname: e.Fname, Usn: e.Usn, Csum: e.Csum})
	}
	return out, nil
}

// addEntryOrphaned checks an add entry against the filesystem and repairs
// the log when the file is gone. The repair commits on its own so a failed
// sync later cannot roll it back.
func (m *Manager) addEntryOrphaned(e LogEntry) (bool, error) {
	cur, err := m.db.Current(e.Fname)
	if err != nil {
		return false, err
	}
	if cur == nil {
		// A later log entry already removed it; nothing to repair.
		return false, nil
	}
	if _, err := os.Stat(filepath.Join(m.dir, e.Fname)); err == nil {
		return false, nil
	} else if !os.IsNotExist(err) {
		return false, err
	}

	m.logger.Warn("media file missing on disk, recording removal", "file", e.Fname)
	if _, err := m.db.LogRemove(e.Fname); err != nil {
		return false, err
	}
	return true, nil
}

// ApplyUpload processes one client batch zip. Returns how many changes were
// handled and the log position afterwards. A file whose checksum matches
// the registered copy is acknowledged without consuming a log position, so
// re-uploads after an interrupted sync are idempotent.
func (m *Manager) ApplyUpload(zipData []byte) (int, int, error) {
	entries, err := ParseUploadZip(zipData, m.maxFileBytes)
	if err != nil {
		return 0, 0, protocol.Wrap(protocol.KindBadRequest, err, "unusable media batch")
	}

	processed := 0
	for _, e := range entries {
		fname, err := NormalizeFilename(e.Fname)
		if err != nil {
			m.logger.Warn("skipping media file with invalid name", "file", e.Fname, "error", err)
			processed++
			continue
		}

		if e.Oversized {
			// Counted as handled so the client moves past it instead of
			// resending the same batch forever.
			m.logger.Warn("skipping oversized media file", "file", fname)
			processed++
			continue
		}

		if e.Data == nil {
			if err := m.removeFile(fname); err != nil {
				return processed, 0, err
			}
			processed++
			continue
		}

		csum := checksum(e.Data)
		cur, err := m.db.Current(fname)
		if err != nil {
			return processed, 0, err
		}
		if cur != nil && cur.Csum == csum {
			// Identical content already registered.
			processed++
			continue
		}

		if err := m.writeFile(fname, e.Data, csum); err != nil {
			return processed, 0, err
		}
		processed++
	}

	last, err := m.db.LastUsn()
	if err != nil {
		return processed, 0, err
	}
	return processed, last, nil
}

func (m *Manager) removeFile(fname string) error {
	path := filepath.Join(m.dir, fname)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove media file: %w", err)
	}
	_, err := m.db.LogRemove(fname)
	return err
}

// writeFile lands the content on disk before the database hears about it:
// temp file, fsync, checksum verify, atomic rename, then the log append.
func (m *Manager) writeFile(fname string, data []byte, expectedCsum string) error {
	tmp, err := os.CreateTemp(m.dir, ".media-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	hasher := sha1.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), bytes.NewReader(data)); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write media file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync media file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if got := hex.EncodeToString(hasher.Sum(nil)); got != expectedCsum {
		return fmt.Errorf("media file %q corrupted during write: checksum %s != %s", fname, got, expectedCsum)
	}

	final := filepath.Join(m.dir, fname)
	if err := os.Rename(tmpName, final); err != nil {
		return fmt.Errorf("failed to install media file: %w", err)
	}

	info, err := os.Stat(final)
	if err != nil {
		return err
	}
	_, err = m.db.LogAdd(fname, expectedCsum, info.Size(), info.ModTime().Unix())
	return err
}

// BuildDownload zips up to maxFiles of the requested files, stopping early
// when the batch would exceed maxBytes. A requested file missing from disk
// repairs the log first and then reports a conflict so the client restarts
// from a consistent position.
func (m *Manager) BuildDownload(files []string, maxFiles int, maxBytes int64) ([]byte, error) {
	b := newZipBuilder()
	for _, raw := range files {
		if b.next >= maxFiles {
			break
		}
		fname, err := NormalizeFilename(raw)
		if err != nil {
			return nil, protocol.Wrap(protocol.KindBadRequest, err, "invalid media filename")
		}

		data, err := os.ReadFile(filepath.Join(m.dir, fname))
		if os.IsNotExist(err) {
			cur, curErr := m.db.Current(fname)
			if curErr != nil {
				return nil, curErr
			}
			if cur != nil {
				m.logger.Warn("requested media file missing, recording removal", "file", fname)
				if _, err := m.db.LogRemove(fname); err != nil {
					return nil, err
				}
			}
			return nil, protocol.Errorf(protocol.KindMediaConflict,
				"media file %q no longer exists, resync required", fname)
		}
		if err != nil {
			return nil, err
		}

		if b.next > 0 && b.bytes+int64(len(data)) > maxBytes {
			break
		}
		if err := b.add(fname, data); err != nil {
			return nil, err
		}
	}
	return b.finish()
}

// Sanity compares the client's nonempty file count against the server's.
// On disagreement the counters are recomputed from the current table first;
// only a persistent mismatch fails.
func (m *Manager) Sanity(clientCount int) (bool, error) {
	_, files, err := m.db.Stats()
	if err != nil {
		return false, err
	}
	if files == clientCount {
		return true, nil
	}

	m.logger.Warn("media count mismatch, recounting", "client", clientCount, "server", files)
	recounted, err := m.db.RecountFiles()
	if err != nil {
		return false, err
	}
	return recounted == clientCount, nil
}

// NormalizeFilename applies the protocol's filename hygiene: NFC unicode
// form, no directory components, bounded length.
func NormalizeFilename(name string) (string, error) {
	name = norm.NFC.String(name)
	if name == "" {
		return "", fmt.Errorf("empty media filename")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return "", fmt.Errorf("invalid media filename %q", name)
	}
	if len(name) > MaxFilenameBytes {
		return "", fmt.Errorf("media filename longer than %d bytes", MaxFilenameBytes)
	}
	return name, nil
}

func (m *Manager) fileChecksum(fname string) (string, error) {
	f, err := os.Open(filepath.Join(m.dir, fname))
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checksum(data []byte) string {
	h := sha1.Sum(data)
	return hex.EncodeToString(h[:])
}
