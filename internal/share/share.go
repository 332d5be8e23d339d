package share

import (
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

	"github.com/sirupsen/logrus"

	"github.com/htrap1211/Legion/internal/logger"
	"github.com/htrap1211/Legion/internal/protocol"
)

// Manager owns the local shared directory: it scans it into FileRecords for
// announcement, resolves download requests back to paths, and copies new
// files in.
type Manager struct {
	dir string
	log *logrus.Entry

	// checksum cache keyed by filename, invalidated on size/mtime change
	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	size     int64
	modTime  time.Time
	checksum string
}

// New creates a manager over the given directory, creating it if missing.
func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create shared directory %s: %w", dir, err)
	}

	return &Manager{
		dir:   dir,
		log:   logger.NewForComponent("share"),
		cache: make(map[string]cacheEntry),
	}, nil
}

// Dir returns the shared directory path.
func (m *Manager) Dir() string {
	return m.dir
}

// Index scans the shared directory into FileRecords owned by the given
// peer. Dotfiles and subdirectories are skipped. Checksums are computed at
// announcement time, per file content version, and cached.
func (m *Manager) Index(owner protocol.PeerID, ownerAddr string) ([]protocol.FileRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read shared directory: %w", err)
	}

	var records []protocol.FileRecord
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			m.log.WithError(err).WithField("file", name).Warn("Failed to stat shared file")
			continue
		}

		sum, err := m.checksum(name, info)
		if err != nil {
			m.log.WithError(err).WithField("file", name).Warn("Failed to checksum shared file")
			continue
		}

		records = append(records, protocol.FileRecord{
			Name:         name,
			Size:         info.Size(),
			Checksum:     sum,
			OwnerID:      owner,
			OwnerAddress: ownerAddr,
		})
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

// Resolve maps a shared filename back to its path. Only plain files
// directly under the shared directory resolve; the Base call is the
// traversal guard.
func (m *Manager) Resolve(name string) (string, bool) {
	path := filepath.Join(m.dir, filepath.Base(name))
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}

// Add copies an external file into the shared directory so it becomes
// shareable. Adding a file already inside the directory is a no-op.
func (m *Manager) Add(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer src.Close()

	dest := filepath.Join(m.dir, filepath.Base(path))
	if abs, err := filepath.Abs(path); err == nil {
		if destAbs, err := filepath.Abs(dest); err == nil && abs == destAbs {
			return nil
		}
	}

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dest, err)
	}

	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		os.Remove(dest)
		return fmt.Errorf("failed to copy into shared directory: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to finalize %s: %w", dest, err)
	}

	m.log.WithField("file", filepath.Base(path)).Info("File added to shared directory")
	return nil
}

func (m *Manager) checksum(name string, info os.FileInfo) (string, error) {
	m.mu.Lock()
	if c, ok := m.cache[name]; ok && c.size == info.Size() && c.modTime.Equal(info.ModTime()) {
		m.mu.Unlock()
		return c.checksum, nil
	}
	m.mu.Unlock()

	f, err := os.Open(filepath.Join(m.dir, name))
	if err != nil {
		return "", err
	}
	defer f.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return "", err
	}
	sum := hex.EncodeToString(digest.Sum(nil))

	m.mu.Lock()
	m.cache[name] = cacheEntry{size: info.Size(), modTime: info.ModTime(), checksum: sum}
	m.mu.Unlock()

	return sum, nil
}
