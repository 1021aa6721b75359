package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/paygate/paygate/internal/logger"
)

// stateVersion tags the snapshot format for forward migration.
const stateVersion = "1"

type stateFile struct {
	Version string       `json:"version"`
	SavedAt time.Time    `json:"savedAt"`
	Keys    []*KeyRecord `json:"keys"`
}

// persister writes debounced snapshots of the key map to a single JSON file.
// Mutations never wait on disk: schedule only arms a timer, and at most one
// flush is in flight at a time. Writes go to a temp file in the same
// directory followed by an atomic rename, so a crash never leaves a torn
// state file behind.
type persister struct {
	path     string
	debounce time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	pending bool
}

// NewPersister creates a persister for path. debounce is clamped to a 250ms
// floor so bursts of mutations coalesce into one write.
func NewPersister(path string, debounce time.Duration) *persister {
	if debounce < 250*time.Millisecond {
		debounce = 250 * time.Millisecond
	}
	return &persister{path: path, debounce: debounce}
}

func (p *persister) schedule(snapshot func() []*KeyRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending {
		return
	}
	p.pending = true
	p.timer = time.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		p.pending = false
		p.mu.Unlock()
		if err := p.write(snapshot()); err != nil {
			logger.Error("state flush failed", "path", p.path, "error", err)
		}
	})
}

// flushNow cancels any pending timer and writes synchronously (shutdown).
func (p *persister) flushNow(snapshot func() []*KeyRecord) error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.pending = false
	p.mu.Unlock()
	return p.write(snapshot())
}

func (p *persister) write(keys []*KeyRecord) error {
	state := stateFile{Version: stateVersion, SavedAt: time.Now().UTC(), Keys: keys}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".paygate-state-*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod temp state: %w", err)
	}
	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// LoadState reads the snapshot at path. A missing file is a normal first run
// and returns an empty slice; a corrupt file is logged and treated the same
// so the gateway still starts.
func LoadState(path string) []*KeyRecord {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("state file unreadable, starting empty", "path", path, "error", err)
		}
		return nil
	}
	var state stateFile
	if err := json.Unmarshal(data, &state); err != nil {
		logger.Warn("state file corrupt, starting empty", "path", path, "error", err)
		return nil
	}
	return state.Keys
}
