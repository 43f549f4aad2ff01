package evidence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// lockPollInterval is how often TryLockContext retries while another
// writer — in this process or another — holds the spec's lock file.
const lockPollInterval = 20 * time.Millisecond

// lockTable hands out one exclusive lock per spec ID. flock.Flock protects
// against other processes; the in-process mutex protects against concurrent
// goroutines in this process racing the same *flock.Flock handle, which is
// not itself goroutine-safe for concurrent Lock calls.
type lockTable struct {
	root string

	mu    sync.Mutex
	guard map[string]*sync.Mutex
}

func newLockTable(root string) *lockTable {
	return &lockTable{root: root, guard: make(map[string]*sync.Mutex)}
}

func (t *lockTable) guardFor(specID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.guard[specID]
	if !ok {
		g = &sync.Mutex{}
		t.guard[specID] = g
	}
	return g
}

func (t *lockTable) path(specID string) string {
	return filepath.Join(t.root, ".locks", specID+".lock")
}

// withLock serializes fn against both other goroutines in this process and
// other processes holding the same spec's lock file, preserving the
// single-writer guarantee per spec.
func (t *lockTable) withLock(ctx context.Context, specID string, fn func() error) error {
	g := t.guardFor(specID)
	g.Lock()
	defer g.Unlock()

	path := t.path(specID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLockContext(ctx, lockPollInterval)
	if err != nil {
		return fmt.Errorf("acquire lock for %s: %w", specID, err)
	}
	if !locked {
		return fmt.Errorf("could not acquire lock for %s", specID)
	}
	defer fl.Unlock()

	return fn()
}
