// Package scheduler defines the boundary between the card store and a
// pluggable recommendation algorithm. The core never computes review times
// itself: it forwards lifecycle events through this interface and persists
// whatever recommendations come back. A scheduler that fails a hook costs
// the affected cards their recommendation, nothing more.
package scheduler

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/AM-Campbell/sr/internal/domain"
	"github.com/AM-Campbell/sr/internal/storage"
)

// Scheduler is a pluggable recommendation algorithm identified by a stable
// name used as the foreign key in the recommendations table.
//
// Implementations must silently ignore relation types they do not recognize:
// the relation-type set grows over time and an old scheduler has to keep
// working against a newer store.
type Scheduler interface {
	// ID returns the scheduler's stable identifying name.
	ID() string

	// OnReview processes one graded review. It is the only hook guaranteed
	// to fire for every grade, including re-grades after undo, which arrive
	// as ordinary new events.
	OnReview(cardID int64, event domain.ReviewEvent) ([]domain.Recommendation, error)

	// OnCardCreated fires when a card becomes active for the first time or
	// is reactivated from inactive.
	OnCardCreated(cardID int64) (*domain.Recommendation, error)

	// OnCardReplaced fires exactly once per content replacement so the
	// scheduler can migrate per-card state instead of starting cold.
	OnCardReplaced(oldCardID, newCardID int64) (*domain.Recommendation, error)

	// OnCardStatusChanged fires on suspend, reactivate and delete.
	OnCardStatusChanged(cardID int64, status domain.Status) error

	// OnRelationsChanged fires when relations touching these cards were added.
	OnRelationsChanged(cardIDs []int64) ([]domain.Recommendation, error)

	// ComputeAll recomputes recommendations for every active card, used for
	// bootstrap or repair.
	ComputeAll(activeCardIDs []int64) ([]domain.Recommendation, error)

	// Close releases the scheduler's private storage.
	Close() error
}

// Constructor builds a scheduler with its private state directory and
// read-only access to the card store.
type Constructor func(stateDir string, store *storage.DB) (Scheduler, error)

var registry = map[string]Constructor{}

// Register adds a scheduler constructor under a name. Called from
// implementation packages at init time; the registry is resolved once at
// startup and never changes afterwards.
func Register(name string, c Constructor) {
	registry[name] = c
}

// Names lists the registered scheduler names.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open constructs the named scheduler with a private directory under
// srDir/schedulers/<name>.
func Open(name, srDir string, store *storage.DB) (Scheduler, error) {
	c, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown scheduler %q (registered: %v)", name, Names())
	}
	stateDir := filepath.Join(srDir, "schedulers", name)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create scheduler state dir: %w", err)
	}
	s, err := c(stateDir, store)
	if err != nil {
		return nil, fmt.Errorf("failed to construct scheduler %q: %w", name, err)
	}
	return s, nil
}
