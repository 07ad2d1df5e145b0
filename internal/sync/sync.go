// Package sync is the reconciliation engine: it converges the card store to
// match freshly scanned source content. Each source unit is applied inside
// one transaction under the store write lock, so a half-applied replacement
// is never observable. Scheduler hooks are dispatched after the unit's
// transaction commits: a hook may read the store freely, and its failure
// only costs the affected card its recommendation.
package sync

import (
	"fmt"
	"log/slog"

	"github.com/AM-Campbell/sr/internal/domain"
	"github.com/AM-Campbell/sr/internal/knol"
	"github.com/AM-Campbell/sr/internal/scheduler"
	"github.com/AM-Campbell/sr/internal/storage"
)

// Stats summarizes one reconciliation pass.
type Stats struct {
	New       int
	Updated   int
	Deleted   int
	Unchanged int
}

// Engine reconciles scan results against the store, notifying the scheduler
// of lifecycle events. A nil scheduler is allowed; cards then simply stay
// unscheduled.
type Engine struct {
	db    *storage.DB
	sched scheduler.Scheduler
}

// New creates a reconciliation engine.
func New(db *storage.DB, sched scheduler.Scheduler) *Engine {
	return &Engine{db: db, sched: sched}
}

type identity struct {
	sourcePath  string
	cardKey     string
	adapterName string
}

type replacement struct {
	oldID     int64
	newID     int64
	newStatus domain.Status
}

type statusChange struct {
	cardID int64
	status domain.Status
}

// hookEvents is the lifecycle log of one committed transaction, replayed to
// the scheduler once the transaction is no longer holding the connection.
type hookEvents struct {
	created  []int64
	replaced []replacement
	statuses []statusChange
}

// Reconcile applies one scan's results. scopeFiles and scopeDirs are the
// paths that were actually scanned: only stored cards under them are
// eligible for orphan deletion, so a partial scan never deletes cards that
// live elsewhere.
func (e *Engine) Reconcile(results []domain.ScanResult, scopeFiles, scopeDirs []string) (*Stats, error) {
	stats := &Stats{}

	sources := make([]string, 0, len(results))
	for _, r := range results {
		sources = append(sources, r.SourcePath)
	}

	existing, err := e.db.LiveCardsInScope(sources, scopeFiles, scopeDirs)
	if err != nil {
		return nil, fmt.Errorf("reconcile: %w", err)
	}
	existingByKey := make(map[identity]*storage.LiveCard, len(existing))
	for i := range existing {
		lc := &existing[i]
		existingByKey[identity{lc.SourcePath, lc.CardKey, lc.Adapter}] = lc
	}

	for _, result := range results {
		unitStats, err := e.reconcileUnit(result, existingByKey)
		if err != nil {
			// A store invariant violation is fatal for this unit only;
			// sibling units still get reconciled.
			slog.Error("Failed to reconcile source unit", "path", result.SourcePath, "error", err)
			continue
		}
		stats.New += unitStats.New
		stats.Updated += unitStats.Updated
		stats.Unchanged += unitStats.Unchanged
	}

	// Rule 6: whatever is left in the scope set was not produced by any
	// scanned source, so its origin is gone.
	for _, lc := range existingByKey {
		if err := e.deleteOrphan(lc); err != nil {
			slog.Error("Failed to delete orphaned card", "card", lc.ID, "error", err)
			continue
		}
		stats.Deleted++
	}

	if err := e.syncRelations(results); err != nil {
		slog.Error("Failed to sync relations", "error", err)
	}

	return stats, nil
}

// reconcileUnit applies rules 1-5 for one source unit. Matched identities
// are removed from existingByKey before the transaction runs, so a failed
// unit never leaks its cards into rule 6.
func (e *Engine) reconcileUnit(result domain.ScanResult, existingByKey map[identity]*storage.LiveCard) (*Stats, error) {
	type plan struct {
		card     domain.ParsedCard
		content  string
		hash     string
		declared domain.Status
		current  *storage.LiveCard // nil for pure inserts
	}

	var plans []plan
	for _, card := range result.Cards {
		canonical, err := knol.Canonical(card.Content)
		if err != nil {
			slog.Warn("Skipping card with bad content", "path", result.SourcePath, "key", card.Key, "error", err)
			continue
		}
		hash, err := knol.Fingerprint(card.Content)
		if err != nil {
			slog.Warn("Skipping card with bad content", "path", result.SourcePath, "key", card.Key, "error", err)
			continue
		}
		declared := domain.StatusActive
		if card.Suspended || result.Suspended {
			declared = domain.StatusInactive
		}
		key := identity{result.SourcePath, card.Key, result.Adapter}
		p := plan{card: card, content: string(canonical), hash: hash, declared: declared, current: existingByKey[key]}
		delete(existingByKey, key)
		plans = append(plans, p)
	}

	stats := &Stats{}
	var events hookEvents
	err := e.db.WithTx(func(tx *storage.Tx) error {
		for _, p := range plans {
			switch {
			case p.current == nil:
				// Rule 5: pure insert.
				id, err := tx.InsertCard(result.SourcePath, p.card.Key, result.Adapter, p.card, p.content, p.hash, p.declared)
				if err != nil {
					return err
				}
				if p.declared == domain.StatusActive {
					events.created = append(events.created, id)
				}
				stats.New++

			case p.current.ContentHash == p.hash:
				// Tags are not content-addressed: the latest declaration
				// always wins, even on an otherwise untouched card.
				if err := tx.ReplaceTags(p.current.ID, p.card.Tags); err != nil {
					return err
				}
				if err := tx.UpdateCardMeta(p.current.ID, p.card.DisplayText, p.card.SourceLine); err != nil {
					return err
				}
				switch {
				case p.current.Status == p.declared:
					// Rule 1: no-op.
					stats.Unchanged++
				case p.declared == domain.StatusInactive:
					// Rule 2: suspension. A suspended card must never
					// surface as due, so its recommendations go too.
					if err := tx.SetStatus(p.current.ID, domain.StatusInactive); err != nil {
						return err
					}
					if err := tx.PurgeRecommendations(p.current.ID); err != nil {
						return err
					}
					events.statuses = append(events.statuses, statusChange{p.current.ID, domain.StatusInactive})
					stats.Updated++
				default:
					// Rule 3: reactivation, surfaced as "newly available".
					if err := tx.SetStatus(p.current.ID, domain.StatusActive); err != nil {
						return err
					}
					events.created = append(events.created, p.current.ID)
					stats.Updated++
				}

			default:
				// Rule 4: content edit. Retire the old card under a
				// namespaced key, insert the replacement under the original
				// key, and record lineage unconditionally.
				if err := tx.RetireCard(p.current.ID); err != nil {
					return err
				}
				newID, err := tx.InsertCard(result.SourcePath, p.card.Key, result.Adapter, p.card, p.content, p.hash, p.declared)
				if err != nil {
					return err
				}
				if _, err := tx.InsertRelation(p.current.ID, newID, domain.RelationReplacedBy); err != nil {
					return err
				}
				events.replaced = append(events.replaced, replacement{p.current.ID, newID, p.declared})
				stats.Updated++
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.dispatch(events)
	return stats, nil
}

func (e *Engine) deleteOrphan(lc *storage.LiveCard) error {
	err := e.db.WithTx(func(tx *storage.Tx) error {
		if err := tx.SetStatus(lc.ID, domain.StatusDeleted); err != nil {
			return err
		}
		return tx.PurgeRecommendations(lc.ID)
	})
	if err != nil {
		return err
	}
	e.notifyStatus(lc.ID, domain.StatusDeleted)
	return nil
}

// dispatch replays committed lifecycle events to the scheduler and stores
// the recommendations it hands back. Nothing here holds the write lock, so
// a hook that reads the store sees the state it was notified about.
func (e *Engine) dispatch(events hookEvents) {
	if e.sched == nil {
		return
	}

	var recs []domain.Recommendation
	for _, id := range events.created {
		rec, err := e.sched.OnCardCreated(id)
		if err != nil {
			slog.Warn("Scheduler on_card_created failed", "card", id, "error", err)
			continue
		}
		if rec != nil {
			recs = append(recs, *rec)
		}
	}
	for _, r := range events.replaced {
		rec, err := e.sched.OnCardReplaced(r.oldID, r.newID)
		if err != nil {
			slog.Warn("Scheduler on_card_replaced failed", "old", r.oldID, "new", r.newID, "error", err)
			continue
		}
		// A suspended replacement must not carry a recommendation.
		if rec != nil && r.newStatus == domain.StatusActive {
			recs = append(recs, *rec)
		}
	}
	for _, c := range events.statuses {
		e.notifyStatus(c.cardID, c.status)
	}

	if len(recs) == 0 {
		return
	}
	err := e.db.WithTx(func(tx *storage.Tx) error {
		for _, rec := range recs {
			if err := tx.UpsertRecommendation(e.sched.ID(), rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		slog.Warn("Failed to store recommendations", "error", err)
	}
}

// syncRelations records adapter-declared relations after all units have
// settled, then lets the scheduler re-derive whatever constraints it keeps.
func (e *Engine) syncRelations(results []domain.ScanResult) error {
	changed := map[int64]bool{}
	err := e.db.WithTx(func(tx *storage.Tx) error {
		for _, result := range results {
			for _, card := range result.Cards {
				if len(card.Relations) == 0 {
					continue
				}
				cardID, ok, err := tx.FindActiveCardID(result.SourcePath, card.Key)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				for _, rel := range card.Relations {
					targetSource := rel.TargetSource
					if targetSource == "" {
						targetSource = result.SourcePath
					}
					targetID, ok, err := tx.FindActiveCardID(targetSource, rel.TargetKey)
					if err != nil {
						return err
					}
					if !ok {
						continue
					}
					inserted, err := tx.InsertRelation(cardID, targetID, rel.RelationType)
					if err != nil {
						return err
					}
					if inserted {
						changed[cardID] = true
						changed[targetID] = true
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if e.sched == nil || len(changed) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(changed))
	for id := range changed {
		ids = append(ids, id)
	}
	recs, err := e.sched.OnRelationsChanged(ids)
	if err != nil {
		slog.Warn("Scheduler on_relations_changed failed", "error", err)
		return nil
	}
	return e.db.WithTx(func(tx *storage.Tx) error {
		for _, rec := range recs {
			if err := tx.UpsertRecommendation(e.sched.ID(), rec); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) notifyStatus(cardID int64, status domain.Status) {
	if e.sched == nil {
		return
	}
	if err := e.sched.OnCardStatusChanged(cardID, status); err != nil {
		slog.Warn("Scheduler on_card_status_changed failed", "card", cardID, "status", status, "error", err)
	}
}
