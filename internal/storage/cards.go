package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/AM-Campbell/sr/internal/domain"
)

// LiveCard is the slice of a card that reconciliation compares against:
// identity triple, fingerprint and current status.
type LiveCard struct {
	ID          int64
	SourcePath  string
	CardKey     string
	Adapter     string
	ContentHash string
	Status      domain.Status
}

// InsertCard inserts a card with its state row and tag set, returning the new id.
func (o ops) InsertCard(sourcePath, cardKey, adapterName string, card domain.ParsedCard,
	contentJSON, contentHash string, status domain.Status) (int64, error) {
	res, err := o.q.Exec(`
		INSERT INTO cards (source_path, card_key, adapter, content, content_hash, display_text, gradable, source_line)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sourcePath, cardKey, adapterName, contentJSON, contentHash,
		card.DisplayText, card.Gradable, card.SourceLine)
	if err != nil {
		return 0, fmt.Errorf("failed to insert card %s: %w", cardKey, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get inserted card id for %s: %w", cardKey, err)
	}
	if _, err := o.q.Exec(`INSERT INTO card_state (card_id, status) VALUES (?, ?)`, id, string(status)); err != nil {
		return 0, fmt.Errorf("failed to insert card state for %d: %w", id, err)
	}
	if err := o.ReplaceTags(id, card.Tags); err != nil {
		return 0, err
	}
	return id, nil
}

// FindLiveCard looks up a non-deleted card by its identity triple.
func (o ops) FindLiveCard(sourcePath, cardKey, adapterName string) (*LiveCard, error) {
	var lc LiveCard
	var status string
	err := o.q.QueryRow(`
		SELECT c.id, c.source_path, c.card_key, c.adapter, c.content_hash, cs.status
		FROM cards c JOIN card_state cs ON c.id = cs.card_id
		WHERE c.source_path = ? AND c.card_key = ? AND c.adapter = ?
		  AND cs.status IN ('active','inactive')
	`, sourcePath, cardKey, adapterName).Scan(
		&lc.ID, &lc.SourcePath, &lc.CardKey, &lc.Adapter, &lc.ContentHash, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find card (%s, %s, %s): %w", sourcePath, cardKey, adapterName, err)
	}
	lc.Status = domain.Status(status)
	return &lc, nil
}

// LiveCardsInScope returns non-deleted cards whose source path is one of the
// scanned sources, exactly one of the scanned files, or under one of the
// scanned directories. This is the eligibility set for orphan deletion: a
// card outside every scanned path is never touched by a pass.
func (o ops) LiveCardsInScope(sources, files, dirs []string) ([]LiveCard, error) {
	var conds []string
	var params []any
	if len(sources) > 0 {
		conds = append(conds, fmt.Sprintf("c.source_path IN (%s)", placeholders(len(sources))))
		for _, s := range sources {
			params = append(params, s)
		}
	}
	for _, f := range files {
		conds = append(conds, "c.source_path = ?")
		params = append(params, f)
	}
	for _, d := range dirs {
		conds = append(conds, "c.source_path LIKE ?")
		params = append(params, strings.TrimSuffix(d, "/")+"/%")
	}
	if len(conds) == 0 {
		return nil, nil
	}

	rows, err := o.q.Query(fmt.Sprintf(`
		SELECT c.id, c.source_path, c.card_key, c.adapter, c.content_hash, cs.status
		FROM cards c JOIN card_state cs ON c.id = cs.card_id
		WHERE (%s) AND cs.status IN ('active','inactive')
	`, strings.Join(conds, " OR ")), params...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cards in scope: %w", err)
	}
	defer rows.Close()

	var cards []LiveCard
	for rows.Next() {
		var lc LiveCard
		var status string
		if err := rows.Scan(&lc.ID, &lc.SourcePath, &lc.CardKey, &lc.Adapter, &lc.ContentHash, &status); err != nil {
			return nil, fmt.Errorf("failed to scan card row: %w", err)
		}
		lc.Status = domain.Status(status)
		cards = append(cards, lc)
	}
	return cards, rows.Err()
}

// GetCard fetches a full card row by id.
func (o ops) GetCard(id int64) (*domain.Card, error) {
	var c domain.Card
	var createdAt string
	err := o.q.QueryRow(`
		SELECT id, source_path, card_key, adapter, content, content_hash, display_text, gradable, source_line, created_at
		FROM cards WHERE id = ?
	`, id).Scan(&c.ID, &c.SourcePath, &c.CardKey, &c.Adapter, &c.Content, &c.ContentHash,
		&c.DisplayText, &c.Gradable, &c.SourceLine, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get card %d: %w", id, err)
	}
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// CardStatus returns the lifecycle status of a card.
func (o ops) CardStatus(id int64) (domain.Status, error) {
	var status string
	err := o.q.QueryRow(`SELECT status FROM card_state WHERE card_id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("card %d has no state row", id)
	}
	if err != nil {
		return "", fmt.Errorf("failed to get status for card %d: %w", id, err)
	}
	return domain.Status(status), nil
}

// UpdateCardMeta refreshes non-content-addressed card attributes.
func (o ops) UpdateCardMeta(id int64, displayText string, sourceLine int) error {
	if _, err := o.q.Exec(`UPDATE cards SET display_text = ?, source_line = ? WHERE id = ?`,
		displayText, sourceLine, id); err != nil {
		return fmt.Errorf("failed to update card %d: %w", id, err)
	}
	return nil
}

// SetStatus updates a card's lifecycle status.
func (o ops) SetStatus(id int64, status domain.Status) error {
	if _, err := o.q.Exec(`
		UPDATE card_state SET status = ?, updated_at = datetime('now') WHERE card_id = ?
	`, string(status), id); err != nil {
		return fmt.Errorf("failed to set status %s for card %d: %w", status, id, err)
	}
	return nil
}

// RetireCard marks a card deleted and renames its key to a namespaced
// variant, freeing the original key for the replacement card.
func (o ops) RetireCard(id int64) error {
	if err := o.SetStatus(id, domain.StatusDeleted); err != nil {
		return err
	}
	if _, err := o.q.Exec(`
		UPDATE cards SET card_key = card_key || '__replaced_' || CAST(id AS TEXT) WHERE id = ?
	`, id); err != nil {
		return fmt.Errorf("failed to rename retired card %d: %w", id, err)
	}
	return nil
}

// ReplaceTags makes the stored tag set exactly match tags. Tags carry no
// history: the latest declaration wins.
func (o ops) ReplaceTags(id int64, tags []string) error {
	existing, err := o.Tags(id)
	if err != nil {
		return err
	}
	want := make(map[string]bool, len(tags))
	for _, t := range tags {
		want[t] = true
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t] = true
	}
	for t := range want {
		if !have[t] {
			if _, err := o.q.Exec(`INSERT OR IGNORE INTO card_tags (card_id, tag) VALUES (?, ?)`, id, t); err != nil {
				return fmt.Errorf("failed to insert tag %q for card %d: %w", t, id, err)
			}
		}
	}
	for t := range have {
		if !want[t] {
			if _, err := o.q.Exec(`DELETE FROM card_tags WHERE card_id = ? AND tag = ?`, id, t); err != nil {
				return fmt.Errorf("failed to delete tag %q for card %d: %w", t, id, err)
			}
		}
	}
	return nil
}

// Tags returns the tag set of a card.
func (o ops) Tags(id int64) ([]string, error) {
	rows, err := o.q.Query(`SELECT tag FROM card_tags WHERE card_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get tags for card %d: %w", id, err)
	}
	defer rows.Close()

	var tags []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("failed to scan tag row: %w", err)
		}
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

// InsertRelation records a typed edge, deduplicated on the full triple.
// It reports whether a new row was actually written.
func (o ops) InsertRelation(upstream, downstream int64, relationType string) (bool, error) {
	res, err := o.q.Exec(`
		INSERT OR IGNORE INTO card_relations (upstream_card_id, downstream_card_id, relation_type)
		VALUES (?, ?, ?)
	`, upstream, downstream, relationType)
	if err != nil {
		return false, fmt.Errorf("failed to insert relation %d->%d (%s): %w", upstream, downstream, relationType, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check relation insert: %w", err)
	}
	return n > 0, nil
}

// Relations returns all relations touching a card, in either direction.
func (o ops) Relations(cardID int64) ([]domain.Relation, error) {
	rows, err := o.q.Query(`
		SELECT upstream_card_id, downstream_card_id, relation_type
		FROM card_relations WHERE upstream_card_id = ? OR downstream_card_id = ?
	`, cardID, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to get relations for card %d: %w", cardID, err)
	}
	defer rows.Close()

	var rels []domain.Relation
	for rows.Next() {
		var r domain.Relation
		if err := rows.Scan(&r.UpstreamCardID, &r.DownstreamCardID, &r.RelationType); err != nil {
			return nil, fmt.Errorf("failed to scan relation row: %w", err)
		}
		rels = append(rels, r)
	}
	return rels, rows.Err()
}

// FindActiveCardID resolves a relation target by source path and key.
func (o ops) FindActiveCardID(sourcePath, cardKey string) (int64, bool, error) {
	var id int64
	err := o.q.QueryRow(`
		SELECT c.id FROM cards c JOIN card_state cs ON c.id = cs.card_id
		WHERE c.source_path = ? AND c.card_key = ? AND cs.status = 'active'
	`, sourcePath, cardKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve card (%s, %s): %w", sourcePath, cardKey, err)
	}
	return id, true, nil
}

// ActiveCardIDs lists ids of all active cards, for scheduler recomputes.
func (o ops) ActiveCardIDs() ([]int64, error) {
	rows, err := o.q.Query(`
		SELECT c.id FROM cards c JOIN card_state cs ON c.id = cs.card_id
		WHERE cs.status = 'active' ORDER BY c.id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active cards: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan card id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MutuallyExclusiveSiblings lists cards joined to cardID by a
// mutually_exclusive relation in either direction.
func (o ops) MutuallyExclusiveSiblings(cardID int64) ([]int64, error) {
	rows, err := o.q.Query(`
		SELECT downstream_card_id AS sibling FROM card_relations
		WHERE upstream_card_id = ? AND relation_type = ?
		UNION
		SELECT upstream_card_id AS sibling FROM card_relations
		WHERE downstream_card_id = ? AND relation_type = ?
	`, cardID, domain.RelationMutuallyExclusive, cardID, domain.RelationMutuallyExclusive)
	if err != nil {
		return nil, fmt.Errorf("failed to get exclusive siblings for card %d: %w", cardID, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan sibling id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddFlag sets a flag on a card, replacing any existing note.
func (o ops) AddFlag(cardID int64, flag, note string) error {
	if _, err := o.q.Exec(`
		INSERT OR REPLACE INTO card_flags (card_id, flag, note) VALUES (?, ?, ?)
	`, cardID, flag, note); err != nil {
		return fmt.Errorf("failed to add flag %q to card %d: %w", flag, cardID, err)
	}
	return nil
}

// RemoveFlag clears a flag from a card.
func (o ops) RemoveFlag(cardID int64, flag string) error {
	if _, err := o.q.Exec(`DELETE FROM card_flags WHERE card_id = ? AND flag = ?`, cardID, flag); err != nil {
		return fmt.Errorf("failed to remove flag %q from card %d: %w", flag, cardID, err)
	}
	return nil
}

// Flags returns the flags set on a card.
func (o ops) Flags(cardID int64) ([]domain.Flag, error) {
	rows, err := o.q.Query(`SELECT flag, COALESCE(note, '') FROM card_flags WHERE card_id = ? ORDER BY flag`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to get flags for card %d: %w", cardID, err)
	}
	defer rows.Close()

	var flags []domain.Flag
	for rows.Next() {
		var f domain.Flag
		if err := rows.Scan(&f.Flag, &f.Note); err != nil {
			return nil, fmt.Errorf("failed to scan flag row: %w", err)
		}
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
