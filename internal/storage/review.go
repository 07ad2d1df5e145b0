package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AM-Campbell/sr/internal/domain"
)

// SelectionFilter narrows session card selection. Zero value means no filter.
type SelectionFilter struct {
	Tag                string
	PathPrefix         string
	Flag               string
	IncludeNonGradable bool
}

func (f SelectionFilter) clauses(excluded []int64) (string, []any) {
	var conds []string
	var params []any
	if !f.IncludeNonGradable {
		conds = append(conds, "c.gradable = 1")
	}
	if f.Tag != "" {
		conds = append(conds, "c.id IN (SELECT card_id FROM card_tags WHERE tag = ?)")
		params = append(params, f.Tag)
	}
	if f.PathPrefix != "" {
		conds = append(conds, "c.source_path LIKE ?")
		params = append(params, f.PathPrefix+"%")
	}
	if f.Flag != "" {
		conds = append(conds, "c.id IN (SELECT card_id FROM card_flags WHERE flag = ?)")
		params = append(params, f.Flag)
	}
	if len(excluded) > 0 {
		conds = append(conds, fmt.Sprintf("c.id NOT IN (%s)", placeholders(len(excluded))))
		for _, id := range excluded {
			params = append(params, id)
		}
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " AND " + strings.Join(conds, " AND "), params
}

// NextCard picks the next card for review: active, matching the filter and
// not excluded, ordered by the scheduler's recommendation time with
// unscheduled cards last. A card with no recommendation still appears;
// scheduling gaps never hide a card.
func (o ops) NextCard(schedulerID string, f SelectionFilter, excluded []int64) (*domain.Card, error) {
	extra, params := f.clauses(excluded)
	query := fmt.Sprintf(`
		SELECT c.id, c.source_path, c.card_key, c.adapter, c.content, c.content_hash,
		       c.display_text, c.gradable, c.source_line, c.created_at
		FROM cards c
		JOIN card_state cs ON c.id = cs.card_id
		LEFT JOIN recommendations r ON c.id = r.card_id AND r.scheduler_id = ?
		WHERE cs.status = 'active'%s
		ORDER BY CASE WHEN r.time IS NULL THEN 1 ELSE 0 END, r.time ASC, c.id ASC
		LIMIT 1
	`, extra)
	args := append([]any{schedulerID}, params...)

	var c domain.Card
	var createdAt string
	err := o.q.QueryRow(query, args...).Scan(
		&c.ID, &c.SourcePath, &c.CardKey, &c.Adapter, &c.Content, &c.ContentHash,
		&c.DisplayText, &c.Gradable, &c.SourceLine, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next card: %w", err)
	}
	if c.CreatedAt, err = ParseTime(createdAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// RemainingCount counts cards still selectable under the same criteria.
func (o ops) RemainingCount(schedulerID string, f SelectionFilter, excluded []int64) (int, error) {
	extra, params := f.clauses(excluded)
	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM cards c
		JOIN card_state cs ON c.id = cs.card_id
		LEFT JOIN recommendations r ON c.id = r.card_id AND r.scheduler_id = ?
		WHERE cs.status = 'active'%s
	`, extra)
	args := append([]any{schedulerID}, params...)

	var n int
	if err := o.q.QueryRow(query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count remaining cards: %w", err)
	}
	return n, nil
}

// AppendReview writes one review event. review_log is append-only; nothing
// ever updates or deletes these rows.
func (o ops) AppendReview(event domain.ReviewEvent) (int64, error) {
	var response any
	if event.Response != nil {
		b, err := json.Marshal(event.Response)
		if err != nil {
			return 0, fmt.Errorf("failed to encode review response: %w", err)
		}
		response = string(b)
	}
	var feedback any
	if event.Feedback != "" {
		feedback = event.Feedback
	}
	res, err := o.q.Exec(`
		INSERT INTO review_log (card_id, session_id, timestamp, grade, time_on_front_ms, time_on_card_ms, feedback, response)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.CardID, event.SessionID, FormatTime(event.Timestamp), event.Grade,
		event.TimeOnFrontMS, event.TimeOnCardMS, feedback, response)
	if err != nil {
		return 0, fmt.Errorf("failed to append review for card %d: %w", event.CardID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get review log id: %w", err)
	}
	return id, nil
}

// ReviewEvents returns all logged reviews for a card, oldest first.
func (o ops) ReviewEvents(cardID int64) ([]domain.ReviewEvent, error) {
	rows, err := o.q.Query(`
		SELECT id, card_id, COALESCE(session_id, ''), timestamp, grade,
		       COALESCE(time_on_front_ms, 0), COALESCE(time_on_card_ms, 0),
		       COALESCE(feedback, ''), response
		FROM review_log WHERE card_id = ? ORDER BY id
	`, cardID)
	if err != nil {
		return nil, fmt.Errorf("failed to get review log for card %d: %w", cardID, err)
	}
	defer rows.Close()

	var events []domain.ReviewEvent
	for rows.Next() {
		var e domain.ReviewEvent
		var ts string
		var response sql.NullString
		if err := rows.Scan(&e.ID, &e.CardID, &e.SessionID, &ts, &e.Grade,
			&e.TimeOnFrontMS, &e.TimeOnCardMS, &e.Feedback, &response); err != nil {
			return nil, fmt.Errorf("failed to scan review row: %w", err)
		}
		if e.Timestamp, err = ParseTime(ts); err != nil {
			return nil, err
		}
		if response.Valid {
			if err := json.Unmarshal([]byte(response.String), &e.Response); err != nil {
				return nil, fmt.Errorf("failed to decode review response: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertRecommendation replaces the scheduler's recommendation for a card.
// Keyed by (card, scheduler): a fresh recommendation supersedes the old one.
func (o ops) UpsertRecommendation(schedulerID string, rec domain.Recommendation) error {
	if _, err := o.q.Exec(`
		INSERT OR REPLACE INTO recommendations (card_id, scheduler_id, time, precision_seconds)
		VALUES (?, ?, ?, ?)
	`, rec.CardID, schedulerID, FormatTime(rec.Time), rec.PrecisionSeconds); err != nil {
		return fmt.Errorf("failed to upsert recommendation for card %d: %w", rec.CardID, err)
	}
	return nil
}

// PurgeRecommendations drops every scheduler's recommendations for a card.
// Suspended and deleted cards must never appear as due.
func (o ops) PurgeRecommendations(cardID int64) error {
	if _, err := o.q.Exec(`DELETE FROM recommendations WHERE card_id = ?`, cardID); err != nil {
		return fmt.Errorf("failed to purge recommendations for card %d: %w", cardID, err)
	}
	return nil
}

// Recommendation returns a scheduler's current recommendation for a card,
// or nil when the card is unscheduled.
func (o ops) Recommendation(cardID int64, schedulerID string) (*domain.Recommendation, error) {
	var rec domain.Recommendation
	var ts string
	err := o.q.QueryRow(`
		SELECT card_id, time, precision_seconds FROM recommendations
		WHERE card_id = ? AND scheduler_id = ?
	`, cardID, schedulerID).Scan(&rec.CardID, &ts, &rec.PrecisionSeconds)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recommendation for card %d: %w", cardID, err)
	}
	if rec.Time, err = ParseTime(ts); err != nil {
		return nil, err
	}
	return &rec, nil
}

// StoreStats are the counters shown by the status command.
type StoreStats struct {
	Active        int
	Gradable      int
	DueNow        int
	ReviewedToday int
	TotalReviews  int
}

// Stats aggregates store-wide counters.
func (o ops) Stats() (*StoreStats, error) {
	var s StoreStats
	queries := []struct {
		dst   *int
		query string
	}{
		{&s.Active, `SELECT COUNT(*) FROM cards c JOIN card_state cs ON c.id = cs.card_id WHERE cs.status = 'active'`},
		{&s.Gradable, `SELECT COUNT(*) FROM cards c JOIN card_state cs ON c.id = cs.card_id WHERE cs.status = 'active' AND c.gradable = 1`},
		{&s.DueNow, `SELECT COUNT(*) FROM recommendations r JOIN card_state cs ON r.card_id = cs.card_id WHERE cs.status = 'active' AND r.time <= datetime('now')`},
		{&s.ReviewedToday, `SELECT COUNT(*) FROM review_log WHERE timestamp >= date('now')`},
		{&s.TotalReviews, `SELECT COUNT(*) FROM review_log`},
	}
	for _, q := range queries {
		if err := o.q.QueryRow(q.query).Scan(q.dst); err != nil {
			return nil, fmt.Errorf("failed to compute store stats: %w", err)
		}
	}
	return &s, nil
}

// SourceCount is the per-source card count for the status command.
type SourceCount struct {
	SourcePath string
	Count      int
}

// SourceCounts groups active cards by source path.
func (o ops) SourceCounts() ([]SourceCount, error) {
	rows, err := o.q.Query(`
		SELECT c.source_path, COUNT(*) FROM cards c
		JOIN card_state cs ON c.id = cs.card_id
		WHERE cs.status = 'active'
		GROUP BY c.source_path ORDER BY c.source_path
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count cards by source: %w", err)
	}
	defer rows.Close()

	var counts []SourceCount
	for rows.Next() {
		var sc SourceCount
		if err := rows.Scan(&sc.SourcePath, &sc.Count); err != nil {
			return nil, fmt.Errorf("failed to scan source count: %w", err)
		}
		counts = append(counts, sc)
	}
	return counts, rows.Err()
}

// DeckRow feeds the deck tree: one row per gradable, non-deleted card.
type DeckRow struct {
	SourcePath string
	Status     domain.Status
	Due        bool
}

// DeckRows lists gradable cards with their status and dueness.
func (o ops) DeckRows() ([]DeckRow, error) {
	rows, err := o.q.Query(`
		SELECT c.source_path, cs.status,
		       CASE WHEN r.time IS NOT NULL AND r.time <= datetime('now') THEN 1 ELSE 0 END
		FROM cards c
		JOIN card_state cs ON c.id = cs.card_id
		LEFT JOIN recommendations r ON c.id = r.card_id
		WHERE c.gradable = 1 AND cs.status IN ('active', 'inactive')
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query deck rows: %w", err)
	}
	defer rows.Close()

	var result []DeckRow
	for rows.Next() {
		var dr DeckRow
		var status string
		if err := rows.Scan(&dr.SourcePath, &status, &dr.Due); err != nil {
			return nil, fmt.Errorf("failed to scan deck row: %w", err)
		}
		dr.Status = domain.Status(status)
		result = append(result, dr)
	}
	return result, rows.Err()
}
