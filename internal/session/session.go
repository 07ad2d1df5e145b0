// Package session drives one interactive review session: card selection,
// the flip/grade/skip/undo state machine, and server-side dwell timing.
// Session state is scoped to a token; the shared card store underneath is
// only touched through atomic, append-only operations.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AM-Campbell/sr/internal/domain"
	"github.com/AM-Campbell/sr/internal/scheduler"
	"github.com/AM-Campbell/sr/internal/storage"
)

var (
	// ErrNoCurrentCard is returned for operations that need a presented card.
	ErrNoCurrentCard = errors.New("no current card")
	// ErrNotFlipped is returned when grading a card that was never flipped.
	ErrNotFlipped = errors.New("card has not been flipped")
	// ErrNothingToUndo is returned when the undo stack is empty.
	ErrNothingToUndo = errors.New("nothing to undo")
)

type undoFrame struct {
	card     *domain.Card
	excluded []int64 // exclusive siblings buried by this grade
}

// Session is the per-token review state machine. All timing comes from the
// server clock; a client cannot claim its own dwell times.
type Session struct {
	ID    string // session identifier recorded on review events
	Token string

	db     *storage.DB
	sched  scheduler.Scheduler
	filter storage.SelectionFilter
	now    func() time.Time

	mu          sync.Mutex
	current     *domain.Card
	serveTime   time.Time
	flipTime    time.Time
	flipped     bool
	reviewed    int
	reviewedIDs map[int64]bool
	undoStack   []undoFrame
}

// New creates a session over the store. sched may be nil, in which case
// reviews are logged but produce no new recommendations.
func New(db *storage.DB, sched scheduler.Scheduler, filter storage.SelectionFilter) *Session {
	return &Session{
		ID:          uuid.NewString(),
		Token:       uuid.NewString(),
		db:          db,
		sched:       sched,
		filter:      filter,
		now:         time.Now,
		reviewedIDs: map[int64]bool{},
	}
}

func (s *Session) schedulerID() string {
	if s.sched == nil {
		return ""
	}
	return s.sched.ID()
}

func (s *Session) excluded() []int64 {
	ids := make([]int64, 0, len(s.reviewedIDs))
	for id := range s.reviewedIDs {
		ids = append(ids, id)
	}
	return ids
}

// Next selects and presents the next card: earliest recommendation first,
// unscheduled cards last, skipping everything already handled in this
// session. Returns nil when the session is exhausted.
func (s *Session) Next() (*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, err := s.db.NextCard(s.schedulerID(), s.filter, s.excluded())
	if err != nil {
		return nil, err
	}
	if card == nil {
		s.current = nil
		return nil, nil
	}
	s.current = card
	s.serveTime = s.now()
	s.flipped = false
	return card, nil
}

// Current returns the presented card, if any.
func (s *Session) Current() *domain.Card {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Flip reveals the back of the presented card and closes the front timer.
func (s *Session) Flip() (*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return nil, ErrNoCurrentCard
	}
	s.flipTime = s.now()
	s.flipped = true
	return s.current, nil
}

// Grade records a review for the flipped card and advances the session.
// A grade with a response payload is an auto-grade: it implies the flip.
// The review event is appended, never rewritten; the scheduler sees it via
// OnReview once the event has committed, so the hook may read the store,
// including the event it is reacting to.
func (s *Session) Grade(grade int, feedback string, response map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoCurrentCard
	}
	if !s.flipped {
		if response == nil {
			return ErrNotFlipped
		}
		s.flipTime = s.now()
		s.flipped = true
	}

	now := s.now()
	event := domain.ReviewEvent{
		CardID:        s.current.ID,
		SessionID:     s.ID,
		Timestamp:     now.UTC(),
		Grade:         grade,
		TimeOnFrontMS: s.flipTime.Sub(s.serveTime).Milliseconds(),
		TimeOnCardMS:  now.Sub(s.serveTime).Milliseconds(),
		Feedback:      feedback,
		Response:      response,
	}

	err := s.db.WithTx(func(tx *storage.Tx) error {
		_, err := tx.AppendReview(event)
		return err
	})
	if err != nil {
		return err
	}

	if s.sched != nil {
		recs, err := s.sched.OnReview(event.CardID, event)
		if err != nil {
			// The review stays logged; the card just ends up unscheduled.
			slog.Warn("Scheduler on_review failed", "card", event.CardID, "error", err)
		} else if len(recs) > 0 {
			err := s.db.WithTx(func(tx *storage.Tx) error {
				for _, rec := range recs {
					if err := tx.UpsertRecommendation(s.sched.ID(), rec); err != nil {
						return err
					}
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
	}

	s.finish(true)
	return nil
}

// Skip advances past the presented card without writing a review event.
func (s *Session) Skip() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoCurrentCard
	}
	s.finish(false)
	return nil
}

// finish retires the current card from the session. Graded cards also bury
// their mutually-exclusive siblings for the rest of the session.
func (s *Session) finish(graded bool) {
	frame := undoFrame{card: s.current}
	s.reviewedIDs[s.current.ID] = true

	if graded {
		siblings, err := s.db.MutuallyExclusiveSiblings(s.current.ID)
		if err != nil {
			slog.Warn("Failed to look up exclusive siblings", "card", s.current.ID, "error", err)
		}
		for _, id := range siblings {
			if !s.reviewedIDs[id] {
				frame.excluded = append(frame.excluded, id)
				s.reviewedIDs[id] = true
			}
		}
	}

	s.undoStack = append(s.undoStack, frame)
	s.reviewed++
	s.current = nil
}

// Undo re-presents the most recently completed card with both sides
// visible. It is pure navigation: the prior review event stays in the log,
// and grading again appends a new, independent event.
func (s *Session) Undo() (*domain.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.undoStack) == 0 {
		return nil, ErrNothingToUndo
	}
	frame := s.undoStack[len(s.undoStack)-1]
	s.undoStack = s.undoStack[:len(s.undoStack)-1]

	delete(s.reviewedIDs, frame.card.ID)
	for _, id := range frame.excluded {
		delete(s.reviewedIDs, id)
	}

	s.current = frame.card
	s.serveTime = s.now()
	s.flipTime = s.serveTime
	s.flipped = true
	s.reviewed--
	return s.current, nil
}

// Suspend deactivates the presented card and advances past it: status goes
// inactive, its recommendations are purged, and the scheduler is told.
func (s *Session) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoCurrentCard
	}
	cardID := s.current.ID
	err := s.db.WithTx(func(tx *storage.Tx) error {
		if err := tx.SetStatus(cardID, domain.StatusInactive); err != nil {
			return err
		}
		return tx.PurgeRecommendations(cardID)
	})
	if err != nil {
		return err
	}
	if s.sched != nil {
		if err := s.sched.OnCardStatusChanged(cardID, domain.StatusInactive); err != nil {
			slog.Warn("Scheduler on_card_status_changed failed", "card", cardID, "error", err)
		}
	}
	s.finish(false)
	return nil
}

// Reviewed reports how many cards this session has completed.
func (s *Session) Reviewed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reviewed
}

// Remaining counts cards still selectable in this session.
func (s *Session) Remaining() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.RemainingCount(s.schedulerID(), s.filter, s.excluded())
}
