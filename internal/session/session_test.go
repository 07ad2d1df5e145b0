package session

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AM-Campbell/sr/internal/domain"
	"github.com/AM-Campbell/sr/internal/storage"
)

func newTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "sr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

type fakeScheduler struct {
	reviews []domain.ReviewEvent
	next    *domain.Recommendation
}

func (f *fakeScheduler) ID() string { return "fake" }

func (f *fakeScheduler) OnReview(cardID int64, event domain.ReviewEvent) ([]domain.Recommendation, error) {
	f.reviews = append(f.reviews, event)
	if f.next == nil {
		return nil, nil
	}
	rec := *f.next
	rec.CardID = cardID
	return []domain.Recommendation{rec}, nil
}

func (f *fakeScheduler) OnCardCreated(int64) (*domain.Recommendation, error) { return nil, nil }
func (f *fakeScheduler) OnCardReplaced(int64, int64) (*domain.Recommendation, error) {
	return nil, nil
}
func (f *fakeScheduler) OnCardStatusChanged(int64, domain.Status) error { return nil }
func (f *fakeScheduler) OnRelationsChanged([]int64) ([]domain.Recommendation, error) {
	return nil, nil
}
func (f *fakeScheduler) ComputeAll([]int64) ([]domain.Recommendation, error) { return nil, nil }
func (f *fakeScheduler) Close() error { return nil }

// seedCard inserts an active gradable card, optionally with a "fake"
// scheduler recommendation at the given time.
func seedCard(t *testing.T, db *storage.DB, key string, recTime *time.Time) int64 {
	t.Helper()
	var id int64
	err := db.WithTx(func(tx *storage.Tx) error {
		var err error
		id, err = tx.InsertCard("/notes/test.md", key, "basic_qa",
			domain.ParsedCard{Key: key, DisplayText: key, Gradable: true, SourceLine: 1},
			`{"question":"q `+key+`","answer":"a"}`, "hash-"+key, domain.StatusActive)
		if err != nil {
			return err
		}
		if recTime != nil {
			return tx.UpsertRecommendation("fake", domain.Recommendation{
				CardID: id, Time: *recTime, PrecisionSeconds: 60,
			})
		}
		return nil
	})
	require.NoError(t, err)
	return id
}

func timePtr(t time.Time) *time.Time { return &t }

// fakeClock hands out strictly increasing instants, one second apart.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestNextOrdersByRecommendationWithUnscheduledLast(t *testing.T) {
	db := newTestDB(t)
	base := time.Now().UTC()
	late := seedCard(t, db, "qa_late", timePtr(base.Add(2*time.Hour)))
	early := seedCard(t, db, "qa_early", timePtr(base.Add(time.Hour)))
	unscheduled := seedCard(t, db, "qa_none", nil)

	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})

	var order []int64
	for {
		card, err := sess.Next()
		require.NoError(t, err)
		if card == nil {
			break
		}
		order = append(order, card.ID)
		_, err = sess.Flip()
		require.NoError(t, err)
		require.NoError(t, sess.Grade(1, "", nil))
	}
	assert.Equal(t, []int64{early, late, unscheduled}, order)
	assert.Equal(t, 3, sess.Reviewed())
}

func TestGradeRequiresFlip(t *testing.T) {
	db := newTestDB(t)
	seedCard(t, db, "qa_1", nil)
	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})

	card, err := sess.Next()
	require.NoError(t, err)
	require.NotNil(t, card)

	assert.ErrorIs(t, sess.Grade(1, "", nil), ErrNotFlipped)

	// The rejected grade must leave no trace.
	events, err := db.ReviewEvents(card.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestAutoGradeImpliesFlip(t *testing.T) {
	db := newTestDB(t)
	id := seedCard(t, db, "qa_1", nil)
	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})

	_, err := sess.Next()
	require.NoError(t, err)

	// A response payload carries its own evidence of seeing the answer.
	require.NoError(t, sess.Grade(0, "", map[string]any{"typed": "wrong answer"}))

	events, err := db.ReviewEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Grade)
	assert.Equal(t, "wrong answer", events[0].Response["typed"])
}

func TestGradeRecordsServerSideTiming(t *testing.T) {
	db := newTestDB(t)
	id := seedCard(t, db, "qa_1", nil)
	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})
	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	sess.now = clock.now

	_, err := sess.Next() // t+1s
	require.NoError(t, err)
	_, err = sess.Flip() // t+2s
	require.NoError(t, err)
	require.NoError(t, sess.Grade(1, "too_easy", nil)) // t+3s

	events, err := db.ReviewEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(1000), events[0].TimeOnFrontMS)
	assert.Equal(t, int64(2000), events[0].TimeOnCardMS)
	assert.Equal(t, "too_easy", events[0].Feedback)
	assert.Equal(t, sess.ID, events[0].SessionID)
}

func TestGradeStoresSchedulerRecommendation(t *testing.T) {
	db := newTestDB(t)
	id := seedCard(t, db, "qa_1", nil)
	next := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	sched := &fakeScheduler{next: &domain.Recommendation{Time: next, PrecisionSeconds: 3600}}
	sess := New(db, sched, storage.SelectionFilter{})

	_, err := sess.Next()
	require.NoError(t, err)
	_, err = sess.Flip()
	require.NoError(t, err)
	require.NoError(t, sess.Grade(1, "", nil))

	rec, err := db.Recommendation(id, "fake")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, rec.Time.Equal(next), "want %v, got %v", next, rec.Time)
	assert.Equal(t, 3600, rec.PrecisionSeconds)
}

func TestSkipWritesNoEvent(t *testing.T) {
	db := newTestDB(t)
	id := seedCard(t, db, "qa_1", nil)
	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})

	_, err := sess.Next()
	require.NoError(t, err)
	require.NoError(t, sess.Skip())

	events, err := db.ReviewEvents(id)
	require.NoError(t, err)
	assert.Empty(t, events)

	// Skipped cards do not come back within the session.
	card, err := sess.Next()
	require.NoError(t, err)
	assert.Nil(t, card)
}

func TestUndoRegradeAppendsSecondEvent(t *testing.T) {
	db := newTestDB(t)
	id := seedCard(t, db, "qa_1", nil)
	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})

	_, err := sess.Next()
	require.NoError(t, err)
	_, err = sess.Flip()
	require.NoError(t, err)
	require.NoError(t, sess.Grade(0, "", nil))
	assert.Equal(t, 1, sess.Reviewed())

	// Undo re-presents the card already flipped; history is untouched.
	card, err := sess.Undo()
	require.NoError(t, err)
	assert.Equal(t, id, card.ID)
	assert.Equal(t, 0, sess.Reviewed())

	require.NoError(t, sess.Grade(1, "", nil))

	events, err := db.ReviewEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, 0, events[0].Grade)
	assert.Equal(t, 1, events[1].Grade)
}

func TestUndoWithEmptyStack(t *testing.T) {
	db := newTestDB(t)
	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})
	_, err := sess.Undo()
	assert.ErrorIs(t, err, ErrNothingToUndo)
}

func TestGradeBuriesExclusiveSiblings(t *testing.T) {
	db := newTestDB(t)
	a := seedCard(t, db, "qa_a", nil)
	b := seedCard(t, db, "qa_b", nil)
	c := seedCard(t, db, "qa_c", nil)
	err := db.WithTx(func(tx *storage.Tx) error {
		_, err := tx.InsertRelation(a, b, domain.RelationMutuallyExclusive)
		return err
	})
	require.NoError(t, err)

	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})

	card, err := sess.Next()
	require.NoError(t, err)
	require.Equal(t, a, card.ID)
	_, err = sess.Flip()
	require.NoError(t, err)
	require.NoError(t, sess.Grade(1, "", nil))

	// b is buried with a; only c remains.
	card, err = sess.Next()
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, c, card.ID)

	// Undoing a's grade unburies b.
	_, err = sess.Undo()
	require.NoError(t, err)
	require.NoError(t, sess.Grade(1, "", nil))
	remaining, err := sess.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 1, remaining, "undo path must restore then re-bury consistently")
}

func TestSkipDoesNotBurySiblings(t *testing.T) {
	db := newTestDB(t)
	a := seedCard(t, db, "qa_a", nil)
	b := seedCard(t, db, "qa_b", nil)
	err := db.WithTx(func(tx *storage.Tx) error {
		_, err := tx.InsertRelation(a, b, domain.RelationMutuallyExclusive)
		return err
	})
	require.NoError(t, err)

	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})
	_, err = sess.Next()
	require.NoError(t, err)
	require.NoError(t, sess.Skip())

	card, err := sess.Next()
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, b, card.ID, "skipping must not bury exclusive siblings")
}

func TestSuspendCurrentCard(t *testing.T) {
	db := newTestDB(t)
	id := seedCard(t, db, "qa_1", timePtr(time.Now().UTC()))
	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{})

	_, err := sess.Next()
	require.NoError(t, err)
	require.NoError(t, sess.Suspend())

	status, err := db.CardStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInactive, status)

	rec, err := db.Recommendation(id, "fake")
	require.NoError(t, err)
	assert.Nil(t, rec)

	card, err := sess.Next()
	require.NoError(t, err)
	assert.Nil(t, card)
}

func TestFilterByTag(t *testing.T) {
	db := newTestDB(t)
	tagged := seedCard(t, db, "qa_tagged", nil)
	seedCard(t, db, "qa_plain", nil)
	err := db.WithTx(func(tx *storage.Tx) error {
		return tx.ReplaceTags(tagged, []string{"chemistry"})
	})
	require.NoError(t, err)

	sess := New(db, &fakeScheduler{}, storage.SelectionFilter{Tag: "chemistry"})
	card, err := sess.Next()
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, tagged, card.ID)

	remaining, err := sess.Remaining()
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

// reviewReader derives its recommendation from the review log itself,
// re-reading the store inside the hook.
type reviewReader struct {
	db   *storage.DB
	seen int
}

func (r *reviewReader) ID() string { return "reader" }

func (r *reviewReader) OnReview(cardID int64, event domain.ReviewEvent) ([]domain.Recommendation, error) {
	events, err := r.db.ReviewEvents(cardID)
	if err != nil {
		return nil, err
	}
	r.seen = len(events)
	next := event.Timestamp.Add(time.Duration(len(events)) * time.Hour)
	return []domain.Recommendation{{CardID: cardID, Time: next, PrecisionSeconds: 60}}, nil
}

func (r *reviewReader) OnCardCreated(int64) (*domain.Recommendation, error) { return nil, nil }
func (r *reviewReader) OnCardReplaced(int64, int64) (*domain.Recommendation, error) {
	return nil, nil
}
func (r *reviewReader) OnCardStatusChanged(int64, domain.Status) error { return nil }
func (r *reviewReader) OnRelationsChanged([]int64) ([]domain.Recommendation, error) {
	return nil, nil
}
func (r *reviewReader) ComputeAll([]int64) ([]domain.Recommendation, error) { return nil, nil }
func (r *reviewReader) Close() error { return nil }

func TestGradeHookCanReadTheStore(t *testing.T) {
	db := newTestDB(t)
	id := seedCard(t, db, "qa_1", nil)

	sched := &reviewReader{db: db}
	sess := New(db, sched, storage.SelectionFilter{})

	card, err := sess.Next()
	require.NoError(t, err)
	require.Equal(t, id, card.ID)
	_, err = sess.Flip()
	require.NoError(t, err)
	require.NoError(t, sess.Grade(1, "", nil))

	assert.Equal(t, 1, sched.seen, "the hook must see the review it is reacting to")

	rec, err := db.Recommendation(id, "reader")
	require.NoError(t, err)
	require.NotNil(t, rec)

	events, err := db.ReviewEvents(id)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, rec.Time.Equal(events[0].Timestamp.Add(time.Hour)))
}
