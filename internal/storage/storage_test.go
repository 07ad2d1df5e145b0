package storage

import (
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AM-Campbell/sr/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "sr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func insert(t *testing.T, db *DB, sourcePath, key string, status domain.Status) int64 {
	t.Helper()
	var id int64
	err := db.WithTx(func(tx *Tx) error {
		var err error
		id, err = tx.InsertCard(sourcePath, key, "basic_qa",
			domain.ParsedCard{Key: key, DisplayText: key, Gradable: true, SourceLine: 1},
			`{"question":"q","answer":"a"}`, "hash-"+sourcePath+"-"+key, status)
		return err
	})
	require.NoError(t, err)
	return id
}

func TestTimeRoundTrip(t *testing.T) {
	orig := time.Date(2026, 8, 29, 15, 4, 5, 999999999, time.UTC)
	parsed, err := ParseTime(FormatTime(orig))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(orig.Truncate(time.Second)))
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	boom := errors.New("boom")
	err := db.WithTx(func(tx *Tx) error {
		if _, err := tx.InsertCard("/n/a.md", "qa_1", "basic_qa",
			domain.ParsedCard{Key: "qa_1", Gradable: true},
			`{}`, "h", domain.StatusActive); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, ok, err := db.FindActiveCardID("/n/a.md", "qa_1")
	require.NoError(t, err)
	assert.False(t, ok, "rolled back insert must not be visible")
}

func TestRetireCardRenamesKey(t *testing.T) {
	db := newTestDB(t)
	id := insert(t, db, "/n/a.md", "qa_1", domain.StatusActive)
	err := db.WithTx(func(tx *Tx) error { return tx.RetireCard(id) })
	require.NoError(t, err)

	card, err := db.GetCard(id)
	require.NoError(t, err)
	assert.Equal(t, "qa_1__replaced_"+strconv.FormatInt(id, 10), card.CardKey)

	status, err := db.CardStatus(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeleted, status)

	// The original key is free again for a live card.
	_, ok, err := db.FindActiveCardID("/n/a.md", "qa_1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMutuallyExclusiveSiblingsAreSymmetric(t *testing.T) {
	db := newTestDB(t)
	a := insert(t, db, "/n/a.md", "qa_1", domain.StatusActive)
	b := insert(t, db, "/n/a.md", "qa_2", domain.StatusActive)
	err := db.WithTx(func(tx *Tx) error {
		_, err := tx.InsertRelation(a, b, domain.RelationMutuallyExclusive)
		return err
	})
	require.NoError(t, err)

	got, err := db.MutuallyExclusiveSiblings(a)
	require.NoError(t, err)
	assert.Equal(t, []int64{b}, got)

	got, err = db.MutuallyExclusiveSiblings(b)
	require.NoError(t, err)
	assert.Equal(t, []int64{a}, got)
}

func TestInsertRelationIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	a := insert(t, db, "/n/a.md", "qa_1", domain.StatusActive)
	b := insert(t, db, "/n/a.md", "qa_2", domain.StatusActive)

	err := db.WithTx(func(tx *Tx) error {
		inserted, err := tx.InsertRelation(a, b, domain.RelationMutuallyExclusive)
		require.NoError(t, err)
		assert.True(t, inserted)

		inserted, err = tx.InsertRelation(a, b, domain.RelationMutuallyExclusive)
		require.NoError(t, err)
		assert.False(t, inserted, "duplicate relation must not report as new")
		return nil
	})
	require.NoError(t, err)
}

func TestLiveCardsInScope(t *testing.T) {
	db := newTestDB(t)
	inDir := insert(t, db, "/notes/deep/a.md", "qa_1", domain.StatusActive)
	asFile := insert(t, db, "/other/b.md", "qa_1", domain.StatusActive)
	outside := insert(t, db, "/elsewhere/c.md", "qa_1", domain.StatusActive)
	deleted := insert(t, db, "/notes/deep/d.md", "qa_1", domain.StatusDeleted)

	cards, err := db.LiveCardsInScope(nil, []string{"/other/b.md"}, []string{"/notes"})
	require.NoError(t, err)

	ids := make([]int64, 0, len(cards))
	for _, c := range cards {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []int64{inDir, asFile}, ids)
	assert.NotContains(t, ids, outside)
	assert.NotContains(t, ids, deleted)
}

func TestNextCardPrefersEarlierRecommendation(t *testing.T) {
	db := newTestDB(t)
	late := insert(t, db, "/n/a.md", "qa_1", domain.StatusActive)
	early := insert(t, db, "/n/a.md", "qa_2", domain.StatusActive)
	none := insert(t, db, "/n/a.md", "qa_3", domain.StatusActive)

	now := time.Now().UTC()
	err := db.WithTx(func(tx *Tx) error {
		if err := tx.UpsertRecommendation("sm2", domain.Recommendation{CardID: late, Time: now.Add(2 * time.Hour), PrecisionSeconds: 60}); err != nil {
			return err
		}
		return tx.UpsertRecommendation("sm2", domain.Recommendation{CardID: early, Time: now.Add(time.Hour), PrecisionSeconds: 60})
	})
	require.NoError(t, err)

	card, err := db.NextCard("sm2", SelectionFilter{}, nil)
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, early, card.ID)

	// A future recommendation still surfaces: availability is never gated
	// on dueness.
	card, err = db.NextCard("sm2", SelectionFilter{}, []int64{early, late})
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, none, card.ID)

	// Another scheduler's recommendations are invisible.
	card, err = db.NextCard("other", SelectionFilter{}, nil)
	require.NoError(t, err)
	require.NotNil(t, card)
	assert.Equal(t, late, card.ID, "without joinable recommendations, selection falls back to id order")
}
