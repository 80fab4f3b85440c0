package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"food-ai/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "data", "food-ai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string, date time.Time) models.AnalysisRecord {
	return models.AnalysisRecord{
		ID:          id,
		Date:        date,
		Image:       "c3VzaGk=",
		Ingredients: []string{"raw salmon", "white rice", "cucumber"},
		Nutrition: []models.NutrientRange{
			{Nutrient: models.NutrientEnergy, Min: 450, Max: 550},
			{Nutrient: models.NutrientProtein, Min: 30, Max: 35},
		},
		Summary: "A salmon rice bowl.",
	}
}

func TestAppendAndGetHistory(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	date := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	require.NoError(t, s.AppendAnalysis(ctx, "ana@example.com", testRecord("a1", date)))
	second := testRecord("a2", date.Add(time.Hour))
	second.Ingredients = []string{"tofu"}
	require.NoError(t, s.AppendAnalysis(ctx, "ana@example.com", second))

	history, err := s.GetHistory(ctx, "ana@example.com", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, "a2", history[0].ID)
	assert.Equal(t, []string{"tofu"}, history[0].Ingredients)

	first := history[1]
	want := testRecord("a1", date)
	assert.Equal(t, want.ID, first.ID)
	assert.True(t, want.Date.Equal(first.Date))
	assert.Equal(t, want.Image, first.Image)
	assert.Equal(t, want.Ingredients, first.Ingredients)
	assert.Equal(t, want.Nutrition, first.Nutrition)
	assert.Equal(t, want.Summary, first.Summary)
}

func TestGetHistoryLimitAndUnknownUser(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AppendAnalysis(ctx, "ana@example.com", testRecord(fmt.Sprintf("a%d", i), time.Now())))
	}

	history, err := s.GetHistory(ctx, "ana@example.com", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "a4", history[0].ID)
	assert.Equal(t, "a3", history[1].ID)

	history, err = s.GetHistory(ctx, "nobody@example.com", 10)
	require.NoError(t, err)
	assert.NotNil(t, history)
	assert.Empty(t, history)
}

func TestAppendAnalysisRejectsDuplicateID(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.AppendAnalysis(ctx, "ana@example.com", testRecord("a1", time.Now())))
	assert.Error(t, s.AppendAnalysis(ctx, "ana@example.com", testRecord("a1", time.Now())))

	count, err := s.CountHistory(ctx, "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestAppendAnalysisValidation(t *testing.T) {
	s := newTestStorage(t)

	err := s.AppendAnalysis(context.Background(), "", testRecord("a1", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidRecord)

	err = s.AppendAnalysis(context.Background(), "ana@example.com", testRecord("", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestLeaderboard(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	counts := map[string]int{"ana@example.com": 1, "bo@example.com": 3, "cy@example.com": 1}
	n := 0
	for email, c := range counts {
		for i := 0; i < c; i++ {
			require.NoError(t, s.AppendAnalysis(ctx, email, testRecord(fmt.Sprintf("r%d", n), time.Now())))
			n++
		}
	}

	entries, err := s.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []models.LeaderboardEntry{
		{Email: "bo@example.com", HistorySize: 3},
		{Email: "ana@example.com", HistorySize: 1},
		{Email: "cy@example.com", HistorySize: 1},
	}, entries)

	entries, err = s.Leaderboard(ctx, 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bo@example.com", entries[0].Email)
}

func TestLeaderboardEmpty(t *testing.T) {
	s := newTestStorage(t)

	entries, err := s.Leaderboard(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
