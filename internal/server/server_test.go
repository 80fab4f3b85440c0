package server

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"food-ai/internal/models"
	"food-ai/internal/pipeline"
	"food-ai/internal/sampling"
	"food-ai/internal/storage"
)

type scriptedModel struct {
	mu      sync.Mutex
	replies map[string]string
	fail    map[string]bool
	calls   map[string]int
}

func (m *scriptedModel) Complete(_ context.Context, req sampling.Request) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[req.Model]++
	if m.fail[req.Model] {
		return "", &sampling.CallError{Kind: sampling.ErrorAPI, Status: 500, Err: errors.New("upstream error")}
	}
	return m.replies[req.Model], nil
}

func (m *scriptedModel) count(model string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[model]
}

type mapIndex map[string]models.ReferenceFood

func (x mapIndex) Query(_ context.Context, text string, k int) ([]models.FoodMatch, error) {
	food, ok := x[text]
	if !ok || k < 1 {
		return nil, nil
	}
	return []models.FoodMatch{{Food: food, Similarity: 0.92, Rank: 1}}, nil
}

var salmon = models.ReferenceFood{
	Description: "Fish, salmon, Atlantic, farmed, raw",
	Nutrients:   map[string]string{"Protein": "20 g", "Energy": "180 kcal"},
}

var pngImage = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type testEnv struct {
	handler http.Handler
	model   *scriptedModel
	store   *storage.SQLiteStorage
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	model := &scriptedModel{
		replies: map[string]string{
			"caption":  "raw salmon, white rice, cucumber",
			"estimate": "### Summary\nEnergy 450-550 kcal, Protein 30-35g, Fat 10-15g, Carbohydrates 40-50g",
			"parse":    `{"data": [{"nutrient": "energy", "min": 450, "max": 550}, {"nutrient": "protein", "min": 30, "max": 35}, {"nutrient": "fat", "min": 10, "max": 15}, {"nutrient": "carbs", "min": 40, "max": 50}]}`,
			"summary":  "A salmon rice bowl.",
		},
		fail:  make(map[string]bool),
		calls: make(map[string]int),
	}

	cfg := pipeline.DefaultConfig()
	cfg.CaptionModel = "caption"
	cfg.EstimateModel = "estimate"
	cfg.ParseModel = "parse"
	cfg.SummaryModel = "summary"

	index := mapIndex{"raw salmon": salmon}
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "food-ai.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	srv, err := NewFoodAIServer(&Config{Host: "127.0.0.1", Port: 0}, pipeline.New(model, index, cfg), store, index)
	require.NoError(t, err)

	return &testEnv{handler: srv.Handler(), model: model, store: store}
}

func (e *testEnv) call(t *testing.T, name string, args map[string]interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{"name": name, "arguments": args})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

// decodeResult unpacks the JSON text carried in the first content item.
func decodeResult(t *testing.T, rec *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	require.NoError(t, json.Unmarshal([]byte(result.Content[0].Text), target))
}

func encodedImage() string {
	return base64.StdEncoding.EncodeToString(pngImage)
}

func TestAnalyzeFood(t *testing.T) {
	env := newTestEnv(t)

	var resp AnalysisResponse
	decodeResult(t, env.call(t, "analyze_food", map[string]interface{}{"image": encodedImage()}), &resp)

	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, pipeline.StateParsedAndSummarized, resp.State)
	assert.True(t, resp.Identified)
	assert.Equal(t, []string{"raw salmon", "white rice", "cucumber"}, resp.Ingredients)
	assert.Equal(t, pipeline.ParseFull, resp.Confidence)
	assert.Equal(t, []models.NutrientRange{
		{Nutrient: models.NutrientEnergy, Min: 450, Max: 550},
		{Nutrient: models.NutrientProtein, Min: 30, Max: 35},
		{Nutrient: models.NutrientFat, Min: 10, Max: 15},
		{Nutrient: models.NutrientCarbs, Min: 40, Max: 50},
	}, resp.Nutrition)
	assert.Equal(t, "A salmon rice bowl.", resp.Summary)
	assert.Equal(t, pipeline.SourceAttribution, resp.Sources)

	require.Len(t, resp.Table, 3)
	assert.Equal(t, pipeline.DisplayRow{Ingredient: "raw salmon", Match: salmon.Description, Energy: "180", Protein: "20"}, resp.Table[0])
	assert.Equal(t, pipeline.DisplayRow{Ingredient: "white rice"}, resp.Table[1])
}

func TestAnalyzeFoodReusesSession(t *testing.T) {
	env := newTestEnv(t)

	var first AnalysisResponse
	decodeResult(t, env.call(t, "analyze_food", map[string]interface{}{"image": encodedImage()}), &first)

	var second AnalysisResponse
	decodeResult(t, env.call(t, "analyze_food", map[string]interface{}{
		"image":      encodedImage(),
		"session_id": first.SessionID,
	}), &second)

	assert.Equal(t, first, second)
	for _, name := range []string{"caption", "estimate", "parse", "summary"} {
		assert.Equal(t, 1, env.model.count(name), name)
	}
}

func TestAnalyzeFoodNoFood(t *testing.T) {
	env := newTestEnv(t)
	env.model.replies["caption"] = "False"

	var resp AnalysisResponse
	decodeResult(t, env.call(t, "analyze_food", map[string]interface{}{"image": encodedImage()}), &resp)

	assert.False(t, resp.Identified)
	assert.Equal(t, pipeline.StateFailed, resp.State)
	assert.Equal(t, pipeline.ReasonNoFoodIdentified, resp.Failure)
	assert.Equal(t, msgNoFood, resp.Message)
	assert.Zero(t, env.model.count("estimate"))
}

func TestAnalyzeFoodModelFailure(t *testing.T) {
	env := newTestEnv(t)
	env.model.fail["estimate"] = true

	rec := env.call(t, "analyze_food", map[string]interface{}{"image": encodedImage()})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), msgModelFailed)
	assert.NotContains(t, rec.Body.String(), "upstream error")
}

func TestAnalyzeFoodRetriesSameSession(t *testing.T) {
	env := newTestEnv(t)
	env.model.fail["estimate"] = true

	const sessionID = "5b0d7c1e-2f4a-4e8b-9c3d-6a7f8e9b0c1d"
	args := map[string]interface{}{"image": encodedImage(), "session_id": sessionID}
	for i := 0; i < 2; i++ {
		rec := env.call(t, "analyze_food", args)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	}

	env.model.mu.Lock()
	delete(env.model.fail, "estimate")
	env.model.mu.Unlock()

	var retried AnalysisResponse
	decodeResult(t, env.call(t, "analyze_food", args), &retried)
	assert.Equal(t, sessionID, retried.SessionID)
	assert.Equal(t, pipeline.StateParsedAndSummarized, retried.State)
	assert.Equal(t, pipeline.ParseFull, retried.Confidence)
	assert.Equal(t, 3, env.model.count("estimate"))
	assert.Equal(t, 1, env.model.count("caption"))
}

func TestAnalyzeFoodValidation(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{name: "missing image", args: map[string]interface{}{}},
		{name: "not base64", args: map[string]interface{}{"image": "not an image!"}},
		{name: "bad session id", args: map[string]interface{}{"image": encodedImage(), "session_id": "abc"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.call(t, "analyze_food", tt.args)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Zero(t, env.model.count("caption"))
}

func TestSaveAnalysisAndHistory(t *testing.T) {
	env := newTestEnv(t)

	var analysis AnalysisResponse
	decodeResult(t, env.call(t, "analyze_food", map[string]interface{}{"image": encodedImage()}), &analysis)

	saveArgs := map[string]interface{}{"session_id": analysis.SessionID, "email": "ana@example.com"}
	var saved map[string]interface{}
	decodeResult(t, env.call(t, "save_analysis", saveArgs), &saved)
	assert.Equal(t, true, saved["saved"])
	recordID := saved["record_id"]
	require.NotEmpty(t, recordID)

	var again map[string]interface{}
	decodeResult(t, env.call(t, "save_analysis", saveArgs), &again)
	assert.Equal(t, recordID, again["record_id"])

	var history []models.AnalysisRecord
	decodeResult(t, env.call(t, "get_history", map[string]interface{}{"email": "ana@example.com"}), &history)
	require.Len(t, history, 1)
	assert.Equal(t, recordID, history[0].ID)
	assert.Equal(t, encodedImage(), history[0].Image)
	assert.Equal(t, analysis.Ingredients, history[0].Ingredients)
	assert.Equal(t, analysis.Nutrition, history[0].Nutrition)
	assert.Equal(t, "A salmon rice bowl.", history[0].Summary)

	var board []models.LeaderboardEntry
	decodeResult(t, env.call(t, "leaderboard", map[string]interface{}{}), &board)
	assert.Equal(t, []models.LeaderboardEntry{{Email: "ana@example.com", HistorySize: 1}}, board)
}

func TestSaveAnalysisErrors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.call(t, "save_analysis", map[string]interface{}{
		"session_id": "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		"email":      "ana@example.com",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	env.model.replies["caption"] = "False"
	var analysis AnalysisResponse
	decodeResult(t, env.call(t, "analyze_food", map[string]interface{}{"image": encodedImage()}), &analysis)

	rec = env.call(t, "save_analysis", map[string]interface{}{"session_id": analysis.SessionID, "email": "ana@example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.call(t, "save_analysis", map[string]interface{}{"session_id": analysis.SessionID, "email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetHistoryEmpty(t *testing.T) {
	env := newTestEnv(t)

	var history []models.AnalysisRecord
	decodeResult(t, env.call(t, "get_history", map[string]interface{}{"email": "new@example.com"}), &history)
	assert.Empty(t, history)
}

func TestSearchFoods(t *testing.T) {
	env := newTestEnv(t)

	var matches []models.FoodMatch
	decodeResult(t, env.call(t, "search_foods", map[string]interface{}{"query": "raw salmon"}), &matches)
	require.Len(t, matches, 1)
	assert.Equal(t, salmon.Description, matches[0].Food.Description)
	assert.Equal(t, 1, matches[0].Rank)

	decodeResult(t, env.call(t, "search_foods", map[string]interface{}{"query": "granite"}), &matches)
	assert.Empty(t, matches)

	rec := env.call(t, "search_foods", map[string]interface{}{"query": "rice", "k": 50})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHTTPRouting(t *testing.T) {
	env := newTestEnv(t)

	rec := env.call(t, "delete_everything", map[string]interface{}{})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPut, "/", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var listing struct {
		Tools []string `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Equal(t, []string{"analyze_food", "get_history", "leaderboard", "save_analysis", "search_foods"}, listing.Tools)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	decodeResult(t, env.call(t, "analyze_food", map[string]interface{}{"image": encodedImage()}), &AnalysisResponse{})

	req := httptest.NewRequest(http.MethodGet, "/debug/vars", nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "analyses_started_total")
	assert.Contains(t, rec.Body.String(), "model_calls_total")
}
