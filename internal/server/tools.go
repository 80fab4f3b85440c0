// internal/server/tools.go
package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/go-playground/validator/v10"

	"food-ai/internal/models"
	"food-ai/internal/pipeline"
)

type AnalyzeFoodParams struct {
	Image     string `json:"image" validate:"required,base64" description:"Base64 encoded food photo"`
	SessionID string `json:"session_id,omitempty" validate:"omitempty,uuid" description:"Session to reuse; a new one is created when empty. Resubmitting the same image after a failed analysis retries it"`
}

type SaveAnalysisParams struct {
	SessionID string `json:"session_id" validate:"required,uuid" description:"Session returned by analyze_food"`
	Email     string `json:"email" validate:"required,email" description:"User whose history receives the analysis"`
}

type GetHistoryParams struct {
	Email string `json:"email" validate:"required,email" description:"User whose history to return"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=100" description:"Maximum number of analyses to return"`
}

type LeaderboardParams struct {
	Limit int `json:"limit,omitempty" validate:"omitempty,min=1,max=100" description:"Maximum number of users to return"`
}

type SearchFoodsParams struct {
	Query string `json:"query" validate:"required,max=200" description:"Food description to look up"`
	K     int    `json:"k,omitempty" validate:"omitempty,min=1,max=20" description:"Number of matches to return"`
}

// AnalysisResponse is what analyze_food returns for a session.
type AnalysisResponse struct {
	SessionID   string                   `json:"session_id"`
	State       pipeline.State           `json:"state"`
	Identified  bool                     `json:"identified"`
	Message     string                   `json:"message,omitempty"`
	Ingredients []string                 `json:"ingredients,omitempty"`
	Table       []pipeline.DisplayRow    `json:"ingredient_table,omitempty"`
	Report      string                   `json:"report,omitempty"`
	Nutrition   []models.NutrientRange   `json:"nutrition,omitempty"`
	Confidence  pipeline.ParseConfidence `json:"confidence,omitempty"`
	Summary     string                   `json:"summary,omitempty"`
	Sources     string                   `json:"sources,omitempty"`
	Failure     pipeline.FailureReason   `json:"failure,omitempty"`
}

const (
	msgNoFood      = "No food could be identified in this image. Try another photo."
	msgParseFailed = "The nutrition totals could not be read from the analysis."
	msgModelFailed = "The analysis could not be completed. Please try again."
)

// extractParams decodes the request arguments into target and validates them.
func (s *FoodAIServer) extractParams(req *protocol.CallToolRequest, target interface{}) error {
	jsonBytes, err := json.Marshal(req.Arguments)
	if err != nil {
		return fmt.Errorf("failed to marshal arguments: %w", err)
	}

	if err := json.Unmarshal(jsonBytes, target); err != nil {
		return badRequest("invalid parameters: %v", err)
	}

	if err := s.validate.Struct(target); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", strings.ToLower(fe.Field()), fe.Tag()))
			}
			return badRequest("invalid parameters: %s", strings.Join(fields, ", "))
		}
		return badRequest("invalid parameters: %v", err)
	}

	return nil
}

// handleAnalyzeFood runs the full analysis for an image. Calling it again for
// the same session and image returns the cached result, or retries the failed
// stage when the previous call ended in a model error.
func (s *FoodAIServer) handleAnalyzeFood(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params AnalyzeFoodParams
	if err := s.extractParams(req, &params); err != nil {
		return nil, err
	}

	image, err := base64.StdEncoding.DecodeString(params.Image)
	if err != nil {
		return nil, badRequest("image is not valid base64")
	}
	if len(image) > s.config.MaxImageBytes {
		return nil, badRequest("image exceeds %d bytes", s.config.MaxImageBytes)
	}

	session := s.session(params.SessionID)
	session.SetImage(image)

	snap, err := s.pipeline.Finalize(ctx, session)
	if err != nil {
		slog.Error("Analysis failed", "session", session.ID, "error", err)
		return nil, &toolError{status: http.StatusBadGateway, msg: msgModelFailed}
	}

	return s.createJSONResponse(analysisResponse(snap))
}

func (s *FoodAIServer) session(id string) *pipeline.Session {
	if id != "" {
		if session, ok := s.sessions.Get(id); ok {
			return session
		}
	}
	session := pipeline.NewSession(id)
	// Another request may have created the same session meanwhile.
	if existing, ok, _ := s.sessions.PeekOrAdd(session.ID, session); ok {
		return existing
	}
	return session
}

func analysisResponse(snap pipeline.Snapshot) AnalysisResponse {
	resp := AnalysisResponse{
		SessionID:   snap.ID,
		State:       snap.State,
		Identified:  len(snap.Ingredients) > 0,
		Ingredients: snap.Ingredients,
		Report:      snap.Report,
		Summary:     snap.Summary,
	}
	if snap.Lookup != nil {
		resp.Table = pipeline.DisplayRows(*snap.Lookup)
		resp.Sources = pipeline.SourceAttribution
	}
	if snap.Nutrition != nil {
		resp.Nutrition = snap.Nutrition.Ranges
		resp.Confidence = snap.Nutrition.Confidence
	}
	if snap.Failure != nil {
		resp.Failure = snap.Failure.Reason
		switch snap.Failure.Reason {
		case pipeline.ReasonNoFoodIdentified:
			resp.Message = msgNoFood
		case pipeline.ReasonParseError:
			resp.Message = msgParseFailed
		default:
			resp.Message = msgModelFailed
		}
	}
	return resp
}

// handleSaveAnalysis appends a finished analysis to the user's history. Saving
// the same session twice stores it once.
func (s *FoodAIServer) handleSaveAnalysis(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SaveAnalysisParams
	if err := s.extractParams(req, &params); err != nil {
		return nil, err
	}

	session, ok := s.sessions.Get(params.SessionID)
	if !ok {
		return nil, &toolError{status: http.StatusNotFound, msg: "session not found"}
	}

	recordID, err := session.Persist(func(record models.AnalysisRecord) error {
		return s.store.AppendAnalysis(ctx, params.Email, record)
	})
	if errors.Is(err, pipeline.ErrNotReady) {
		return nil, &toolError{status: http.StatusConflict, msg: "analysis is not complete"}
	}
	if err != nil {
		return nil, err
	}

	slog.Info("Analysis saved", "session", session.ID, "record", recordID)
	return s.createJSONResponse(map[string]interface{}{
		"session_id": session.ID,
		"record_id":  recordID,
		"saved":      true,
	})
}

func (s *FoodAIServer) handleGetHistory(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params GetHistoryParams
	if err := s.extractParams(req, &params); err != nil {
		return nil, err
	}

	if params.Limit <= 0 {
		params.Limit = s.config.HistoryLimit
	}

	history, err := s.store.GetHistory(ctx, params.Email, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve history: %w", err)
	}

	return s.createJSONResponse(history)
}

func (s *FoodAIServer) handleLeaderboard(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params LeaderboardParams
	if err := s.extractParams(req, &params); err != nil {
		return nil, err
	}

	if params.Limit <= 0 {
		params.Limit = 10
	}

	entries, err := s.store.Leaderboard(ctx, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve leaderboard: %w", err)
	}

	return s.createJSONResponse(entries)
}

// handleSearchFoods exposes the reference index directly.
func (s *FoodAIServer) handleSearchFoods(ctx context.Context, req *protocol.CallToolRequest) (*protocol.CallToolResult, error) {
	var params SearchFoodsParams
	if err := s.extractParams(req, &params); err != nil {
		return nil, err
	}

	if params.K <= 0 {
		params.K = 5
	}

	matches, err := s.index.Query(ctx, params.Query, params.K)
	if err != nil {
		return nil, fmt.Errorf("failed to search foods: %w", err)
	}
	if matches == nil {
		matches = []models.FoodMatch{}
	}

	return s.createJSONResponse(matches)
}

func (s *FoodAIServer) registerTools() {
	s.tools = map[string]toolHandler{
		"analyze_food":  s.handleAnalyzeFood,
		"save_analysis": s.handleSaveAnalysis,
		"get_history":   s.handleGetHistory,
		"leaderboard":   s.handleLeaderboard,
		"search_foods":  s.handleSearchFoods,
	}

	for _, name := range s.toolNames() {
		slog.Debug("Registered tool", "name", name)
	}
}
