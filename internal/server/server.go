// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"fmt"
	"log/slog"
	"net/http"
	"sort"

	"github.com/ThinkInAIXYZ/go-mcp/protocol"
	"github.com/go-playground/validator/v10"
	lru "github.com/hashicorp/golang-lru/v2"

	"food-ai/internal/models"
	"food-ai/internal/pipeline"
)

type Config struct {
	Host             string
	Port             int
	SessionCacheSize int
	HistoryLimit     int
	MaxImageBytes    int
}

// Store persists saved analyses.
type Store interface {
	AppendAnalysis(ctx context.Context, email string, record models.AnalysisRecord) error
	GetHistory(ctx context.Context, email string, limit int) ([]models.AnalysisRecord, error)
	Leaderboard(ctx context.Context, limit int) ([]models.LeaderboardEntry, error)
}

type toolHandler func(context.Context, *protocol.CallToolRequest) (*protocol.CallToolResult, error)

type FoodAIServer struct {
	httpServer *http.Server
	handler    http.Handler
	pipeline   *pipeline.Pipeline
	store      Store
	index      pipeline.Index
	sessions   *lru.Cache[string, *pipeline.Session]
	validate   *validator.Validate
	tools      map[string]toolHandler
	info       protocol.Implementation
	config     *Config
}

func NewFoodAIServer(cfg *Config, p *pipeline.Pipeline, store Store, index pipeline.Index) (*FoodAIServer, error) {
	if cfg.SessionCacheSize <= 0 {
		cfg.SessionCacheSize = 256
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 20
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 10 << 20
	}

	sessions, err := lru.New[string, *pipeline.Session](cfg.SessionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create session cache: %w", err)
	}

	s := &FoodAIServer{
		pipeline: p,
		store:    store,
		index:    index,
		sessions: sessions,
		validate: validator.New(),
		info: protocol.Implementation{
			Name:    "food-ai",
			Version: "1.0.0",
		},
		config: cfg,
	}
	s.registerTools()

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleHTTP)
	mux.Handle("/debug/vars", expvar.Handler())
	s.handler = mux

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: mux,
	}

	return s, nil
}

// Handler returns the HTTP handler serving tool calls and metrics.
func (s *FoodAIServer) Handler() http.Handler {
	return s.handler
}

func (s *FoodAIServer) handleHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

	switch r.Method {
	case http.MethodOptions:
		return
	case http.MethodGet:
		s.writeJSON(w, map[string]interface{}{
			"server": s.info,
			"tools":  s.toolNames(),
		})
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var request protocol.CallToolRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, fmt.Sprintf("Invalid JSON: %v", err), http.StatusBadRequest)
		return
	}

	handler, ok := s.tools[request.Name]
	if !ok {
		http.Error(w, fmt.Sprintf("Unknown tool: %s", request.Name), http.StatusNotFound)
		return
	}

	result, err := handler(r.Context(), &request)
	if err != nil {
		var te *toolError
		if errors.As(err, &te) {
			http.Error(w, te.Error(), te.status)
			return
		}
		slog.Error("Tool call failed", "tool", request.Name, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, result)
}

func (s *FoodAIServer) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func (s *FoodAIServer) toolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *FoodAIServer) Start(ctx context.Context) error {
	slog.Info("Starting food-ai server", "addr", s.httpServer.Addr, "version", s.info.Version)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *FoodAIServer) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *FoodAIServer) createJSONResponse(data interface{}) (*protocol.CallToolResult, error) {
	jsonBytes, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response: %w", err)
	}

	return &protocol.CallToolResult{
		Content: []protocol.Content{
			protocol.TextContent{
				Type: "text",
				Text: string(jsonBytes),
			},
		},
	}, nil
}

// toolError is a failure reported to the caller with its own status code.
type toolError struct {
	status int
	msg    string
}

func (e *toolError) Error() string { return e.msg }

func badRequest(format string, args ...interface{}) error {
	return &toolError{status: http.StatusBadRequest, msg: fmt.Sprintf(format, args...)}
}
