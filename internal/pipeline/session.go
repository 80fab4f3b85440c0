package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"food-ai/internal/metrics"
	"food-ai/internal/models"
)

type State string

const (
	StateIdle                State = "idle"
	StateImageReceived       State = "image_received"
	StateCaptionExtracted    State = "caption_extracted"
	StateLookupDone          State = "lookup_done"
	StateAggregationDone     State = "aggregation_done"
	StateParsedAndSummarized State = "parsed_and_summarized"
	StatePersisted           State = "persisted"
	StateFailed              State = "failed"
)

type FailureReason string

const (
	ReasonNoFoodIdentified FailureReason = "no_food_identified"
	ReasonModelError       FailureReason = "model_error"
	ReasonParseError       FailureReason = "parse_error"
)

// Failure records why a session stopped. It is terminal until a new image is
// set, or for ReasonModelError until the same image is set again.
type Failure struct {
	Reason FailureReason `json:"reason"`
	Stage  Stage         `json:"stage"`
	Err    error         `json:"-"`
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return string(f.Reason)
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

var (
	ErrNoImage  = errors.New("no image in session")
	ErrNotReady = errors.New("analysis is not complete")
)

// Session carries one analysis through the pipeline. Stage results are filled
// in once and reused until SetImage is called with a different image.
type Session struct {
	ID string

	mu        sync.Mutex
	image     []byte
	digest    [sha256.Size]byte
	state     State
	failure   *Failure
	caption   *CaptionResult
	lookup    *models.NutritionLookup
	report    *string
	nutrition *ParseResult
	summary   *string
	recordID  string
	updatedAt time.Time
}

func NewSession(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{ID: id, state: StateIdle, updatedAt: time.Now()}
}

// SetImage stores image and resets the session when it differs from the
// current one. Setting the same image again on a session that failed with
// ReasonModelError clears the failure so the next run retries the failed
// stage, keeping the results of the stages before it. It reports whether the
// session changed.
func (s *Session) SetImage(image []byte) bool {
	digest := sha256.Sum256(image)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle && digest == s.digest {
		if s.state != StateFailed || s.failure.Reason != ReasonModelError {
			return false
		}
		s.failure = nil
		s.advance(s.resumeState())
		return true
	}
	s.image = bytes.Clone(image)
	s.digest = digest
	s.failure = nil
	s.caption = nil
	s.lookup = nil
	s.report = nil
	s.nutrition = nil
	s.summary = nil
	s.recordID = ""
	s.advance(StateImageReceived)
	return true
}

// resumeState is the furthest state the cached stage results support.
func (s *Session) resumeState() State {
	switch {
	case s.report != nil:
		return StateAggregationDone
	case s.lookup != nil:
		return StateLookupDone
	case s.caption != nil:
		return StateCaptionExtracted
	}
	return StateImageReceived
}

// Snapshot is a copy of the session's state that is safe to hand out.
type Snapshot struct {
	ID          string                  `json:"session_id"`
	State       State                   `json:"state"`
	Failure     *Failure                `json:"failure,omitempty"`
	Ingredients []string                `json:"ingredients,omitempty"`
	Lookup      *models.NutritionLookup `json:"-"`
	Report      string                  `json:"report,omitempty"`
	Nutrition   *ParseResult            `json:"nutrition,omitempty"`
	Summary     string                  `json:"summary,omitempty"`
	RecordID    string                  `json:"record_id,omitempty"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{
		ID:        s.ID,
		State:     s.state,
		RecordID:  s.recordID,
		UpdatedAt: s.updatedAt,
	}
	if s.failure != nil {
		f := *s.failure
		snap.Failure = &f
	}
	if s.caption != nil {
		snap.Ingredients = append([]string(nil), s.caption.Labels...)
	}
	if s.lookup != nil {
		l := *s.lookup
		snap.Lookup = &l
	}
	if s.report != nil {
		snap.Report = *s.report
	}
	if s.nutrition != nil {
		n := *s.nutrition
		n.Ranges = append([]models.NutrientRange(nil), n.Ranges...)
		snap.Nutrition = &n
	}
	if s.summary != nil {
		snap.Summary = *s.summary
	}
	return snap
}

func (s *Session) advance(state State) {
	s.state = state
	s.updatedAt = time.Now()
	slog.Info("Analysis advanced", "session", s.ID, "state", state)
}

func (s *Session) fail(reason FailureReason, stage Stage, err error) {
	s.failure = &Failure{Reason: reason, Stage: stage, Err: err}
	s.advance(StateFailed)
}

// Analyze runs caption, lookup and estimate for the session's image, reusing
// any stage already done. A photo without food ends in StateFailed with
// ReasonNoFoodIdentified and no error. A model or index failure is returned
// and leaves the session failed, except when ctx itself was cancelled.
func (p *Pipeline) Analyze(ctx context.Context, s *Session) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := p.analyze(ctx, s)
	return s.snapshot(), err
}

// Finalize runs Analyze if needed, then parses the report and summarizes it.
// A report with no readable nutrient table ends in StateFailed with
// ReasonParseError; the report and lookup stay available.
func (p *Pipeline) Finalize(ctx context.Context, s *Session) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := p.analyze(ctx, s); err != nil {
		return s.snapshot(), err
	}
	if s.state != StateAggregationDone {
		return s.snapshot(), nil
	}

	if s.nutrition == nil {
		parsed, err := p.ParseNutrition(ctx, *s.report)
		if err != nil {
			return s.snapshot(), p.stageFailed(ctx, s, StageParse, err)
		}
		s.nutrition = &parsed
		if parsed.Confidence == ParseEmpty {
			s.fail(ReasonParseError, StageParse, nil)
			return s.snapshot(), nil
		}
	}

	if s.summary == nil {
		summary, err := p.Summarize(ctx, *s.report)
		if err != nil {
			return s.snapshot(), p.stageFailed(ctx, s, StageSummary, err)
		}
		s.summary = &summary
	}

	s.advance(StateParsedAndSummarized)
	return s.snapshot(), nil
}

func (p *Pipeline) analyze(ctx context.Context, s *Session) error {
	switch s.state {
	case StateIdle:
		return ErrNoImage
	case StateFailed:
		if s.failure.Reason == ReasonModelError {
			return s.failure
		}
		return nil
	case StateAggregationDone, StateParsedAndSummarized, StatePersisted:
		return nil
	}

	if s.caption == nil {
		metrics.AnalysesStarted.Add(1)
		caption, err := p.ExtractIngredients(ctx, s.image)
		if err != nil {
			return p.stageFailed(ctx, s, StageCaption, err)
		}
		s.caption = &caption
		s.advance(StateCaptionExtracted)
		if !caption.Identified {
			metrics.AnalysesNotIdentified.Add(1)
			s.fail(ReasonNoFoodIdentified, StageCaption, nil)
			return nil
		}
	}

	if s.lookup == nil {
		lookup, err := p.LookupNutrition(ctx, s.caption.Labels)
		if err != nil {
			return p.stageFailed(ctx, s, StageLookup, err)
		}
		s.lookup = &lookup
		s.advance(StateLookupDone)
	}

	if s.report == nil {
		report, err := p.EstimateNutrition(ctx, s.image, s.caption.Labels, *s.lookup)
		if err != nil {
			return p.stageFailed(ctx, s, StageEstimate, err)
		}
		s.report = &report
		s.advance(StateAggregationDone)
	}
	return nil
}

// stageFailed marks the session failed unless the caller gave up first, in
// which case the session stays where it was and can be resumed.
func (p *Pipeline) stageFailed(ctx context.Context, s *Session, stage Stage, err error) error {
	if ctx.Err() != nil {
		return err
	}
	metrics.AnalysesFailed.Add(1)
	slog.Error("Analysis failed", "session", s.ID, "stage", stage, "error", err)
	s.fail(ReasonModelError, stage, err)
	return err
}

// Persist builds the record for a finished analysis and hands it to save. A
// session that is already persisted returns its record ID without saving again.
func (s *Session) Persist(save func(models.AnalysisRecord) error) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StatePersisted:
		return s.recordID, nil
	case StateParsedAndSummarized:
	default:
		return "", ErrNotReady
	}

	record := models.AnalysisRecord{
		ID:          uuid.NewString(),
		Date:        time.Now().UTC(),
		Image:       base64.StdEncoding.EncodeToString(s.image),
		Ingredients: append([]string(nil), s.caption.Labels...),
		Nutrition:   append([]models.NutrientRange(nil), s.nutrition.Ranges...),
		Summary:     *s.summary,
	}
	if err := save(record); err != nil {
		return "", fmt.Errorf("failed to save analysis: %w", err)
	}

	metrics.AnalysesSaved.Add(1)
	s.recordID = record.ID
	s.advance(StatePersisted)
	return record.ID, nil
}
