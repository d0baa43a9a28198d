package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/Knarf49/leganizebackend/internal/database"
	"github.com/Knarf49/leganizebackend/internal/metrics"
	"github.com/Knarf49/leganizebackend/internal/risk"
	"github.com/Knarf49/leganizebackend/internal/roomstate"
)

// Detector is the cheap binary risk classifier.
type Detector interface {
	Detect(ctx context.Context, window []string, companyType string) (bool, error)
}

// Analyzer produces structured findings for a window the detector flagged.
type Analyzer interface {
	Analyze(ctx context.Context, roomID, threadID string, window []string) (risk.AnalysisResult, error)
}

// RiskStore persists legal-risk findings.
type RiskStore interface {
	InsertLegalRisks(ctx context.Context, roomID string, rows []database.LegalRiskRow) ([]database.LegalRisk, error)
}

// PublishFunc sends a status event to a room's subscribers.
type PublishFunc func(roomID, eventType string, payload map[string]any)

// Outcome is how a call to Pipeline.Process ended.
type Outcome string

const (
	OutcomeAccumulating Outcome = "accumulating"
	OutcomeCooldown     Outcome = "cooldown"
	OutcomeNoSignal     Outcome = "no_signal"
	OutcomeNoIssues     Outcome = "no_issues"
	OutcomeAlerted      Outcome = "alerted"
	OutcomeFailed       Outcome = "failed"
)

// RoomInfo is the room context a risk pass needs.
type RoomInfo struct {
	ID          string
	CompanyType string
	ThreadID    string
}

// PipelineOptions wires the risk pipeline's collaborators.
type PipelineOptions struct {
	State    roomstate.Store
	Detector Detector
	Analyzer Analyzer // nil disables deep analysis; flagged windows then report an error
	Risks    RiskStore
	Publish  PublishFunc
	Log      zerolog.Logger
}

// Pipeline decides after every transcript segment whether a risk pass
// runs, and runs it: window full, cooldown gate, detector, analyzer,
// persist and alert. Passes for the same room never interleave.
type Pipeline struct {
	state    roomstate.Store
	detector Detector
	analyzer Analyzer
	risks    RiskStore
	publish  PublishFunc
	log      zerolog.Logger

	mu    sync.Mutex
	locks map[string]*roomLock
}

// roomLock serializes passes for one room. refs counts the passes holding or
// waiting on it; the entry is dropped only when it reaches zero.
type roomLock struct {
	sync.Mutex
	refs   int
	forget bool
}

func NewPipeline(opts PipelineOptions) *Pipeline {
	publish := opts.Publish
	if publish == nil {
		publish = func(string, string, map[string]any) {}
	}
	return &Pipeline{
		state:    opts.State,
		detector: opts.Detector,
		analyzer: opts.Analyzer,
		risks:    opts.Risks,
		publish:  publish,
		log:      opts.Log.With().Str("component", "pipeline").Logger(),
		locks:    make(map[string]*roomLock),
	}
}

// Process adds one transcript segment to the room's window and, when the
// window is full, runs a complete evaluation pass. The window is always
// empty after a pass, whatever its outcome.
func (p *Pipeline) Process(ctx context.Context, room RoomInfo, text string) (Outcome, error) {
	lock := p.acquire(room.ID)
	defer p.release(room.ID, lock)

	log := p.log.With().Str("room_id", room.ID).Logger()

	n, err := p.state.Append(ctx, room.ID, text)
	if err != nil {
		p.publish(room.ID, "error", map[string]any{"message": "Failed to process legal risk analysis"})
		return OutcomeFailed, fmt.Errorf("append to window: %w", err)
	}
	size := p.state.Size()
	if n < size {
		p.publish(room.ID, "buffer-status", map[string]any{
			"bufferLength": n,
			"totalNeeded":  size,
		})
		return OutcomeAccumulating, nil
	}

	outcome, err := p.evaluate(ctx, log, room)
	metrics.RiskPassesTotal.WithLabelValues(string(outcome)).Inc()
	if err != nil {
		log.Error().Err(err).Msg("risk pass failed")
	} else {
		log.Debug().Str("outcome", string(outcome)).Msg("risk pass complete")
	}
	return outcome, err
}

// evaluate runs one pass over a full window. Every return path clears the
// window before the final event goes out.
func (p *Pipeline) evaluate(ctx context.Context, log zerolog.Logger, room RoomInfo) (Outcome, error) {
	cooling, err := p.state.InCooldown(ctx, room.ID)
	if err != nil {
		p.clear(ctx, log, room.ID)
		p.publishFailure(room.ID, err)
		return OutcomeFailed, fmt.Errorf("read cooldown: %w", err)
	}
	if cooling {
		p.clear(ctx, log, room.ID)
		p.publish(room.ID, "cooldown-active", map[string]any{"message": "Still in cooldown period"})
		return OutcomeCooldown, nil
	}

	window, err := p.state.Window(ctx, room.ID)
	if err != nil {
		p.clear(ctx, log, room.ID)
		p.publishFailure(room.ID, err)
		return OutcomeFailed, fmt.Errorf("read window: %w", err)
	}

	p.publish(room.ID, "analyzing", map[string]any{"message": "Checking for legal risks..."})

	risky, err := p.detector.Detect(ctx, window, room.CompanyType)
	if err != nil {
		log.Warn().Err(err).Msg("risk detector failed, treating as no risk")
		risky = false
	}
	if !risky {
		p.clear(ctx, log, room.ID)
		p.publish(room.ID, "analysis-complete", map[string]any{
			"hasRisks": false,
			"message":  "No legal risks detected",
		})
		return OutcomeNoSignal, nil
	}

	p.publish(room.ID, "deep-analyzing", map[string]any{"message": "Performing deep legal analysis..."})

	issues, err := p.analyze(ctx, log, room, window)
	if err != nil {
		p.clear(ctx, log, room.ID)
		p.publishFailure(room.ID, err)
		return OutcomeFailed, err
	}
	if len(issues) == 0 {
		p.clear(ctx, log, room.ID)
		p.publish(room.ID, "analysis-complete", map[string]any{
			"hasRisks": false,
			"message":  "Analysis complete - no critical issues found",
		})
		return OutcomeNoIssues, nil
	}

	saved, err := p.risks.InsertLegalRisks(ctx, room.ID, issueRows(issues))
	if err != nil {
		p.clear(ctx, log, room.ID)
		p.publishFailure(room.ID, err)
		return OutcomeFailed, fmt.Errorf("persist legal risks: %w", err)
	}
	metrics.LegalRisksTotal.Add(float64(len(saved)))

	createdAt := time.Now()
	if len(saved) > 0 {
		createdAt = saved[0].CreatedAt
	}
	p.publish(room.ID, "legal-risk", map[string]any{
		"roomId":    room.ID,
		"createdAt": createdAt,
		"issues":    issues,
	})
	if err := p.state.SetCooldown(ctx, room.ID); err != nil {
		log.Warn().Err(err).Msg("failed to arm cooldown")
	}
	p.clear(ctx, log, room.ID)

	log.Info().Int("issues", len(issues)).Msg("legal risks detected")
	return OutcomeAlerted, nil
}

// analyze calls the analyzer and returns the grounded findings. A
// malformed reply counts as no findings.
func (p *Pipeline) analyze(ctx context.Context, log zerolog.Logger, room RoomInfo, window []string) ([]risk.Issue, error) {
	if p.analyzer == nil {
		return nil, errors.New("legal analyzer not configured")
	}
	threadID := room.ThreadID
	if threadID == "" {
		threadID = room.ID
	}
	res, err := p.analyzer.Analyze(ctx, room.ID, threadID, window)
	if err != nil {
		return nil, err
	}
	switch r := res.(type) {
	case risk.Findings:
		return risk.Grounded(r.Issues), nil
	case risk.Malformed:
		log.Warn().Str("reason", r.Reason).Str("raw", truncate(r.Raw, 500)).Msg("analyzer reply malformed")
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected analysis result %T", res)
	}
}

func (p *Pipeline) clear(ctx context.Context, log zerolog.Logger, roomID string) {
	if err := p.state.Clear(context.WithoutCancel(ctx), roomID); err != nil {
		log.Error().Err(err).Msg("failed to clear risk window")
	}
}

func (p *Pipeline) publishFailure(roomID string, err error) {
	p.publish(roomID, "error", map[string]any{
		"message": "Failed to process legal risk analysis",
		"error":   err.Error(),
	})
}

func (p *Pipeline) acquire(roomID string) *roomLock {
	p.mu.Lock()
	l := p.locks[roomID]
	if l == nil {
		l = &roomLock{}
		p.locks[roomID] = l
	}
	l.refs++
	p.mu.Unlock()

	l.Lock()
	return l
}

func (p *Pipeline) release(roomID string, l *roomLock) {
	l.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	l.refs--
	if l.refs == 0 && l.forget {
		delete(p.locks, roomID)
	}
}

// Forget drops the room's pass lock once the room has ended. A lock still
// held or awaited is kept until its last pass releases it.
func (p *Pipeline) Forget(roomID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	l := p.locks[roomID]
	if l == nil {
		return
	}
	if l.refs == 0 {
		delete(p.locks, roomID)
		return
	}
	l.forget = true
}

// trackedRooms reports how many rooms currently hold a pass lock entry.
func (p *Pipeline) trackedRooms() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.locks)
}

// issueRows converts findings to rows, filling required columns the
// analyzer left empty.
func issueRows(issues []risk.Issue) []database.LegalRiskRow {
	rows := make([]database.LegalRiskRow, len(issues))
	for i, is := range issues {
		raw := is.Raw
		if len(raw) == 0 {
			raw, _ = json.Marshal(is)
		}
		rows[i] = database.LegalRiskRow{
			RiskLevel:        orDefault(is.RiskLevel, risk.Unspecified),
			IssueDescription: is.IssueDescription,
			LegalBasisType:   orDefault(is.LegalBasis.Type, risk.Unspecified),
			LegalBasisRef:    is.LegalBasis.Reference,
			LegalReasoning:   is.LegalReasoning,
			Recommendation:   is.Recommendation,
			UrgencyLevel:     orDefault(is.UrgencyLevel, risk.Unspecified),
			Disclaimer:       is.Disclaimer,
			RawJSON:          raw,
		}
	}
	return rows
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
