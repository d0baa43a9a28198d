package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Knarf49/leganizebackend/internal/api"
	"github.com/Knarf49/leganizebackend/internal/database"
	"github.com/Knarf49/leganizebackend/internal/risk"
	"github.com/Knarf49/leganizebackend/internal/transcribe"
)

// memStore is an in-memory Store.
type memStore struct {
	mu       sync.Mutex
	rooms    map[string]*database.Room
	chunks   map[string][]database.TranscriptChunk
	risks    map[string][]database.LegalRisk
	riskErr  error
	endCalls int
}

func newMemStore() *memStore {
	return &memStore{
		rooms:  make(map[string]*database.Room),
		chunks: make(map[string][]database.TranscriptChunk),
		risks:  make(map[string][]database.LegalRisk),
	}
}

func (m *memStore) addRoom(id, token, companyType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[id] = &database.Room{
		ID:          id,
		AccessToken: token,
		Status:      database.RoomActive,
		CompanyType: companyType,
		ThreadID:    "thread-" + id,
		CreatedAt:   time.Now(),
	}
}

func (m *memStore) room(id string) database.Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rooms[id]
}

func (m *memStore) GetRoom(_ context.Context, id string) (*database.Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return nil, database.ErrRoomNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) ValidateRoom(ctx context.Context, id, token string, requireActive bool) (*database.Room, error) {
	r, err := m.GetRoom(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.AccessToken != token {
		return nil, database.ErrInvalidToken
	}
	if requireActive && r.Status != database.RoomActive {
		return nil, database.ErrRoomEnded
	}
	return r, nil
}

func (m *memStore) EndRoom(_ context.Context, id, summary string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rooms[id]
	if !ok {
		return time.Time{}, database.ErrRoomNotFound
	}
	m.endCalls++
	now := time.Now()
	r.Status = database.RoomEnded
	r.FinalSummary = &summary
	r.EndedAt = &now
	return now, nil
}

func (m *memStore) InsertTranscriptChunk(_ context.Context, roomID, content string) (*database.TranscriptChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := database.TranscriptChunk{ID: uuid.NewString(), RoomID: roomID, Content: content, CreatedAt: time.Now()}
	m.chunks[roomID] = append(m.chunks[roomID], c)
	return &c, nil
}

func (m *memStore) ListTranscriptChunks(_ context.Context, roomID string) ([]database.TranscriptChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]database.TranscriptChunk(nil), m.chunks[roomID]...), nil
}

func (m *memStore) InsertLegalRisks(_ context.Context, roomID string, rows []database.LegalRiskRow) ([]database.LegalRisk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.riskErr != nil {
		return nil, m.riskErr
	}
	out := make([]database.LegalRisk, len(rows))
	for i, r := range rows {
		out[i] = database.LegalRisk{
			ID:               uuid.NewString(),
			RoomID:           roomID,
			RiskLevel:        r.RiskLevel,
			IssueDescription: r.IssueDescription,
			LegalBasisType:   r.LegalBasisType,
			LegalBasisRef:    r.LegalBasisRef,
			LegalReasoning:   r.LegalReasoning,
			Recommendation:   r.Recommendation,
			UrgencyLevel:     r.UrgencyLevel,
			Disclaimer:       r.Disclaimer,
			RawJSON:          r.RawJSON,
			CreatedAt:        time.Now(),
		}
	}
	m.risks[roomID] = append(m.risks[roomID], out...)
	return out, nil
}

func (m *memStore) riskCount(roomID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.risks[roomID])
}

func (m *memStore) chunkTexts(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.chunks[roomID] {
		out = append(out, c.Content)
	}
	return out
}

type fakeDetector struct {
	mu      sync.Mutex
	answer  bool
	err     error
	calls   int
	windows [][]string
	company []string
}

func (d *fakeDetector) Detect(_ context.Context, window []string, companyType string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.windows = append(d.windows, append([]string(nil), window...))
	d.company = append(d.company, companyType)
	return d.answer, d.err
}

func (d *fakeDetector) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type fakeAnalyzer struct {
	mu      sync.Mutex
	result  risk.AnalysisResult
	err     error
	calls   int
	threads []string
}

func (a *fakeAnalyzer) Analyze(_ context.Context, roomID, threadID string, window []string) (risk.AnalysisResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	a.threads = append(a.threads, threadID)
	return a.result, a.err
}

func (a *fakeAnalyzer) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

type fakeSummarizer struct {
	mu         sync.Mutex
	summary    string
	err        error
	calls      int
	transcript string
}

func (s *fakeSummarizer) Summarize(_ context.Context, roomID, transcript string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.transcript = transcript
	return s.summary, s.err
}

// eventLog records published events.
type eventLog struct {
	mu     sync.Mutex
	events []api.RoomEvent
}

func (l *eventLog) publish(roomID, eventType string, payload map[string]any) {
	data, _ := json.Marshal(payload)
	l.mu.Lock()
	l.events = append(l.events, api.RoomEvent{RoomID: roomID, Type: eventType, Data: data})
	l.mu.Unlock()
}

func (l *eventLog) types() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.events))
	for i, e := range l.events {
		out[i] = e.Type
	}
	return out
}

func (l *eventLog) last(eventType string) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.events) - 1; i >= 0; i-- {
		if l.events[i].Type == eventType {
			var m map[string]any
			_ = json.Unmarshal(l.events[i].Data, &m)
			return m
		}
	}
	return nil
}

// echoProvider transcribes a chunk to its own bytes. "fail" errors.
type echoProvider struct{}

func (echoProvider) Name() string  { return "echo" }
func (echoProvider) Model() string { return "echo" }

func (echoProvider) Transcribe(_ context.Context, a transcribe.Audio, _ transcribe.Options) (*transcribe.Response, error) {
	if string(a.Data) == "fail" {
		return nil, errors.New("backend unavailable")
	}
	return &transcribe.Response{Text: string(a.Data)}, nil
}

func groundedIssue(desc string) risk.Issue {
	return risk.Issue{
		RiskLevel:        "สูง",
		IssueDescription: desc,
		LegalBasis:       risk.LegalBasis{Type: "ประมวลกฎหมายแพ่งและพาณิชย์", Reference: "มาตรา 1178"},
		UrgencyLevel:     "ด่วน",
	}
}
