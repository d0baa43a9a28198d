package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Knarf49/leganizebackend/internal/risk"
	"github.com/Knarf49/leganizebackend/internal/roomstate"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pipelineFixture struct {
	pipeline *Pipeline
	state    *roomstate.MemoryStore
	store    *memStore
	detector *fakeDetector
	analyzer *fakeAnalyzer
	events   *eventLog
	clock    *testClock
	room     RoomInfo
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	f := &pipelineFixture{
		state:    roomstate.NewMemoryStore(roomstate.Options{WindowSize: 3, Cooldown: 60 * time.Second, Now: clock.Now}),
		store:    newMemStore(),
		detector: &fakeDetector{},
		analyzer: &fakeAnalyzer{},
		events:   &eventLog{},
		clock:    clock,
		room:     RoomInfo{ID: "room-1", CompanyType: "PUBLIC_LIMITED", ThreadID: "thread-1"},
	}
	f.pipeline = NewPipeline(PipelineOptions{
		State:    f.state,
		Detector: f.detector,
		Analyzer: f.analyzer,
		Risks:    f.store,
		Publish:  f.events.publish,
		Log:      zerolog.Nop(),
	})
	return f
}

// feed processes texts and returns the outcome of the last one.
func (f *pipelineFixture) feed(t *testing.T, texts ...string) (Outcome, error) {
	t.Helper()
	var (
		out Outcome
		err error
	)
	for _, text := range texts {
		out, err = f.pipeline.Process(context.Background(), f.room, text)
	}
	return out, err
}

func (f *pipelineFixture) bufferLen(t *testing.T) int {
	t.Helper()
	n, err := f.state.Len(context.Background(), f.room.ID)
	require.NoError(t, err)
	return n
}

func (f *pipelineFixture) cooling(t *testing.T) bool {
	t.Helper()
	c, err := f.state.InCooldown(context.Background(), f.room.ID)
	require.NoError(t, err)
	return c
}

func TestPipelineAccumulates(t *testing.T) {
	f := newPipelineFixture(t)

	out, err := f.feed(t, "a")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccumulating, out)

	out, err = f.feed(t, "b")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccumulating, out)

	assert.Equal(t, 2, f.bufferLen(t))
	assert.Zero(t, f.detector.callCount())
	assert.Equal(t, []string{"buffer-status", "buffer-status"}, f.events.types())

	status := f.events.last("buffer-status")
	assert.Equal(t, float64(2), status["bufferLength"])
	assert.Equal(t, float64(3), status["totalNeeded"])
}

func TestPipelineAlert(t *testing.T) {
	f := newPipelineFixture(t)
	f.detector.answer = true
	f.analyzer.result = risk.Findings{Issues: []risk.Issue{groundedIssue("องค์ประชุมไม่ครบ")}}

	out, err := f.feed(t, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlerted, out)

	assert.Equal(t, [][]string{{"a", "b", "c"}}, f.detector.windows)
	assert.Equal(t, []string{"PUBLIC_LIMITED"}, f.detector.company)
	assert.Equal(t, []string{"thread-1"}, f.analyzer.threads)
	assert.Equal(t, 1, f.store.riskCount("room-1"))
	assert.True(t, f.cooling(t), "cooldown should be armed")
	assert.Zero(t, f.bufferLen(t))

	assert.Equal(t, []string{
		"buffer-status", "buffer-status", "analyzing", "deep-analyzing", "legal-risk",
	}, f.events.types())

	alert := f.events.last("legal-risk")
	assert.Equal(t, "room-1", alert["roomId"])
	issues := alert["issues"].([]any)
	require.Len(t, issues, 1)
	first := issues[0].(map[string]any)
	assert.Equal(t, "องค์ประชุมไม่ครบ", first["issueDescription"])
	assert.Equal(t, "มาตรา 1178", first["legalBasis"].(map[string]any)["reference"])
}

func TestPipelineUngroundedIssuesDropped(t *testing.T) {
	f := newPipelineFixture(t)
	f.detector.answer = true
	f.analyzer.result = risk.Findings{Issues: []risk.Issue{{
		IssueDescription: "ไม่มีประเด็น",
		LegalBasis:       risk.LegalBasis{Type: risk.NoRelevantLaw},
	}}}

	out, err := f.feed(t, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoIssues, out)

	assert.Zero(t, f.store.riskCount("room-1"))
	assert.False(t, f.cooling(t), "cooldown must not be armed")
	assert.Zero(t, f.bufferLen(t))

	done := f.events.last("analysis-complete")
	assert.Equal(t, false, done["hasRisks"])
	assert.Equal(t, "Analysis complete - no critical issues found", done["message"])
}

func TestPipelineCooldownSkipsDetector(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.state.SetCooldown(context.Background(), "room-1"))
	f.clock.Advance(10 * time.Second)

	out, err := f.feed(t, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCooldown, out)

	assert.Zero(t, f.detector.callCount())
	assert.Zero(t, f.analyzer.callCount())
	assert.Zero(t, f.bufferLen(t))
	assert.Equal(t, "cooldown-active", f.events.types()[len(f.events.types())-1])
}

func TestPipelineCooldownExpires(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.state.SetCooldown(context.Background(), "room-1"))
	f.clock.Advance(61 * time.Second)

	out, err := f.feed(t, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoSignal, out)
	assert.Equal(t, 1, f.detector.callCount())
}

func TestPipelineDetectorFailureIsNoRisk(t *testing.T) {
	failing := newPipelineFixture(t)
	failing.detector.err = errors.New("openai: 503")
	failing.detector.answer = true // ignored on error

	quiet := newPipelineFixture(t)

	outFail, errFail := failing.feed(t, "a", "b", "c")
	outQuiet, errQuiet := quiet.feed(t, "a", "b", "c")

	require.NoError(t, errFail)
	require.NoError(t, errQuiet)
	assert.Equal(t, OutcomeNoSignal, outFail)
	assert.Equal(t, outQuiet, outFail)
	assert.Equal(t, quiet.events.types(), failing.events.types())
	assert.Equal(t, quiet.events.last("analysis-complete"), failing.events.last("analysis-complete"))
	assert.Zero(t, failing.analyzer.callCount())
	assert.Zero(t, failing.bufferLen(t))
}

func TestPipelineAnalyzerFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.detector.answer = true
	f.analyzer.err = risk.ErrNoAIMessage

	out, err := f.feed(t, "a", "b", "c")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)
	assert.Zero(t, f.bufferLen(t))
	assert.Zero(t, f.store.riskCount("room-1"))
	assert.False(t, f.cooling(t))
	assert.Equal(t, "Failed to process legal risk analysis", f.events.last("error")["message"])
}

func TestPipelineMalformedAnalysis(t *testing.T) {
	f := newPipelineFixture(t)
	f.detector.answer = true
	f.analyzer.result = risk.Malformed{Raw: "ขออภัย", Reason: "not a JSON object"}

	out, err := f.feed(t, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoIssues, out)
	assert.Zero(t, f.bufferLen(t))
	assert.False(t, f.cooling(t))
}

func TestPipelinePersistenceFailure(t *testing.T) {
	f := newPipelineFixture(t)
	f.detector.answer = true
	f.analyzer.result = risk.Findings{Issues: []risk.Issue{groundedIssue("x")}}
	f.store.riskErr = errors.New("connection reset")

	out, err := f.feed(t, "a", "b", "c")
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, out)

	assert.NotContains(t, f.events.types(), "legal-risk")
	assert.False(t, f.cooling(t))
	assert.Zero(t, f.bufferLen(t))
}

func TestPipelineClearsAfterEveryPass(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *pipelineFixture)
		want  Outcome
	}{
		{"no_signal", func(f *pipelineFixture) {}, OutcomeNoSignal},
		{"cooldown", func(f *pipelineFixture) {
			_ = f.state.SetCooldown(context.Background(), "room-1")
		}, OutcomeCooldown},
		{"alerted", func(f *pipelineFixture) {
			f.detector.answer = true
			f.analyzer.result = risk.Findings{Issues: []risk.Issue{groundedIssue("x")}}
		}, OutcomeAlerted},
		{"no_issues", func(f *pipelineFixture) {
			f.detector.answer = true
			f.analyzer.result = risk.Findings{}
		}, OutcomeNoIssues},
		{"analyzer_error", func(f *pipelineFixture) {
			f.detector.answer = true
			f.analyzer.err = errors.New("timeout")
		}, OutcomeFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t)
			tt.setup(f)
			out, _ := f.feed(t, "a", "b", "c")
			assert.Equal(t, tt.want, out)
			assert.Zero(t, f.bufferLen(t))
		})
	}
}

func TestPipelineBufferBound(t *testing.T) {
	f := newPipelineFixture(t)
	require.NoError(t, f.state.SetCooldown(context.Background(), "room-1"))

	// With the gate closed every third segment clears the window, so the
	// length after each append is n mod K until the pass runs.
	for n := 1; n <= 10; n++ {
		_, err := f.feed(t, "seg")
		require.NoError(t, err)
		l := f.bufferLen(t)
		assert.LessOrEqual(t, l, 3)
		assert.Equal(t, n%3, l, "after %d segments", n)
	}
}

func TestPipelineSecondAlertSuppressed(t *testing.T) {
	f := newPipelineFixture(t)
	f.detector.answer = true
	f.analyzer.result = risk.Findings{Issues: []risk.Issue{groundedIssue("x")}}

	out, _ := f.feed(t, "a", "b", "c")
	require.Equal(t, OutcomeAlerted, out)

	f.clock.Advance(30 * time.Second)
	out, _ = f.feed(t, "d", "e", "f")
	assert.Equal(t, OutcomeCooldown, out)
	assert.Equal(t, 1, f.analyzer.callCount())
	assert.Equal(t, 1, f.store.riskCount("room-1"))
}

func TestIssueRowsDefaults(t *testing.T) {
	rows := issueRows([]risk.Issue{
		{IssueDescription: "no fields"},
		groundedIssue("full"),
	})
	require.Len(t, rows, 2)

	assert.Equal(t, risk.Unspecified, rows[0].RiskLevel)
	assert.Equal(t, risk.Unspecified, rows[0].LegalBasisType)
	assert.Equal(t, risk.Unspecified, rows[0].UrgencyLevel)
	assert.Equal(t, "", rows[0].LegalBasisRef)
	assert.Equal(t, "", rows[0].Recommendation)
	assert.NotEmpty(t, rows[0].RawJSON)

	assert.Equal(t, "สูง", rows[1].RiskLevel)
	assert.Equal(t, "มาตรา 1178", rows[1].LegalBasisRef)
}

// gatedDetector blocks every call until released and records how many
// calls overlap.
type gatedDetector struct {
	entered chan struct{}
	release chan struct{}

	mu        sync.Mutex
	active    int
	maxActive int
}

func (d *gatedDetector) Detect(context.Context, []string, string) (bool, error) {
	d.mu.Lock()
	d.active++
	d.maxActive = max(d.maxActive, d.active)
	d.mu.Unlock()

	d.entered <- struct{}{}
	<-d.release

	d.mu.Lock()
	d.active--
	d.mu.Unlock()
	return false, nil
}

func TestPipelineForgetKeepsHeldLock(t *testing.T) {
	det := &gatedDetector{entered: make(chan struct{}, 2), release: make(chan struct{})}
	p := NewPipeline(PipelineOptions{
		State:    roomstate.NewMemoryStore(roomstate.Options{WindowSize: 1}),
		Detector: det,
		Analyzer: &fakeAnalyzer{},
		Risks:    newMemStore(),
		Log:      zerolog.Nop(),
	})
	room := RoomInfo{ID: "r", CompanyType: "LIMITED", ThreadID: "t"}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Process(context.Background(), room, "first")
	}()
	<-det.entered

	// The room ends while the first pass is still running.
	p.Forget("r")
	assert.Equal(t, 1, p.trackedRooms())

	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = p.Process(context.Background(), room, "second")
	}()

	select {
	case <-det.entered:
		t.Fatal("second pass started while the first held the room")
	case <-time.After(50 * time.Millisecond):
	}

	det.release <- struct{}{}
	<-det.entered
	det.release <- struct{}{}
	wg.Wait()

	assert.Equal(t, 1, det.maxActive)
	assert.Zero(t, p.trackedRooms())
}

func TestPipelineForgetIdleRoom(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.feed(t, "one")
	require.NoError(t, err)
	assert.Equal(t, 1, f.pipeline.trackedRooms())
	f.pipeline.Forget(f.room.ID)
	assert.Zero(t, f.pipeline.trackedRooms())
	f.pipeline.Forget("never-seen")
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		n    int
		want string
	}{
		{"short", "abc", 5, "abc"},
		{"ascii", "abcdef", 3, "abc..."},
		// Each Thai letter is three bytes; byte 4 falls inside the second one.
		{"thai_mid_rune", "สัญญา", 4, "ส..."},
		{"thai_on_boundary", "สัญญา", 6, "สั..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := truncate(tt.in, tt.n)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}
