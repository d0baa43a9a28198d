package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Knarf49/leganizebackend/internal/database"
)

// fakeLive is an in-memory LiveDataSource.
type fakeLive struct {
	mu     sync.Mutex
	subs   map[chan RoomEvent]EventFilter
	replay []RoomEvent
}

func newFakeLive() *fakeLive {
	return &fakeLive{subs: make(map[chan RoomEvent]EventFilter)}
}

func (f *fakeLive) Subscribe(filter EventFilter) (<-chan RoomEvent, func()) {
	ch := make(chan RoomEvent, 16)
	f.mu.Lock()
	f.subs[ch] = filter
	f.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, ch)
			f.mu.Unlock()
		})
	}
}

func (f *fakeLive) ReplaySince(lastEventID string, filter EventFilter) []RoomEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	after := eventSeq(lastEventID)
	var out []RoomEvent
	for _, e := range f.replay {
		if eventSeq(e.ID) > after && (filter.RoomID == "" || filter.RoomID == e.RoomID) {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeLive) publish(e RoomEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch, filter := range f.subs {
		if filter.RoomID == "" || filter.RoomID == e.RoomID {
			ch <- e
		}
	}
}

func (f *fakeLive) subscribers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func roomEvent(seq int, roomID, typ, data string) RoomEvent {
	return RoomEvent{
		ID:        fmt.Sprintf("1700000000000-%d", seq),
		RoomID:    roomID,
		Type:      typ,
		Timestamp: time.Unix(1700000000, 0).UTC().Format(time.RFC3339Nano),
		Data:      []byte(data),
	}
}

// fakeService is a RoomService keyed by room id -> access token.
type fakeService struct {
	*fakeLive

	mu         sync.Mutex
	tokens     map[string]string
	enqueued   []AudioChunk
	texts      []string
	joined     int
	left       int
	summaries  map[string]string
	enqueueErr error
	submitErr  error
}

func newFakeService(tokens map[string]string) *fakeService {
	return &fakeService{
		fakeLive:  newFakeLive(),
		tokens:    tokens,
		summaries: make(map[string]string),
	}
}

func (f *fakeService) check(roomID, token string) error {
	if want, ok := f.tokens[roomID]; !ok || token == "" || want != token {
		return fmt.Errorf("%w: room %s", ErrInvalidRoom, roomID)
	}
	return nil
}

func (f *fakeService) EnqueueAudio(_ context.Context, chunk AudioChunk) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(chunk.RoomID, chunk.AccessToken); err != nil {
		return 0, err
	}
	if f.enqueueErr != nil {
		return 0, f.enqueueErr
	}
	f.enqueued = append(f.enqueued, chunk)
	return len(f.enqueued), nil
}

func (f *fakeService) SubmitText(_ context.Context, roomID, token, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(roomID, token); err != nil {
		return err
	}
	if f.submitErr != nil {
		return f.submitErr
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeService) Join(_ context.Context, roomID, token string) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check(roomID, token); err != nil {
		return nil, err
	}
	f.joined++
	return func() {
		f.mu.Lock()
		f.left++
		f.mu.Unlock()
	}, nil
}

func (f *fakeService) CompleteSummary(_ context.Context, roomID, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tokens[roomID]; !ok {
		return fmt.Errorf("%w: room %s", ErrInvalidRoom, roomID)
	}
	f.summaries[roomID] = summary
	return nil
}

func (f *fakeService) snapshot() (enqueued []AudioChunk, texts []string, joined, left int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]AudioChunk(nil), f.enqueued...), append([]string(nil), f.texts...), f.joined, f.left
}

// fakeRooms is an in-memory RoomReader.
type fakeRooms struct {
	rooms       map[string]*database.Room
	transcripts map[string][]database.TranscriptChunk
	risks       map[string][]database.LegalRisk
	listErr     error
}

func newFakeRooms(rooms ...*database.Room) *fakeRooms {
	f := &fakeRooms{
		rooms:       make(map[string]*database.Room),
		transcripts: make(map[string][]database.TranscriptChunk),
		risks:       make(map[string][]database.LegalRisk),
	}
	for _, r := range rooms {
		f.rooms[r.ID] = r
	}
	return f
}

func (f *fakeRooms) ValidateRoom(_ context.Context, id, token string, requireActive bool) (*database.Room, error) {
	r, ok := f.rooms[id]
	if !ok {
		return nil, database.ErrRoomNotFound
	}
	if token == "" || r.AccessToken != token {
		return nil, database.ErrInvalidToken
	}
	if requireActive && r.Status == database.RoomEnded {
		return nil, database.ErrRoomEnded
	}
	return r, nil
}

func (f *fakeRooms) GetRoom(_ context.Context, id string) (*database.Room, error) {
	r, ok := f.rooms[id]
	if !ok {
		return nil, database.ErrRoomNotFound
	}
	return r, nil
}

func (f *fakeRooms) ListTranscriptChunks(_ context.Context, roomID string) ([]database.TranscriptChunk, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.transcripts[roomID], nil
}

func (f *fakeRooms) ListLegalRisks(_ context.Context, roomID string) ([]database.LegalRisk, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.risks[roomID], nil
}

func activeRoom(id, token string) *database.Room {
	return &database.Room{
		ID:          id,
		AccessToken: token,
		Status:      database.RoomActive,
		CompanyType: "LIMITED",
		ThreadID:    "thread-" + id,
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

var errBoom = errors.New("boom")
