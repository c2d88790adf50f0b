package mealsync

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tablewise/mealsync/internal/stream"
	"github.com/tablewise/mealsync/pkg/errors"
	"github.com/tablewise/mealsync/pkg/events"
	"github.com/tablewise/mealsync/pkg/records"
)

// plannerServer is a minimal in-memory meal planner backend.
type plannerServer struct {
	*httptest.Server

	healthy    atomic.Bool
	authStatus atomic.Int32 // non-zero forces this status on /api/health

	mu     sync.Mutex
	ideas  map[string]records.MealIdea
	nextID int
}

func newPlannerServer(t *testing.T) *plannerServer {
	t.Helper()
	ps := &plannerServer{ideas: make(map[string]records.MealIdea)}
	ps.healthy.Store(true)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", ps.handleHealth)
	mux.HandleFunc("/api/meal-ideas", ps.handleIdeas)
	mux.HandleFunc("/api/meal-ideas/", ps.handleIdea)
	mux.HandleFunc("/api/pantry", func(w http.ResponseWriter, r *http.Request) {
		if !ps.healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		ps.writeJSON(w, []records.PantryItem{})
	})

	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Close)
	return ps
}

func (ps *plannerServer) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (ps *plannerServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if status := ps.authStatus.Load(); status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(int(status))
		return
	}
	if !ps.healthy.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	ps.writeJSON(w, map[string]string{"status": "ok"})
}

func (ps *plannerServer) handleIdeas(w http.ResponseWriter, r *http.Request) {
	if !ps.healthy.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		ps.mu.Lock()
		out := make([]records.MealIdea, 0, len(ps.ideas))
		for _, idea := range ps.ideas {
			out = append(out, idea)
		}
		ps.mu.Unlock()
		ps.writeJSON(w, out)

	case http.MethodPost:
		var payload struct {
			Title string `json:"title"`
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &payload); err != nil || payload.Title == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			return
		}
		ps.mu.Lock()
		ps.nextID++
		idea := records.MealIdea{
			ID:        strconv.Itoa(ps.nextID),
			Title:     payload.Title,
			UpdatedAt: records.Timestamp(time.Now()),
		}
		ps.ideas[idea.ID] = idea
		ps.mu.Unlock()
		ps.writeJSON(w, idea)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (ps *plannerServer) handleIdea(w http.ResponseWriter, r *http.Request) {
	if !ps.healthy.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	id := r.URL.Path[len("/api/meal-ideas/"):]
	ps.mu.Lock()
	defer ps.mu.Unlock()
	idea, ok := ps.ideas[id]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPut:
		var payload struct {
			Title *string `json:"title"`
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &payload)
		if payload.Title != nil {
			idea.Title = *payload.Title
		}
		idea.UpdatedAt = records.Timestamp(time.Now())
		ps.ideas[id] = idea
		ps.writeJSON(w, idea)

	case http.MethodDelete:
		delete(ps.ideas, id)
		w.WriteHeader(http.StatusNoContent)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (ps *plannerServer) seed(ideas ...records.MealIdea) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for _, idea := range ideas {
		ps.ideas[idea.ID] = idea
	}
}

// scriptedConn is a push connection the test can feed frames into.
type scriptedConn struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{frames: make(chan []byte, 8), done: make(chan struct{})}
}

func (c *scriptedConn) ReadFrame() ([]byte, error) {
	select {
	case frame := <-c.frames:
		return frame, nil
	case <-c.done:
		return nil, io.EOF
	}
}

func (c *scriptedConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

// scriptedDialer hands out scripted connections and remembers the
// latest one.
type scriptedDialer struct {
	mu   sync.Mutex
	conn *scriptedConn
}

func (d *scriptedDialer) dial(_ context.Context) (stream.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.conn = newScriptedConn()
	return d.conn, nil
}

func (d *scriptedDialer) current() *scriptedConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conn
}

func newTestEngine(t *testing.T, ps *plannerServer) Engine {
	t.Helper()
	dialer := &scriptedDialer{}
	eng, err := New(
		WithServer(ps.URL),
		WithSessionCookie("", "test-session"),
		WithStreamDialer(dialer.dial),
		WithDebounceWindow(20*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestNewRequiresServerURL(t *testing.T) {
	_, err := New()
	assert.Error(t, err)
}

func TestEngineStartLoadsCollections(t *testing.T) {
	ps := newPlannerServer(t)
	ps.seed(records.MealIdea{ID: "1", Title: "Soup", UpdatedAt: "2026-01-01T00:00:00Z"})

	eng := newTestEngine(t, ps)
	require.NoError(t, eng.Start(context.Background()))

	assert.True(t, eng.Online())
	ideas := eng.MealIdeas().Items()
	require.Len(t, ideas, 1)
	assert.Equal(t, "Soup", ideas[0].Title)
	assert.Empty(t, eng.Pantry().Items())
}

func TestEngineOfflineAddSyncsOnReconnect(t *testing.T) {
	ps := newPlannerServer(t)
	ps.healthy.Store(false)

	eng := newTestEngine(t, ps)
	require.NoError(t, eng.Start(context.Background()))
	require.False(t, eng.Online())

	idea, err := eng.MealIdeas().Add(context.Background(), "Salmon Bites")
	require.NoError(t, err)
	tempID := idea.ID

	ps.healthy.Store(true)
	eng.Probe(context.Background())

	require.Eventually(t, eng.Online, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		ideas := eng.MealIdeas().Items()
		return len(ideas) == 1 && ideas[0].ID == "1"
	}, 2*time.Second, 10*time.Millisecond, "the queued add replays and the temp id swaps out")

	_, stillTemp := eng.MealIdeas().Get(tempID)
	assert.False(t, stillTemp)
}

func TestEngineAuthRejectionStaysOnline(t *testing.T) {
	ps := newPlannerServer(t)
	eng := newTestEngine(t, ps)
	require.NoError(t, eng.Start(context.Background()))
	require.True(t, eng.Online())

	var got atomic.Value
	eng.OnAuthFailure(func(f events.AuthFailure) { got.Store(f.Reason) })

	ps.authStatus.Store(http.StatusUnauthorized)
	eng.Probe(context.Background())

	assert.True(t, eng.Online(), "an auth rejection is not an outage")
	require.Eventually(t, func() bool {
		return got.Load() != nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, errors.ReasonSessionExpired, got.Load())
}

func TestEngineRealtimeFrameRefreshesCollection(t *testing.T) {
	ps := newPlannerServer(t)
	dialer := &scriptedDialer{}
	eng, err := New(
		WithServer(ps.URL),
		WithStreamDialer(dialer.dial),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	require.NoError(t, eng.Start(context.Background()))
	require.Empty(t, eng.MealIdeas().Items())

	// A record appears server-side, announced over the push stream.
	ps.seed(records.MealIdea{ID: "5", Title: "Curry", UpdatedAt: "2026-03-01T00:00:00Z"})
	require.Eventually(t, func() bool {
		return dialer.current() != nil
	}, time.Second, 5*time.Millisecond)
	dialer.current().frames <- []byte(`{"type":"meal-ideas.updated","payload":{}}`)

	require.Eventually(t, func() bool {
		return len(eng.MealIdeas().Items()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMealIdeasAddRejectsBlankTitle(t *testing.T) {
	ps := newPlannerServer(t)
	eng := newTestEngine(t, ps)
	require.NoError(t, eng.Start(context.Background()))

	_, err := eng.MealIdeas().Add(context.Background(), "   ")

	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidInput)
	assert.Empty(t, eng.MealIdeas().Items(), "nothing is applied for rejected input")
}

func TestPantryAddCoercesQuantity(t *testing.T) {
	ps := newPlannerServer(t)
	ps.healthy.Store(false) // keep it local; coercion is what's under test

	eng := newTestEngine(t, ps)
	require.NoError(t, eng.Start(context.Background()))

	item, err := eng.Pantry().Add(context.Background(), "Flour", "a few")
	require.NoError(t, err)
	assert.Equal(t, 0, item.Quantity)

	item, err = eng.Pantry().Add(context.Background(), "Eggs", "12")
	require.NoError(t, err)
	assert.Equal(t, 12, item.Quantity)
}

func TestPantryOrdersByName(t *testing.T) {
	ps := newPlannerServer(t)
	ps.healthy.Store(false)

	eng := newTestEngine(t, ps)
	require.NoError(t, eng.Start(context.Background()))

	ctx := context.Background()
	for _, name := range []string{"Zucchini", "Éclair mix", "Eggs"} {
		_, err := eng.Pantry().Add(ctx, name, "1")
		require.NoError(t, err)
	}

	items := eng.Pantry().Items()
	require.Len(t, items, 3)
	names := make([]string, len(items))
	for i, item := range items {
		names[i] = item.Name
	}
	assert.Equal(t, []string{"Éclair mix", "Eggs", "Zucchini"}, names)
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	ps := newPlannerServer(t)
	eng := newTestEngine(t, ps)
	require.NoError(t, eng.Start(context.Background()))

	require.NoError(t, eng.Close())
	require.NoError(t, eng.Close())
}
