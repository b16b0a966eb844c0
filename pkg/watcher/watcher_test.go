package watcher

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/tomacheese/watch-vrchat-user/pkg/connection"
	"github.com/tomacheese/watch-vrchat-user/pkg/notify"
	"github.com/tomacheese/watch-vrchat-user/pkg/persistence"
	"github.com/tomacheese/watch-vrchat-user/pkg/presence"
	"github.com/tomacheese/watch-vrchat-user/pkg/vrchat"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNotifier records transitions and signals each delivery.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []notify.Transition
	ch    chan notify.Transition
	err   error
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{ch: make(chan notify.Transition, 16)}
}

func (f *fakeNotifier) NotifyTransition(_ context.Context, t notify.Transition) error {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	err := f.err
	f.mu.Unlock()
	f.ch <- t
	return err
}

func (f *fakeNotifier) Name() string { return "fake" }

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeNotifier) call(i int) notify.Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func waitTransition(t *testing.T, f *fakeNotifier) notify.Transition {
	t.Helper()
	select {
	case tr := <-f.ch:
		return tr
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a notification")
		return notify.Transition{}
	}
}

// testFeed is a websocket server handing each accepted connection to
// the test for scripting.
type testFeed struct {
	url   string
	conns chan *websocket.Conn
}

func newTestFeed(t *testing.T) *testFeed {
	t.Helper()
	f := &testFeed{conns: make(chan *websocket.Conn, 4)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.CloseNow()
		f.conns <- c
		// Hold the connection; Read unblocks when either side closes.
		c.Read(r.Context())
	}))
	t.Cleanup(srv.Close)
	f.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	return f
}

func (f *testFeed) conn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a feed connection")
		return nil
	}
}

func feedMessage(t *testing.T, typ string, content map[string]any) []byte {
	t.Helper()
	raw, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal content: %v", err)
	}
	env, err := json.Marshal(map[string]string{"type": typ, "content": string(raw)})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return env
}

func sendEvent(t *testing.T, c *websocket.Conn, typ string, content map[string]any) {
	t.Helper()
	if err := c.Write(context.Background(), websocket.MessageText, feedMessage(t, typ, content)); err != nil {
		t.Fatalf("write feed event: %v", err)
	}
}

// testRoster serves the paged friends endpoint and signals each page
// request, so tests can tell when reconciliation has started.
type testRoster struct {
	url  string
	hits chan struct{}

	mu      sync.Mutex
	friends []vrchat.Friend
}

func newTestRoster(t *testing.T, friends []vrchat.Friend) *testRoster {
	t.Helper()
	r := &testRoster{hits: make(chan struct{}, 16), friends: friends}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		wantOffline := q.Get("offline") == "true"

		var page []vrchat.Friend
		if q.Get("offset") == "0" {
			r.mu.Lock()
			for _, friend := range r.friends {
				if (friend.Location == "offline") == wantOffline {
					page = append(page, friend)
				}
			}
			r.mu.Unlock()
		}
		if err := json.NewEncoder(w).Encode(page); err != nil {
			t.Errorf("encode roster page: %v", err)
		}
		r.hits <- struct{}{}
	}))
	t.Cleanup(srv.Close)
	r.url = srv.URL
	return r
}

func (r *testRoster) waitHit(t *testing.T) {
	t.Helper()
	select {
	case <-r.hits:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a roster fetch")
	}
}

type fixture struct {
	feed     *testFeed
	roster   *testRoster
	notifier *fakeNotifier
	store    *presence.Store
	watcher  *Watcher
}

func newFixture(t *testing.T, friends []vrchat.Friend, watched []string) *fixture {
	t.Helper()

	feed := newTestFeed(t)
	roster := newTestRoster(t, friends)
	store := presence.NewStore(nil)
	notifier := newFakeNotifier()

	client := vrchat.NewClient(vrchat.Config{
		BaseURL:     roster.url,
		PipelineURL: feed.url,
		AuthToken:   "authcookie_watch",
		Logger:      testLogger(),
	})

	w := New(Config{
		Client:     client,
		Store:      store,
		Notifier:   notifier,
		WatchedIDs: watched,
		Supervisor: connection.Config{
			Backoff: connection.NewBackoffWithConfig(connection.BackoffConfig{
				Initial: 10 * time.Millisecond,
				Max:     50 * time.Millisecond,
			}),
			AuthCooldown:   100 * time.Millisecond,
			ConnectTimeout: 5 * time.Second,
		},
		Logger: testLogger(),
	})

	return &fixture{feed: feed, roster: roster, notifier: notifier, store: store, watcher: w}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.watcher.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(f.watcher.Stop)
}

// awaitConnected returns the server side of the feed connection once
// reconciliation has fetched both roster pages. Feed handlers are
// attached before the first fetch, so events sent afterwards are safe.
func (f *fixture) awaitConnected(t *testing.T) *websocket.Conn {
	t.Helper()
	c := f.feed.conn(t)
	f.roster.waitHit(t)
	f.roster.waitHit(t)
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWatcherFeedTransitions(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	conn := f.awaitConnected(t)

	// Online: no location in the event, the private token is applied.
	sendEvent(t, conn, "friend-online", map[string]any{
		"userId": "usr_a",
		"user":   map[string]any{"displayName": "Alice"},
	})
	tr := waitTransition(t, f.notifier)
	if tr.Kind != notify.KindOnline || tr.UserID != "usr_a" {
		t.Fatalf("got %+v, want online transition for usr_a", tr)
	}
	if tr.Current == nil || *tr.Current != "private" {
		t.Errorf("online Current = %v, want private token", tr.Current)
	}
	if tr.Previous != nil {
		t.Errorf("online Previous = %q, want nil", *tr.Previous)
	}

	// Location change.
	sendEvent(t, conn, "friend-location", map[string]any{
		"userId":   "usr_a",
		"user":     map[string]any{"displayName": "Alice"},
		"location": "wrld_x:1",
		"world":    map[string]any{"name": "Home"},
	})
	tr = waitTransition(t, f.notifier)
	if tr.Kind != notify.KindLocation {
		t.Fatalf("got kind %v, want LOCATION", tr.Kind)
	}
	if tr.Previous == nil || *tr.Previous != "private" {
		t.Errorf("location Previous = %v, want private", tr.Previous)
	}
	if tr.Current == nil || *tr.Current != "wrld_x:1" {
		t.Errorf("location Current = %v, want wrld_x:1", tr.Current)
	}
	if tr.WorldName != "Home" {
		t.Errorf("WorldName = %q, want Home", tr.WorldName)
	}

	// Offline: no display name in the event, the stored one is used.
	sendEvent(t, conn, "friend-offline", map[string]any{"userId": "usr_a"})
	tr = waitTransition(t, f.notifier)
	if tr.Kind != notify.KindOffline {
		t.Fatalf("got kind %v, want OFFLINE", tr.Kind)
	}
	if tr.DisplayName != "Alice" {
		t.Errorf("offline DisplayName = %q, want the stored name", tr.DisplayName)
	}
	if tr.Current != nil {
		t.Errorf("offline Current = %q, want nil", *tr.Current)
	}

	// A redundant offline changes nothing and must not notify. The
	// later usr_b event proves the duplicate was processed and skipped.
	sendEvent(t, conn, "friend-offline", map[string]any{"userId": "usr_a"})
	sendEvent(t, conn, "friend-online", map[string]any{
		"userId": "usr_b",
		"user":   map[string]any{"displayName": "Bob"},
	})
	tr = waitTransition(t, f.notifier)
	if tr.UserID != "usr_b" {
		t.Fatalf("got transition for %q, want usr_b", tr.UserID)
	}
	if got := f.notifier.count(); got != 4 {
		t.Errorf("got %d notifications, want 4", got)
	}

	rec, ok := f.store.Record("usr_a")
	if !ok {
		t.Fatal("usr_a missing from the store")
	}
	if rec.State != nil {
		t.Errorf("stored state = %q, want nil", *rec.State)
	}
	if rec.DisplayName != "Alice" {
		t.Errorf("stored name = %q, want Alice", rec.DisplayName)
	}
}

func TestWatcherReconcileAnnouncesMissedTransitions(t *testing.T) {
	roster := []vrchat.Friend{
		{ID: "usr_a", DisplayName: "Alice", Location: "wrld_new:1", Status: "active"},
		{ID: "usr_b", DisplayName: "Bob", Location: "offline", Status: "offline"},
		{ID: "usr_c", DisplayName: "Carol", Location: "private", Status: "busy"},
	}
	f := newFixture(t, roster, nil)

	// State recorded before the watcher went away.
	oldA := "wrld_old:9"
	oldB := "wrld_b:1"
	f.store.SetInitial("usr_a", "Alice", &oldA)
	f.store.SetInitial("usr_b", "Bob", &oldB)

	f.start(t)
	f.awaitConnected(t)

	kinds := map[string]notify.Kind{}
	for i := 0; i < 2; i++ {
		tr := waitTransition(t, f.notifier)
		kinds[tr.UserID] = tr.Kind
	}

	if kinds["usr_a"] != notify.KindLocation {
		t.Errorf("usr_a kind = %v, want LOCATION", kinds["usr_a"])
	}
	if kinds["usr_b"] != notify.KindOffline {
		t.Errorf("usr_b kind = %v, want OFFLINE", kinds["usr_b"])
	}

	// usr_c was never seen before: seeded without notifying.
	waitFor(t, "usr_c seeded", func() bool {
		_, ok := f.store.Record("usr_c")
		return ok
	})
	if got := f.notifier.count(); got != 2 {
		t.Errorf("got %d notifications, want 2", got)
	}

	rec, _ := f.store.Record("usr_a")
	if rec.State == nil || *rec.State != "wrld_new:1" {
		t.Errorf("usr_a reseeded state = %v, want wrld_new:1", rec.State)
	}
	rec, _ = f.store.Record("usr_b")
	if rec.State != nil {
		t.Errorf("usr_b reseeded state = %q, want nil", *rec.State)
	}
}

func TestWatcherWatchedFilter(t *testing.T) {
	roster := []vrchat.Friend{
		{ID: "usr_a", DisplayName: "Alice", Location: "offline", Status: "offline"},
		{ID: "usr_b", DisplayName: "Bob", Location: "wrld_b:1", Status: "active"},
	}
	f := newFixture(t, roster, []string{"usr_a"})
	f.start(t)
	conn := f.awaitConnected(t)

	waitFor(t, "usr_a seeded", func() bool {
		_, ok := f.store.Record("usr_a")
		return ok
	})
	if _, ok := f.store.Record("usr_b"); ok {
		t.Error("usr_b seeded despite not being watched")
	}

	// Events for unwatched friends are dropped before the store.
	sendEvent(t, conn, "friend-location", map[string]any{
		"userId":   "usr_b",
		"user":     map[string]any{"displayName": "Bob"},
		"location": "wrld_b:2",
	})
	sendEvent(t, conn, "friend-online", map[string]any{
		"userId": "usr_a",
		"user":   map[string]any{"displayName": "Alice"},
	})
	tr := waitTransition(t, f.notifier)
	if tr.UserID != "usr_a" {
		t.Fatalf("got transition for %q, want usr_a", tr.UserID)
	}
	if got := f.notifier.count(); got != 1 {
		t.Errorf("got %d notifications, want 1", got)
	}
	if _, ok := f.store.Record("usr_b"); ok {
		t.Error("unwatched usr_b reached the store")
	}
}

func TestWatcherFriendUpdateRenames(t *testing.T) {
	roster := []vrchat.Friend{
		{ID: "usr_a", DisplayName: "Alice", Location: "wrld_x:1", Status: "active"},
	}
	f := newFixture(t, roster, nil)
	f.start(t)
	conn := f.awaitConnected(t)

	waitFor(t, "usr_a seeded", func() bool {
		_, ok := f.store.Record("usr_a")
		return ok
	})

	sendEvent(t, conn, "friend-update", map[string]any{
		"userId": "usr_a",
		"user":   map[string]any{"displayName": "Alice Renamed"},
	})

	waitFor(t, "display name update", func() bool {
		rec, ok := f.store.Record("usr_a")
		return ok && rec.DisplayName == "Alice Renamed"
	})
	if got := f.notifier.count(); got != 0 {
		t.Errorf("got %d notifications, want 0; renames are not transitions", got)
	}

	rec, _ := f.store.Record("usr_a")
	if rec.State == nil || *rec.State != "wrld_x:1" {
		t.Errorf("state = %v, want untouched wrld_x:1", rec.State)
	}
}

func TestWatcherReconnects(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.start(t)
	conn := f.awaitConnected(t)

	firstSession := f.watcher.Supervisor().Session()
	if firstSession == "" {
		t.Fatal("no session after connect")
	}

	// Kill the feed from the server side.
	conn.Close(websocket.StatusGoingAway, "restarting")

	conn = f.awaitConnected(t)
	waitFor(t, "reconnect", func() bool {
		return f.watcher.Supervisor().IsConnected()
	})

	if session := f.watcher.Supervisor().Session(); session == firstSession {
		t.Error("session unchanged across reconnect")
	}
	if got := f.watcher.Supervisor().Attempts(); got != 0 {
		t.Errorf("attempts = %d, want 0 after successful reconnect", got)
	}

	// The fresh pipeline delivers events.
	sendEvent(t, conn, "friend-online", map[string]any{
		"userId": "usr_a",
		"user":   map[string]any{"displayName": "Alice"},
	})
	tr := waitTransition(t, f.notifier)
	if tr.UserID != "usr_a" {
		t.Fatalf("got transition for %q, want usr_a", tr.UserID)
	}
}

func TestWatcherStopFlushesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "presence.json")

	feed := newTestFeed(t)
	roster := newTestRoster(t, nil)
	store := presence.NewStoreWithConfig(persistence.NewSnapshotStore(path), presence.StoreConfig{
		// Long debounce: only the shutdown flush may write.
		PersistDelay: time.Hour,
	})
	notifier := newFakeNotifier()

	client := vrchat.NewClient(vrchat.Config{
		BaseURL:     roster.url,
		PipelineURL: feed.url,
		AuthToken:   "authcookie_watch",
		Logger:      testLogger(),
	})

	w := New(Config{
		Client:   client,
		Store:    store,
		Notifier: notifier,
		Logger:   testLogger(),
	})
	if err := w.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(w.Stop)

	conn := feed.conn(t)
	roster.waitHit(t)
	roster.waitHit(t)

	sendEvent(t, conn, "friend-online", map[string]any{
		"userId": "usr_a",
		"user":   map[string]any{"displayName": "Alice"},
	})
	waitTransition(t, notifier)

	w.Stop()

	snap, err := persistence.NewSnapshotStore(path).Load()
	if err != nil {
		t.Fatalf("loading flushed snapshot: %v", err)
	}
	if snap == nil {
		t.Fatal("no snapshot written at shutdown")
	}
	rec, ok := snap.Entities["usr_a"]
	if !ok {
		t.Fatal("usr_a missing from the flushed snapshot")
	}
	if rec.State == nil || *rec.State != "private" {
		t.Errorf("flushed state = %v, want private", rec.State)
	}
}
