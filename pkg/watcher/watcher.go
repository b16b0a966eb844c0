// Package watcher wires the VRChat client, the presence store, the
// notifier and the connection supervisor into one running unit.
//
// The watcher supplies the supervisor's connect function, attaches
// feed handlers to every fresh pipeline, reconciles the roster after
// each connect and turns store transitions into notifications.
package watcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tomacheese/watch-vrchat-user/pkg/connection"
	"github.com/tomacheese/watch-vrchat-user/pkg/eventlog"
	"github.com/tomacheese/watch-vrchat-user/pkg/notify"
	"github.com/tomacheese/watch-vrchat-user/pkg/presence"
	"github.com/tomacheese/watch-vrchat-user/pkg/vrchat"
)

// reconcileTimeout bounds the roster fetch after each connect.
const reconcileTimeout = 60 * time.Second

// feedKinds are the event kinds the watcher consumes.
var feedKinds = []vrchat.Kind{
	vrchat.KindFriendLocation,
	vrchat.KindFriendOnline,
	vrchat.KindFriendOffline,
	vrchat.KindFriendUpdate,
}

// Config holds the watcher dependencies and settings.
type Config struct {
	// Client talks to the VRChat API. Required.
	Client *vrchat.Client

	// Store tracks the last known presence per friend. Required.
	Store *presence.Store

	// Notifier receives presence transitions. Nil disables notifications.
	Notifier notify.Notifier

	// WatchedIDs restricts transitions to these user IDs. Empty
	// watches every friend.
	WatchedIDs []string

	// Supervisor tunes the connection supervisor.
	Supervisor connection.Config

	// Logger receives operational logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Journal receives structured journal events. Nil disables journaling.
	Journal eventlog.Logger
}

// Watcher supervises one feed connection and keeps presence state and
// notifications in sync with it.
type Watcher struct {
	client   *vrchat.Client
	store    *presence.Store
	notifier notify.Notifier
	logger   *slog.Logger
	journal  eventlog.Logger
	channel  string
	watched  map[string]struct{}

	supervisor *connection.Supervisor

	// applyMu serializes store application so reconciliation and feed
	// handlers cannot interleave.
	applyMu sync.Mutex

	mu       sync.Mutex
	pipeline *vrchat.Pipeline

	notifyWG sync.WaitGroup
	stopOnce sync.Once
}

// New creates a watcher. It does not connect; call Start.
func New(config Config) *Watcher {
	if config.Notifier == nil {
		config.Notifier = notify.NopNotifier{}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Journal == nil {
		config.Journal = eventlog.NoopLogger{}
	}

	w := &Watcher{
		client:   config.Client,
		store:    config.Store,
		notifier: config.Notifier,
		logger:   config.Logger,
		journal:  config.Journal,
		channel:  "notifier",
		watched:  make(map[string]struct{}, len(config.WatchedIDs)),
	}
	for _, id := range config.WatchedIDs {
		if id != "" {
			w.watched[id] = struct{}{}
		}
	}
	if named, ok := config.Notifier.(interface{ Name() string }); ok {
		w.channel = named.Name()
	}

	w.supervisor = connection.NewSupervisorWithConfig(w.connect, config.Supervisor)
	w.supervisor.OnStateChange(func(oldState, newState connection.State) {
		w.logger.Info("connection state changed",
			slog.String("from", oldState.String()),
			slog.String("to", newState.String()))
	})
	w.supervisor.OnConnected(w.handleConnected)
	w.supervisor.OnDisconnected(w.handleDisconnected)
	w.supervisor.OnReconnecting(w.handleReconnecting)
	w.supervisor.OnStale(w.handleStale)

	w.store.OnPersistError(func(err error) {
		w.logger.Error("snapshot write failed", slog.String("error", err.Error()))
		w.journal.Log(eventlog.Event{
			Timestamp: time.Now(),
			Category:  eventlog.CategoryError,
			Error: &eventlog.ErrorEventData{
				Message: err.Error(),
				Context: "persisting snapshot",
			},
		})
	})

	return w
}

// Start loads the durable snapshot and launches the supervisor.
func (w *Watcher) Start() error {
	loaded := w.store.Load()
	w.logger.Info("presence snapshot loaded", slog.Int("entities", loaded))
	return w.supervisor.Start()
}

// Stop shuts down the feed, waits for in-flight notifications and
// flushes the store. Idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		w.logger.Info("stopping watcher")
		w.supervisor.Stop()

		w.mu.Lock()
		w.pipeline = nil
		w.mu.Unlock()

		w.notifyWG.Wait()
		if err := w.store.Flush(); err != nil {
			w.logger.Error("final snapshot flush failed", slog.String("error", err.Error()))
			w.journal.Log(eventlog.Event{
				Timestamp: time.Now(),
				Category:  eventlog.CategoryError,
				Error: &eventlog.ErrorEventData{
					Message: err.Error(),
					Context: "flushing snapshot at shutdown",
				},
			})
		}
		w.journal.Log(eventlog.Event{
			Timestamp: time.Now(),
			Category:  eventlog.CategoryConnection,
			Connection: &eventlog.ConnectionEvent{
				Phase:  eventlog.PhaseDisconnected,
				Reason: "shutdown",
			},
		})
	})
}

// Supervisor exposes the connection supervisor for status reporting.
func (w *Watcher) Supervisor() *connection.Supervisor {
	return w.supervisor
}

// Store exposes the presence store for status reporting.
func (w *Watcher) Store() *presence.Store {
	return w.store
}

// connect implements the supervisor's ConnectFunc.
func (w *Watcher) connect(ctx context.Context) (connection.Handle, error) {
	pipeline, err := w.client.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

// handleConnected attaches feed handlers to the fresh pipeline and
// reconciles the roster. Runs on the supervisor's retry goroutine.
func (w *Watcher) handleConnected(h connection.Handle) {
	pipeline := h.(*vrchat.Pipeline)

	w.mu.Lock()
	w.pipeline = pipeline
	w.mu.Unlock()

	session := w.supervisor.Session()

	pipeline.OnMessage(w.supervisor.RecordEvent)
	pipeline.OnDecodeError(func(err error) {
		w.journal.Log(eventlog.Event{
			Timestamp: time.Now(),
			SessionID: w.supervisor.Session(),
			Category:  eventlog.CategoryError,
			Error: &eventlog.ErrorEventData{
				Message: err.Error(),
				Context: "decoding feed event",
			},
		})
	})
	pipeline.OnDisconnect(func(err error) {
		w.logger.Warn("feed connection lost", slog.String("error", err.Error()))
		w.journal.Log(eventlog.Event{
			Timestamp: time.Now(),
			SessionID: w.supervisor.Session(),
			Category:  eventlog.CategoryConnection,
			Connection: &eventlog.ConnectionEvent{
				Phase:  eventlog.PhaseDisconnected,
				Reason: err.Error(),
			},
		})
		w.supervisor.ConnectionLost(pipeline, err)
	})

	pipeline.On(vrchat.KindFriendLocation, w.handleFriendLocation)
	pipeline.On(vrchat.KindFriendOnline, w.handleFriendOnline)
	pipeline.On(vrchat.KindFriendOffline, w.handleFriendOffline)
	pipeline.On(vrchat.KindFriendUpdate, w.handleFriendUpdate)

	w.logger.Info("feed connected", slog.String("session", session))
	w.journal.Log(eventlog.Event{
		Timestamp: time.Now(),
		SessionID: session,
		Category:  eventlog.CategoryConnection,
		Connection: &eventlog.ConnectionEvent{
			Phase: eventlog.PhaseConnected,
		},
	})

	w.reconcile()
}

// handleDisconnected drops the dead pipeline. The supervisor already
// closed the handle; RemoveAll mirrors the attach in handleConnected.
func (w *Watcher) handleDisconnected() {
	w.mu.Lock()
	pipeline := w.pipeline
	w.pipeline = nil
	w.mu.Unlock()

	if pipeline == nil {
		return
	}
	for _, kind := range feedKinds {
		pipeline.RemoveAll(kind)
	}
}

func (w *Watcher) handleReconnecting(attempt int, delay time.Duration, kind connection.FailureKind) {
	if kind == connection.FailureAuth {
		w.logger.Error("authentication rejected, cooling down",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))
	} else {
		w.logger.Warn("feed connect failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay))
	}
	w.journal.Log(eventlog.Event{
		Timestamp: time.Now(),
		Category:  eventlog.CategoryConnection,
		Connection: &eventlog.ConnectionEvent{
			Phase:       eventlog.PhaseReconnecting,
			Attempt:     attempt,
			Delay:       &delay,
			FailureKind: kind.String(),
		},
	})
}

func (w *Watcher) handleStale(age time.Duration) {
	w.logger.Warn("event feed stale", slog.Duration("age", age))
	w.journal.Log(eventlog.Event{
		Timestamp: time.Now(),
		SessionID: w.supervisor.Session(),
		Category:  eventlog.CategoryConnection,
		Connection: &eventlog.ConnectionEvent{
			Phase:   eventlog.PhaseStale,
			FeedAge: &age,
		},
	})
}

func (w *Watcher) handleFriendLocation(event vrchat.Event) {
	e := event.(vrchat.FriendLocation)
	if !w.watchedID(e.UserID) {
		return
	}
	w.apply(e.UserID, e.DisplayName, vrchat.ParseLocation(e.Location),
		notify.KindLocation, string(vrchat.KindFriendLocation), e.WorldName)
}

func (w *Watcher) handleFriendOnline(event vrchat.Event) {
	e := event.(vrchat.FriendOnline)
	if !w.watchedID(e.UserID) {
		return
	}
	// Online events carry no location; VRChat hides it until the first
	// friend-location lands.
	location := vrchat.LocationPrivate
	w.apply(e.UserID, e.DisplayName, &location,
		notify.KindOnline, string(vrchat.KindFriendOnline), "")
}

func (w *Watcher) handleFriendOffline(event vrchat.Event) {
	e := event.(vrchat.FriendOffline)
	if !w.watchedID(e.UserID) {
		return
	}
	w.apply(e.UserID, "", nil,
		notify.KindOffline, string(vrchat.KindFriendOffline), "")
}

func (w *Watcher) handleFriendUpdate(event vrchat.Event) {
	e := event.(vrchat.FriendUpdate)
	if !w.watchedID(e.UserID) {
		return
	}
	if w.store.UpdateDisplayName(e.UserID, e.DisplayName) {
		w.logger.Debug("display name updated",
			slog.String("user_id", e.UserID),
			slog.String("display_name", e.DisplayName))
	}
}

// apply feeds one observation to the store and announces the result
// when it changed the recorded state.
func (w *Watcher) apply(id, displayName string, state *string, kind notify.Kind, trigger, worldName string) {
	w.applyMu.Lock()
	transition := w.store.Update(id, displayName, state)
	w.applyMu.Unlock()

	if !transition.Changed {
		return
	}
	if displayName == "" {
		// Offline events carry no name; use the stored one.
		if rec, ok := w.store.Record(id); ok {
			displayName = rec.DisplayName
		}
	}
	w.announce(id, displayName, transition, kind, trigger, worldName)
}

// announce journals a transition and dispatches the notification
// without blocking the feed read loop.
func (w *Watcher) announce(id, displayName string, transition presence.Transition, kind notify.Kind, trigger, worldName string) {
	now := time.Now()
	w.logger.Info("presence transition",
		slog.String("user_id", id),
		slog.String("display_name", displayName),
		slog.String("previous", locationText(transition.Previous)),
		slog.String("current", locationText(transition.Current)),
		slog.String("trigger", trigger))

	w.journal.Log(eventlog.Event{
		Timestamp: now,
		SessionID: w.supervisor.Session(),
		Category:  eventlog.CategoryPresence,
		UserID:    id,
		Presence: &eventlog.PresenceEvent{
			DisplayName: displayName,
			Previous:    transition.Previous,
			Current:     transition.Current,
			Trigger:     trigger,
		},
	})

	t := notify.Transition{
		Kind:        kind,
		UserID:      id,
		DisplayName: displayName,
		Previous:    transition.Previous,
		Current:     transition.Current,
		WorldName:   worldName,
		At:          now,
	}

	w.notifyWG.Add(1)
	go func() {
		defer w.notifyWG.Done()

		err := w.notifier.NotifyTransition(context.Background(), t)
		entry := eventlog.Event{
			Timestamp: time.Now(),
			Category:  eventlog.CategoryNotification,
			UserID:    id,
			Notification: &eventlog.NotificationEvent{
				Channel:   w.channel,
				Delivered: err == nil,
			},
		}
		if err != nil {
			entry.Notification.Error = err.Error()
			w.logger.Error("notification delivery failed",
				slog.String("user_id", id),
				slog.String("error", err.Error()))
		}
		w.journal.Log(entry)
	}()
}

// reconcile fetches the roster and compares it against the stored
// records: transitions that happened while the watcher was away are
// announced, then every record is reseeded without reporting.
func (w *Watcher) reconcile() {
	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	defer cancel()

	friends, err := w.client.Friends(ctx)
	if err != nil {
		w.logger.Error("roster reconciliation failed", slog.String("error", err.Error()))
		w.journal.Log(eventlog.Event{
			Timestamp: time.Now(),
			SessionID: w.supervisor.Session(),
			Category:  eventlog.CategoryError,
			Error: &eventlog.ErrorEventData{
				Message: err.Error(),
				Context: "fetching friends roster",
			},
		})
		return
	}

	announced := 0
	w.applyMu.Lock()
	for _, friend := range friends {
		if !w.watchedID(friend.ID) {
			continue
		}
		state := vrchat.ParseLocation(friend.Location)
		if previous, ok := w.store.Record(friend.ID); ok && !sameState(previous.State, state) {
			w.announce(friend.ID, friend.DisplayName,
				presence.Transition{Changed: true, Previous: previous.State, Current: state},
				reconcileKind(previous.State, state), "reconcile", "")
			announced++
		}
		w.store.SetInitial(friend.ID, friend.DisplayName, state)
	}
	w.applyMu.Unlock()

	w.logger.Info("roster reconciled",
		slog.Int("friends", len(friends)),
		slog.Int("transitions", announced))
}

// watchedID reports whether transitions for id should be processed.
// An empty watch list watches every friend.
func (w *Watcher) watchedID(id string) bool {
	if len(w.watched) == 0 {
		return true
	}
	_, ok := w.watched[id]
	return ok
}

// reconcileKind derives the notification kind from the before/after
// pair; reconciliation has no feed event type to derive it from.
func reconcileKind(previous, current *string) notify.Kind {
	switch {
	case previous == nil:
		return notify.KindOnline
	case current == nil:
		return notify.KindOffline
	default:
		return notify.KindLocation
	}
}

// sameState reports whether two optional location tokens are equal.
func sameState(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// locationText renders an optional location token for logs.
func locationText(state *string) string {
	if state == nil {
		return "offline"
	}
	return *state
}
