package vrchat

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// Handler consumes a decoded pipeline event.
type Handler func(Event)

// Pipeline is a live connection to the VRChat event feed. A background
// read loop decodes inbound messages and dispatches them to registered
// handlers. A Pipeline is bound to one websocket connection; after a
// disconnect it is dead and a new one must be dialed.
type Pipeline struct {
	conn   *websocket.Conn
	logger *slog.Logger

	mu            sync.Mutex
	handlers      map[Kind][]Handler
	onMessage     func()
	onDecodeError func(error)
	onDisconnect  func(error)
	closed        bool
}

func newPipeline(conn *websocket.Conn, logger *slog.Logger) *Pipeline {
	p := &Pipeline{
		conn:     conn,
		logger:   logger,
		handlers: make(map[Kind][]Handler),
	}
	go p.readLoop()
	return p
}

// On registers a handler for an event kind. Handlers run on the read
// loop goroutine in arrival order.
func (p *Pipeline) On(kind Kind, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[kind] = append(p.handlers[kind], handler)
}

// RemoveAll removes every handler registered for an event kind.
func (p *Pipeline) RemoveAll(kind Kind) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, kind)
}

// OnMessage registers a tap invoked for every inbound message before
// decoding, valid or not. Used to track feed liveness.
func (p *Pipeline) OnMessage(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = fn
}

// OnDecodeError registers a callback for messages that fail structural
// validation. Unknown event types are not reported; the feed carries
// plenty of types the watcher does not consume.
func (p *Pipeline) OnDecodeError(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDecodeError = fn
}

// OnDisconnect registers a callback fired exactly once when the read
// loop exits on a connection fault. It does not fire after Close.
func (p *Pipeline) OnDisconnect(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDisconnect = fn
}

// Close detaches all handlers and closes the websocket. Handlers and
// callbacks are removed before the socket closes, so teardown cannot
// re-enter the disconnect path. Safe to call multiple times.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.handlers = make(map[Kind][]Handler)
	p.onMessage = nil
	p.onDecodeError = nil
	p.onDisconnect = nil
	p.mu.Unlock()

	return p.conn.Close(websocket.StatusNormalClosure, "shutting down")
}

// readLoop pulls messages off the websocket until it dies.
func (p *Pipeline) readLoop() {
	for {
		_, data, err := p.conn.Read(context.Background())
		if err != nil {
			p.dispatchDisconnect(err)
			return
		}
		p.dispatchMessage(data)
	}
}

func (p *Pipeline) dispatchMessage(data []byte) {
	p.mu.Lock()
	tap := p.onMessage
	p.mu.Unlock()
	if tap != nil {
		tap()
	}

	event, err := DecodeEvent(data)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			p.logger.Debug("ignoring pipeline event", slog.String("error", err.Error()))
			return
		}
		p.logger.Warn("dropping malformed pipeline event", slog.String("error", err.Error()))
		p.mu.Lock()
		onErr := p.onDecodeError
		p.mu.Unlock()
		if onErr != nil {
			onErr(err)
		}
		return
	}

	p.mu.Lock()
	handlers := append([]Handler(nil), p.handlers[event.Kind()]...)
	p.mu.Unlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// dispatchDisconnect fires the disconnect callback unless the pipeline
// was closed deliberately.
func (p *Pipeline) dispatchDisconnect(err error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	fn := p.onDisconnect
	p.mu.Unlock()

	// Release the socket before handing the fault upstream.
	_ = p.conn.CloseNow()

	p.logger.Debug("pipeline read loop ended", slog.String("error", err.Error()))
	if fn != nil {
		fn(err)
	}
}
