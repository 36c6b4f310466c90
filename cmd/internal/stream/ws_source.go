package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"concord/cmd/internal/engine"
	"concord/cmd/internal/protocol"
)

const (
	wsSubprotocolV1 = "concord.stream.v1"

	wsMaxFrameBytes = 1 << 20

	wsDefaultDialTimeout  = 10 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsDefaultPingInterval = 30 * time.Second
	wsDefaultPingTimeout  = 10 * time.Second

	wsMaxPingFailures = 3

	wsReconnectMin = 1 * time.Second
	wsReconnectMax = 30 * time.Second
)

// Wire envelope types.
const (
	wireTypeEvent = "event"
	wireTypeBatch = "event.batch"
)

type wireEnvelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

type batchPayload struct {
	RoomID    string             `json:"room_id,omitempty"`
	Direction protocol.Direction `json:"direction"`
	Events    []*protocol.Event  `json:"events"`
}

// WSSource is the WebSocket client for the remote event stream. It dials the
// configured endpoint, decodes wire envelopes, and delivers them to the one
// attached handler. Disconnects trigger reconnection with capped exponential
// backoff.
type WSSource struct {
	log *slog.Logger
	cfg WSConfig

	store   EventStore
	onState func(engine.SyncState)

	mu      sync.Mutex
	handler engine.EnvelopeHandler
	running bool
}

// WSConfig configures the stream client.
type WSConfig struct {
	URL string

	DialTimeout     time.Duration
	ReadIdleTimeout time.Duration
	PingInterval    time.Duration
	PingTimeout     time.Duration
}

func (c *WSConfig) fill() {
	if c.DialTimeout <= 0 {
		c.DialTimeout = wsDefaultDialTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = wsDefaultReadIdle
	}
	if c.PingInterval <= 0 {
		c.PingInterval = wsDefaultPingInterval
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = wsDefaultPingTimeout
	}
}

// WSOption configures a WSSource.
type WSOption func(*WSSource)

// WithEventStore records forward timeline events into the given store so that
// they remain available for backfill.
func WithEventStore(store EventStore) WSOption {
	return func(s *WSSource) { s.store = store }
}

// WithStateFunc receives stream lifecycle transitions.
func WithStateFunc(fn func(engine.SyncState)) WSOption {
	return func(s *WSSource) {
		if fn != nil {
			s.onState = fn
		}
	}
}

// NewWSSource constructs a stream client.
func NewWSSource(log *slog.Logger, cfg WSConfig, opts ...WSOption) (*WSSource, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("stream: missing stream URL")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	cfg.fill()

	s := &WSSource{
		log:     log,
		cfg:     cfg,
		onState: func(engine.SyncState) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Attach registers the envelope handler. Exactly one handler is supported.
func (s *WSSource) Attach(h engine.EnvelopeHandler) error {
	if h == nil {
		return errors.New("stream: nil handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handler != nil {
		return errors.New("stream: handler already attached")
	}
	s.handler = h
	return nil
}

// Run drives the connect/read/reconnect loop until ctx is canceled. A handler
// must be attached first.
func (s *WSSource) Run(ctx context.Context) error {
	s.mu.Lock()
	h := s.handler
	if h == nil {
		s.mu.Unlock()
		return errors.New("stream: no handler attached")
	}
	if s.running {
		s.mu.Unlock()
		return errors.New("stream: already running")
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		s.onState(engine.SyncStopped)
	}()

	backoff := wsReconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		s.onState(engine.SyncSyncing)
		err := s.runConn(ctx, h)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		s.onState(engine.SyncError)
		s.log.Warn("stream.conn.lost", "err", err, "retry_in", backoff.String())

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsReconnectMax {
			backoff = wsReconnectMax
		}
	}
}

// runConn dials once and reads until the connection dies.
func (s *WSSource) runConn(ctx context.Context, h engine.EnvelopeHandler) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, _, err := websocket.Dial(dialCtx, s.cfg.URL, &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
	})
	dialCancel()
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		return fmt.Errorf("unexpected subprotocol: %q", sp)
	}
	conn.SetReadLimit(wsMaxFrameBytes)

	s.log.Info("stream.conn.open", "url", s.cfg.URL)
	s.onState(engine.SyncPrepared)

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)

		t := time.NewTicker(s.cfg.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-connCtx.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(connCtx, s.cfg.PingTimeout)
				err := conn.Ping(pingCtx)
				pingCancel()

				if err != nil {
					failures++
					s.log.Info("stream.ping.fail", "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						cancel()
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

	defer func() {
		cancel()
		<-pingDone
	}()

	for {
		readCtx, readCancel := context.WithTimeout(connCtx, s.cfg.ReadIdleTimeout)
		env, err := readWire(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrBadJSON:
				s.log.Warn("stream.frame.bad_json", "err", err)
				continue
			case readErrCtxDone:
				if ctx.Err() != nil {
					return context.Canceled
				}
				return fmt.Errorf("read idle: %w", err)
			default:
				return fmt.Errorf("read: %w", err)
			}
		}

		s.dispatch(ctx, h, env)
	}
}

// dispatch decodes one wire envelope and routes it to the handler, recording
// forward timeline events into the event store.
func (s *WSSource) dispatch(ctx context.Context, h engine.EnvelopeHandler, env wireEnvelope) {
	switch env.Type {
	case wireTypeEvent:
		var p protocol.Envelope
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn("stream.event.bad_payload", "err", err)
			return
		}
		if p.Direction == "" {
			p.Direction = protocol.Forward
		}
		s.record(ctx, p.Event, p.Direction)
		h.HandleEnvelope(p)

	case wireTypeBatch:
		var p batchPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			s.log.Warn("stream.batch.bad_payload", "err", err)
			return
		}
		if !p.Direction.Valid() {
			s.log.Warn("stream.batch.bad_direction", "direction", string(p.Direction))
			return
		}
		for _, evt := range p.Events {
			if evt != nil && evt.RoomID == "" {
				evt.RoomID = p.RoomID
			}
			s.record(ctx, evt, p.Direction)
		}
		// The whole batch goes down as one call; splitting it would reverse
		// backward batches, which prepend per room as a unit.
		h.HandleEventBatch(p.Events, p.Direction)

	default:
		s.log.Debug("stream.frame.ignored", "type", env.Type)
	}
}

func (s *WSSource) record(ctx context.Context, evt *protocol.Event, dir protocol.Direction) {
	if s.store == nil || evt == nil || dir != protocol.Forward {
		return
	}
	if protocol.Classify(evt) != protocol.CategoryTimeline {
		return
	}
	if err := s.store.Record(ctx, evt); err != nil {
		s.log.Warn("stream.store.record_fail", "event_id", evt.ID, "err", err)
	}
}

// ---- wire IO ----

func readWire(ctx context.Context, conn *websocket.Conn) (wireEnvelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return wireEnvelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return wireEnvelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return wireEnvelope{}, errBadJSON{err}
	}
	return env, nil
}

// ---- read error classification ----

type errBadJSON struct{ err error }

func (e errBadJSON) Error() string { return e.err.Error() }
func (e errBadJSON) Unwrap() error { return e.err }

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	var bad errBadJSON
	if errors.As(err, &bad) {
		return readErrBadJSON
	}
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}
	return readErrUnknown
}
