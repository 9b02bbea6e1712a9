package server

import (
	"context"
	"fmt"
	"sync"

	"nanorpc/codec"
	"nanorpc/protocol"
)

// StreamHandler produces the items of one stream session. It receives the
// (still-encoded) start request and a Sink to emit items through, and must
// return when the sink reports cancellation. Returning ends the stream.
type StreamHandler func(ctx context.Context, c codec.Codec, req []byte, sink *Sink) error

// StreamOf builds a StreamHandler whose start request is decoded into Req,
// bound at registration time like actor.Typed.
func StreamOf[Req any](fn func(ctx context.Context, req Req, sink *Sink) error) StreamHandler {
	return func(ctx context.Context, c codec.Codec, body []byte, sink *Sink) error {
		var req Req
		if len(body) > 0 {
			if err := c.Decode(body, &req); err != nil {
				return fmt.Errorf("decode stream request: %w", err)
			}
		}
		return fn(ctx, req, sink)
	}
}

// Sink lets a stream handler push items to the originating node, one
// StreamData frame each. Send fails once the session is cancelled; handlers
// poll cancellation simply by checking Send's error between items.
type Sink struct {
	ctx   context.Context
	cw    *connWriter
	codec codec.Codec
	id    uint32
}

// Send encodes v and pushes it as one stream item.
func (s *Sink) Send(v any) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	body, err := s.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("server: encode stream item: %w", err)
	}
	return s.cw.write(&protocol.Frame{Type: protocol.MsgTypeStreamData, ID: s.id, Body: body})
}

// Context returns the session context, cancelled by StreamCancel or
// connection loss.
func (s *Sink) Context() context.Context {
	return s.ctx
}

// streamRegistry maps (target, method) to a registered handler. Writes only
// happen at startup.
type streamRegistry struct {
	mu       sync.RWMutex
	handlers map[string]StreamHandler
}

func newStreamRegistry() *streamRegistry {
	return &streamRegistry{handlers: make(map[string]StreamHandler)}
}

func streamKey(target, method string) string {
	return target + "/" + method
}

func (r *streamRegistry) add(target, method string, h StreamHandler) {
	r.mu.Lock()
	r.handlers[streamKey(target, method)] = h
	r.mu.Unlock()
}

func (r *streamRegistry) lookup(target, method string) (StreamHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[streamKey(target, method)]
	return h, ok
}

// sessionTable tracks the live stream sessions of one connection so a
// StreamCancel frame (or the connection going away) can stop the handler.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[uint32]context.CancelFunc
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[uint32]context.CancelFunc)}
}

// addIfAbsent registers the session unless the id is already live, so a
// duplicate StreamStart cannot orphan an existing session's CancelFunc.
func (t *sessionTable) addIfAbsent(id uint32, cancel context.CancelFunc) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.sessions[id]; ok {
		return false
	}
	t.sessions[id] = cancel
	return true
}

func (t *sessionTable) remove(id uint32) {
	t.mu.Lock()
	delete(t.sessions, id)
	t.mu.Unlock()
}

func (t *sessionTable) cancel(id uint32) {
	t.mu.Lock()
	cancel, ok := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

func (t *sessionTable) cancelAll() {
	t.mu.Lock()
	for id, cancel := range t.sessions {
		delete(t.sessions, id)
		cancel()
	}
	t.mu.Unlock()
}

// startStream opens one stream session. An unknown (target, method) pair
// completes the stream immediately with zero items instead of failing the
// connection: the node observes an empty, cleanly terminated sequence.
func (s *Server) startStream(f *protocol.Frame, cw *connWriter, sessions *sessionTable) {
	h, ok := s.streams.lookup(f.Target, f.Method)
	if !ok {
		s.log.Debug().Str("target", f.Target).Str("method", f.Method).Msg("unknown stream, ending empty")
		cw.write(&protocol.Frame{Type: protocol.MsgTypeStreamEnd, ID: f.ID})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	if !sessions.addIfAbsent(f.ID, cancel) {
		// A live session owns this id. Ending or replacing it here would
		// hijack the node-side handle, so the duplicate start is dropped.
		cancel()
		s.log.Warn().Uint32("id", f.ID).Msg("stream id already in use, frame dropped")
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer sessions.remove(f.ID)

		sink := &Sink{ctx: ctx, cw: cw, codec: s.codec, id: f.ID}
		err := h(ctx, s.codec, f.Body, sink)
		if err != nil && ctx.Err() == nil {
			s.log.Warn().
				Str("target", f.Target).
				Str("method", f.Method).
				Err(err).
				Msg("stream handler failed")
		}
		// After a cancel the node has already torn the handle down; an End
		// frame would refer to a dead stream id.
		if ctx.Err() == nil {
			cw.write(&protocol.Frame{Type: protocol.MsgTypeStreamEnd, ID: f.ID})
		}
	}()
}
