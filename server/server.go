// Package server implements the NanoRPC server: actor registration,
// middleware chain, pub/sub broker, stream registry, and graceful shutdown.
//
// Frame processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → Call/Cast: go dispatch (parallel per request) → Reply/Error frame
//	  → Subscribe/Unsubscribe/Publish: broker
//	  → StreamStart/StreamCancel: stream session
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"nanorpc/actor"
	"nanorpc/broker"
	"nanorpc/codec"
	"nanorpc/middleware"
	"nanorpc/protocol"
)

var ErrEmptyName = errors.New("server: name must be non-empty")

// Server accepts node connections and routes their frames to the actor
// registry, the pub/sub broker, or the stream registry.
type Server struct {
	name        string
	codec       codec.Codec
	log         zerolog.Logger
	registry    *actor.Registry
	broker      *broker.Broker
	streams     *streamRegistry
	listener    net.Listener
	wg          sync.WaitGroup // tracks in-flight dispatches for graceful shutdown
	shutdown    atomic.Bool    // suppresses the Accept error caused by Shutdown
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc
}

// Option configures a Server.
type Option func(*Server)

// WithCodec sets the body codec. Default is codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(s *Server) { s.codec = c }
}

// WithLogger sets the structured logger. Default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// New creates a server with the given name. The name must be non-empty; it
// is sent to nodes in the handshake reply.
func New(name string, opts ...Option) (*Server, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	s := &Server{
		name:     name,
		codec:    codec.Default,
		log:      zerolog.Nop(),
		registry: actor.NewRegistry(),
		broker:   broker.New(),
		streams:  newStreamRegistry(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Register indexes an actor's actions under the given target name.
func (s *Server) Register(name string, a actor.Actor) error {
	return s.registry.Register(name, a)
}

// RegisterStream registers a streaming handler for (target, method).
func (s *Server) RegisterStream(target, method string, h StreamHandler) error {
	if target == "" || method == "" {
		return ErrEmptyName
	}
	if h == nil {
		return errors.New("server: stream handler must be non-nil")
	}
	s.streams.add(target, method, h)
	return nil
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
}

// Serve listens on the given address and enters the Accept loop, one
// goroutine per connection. It blocks until the listener fails or Shutdown
// is called.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	s.listener = listener

	// Build the middleware chain once at startup (not per-request).
	s.handler = middleware.Chain(s.middlewares...)(s.dispatch)

	s.log.Info().Str("server", s.name).Str("addr", listener.Addr().String()).Msg("serving")
	for {
		conn, err := listener.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an
			// error. The flag distinguishes intentional close from failure.
			if s.shutdown.Load() {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

// Publish fans payload out to every subscriber of topic, server-originated.
// Returns the number of deliveries started.
func (s *Server) Publish(topic string, payload any) (int, error) {
	body, err := s.codec.Encode(payload)
	if err != nil {
		return 0, fmt.Errorf("server: encode publish payload: %w", err)
	}
	return s.broker.Publish(topic, body), nil
}

// Topics returns the topics with at least one live subscriber.
func (s *Server) Topics() []string {
	return s.broker.Topics()
}

// SubscriberCount returns the subscription count for topic, zero when the
// topic is unknown.
func (s *Server) SubscriberCount(topic string) int {
	return s.broker.SubscriberCount(topic)
}

// handleConn runs the read loop for one connection. Reads are sequential
// (frame boundaries require a single reader) but each Call/Cast dispatches
// on its own goroutine so one slow call does not block the others sharing
// the connection.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	cw := &connWriter{conn: conn}
	owner := conn.RemoteAddr().String()
	sessions := newSessionTable()
	remote := "?"
	defer func() {
		// The connection is gone: its subscriptions and live streams go too.
		s.broker.DropOwner(owner)
		sessions.cancelAll()
		s.log.Debug().Str("node", remote).Str("addr", owner).Msg("connection closed")
	}()

	for {
		f, err := protocol.ReadFrame(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidHeader) {
				// Rejected before dispatch; the stream is still in sync.
				s.log.Warn().Str("addr", owner).Msg("invalid frame header, frame dropped")
				continue
			}
			return
		}

		switch f.Type {
		case protocol.MsgTypeHandshake:
			remote = f.Target
			s.log.Debug().Str("node", remote).Str("addr", owner).Msg("handshake")
			if err := cw.write(&protocol.Frame{Type: protocol.MsgTypeHandshake, ID: f.ID, Target: s.name}); err != nil {
				return
			}
		case protocol.MsgTypeCall:
			// Add must happen before the goroutine starts or Shutdown can
			// observe the group empty while the dispatch is still in flight.
			s.wg.Add(1)
			go s.handleCall(f, cw)
		case protocol.MsgTypeCast:
			s.wg.Add(1)
			go s.handleCast(f, remote)
		case protocol.MsgTypeSubscribe:
			// The push frame carries the subscription id in Method so the
			// node can route it to the one handler that owns it.
			subID := f.Method
			s.broker.Subscribe(f.Target, subID, owner, func(topic string, payload []byte) {
				err := cw.write(&protocol.Frame{Type: protocol.MsgTypePublish, Target: topic, Method: subID, Body: payload})
				if err != nil {
					s.log.Debug().Str("topic", topic).Str("addr", owner).Err(err).Msg("push failed")
				}
			})
		case protocol.MsgTypeUnsubscribe:
			s.broker.Unsubscribe(f.Target, f.Method)
		case protocol.MsgTypePublish:
			s.broker.Publish(f.Target, f.Body)
		case protocol.MsgTypeStreamStart:
			s.startStream(f, cw, sessions)
		case protocol.MsgTypeStreamCancel:
			sessions.cancel(f.ID)
		default:
			// Reply/Error/StreamData/StreamEnd are server→node only.
			s.log.Warn().Stringer("type", f.Type).Str("addr", owner).Msg("unexpected frame type, dropped")
		}
	}
}

// handleCall runs one Call through the middleware chain and writes the
// Reply or Error frame, preserving the originating id so the node resolves
// the correct pending call even when replies complete out of order.
func (s *Server) handleCall(f *protocol.Frame, cw *connWriter) {
	defer s.wg.Done()

	resp := s.handler(context.Background(), &middleware.Request{Target: f.Target, Method: f.Method, Body: f.Body})

	reply := &protocol.Frame{ID: f.ID, Target: f.Target, Method: f.Method}
	if resp.Err != "" {
		reply.Type = protocol.MsgTypeError
		reply.Body = []byte(resp.Err)
	} else {
		reply.Type = protocol.MsgTypeReply
		reply.Body = resp.Body
	}
	if err := cw.write(reply); err != nil {
		s.log.Debug().Uint32("id", f.ID).Err(err).Msg("reply write failed")
	}
}

// handleCast dispatches a fire-and-forget request. No frame goes back
// regardless of outcome; failures are only visible here.
func (s *Server) handleCast(f *protocol.Frame, remote string) {
	defer s.wg.Done()

	resp := s.handler(context.Background(), &middleware.Request{Target: f.Target, Method: f.Method, Body: f.Body})
	if resp.Err != "" {
		s.log.Warn().
			Str("node", remote).
			Str("target", f.Target).
			Str("method", f.Method).
			Str("error", resp.Err).
			Msg("cast dispatch failed")
	}
}

// dispatch is the innermost handler wrapped by the middleware chain: resolve
// the actor action, invoke it, encode the result.
func (s *Server) dispatch(ctx context.Context, req *middleware.Request) *middleware.Response {
	result, err := s.registry.Dispatch(ctx, s.codec, req.Target, req.Method, req.Body)
	if err != nil {
		return &middleware.Response{Err: err.Error()}
	}
	if result == nil {
		return &middleware.Response{}
	}
	body, err := s.codec.Encode(result)
	if err != nil {
		return &middleware.Response{Err: fmt.Sprintf("encode reply: %v", err)}
	}
	return &middleware.Response{Body: body}
}

// Shutdown performs graceful shutdown: stop accepting, then wait for
// in-flight dispatches to finish, up to timeout.
func (s *Server) Shutdown(timeout time.Duration) error {
	// Set the flag BEFORE closing the listener. If we close first, the
	// Accept error fires before the flag is set and Serve returns a real
	// error instead of nil.
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for ongoing requests to finish")
	}
}

// connWriter serializes frame writes on one connection. Multiple dispatch
// goroutines, broker pushes, and stream sinks share the same net.Conn;
// without the lock their frames would interleave and corrupt the stream.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (cw *connWriter) write(f *protocol.Frame) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	return protocol.WriteFrameRaw(cw.conn, f)
}
