// Package node implements the NanoRPC client peer: one multiplexed
// connection carrying calls, casts, subscriptions, and streams.
//
// Each request gets a unique correlation id, and a background goroutine
// (recvLoop) continuously reads frames and routes them to the pending caller,
// subscription, or stream handle that claims them:
//
//	goroutine-1 ──Call(id=1)──┐
//	goroutine-2 ──Call(id=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Call(id=3)──┘
//
//	recvLoop:  ←── Reply(id=2) → pending[2] chan ← frame → goroutine-2 wakes up
package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"nanorpc/codec"
	"nanorpc/protocol"
)

var (
	ErrEmptyName    = errors.New("node: name must be non-empty")
	ErrClosed       = errors.New("node: connection closed")
	ErrStreamClosed = errors.New("node: stream closed")
)

// RPCError is a failure reported by the server for a specific call,
// carrying the original target/method context and the server-side message.
type RPCError struct {
	Target  string
	Method  string
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s/%s: %s", e.Target, e.Method, e.Message)
}

// Node owns one connection to a server. All methods are safe for concurrent
// use; calls multiplex over the single connection and may complete out of
// order.
type Node struct {
	name       string
	serverName string
	conn       net.Conn
	codec      codec.Codec
	log        zerolog.Logger

	nextID  atomic.Uint32
	pending sync.Map   // correlation table: id → chan *protocol.Frame
	sending sync.Mutex // write lock — frames must not interleave on the conn

	subsMu sync.RWMutex
	subs   map[string]map[string]func(payload []byte) // topic → sub id → handler

	streamsMu sync.Mutex
	streams   map[uint32]*Stream

	closed   chan struct{}
	closeErr error
	closing  atomic.Bool
}

// Option configures a Node.
type Option func(*Node)

// WithCodec sets the body codec; must match the server's. Default codec.JSON.
func WithCodec(c codec.Codec) Option {
	return func(n *Node) { n.codec = c }
}

// WithLogger sets the structured logger. Default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(n *Node) { n.log = log }
}

// Dial connects to a server, starts the read loop, and performs the
// handshake. The node name must be non-empty; it identifies this peer in
// server-side logs.
func Dial(name, network, address string, opts ...Option) (*Node, error) {
	if name == "" {
		return nil, ErrEmptyName
	}
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, err
	}
	n := &Node{
		name:    name,
		conn:    conn,
		codec:   codec.Default,
		log:     zerolog.Nop(),
		subs:    make(map[string]map[string]func([]byte)),
		streams: make(map[uint32]*Stream),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.recvLoop()

	if err := n.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return n, nil
}

// Name returns this node's name.
func (n *Node) Name() string { return n.name }

// ServerName returns the name the server announced in the handshake.
func (n *Node) ServerName() string { return n.serverName }

// Close tears the connection down. Pending calls fail with ErrClosed and
// open streams are cancelled locally.
func (n *Node) Close() error {
	n.closing.Store(true)
	return n.conn.Close()
}

// handshake exchanges names with the server through the regular correlation
// table, like any other request.
func (n *Node) handshake() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, ch, err := n.send(protocol.MsgTypeHandshake, n.name, "", nil)
	if err != nil {
		return fmt.Errorf("node: handshake: %w", err)
	}
	select {
	case f, ok := <-ch:
		if !ok {
			return fmt.Errorf("node: handshake: %w", n.failure())
		}
		n.serverName = f.Target
		return nil
	case <-ctx.Done():
		n.pending.Delete(id)
		return fmt.Errorf("node: handshake: %w", ctx.Err())
	}
}

// Call sends a Call frame and blocks until the matching Reply or Error
// arrives, the connection fails, or ctx expires. With no deadline on ctx the
// wait is indefinite. On success the reply body is decoded into reply
// (pass nil to discard it); a server-reported failure comes back as
// *RPCError; a deadline hit wraps context.DeadlineExceeded, and the pending
// entry is removed so a late reply is dropped, not misapplied.
func (n *Node) Call(ctx context.Context, target, method string, req, reply any) error {
	id, ch, err := n.send(protocol.MsgTypeCall, target, method, req)
	if err != nil {
		return err
	}

	select {
	case f, ok := <-ch:
		if !ok {
			return fmt.Errorf("call %s/%s: %w", target, method, n.failure())
		}
		if f.Type == protocol.MsgTypeError {
			return &RPCError{Target: f.Target, Method: f.Method, Message: string(f.Body)}
		}
		if reply == nil || len(f.Body) == 0 {
			return nil
		}
		return n.codec.Decode(f.Body, reply)
	case <-ctx.Done():
		n.pending.Delete(id)
		return fmt.Errorf("call %s/%s: %w", target, method, ctx.Err())
	}
}

// Cast sends a fire-and-forget request and returns as soon as the frame is
// written. The server dispatches it like a Call but never responds; failures
// are only observable through side effects or server logs.
func (n *Node) Cast(target, method string, req any) error {
	if n.isClosed() {
		return ErrClosed
	}
	n.sending.Lock()
	defer n.sending.Unlock()
	return protocol.WriteFrame(n.conn, n.codec, protocol.MsgTypeCast, n.nextID.Add(1), target, method, req)
}

// Publish sends payload to every subscriber of topic via the server's
// broker, including subscriptions held by this node.
func (n *Node) Publish(topic string, payload any) error {
	if n.isClosed() {
		return ErrClosed
	}
	n.sending.Lock()
	defer n.sending.Unlock()
	return protocol.WriteFrame(n.conn, n.codec, protocol.MsgTypePublish, 0, topic, "", payload)
}

// send allocates a correlation id, registers the response channel, and
// writes the frame. The channel is registered BEFORE sending to avoid a
// race with recvLoop, and buffered so recvLoop never blocks on delivery.
func (n *Node) send(typ protocol.MsgType, target, method string, req any) (uint32, chan *protocol.Frame, error) {
	if n.isClosed() {
		return 0, nil, ErrClosed
	}
	id := n.nextRequestID()
	ch := make(chan *protocol.Frame, 1)
	n.pending.Store(id, ch)

	// teardown may have swept the table between the closed check and the
	// Store; an entry it never saw would leave the caller blocked forever.
	if n.isClosed() {
		if _, mine := n.pending.LoadAndDelete(id); mine {
			return 0, nil, ErrClosed
		}
	}

	n.sending.Lock()
	err := protocol.WriteFrame(n.conn, n.codec, typ, id, target, method, req)
	n.sending.Unlock()
	if err != nil {
		n.pending.Delete(id)
		return 0, nil, err
	}
	return id, ch, nil
}

// nextRequestID returns a correlation id not currently in use. Ids are
// monotonically increasing and wrap at 32 bits; an id still claimed by a
// pending call or open stream is skipped rather than reused.
func (n *Node) nextRequestID() uint32 {
	for {
		id := n.nextID.Add(1)
		if _, busy := n.pending.Load(id); busy {
			continue
		}
		n.streamsMu.Lock()
		_, busy := n.streams[id]
		n.streamsMu.Unlock()
		if !busy {
			return id
		}
	}
}

// recvLoop runs in a dedicated goroutine for the lifetime of the connection.
// TCP is a byte stream, so reads must be sequential to parse frame
// boundaries; routing fans back out from here.
func (n *Node) recvLoop() {
	for {
		f, err := protocol.ReadFrame(n.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrInvalidHeader) {
				n.log.Warn().Msg("invalid frame header, frame dropped")
				continue
			}
			n.teardown(err)
			return
		}

		switch f.Type {
		case protocol.MsgTypeReply, protocol.MsgTypeError, protocol.MsgTypeHandshake:
			// A missing entry means the caller timed out: drop silently.
			if ch, ok := n.pending.LoadAndDelete(f.ID); ok {
				ch.(chan *protocol.Frame) <- f
			}
		case protocol.MsgTypePublish:
			n.deliver(f.Target, f.Method, f.Body)
		case protocol.MsgTypeStreamData:
			if st := n.stream(f.ID); st != nil {
				st.push(f.Body)
			}
		case protocol.MsgTypeStreamEnd:
			if st := n.takeStream(f.ID); st != nil {
				st.finish()
			}
		case protocol.MsgTypeStreamCancel:
			// Server-side abandonment: close the handle without echoing a
			// cancel back.
			if st := n.takeStream(f.ID); st != nil {
				st.abort()
			}
		default:
			n.log.Warn().Stringer("type", f.Type).Msg("unexpected frame type, dropped")
		}
	}
}

// deliver routes one push frame to the handler owning the subscription id.
// The server sends one frame per subscription, so fanning out here would
// duplicate deliveries. A frame for an already-closed subscription is
// dropped. The handler runs on its own goroutine so a slow callback cannot
// stall the read loop.
func (n *Node) deliver(topic, id string, payload []byte) {
	n.subsMu.RLock()
	fn := n.subs[topic][id]
	n.subsMu.RUnlock()

	if fn != nil {
		go fn(payload)
	}
}

// teardown resolves everything waiting on the connection after it fails:
// pending calls get ErrClosed (via their closed channels), streams are
// cancelled locally, subscriptions are dropped.
func (n *Node) teardown(err error) {
	n.closeErr = err
	close(n.closed)
	if !n.closing.Load() {
		n.log.Warn().Err(err).Msg("connection lost")
	}

	n.pending.Range(func(key, value any) bool {
		n.pending.Delete(key)
		close(value.(chan *protocol.Frame))
		return true
	})

	n.streamsMu.Lock()
	streams := make([]*Stream, 0, len(n.streams))
	for id, st := range n.streams {
		streams = append(streams, st)
		delete(n.streams, id)
	}
	n.streamsMu.Unlock()
	for _, st := range streams {
		st.abort()
	}

	n.subsMu.Lock()
	n.subs = make(map[string]map[string]func([]byte))
	n.subsMu.Unlock()
}

func (n *Node) isClosed() bool {
	select {
	case <-n.closed:
		return true
	default:
		return false
	}
}

// failure returns the error to report for requests cut off by connection
// loss.
func (n *Node) failure() error {
	if n.closeErr != nil && !n.closing.Load() {
		return fmt.Errorf("%w: %v", ErrClosed, n.closeErr)
	}
	return ErrClosed
}

func (n *Node) stream(id uint32) *Stream {
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	return n.streams[id]
}

func (n *Node) takeStream(id uint32) *Stream {
	n.streamsMu.Lock()
	defer n.streamsMu.Unlock()
	st := n.streams[id]
	delete(n.streams, id)
	return st
}
