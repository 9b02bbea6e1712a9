package node

import (
	"context"
	"io"
	"sync"

	"nanorpc/protocol"
)

// streamBuffer is how many undelivered items a stream handle holds before
// the read loop blocks, applying backpressure to the whole connection.
const streamBuffer = 64

// Stream is the node-side handle of one server-push stream session. Items
// arrive in order; Recv consumes them one at a time until the server ends
// the stream or the handle is closed.
type Stream struct {
	node  *Node
	id    uint32
	items chan []byte   // closed by recvLoop on StreamEnd (single writer)
	done  chan struct{} // closed by Close/abort
	once  sync.Once
}

// OpenStream starts a stream session for (target, method) with the given
// start request and returns its handle. An unknown pair yields a handle
// whose Recv immediately reports io.EOF.
func (n *Node) OpenStream(ctx context.Context, target, method string, req any) (*Stream, error) {
	if n.isClosed() {
		return nil, ErrClosed
	}
	id := n.nextRequestID()
	st := &Stream{
		node:  n,
		id:    id,
		items: make(chan []byte, streamBuffer),
		done:  make(chan struct{}),
	}
	n.streamsMu.Lock()
	n.streams[id] = st
	n.streamsMu.Unlock()

	n.sending.Lock()
	err := protocol.WriteFrame(n.conn, n.codec, protocol.MsgTypeStreamStart, id, target, method, req)
	n.sending.Unlock()
	if err != nil {
		n.takeStream(id)
		return nil, err
	}
	// The session lives at most as long as ctx.
	context.AfterFunc(ctx, func() { st.Close() })
	return st, nil
}

// Recv waits for the next item and decodes it into v (pass nil to skip
// decoding). It returns io.EOF once the server has ended the stream and all
// buffered items are consumed, ErrStreamClosed after a local Close, and
// ctx.Err() if ctx expires first.
func (st *Stream) Recv(ctx context.Context, v any) error {
	// Closed wins over buffered items so Recv is deterministic after Close.
	select {
	case <-st.done:
		return ErrStreamClosed
	default:
	}
	select {
	case body, ok := <-st.items:
		if !ok {
			return io.EOF
		}
		if v == nil {
			return nil
		}
		return st.node.codec.Decode(body, v)
	case <-st.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close abandons the stream: it tells the server to cancel the handler and
// unblocks any in-progress Recv with ErrStreamClosed. Items still in flight
// are dropped. Safe after natural completion and safe to call twice.
func (st *Stream) Close() error {
	var err error
	st.once.Do(func() {
		close(st.done)
		n := st.node
		n.takeStream(st.id)
		if n.isClosed() {
			return
		}
		n.sending.Lock()
		err = protocol.WriteFrameRaw(n.conn, &protocol.Frame{Type: protocol.MsgTypeStreamCancel, ID: st.id})
		n.sending.Unlock()
	})
	return err
}

// abort closes the handle locally without writing to the dead connection.
func (st *Stream) abort() {
	st.once.Do(func() {
		close(st.done)
	})
}

// push hands one StreamData payload to the handle. Called only from
// recvLoop. Items arriving after Close are dropped.
func (st *Stream) push(body []byte) {
	select {
	case <-st.done:
	case st.items <- body:
	}
}

// finish marks natural completion. Called only from recvLoop, which is also
// the only sender on items, so the close is safe.
func (st *Stream) finish() {
	close(st.items)
}
