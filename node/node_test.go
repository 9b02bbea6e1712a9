package node

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nanorpc/actor"
	"nanorpc/server"
)

type args struct {
	A, B int
}

type mathActor struct {
	casts chan int
}

func (m *mathActor) Add(_ context.Context, a args) (int, error) {
	return a.A + a.B, nil
}

func (m *mathActor) Mul(_ context.Context, a args) (int, error) {
	return a.A * a.B, nil
}

func (m *mathActor) Fail(_ context.Context, _ args) (int, error) {
	return 0, errors.New("Test error")
}

func (m *mathActor) Slow(_ context.Context, a args) (int, error) {
	time.Sleep(300 * time.Millisecond)
	return a.A, nil
}

func (m *mathActor) Store(_ context.Context, a args) error {
	time.Sleep(100 * time.Millisecond)
	if m.casts != nil {
		m.casts <- a.A
	}
	return nil
}

func (m *mathActor) Actions() map[string]actor.Action {
	return map[string]actor.Action{
		"Add":      actor.Typed(m.Add),
		"multiply": actor.Typed(m.Mul),
		"Fail":     actor.Typed(m.Fail),
		"Slow":     actor.Typed(m.Slow),
		"Store":    actor.NoReply(m.Store),
	}
}

type countReq struct {
	N     int
	Delay time.Duration
}

// startServer brings up a server with the math actor and a counting stream
// on the given address, then gives it a moment to come up.
func startServer(t *testing.T, addr string, math *mathActor) *server.Server {
	t.Helper()
	svr, err := server.New("test-server")
	require.NoError(t, err)
	require.NoError(t, svr.Register("math", math))
	require.NoError(t, svr.RegisterStream("counter", "count",
		server.StreamOf(func(ctx context.Context, req countReq, sink *server.Sink) error {
			for i := 1; i <= req.N; i++ {
				if req.Delay > 0 {
					time.Sleep(req.Delay)
				}
				if err := sink.Send(i); err != nil {
					return nil // cancelled between items
				}
			}
			return nil
		})))

	go svr.Serve("tcp", addr)
	t.Cleanup(func() { svr.Shutdown(3 * time.Second) })
	time.Sleep(100 * time.Millisecond)
	return svr
}

func dialNode(t *testing.T, addr string) *Node {
	t.Helper()
	n, err := Dial("test-node", "tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	return n
}

func TestDialValidation(t *testing.T) {
	_, err := Dial("", "tcp", "127.0.0.1:1")
	require.ErrorIs(t, err, ErrEmptyName)
}

func TestHandshake(t *testing.T) {
	startServer(t, ":9401", &mathActor{})
	n := dialNode(t, ":9401")
	require.Equal(t, "test-node", n.Name())
	require.Equal(t, "test-server", n.ServerName())
}

func TestCall(t *testing.T) {
	startServer(t, ":9402", &mathActor{})
	n := dialNode(t, ":9402")

	var result int
	require.NoError(t, n.Call(context.Background(), "math", "Add", args{A: 5, B: 3}, &result))
	require.Equal(t, 8, result)

	// Explicitly aliased method.
	require.NoError(t, n.Call(context.Background(), "math", "multiply", args{A: 4, B: 5}, &result))
	require.Equal(t, 20, result)
}

func TestCallUnknownMethod(t *testing.T) {
	startServer(t, ":9403", &mathActor{})
	n := dialNode(t, ":9403")

	err := n.Call(context.Background(), "math", "NonExistent", args{}, nil)
	require.ErrorContains(t, err, "not found")

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, "math", rpcErr.Target)
	require.Equal(t, "NonExistent", rpcErr.Method)
}

func TestCallErrorPropagation(t *testing.T) {
	startServer(t, ":9404", &mathActor{})
	n := dialNode(t, ":9404")

	err := n.Call(context.Background(), "math", "Fail", args{}, nil)
	require.ErrorContains(t, err, "Test error")

	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
}

func TestCallTimeout(t *testing.T) {
	startServer(t, ":9405", &mathActor{})
	n := dialNode(t, ":9405")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := n.Call(ctx, "math", "Slow", args{A: 1}, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// A timeout is local: the server is not a *RPCError source here, and the
	// late reply must not leak into a subsequent call.
	var rpcErr *RPCError
	require.False(t, errors.As(err, &rpcErr))

	var result int
	require.NoError(t, n.Call(context.Background(), "math", "Add", args{A: 2, B: 2}, &result))
	require.Equal(t, 4, result)
}

func TestCast(t *testing.T) {
	math := &mathActor{casts: make(chan int, 1)}
	startServer(t, ":9406", math)
	n := dialNode(t, ":9406")

	// Cast returns before the 100ms handler completes.
	start := time.Now()
	require.NoError(t, n.Cast("math", "Store", args{A: 9}))
	require.Less(t, time.Since(start), 50*time.Millisecond)

	select {
	case v := <-math.casts:
		require.Equal(t, 9, v)
	case <-time.After(time.Second):
		t.Fatal("cast never dispatched")
	}
}

func TestCastUnknownTargetInvisible(t *testing.T) {
	startServer(t, ":9407", &mathActor{})
	n := dialNode(t, ":9407")

	// Dispatch failure of a cast produces no response; the connection keeps
	// working.
	require.NoError(t, n.Cast("nowhere", "Add", args{}))

	var result int
	require.NoError(t, n.Call(context.Background(), "math", "Add", args{A: 1, B: 1}, &result))
	require.Equal(t, 2, result)
}

func TestConcurrentCallsOutOfOrder(t *testing.T) {
	startServer(t, ":9408", &mathActor{})
	n := dialNode(t, ":9408")

	// A slow call in flight must not delay a fast one sharing the
	// connection; replies are matched by correlation id, not order.
	slowDone := make(chan error, 1)
	go func() {
		var v int
		slowDone <- n.Call(context.Background(), "math", "Slow", args{A: 42}, &v)
	}()

	time.Sleep(20 * time.Millisecond) // slow call is on the wire first

	start := time.Now()
	var result int
	require.NoError(t, n.Call(context.Background(), "math", "Add", args{A: 3, B: 4}, &result))
	require.Equal(t, 7, result)
	require.Less(t, time.Since(start), 200*time.Millisecond)

	require.NoError(t, <-slowDone)
}

func TestPubSubFanOut(t *testing.T) {
	svr := startServer(t, ":9409", &mathActor{})
	n1 := dialNode(t, ":9409")
	n2 := dialNode(t, ":9409")

	ch1 := make(chan []byte, 4)
	ch2 := make(chan []byte, 4)
	sub1, err := n1.Subscribe("events", func(p []byte) { ch1 <- p })
	require.NoError(t, err)
	_, err = n2.Subscribe("events", func(p []byte) { ch2 <- p })
	require.NoError(t, err)

	// Subscribe frames travel on different connections than the publish;
	// wait until the broker has both registrations.
	require.Eventually(t, func() bool {
		return svr.SubscriberCount("events") == 2
	}, time.Second, 10*time.Millisecond)

	// Publish once; both independent subscribers receive it.
	require.NoError(t, n2.Publish("events", "hello"))
	for _, ch := range []chan []byte{ch1, ch2} {
		select {
		case p := <-ch:
			require.JSONEq(t, `"hello"`, string(p))
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the publish")
		}
	}

	// Unsubscribing one stops its delivery while the other keeps receiving.
	require.NoError(t, sub1.Close())
	require.Eventually(t, func() bool {
		return svr.SubscriberCount("events") == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, n2.Publish("events", "again"))
	select {
	case p := <-ch2:
		require.JSONEq(t, `"again"`, string(p))
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber missed the publish")
	}
	select {
	case <-ch1:
		t.Fatal("closed subscription still receiving")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPubSubSameNodeSubscriptions(t *testing.T) {
	svr := startServer(t, ":9414", &mathActor{})
	n := dialNode(t, ":9414")

	// Two subscriptions to one topic on the same connection: one publish
	// must reach each handler exactly once.
	var c1, c2 atomic.Int32
	_, err := n.Subscribe("dup", func([]byte) { c1.Add(1) })
	require.NoError(t, err)
	_, err = n.Subscribe("dup", func([]byte) { c2.Add(1) })
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return svr.SubscriberCount("dup") == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, n.Publish("dup", "once"))
	require.Eventually(t, func() bool {
		return c1.Load() == 1 && c2.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// Give straggler deliveries a chance to show up before asserting.
	time.Sleep(200 * time.Millisecond)
	require.EqualValues(t, 1, c1.Load())
	require.EqualValues(t, 1, c2.Load())
}

func TestStream(t *testing.T) {
	startServer(t, ":9410", &mathActor{})
	n := dialNode(t, ":9410")

	st, err := n.OpenStream(context.Background(), "counter", "count", countReq{N: 5})
	require.NoError(t, err)

	// The counting stream yields exactly 1..n in order.
	var got []int
	for {
		var v int
		err := st.Recv(context.Background(), &v)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, v)
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, got)

	// Recv after natural completion keeps reporting EOF.
	require.ErrorIs(t, st.Recv(context.Background(), nil), io.EOF)
}

func TestStreamCancel(t *testing.T) {
	startServer(t, ":9411", &mathActor{})
	n := dialNode(t, ":9411")

	// Slow producer so cancellation lands mid-stream.
	st, err := n.OpenStream(context.Background(), "counter", "count", countReq{N: 1000, Delay: 10 * time.Millisecond})
	require.NoError(t, err)

	var received int
	for received < 3 {
		var v int
		require.NoError(t, st.Recv(context.Background(), &v))
		received++
	}
	require.NoError(t, st.Close())

	// Closing unblocks reads with a close signal, not a server error.
	require.ErrorIs(t, st.Recv(context.Background(), nil), ErrStreamClosed)

	// Delivery stops strictly before the full count: the connection stays
	// usable and no stream frames are still pouring in.
	var result int
	require.NoError(t, n.Call(context.Background(), "math", "Add", args{A: 1, B: 2}, &result))
	require.Equal(t, 3, result)
}

func TestStreamUnknownHandler(t *testing.T) {
	startServer(t, ":9412", &mathActor{})
	n := dialNode(t, ":9412")

	// Unknown (target, method): empty, cleanly terminated sequence.
	st, err := n.OpenStream(context.Background(), "nowhere", "feed", nil)
	require.NoError(t, err)
	require.ErrorIs(t, st.Recv(context.Background(), nil), io.EOF)
}

func TestConnectionLossFailsPending(t *testing.T) {
	startServer(t, ":9413", &mathActor{})

	n, err := Dial("test-node", "tcp", ":9413")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		done <- n.Call(context.Background(), "math", "Slow", args{A: 1}, nil)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, n.Close())

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("pending call not resolved on connection loss")
	}

	require.ErrorIs(t, n.Call(context.Background(), "math", "Add", args{}, nil), ErrClosed)
}
