package node

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"nanorpc/protocol"
)

// Subscription is one live topic registration. Close unsubscribes.
type Subscription struct {
	node  *Node
	topic string
	id    string
	once  sync.Once
}

// Topic returns the subscribed topic name.
func (s *Subscription) Topic() string { return s.topic }

// ID returns the local subscription identifier.
func (s *Subscription) ID() string { return s.id }

// Close removes the local handler and tells the server to stop delivering.
// Safe to call more than once.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		n := s.node
		n.removeSub(s.topic, s.id)
		if n.isClosed() {
			return
		}
		n.sending.Lock()
		defer n.sending.Unlock()
		err = protocol.WriteFrameRaw(n.conn, &protocol.Frame{Type: protocol.MsgTypeUnsubscribe, Target: s.topic, Method: s.id})
	})
	return err
}

// Subscribe registers fn for every payload published on topic. fn receives
// the still-encoded payload and runs on its own goroutine per delivery.
// Multiple subscriptions to the same topic each get every payload.
func (n *Node) Subscribe(topic string, fn func(payload []byte)) (*Subscription, error) {
	if topic == "" {
		return nil, errors.New("node: topic must be non-empty")
	}
	if fn == nil {
		return nil, errors.New("node: handler must be non-nil")
	}
	if n.isClosed() {
		return nil, ErrClosed
	}

	id := uuid.NewString()

	// Local bookkeeping first: a payload published between the Subscribe
	// frame and this registration would otherwise be lost.
	n.subsMu.Lock()
	handlers, ok := n.subs[topic]
	if !ok {
		handlers = make(map[string]func([]byte))
		n.subs[topic] = handlers
	}
	handlers[id] = fn
	n.subsMu.Unlock()

	n.sending.Lock()
	err := protocol.WriteFrameRaw(n.conn, &protocol.Frame{Type: protocol.MsgTypeSubscribe, Target: topic, Method: id})
	n.sending.Unlock()
	if err != nil {
		n.removeSub(topic, id)
		return nil, err
	}

	return &Subscription{node: n, topic: topic, id: id}, nil
}

func (n *Node) removeSub(topic, id string) {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	if handlers, ok := n.subs[topic]; ok {
		delete(handlers, id)
		if len(handlers) == 0 {
			delete(n.subs, topic)
		}
	}
}
