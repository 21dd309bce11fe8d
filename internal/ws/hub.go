// Package ws fans runtime lifecycle events out to streaming clients. The
// hub decouples event producers from network peers: publishing never waits
// on a subscriber, and subscribers that stop draining are evicted.
package ws

// Subscriber consumes one topic's event stream. Enqueue must not block;
// implementations buffer internally and return an error when the consumer
// cannot keep up, which removes it from the hub.
type Subscriber interface {
	Enqueue(payload []byte) error
	Close()
}

// publishBacklog bounds frames queued ahead of the fan-out loop. When it is
// full, frames are dropped rather than stalling the producer.
const publishBacklog = 256

// Hub routes published frames to the subscribers of each topic.
type Hub struct {
	topics    map[string]map[Subscriber]struct{}
	register  chan subscription
	unreg     chan subscription
	broadcast chan frame
}

type frame struct {
	topic   string
	payload []byte
}

type subscription struct {
	topic  string
	client Subscriber
}

// NewHub creates a hub and starts its fan-out loop.
func NewHub() *Hub {
	h := &Hub{
		topics:    make(map[string]map[Subscriber]struct{}),
		register:  make(chan subscription),
		unreg:     make(chan subscription),
		broadcast: make(chan frame, publishBacklog),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for {
		select {
		case sub := <-h.register:
			if _, ok := h.topics[sub.topic]; !ok {
				h.topics[sub.topic] = make(map[Subscriber]struct{})
			}
			h.topics[sub.topic][sub.client] = struct{}{}
		case sub := <-h.unreg:
			if subs, ok := h.topics[sub.topic]; ok {
				delete(subs, sub.client)
				if len(subs) == 0 {
					delete(h.topics, sub.topic)
				}
			}
		case f := <-h.broadcast:
			subs := h.topics[f.topic]
			for s := range subs {
				if err := s.Enqueue(f.payload); err != nil {
					s.Close()
					delete(subs, s)
				}
			}
			if len(subs) == 0 {
				delete(h.topics, f.topic)
			}
		}
	}
}

// Register adds a client to a topic stream.
func (h *Hub) Register(topic string, client Subscriber) {
	h.register <- subscription{topic: topic, client: client}
}

// Unregister removes a client.
func (h *Hub) Unregister(topic string, client Subscriber) {
	h.unreg <- subscription{topic: topic, client: client}
}

// Publish fans a payload out to every subscriber of a topic. The send is
// non-blocking: with the backlog full the frame is dropped, so producers
// (the runtime controller among them) are never held up by slow peers.
func (h *Hub) Publish(topic string, payload []byte) {
	select {
	case h.broadcast <- frame{topic: topic, payload: payload}:
	default:
	}
}
