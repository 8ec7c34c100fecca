package ws

import (
	"encoding/json"
)

// DeliveryObserver is told about the outcome of every frame the Broadcaster
// attempts to send.
type DeliveryObserver interface {
	Delivered()
	DeliveryFailed()
}

type nopObserver struct{}

func (nopObserver) Delivered()      {}
func (nopObserver) DeliveryFailed() {}

// Broadcaster serializes messages and pushes them to a user's open sessions.
// It never reports errors to its caller: missing recipients are a no-op and a
// failed send only affects the session it was meant for.
type Broadcaster struct {
	registry *Registry
	logger   Logger
	observer DeliveryObserver
}

func NewBroadcaster(registry *Registry, logger Logger) *Broadcaster {
	if logger == nil {
		logger = defaultLogger
	}
	return &Broadcaster{
		registry: registry,
		logger:   logger,
		observer: nopObserver{},
	}
}

// SetObserver installs a delivery observer. Must be called before Deliver.
func (b *Broadcaster) SetObserver(o DeliveryObserver) {
	if o == nil {
		o = nopObserver{}
	}
	b.observer = o
}

// Deliver sends msg to every open session owned by username.
func (b *Broadcaster) Deliver(username string, msg Message) {
	sessions := b.registry.SessionsFor(username)
	if len(sessions) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Errorf("marshal %s message for user %q: %v", msg.Type, username, err)
		return
	}
	b.send(sessions, data)
}

// DeliverAll sends msg to every open session regardless of owner.
func (b *Broadcaster) DeliverAll(msg Message) {
	sessions := b.registry.All()
	if len(sessions) == 0 {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		b.logger.Errorf("marshal %s message: %v", msg.Type, err)
		return
	}
	b.send(sessions, data)
}

func (b *Broadcaster) send(sessions []*Session, data []byte) {
	for _, s := range sessions {
		if !s.Transport.Open() {
			continue
		}
		if err := s.Transport.Send(data); err != nil {
			b.observer.DeliveryFailed()
			b.logger.Errorf("send to session for user %q (id: %s): %v", s.Username, s.ID, err)
			continue
		}
		b.observer.Delivered()
	}
}
