package mongodb

import "time"

// EventKind identifies a connection state change.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventReconnected  EventKind = "reconnected"
)

// Event is a connection state-change notification.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Subscribe returns a channel of connection state changes. Subscribers that
// fall behind lose events rather than blocking the manager; the channel is a
// signal, PoolStats is the source of truth.
func (m *Manager) Subscribe() <-chan Event {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	ch := make(chan Event, 8)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Manager) publish(kind EventKind) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()

	evt := Event{Kind: kind, At: time.Now()}
	for _, ch := range m.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
