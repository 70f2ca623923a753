package session

import "sync"

// Real-time event names.
const (
	EventJoinRoom           = "joinRoom"
	EventChatMessage        = "chatMessage"
	EventChatHistory        = "chatHistory"
	EventFinishSession      = "finishSession"
	EventSessionEnded       = "sessionEnded"
	EventRequestExtension   = "requestExtension"
	EventExtensionRequested = "extensionRequested"
	EventRespondExtension   = "respondToExtension"
	EventExtensionAccepted  = "extensionAccepted"
	EventExtensionRejected  = "extensionRejected"
	EventProcessPayment     = "processExtensionPayment"
	EventExtensionCompleted = "extensionCompleted"
	EventTyping             = "typing"
	EventAck                = "ack"
)

// Event is a server-to-client frame.
type Event struct {
	Name  string      `json:"event"`
	AckID string      `json:"ack_id,omitempty"`
	Data  interface{} `json:"data,omitempty"`
}

// Member is one live connection. Send must never block; it reports false when the event
// could not be queued.
type Member interface {
	ID() string
	Identity() string
	Send(ev Event) bool
}

// Outbox is a Member backed by a bounded queue drained by the transport writer.
type Outbox struct {
	id       string
	identity string
	queue    chan Event

	mu     sync.RWMutex
	closed bool
}

func NewOutbox(id, identity string, size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{id: id, identity: identity, queue: make(chan Event, size)}
}

func (o *Outbox) ID() string { return o.id }

func (o *Outbox) Identity() string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.identity
}

// SetIdentity binds the connection to an identity once it authenticates.
func (o *Outbox) SetIdentity(identity string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.identity = identity
}

func (o *Outbox) Send(ev Event) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.closed {
		return false
	}
	select {
	case o.queue <- ev:
		return true
	default:
		return false
	}
}

// Events is drained by the connection writer until Close.
func (o *Outbox) Events() <-chan Event {
	return o.queue
}

func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	close(o.queue)
}
