package bus

import "time"

// Event kinds published by the relay. Subscribers filter by prefix,
// e.g. "message." for everything the push hub forwards to clients.
const (
	KindMessageNew        = "message.new"
	KindMessageStatus     = "message.status_changed"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindChatRead          = "chat.read"
	KindDaemonState       = "daemon.state_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
