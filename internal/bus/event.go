package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kind namespaces in use:
//
//	conn.*   connection state changes (payload status.Change)
//	wire.*   inbound envelopes from the transport (payload *wire.Envelope)
//	store.*  message store mutations (payload store.MessageChange / store.UnreadChange)
//	chat.*   transient repository notifications (typing, errors, send failures)
//	session.* account-level signals (forbidden / forced logout)
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
