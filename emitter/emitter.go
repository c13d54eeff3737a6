package emitter

import "github.com/3rs4lg4d0/gosourcing/outbox"

// DeliveryReport contains information about an outbox record delivery report.
type DeliveryReport struct {
	Record  *outbox.Record // record related to the delivery
	Error   error          // error during the delivery if any
	Details string         // more information about the delivery
}

// Emitter defines the contract for forwarding dispatched outbox records to
// a downstream message broker. Exactly one delivery report per accepted
// record must be sent to the provided channel.
type Emitter interface {
	// Emit sends the information contained in the outbox record to a
	// message broker in a reliable way.
	Emit(*outbox.Record, chan *DeliveryReport) error
}
