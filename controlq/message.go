// Package controlq is the hand-off between channel workers and the
// control loop: an unbounded multiple-producer, single-consumer FIFO
// of control messages.
package controlq

import "fmt"

// Event is what a control message reports
type Event uint8

const (
	EventUnknown Event = iota
	AcquisitionSucceeded
	AcquisitionFailed
	Stop
)

func (e Event) String() string {
	switch e {
	case AcquisitionSucceeded:
		return "acquisition_succeeded"
	case AcquisitionFailed:
		return "acquisition_failed"
	case Stop:
		return "stop"
	case EventUnknown:
		return "unknown"
	}
	return fmt.Sprintf("Event(%d)", uint8(e))
}

// NoChannel is the reserved channel id carried by Stop.
const NoChannel = ^uint32(0)

// Message is immutable once enqueued. Seq is assigned by the queue.
type Message struct {
	Channel uint32
	Event   Event
	Seq     uint64
}

// Succeeded reports a successful search on channel id.
func Succeeded(id uint32) Message {
	return Message{Channel: id, Event: AcquisitionSucceeded}
}

// Failed reports an unsuccessful search on channel id.
func Failed(id uint32) Message {
	return Message{Channel: id, Event: AcquisitionFailed}
}

// StopMessage is the sentinel that ends the control loop.
func StopMessage() Message {
	return Message{Channel: NoChannel, Event: Stop}
}

func (m Message) String() string {
	if m.Event == Stop {
		return fmt.Sprintf("#%d stop", m.Seq)
	}
	return fmt.Sprintf("#%d ch%d %s", m.Seq, m.Channel, m.Event)
}
