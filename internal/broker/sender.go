package broker

import (
	"errors"
	"log"
)

var (
	// ErrChannelFull is returned when the outbound command channel is
	// at capacity; publishes never block the caller.
	ErrChannelFull = errors.New("broker: outbound channel full")
	// ErrUnsupported marks link operations the broker cannot perform.
	ErrUnsupported = errors.New("broker: operation not supported")
)

const outboundCapacity = 400

type commandKind int

const (
	cmdPublish commandKind = iota
	cmdSubscribe
)

type command struct {
	kind    commandKind
	topic   string
	payload []byte
}

// Sender is the outbound half of the broker link: a bounded command
// channel drained by the outbound handler task.
type Sender struct {
	commands chan command
	metrics  *Metrics
	logger   *log.Logger
}

func newSender(metrics *Metrics, logger *log.Logger) *Sender {
	return &Sender{
		commands: make(chan command, outboundCapacity),
		metrics:  metrics,
		logger:   logger,
	}
}

// Publish enqueues a message for delivery at QoS 1. Returns
// ErrChannelFull instead of blocking when the channel is saturated.
func (s *Sender) Publish(topic string, payload []byte) error {
	select {
	case s.commands <- command{kind: cmdPublish, topic: topic, payload: payload}:
		return nil
	default:
		return ErrChannelFull
	}
}

// Subscribe registers a topic filter on the inbound admin stream.
func (s *Sender) Subscribe(topic string) error {
	select {
	case s.commands <- command{kind: cmdSubscribe, topic: topic}:
		return nil
	default:
		return ErrChannelFull
	}
}

// Unsubscribe is not supported by the embedded broker link.
func (s *Sender) Unsubscribe(topic string) error {
	return ErrUnsupported
}

// PrintStatus logs the link counters for diagnostics.
func (s *Sender) PrintStatus() {
	s.logger.Printf("link status: forwarded=%d sent=%d dropped=%d queued=%d",
		s.metrics.MessagesForwarded(), s.metrics.MessagesSent(),
		s.metrics.MessagesDropped(), len(s.commands))
}
