// Package queue carries serialized job state between submitters and workers.
// Delivery is at-least-once: a received message that is never acknowledged
// becomes visible again after the visibility timeout.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownReceipt is returned by Ack for a receipt that is not in flight.
var ErrUnknownReceipt = errors.New("unknown or expired receipt")

// Message is one received body and the receipt that acknowledges it.
type Message struct {
	Body    []byte
	Receipt string
	// Deliveries counts how many times the body was handed out, 1 on first delivery.
	Deliveries int
}

// Queue is implemented by LocalQueue and SQSQueue.
type Queue interface {
	Send(ctx context.Context, body []byte) error
	// Receive waits up to wait for one message. It returns (nil, nil) when none arrived.
	Receive(ctx context.Context, wait time.Duration) (*Message, error)
	Ack(ctx context.Context, receipt string) error
	// Depth is the approximate number of messages waiting to be received.
	Depth(ctx context.Context) (int, error)
}
