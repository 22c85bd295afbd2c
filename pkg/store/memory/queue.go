package memory

import (
	"context"
	"slices"
)

// Queue is an in-process JobQueue backed by a buffered channel.
type Queue struct {
	ch chan []byte
}

func NewQueue(size int) *Queue {
	return &Queue{ch: make(chan []byte, size)}
}

func (q *Queue) Send(ctx context.Context, message []byte) error {
	select {
	case q.ch <- slices.Clone(message):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages exposes the receive side for an in-process consumer.
func (q *Queue) Messages() <-chan []byte {
	return q.ch
}
