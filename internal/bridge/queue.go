package bridge

import (
	"errors"

	"code.hybscloud.com/iox"
	"code.hybscloud.com/lfq"
)

// queue carries messages in one direction. It has exactly one producer
// goroutine and one consumer goroutine.
type queue struct {
	q lfq.SPSC[*Message]
}

func (q *queue) init(capacity int) {
	n := 2
	for n < capacity {
		n <<= 1
	}
	q.q.Init(n)
}

// push enqueues m. While the queue is full it runs service, so the
// producer keeps answering its own inbox, and backs off.
func (q *queue) push(m *Message, service func()) error {
	var bo iox.Backoff
	for {
		err := q.q.Enqueue(&m)
		if err == nil {
			return nil
		}
		if !errors.Is(err, iox.ErrWouldBlock) {
			return err
		}
		if service != nil {
			service()
		}
		bo.Wait()
	}
}

// pop dequeues the next message, if any.
func (q *queue) pop() (*Message, bool) {
	m, err := q.q.Dequeue()
	if err != nil {
		return nil, false
	}
	return m, true
}
