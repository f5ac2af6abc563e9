package callqueue

import "time"

// Queue holds waiting calls, highest priority first and FIFO within a priority
type Queue struct {
	waiting []*Call
	maxSize int
}

// NewQueue creates a queue. maxSize <= 0 means unbounded.
func NewQueue(maxSize int) *Queue {
	return &Queue{
		waiting: make([]*Call, 0),
		maxSize: maxSize,
	}
}

// Enqueue adds a call and returns its 1-based position
func (q *Queue) Enqueue(call *Call) (int, error) {
	if q.maxSize > 0 && len(q.waiting) >= q.maxSize {
		return 0, ErrQueueFull
	}

	return q.insert(call), nil
}

// Requeue puts back a call that was already admitted, ignoring the size limit
func (q *Queue) Requeue(call *Call) int {
	return q.insert(call)
}

func (q *Queue) insert(call *Call) int {
	call.Status = CallStatusWaiting
	rank := priorityRank(call.Priority)
	i := len(q.waiting)
	for i > 0 {
		prev := q.waiting[i-1]
		pr := priorityRank(prev.Priority)
		if pr > rank || (pr == rank && !prev.EnqueueTime.After(call.EnqueueTime)) {
			break
		}
		i--
	}

	q.waiting = append(q.waiting, nil)
	copy(q.waiting[i+1:], q.waiting[i:])
	q.waiting[i] = call
	return i + 1
}

// Remove takes a call out of the queue
func (q *Queue) Remove(callID string) *Call {
	for i, call := range q.waiting {
		if call.CallID == callID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return call
		}
	}
	return nil
}

// Position returns the 1-based position of a call, 0 when absent
func (q *Queue) Position(callID string) int {
	for i, call := range q.waiting {
		if call.CallID == callID {
			return i + 1
		}
	}
	return 0
}

// Len returns the number of waiting calls
func (q *Queue) Len() int {
	return len(q.waiting)
}

// Waiting returns the queued calls in routing order
func (q *Queue) Waiting() []*Call {
	return q.waiting
}

// LongestWaitSecs returns the wait time of the oldest waiting call
func (q *Queue) LongestWaitSecs(now time.Time) float64 {
	longest := 0.0
	for _, call := range q.waiting {
		if w := now.Sub(call.EnqueueTime).Seconds(); w > longest {
			longest = w
		}
	}
	return longest
}
