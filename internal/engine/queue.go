package engine

// queue is a FIFO of cluster ids awaiting review, de-duplicated on push:
// an id already waiting is never enqueued a second time. Popped ids may be
// pushed again later (re-review after a partial move).
type queue struct {
	ids    []string
	queued map[string]bool
}

func newQueue() *queue {
	return &queue{queued: make(map[string]bool)}
}

// push appends id unless it is already waiting. Reports whether the id was
// added.
func (q *queue) push(id string) bool {
	if q.queued[id] {
		return false
	}
	q.queued[id] = true
	q.ids = append(q.ids, id)
	return true
}

func (q *queue) pop() (string, bool) {
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	delete(q.queued, id)
	return id, true
}

func (q *queue) len() int { return len(q.ids) }
