package eventloop

import "sync"

// Queue is a Poster drained by hand. It gives tests and embedders full control over when
// posted work runs. Post is safe from any goroutine; Drain belongs to one.
type Queue struct {
	mu      sync.Mutex
	pending []func()
}

func (q *Queue) Post(fn func()) bool {
	q.mu.Lock()
	q.pending = append(q.pending, fn)
	q.mu.Unlock()
	return true
}

// Drain runs posted funcs, including ones posted while draining, until none are left.
// It returns how many ran.
func (q *Queue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return n
		}
		fn := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
		n++
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
