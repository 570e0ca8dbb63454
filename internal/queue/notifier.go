package queue

import (
	"sync"
)

// Notifier delivers one-shot completion signals to callers blocked on a
// job's terminal transition, used for synchronous request handling.
type Notifier struct {
	mu       sync.Mutex
	watchers map[string][]chan struct{}
}

// NewNotifier creates a completion notifier.
func NewNotifier() *Notifier {
	return &Notifier{
		watchers: make(map[string][]chan struct{}),
	}
}

// Watch returns a channel closed when the job reaches a terminal status.
// Callers must also poll the job to avoid missing a transition that happened
// before Watch was called.
func (n *Notifier) Watch(jobID string) <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan struct{})
	n.watchers[jobID] = append(n.watchers[jobID], ch)
	return ch
}

// Notify closes every watcher channel of a job.
func (n *Notifier) Notify(jobID string) {
	n.mu.Lock()
	chans := n.watchers[jobID]
	delete(n.watchers, jobID)
	n.mu.Unlock()

	for _, ch := range chans {
		close(ch)
	}
}
