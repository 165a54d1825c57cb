package voice

import "sync"

// task is a supervised background loop. run must return once stop closes.
type task struct {
	name     string
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func startTask(name string, run func(stop <-chan struct{})) *task {
	t := &task{name: name, stopCh: make(chan struct{}), done: make(chan struct{})}
	go func() {
		defer close(t.done)
		run(t.stopCh)
	}()
	return t
}

// stop asks the loop to exit. It does not wait.
func (t *task) stop() {
	if t == nil {
		return
	}
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *task) wait() {
	if t == nil {
		return
	}
	<-t.done
}

// exited reports a loop that returned without being asked to.
func (t *task) exited() bool {
	if t == nil {
		return false
	}
	select {
	case <-t.done:
	default:
		return false
	}
	select {
	case <-t.stopCh:
		return false
	default:
		return true
	}
}
