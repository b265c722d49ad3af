package app

// Waker coalesces change notifications into a single pending wake. Any
// number of Wake calls between reads collapse into one signal, so a burst
// of mutations triggers one refresh instead of a queue of them.
type Waker struct {
	ch chan struct{}
}

// NewWaker creates a waker with one pending-wake slot.
func NewWaker() *Waker {
	return &Waker{ch: make(chan struct{}, 1)}
}

// Wake records that something changed. Never blocks; a wake is dropped when
// one is already pending.
func (w *Waker) Wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

// C returns the channel a consumer selects on to learn about changes.
func (w *Waker) C() <-chan struct{} {
	return w.ch
}
