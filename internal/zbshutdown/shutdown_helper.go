// Package zbshutdown provides a reusable asynchronous, idempotent shutdown
// primitive shared by connections, tunnels, and the connection manager.
package zbshutdown

import (
	"context"
	"sync"
)

// OnceShutdownHandler is implemented by the object managed by a Helper.
type OnceShutdownHandler interface {
	// HandleOnceShutdown is called exactly once, in its own goroutine. It
	// takes completionErr as an advisory completion value, actually shuts
	// down, then returns the real completion value.
	HandleOnceShutdown(completionErr error) error
}

// AsyncShutdowner is implemented by objects that provide asynchronous
// shutdown capability.
type AsyncShutdowner interface {
	// StartShutdown schedules asynchronous shutdown. If shutdown has
	// already been scheduled, this has no effect.
	StartShutdown(completionErr error)

	// DoneChan returns a chan that is closed once shutdown is complete.
	DoneChan() <-chan struct{}

	// IsDone returns true once shutdown has fully completed.
	IsDone() bool

	// Wait blocks until shutdown completes, returning the final status.
	Wait() error
}

// Helper manages idempotent, asynchronous shutdown for a single object.
// A second call to StartShutdown (or Close, or Shutdown) after shutdown has
// begun is a no-op, matching the connection's stop()-is-idempotent
// requirement.
type Helper struct {
	Lock sync.Mutex

	handler OnceShutdownHandler

	pauseCount int
	scheduled  bool
	started    bool
	done       bool
	err        error

	startedChan     chan struct{}
	handlerDoneChan chan struct{}
	doneChan        chan struct{}

	wg sync.WaitGroup
}

// Init initializes the Helper in place. Must be called before use.
func (h *Helper) Init(handler OnceShutdownHandler) {
	h.handler = handler
	h.startedChan = make(chan struct{})
	h.handlerDoneChan = make(chan struct{})
	h.doneChan = make(chan struct{})
}

func (h *Helper) asyncRun() {
	close(h.startedChan)
	go func() {
		h.err = h.handler.HandleOnceShutdown(h.err)
		close(h.handlerDoneChan)
		h.wg.Wait()
		h.Lock.Lock()
		h.done = true
		h.Lock.Unlock()
		close(h.doneChan)
	}()
}

// PauseShutdown delays actual shutdown processing until a matching call to
// ResumeShutdown, even if StartShutdown has already been called.
func (h *Helper) PauseShutdown() {
	h.Lock.Lock()
	h.pauseCount++
	h.Lock.Unlock()
}

// ResumeShutdown reverses one PauseShutdown call, starting shutdown
// immediately if it was scheduled while paused.
func (h *Helper) ResumeShutdown() {
	h.Lock.Lock()
	h.pauseCount--
	runNow := h.pauseCount == 0 && h.scheduled && !h.started
	if runNow {
		h.started = true
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRun()
	}
}

// StartShutdown schedules asynchronous shutdown with an advisory completion
// error. A second call after shutdown has already been scheduled is a no-op.
func (h *Helper) StartShutdown(completionErr error) {
	var runNow bool
	h.Lock.Lock()
	if !h.scheduled {
		h.err = completionErr
		h.scheduled = true
		runNow = h.pauseCount == 0
		h.started = runNow
	}
	h.Lock.Unlock()
	if runNow {
		h.asyncRun()
	}
}

// ShutdownOnContext begins background monitoring of a context and starts
// shutdown with the context's error if it completes first.
func (h *Helper) ShutdownOnContext(ctx context.Context) {
	go func() {
		select {
		case <-h.startedChan:
		case <-ctx.Done():
			h.StartShutdown(ctx.Err())
		}
	}()
}

// IsScheduled reports whether StartShutdown has been called.
func (h *Helper) IsScheduled() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.scheduled
}

// IsDone reports whether shutdown has fully completed.
func (h *Helper) IsDone() bool {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	return h.done
}

// DoneChan returns a chan that is closed once shutdown is complete.
func (h *Helper) DoneChan() <-chan struct{} {
	return h.doneChan
}

// HandlerDoneChan returns a chan closed after HandleOnceShutdown returns,
// before children are shut down and waited for.
func (h *Helper) HandlerDoneChan() <-chan struct{} {
	return h.handlerDoneChan
}

// Wait blocks until shutdown completes and returns the final status. It does
// not itself initiate shutdown.
func (h *Helper) Wait() error {
	<-h.doneChan
	return h.err
}

// Shutdown initiates shutdown (if not already started), waits for it to
// complete, and returns the final status.
func (h *Helper) Shutdown(completionErr error) error {
	h.StartShutdown(completionErr)
	return h.Wait()
}

// Close shuts down with a nil advisory completion error and waits.
func (h *Helper) Close() error {
	return h.Shutdown(nil)
}

// AddChild registers a child to be actively shut down once this helper's own
// HandleOnceShutdown returns, and waited on before this helper is considered
// fully done.
func (h *Helper) AddChild(child AsyncShutdowner) {
	h.wg.Add(1)
	go func() {
		select {
		case <-child.DoneChan():
		case <-h.handlerDoneChan:
			child.StartShutdown(h.err)
			child.Wait()
		}
		h.wg.Done()
	}()
}

// AddChildChan registers an arbitrary done-chan that must close before this
// helper's shutdown is considered complete. The caller is responsible for
// closing it.
func (h *Helper) AddChildChan(childDone <-chan struct{}) {
	h.wg.Add(1)
	go func() {
		<-childDone
		h.wg.Done()
	}()
}
