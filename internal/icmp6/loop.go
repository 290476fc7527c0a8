package icmp6

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"

	"github.com/hostinger/ndsnoop/internal/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// loop queues work posted from other goroutines and wakes the poller
// through an eventfd.
type loop struct {
	mu      sync.Mutex
	pending []func()
	wakeFd  int
	running bool
}

// Post schedules fn on the event loop goroutine. It is the only Engine
// method safe to call concurrently.
func (l *loop) Post(fn func()) {
	l.mu.Lock()
	l.pending = append(l.pending, fn)
	fd, running := l.wakeFd, l.running
	l.mu.Unlock()

	if running {
		wake(fd)
	}
}

func (l *loop) runPending() {
	l.mu.Lock()
	work := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, fn := range work {
		fn()
	}
}

func wake(fd int) {
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(fd, one[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		logger.Warn("[ND-Loop] Could not wake event loop: %v", err)
	}
}

func drainWake(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// Run polls the capture socket, the raw socket and the wakeup eventfd and
// dispatches readiness until ctx is cancelled. All binding state is touched
// from this goroutine only.
func (e *Engine) Run(ctx context.Context) error {
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return errors.Wrap(err, "eventfd")
	}
	defer unix.Close(wakeFd)

	e.mu.Lock()
	e.wakeFd, e.running = wakeFd, true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { wake(wakeFd) })
	defer stop()

	fds := []unix.PollFd{
		{Fd: int32(e.binding.Capture().Fd()), Events: unix.POLLIN},
		{Fd: int32(e.binding.Raw().Fd()), Events: unix.POLLIN},
		{Fd: int32(wakeFd), Events: unix.POLLIN},
	}

	e.runPending()
	for {
		if ctx.Err() != nil {
			return nil
		}

		for i := range fds {
			fds[i].Revents = 0
		}
		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return errors.Wrap(err, "poll")
		}

		if fds[0].Revents&unix.POLLIN != 0 {
			e.HandleCaptureReadable()
		}
		if fds[1].Revents&unix.POLLIN != 0 {
			e.HandleRawReadable()
		}
		if fds[2].Revents&unix.POLLIN != 0 {
			drainWake(wakeFd)
			e.runPending()
		}
	}
}

// Status is a snapshot of the binding taken on the event loop.
type Status struct {
	Interface    string `json:"interface"`
	Index        int    `json:"index"`
	HardwareAddr string `json:"hwAddr"`
	State        string `json:"state"`
}

// Status asks the event loop for a binding snapshot.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	ch := make(chan Status, 1)
	e.Post(func() {
		b := e.binding
		ch <- Status{
			Interface:    b.Name(),
			Index:        b.Index(),
			HardwareAddr: b.HardwareAddr().String(),
			State:        b.State().String(),
		}
	})

	select {
	case s := <-ch:
		return s, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// RequestSolicitation queues an active probe of target on the event loop.
func (e *Engine) RequestSolicitation(target netip.Addr) {
	e.Post(func() { e.SendSolicitation(target) })
}
