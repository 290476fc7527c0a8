package sniffer

import (
	"net"

	"github.com/hostinger/ndsnoop/internal/logger"
	"github.com/hostinger/ndsnoop/internal/metrics"
	"github.com/pkg/errors"
)

var ErrNotBound = errors.New("interface not bound")

// Interface is what the binding needs to know about a kernel link.
type Interface struct {
	Index        int
	Name         string
	HardwareAddr net.HardwareAddr
}

// Resolver looks up kernel links.
type Resolver interface {
	LinkByName(name string) (Interface, error)
	LinkByIndex(index int) (Interface, error)
}

type State int

const (
	StateUnbound State = iota
	StateBinding
	StateBound
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateUnbound:
		return "unbound"
	case StateBinding:
		return "binding"
	case StateBound:
		return "bound"
	case StateInvalidated:
		return "invalidated"
	}
	return "unknown"
}

// Binding ties the capture and raw sockets to one client-facing interface.
// It is owned by the event loop goroutine and is not safe for concurrent use.
type Binding struct {
	name         string
	index        int
	hardwareAddr net.HardwareAddr
	state        State

	capture  CaptureConn
	raw      RawConn
	resolver Resolver
}

func NewBinding(name string, capture CaptureConn, raw RawConn, resolver Resolver) *Binding {
	return &Binding{
		name:     name,
		capture:  capture,
		raw:      raw,
		resolver: resolver,
	}
}

func (b *Binding) Name() string                   { return b.name }
func (b *Binding) Index() int                     { return b.index }
func (b *Binding) HardwareAddr() net.HardwareAddr { return b.hardwareAddr }
func (b *Binding) State() State                   { return b.state }
func (b *Binding) Bound() bool                    { return b.state == StateBound }
func (b *Binding) Capture() CaptureConn           { return b.capture }
func (b *Binding) Raw() RawConn                   { return b.raw }

// Setup (re)binds both sockets to the configured interface and reports
// whether the binding is usable. An empty name disables the binding.
func (b *Binding) Setup() bool {
	if b.name == "" {
		return false
	}

	b.setState(StateBinding)
	logger.Info("[ND-Setup] Setting up ND sockets on %s", b.name)

	if err := b.bind(); err != nil {
		logger.Error("[ND-Setup] Could not bind to %s: %v", b.name, err)
		b.setState(StateUnbound)
		return false
	}

	b.setState(StateBound)
	logger.Info("[ND-Setup] Bound to %s (index %d, %s)", b.name, b.index, b.hardwareAddr)
	return true
}

func (b *Binding) bind() error {
	if err := b.raw.BindToDevice(b.name); err != nil {
		return err
	}

	link, err := b.resolver.LinkByName(b.name)
	if err != nil {
		return errors.Wrapf(err, "lookup %s", b.name)
	}
	if len(link.HardwareAddr) != 6 {
		return errors.Errorf("%s has no ethernet address", b.name)
	}

	b.index = link.Index
	b.hardwareAddr = append(net.HardwareAddr(nil), link.HardwareAddr...)

	if err := b.capture.BindLink(link.Index); err != nil {
		return err
	}
	if err := b.raw.BindLink(link.Index); err != nil {
		return err
	}
	return nil
}

// Invalidate marks the binding unusable without touching the sockets, the
// interface may already be gone.
func (b *Binding) Invalidate() {
	if b.state == StateBound || b.state == StateBinding {
		logger.Info("[ND-Setup] %s went away, ND sockets invalidated", b.name)
	}
	b.setState(StateInvalidated)
}

func (b *Binding) setState(s State) {
	b.state = s
	if s == StateBound {
		metrics.InterfaceBound.Set(1)
	} else {
		metrics.InterfaceBound.Set(0)
	}
}

func (b *Binding) Close() error {
	b.setState(StateUnbound)
	var firstErr error
	if b.capture != nil {
		if err := b.capture.Close(); err != nil {
			firstErr = errors.Wrap(err, "close capture socket")
		}
	}
	if b.raw != nil {
		if err := b.raw.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "close raw socket")
		}
	}
	return firstErr
}
