package sniffer

import (
	"github.com/hostinger/ndsnoop/internal/logger"
)

type ChangeType int

const (
	LinkAppeared ChangeType = iota
	LinkUpdated
	LinkRemoved
)

func (c ChangeType) String() string {
	switch c {
	case LinkAppeared:
		return "appeared"
	case LinkUpdated:
		return "updated"
	case LinkRemoved:
		return "removed"
	}
	return "unknown"
}

// LinkChange is one kernel link notification. Name may be empty, it is then
// resolved from Index.
type LinkChange struct {
	Type  ChangeType
	Index int
	Name  string
}

// Reactor keeps a Binding in step with the lifecycle of its interface.
type Reactor struct {
	binding  *Binding
	resolver Resolver
}

func NewReactor(binding *Binding, resolver Resolver) *Reactor {
	return &Reactor{binding: binding, resolver: resolver}
}

func (r *Reactor) OnLinkChanged(ev LinkChange) {
	if r.binding.Name() == "" {
		return
	}

	name := ev.Name
	if name == "" {
		link, err := r.resolver.LinkByIndex(ev.Index)
		if err != nil {
			logger.Debug("[Link-Event] Ignoring %s event for unknown index %d: %v", ev.Type, ev.Index, err)
			return
		}
		name = link.Name
	}

	if name != r.binding.Name() {
		return
	}

	logger.Info("[Link-Event] %s %s (index %d)", name, ev.Type, ev.Index)

	switch ev.Type {
	case LinkAppeared, LinkUpdated:
		r.binding.Setup()
	case LinkRemoved:
		r.binding.Invalidate()
	}
}
