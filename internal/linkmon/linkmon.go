// Package linkmon turns netlink link notifications into sniffer.LinkChange
// events and answers interface lookups for the binding.
package linkmon

import (
	"context"

	"github.com/hostinger/ndsnoop/internal/logger"
	"github.com/hostinger/ndsnoop/internal/sniffer"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// Resolver implements sniffer.Resolver on top of rtnetlink.
type Resolver struct{}

func (Resolver) LinkByName(name string) (sniffer.Interface, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return sniffer.Interface{}, errors.Wrapf(err, "link %s", name)
	}
	return fromAttrs(link.Attrs()), nil
}

func (Resolver) LinkByIndex(index int) (sniffer.Interface, error) {
	link, err := netlink.LinkByIndex(index)
	if err != nil {
		return sniffer.Interface{}, errors.Wrapf(err, "link index %d", index)
	}
	return fromAttrs(link.Attrs()), nil
}

func fromAttrs(a *netlink.LinkAttrs) sniffer.Interface {
	return sniffer.Interface{
		Index:        a.Index,
		Name:         a.Name,
		HardwareAddr: a.HardwareAddr,
	}
}

// translator remembers which indexes it has seen so that a RTM_NEWLINK for a
// known index is reported as an update.
type translator struct {
	seen map[int]bool
}

func newTranslator() *translator {
	return &translator{seen: make(map[int]bool)}
}

func (t *translator) translate(msgType uint16, attrs *netlink.LinkAttrs) (sniffer.LinkChange, bool) {
	if attrs == nil {
		return sniffer.LinkChange{}, false
	}
	ev := sniffer.LinkChange{Index: attrs.Index, Name: attrs.Name}

	switch msgType {
	case unix.RTM_NEWLINK:
		if t.seen[attrs.Index] {
			ev.Type = sniffer.LinkUpdated
		} else {
			ev.Type = sniffer.LinkAppeared
			t.seen[attrs.Index] = true
		}
	case unix.RTM_DELLINK:
		ev.Type = sniffer.LinkRemoved
		delete(t.seen, attrs.Index)
	default:
		return sniffer.LinkChange{}, false
	}
	return ev, true
}

// Monitor subscribes to link notifications and hands every change to
// deliver until ctx is cancelled.
func Monitor(ctx context.Context, deliver func(sniffer.LinkChange)) error {
	updates := make(chan netlink.LinkUpdate, 64)
	done := make(chan struct{})
	defer close(done)

	err := netlink.LinkSubscribeWithOptions(updates, done, netlink.LinkSubscribeOptions{
		ErrorCallback: func(err error) {
			logger.Error("[Link-Event] Netlink subscription error: %v", err)
		},
	})
	if err != nil {
		return errors.Wrap(err, "subscribe to link updates")
	}

	t := newTranslator()
	if links, err := netlink.LinkList(); err == nil {
		for _, l := range links {
			t.seen[l.Attrs().Index] = true
		}
	} else {
		logger.Warn("[Link-Event] Could not list links: %v", err)
	}

	logger.Info("[Link-Event] Monitoring link changes")
	for {
		select {
		case <-ctx.Done():
			return nil
		case u, ok := <-updates:
			if !ok {
				return errors.New("link subscription closed")
			}
			if u.Link == nil {
				continue
			}
			if ev, ok := t.translate(u.Header.Type, u.Link.Attrs()); ok {
				deliver(ev)
			}
		}
	}
}
