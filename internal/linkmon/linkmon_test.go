package linkmon

import (
	"testing"

	"github.com/hostinger/ndsnoop/internal/sniffer"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

func TestTranslate(t *testing.T) {
	tr := newTranslator()
	attrs := &netlink.LinkAttrs{Index: 7, Name: "client0"}

	steps := []struct {
		name    string
		msgType uint16
		want    sniffer.ChangeType
		wantOK  bool
	}{
		{"first newlink", unix.RTM_NEWLINK, sniffer.LinkAppeared, true},
		{"second newlink", unix.RTM_NEWLINK, sniffer.LinkUpdated, true},
		{"dellink", unix.RTM_DELLINK, sniffer.LinkRemoved, true},
		{"newlink after delete", unix.RTM_NEWLINK, sniffer.LinkAppeared, true},
		{"other message", unix.RTM_NEWADDR, 0, false},
	}

	for _, s := range steps {
		ev, ok := tr.translate(s.msgType, attrs)
		if ok != s.wantOK {
			t.Fatalf("%s: expected ok=%v, got %v", s.name, s.wantOK, ok)
		}
		if !ok {
			continue
		}
		if ev.Type != s.want {
			t.Errorf("%s: expected %s, got %s", s.name, s.want, ev.Type)
		}
		if ev.Index != 7 || ev.Name != "client0" {
			t.Errorf("%s: expected client0/7, got %s/%d", s.name, ev.Name, ev.Index)
		}
	}
}

func TestTranslateNilAttrs(t *testing.T) {
	if _, ok := newTranslator().translate(unix.RTM_NEWLINK, nil); ok {
		t.Errorf("Expected nil attributes to be ignored")
	}
}
