package sniffer

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/hostinger/ndsnoop/internal/packet"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

func parseMAC(s string) net.HardwareAddr {
	mac, _ := net.ParseMAC(s)
	return mac
}

type fakeCapture struct {
	calls    []string
	bindErr  error
	boundIdx int
}

func (f *fakeCapture) Fd() int { return 3 }
func (f *fakeCapture) BindLink(ifindex int) error {
	f.calls = append(f.calls, "BindLink")
	if f.bindErr != nil {
		return f.bindErr
	}
	f.boundIdx = ifindex
	return nil
}
func (f *fakeCapture) Recvfrom(b []byte) (int, net.HardwareAddr, error) {
	f.calls = append(f.calls, "Recvfrom")
	return 0, nil, unix.EAGAIN
}
func (f *fakeCapture) Close() error {
	f.calls = append(f.calls, "Close")
	return nil
}

type fakeRaw struct {
	calls     []string
	deviceErr error
	device    string
	boundIdx  int
}

func (f *fakeRaw) Fd() int { return 4 }
func (f *fakeRaw) BindToDevice(name string) error {
	f.calls = append(f.calls, "BindToDevice")
	if f.deviceErr != nil {
		return f.deviceErr
	}
	f.device = name
	return nil
}
func (f *fakeRaw) BindLink(ifindex int) error {
	f.calls = append(f.calls, "BindLink")
	f.boundIdx = ifindex
	return nil
}
func (f *fakeRaw) Recv(b []byte) (int, error) {
	f.calls = append(f.calls, "Recv")
	return 0, unix.EAGAIN
}
func (f *fakeRaw) SendTo(b []byte, dst netip.Addr, ifindex int) (int, error) {
	f.calls = append(f.calls, "SendTo")
	return len(b), nil
}
func (f *fakeRaw) Close() error {
	f.calls = append(f.calls, "Close")
	return nil
}

type fakeResolver struct {
	links map[string]Interface
}

func (r *fakeResolver) LinkByName(name string) (Interface, error) {
	l, ok := r.links[name]
	if !ok {
		return Interface{}, errors.New("link not found")
	}
	return l, nil
}

func (r *fakeResolver) LinkByIndex(index int) (Interface, error) {
	for _, l := range r.links {
		if l.Index == index {
			return l, nil
		}
	}
	return Interface{}, errors.New("link not found")
}

func newTestBinding(name string) (*Binding, *fakeCapture, *fakeRaw, *fakeResolver) {
	capture := &fakeCapture{}
	raw := &fakeRaw{}
	resolver := &fakeResolver{links: map[string]Interface{
		"client0": {Index: 7, Name: "client0", HardwareAddr: parseMAC("aa:bb:cc:dd:ee:ff")},
		"eth0":    {Index: 2, Name: "eth0", HardwareAddr: parseMAC("00:11:22:33:44:55")},
	}}
	return NewBinding(name, capture, raw, resolver), capture, raw, resolver
}

func TestSolicitationFilterProgram(t *testing.T) {
	raw, err := bpf.Assemble(SolicitationFilter)
	if err != nil {
		t.Fatalf("Could not assemble filter: %v", err)
	}

	want := []bpf.RawInstruction{
		{Op: unix.BPF_LD | unix.BPF_B | unix.BPF_ABS, K: 40},
		{Op: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, Jt: 1, Jf: 0, K: 135},
		{Op: unix.BPF_RET | unix.BPF_K, K: 0},
		{Op: unix.BPF_RET | unix.BPF_K, K: 0xffffffff},
	}
	if len(raw) != len(want) {
		t.Fatalf("Expected %d instructions, got %d", len(want), len(raw))
	}
	for i := range want {
		if raw[i] != want[i] {
			t.Errorf("Instruction %d: expected %+v, got %+v", i, want[i], raw[i])
		}
	}

	f, err := assembleFilter(SolicitationFilter)
	if err != nil {
		t.Fatalf("Could not convert filter: %v", err)
	}
	if f[1].Code != want[1].Op || f[1].Jt != 1 || f[1].K != 135 {
		t.Errorf("Unexpected converted instruction %+v", f[1])
	}
}

func ipv6Frame(t *testing.T, icmp []byte) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.IPv6{
			Version:    6,
			NextHeader: layers.IPProtocolICMPv6,
			HopLimit:   255,
			SrcIP:      net.ParseIP("fe80::1"),
			DstIP:      net.ParseIP("ff02::1:ff00:2"),
		},
		gopacket.Payload(icmp),
	)
	if err != nil {
		t.Fatalf("Could not serialize frame: %v", err)
	}
	return buf.Bytes()
}

func TestSolicitationFilterVerdict(t *testing.T) {
	vm, err := bpf.NewVM(SolicitationFilter)
	if err != nil {
		t.Fatalf("Could not load filter: %v", err)
	}

	ns, _ := packet.EncodeSolicitation(netip.MustParseAddr("fe80::2"), parseMAC("11:22:33:44:55:66"))
	na, _ := packet.EncodeAdvertisement(netip.MustParseAddr("fe80::2"), parseMAC("11:22:33:44:55:66"), 0x40)

	testCases := []struct {
		name   string
		frame  []byte
		accept bool
	}{
		{"solicitation", ipv6Frame(t, ns), true},
		{"advertisement", ipv6Frame(t, na), false},
		{"short", make([]byte, 10), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := vm.Run(tc.frame)
			if err != nil {
				t.Fatalf("Filter run failed: %v", err)
			}
			if (n > 0) != tc.accept {
				t.Errorf("Expected accept=%v, got verdict %d", tc.accept, n)
			}
		})
	}
}

func TestAdvertisementOnlyICMPv6Filter(t *testing.T) {
	f := advertisementOnly()
	blocked := func(typ uint32) bool { return f.Data[typ>>5]&(1<<(typ&31)) != 0 }

	if blocked(136) {
		t.Errorf("Expected advertisements to pass")
	}
	for _, typ := range []uint32{1, 128, 133, 134, 135, 137} {
		if !blocked(typ) {
			t.Errorf("Expected type %d to be blocked", typ)
		}
	}
}

func TestSetupBindsBothSockets(t *testing.T) {
	b, capture, raw, _ := newTestBinding("client0")

	if !b.Setup() {
		t.Fatalf("Expected setup to succeed")
	}
	if !b.Bound() || b.State() != StateBound {
		t.Errorf("Expected bound state, got %s", b.State())
	}
	if b.Index() != 7 {
		t.Errorf("Expected index 7, got %d", b.Index())
	}
	if b.HardwareAddr().String() != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Expected aa:bb:cc:dd:ee:ff, got %s", b.HardwareAddr())
	}
	if raw.device != "client0" {
		t.Errorf("Expected raw socket device-bound to client0, got %q", raw.device)
	}
	if capture.boundIdx != 7 || raw.boundIdx != 7 {
		t.Errorf("Expected both sockets bound to index 7, got %d and %d", capture.boundIdx, raw.boundIdx)
	}
}

func TestSetupEmptyName(t *testing.T) {
	b, capture, raw, _ := newTestBinding("")

	if b.Setup() {
		t.Errorf("Expected setup with empty name to be a no-op")
	}
	if len(capture.calls) != 0 || len(raw.calls) != 0 {
		t.Errorf("Expected no socket calls, got %v %v", capture.calls, raw.calls)
	}
}

func TestSetupFailures(t *testing.T) {
	testCases := []struct {
		name  string
		iface string
		setup func(c *fakeCapture, r *fakeRaw)
	}{
		{"device bind", "client0", func(c *fakeCapture, r *fakeRaw) { r.deviceErr = errors.New("no such device") }},
		{"lookup", "missing0", func(c *fakeCapture, r *fakeRaw) {}},
		{"link bind", "client0", func(c *fakeCapture, r *fakeRaw) { c.bindErr = errors.New("bind failed") }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			b, capture, raw, _ := newTestBinding(tc.iface)
			tc.setup(capture, raw)

			if b.Setup() {
				t.Errorf("Expected setup to fail")
			}
			if b.Bound() {
				t.Errorf("Expected binding to stay unbound")
			}
			if b.State() != StateUnbound {
				t.Errorf("Expected unbound state, got %s", b.State())
			}
		})
	}
}

func TestSetupDeviceBindFailureStopsEarly(t *testing.T) {
	b, capture, raw, _ := newTestBinding("client0")
	raw.deviceErr = errors.New("operation not permitted")

	b.Setup()

	if len(capture.calls) != 0 {
		t.Errorf("Expected capture socket untouched, got %v", capture.calls)
	}
	if len(raw.calls) != 1 {
		t.Errorf("Expected only the device bind, got %v", raw.calls)
	}
}

func TestSetupDiscardsPreviousBinding(t *testing.T) {
	b, capture, _, _ := newTestBinding("client0")
	if !b.Setup() {
		t.Fatalf("Expected first setup to succeed")
	}

	capture.bindErr = errors.New("bind failed")
	if b.Setup() {
		t.Errorf("Expected second setup to fail")
	}
	if b.Bound() {
		t.Errorf("Expected previous binding to be discarded")
	}
}

func TestReactorScenario(t *testing.T) {
	b, _, _, _ := newTestBinding("client0")
	r := NewReactor(b, b.resolver)

	r.OnLinkChanged(LinkChange{Type: LinkAppeared, Index: 7})

	if !b.Bound() || b.Index() != 7 || b.HardwareAddr().String() != "aa:bb:cc:dd:ee:ff" {
		t.Errorf("Expected client0 bound at index 7, got %s %d %s", b.State(), b.Index(), b.HardwareAddr())
	}
}

func TestReactorRebindOnUpdate(t *testing.T) {
	b, _, _, resolver := newTestBinding("client0")
	r := NewReactor(b, resolver)
	r.OnLinkChanged(LinkChange{Type: LinkAppeared, Index: 7})

	resolver.links["client0"] = Interface{Index: 9, Name: "client0", HardwareAddr: parseMAC("aa:bb:cc:dd:ee:01")}
	r.OnLinkChanged(LinkChange{Type: LinkUpdated, Index: 9, Name: "client0"})

	if !b.Bound() || b.Index() != 9 || b.HardwareAddr().String() != "aa:bb:cc:dd:ee:01" {
		t.Errorf("Expected rebind to index 9, got %s %d %s", b.State(), b.Index(), b.HardwareAddr())
	}
}

func TestReactorIgnoresUnrelatedInterface(t *testing.T) {
	for _, typ := range []ChangeType{LinkAppeared, LinkUpdated, LinkRemoved} {
		t.Run(typ.String(), func(t *testing.T) {
			b, capture, raw, resolver := newTestBinding("client0")
			r := NewReactor(b, resolver)
			r.OnLinkChanged(LinkChange{Type: LinkAppeared, Index: 7})
			capture.calls, raw.calls = nil, nil

			r.OnLinkChanged(LinkChange{Type: typ, Index: 2})

			if !b.Bound() {
				t.Errorf("Expected binding to stay bound")
			}
			if len(capture.calls) != 0 || len(raw.calls) != 0 {
				t.Errorf("Expected no socket calls, got %v %v", capture.calls, raw.calls)
			}
		})
	}
}

func TestReactorIgnoresUnresolvableIndex(t *testing.T) {
	b, _, _, resolver := newTestBinding("client0")
	r := NewReactor(b, resolver)

	r.OnLinkChanged(LinkChange{Type: LinkAppeared, Index: 99})

	if b.State() != StateUnbound {
		t.Errorf("Expected state unchanged, got %s", b.State())
	}
}

func TestReactorRemoved(t *testing.T) {
	b, capture, raw, resolver := newTestBinding("client0")
	r := NewReactor(b, resolver)
	r.OnLinkChanged(LinkChange{Type: LinkAppeared, Index: 7})
	capture.calls, raw.calls = nil, nil

	delete(resolver.links, "client0")
	r.OnLinkChanged(LinkChange{Type: LinkRemoved, Index: 7, Name: "client0"})

	if b.Bound() {
		t.Errorf("Expected binding to be cleared")
	}
	if b.State() != StateInvalidated {
		t.Errorf("Expected invalidated state, got %s", b.State())
	}
	if len(capture.calls) != 0 || len(raw.calls) != 0 {
		t.Errorf("Expected no socket calls, got %v %v", capture.calls, raw.calls)
	}
}

func TestBindingClose(t *testing.T) {
	b, capture, raw, _ := newTestBinding("client0")
	b.Setup()

	if err := b.Close(); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if b.Bound() {
		t.Errorf("Expected closed binding to be unbound")
	}
	if capture.calls[len(capture.calls)-1] != "Close" || raw.calls[len(raw.calls)-1] != "Close" {
		t.Errorf("Expected both sockets closed")
	}
}
