package sniffer

import (
	"net"
	"net/netip"

	"github.com/google/gopacket/layers"
	"github.com/hostinger/ndsnoop/internal/logger"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CaptureConn is the link-layer socket solicitations are read from.
type CaptureConn interface {
	Fd() int
	BindLink(ifindex int) error
	Recvfrom(b []byte) (int, net.HardwareAddr, error)
	Close() error
}

// RawConn is the ICMPv6 socket advertisements are read from and all
// solicitations are sent on.
type RawConn interface {
	Fd() int
	BindToDevice(name string) error
	BindLink(ifindex int) error
	Recv(b []byte) (int, error)
	SendTo(b []byte, dst netip.Addr, ifindex int) (int, error)
	Close() error
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

type PacketSocket struct {
	fd int
}

func (s *PacketSocket) Fd() int {
	return s.fd
}

// BindLink restricts delivery to frames received on ifindex.
func (s *PacketSocket) BindLink(ifindex int) error {
	sa := &unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_IPV6),
		Ifindex:  ifindex,
		Halen:    6,
	}
	if err := unix.Bind(s.fd, sa); err != nil {
		return errors.Wrapf(err, "bind(AF_PACKET, ifindex %d)", ifindex)
	}
	return nil
}

// Recvfrom reads one frame and the sender's link-layer address.
func (s *PacketSocket) Recvfrom(b []byte) (int, net.HardwareAddr, error) {
	n, from, err := unix.Recvfrom(s.fd, b, 0)
	if err != nil {
		return 0, nil, err
	}

	var mac net.HardwareAddr
	if sa, ok := from.(*unix.SockaddrLinklayer); ok {
		l := int(sa.Halen)
		if l > len(sa.Addr) {
			l = len(sa.Addr)
		}
		mac = make(net.HardwareAddr, l)
		copy(mac, sa.Addr[:l])
	}
	return n, mac, nil
}

func (s *PacketSocket) Close() error {
	return unix.Close(s.fd)
}

type RawSocket struct {
	fd int
}

// NewRawSocket opens a non-blocking raw ICMPv6 socket that only passes
// Neighbor Advertisements and sends with the hop limit ND requires.
func NewRawSocket() (*RawSocket, error) {
	fd, err := unix.Socket(unix.AF_INET6, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_ICMPV6)
	if err != nil {
		return nil, errors.Wrap(err, "socket(AF_INET6, SOCK_RAW)")
	}

	opts := []struct {
		name  string
		level int
		opt   int
		value int
	}{
		{"IPV6_CHECKSUM", unix.IPPROTO_RAW, unix.IPV6_CHECKSUM, 2},
		{"IPV6_MULTICAST_HOPS", unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_HOPS, 255},
		{"IPV6_UNICAST_HOPS", unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, 255},
		{"IPV6_MULTICAST_LOOP", unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_LOOP, 1},
		{"IPV6_RECVHOPLIMIT", unix.IPPROTO_IPV6, unix.IPV6_RECVHOPLIMIT, 1},
		{"IPV6_AUTOFLOWLABEL", unix.IPPROTO_IPV6, unix.IPV6_AUTOFLOWLABEL, 0},
	}
	for _, o := range opts {
		if err := unix.SetsockoptInt(fd, o.level, o.opt, o.value); err != nil {
			logger.Warn("[ND-Setup] setsockopt(%s) failed: %v", o.name, err)
		}
	}

	if err := unix.SetsockoptICMPv6Filter(fd, unix.SOL_ICMPV6, unix.ICMPV6_FILTER, advertisementOnly()); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "setsockopt(ICMPV6_FILTER)")
	}

	return &RawSocket{fd: fd}, nil
}

// advertisementOnly blocks every ICMPv6 type except Neighbor Advertisement.
// A set bit blocks the type.
func advertisementOnly() *unix.ICMPv6Filter {
	var f unix.ICMPv6Filter
	for i := range f.Data {
		f.Data[i] = 0xffffffff
	}
	t := uint32(layers.ICMPv6TypeNeighborAdvertisement)
	f.Data[t>>5] &^= 1 << (t & 31)
	return &f
}

func (s *RawSocket) Fd() int {
	return s.fd
}

func (s *RawSocket) BindToDevice(name string) error {
	if err := unix.BindToDevice(s.fd, name); err != nil {
		return errors.Wrapf(err, "setsockopt(SO_BINDTODEVICE, %s)", name)
	}
	return nil
}

// BindLink pins outgoing multicast to ifindex. An AF_INET6 socket cannot be
// bound to a link-layer address, this is its per-index equivalent.
func (s *RawSocket) BindLink(ifindex int) error {
	if err := unix.SetsockoptInt(s.fd, unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, ifindex); err != nil {
		return errors.Wrapf(err, "setsockopt(IPV6_MULTICAST_IF, %d)", ifindex)
	}
	return nil
}

func (s *RawSocket) Recv(b []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, b, 0)
	return n, err
}

// SendTo writes one ICMPv6 message. ifindex scopes link-local and multicast
// destinations, zero leaves routing to the kernel.
func (s *RawSocket) SendTo(b []byte, dst netip.Addr, ifindex int) (int, error) {
	sa := &unix.SockaddrInet6{Addr: dst.As16()}
	if ifindex > 0 && (dst.IsLinkLocalUnicast() || dst.IsMulticast()) {
		sa.ZoneId = uint32(ifindex)
	}
	return unix.SendmsgN(s.fd, b, nil, sa, 0)
}

func (s *RawSocket) Close() error {
	return unix.Close(s.fd)
}
