package sniffer

import (
	"github.com/google/gopacket/layers"
	"github.com/hostinger/ndsnoop/internal/packet"
	"github.com/pkg/errors"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// SolicitationFilter passes a frame to user space only when the byte right
// after the IPv6 header (the ICMPv6 type) is a Neighbor Solicitation. The
// packet socket hands us frames starting at the IPv6 header, so the offset
// needs no link-layer header.
var SolicitationFilter = []bpf.Instruction{
	bpf.LoadAbsolute{Off: packet.IPv6HeaderLen + packet.ICMPv6TypeOffset, Size: 1},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(layers.ICMPv6TypeNeighborSolicitation), SkipTrue: 1},
	bpf.RetConstant{Val: 0},
	bpf.RetConstant{Val: 0xffffffff},
}

func assembleFilter(prog []bpf.Instruction) ([]unix.SockFilter, error) {
	raw, err := bpf.Assemble(prog)
	if err != nil {
		return nil, errors.Wrap(err, "assemble bpf program")
	}

	out := make([]unix.SockFilter, len(raw))
	for i, ins := range raw {
		out[i] = unix.SockFilter{Code: ins.Op, Jt: ins.Jt, Jf: ins.Jf, K: ins.K}
	}
	return out, nil
}

func attachFilter(fd int, prog []bpf.Instruction) error {
	f, err := assembleFilter(prog)
	if err != nil {
		return err
	}
	if len(f) == 0 {
		return errors.New("empty bpf program")
	}

	fprog := &unix.SockFprog{
		Len:    uint16(len(f)),
		Filter: &f[0],
	}
	if err := unix.SetsockoptSockFprog(fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, fprog); err != nil {
		return errors.Wrap(err, "setsockopt(SO_ATTACH_FILTER)")
	}
	return nil
}

// NewCaptureSocket opens a non-blocking AF_PACKET datagram socket for the
// IPv6 ethertype with SolicitationFilter attached.
func NewCaptureSocket() (*PacketSocket, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_DGRAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, int(htons(unix.ETH_P_IPV6)))
	if err != nil {
		return nil, errors.Wrap(err, "socket(AF_PACKET)")
	}

	if err := attachFilter(fd, SolicitationFilter); err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &PacketSocket{fd: fd}, nil
}
