// Package packet encodes and decodes the ICMPv6 messages the snooping engine
// deals with: Neighbor Solicitation, Neighbor Advertisement and
// Destination Unreachable. It performs no I/O.
package packet

import (
	"bytes"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/mdlayher/ndp"
	"github.com/pkg/errors"
)

const (
	IPv6HeaderLen = 40

	// ICMPv6TypeOffset is the offset of the ICMPv6 type byte inside an ICMPv6 header.
	ICMPv6TypeOffset = 0

	// DestUnreachHeaderLen covers type, code, checksum and the unused word.
	DestUnreachHeaderLen = 8
	// MaxDestUnreachPayload keeps the whole message within the IPv6 minimum MTU of 1280.
	MaxDestUnreachPayload = 1272

	// SolicitationLen is the size of an encoded solicitation carrying one
	// source link-layer address option.
	SolicitationLen = 32

	macLen = 6
)

var (
	ErrTruncated          = errors.New("packet truncated")
	ErrWrongType          = errors.New("unexpected ICMPv6 type")
	ErrNotICMPv6          = errors.New("not an ICMPv6 packet")
	ErrNoLinkLayerAddress = errors.New("no usable link-layer address option")
	ErrBadAddress         = errors.New("not an IPv6 address")
	ErrBadHardwareAddress = errors.New("hardware address must be 6 bytes")
)

var zeroMAC = make([]byte, macLen)

// Solicitation is a decoded Neighbor Solicitation. Source is taken from the
// IPv6 header the solicitation arrived in.
type Solicitation struct {
	Source         netip.Addr
	Destination    netip.Addr
	Target         netip.Addr
	SourceLinkAddr net.HardwareAddr
}

// Advertisement is a decoded Neighbor Advertisement.
type Advertisement struct {
	Flags    uint8
	Target   netip.Addr
	LinkAddr net.HardwareAddr
}

// DecodeSolicitation parses a frame starting at the IPv6 header, as delivered
// by a SOCK_DGRAM packet socket bound to the IPv6 ethertype.
func DecodeSolicitation(frame []byte) (*Solicitation, error) {
	if len(frame) < IPv6HeaderLen {
		return nil, ErrTruncated
	}

	var ip6 layers.IPv6
	if err := ip6.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(ErrTruncated, err.Error())
	}
	if ip6.NextHeader != layers.IPProtocolICMPv6 {
		return nil, ErrNotICMPv6
	}

	var icmp layers.ICMPv6
	if err := icmp.DecodeFromBytes(ip6.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(ErrTruncated, err.Error())
	}
	if icmp.TypeCode.Type() != layers.ICMPv6TypeNeighborSolicitation {
		return nil, errors.Wrapf(ErrWrongType, "got %d", icmp.TypeCode.Type())
	}

	var ns layers.ICMPv6NeighborSolicitation
	if err := ns.DecodeFromBytes(icmp.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(ErrTruncated, err.Error())
	}

	src, ok := addrFrom(ip6.SrcIP)
	if !ok {
		return nil, ErrBadAddress
	}
	dst, ok := addrFrom(ip6.DstIP)
	if !ok {
		return nil, ErrBadAddress
	}
	target, ok := addrFrom(ns.TargetAddress)
	if !ok {
		return nil, ErrBadAddress
	}

	return &Solicitation{
		Source:         src,
		Destination:    dst,
		Target:         target,
		SourceLinkAddr: findLinkAddr(ns.Options, layers.ICMPv6OptSourceAddress),
	}, nil
}

// EncodeSolicitation builds the ICMPv6 part of a Neighbor Solicitation for
// target, carrying mac as source link-layer address. The checksum is left
// zero for the kernel to fill in.
func EncodeSolicitation(target netip.Addr, mac net.HardwareAddr) ([]byte, error) {
	if !target.Is6() || target.Is4In6() {
		return nil, ErrBadAddress
	}
	if len(mac) != macLen {
		return nil, ErrBadHardwareAddress
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
		},
		&layers.ICMPv6NeighborSolicitation{
			TargetAddress: net.IP(target.AsSlice()),
			Options: layers.ICMPv6Options{
				{Type: layers.ICMPv6OptSourceAddress, Data: []byte(mac)},
			},
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "serialize neighbor solicitation")
	}
	return buf.Bytes(), nil
}

// DecodeAdvertisement parses an ICMPv6 message as read from a raw ICMPv6
// socket. The ICMPv6 code is not checked. A missing or all-zero
// link-layer address option is reported as ErrNoLinkLayerAddress.
func DecodeAdvertisement(b []byte) (*Advertisement, error) {
	var icmp layers.ICMPv6
	if err := icmp.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(ErrTruncated, err.Error())
	}
	if icmp.TypeCode.Type() != layers.ICMPv6TypeNeighborAdvertisement {
		return nil, errors.Wrapf(ErrWrongType, "got %d", icmp.TypeCode.Type())
	}

	var na layers.ICMPv6NeighborAdvertisement
	if err := na.DecodeFromBytes(icmp.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(ErrTruncated, err.Error())
	}

	target, ok := addrFrom(na.TargetAddress)
	if !ok {
		return nil, ErrBadAddress
	}

	adv := &Advertisement{Flags: na.Flags, Target: target}

	// Some stacks put the address into a source option on unsolicited adverts.
	mac := findLinkAddr(na.Options, layers.ICMPv6OptTargetAddress)
	if mac == nil {
		mac = findLinkAddr(na.Options, layers.ICMPv6OptSourceAddress)
	}
	if mac == nil || bytes.Equal(mac, zeroMAC) {
		return adv, ErrNoLinkLayerAddress
	}
	adv.LinkAddr = mac
	return adv, nil
}

// EncodeAdvertisement builds a Neighbor Advertisement with a target
// link-layer address option.
func EncodeAdvertisement(target netip.Addr, mac net.HardwareAddr, flags uint8) ([]byte, error) {
	if !target.Is6() || target.Is4In6() {
		return nil, ErrBadAddress
	}
	if len(mac) != macLen {
		return nil, ErrBadHardwareAddress
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0),
		},
		&layers.ICMPv6NeighborAdvertisement{
			Flags:         flags,
			TargetAddress: net.IP(target.AsSlice()),
			Options: layers.ICMPv6Options{
				{Type: layers.ICMPv6OptTargetAddress, Data: []byte(mac)},
			},
		},
	)
	if err != nil {
		return nil, errors.Wrap(err, "serialize neighbor advertisement")
	}
	return buf.Bytes(), nil
}

// EncodeDestinationUnreachable builds a "no route to destination" message
// quoting original. The quote is cut at MaxDestUnreachPayload and never
// padded, so the result is always DestUnreachHeaderLen plus the copied length.
func EncodeDestinationUnreachable(original []byte) ([]byte, error) {
	n := len(original)
	if n > MaxDestUnreachPayload {
		n = MaxDestUnreachPayload
	}

	body := make([]byte, DestUnreachHeaderLen-4+n)
	copy(body[DestUnreachHeaderLen-4:], original[:n])

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6CodeNoRouteToDst),
		},
		gopacket.Payload(body),
	)
	if err != nil {
		return nil, errors.Wrap(err, "serialize destination unreachable")
	}
	return buf.Bytes(), nil
}

// DecodeDestinationUnreachable returns the code and the quoted packet.
func DecodeDestinationUnreachable(b []byte) (uint8, []byte, error) {
	var icmp layers.ICMPv6
	if err := icmp.DecodeFromBytes(b, gopacket.NilDecodeFeedback); err != nil {
		return 0, nil, errors.Wrap(ErrTruncated, err.Error())
	}
	if icmp.TypeCode.Type() != layers.ICMPv6TypeDestinationUnreachable {
		return 0, nil, errors.Wrapf(ErrWrongType, "got %d", icmp.TypeCode.Type())
	}
	if len(icmp.Payload) < DestUnreachHeaderLen-4 {
		return 0, nil, ErrTruncated
	}
	return icmp.TypeCode.Code(), icmp.Payload[DestUnreachHeaderLen-4:], nil
}

// SolicitedNodeMulticast returns the ff02::1:ffXX:XXXX group of addr.
func SolicitedNodeMulticast(addr netip.Addr) (netip.Addr, error) {
	return ndp.SolicitedNodeMulticast(addr)
}

// LinkLocalFromMAC derives the EUI-64 based fe80::/64 address of mac.
func LinkLocalFromMAC(mac net.HardwareAddr) (netip.Addr, error) {
	if len(mac) != macLen {
		return netip.Addr{}, ErrBadHardwareAddress
	}
	var a [16]byte
	a[0], a[1] = 0xfe, 0x80
	a[8] = mac[0] ^ 0x02
	a[9] = mac[1]
	a[10] = mac[2]
	a[11] = 0xff
	a[12] = 0xfe
	a[13] = mac[3]
	a[14] = mac[4]
	a[15] = mac[5]
	return netip.AddrFrom16(a), nil
}

func addrFrom(ip net.IP) (netip.Addr, bool) {
	if len(ip) != net.IPv6len {
		return netip.Addr{}, false
	}
	return netip.AddrFrom16([16]byte(ip)), true
}

func findLinkAddr(opts layers.ICMPv6Options, typ layers.ICMPv6Opt) net.HardwareAddr {
	for _, o := range opts {
		if o.Type == typ && len(o.Data) >= macLen {
			mac := make(net.HardwareAddr, macLen)
			copy(mac, o.Data[:macLen])
			return mac
		}
	}
	return nil
}
