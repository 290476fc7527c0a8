// Package icmp6 learns client bindings from Neighbor Discovery traffic on the
// client interface and sends the solicitations and unreachable notices the
// roaming logic asks for.
package icmp6

import (
	"bytes"
	"net"
	"net/netip"

	"github.com/hostinger/ndsnoop/internal/logger"
	"github.com/hostinger/ndsnoop/internal/metrics"
	"github.com/hostinger/ndsnoop/internal/packet"
	"github.com/hostinger/ndsnoop/internal/sniffer"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const recvBufferLen = 1500

// ClientTable receives what the engine learns and answers which addresses
// already belong to a known client.
type ClientTable interface {
	IsKnownAddress(addr netip.Addr) (net.HardwareAddr, bool)
	NotifyMacActive(mac net.HardwareAddr, ifindex int)
	AddLearnedAddress(addr netip.Addr, mac net.HardwareAddr, ifindex int)
}

// Sender is the IP layer's general purpose ICMPv6 socket.
type Sender interface {
	SendTo(b []byte, dst netip.Addr, ifindex int) (int, error)
}

type Engine struct {
	binding *sniffer.Binding
	clients ClientTable
	ipmgr   Sender
	buf     []byte

	loop
}

func NewEngine(binding *sniffer.Binding, clients ClientTable, ipmgr Sender) *Engine {
	return &Engine{
		binding: binding,
		clients: clients,
		ipmgr:   ipmgr,
		buf:     make([]byte, recvBufferLen),
	}
}

func (e *Engine) Binding() *sniffer.Binding {
	return e.binding
}

// HandleCaptureReadable reads one frame from the capture socket and learns
// the sender of a Neighbor Solicitation.
func (e *Engine) HandleCaptureReadable() {
	n, mac, err := e.binding.Capture().Recvfrom(e.buf)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			logger.Warn("[ND-Event] Reading from capture socket failed: %v", err)
		}
		return
	}
	metrics.Received.WithLabelValues("solicitation").Inc()

	ns, err := packet.DecodeSolicitation(e.buf[:n])
	if err != nil {
		drop("malformed", "Dropping solicitation: %v", err)
		return
	}
	// Duplicate address detection probes say nothing about liveness.
	if ns.Source.IsUnspecified() {
		drop("unspecified_source", "Dropping solicitation for %s with unspecified source", ns.Target)
		return
	}
	if len(mac) != 6 || bytes.Equal(mac, make([]byte, 6)) {
		drop("no_mac", "Dropping solicitation from %s without sender MAC", ns.Source)
		return
	}
	if !e.binding.Bound() {
		drop("unbound", "Dropping solicitation from %s, %s not bound", ns.Source, e.binding.Name())
		return
	}

	ifindex := e.binding.Index()
	logger.Debug("[ND-Event] Received Neighbor Solicitation from %s [%s] for %s. Learning source address for client.",
		ns.Source, mac, ns.Target)

	e.clients.NotifyMacActive(mac, ifindex)
	metrics.Learned.WithLabelValues("mac_active").Inc()
	e.clients.AddLearnedAddress(ns.Source, mac, ifindex)
	metrics.Learned.WithLabelValues("address").Inc()
}

// HandleRawReadable reads one message from the raw socket and learns the
// target of a Neighbor Advertisement.
func (e *Engine) HandleRawReadable() {
	n, err := e.binding.Raw().Recv(e.buf)
	if err != nil {
		if !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EINTR) {
			logger.Warn("[ND-Event] Reading from raw socket failed: %v", err)
		}
		return
	}
	metrics.Received.WithLabelValues("advertisement").Inc()

	// The ICMPv6 code is not checked.
	na, err := packet.DecodeAdvertisement(e.buf[:n])
	if err != nil {
		drop("malformed", "Dropping advertisement: %v", err)
		return
	}
	if !e.binding.Bound() {
		drop("unbound", "Dropping advertisement for %s, %s not bound", na.Target, e.binding.Name())
		return
	}

	logger.Debug("[ND-Event] Learning from Neighbor Advertisement that client [%s] %s is active.", na.LinkAddr, na.Target)

	e.clients.AddLearnedAddress(na.Target, na.LinkAddr, e.binding.Index())
	metrics.Learned.WithLabelValues("address").Inc()
}

// SendSolicitation probes target from the client interface. A target whose
// client is known by its link-local address is verified by unicast to that
// address, everything else is resolved through the solicited-node group.
func (e *Engine) SendSolicitation(target netip.Addr) SendResult {
	if e.binding.Name() == "" || !e.binding.Bound() {
		return SendResult{Err: sniffer.ErrNotBound}
	}

	b, err := packet.EncodeSolicitation(target, e.binding.HardwareAddr())
	if err != nil {
		return SendResult{Err: err}
	}

	dst, err := e.solicitationDestination(target)
	if err != nil {
		return SendResult{Err: err}
	}

	raw := e.binding.Raw()
	ifindex := e.binding.Index()
	return sendWithRetry("neighbor solicitation", dst.String(), sendAttempts, func() (int, error) {
		return raw.SendTo(b, dst, ifindex)
	})
}

func (e *Engine) solicitationDestination(target netip.Addr) (netip.Addr, error) {
	dst, err := packet.SolicitedNodeMulticast(target)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "solicited-node address of %s", target)
	}

	mac, known := e.clients.IsKnownAddress(target)
	if !known {
		return dst, nil
	}

	ll, err := packet.LinkLocalFromMAC(mac)
	if err != nil {
		return dst, nil
	}
	if _, known := e.clients.IsKnownAddress(ll); known {
		return ll, nil
	}
	return dst, nil
}

// SendDestinationUnreachable tells dst that original could not be routed.
// It goes out on the IP layer's socket so the kernel routes it back toward
// the sender instead of onto the client link.
func (e *Engine) SendDestinationUnreachable(dst netip.Addr, original []byte) SendResult {
	if e.ipmgr == nil {
		return SendResult{Err: errors.New("no IP layer socket")}
	}

	b, err := packet.EncodeDestinationUnreachable(original)
	if err != nil {
		return SendResult{Err: err}
	}

	// TODO: pick the interface the offending packet arrived on once the IP
	// layer tracks it, the generic socket leaves that choice to the routing table.
	return sendWithRetry("destination unreachable", dst.String(), sendAttempts, func() (int, error) {
		return e.ipmgr.SendTo(b, dst, 0)
	})
}

func drop(reason, format string, v ...interface{}) {
	metrics.Dropped.WithLabelValues(reason).Inc()
	logger.Debug("[ND-Event] "+format, v...)
}
