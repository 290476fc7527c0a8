package neighbor

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"sort"
	"time"

	"github.com/hostinger/ndsnoop/internal/logger"
	"github.com/vishvananda/netlink"
)

func NewNeighborManager(installToKernel bool) *NeighborManager {
	return &NeighborManager{
		ReachableNeighbors: make(map[string]Neighbor),
		InstallToKernel:    installToKernel,
		neighSet:           netlink.NeighSet,
		now:                time.Now,
	}
}

// IsKnownAddress reports whether addr belongs to a client and returns its MAC.
func (nm *NeighborManager) IsKnownAddress(addr netip.Addr) (net.HardwareAddr, bool) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	n, ok := nm.ReachableNeighbors[addr.String()]
	if !ok {
		return nil, false
	}
	return n.HardwareAddr, true
}

// NotifyMacActive refreshes every address learned for mac on ifindex.
func (nm *NeighborManager) NotifyMacActive(mac net.HardwareAddr, ifindex int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	now := nm.now()
	for key, n := range nm.ReachableNeighbors {
		if n.LinkIndex == ifindex && bytes.Equal(n.HardwareAddr, mac) {
			n.LastSeen = now
			nm.ReachableNeighbors[key] = n
		}
	}
}

func (nm *NeighborManager) AddLearnedAddress(addr netip.Addr, mac net.HardwareAddr, ifindex int) {
	nm.AddNeighbor(net.IP(addr.AsSlice()), ifindex, mac)
}

func (nm *NeighborManager) AddNeighbor(ip net.IP, linkIndex int, mac net.HardwareAddr) {
	nm.mu.Lock()
	prev, existed := nm.ReachableNeighbors[ip.String()]
	nm.ReachableNeighbors[ip.String()] = Neighbor{
		IP:           ip,
		LinkIndex:    linkIndex,
		HardwareAddr: append(net.HardwareAddr(nil), mac...),
		LastSeen:     nm.now(),
	}
	nm.mu.Unlock()

	roamed := existed && (prev.LinkIndex != linkIndex || !bytes.Equal(prev.HardwareAddr, mac))
	if !existed {
		logger.Info("[Neighbor-Event] Learned %s → %s on index %d", ip, mac, linkIndex)
	} else if roamed {
		logger.Info("[Neighbor-Event] %s moved from %s (index %d) to %s (index %d)", ip, prev.HardwareAddr, prev.LinkIndex, mac, linkIndex)
	}

	if nm.InstallToKernel && (!existed || roamed) && mac != nil {
		nm.addNeighborEntry(ip, mac, linkIndex)
	}
}

func (nm *NeighborManager) addNeighborEntry(ip net.IP, mac net.HardwareAddr, linkIndex int) {
	neigh := &netlink.Neigh{
		LinkIndex:    linkIndex,
		IP:           ip,
		HardwareAddr: mac,
		State:        netlink.NUD_REACHABLE,
		Family:       netlink.FAMILY_V6,
	}

	if err := nm.neighSet(neigh); err != nil {
		logger.Error("[Neighbor-Event] Failed to set neighbor entry for %s: %v", ip, err)
	} else {
		logger.Debug("[Neighbor-Event] Added neighbor entry: %s → %s on index %d", ip, mac, linkIndex)
	}
}

func (nm *NeighborManager) RemoveNeighbor(ip net.IP, linkIndex int) {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	if n, ok := nm.ReachableNeighbors[ip.String()]; ok && n.LinkIndex == linkIndex {
		delete(nm.ReachableNeighbors, ip.String())
	}
}

// ListNeighbors returns a snapshot sorted by address.
func (nm *NeighborManager) ListNeighbors() []Neighbor {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	out := make([]Neighbor, 0, len(nm.ReachableNeighbors))
	for _, n := range nm.ReachableNeighbors {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].IP.To16(), out[j].IP.To16()) < 0
	})
	return out
}

// Stale returns addresses not seen for longer than age.
func (nm *NeighborManager) Stale(age time.Duration) []netip.Addr {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	cutoff := nm.now().Add(-age)
	var out []netip.Addr
	for _, n := range nm.ReachableNeighbors {
		if n.LastSeen.Before(cutoff) {
			if a, ok := netip.AddrFromSlice(n.IP.To16()); ok {
				out = append(out, a)
			}
		}
	}
	return out
}

// RemoveStale forgets addresses not seen for longer than age and returns how
// many were removed.
func (nm *NeighborManager) RemoveStale(age time.Duration) int {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	cutoff := nm.now().Add(-age)
	removed := 0
	for key, n := range nm.ReachableNeighbors {
		if n.LastSeen.Before(cutoff) {
			logger.Info("[Neighbor-Event] Forgetting %s (%s), last seen %s", n.IP, n.HardwareAddr, n.LastSeen.Format(time.RFC3339))
			delete(nm.ReachableNeighbors, key)
			removed++
		}
	}
	return removed
}

// SendProbes solicits every address idle for longer than probeAfter and drops
// those idle for longer than expireAfter, once per interval until ctx ends.
func (nm *NeighborManager) SendProbes(ctx context.Context, interval, probeAfter, expireAfter time.Duration, probe func(netip.Addr)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			nm.RemoveStale(expireAfter)
			for _, addr := range nm.Stale(probeAfter) {
				logger.Debug("[Neighbor-Event] Probing idle client %s", addr)
				probe(addr)
			}
		}
	}
}

func (nm *NeighborManager) Cleanup() {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	nm.ReachableNeighbors = make(map[string]Neighbor)
}
