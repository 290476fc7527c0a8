package neighbor

import (
	"net"
	"sync"
	"time"

	"github.com/vishvananda/netlink"
)

type NeighborManager struct {
	mu                 sync.Mutex
	ReachableNeighbors map[string]Neighbor
	InstallToKernel    bool

	neighSet func(*netlink.Neigh) error
	now      func() time.Time
}

type Neighbor struct {
	IP           net.IP
	LinkIndex    int
	HardwareAddr net.HardwareAddr
	LastSeen     time.Time
}
