package xsk

import (
	"golang.org/x/sys/unix"
)

// State is a Socket's position in its lifecycle. Transitions only move
// forward: Created -> PoolAttached -> RingsConfigured -> Bound -> Closed.
// Binding makes the socket ready for descriptor exchange; AF_XDP has no
// separate activation step.
type State int

const (
	StateCreated State = iota
	StatePoolAttached
	StateRingsConfigured
	StateBound
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePoolAttached:
		return "pool-attached"
	case StateRingsConfigured:
		return "rings-configured"
	case StateBound:
		return "bound"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RingConfig holds the per-ring capacities, each a power of two. On a
// socket sharing another socket's pool, FillSize and CompletionSize may be
// zero to omit those rings; such a socket can only bind to the pool's home
// device/queue pair.
type RingConfig struct {
	FillSize       uint32
	CompletionSize uint32
	RxSize         uint32
	TxSize         uint32
}

// DefaultRingConfig is used by ConfigureRings when given a zero RingConfig.
var DefaultRingConfig = RingConfig{
	FillSize:       64,
	CompletionSize: 64,
	RxSize:         64,
	TxSize:         64,
}

// DefaultSocketFlags are the flags which are passed to bind(2) system call
// when the XDP socket is bound, possible values include unix.XDP_COPY,
// unix.XDP_ZEROCOPY, unix.XDP_USE_NEED_WAKEUP. A socket sharing another
// socket's pool binds with unix.XDP_SHARED_UMEM instead.
var DefaultSocketFlags uint16 = unix.XDP_USE_NEED_WAKEUP

// DefaultXdpFlags are the flags which are passed when the XDP program is
// attached to the network link, possible values include
// unix.XDP_FLAGS_DRV_MODE, unix.XDP_FLAGS_HW_MODE, unix.XDP_FLAGS_SKB_MODE,
// unix.XDP_FLAGS_UPDATE_IF_NOEXIST.
var DefaultXdpFlags uint32 = 0

// Desc represents an XDP Rx/Tx descriptor: a frame offset within the
// pool, the valid byte count, and protocol-defined option flags. Its
// layout matches struct xdp_desc byte for byte; the kernel reads and
// writes it directly in the shared ring mapping.
type Desc unix.XDPDesc

// Stats contains various counters of the XDP socket, such as numbers of
// sent and received frames.
type Stats struct {
	// Filled counts descriptors this socket pushed onto the fill ring.
	Filled uint64

	// Received counts descriptors consumed from the rx ring.
	Received uint64

	// Transmitted counts descriptors pushed onto the tx ring.
	Transmitted uint64

	// Completed counts descriptors consumed from the completion ring,
	// i.e. frames the kernel finished sending.
	Completed uint64

	// KernelStats are the in-kernel counters of the socket, such as the
	// number of invalid descriptors submitted to the fill or tx rings.
	KernelStats unix.XDPStatistics
}
