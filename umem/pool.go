// Package umem manages the shared packet buffer region (UMEM) used by
// AF_XDP sockets. The region is divided into fixed-size frames identified
// by their byte offset within the region; descriptors on the four kernel
// rings carry these offsets, never raw pointers.
package umem

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MinFrameSize is the smallest chunk size the kernel accepts for a UMEM
// registration (XDP_UMEM_MIN_CHUNK_SIZE).
const MinFrameSize = 2048

// DriverHeadroom is the space network drivers reserve at the start of every
// frame before the configurable headroom. See
// https://lore.kernel.org/xdp-newbies/CALDO+Sb00zQKuGKP43q-WEVXntMhmL+y8RN-_NTB879HxYbfTA@mail.gmail.com/
const DriverHeadroom = 256

var (
	// ErrInvalidFrameSize is returned when the requested frame size is not
	// a power of two or leaves no payload space after the headroom.
	ErrInvalidFrameSize = errors.New("frame size must be a power of two of at least 2048 bytes")

	// ErrInvalidCount is returned when a pool is created with zero frames.
	ErrInvalidCount = errors.New("frame count must be greater than zero")

	// ErrPoolExhausted is returned by Alloc when every frame is in flight.
	// It is an ordinary condition: retry after frames are returned by
	// Free or by consuming the completion ring.
	ErrPoolExhausted = errors.New("no free frames in pool")
)

// Binding records the device/queue pair a pool's registering socket is
// bound to. Follow-up sockets sharing the pool compare against it.
type Binding struct {
	Device int
	Queue  int
}

// Option configures a Pool.
type Option func(*Pool)

// WithLocker injects the locking strategy guarding the pool's free set.
// The default is a no-op locker: deployments that pin all pool operations
// to a single goroutine pay nothing. Pass a *sync.Mutex when sockets
// sharing the pool run allocate/free from multiple goroutines.
func WithLocker(l sync.Locker) Option {
	return func(p *Pool) { p.mu = l }
}

type nopLocker struct{}

func (nopLocker) Lock()   {}
func (nopLocker) Unlock() {}

// A Pool owns a page-aligned memory region divided into frameCount frames
// of frameSize bytes each and tracks which frames are free. Every frame is
// in exactly one place at any instant: the free set, a ring, or in flight
// with the kernel. The pool enforces its half of that conservation law;
// whoever moves a descriptor onto a ring owns the rest.
type Pool struct {
	mem        []byte
	frameSize  uint32
	frameCount uint32
	headroom   uint32

	mu     sync.Locker
	free   []uint64
	inFree []bool

	// Socket attachment bookkeeping, driven by xsk.Socket.
	shareMu     sync.Mutex
	registrarFD int
	home        *Binding
	attached    int
}

// New allocates a pool of frameCount frames of frameSize bytes. headroom
// is the per-frame byte count the kernel leaves empty ahead of received
// packet data (on top of DriverHeadroom). Every frame starts out free.
func New(frameSize, frameCount, headroom uint32, opts ...Option) (*Pool, error) {
	if frameSize < MinFrameSize || frameSize&(frameSize-1) != 0 {
		return nil, errors.Wrapf(ErrInvalidFrameSize, "got %d", frameSize)
	}
	// Compare in uint64: a headroom near the top of the uint32 range must
	// not wrap past the frame size.
	if uint64(headroom)+DriverHeadroom >= uint64(frameSize) {
		return nil, errors.Wrapf(ErrInvalidFrameSize, "frame size %d leaves no payload space after headroom %d", frameSize, headroom)
	}
	if frameCount == 0 {
		return nil, ErrInvalidCount
	}

	// Mmap keeps the region page-aligned so frames never straddle pages,
	// which some drivers require for zero-copy.
	mem, err := unix.Mmap(-1, 0, int(frameSize)*int(frameCount),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_POPULATE)
	if err != nil {
		return nil, errors.Wrap(err, "mmap of UMEM region failed")
	}

	p := &Pool{
		mem:         mem,
		frameSize:   frameSize,
		frameCount:  frameCount,
		headroom:    headroom,
		mu:          nopLocker{},
		free:        make([]uint64, 0, frameCount),
		inFree:      make([]bool, frameCount),
		registrarFD: -1,
	}
	for i := uint32(0); i < frameCount; i++ {
		p.free = append(p.free, uint64(i)*uint64(frameSize))
		p.inFree[i] = true
	}
	for _, opt := range opts {
		opt(p)
	}

	logrus.WithField("module", "umem").Debugf("pool created: %d frames x %d bytes, headroom %d", frameCount, frameSize, headroom)
	return p, nil
}

// Alloc removes one frame offset from the free set. The caller owns the
// frame until it is handed to a ring or returned with Free.
func (p *Pool) Alloc() (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return 0, ErrPoolExhausted
	}
	addr := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	p.inFree[addr/uint64(p.frameSize)] = false
	return addr, nil
}

// Free returns the frame containing addr to the free set. addr may point
// anywhere inside the frame (receive descriptors carry the frame offset
// plus the headroom offset); it is normalized to the frame base.
//
// Freeing a frame that is already free, or an address outside the region,
// panics: the conservation invariant is broken and no further operation on
// the pool is safe.
func (p *Pool) Free(addr uint64) {
	frame := addr / uint64(p.frameSize)
	if frame >= uint64(p.frameCount) {
		panic(fmt.Sprintf("umem: free of address %#x outside pool of %d frames", addr, p.frameCount))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inFree[frame] {
		panic(fmt.Sprintf("umem: double free of frame %d (address %#x)", frame, addr))
	}
	p.inFree[frame] = true
	p.free = append(p.free, frame*uint64(p.frameSize))
}

// Frame returns the bytes of the region starting at addr. The slice
// aliases the shared region: writes are visible to the kernel. It panics
// if [addr, addr+length) escapes the region.
func (p *Pool) Frame(addr uint64, length uint32) []byte {
	end := addr + uint64(length)
	if end > uint64(len(p.mem)) || end < addr {
		panic(fmt.Sprintf("umem: frame access [%#x, %#x) escapes region of %d bytes", addr, end, len(p.mem)))
	}
	return p.mem[addr:end]
}

// Region returns the whole backing region. Used for UMEM registration.
func (p *Pool) Region() []byte { return p.mem }

// FreeCount returns the number of frames currently in the free set.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// FrameSize returns the fixed per-frame byte count.
func (p *Pool) FrameSize() uint32 { return p.frameSize }

// FrameCount returns the total number of frames in the pool.
func (p *Pool) FrameCount() uint32 { return p.frameCount }

// Headroom returns the configured per-frame headroom.
func (p *Pool) Headroom() uint32 { return p.headroom }

// MarkRegistered records fd as the socket that registered this pool with
// the kernel. Follow-up sockets bind against this descriptor with
// XDP_SHARED_UMEM. Only xsk.Socket calls this.
func (p *Pool) MarkRegistered(fd int) error {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	if p.registrarFD != -1 {
		return errors.New("pool is already registered with a socket")
	}
	p.registrarFD = fd
	return nil
}

// UnmarkRegistered rolls back MarkRegistered after a failed kernel
// registration.
func (p *Pool) UnmarkRegistered() {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	p.registrarFD = -1
}

// RegistrarFD returns the descriptor of the registering socket, if any.
func (p *Pool) RegistrarFD() (int, bool) {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	return p.registrarFD, p.registrarFD != -1
}

// SetHomeBinding records the device/queue pair of the registering
// socket's bind. Only xsk.Socket calls this.
func (p *Pool) SetHomeBinding(device, queue int) {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	p.home = &Binding{Device: device, Queue: queue}
}

// HomeBinding returns the registering socket's binding, if it has bound.
func (p *Pool) HomeBinding() (Binding, bool) {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	if p.home == nil {
		return Binding{}, false
	}
	return *p.home, true
}

// Attach counts a socket attaching to this pool.
func (p *Pool) Attach() {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	p.attached++
}

// Detach counts a socket releasing this pool and reports how many remain
// attached.
func (p *Pool) Detach() int {
	p.shareMu.Lock()
	defer p.shareMu.Unlock()
	if p.attached > 0 {
		p.attached--
	}
	return p.attached
}

// Close releases the backing region. Idempotent. Frames still recorded as
// outstanding are logged: after the owning sockets are closed the kernel
// holds no references, so a nonzero count means the application leaked
// frame bookkeeping, not memory.
func (p *Pool) Close() error {
	if p.mem == nil {
		return nil
	}
	p.mu.Lock()
	outstanding := int(p.frameCount) - len(p.free)
	p.mu.Unlock()
	if outstanding != 0 {
		logrus.WithField("module", "umem").Warnf("pool closed with %d frames not in the free set", outstanding)
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return errors.Wrap(err, "munmap of UMEM region failed")
}
