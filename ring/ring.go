// Package ring implements the single-producer/single-consumer descriptor
// ring shared between an AF_XDP socket and the kernel. One generic
// implementation backs all four queue roles: the fill and completion rings
// carry bare frame offsets (uint64), the receive and transmit rings carry
// full descriptors.
//
// Each ring lives in memory mapped from the socket; the kernel drives one
// side and this package the other. Correctness rests on acquire/release
// ordering of the two shared index words, not on locks: the kernel cannot
// take part in a userspace mutex. Within a process, a Producer or Consumer
// view must be driven by at most one goroutine at a time; synchronizing
// that is the caller's obligation.
//
// Indices increase monotonically and wrap through uint32 arithmetic; slot
// addressing masks them with size-1. producer-consumer (unsigned) is the
// entry count visible to the consumer and never exceeds the ring size.
package ring

import (
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

var (
	// ErrInvalidSize is returned when a ring size is not a power of two.
	ErrInvalidSize = errors.New("ring size must be a nonzero power of two")

	// ErrRegionTooSmall is returned when the mapped region cannot hold
	// the index words and descriptor array the offsets describe.
	ErrRegionTooSmall = errors.New("mapped region too small for ring layout")
)

// Offsets locates the pieces of a ring within its mapped region. The
// values come from the kernel's XDP_MMAP_OFFSETS reply at configuration
// time; they are not constants and differ across kernel versions.
type Offsets struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

type shared[E any] struct {
	mem      []byte
	producer *uint32
	consumer *uint32
	flags    *uint32
	descs    []E
	mask     uint32
	size     uint32
}

func mapShared[E any](mem []byte, off Offsets, size uint32) (shared[E], error) {
	var zero E
	if size == 0 || size&(size-1) != 0 {
		return shared[E]{}, errors.Wrapf(ErrInvalidSize, "got %d", size)
	}
	need := off.Desc + uint64(size)*uint64(unsafe.Sizeof(zero))
	for _, word := range []uint64{off.Producer, off.Consumer, off.Flags} {
		if word+4 > need {
			need = word + 4
		}
	}
	if uint64(len(mem)) < need {
		return shared[E]{}, errors.Wrapf(ErrRegionTooSmall, "need %d bytes, have %d", need, len(mem))
	}

	base := unsafe.Pointer(&mem[0])
	return shared[E]{
		mem:      mem,
		producer: (*uint32)(unsafe.Add(base, off.Producer)),
		consumer: (*uint32)(unsafe.Add(base, off.Consumer)),
		flags:    (*uint32)(unsafe.Add(base, off.Flags)),
		descs:    unsafe.Slice((*E)(unsafe.Add(base, off.Desc)), int(size)),
		mask:     size - 1,
		size:     size,
	}, nil
}

// Size returns the ring capacity.
func (s *shared[E]) Size() uint32 { return s.size }

// Flags returns the kernel-maintained flags word for this ring.
func (s *shared[E]) Flags() uint32 {
	return atomic.LoadUint32(s.flags)
}

// NeedsWakeup reports whether the kernel asked to be woken before it will
// process this ring again (XDP_USE_NEED_WAKEUP mode).
func (s *shared[E]) NeedsWakeup() bool {
	return s.Flags()&unix.XDP_RING_NEED_WAKEUP != 0
}

// A Producer is the writing view of a ring: the fill and transmit rings
// from userspace. The kernel consumes the far side.
type Producer[E any] struct {
	shared[E]

	// cachedProd is the reservation frontier: slots below it are claimed
	// by Reserve but become visible to the consumer only on Submit.
	cachedProd uint32
	// published mirrors *producer; only this view writes that word.
	published uint32
	// cachedCons is the last observed consumer index plus size, so free
	// capacity is cachedCons-cachedProd without re-adding size each time.
	cachedCons uint32
}

// MapProducer interprets mem as a ring of size entries laid out per off
// and returns its producer view. mem must stay mapped for the life of the
// view.
func MapProducer[E any](mem []byte, off Offsets, size uint32) (*Producer[E], error) {
	s, err := mapShared[E](mem, off, size)
	if err != nil {
		return nil, err
	}
	p := &Producer[E]{shared: s}
	p.published = atomic.LoadUint32(s.producer)
	p.cachedProd = p.published
	p.cachedCons = atomic.LoadUint32(s.consumer) + size
	return p, nil
}

// Reserve claims up to n contiguous slots and returns how many were
// claimed and the index of the first. It never blocks: a nearly full ring
// yields fewer than n, possibly zero. Reserved slots are invisible to the
// consumer until Submit.
func (p *Producer[E]) Reserve(n uint32) (reserved, index uint32) {
	if free := p.free(n); free < n {
		n = free
	}
	index = p.cachedProd
	p.cachedProd += n
	return n, index
}

func (p *Producer[E]) free(want uint32) uint32 {
	if avail := p.cachedCons - p.cachedProd; avail >= want {
		return avail
	}
	// Refresh the kernel's consumer index; acquire pairs with the
	// kernel's release when it returns slots.
	p.cachedCons = atomic.LoadUint32(p.consumer) + p.size
	return p.cachedCons - p.cachedProd
}

// Write fills a reserved slot. index comes from Reserve; the caller may
// write the batch in any order before Submit.
func (p *Producer[E]) Write(index uint32, e E) {
	p.descs[index&p.mask] = e
}

// Submit publishes the next n written slots by advancing the shared
// producer index. The release store orders every Write before the index
// update, so the consumer never observes a partially written descriptor.
// Every reserved slot must be written and submitted; submitting more or
// fewer slots than were reserved leaves a gap the consumer would read as
// garbage.
func (p *Producer[E]) Submit(n uint32) {
	p.published += n
	atomic.StoreUint32(p.producer, p.published)
}

// Free reports how many slots could currently be reserved.
func (p *Producer[E]) Free() uint32 {
	return p.free(p.size)
}

// A Consumer is the reading view of a ring: the receive and completion
// rings from userspace. The kernel produces the far side.
type Consumer[E any] struct {
	shared[E]

	// cachedProd is the last observed producer index.
	cachedProd uint32
	// cachedCons is the peek frontier: entries below it have been handed
	// out by Peek but stay counted against the producer until Release.
	cachedCons uint32
	// released mirrors *consumer; only this view writes that word.
	released uint32
}

// MapConsumer interprets mem as a ring of size entries laid out per off
// and returns its consumer view.
func MapConsumer[E any](mem []byte, off Offsets, size uint32) (*Consumer[E], error) {
	s, err := mapShared[E](mem, off, size)
	if err != nil {
		return nil, err
	}
	c := &Consumer[E]{shared: s}
	c.released = atomic.LoadUint32(s.consumer)
	c.cachedCons = c.released
	c.cachedProd = atomic.LoadUint32(s.producer)
	return c, nil
}

// Peek reports up to n entries available to read and the index of the
// first. It never blocks: an empty ring yields zero. Each entry is
// returned by Peek exactly once; read it before the matching Release.
func (c *Consumer[E]) Peek(n uint32) (available, index uint32) {
	avail := c.available()
	if avail < n {
		n = avail
	}
	index = c.cachedCons
	c.cachedCons += n
	return n, index
}

func (c *Consumer[E]) available() uint32 {
	entries := c.cachedProd - c.cachedCons
	if entries == 0 {
		// Acquire pairs with the kernel's release publish, making its
		// descriptor writes visible before we read them.
		c.cachedProd = atomic.LoadUint32(c.producer)
		entries = c.cachedProd - c.cachedCons
	}
	return entries
}

// Read returns the descriptor at index, as handed out by Peek.
func (c *Consumer[E]) Read(index uint32) E {
	return c.descs[index&c.mask]
}

// Release returns n consumed slots to the producer by advancing the
// shared consumer index. Call it only after the corresponding Reads: the
// producer may overwrite released slots immediately.
func (c *Consumer[E]) Release(n uint32) {
	c.released += n
	atomic.StoreUint32(c.consumer, c.released)
}

// Available reports how many entries could currently be peeked.
func (c *Consumer[E]) Available() uint32 {
	return c.available()
}
