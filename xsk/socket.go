// Copyright 2019 Asavie Technologies Ltd. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file in the root of the source
// tree.

// Package xsk implements AF_XDP sockets: zero-copy packet I/O between a
// network device queue and a shared frame pool, coordinated through four
// lock-free rings mapped from the socket.
//
// A Socket couples one umem.Pool with fill, completion, rx and tx rings
// and binds them to a device/queue pair. The first socket registers the
// pool; further sockets may share it, subject to the kernel's rule that a
// sharer binding to a different device/queue pair must bring its own fill
// and completion rings.
package xsk

import (
	"unsafe"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"ringtide/ring"
	"ringtide/umem"
)

// A Socket is an implementation of the AF_XDP Linux socket type for
// exchanging packet frames with a device queue.
type Socket struct {
	fd    int
	state State

	pool      *umem.Pool
	registrar bool

	ifindex int
	queueID int

	cfg        RingConfig
	fill       *ring.Producer[uint64]
	completion *ring.Consumer[uint64]
	rx         *ring.Consumer[Desc]
	tx         *ring.Producer[Desc]
	ringMems   [][]byte

	// needWakeup records whether the socket was bound with
	// XDP_USE_NEED_WAKEUP; without it the kernel must be kicked on every
	// transmit batch.
	needWakeup bool

	// Frames on the fill/tx rings or in flight with the kernel.
	numFilled      int
	numTransmitted int

	rxDescs []Desc

	countFilled      uint64
	countReceived    uint64
	countTransmitted uint64
	countCompleted   uint64
}

// NewSocket creates an unbound AF_XDP socket. The caller walks it through
// RegisterPool or SharePool, ConfigureRings and Bind before exchanging
// descriptors.
func NewSocket() (*Socket, error) {
	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrap(err, "AF_XDP socket creation failed")
	}
	return &Socket{fd: fd, state: StateCreated}, nil
}

// RegisterPool registers p with the kernel through this socket, making it
// the pool's registering socket. Other sockets share the pool by binding
// against this socket's descriptor.
func (s *Socket) RegisterPool(p *umem.Pool) error {
	switch s.state {
	case StateCreated:
	case StateClosed:
		return ErrClosed
	default:
		return ErrPoolAlreadyRegistered
	}
	if p == nil {
		return ErrNoPool
	}
	if err := p.MarkRegistered(s.fd); err != nil {
		return errors.Wrap(ErrUmemRegistration, err.Error())
	}

	region := p.Region()
	reg := unix.XDPUmemReg{
		Addr:     uint64(uintptr(unsafe.Pointer(&region[0]))),
		Len:      uint64(len(region)),
		Size:     p.FrameSize(),
		Headroom: p.Headroom(),
	}
	rc, _, errno := unix.Syscall6(unix.SYS_SETSOCKOPT, uintptr(s.fd),
		unix.SOL_XDP, unix.XDP_UMEM_REG,
		uintptr(unsafe.Pointer(&reg)),
		unsafe.Sizeof(reg), 0)
	if rc != 0 {
		p.UnmarkRegistered()
		return errors.Wrapf(ErrUmemRegistration, "setsockopt XDP_UMEM_REG: %v", errno)
	}

	p.Attach()
	s.pool = p
	s.registrar = true
	s.state = StatePoolAttached
	logrus.WithField("module", "xsk").Debugf("fd %d registered pool of %d frames", s.fd, p.FrameCount())
	return nil
}

// SharePool attaches p, already registered by another socket, to this
// socket. No syscall happens here; the sharing takes effect at Bind via
// XDP_SHARED_UMEM.
func (s *Socket) SharePool(p *umem.Pool) error {
	switch s.state {
	case StateCreated:
	case StateClosed:
		return ErrClosed
	default:
		return ErrPoolAlreadyRegistered
	}
	if p == nil {
		return ErrNoPool
	}
	p.Attach()
	s.pool = p
	s.registrar = false
	s.state = StatePoolAttached
	return nil
}

// ConfigureRings sizes and maps the socket's rings. A zero cfg selects
// DefaultRingConfig. Capacities must be powers of two; the registering
// socket must configure all four rings, a sharing socket may omit fill
// and completion (restricting where it can bind).
func (s *Socket) ConfigureRings(cfg RingConfig) error {
	switch s.state {
	case StatePoolAttached:
	case StateClosed:
		return ErrClosed
	case StateCreated:
		return ErrNoPool
	default:
		return ErrAlreadyConfigured
	}
	if cfg == (RingConfig{}) {
		cfg = DefaultRingConfig
	}
	if err := validateRingConfig(cfg, s.registrar); err != nil {
		return err
	}

	type ringSetup struct {
		name    string
		size    uint32
		sockopt int
	}
	for _, r := range []ringSetup{
		{"fill", cfg.FillSize, unix.XDP_UMEM_FILL_RING},
		{"completion", cfg.CompletionSize, unix.XDP_UMEM_COMPLETION_RING},
		{"rx", cfg.RxSize, unix.XDP_RX_RING},
		{"tx", cfg.TxSize, unix.XDP_TX_RING},
	} {
		if r.size == 0 {
			continue
		}
		if err := unix.SetsockoptInt(s.fd, unix.SOL_XDP, r.sockopt, int(r.size)); err != nil {
			return errors.Wrapf(err, "setsockopt %s ring size failed", r.name)
		}
	}

	// The kernel decides where the index words, flags word and
	// descriptor array live within each ring mapping; never assume
	// fixed offsets.
	var off unix.XDPMmapOffsets
	vallen := uint32(unsafe.Sizeof(off))
	rc, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT, uintptr(s.fd),
		unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		uintptr(unsafe.Pointer(&off)),
		uintptr(unsafe.Pointer(&vallen)), 0)
	if rc != 0 {
		return errors.Wrapf(errno, "getsockopt XDP_MMAP_OFFSETS failed")
	}

	if cfg.FillSize > 0 {
		mem, err := s.mapRing(unix.XDP_UMEM_PGOFF_FILL_RING, off.Fr, cfg.FillSize, 8)
		if err != nil {
			return errors.Wrap(err, "mmap of fill ring failed")
		}
		s.fill, err = ring.MapProducer[uint64](mem, ringOffsets(off.Fr), cfg.FillSize)
		if err != nil {
			return err
		}
	}
	if cfg.CompletionSize > 0 {
		mem, err := s.mapRing(unix.XDP_UMEM_PGOFF_COMPLETION_RING, off.Cr, cfg.CompletionSize, 8)
		if err != nil {
			return errors.Wrap(err, "mmap of completion ring failed")
		}
		s.completion, err = ring.MapConsumer[uint64](mem, ringOffsets(off.Cr), cfg.CompletionSize)
		if err != nil {
			return err
		}
	}
	if cfg.RxSize > 0 {
		mem, err := s.mapRing(unix.XDP_PGOFF_RX_RING, off.Rx, cfg.RxSize, uint64(unsafe.Sizeof(Desc{})))
		if err != nil {
			return errors.Wrap(err, "mmap of rx ring failed")
		}
		s.rx, err = ring.MapConsumer[Desc](mem, ringOffsets(off.Rx), cfg.RxSize)
		if err != nil {
			return err
		}
		s.rxDescs = make([]Desc, 0, cfg.RxSize)
	}
	if cfg.TxSize > 0 {
		mem, err := s.mapRing(unix.XDP_PGOFF_TX_RING, off.Tx, cfg.TxSize, uint64(unsafe.Sizeof(Desc{})))
		if err != nil {
			return errors.Wrap(err, "mmap of tx ring failed")
		}
		s.tx, err = ring.MapProducer[Desc](mem, ringOffsets(off.Tx), cfg.TxSize)
		if err != nil {
			return err
		}
	}

	s.cfg = cfg
	s.state = StateRingsConfigured
	return nil
}

func validateRingConfig(cfg RingConfig, registrar bool) error {
	if cfg.RxSize == 0 && cfg.TxSize == 0 {
		return errors.Wrap(ErrInvalidRingSize, "at least one of rx and tx rings is required")
	}
	if registrar && (cfg.FillSize == 0 || cfg.CompletionSize == 0) {
		return errors.Wrap(ErrInvalidRingSize, "the registering socket must configure fill and completion rings")
	}
	for _, size := range []uint32{cfg.FillSize, cfg.CompletionSize, cfg.RxSize, cfg.TxSize} {
		if size != 0 && size&(size-1) != 0 {
			return errors.Wrapf(ErrInvalidRingSize, "got %d", size)
		}
	}
	return nil
}

func (s *Socket) mapRing(pgoff int64, off unix.XDPRingOffset, size uint32, entryBytes uint64) ([]byte, error) {
	mem, err := unix.Mmap(s.fd, pgoff,
		int(off.Desc+uint64(size)*entryBytes),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return nil, err
	}
	s.ringMems = append(s.ringMems, mem)
	return mem, nil
}

func ringOffsets(off unix.XDPRingOffset) ring.Offsets {
	return ring.Offsets{
		Producer: off.Producer,
		Consumer: off.Consumer,
		Desc:     off.Desc,
		Flags:    off.Flags,
	}
}

// Bind attaches the socket to a device/queue pair and makes it ready for
// descriptor exchange.
//
// The registering socket binds anywhere and becomes the pool's home
// binding. A sharing socket binding to a different device/queue pair than
// the home binding must have its own fill and completion rings; omitting
// them fails with ErrBindRejected before the syscall, reproducing the
// kernel's otherwise silent EINVAL.
func (s *Socket) Bind(ifindex, queueID int) error {
	switch s.state {
	case StateRingsConfigured:
	case StateClosed:
		return ErrClosed
	case StateBound:
		return ErrAlreadyBound
	default:
		return ErrNotConfigured
	}

	sa := unix.SockaddrXDP{
		Ifindex: uint32(ifindex),
		QueueID: uint32(queueID),
	}
	if s.registrar {
		sa.Flags = DefaultSocketFlags
	} else {
		regFD, ok := s.pool.RegistrarFD()
		if !ok {
			return errors.Wrap(ErrBindRejected, "shared pool is not registered with any socket")
		}
		home, hasHome := s.pool.HomeBinding()
		if err := sharedBindError(home, hasHome, ifindex, queueID, s.fill != nil, s.completion != nil); err != nil {
			return err
		}
		sa.Flags = unix.XDP_SHARED_UMEM
		sa.SharedUmemFD = uint32(regFD)
	}

	if err := unix.Bind(s.fd, &sa); err != nil {
		return errors.Wrapf(ErrBindRejected, "bind to device %d queue %d: %v", ifindex, queueID, err)
	}

	if s.registrar {
		s.pool.SetHomeBinding(ifindex, queueID)
	}
	s.needWakeup = sa.Flags&unix.XDP_USE_NEED_WAKEUP != 0
	s.ifindex = ifindex
	s.queueID = queueID
	s.state = StateBound
	logrus.WithField("module", "xsk").Infof("fd %d bound to device %d queue %d (shared=%v)", s.fd, ifindex, queueID, !s.registrar)
	return nil
}

// sharedBindError checks the shared-pool rule in isolation: a socket
// sharing a pool whose home binding is a different device/queue pair must
// supply its own fill and completion rings.
func sharedBindError(home umem.Binding, hasHome bool, ifindex, queueID int, hasFill, hasCompletion bool) error {
	if !hasHome {
		return nil
	}
	if home.Device == ifindex && home.Queue == queueID {
		return nil
	}
	if hasFill && hasCompletion {
		return nil
	}
	return errors.Wrap(ErrBindRejected,
		"socket sharing a pool bound to a different device/queue pair must configure its own fill and completion rings")
}

func (s *Socket) exchangeReady() error {
	switch s.state {
	case StateBound:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotBound
	}
}

// Fill offers the given frames to the kernel for packet reception. The
// descriptors come from GetDescs or from a prior Receive. It returns how
// many were actually put onto the fill ring; a full ring is an ordinary
// condition, not an error.
func (s *Socket) Fill(descs []Desc) (int, error) {
	if err := s.exchangeReady(); err != nil {
		return 0, err
	}
	if s.fill == nil {
		return 0, errors.Wrap(ErrNotConfigured, "socket has no fill ring")
	}

	n, idx := s.fill.Reserve(uint32(len(descs)))
	for i := uint32(0); i < n; i++ {
		s.fill.Write(idx+i, descs[i].Addr)
	}
	s.fill.Submit(n)
	s.numFilled += int(n)
	s.countFilled += uint64(n)

	if s.fill.NeedsWakeup() {
		if err := s.wakeRx(); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// Receive consumes up to max filled descriptors from the rx ring. The
// returned slice is reused across calls; the frames it names belong to
// the caller until re-Filled, Transmitted, or freed back to the pool.
func (s *Socket) Receive(max int) ([]Desc, error) {
	if err := s.exchangeReady(); err != nil {
		return nil, err
	}
	if s.rx == nil {
		return nil, errors.Wrap(ErrNotConfigured, "socket has no rx ring")
	}
	if max < 0 {
		max = 0
	}

	n, idx := s.rx.Peek(uint32(max))
	out := s.rxDescs[:0]
	for i := uint32(0); i < n; i++ {
		out = append(out, s.rx.Read(idx+i))
	}
	s.rx.Release(n)
	s.numFilled -= int(n)
	s.countReceived += uint64(n)
	return out, nil
}

// Transmit queues the given descriptors for sending and wakes the kernel.
// It returns how many descriptors were actually put onto the tx ring; the
// frames of queued descriptors belong to the kernel until they reappear
// on the completion ring.
func (s *Socket) Transmit(descs []Desc) (int, error) {
	if err := s.exchangeReady(); err != nil {
		return 0, err
	}
	if s.tx == nil {
		return 0, errors.Wrap(ErrNotConfigured, "socket has no tx ring")
	}

	n, idx := s.tx.Reserve(uint32(len(descs)))
	for i := uint32(0); i < n; i++ {
		s.tx.Write(idx+i, descs[i])
	}
	s.tx.Submit(n)
	s.numTransmitted += int(n)
	s.countTransmitted += uint64(n)

	// Without XDP_USE_NEED_WAKEUP the kernel only transmits when kicked;
	// with it, only when it asked to be woken.
	if !s.needWakeup || s.tx.NeedsWakeup() {
		if err := s.kickTx(); err != nil {
			return int(n), err
		}
	}
	return int(n), nil
}

// Complete consumes up to max descriptors from the completion ring and
// returns their frames to the pool's free set. It reports how many frames
// were reclaimed.
func (s *Socket) Complete(max int) (int, error) {
	if err := s.exchangeReady(); err != nil {
		return 0, err
	}
	if s.completion == nil {
		return 0, errors.Wrap(ErrNotConfigured, "socket has no completion ring")
	}
	if max < 0 {
		max = 0
	}

	n, idx := s.completion.Peek(uint32(max))
	for i := uint32(0); i < n; i++ {
		s.pool.Free(s.completion.Read(idx + i))
	}
	s.completion.Release(n)
	s.numTransmitted -= int(n)
	s.countCompleted += uint64(n)
	return int(n), nil
}

// wakeRx pokes the kernel's rx side. The wakeup flag on the fill ring
// means the rx path needs waking, which a dummy recvfrom does; see
// https://github.com/torvalds/linux/commit/77cd0d7b3f257fd0e3096b4fdcff1a7d38e99e10
func (s *Socket) wakeRx() error {
	for {
		_, _, err := unix.Recvfrom(s.fd, nil, unix.MSG_DONTWAIT)
		switch err {
		case unix.EINTR:
			// try again
		case unix.EAGAIN, nil:
			return nil
		default:
			return errors.Wrap(err, "fill ring wakeup failed")
		}
	}
}

// kickTx tells the kernel to start draining the tx ring.
func (s *Socket) kickTx() error {
	for {
		rc, _, errno := unix.Syscall6(unix.SYS_SENDTO,
			uintptr(s.fd), 0, 0,
			uintptr(unix.MSG_DONTWAIT), 0, 0)
		if rc == 0 {
			return nil
		}
		switch errno {
		case unix.EINTR:
			// try again
		case unix.EAGAIN, unix.EBUSY, unix.ENOBUFS:
			// Completed but not yet sent, or tx temporarily out of
			// resources; the completion ring will catch up.
			return nil
		default:
			return errors.Wrapf(errno, "tx kick failed")
		}
	}
}

// Poll blocks until the kernel has received or completed some frames that
// were previously submitted with Fill or Transmit, or until timeout (in
// milliseconds, -1 for none). numReceived bounds a subsequent Receive
// call; completions are reclaimed into the pool before returning.
func (s *Socket) Poll(timeout int) (numReceived, numCompleted int, err error) {
	if err := s.exchangeReady(); err != nil {
		return 0, 0, err
	}

	var events int16
	if s.numFilled > 0 {
		events |= unix.POLLIN
	}
	if s.numTransmitted > 0 {
		events |= unix.POLLOUT
	}
	if events == 0 {
		return 0, 0, nil
	}

	pfds := [1]unix.PollFd{{Fd: int32(s.fd), Events: events}}
	for err = unix.EINTR; err == unix.EINTR; {
		_, err = unix.Poll(pfds[:], timeout)
	}
	if err != nil {
		return 0, 0, errors.Wrap(err, "poll failed")
	}

	if s.rx != nil {
		numReceived = int(s.rx.Available())
	}
	if s.completion != nil {
		if numCompleted, err = s.Complete(int(s.completion.Size())); err != nil {
			return numReceived, 0, err
		}
	}
	return numReceived, numCompleted, nil
}

// GetDescs allocates up to n free frames from the pool and returns them
// as descriptors spanning a whole frame each, ready for Fill. Fewer than
// n (possibly zero) are returned when the pool runs dry.
func (s *Socket) GetDescs(n int) []Desc {
	if s.pool == nil {
		return nil
	}
	descs := make([]Desc, 0, n)
	for i := 0; i < n; i++ {
		addr, err := s.pool.Alloc()
		if err != nil {
			break
		}
		descs = append(descs, Desc{Addr: addr, Len: s.pool.FrameSize()})
	}
	return descs
}

// GetFrame returns the buffer of the frame d points into. The slice
// aliases the shared pool region, so writes modify the frame contents.
func (s *Socket) GetFrame(d Desc) []byte {
	return s.pool.Frame(d.Addr, d.Len)
}

// FD returns the socket's file descriptor, usable with external polling
// and as a Redirect Map value.
func (s *Socket) FD() int { return s.fd }

// State returns the socket's lifecycle state.
func (s *Socket) State() State { return s.state }

// Pool returns the attached frame pool, or nil before attachment.
func (s *Socket) Pool() *umem.Pool { return s.pool }

// FillOutstanding returns how many descriptors sit on the fill ring or in
// flight with the kernel, not yet returned through Receive.
func (s *Socket) FillOutstanding() int { return s.numFilled }

// TxOutstanding returns how many descriptors sit on the tx ring or in
// flight with the kernel, not yet returned through Complete.
func (s *Socket) TxOutstanding() int { return s.numTransmitted }

// Stats returns the socket's cumulative counters plus the in-kernel
// XDP_STATISTICS counters.
func (s *Socket) Stats() (Stats, error) {
	stats := Stats{
		Filled:      s.countFilled,
		Received:    s.countReceived,
		Transmitted: s.countTransmitted,
		Completed:   s.countCompleted,
	}
	size := uint32(unsafe.Sizeof(stats.KernelStats))
	rc, _, errno := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(s.fd),
		unix.SOL_XDP, unix.XDP_STATISTICS,
		uintptr(unsafe.Pointer(&stats.KernelStats)),
		uintptr(unsafe.Pointer(&size)), 0)
	if rc != 0 {
		return stats, errors.Wrapf(errno, "getsockopt XDP_STATISTICS failed")
	}
	return stats, nil
}

// Close releases the socket. Closing the descriptor is the kernel-side
// reclamation point: only after it returns are the ring mappings released
// and the pool detached, so the shared regions are never reused while the
// kernel may still touch them. For a shared pool only this socket's own
// ring memory goes away; the pool itself is released when its last
// attached socket closes. Close is idempotent.
func (s *Socket) Close() error {
	if s.state == StateClosed {
		return nil
	}

	var firstErr error
	if s.fd >= 0 {
		if err := unix.Close(s.fd); err != nil {
			firstErr = errors.Wrap(err, "closing XDP socket failed")
		}
		s.fd = -1
	}

	for _, mem := range s.ringMems {
		if err := unix.Munmap(mem); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "unmapping ring memory failed")
		}
	}
	s.ringMems = nil
	s.fill, s.completion, s.rx, s.tx = nil, nil, nil, nil

	if s.pool != nil {
		if remaining := s.pool.Detach(); remaining == 0 {
			if err := s.pool.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		s.pool = nil
	}

	s.state = StateClosed
	return firstErr
}
