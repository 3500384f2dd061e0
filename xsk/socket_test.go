package xsk

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ringtide/ring"
	"ringtide/umem"
)

var testOffsets = ring.Offsets{Producer: 0, Consumer: 4, Flags: 8, Desc: 16}

// simKernel drives the far side of a socket's rings: it consumes the fill
// and tx rings and produces onto the rx and completion rings, over the
// same memory the socket's views are mapped on.
type simKernel struct {
	fill       *ring.Consumer[uint64]
	completion *ring.Producer[uint64]
	rx         *ring.Producer[Desc]
	tx         *ring.Consumer[Desc]
}

// receive moves n frames from the fill ring to the rx ring, as the kernel
// does when packets of pktLen bytes arrive.
func (k *simKernel) receive(t *testing.T, n uint32, pktLen uint32) {
	t.Helper()
	got, idx := k.fill.Peek(n)
	require.Equal(t, n, got)
	sent, sidx := k.rx.Reserve(n)
	require.Equal(t, n, sent)
	for i := uint32(0); i < n; i++ {
		k.rx.Write(sidx+i, Desc{Addr: k.fill.Read(idx + i), Len: pktLen})
	}
	k.rx.Submit(n)
	k.fill.Release(n)
}

// send moves n frames from the tx ring to the completion ring, as the
// kernel does when it finishes transmitting.
func (k *simKernel) send(t *testing.T, n uint32) {
	t.Helper()
	got, idx := k.tx.Peek(n)
	require.Equal(t, n, got)
	sent, sidx := k.completion.Reserve(n)
	require.Equal(t, n, sent)
	for i := uint32(0); i < n; i++ {
		k.completion.Write(sidx+i, k.tx.Read(idx+i).Addr)
	}
	k.completion.Submit(n)
	k.tx.Release(n)
}

func testRingMem(entrySize uintptr, size uint32) []byte {
	return make([]byte, int(testOffsets.Desc)+int(entrySize)*int(size))
}

// newTestSocket builds a bound socket whose rings live in plain heap
// memory, plus the kernel-side views over the same memory. No syscalls
// are involved: the fd is invalid and never used because the need-wakeup
// flag words stay clear.
func newTestSocket(t *testing.T, pool *umem.Pool, ringSize uint32) (*Socket, *simKernel) {
	t.Helper()

	fillMem := testRingMem(8, ringSize)
	compMem := testRingMem(8, ringSize)
	rxMem := testRingMem(unsafe.Sizeof(Desc{}), ringSize)
	txMem := testRingMem(unsafe.Sizeof(Desc{}), ringSize)

	s := &Socket{fd: -1, state: StateBound, pool: pool, registrar: true, needWakeup: true}
	var err error
	s.fill, err = ring.MapProducer[uint64](fillMem, testOffsets, ringSize)
	require.NoError(t, err)
	s.completion, err = ring.MapConsumer[uint64](compMem, testOffsets, ringSize)
	require.NoError(t, err)
	s.rx, err = ring.MapConsumer[Desc](rxMem, testOffsets, ringSize)
	require.NoError(t, err)
	s.tx, err = ring.MapProducer[Desc](txMem, testOffsets, ringSize)
	require.NoError(t, err)
	s.rxDescs = make([]Desc, 0, ringSize)
	pool.Attach()

	k := &simKernel{}
	k.fill, err = ring.MapConsumer[uint64](fillMem, testOffsets, ringSize)
	require.NoError(t, err)
	k.completion, err = ring.MapProducer[uint64](compMem, testOffsets, ringSize)
	require.NoError(t, err)
	k.rx, err = ring.MapProducer[Desc](rxMem, testOffsets, ringSize)
	require.NoError(t, err)
	k.tx, err = ring.MapConsumer[Desc](txMem, testOffsets, ringSize)
	require.NoError(t, err)
	return s, k
}

func TestFillReceiveScenario(t *testing.T) {
	pool, err := umem.New(2048, 4, 0)
	require.NoError(t, err)
	s, k := newTestSocket(t, pool, 4)
	defer s.Close()

	descs := s.GetDescs(4)
	require.Len(t, descs, 4)
	assert.Equal(t, 0, pool.FreeCount())

	n, err := s.Fill(descs)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, 4, s.FillOutstanding())

	// The kernel fills two frames and publishes them on the rx ring.
	k.receive(t, 2, 60)

	rx, err := s.Receive(10)
	require.NoError(t, err)
	require.Len(t, rx, 2)
	for _, d := range rx {
		assert.Equal(t, uint32(60), d.Len)
		pool.Free(d.Addr)
	}

	assert.Equal(t, 2, pool.FreeCount())
	assert.Equal(t, 2, s.FillOutstanding())
}

func TestTransmitComplete(t *testing.T) {
	pool, err := umem.New(2048, 4, 0)
	require.NoError(t, err)
	s, k := newTestSocket(t, pool, 4)
	defer s.Close()

	descs := s.GetDescs(2)
	require.Len(t, descs, 2)
	for i := range descs {
		frame := s.GetFrame(descs[i])
		frame[0] = byte(i)
		descs[i].Len = 64
	}

	n, err := s.Transmit(descs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, s.TxOutstanding())

	k.send(t, 2)

	completed, err := s.Complete(10)
	require.NoError(t, err)
	assert.Equal(t, 2, completed)
	assert.Equal(t, 0, s.TxOutstanding())
	assert.Equal(t, 4, pool.FreeCount())
}

func TestRingFullIsOrdinary(t *testing.T) {
	pool, err := umem.New(2048, 8, 0)
	require.NoError(t, err)
	s, _ := newTestSocket(t, pool, 4)
	defer s.Close()

	descs := s.GetDescs(6)
	require.Len(t, descs, 6)

	n, err := s.Fill(descs)
	require.NoError(t, err)
	assert.Equal(t, 4, n, "a full fill ring accepts fewer descriptors, not an error")

	// The caller keeps the frames the ring did not take.
	for _, d := range descs[n:] {
		pool.Free(d.Addr)
	}
	assert.Equal(t, 4, pool.FreeCount())
}

func TestNegativeMaxConsumesNothing(t *testing.T) {
	pool, err := umem.New(2048, 4, 0)
	require.NoError(t, err)
	s, k := newTestSocket(t, pool, 4)
	defer s.Close()

	n, err := s.Fill(s.GetDescs(2))
	require.NoError(t, err)
	require.Equal(t, 2, n)
	k.receive(t, 2, 60)

	rx, err := s.Receive(-1)
	require.NoError(t, err)
	assert.Empty(t, rx)

	completed, err := s.Complete(-1)
	require.NoError(t, err)
	assert.Zero(t, completed)

	// The entries are still there for a caller with a real bound.
	rx, err = s.Receive(4)
	require.NoError(t, err)
	assert.Len(t, rx, 2)
}

func TestExchangeBeforeBind(t *testing.T) {
	s := &Socket{fd: -1, state: StateCreated}

	_, err := s.Fill([]Desc{{}})
	assert.ErrorIs(t, err, ErrNotBound)
	_, err = s.Receive(1)
	assert.ErrorIs(t, err, ErrNotBound)
	_, err = s.Transmit([]Desc{{}})
	assert.ErrorIs(t, err, ErrNotBound)
	_, err = s.Complete(1)
	assert.ErrorIs(t, err, ErrNotBound)
	_, _, err = s.Poll(0)
	assert.ErrorIs(t, err, ErrNotBound)
}

func TestSharedBindRule(t *testing.T) {
	home := umem.Binding{Device: 1, Queue: 1}
	cases := []struct {
		name             string
		hasHome          bool
		device, queue    int
		hasFill, hasComp bool
		rejected         bool
	}{
		{"no home binding yet", false, 1, 2, false, false, false},
		{"same device and queue without own rings", true, 1, 1, false, false, false},
		{"other queue without own rings", true, 1, 2, false, false, true},
		{"other queue with only fill ring", true, 1, 2, true, false, true},
		{"other queue with only completion ring", true, 1, 2, false, true, true},
		{"other queue with own rings", true, 1, 2, true, true, false},
		{"other device with own rings", true, 2, 1, true, true, false},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := sharedBindError(home, c.hasHome, c.device, c.queue, c.hasFill, c.hasComp)
			if c.rejected {
				assert.ErrorIs(t, err, ErrBindRejected)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestStateMachine(t *testing.T) {
	pool, err := umem.New(2048, 2, 0)
	require.NoError(t, err)
	defer pool.Close()

	t.Run("second pool rejected", func(t *testing.T) {
		s := &Socket{fd: -1, state: StatePoolAttached}
		assert.ErrorIs(t, s.RegisterPool(pool), ErrPoolAlreadyRegistered)
		assert.ErrorIs(t, s.SharePool(pool), ErrPoolAlreadyRegistered)
	})

	t.Run("nil pool rejected", func(t *testing.T) {
		s := &Socket{fd: -1, state: StateCreated}
		assert.ErrorIs(t, s.RegisterPool(nil), ErrNoPool)
		assert.ErrorIs(t, s.SharePool(nil), ErrNoPool)
	})

	t.Run("rings before pool", func(t *testing.T) {
		s := &Socket{fd: -1, state: StateCreated}
		assert.ErrorIs(t, s.ConfigureRings(DefaultRingConfig), ErrNoPool)
	})

	t.Run("bind before rings", func(t *testing.T) {
		s := &Socket{fd: -1, state: StatePoolAttached}
		assert.ErrorIs(t, s.Bind(1, 0), ErrNotConfigured)
	})

	t.Run("rebind rejected", func(t *testing.T) {
		s := &Socket{fd: -1, state: StateBound}
		assert.ErrorIs(t, s.Bind(1, 0), ErrAlreadyBound)
	})

	t.Run("operations on closed socket", func(t *testing.T) {
		s := &Socket{fd: -1, state: StateClosed}
		assert.ErrorIs(t, s.RegisterPool(pool), ErrClosed)
		assert.ErrorIs(t, s.ConfigureRings(DefaultRingConfig), ErrClosed)
		assert.ErrorIs(t, s.Bind(1, 0), ErrClosed)
		_, err := s.Fill(nil)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestValidateRingConfig(t *testing.T) {
	cases := []struct {
		name      string
		cfg       RingConfig
		registrar bool
		ok        bool
	}{
		{"defaults", DefaultRingConfig, true, true},
		{"not a power of two", RingConfig{64, 64, 48, 64}, true, false},
		{"no rx and no tx", RingConfig{64, 64, 0, 0}, true, false},
		{"registrar without fill", RingConfig{0, 64, 64, 64}, true, false},
		{"registrar without completion", RingConfig{64, 0, 64, 64}, true, false},
		{"sharer without fill/completion", RingConfig{0, 0, 64, 64}, false, true},
		{"rx only sharer", RingConfig{0, 0, 64, 0}, false, true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			err := validateRingConfig(c.cfg, c.registrar)
			if c.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidRingSize)
			}
		})
	}
}

func TestCloseIdempotent(t *testing.T) {
	pool, err := umem.New(2048, 4, 0)
	require.NoError(t, err)
	s, _ := newTestSocket(t, pool, 4)

	require.NoError(t, s.Close())
	assert.Equal(t, StateClosed, s.State())
	assert.NoError(t, s.Close(), "closing twice is a no-op")
}

func TestCloseKeepsSharedPool(t *testing.T) {
	pool, err := umem.New(2048, 4, 0)
	require.NoError(t, err)

	a, _ := newTestSocket(t, pool, 4)
	b, _ := newTestSocket(t, pool, 4)
	b.registrar = false

	require.NoError(t, b.Close())
	assert.NotNil(t, pool.Region(), "pool survives while a socket is attached")

	require.NoError(t, a.Close())
	assert.Nil(t, pool.Region(), "last close releases the pool")
}
