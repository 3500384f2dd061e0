package xsk

import "github.com/pkg/errors"

var (
	// ErrNoPool is returned when rings are configured or a bind is
	// attempted before a pool has been attached.
	ErrNoPool = errors.New("no frame pool attached to socket")

	// ErrPoolAlreadyRegistered is returned when a second pool is
	// registered or shared on a socket that already has one.
	ErrPoolAlreadyRegistered = errors.New("socket already has a frame pool")

	// ErrAlreadyConfigured is returned by ConfigureRings on a socket
	// whose rings are already set up.
	ErrAlreadyConfigured = errors.New("socket rings already configured")

	// ErrInvalidRingSize is returned when a requested ring capacity is
	// not a power of two, or a required ring is omitted.
	ErrInvalidRingSize = errors.New("ring size must be a power of two")

	// ErrNotConfigured is returned when an operation needs a ring the
	// socket does not have.
	ErrNotConfigured = errors.New("socket rings not configured")

	// ErrAlreadyBound is returned when binding a socket that is already
	// bound.
	ErrAlreadyBound = errors.New("socket already bound")

	// ErrNotBound is returned by descriptor exchange calls made before
	// the socket is bound.
	ErrNotBound = errors.New("socket not bound")

	// ErrBindRejected is returned when a bind violates the kernel's
	// rules. The wrapped message names the rule; the non-obvious one is
	// that a socket sharing a pool bound elsewhere must bring its own
	// fill and completion rings, which the kernel otherwise reports as a
	// bare EINVAL at bind time with no earlier warning.
	ErrBindRejected = errors.New("bind rejected")

	// ErrUmemRegistration is returned when the kernel refuses the UMEM
	// geometry.
	ErrUmemRegistration = errors.New("UMEM registration failed")

	// ErrClosed is returned by operations on a closed socket. Close
	// itself is idempotent and never returns it.
	ErrClosed = errors.New("socket closed")
)
