// Package xskmap wraps the kernel XSKMAP, the lookup structure an XDP
// program uses to steer packets to an AF_XDP socket by receive-queue
// index. The library only inserts and removes entries; the map itself is
// owned by the loaded program.
//
// The kernel does not order map insertion against socket binding: an
// entry may legally be inserted before the socket's bind completes, and
// packets simply miss the redirect until both are in place. Whether to
// insert-then-bind or bind-then-insert is the caller's choice; this
// package accepts either order.
package xskmap

import (
	"github.com/cilium/ebpf"
	"github.com/pkg/errors"
)

// ErrWrongMapType is returned by New for maps that are not XSKMAPs.
var ErrWrongMapType = errors.New("map is not of type XSKMAP")

// backend is the slice of *ebpf.Map the wrapper needs.
type backend interface {
	Put(key, value interface{}) error
	Delete(key interface{}) error
	Close() error
}

// A Map steers receive-queue indexes to socket descriptors.
type Map struct {
	m backend
}

// New wraps an XSKMAP handle obtained from a loaded collection.
func New(m *ebpf.Map) (*Map, error) {
	if m.Type() != ebpf.XSKMap {
		return nil, errors.Wrapf(ErrWrongMapType, "got %s", m.Type())
	}
	return &Map{m: m}, nil
}

func newWithBackend(b backend) *Map { return &Map{m: b} }

// Insert points queueIndex at the socket descriptor fd. Idempotent: an
// existing entry is overwritten.
func (m *Map) Insert(queueIndex uint32, fd int) error {
	if err := m.m.Put(queueIndex, uint32(fd)); err != nil {
		return errors.Wrapf(err, "inserting socket fd %d at queue index %d failed", fd, queueIndex)
	}
	return nil
}

// Remove drops the entry for queueIndex. Idempotent: removing a missing
// entry is a no-op.
func (m *Map) Remove(queueIndex uint32) error {
	err := m.m.Delete(queueIndex)
	if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return errors.Wrapf(err, "removing queue index %d failed", queueIndex)
	}
	return nil
}

// Close releases the underlying map descriptor. Idempotent.
func (m *Map) Close() error {
	if m.m == nil {
		return nil
	}
	err := m.m.Close()
	m.m = nil
	return errors.Wrap(err, "closing XSKMAP failed")
}
