// Copyright 2019 Asavie Technologies Ltd. All rights reserved.
//
// Use of this source code is governed by a BSD-style license
// that can be found in the LICENSE file in the root of the source
// tree.

package xsk

import (
	"time"

	"github.com/cilium/ebpf"
	"github.com/pkg/errors"
	"github.com/vishvananda/netlink"

	"ringtide/pkg/xskmap"
)

// Program couples an externally compiled XDP redirect program with its
// socket map. Building the program is out of this library's scope; any
// program whose map is an XSKMAP keyed by receive-queue index works.
type Program struct {
	program *ebpf.Program
	sockets *xskmap.Map
}

// LoadProgram loads a compiled BPF ELF and picks out the redirect program
// and its XSKMAP by name.
func LoadProgram(elfPath, programName, mapName string) (*Program, error) {
	coll, err := ebpf.LoadCollection(elfPath)
	if err != nil {
		return nil, errors.Wrapf(err, "loading BPF collection from %s failed", elfPath)
	}

	prog, ok := coll.Programs[programName]
	if !ok {
		coll.Close()
		return nil, errors.Errorf("collection has no program %q", programName)
	}
	m, ok := coll.Maps[mapName]
	if !ok {
		coll.Close()
		return nil, errors.Errorf("collection has no map %q", mapName)
	}
	sockets, err := xskmap.New(m)
	if err != nil {
		coll.Close()
		return nil, err
	}

	// Detach the fds we keep from the collection so closing it doesn't
	// tear them down.
	delete(coll.Programs, programName)
	delete(coll.Maps, mapName)
	coll.Close()

	return &Program{program: prog, sockets: sockets}, nil
}

// NewProgram wraps an already loaded redirect program and socket map.
// Ownership of both passes to the Program; Close releases them.
func NewProgram(prog *ebpf.Program, sockets *ebpf.Map) (*Program, error) {
	m, err := xskmap.New(sockets)
	if err != nil {
		return nil, err
	}
	return &Program{program: prog, sockets: m}, nil
}

// Attach the XDP program to an interface.
func (p *Program) Attach(ifindex int) error {
	if err := removeProgram(ifindex); err != nil {
		return err
	}
	return attachProgram(ifindex, p.program)
}

// Detach the XDP program from an interface.
func (p *Program) Detach(ifindex int) error {
	return removeProgram(ifindex)
}

// Register points the given receive-queue index at the socket descriptor.
// Registration may happen before or after the socket's bind; see package
// xskmap for the ordering contract.
func (p *Program) Register(queueID int, fd int) error {
	return p.sockets.Insert(uint32(queueID), fd)
}

// Unregister removes the socket entry for the given receive-queue index.
func (p *Program) Unregister(queueID int) error {
	return p.sockets.Remove(uint32(queueID))
}

// Sockets returns the program's redirect map.
func (p *Program) Sockets() *xskmap.Map { return p.sockets }

// Close releases the program and its socket map. Both were detached from
// the loading collection, so their descriptors live until closed here.
// Idempotent.
func (p *Program) Close() error {
	var firstErr error
	if p.program != nil {
		firstErr = p.program.Close()
		p.program = nil
	}
	if p.sockets != nil {
		if err := p.sockets.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		p.sockets = nil
	}
	return firstErr
}

// removeProgram removes an existing XDP program from the given network
// interface, waiting until the kernel reports it gone.
func removeProgram(ifindex int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return errors.Wrap(err, "get link by index failed")
	}
	if !isXdpAttached(link) {
		return nil
	}
	if err = netlink.LinkSetXdpFd(link, -1); err != nil {
		return errors.Wrap(err, "netlink.LinkSetXdpFd(link, -1) failed")
	}
	for {
		link, err = netlink.LinkByIndex(ifindex)
		if err != nil {
			return errors.Wrap(err, "get link by index failed")
		}
		if !isXdpAttached(link) {
			return nil
		}
		time.Sleep(time.Second)
	}
}

func isXdpAttached(link netlink.Link) bool {
	return link.Attrs() != nil && link.Attrs().Xdp != nil && link.Attrs().Xdp.Attached
}

// attachProgram attaches the given XDP program to the network interface.
func attachProgram(ifindex int, program *ebpf.Program) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return errors.Wrap(err, "get link by index failed")
	}
	if err = netlink.LinkSetXdpFdWithFlags(link, program.FD(), int(DefaultXdpFlags)); err != nil {
		return errors.Wrap(err, "netlink.LinkSetXdpFdWithFlags set failed")
	}
	return nil
}
