// Command forward reflects every packet arriving on one device queue back
// out of the same queue with its MAC addresses swapped. It shows the full
// socket lifecycle: pool registration, ring configuration, binding,
// redirect map registration and the fill/receive/transmit/complete loop.
//
// The XDP redirect program is compiled separately; pass its ELF with
// -elf. Run with CAP_NET_RAW and CAP_BPF (or as root).
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/cilium/ebpf/rlimit"
	log "github.com/sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"ringtide/umem"
	"ringtide/xsk"
)

func main() {
	interfaceName := flag.String("interface", "", "interface to bind to")
	queueID := flag.Int("qid", 0, "interface queue id")
	elfPath := flag.String("elf", "", "compiled XDP redirect program")
	programName := flag.String("program", "redirect_sock", "program name within the ELF")
	mapName := flag.String("map", "socks", "XSKMAP name within the ELF")
	numFrames := flag.Uint("frames", 4096, "frame pool size")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	if err := rlimit.RemoveMemlock(); err != nil {
		log.Fatalf("failed to lift memlock rlimit: %v", err)
	}

	link, err := netlink.LinkByName(*interfaceName)
	if err != nil {
		log.Fatalf("failed to fetch link %s: %v", *interfaceName, err)
	}
	ifindex := link.Attrs().Index

	program, err := xsk.LoadProgram(*elfPath, *programName, *mapName)
	if err != nil {
		log.Fatalf("failed to load redirect program: %v", err)
	}
	defer program.Close()
	if err := program.Attach(ifindex); err != nil {
		log.Fatalf("failed to attach redirect program: %v", err)
	}
	defer program.Detach(ifindex)

	pool, err := umem.New(2048, uint32(*numFrames), 0)
	if err != nil {
		log.Fatalf("failed to create frame pool: %v", err)
	}

	sock, err := xsk.NewSocket()
	if err != nil {
		log.Fatalf("failed to create socket: %v", err)
	}
	defer sock.Close()

	if err := sock.RegisterPool(pool); err != nil {
		log.Fatalf("failed to register pool: %v", err)
	}
	if err := sock.ConfigureRings(xsk.RingConfig{
		FillSize:       2048,
		CompletionSize: 2048,
		RxSize:         2048,
		TxSize:         2048,
	}); err != nil {
		log.Fatalf("failed to configure rings: %v", err)
	}
	if err := sock.Bind(ifindex, *queueID); err != nil {
		log.Fatalf("failed to bind: %v", err)
	}

	// Map entry and bind may happen in either order; here the socket is
	// already bound.
	if err := program.Register(*queueID, sock.FD()); err != nil {
		log.Fatalf("failed to register socket in redirect map: %v", err)
	}
	defer program.Unregister(*queueID)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		program.Detach(ifindex)
		os.Exit(0)
	}()

	log.Infof("reflecting on %s queue %d", *interfaceName, *queueID)

	for {
		free := sock.GetDescs(pool.FreeCount())
		n, err := sock.Fill(free)
		if err != nil {
			log.Fatalf("fill failed: %v", err)
		}
		// A full fill ring accepts fewer; keep the rest in the pool.
		for _, d := range free[n:] {
			pool.Free(d.Addr)
		}

		numRx, _, err := sock.Poll(-1)
		if err != nil {
			log.Fatalf("poll failed: %v", err)
		}
		if numRx == 0 {
			continue
		}

		descs, err := sock.Receive(numRx)
		if err != nil {
			log.Fatalf("receive failed: %v", err)
		}
		for _, d := range descs {
			frame := sock.GetFrame(d)
			if len(frame) >= 12 {
				for i := 0; i < 6; i++ {
					frame[i], frame[i+6] = frame[i+6], frame[i]
				}
			}
		}

		sent, err := sock.Transmit(descs)
		if err != nil {
			log.Fatalf("transmit failed: %v", err)
		}
		// Frames the tx ring did not take go straight back to the pool.
		for _, d := range descs[sent:] {
			pool.Free(d.Addr)
		}
	}
}
