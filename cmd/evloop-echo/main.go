package main

import (
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	evloop "github.com/behrlich/go-evloop"
	"github.com/behrlich/go-evloop/internal/logging"
)

func main() {
	var (
		addr    = flag.String("listen", "127.0.0.1:7777", "Address to listen on")
		threads = flag.Int("threads", 4, "Number of worker threads")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if *verbose {
		logging.SetDefault(logging.NewLogger(&logging.Config{
			Level:  logging.LevelDebug,
			Output: os.Stderr,
		}))
	}

	sa, err := sockaddr(*addr)
	if err != nil {
		log.Fatalf("Invalid address '%s': %v", *addr, err)
	}

	lo, err := evloop.New()
	if err != nil {
		log.Fatalf("Failed to create loop: %v", err)
	}
	defer lo.Close()

	lsock, err := lo.Listen(unix.AF_INET, unix.SOCK_STREAM, 0, sa, func(fd int, aerr error) {
		if aerr != nil {
			log.Printf("accept error: %v", aerr)
			return
		}
		serve(lo, fd)
	}, 0)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", *addr, err)
	}

	if _, err := lo.AddSignal(syscall.SIGINT, func() bool {
		log.Printf("interrupted, shutting down")
		lo.End()
		return false
	}); err != nil {
		log.Fatalf("Failed to register SIGINT handler: %v", err)
	}

	log.Printf("echo server listening on %s (fd %d) with %d workers", *addr, lsock, *threads)
	if err := lo.Run(*threads); err != nil {
		log.Fatalf("Loop failed: %v", err)
	}

	snap := lo.Metrics().Snapshot()
	log.Printf("served %d events, echoed %d bytes in %v",
		snap.EventsDispatched, snap.BytesWritten, snap.Uptime)
}

// serve registers an echo handler for one accepted connection.
func serve(lo *evloop.Loop, fd int) {
	buf := make([]byte, 64*1024)
	h := evloop.NewReadHandler(fd, func(e *evloop.Event) {
		for {
			n, rerr := unix.Read(fd, buf)
			if n > 0 {
				// the read buffer is reused on the next fire; hand the
				// output queue its own copy
				out := make([]byte, n)
				copy(out, buf[:n])
				lo.WriteFin(fd, out, nil)
				continue
			}
			if rerr == unix.EAGAIN || rerr == unix.EINTR {
				return
			}
			e.Remove()
			unix.Close(fd)
			return
		}
	})
	if err := lo.AddHandler(h); err != nil {
		log.Printf("failed to watch fd %d: %v", fd, err)
		unix.Close(fd)
	}
}

func sockaddr(addr string) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, err
	}
	ip := net.ParseIP(host)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", host)
	}

	sa := &unix.SockaddrInet4{Port: port}
	copy(sa.Addr[:], ip.To4())
	return sa, nil
}
