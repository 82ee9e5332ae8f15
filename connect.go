package evloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// ConnectCallback receives the connected descriptor, or -1 and the error
// (unix.ETIMEDOUT when the timeout fired first).
type ConnectCallback func(fd int, err error)

// Connect establishes a connection asynchronously: a submitted task drives
// a nonblocking connect(2) to completion on some worker. A timeout of zero
// or less means no timeout.
func (l *Loop) Connect(family, sotype, proto int, sa unix.Sockaddr, timeout time.Duration, cb ConnectCallback) {
	timeoutMs := -1
	if timeout > 0 {
		timeoutMs = int(timeout.Milliseconds())
		if timeoutMs == 0 {
			timeoutMs = 1
		}
	}
	l.Submit(func() { connectTask(family, sotype, proto, sa, timeoutMs, cb) })
}

func connectTask(family, sotype, proto int, sa unix.Sockaddr, timeoutMs int, cb ConnectCallback) {
	fd, err := unix.Socket(family, sotype, proto)
	if err != nil {
		cb(-1, err)
		return
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		cb(-1, err)
		return
	}

	err = unix.Connect(fd, sa)
	if err == nil {
		cb(fd, nil)
		return
	}
	if err != unix.EINPROGRESS {
		unix.Close(fd)
		cb(-1, err)
		return
	}

	for {
		pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, perr := unix.Poll(pfd, timeoutMs)
		if perr != nil {
			if perr == unix.EINTR {
				continue
			}
			unix.Close(fd)
			cb(-1, perr)
			return
		}
		if n == 0 {
			unix.Close(fd)
			cb(-1, unix.ETIMEDOUT)
			return
		}

		v, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if gerr != nil {
			unix.Close(fd)
			cb(-1, gerr)
			return
		}
		if v != 0 {
			unix.Close(fd)
			cb(-1, unix.Errno(v))
			return
		}
		cb(fd, nil)
		return
	}
}
