package evloop

import (
	"golang.org/x/sys/unix"

	"github.com/behrlich/go-evloop/internal/constants"
)

// ListenCallback receives each accepted descriptor. On a non-transient
// accept failure it is invoked once with fd -1 and the error, and the
// listener unsubscribes.
type ListenCallback func(fd int, err error)

type listenHandler struct {
	fd int
	cb ListenCallback
}

func (h *listenHandler) Ident() int { return h.fd }

// Process accepts until EAGAIN, invoking the callback per connection.
func (h *listenHandler) Process(e *Event) bool {
	for {
		sock, _, err := unix.Accept(h.fd)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return true
			}
			h.cb(-1, err)
			return false
		}
		h.deliver(sock)
	}
}

// deliver hands the socket to the callback; if the callback panics the
// socket is closed instead of leaked.
func (h *listenHandler) deliver(sock int) {
	defer func() {
		if recover() != nil {
			unix.Close(sock)
		}
	}()
	h.cb(sock, nil)
}

// Listen creates a listening socket bound to sa and registers an accept
// handler for it. The listening descriptor is returned; it belongs to the
// loop until the handler unsubscribes.
func (l *Loop) Listen(family, sotype, proto int, sa unix.Sockaddr, cb ListenCallback, backlog int) (int, error) {
	if backlog <= 0 {
		backlog = constants.DefaultListenBacklog
	}

	lsock, err := unix.Socket(family, sotype, proto)
	if err != nil {
		return -1, newError("listen", -1, ErrCodeSocket, err)
	}

	if err := unix.SetsockoptInt(lsock, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(lsock)
		return -1, newError("listen", lsock, ErrCodeSocket, err)
	}
	if err := unix.Bind(lsock, sa); err != nil {
		unix.Close(lsock)
		return -1, newError("listen", lsock, ErrCodeSocket, err)
	}
	if err := unix.Listen(lsock, backlog); err != nil {
		unix.Close(lsock)
		return -1, newError("listen", lsock, ErrCodeSocket, err)
	}

	if err := l.AddHandler(&listenHandler{fd: lsock, cb: cb}); err != nil {
		unix.Close(lsock)
		return -1, err
	}
	return lsock, nil
}
