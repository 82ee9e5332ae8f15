// Package constants holds tunables shared by the loop and the kernel adapter.
package constants

// Default configuration constants
const (
	// BacklogSize is the capacity of the event batch a single wait call can
	// return. Larger batches amortize the wait syscall; 1024 matches the
	// epoll_create hint.
	BacklogSize = 1024

	// TaskDispatchThreshold is the queued-task count above which a worker
	// runs a task before draining a queued write event. Buffered kernel
	// events are always dispatched first; below the threshold, queued writes
	// go ahead of tasks and tasks drain opportunistically.
	TaskDispatchThreshold = 16

	// DefaultWaitTimeoutMs bounds one blocking wait on the primary kernel.
	// Workers re-check the end flag at least this often.
	DefaultWaitTimeoutMs = 1000

	// XidentSpace is the number of non-fd identifiers reserved above the
	// process fd limit for kqueue timer registrations.
	XidentSpace = 256

	// MaxIdent caps the dense identifier space backing the handler registry
	// and the per-descriptor output contexts. The Go runtime raises the
	// soft RLIMIT_NOFILE to the hard limit at startup, so sizing by the raw
	// rlimit could mean megabytes of idle state.
	MaxIdent = 1 << 16

	// DefaultListenBacklog is the listen(2) backlog used when the caller
	// passes zero.
	DefaultListenBacklog = 1024
)
