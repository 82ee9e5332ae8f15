package evloop

// Finalizer releases caller-owned buffers or descriptors once every
// preceding record in the same per-descriptor stream has drained or been
// discarded.
type Finalizer func()

type xferKind uint32

const (
	xferIovec xferKind = iota
	xferSendfile
	xferFinalize
)

// xferRecord is one element of an outbound stream. An iovec record with a
// single element is the plain-memory shortcut; payload bytes are never
// copied, only the slice headers.
type xferRecord struct {
	kind xferKind

	vec [][]byte // iovec

	infd int   // sendfile source
	off  int64 // sendfile offset
	n    int   // sendfile remaining bytes

	fin Finalizer
}

// Xfer accumulates transfer records for batch submission with Loop.Commit.
// The zero value is ready to use. An Xfer is not safe for concurrent use;
// once committed its records belong to the loop.
type Xfer struct {
	recs []xferRecord
}

// PushWrite appends a single memory region.
func (x *Xfer) PushWrite(buf []byte) {
	x.recs = append(x.recs, xferRecord{kind: xferIovec, vec: [][]byte{buf}})
}

// PushWritev appends a vectored region. The vector header is copied so the
// caller may reuse its slice; the payload bytes are not.
func (x *Xfer) PushWritev(vec [][]byte) {
	v := make([][]byte, len(vec))
	copy(v, vec)
	x.recs = append(x.recs, xferRecord{kind: xferIovec, vec: v})
}

// PushSendfile appends an in-kernel file-to-socket transfer of n bytes from
// infd starting at off.
func (x *Xfer) PushSendfile(infd int, off int64, n int) {
	x.recs = append(x.recs, xferRecord{kind: xferSendfile, infd: infd, off: off, n: n})
}

// PushFinalize appends a release callback that runs once all preceding
// records have drained.
func (x *Xfer) PushFinalize(fin Finalizer) {
	x.recs = append(x.recs, xferRecord{kind: xferFinalize, fin: fin})
}

// Empty reports whether the stream holds no records.
func (x *Xfer) Empty() bool { return len(x.recs) == 0 }

// Migrate moves every record to the tail of another stream, leaving x empty.
// Moving into an empty stream swaps the backing storage instead of copying.
func (x *Xfer) Migrate(to *Xfer) {
	if len(to.recs) == 0 {
		to.recs, x.recs = x.recs, to.recs[:0]
		return
	}
	to.recs = append(to.recs, x.recs...)
	x.recs = x.recs[:0]
}

// Clear discards all pending records. Finalize records still run, in order,
// so owned memory and files are always released; panics inside a finalizer
// are swallowed.
func (x *Xfer) Clear() {
	for i := range x.recs {
		if x.recs[i].kind == xferFinalize {
			runFinalizer(x.recs[i].fin)
		}
		x.recs[i] = xferRecord{}
	}
	x.recs = x.recs[:0]
}

func runFinalizer(fin Finalizer) {
	if fin == nil {
		return
	}
	defer func() { recover() }()
	fin()
}
