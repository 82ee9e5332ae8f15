package evloop

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXferPushAndMigrate(t *testing.T) {
	var x Xfer
	require.True(t, x.Empty())

	x.PushWrite([]byte("abc"))
	x.PushWritev([][]byte{[]byte("de"), []byte("f")})
	x.PushSendfile(7, 32, 128)
	ran := false
	x.PushFinalize(func() { ran = true })
	require.False(t, x.Empty())
	require.Len(t, x.recs, 4)

	// migrating into an empty stream swaps the storage
	var y Xfer
	x.Migrate(&y)
	require.True(t, x.Empty())
	require.Len(t, y.recs, 4)

	// migrating into a non-empty stream appends
	x.PushWrite([]byte("tail"))
	x.Migrate(&y)
	require.True(t, x.Empty())
	require.Len(t, y.recs, 5)
	require.False(t, ran)

	y.Clear()
	require.True(t, ran)
	require.True(t, y.Empty())
}

func TestXferVectorHeaderCopied(t *testing.T) {
	var x Xfer
	vec := [][]byte{[]byte("one"), []byte("two")}
	x.PushWritev(vec)

	// reusing the caller's slice must not disturb the queued record
	vec[0] = []byte("clobbered")
	require.Equal(t, "one", string(x.recs[0].vec[0]))
}

func TestXferClearRunsFinalizersInOrder(t *testing.T) {
	var x Xfer
	var order []int
	x.PushFinalize(func() { order = append(order, 1) })
	x.PushWrite([]byte("never written"))
	x.PushFinalize(func() { order = append(order, 2) })
	x.PushFinalize(func() { panic("finalizer panic is swallowed") })
	x.PushFinalize(func() { order = append(order, 3) })

	x.Clear()
	require.Equal(t, []int{1, 2, 3}, order)
	require.True(t, x.Empty())
}

func TestXferSendfileRecord(t *testing.T) {
	var x Xfer
	x.PushSendfile(5, 1024, 4096)
	require.Len(t, x.recs, 1)
	require.Equal(t, xferSendfile, x.recs[0].kind)
	require.Equal(t, 5, x.recs[0].infd)
	require.Equal(t, int64(1024), x.recs[0].off)
	require.Equal(t, 4096, x.recs[0].n)
}
