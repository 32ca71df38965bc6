package ifreg

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeFlagBackend records the flags it was asked to set, without touching
// any real interface, so these tests don't need CAP_NET_ADMIN.
type fakeFlagBackend struct {
	promisc  map[int]bool
	allMulti map[int]bool
}

func newFakeFlagBackend() *fakeFlagBackend {
	return &fakeFlagBackend{promisc: map[int]bool{}, allMulti: map[int]bool{}}
}

func (b *fakeFlagBackend) getPromisc(ifindex int) (on bool, err error) {
	return b.promisc[ifindex], nil
}

func (b *fakeFlagBackend) setPromisc(ifindex int, on bool) (err error) {
	b.promisc[ifindex] = on

	return nil
}

func (b *fakeFlagBackend) getAllMulti(ifindex int) (on bool, err error) {
	return b.allMulti[ifindex], nil
}

func (b *fakeFlagBackend) setAllMulti(ifindex int, on bool) (err error) {
	b.allMulti[ifindex] = on

	return nil
}

func testRegistry(noRestore bool) (*Registry, *fakeFlagBackend) {
	backend := newFakeFlagBackend()

	return &Registry{
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		flags:     backend,
		byIndex:   map[int]*Handle{},
		noRestore: noRestore,
	}, backend
}

func TestRegistry_openSharesHandle(t *testing.T) {
	reg, _ := testRegistry(false)

	h1, err := reg.Open("lo")
	require.NoError(t, err)

	h2, err := reg.Open("lo")
	require.NoError(t, err)

	assert.Same(t, h1, h2)
	assert.EqualValues(t, 2, h1.refs)
}

func TestRegistry_closeRestoresSavedFlags(t *testing.T) {
	reg, backend := testRegistry(false)

	h, err := reg.Open("lo")
	require.NoError(t, err)

	backend.promisc[h.index] = false
	require.NoError(t, reg.SetPromisc(h, true))
	assert.True(t, backend.promisc[h.index])

	require.NoError(t, reg.Close(h))
	assert.False(t, backend.promisc[h.index], "close should restore the pre-touch state")
}

func TestRegistry_closeNoRestore(t *testing.T) {
	reg, backend := testRegistry(true)

	h, err := reg.Open("lo")
	require.NoError(t, err)

	require.NoError(t, reg.SetAllMulti(h, true))
	require.NoError(t, reg.Close(h))

	assert.True(t, backend.allMulti[h.index], "noRestore should leave the flag as last set")
}

func TestRegistry_refcountKeepsFlagsUntilLastClose(t *testing.T) {
	reg, backend := testRegistry(false)

	h1, err := reg.Open("lo")
	require.NoError(t, err)
	h2, err := reg.Open("lo")
	require.NoError(t, err)

	require.NoError(t, reg.SetPromisc(h1, true))

	require.NoError(t, reg.Close(h1))
	assert.True(t, backend.promisc[h1.index], "handle still referenced once; flags must not be restored yet")

	require.NoError(t, reg.Close(h2))
	assert.False(t, backend.promisc[h1.index])
}

func TestRegistry_closeUnknownHandle(t *testing.T) {
	reg, _ := testRegistry(false)

	h := &Handle{reg: reg, index: 999}
	err := reg.Close(h)
	assert.ErrorIs(t, err, errClosed)
}

func TestRegistry_openUnknownInterface(t *testing.T) {
	reg, _ := testRegistry(false)

	_, err := reg.Open("no-such-interface-xyz")
	assert.Error(t, err)
}
