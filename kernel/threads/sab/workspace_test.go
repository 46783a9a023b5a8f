package sab

import (
	"bytes"
	"encoding/binary"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T, b Backend, name string) *Workspace {
	t.Helper()
	mem, err := b.Create(name, PAGE_NORMAL, 8)
	require.NoError(t, err)
	ws, err := NewWorkspace(mem, "link", PAGE_NORMAL, 8)
	require.NoError(t, err)
	return ws
}

func TestAlignHelpers(t *testing.T) {
	assert.Equal(t, uint64(128), AlignUp(65, 64))
	assert.Equal(t, uint64(64), AlignUp(64, 64))
	assert.True(t, IsPow2(4096))
	assert.False(t, IsPow2(0))
	assert.False(t, IsPow2(96))
	assert.Equal(t, uint64(64), Pow2Down(127))
	assert.Equal(t, uint64(0), Pow2Down(0))
}

func TestPageGeometry(t *testing.T) {
	sz, cnt := PageGeometry(1 << 20)
	assert.Equal(t, PAGE_HUGE, sz)
	assert.Equal(t, uint64(1), cnt)

	sz, cnt = PageGeometry(4 * PAGE_HUGE)
	assert.Equal(t, PAGE_GIGANTIC, sz)
	assert.Equal(t, uint64(1), cnt)

	sz, cnt = PageGeometry(3*PAGE_HUGE + PAGE_HUGE/2)
	assert.Equal(t, PAGE_HUGE, sz)
	assert.Equal(t, uint64(4), cnt)
}

func TestWorkspaceHeaderAndJoin(t *testing.T) {
	b := NewMemoryBackend()
	ws := newWorkspace(t, b, "app_link.wksp")

	assert.Equal(t, "link", ws.Name())
	assert.Equal(t, PAGE_NORMAL, ws.PageSz())
	assert.Equal(t, uint64(8), ws.PageCnt())
	assert.Equal(t, OFFSET_WKSP_DATA, ws.DataOffset())

	ro, err := b.Join("app_link.wksp", JoinReadOnly)
	require.NoError(t, err)
	joined, err := JoinWorkspace(ro)
	require.NoError(t, err)
	assert.Equal(t, "link", joined.Name())

	_, err = joined.Alloc(64, 64)
	assert.ErrorIs(t, err, ErrReadOnly)

	bad := NewInMemoryProvider("junk", 2*PAGE_NORMAL)
	_, err = JoinWorkspace(bad)
	var le *LayoutError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "BAD_MAGIC", le.Code)
}

func TestReserveKnownMustBeFirst(t *testing.T) {
	ws := newWorkspace(t, NewMemoryBackend(), "app_a.wksp")

	off, err := ws.ReserveKnown(3 * PAGE_NORMAL)
	require.NoError(t, err)
	assert.Equal(t, OFFSET_WKSP_DATA, off)
	assert.Equal(t, 3*PAGE_NORMAL, ws.KnownFootprint())

	_, err = ws.ReserveKnown(PAGE_NORMAL)
	assert.Error(t, err)

	loose, err := ws.Alloc(128, 100)
	require.NoError(t, err)
	assert.Equal(t, OFFSET_WKSP_DATA+3*PAGE_NORMAL, loose)

	_, err = ws.Alloc(64, 64*PAGE_NORMAL)
	assert.Error(t, err)
}

func TestAllocConcurrentDisjoint(t *testing.T) {
	ws := newWorkspace(t, NewMemoryBackend(), "app_b.wksp")
	v := NewValidator(ws.DataOffset(), uint64(len(ws.Bytes())))

	var wg sync.WaitGroup
	offs := make(chan uint64, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			off, err := ws.Alloc(64, 64)
			if err == nil {
				offs <- off
			}
		}()
	}
	wg.Wait()
	close(offs)

	n := 0
	for off := range offs {
		require.NoError(t, v.RegisterRegion("obj", off, 64, "test"))
		n++
	}
	assert.Equal(t, 64, n)
	assert.Equal(t, uint64(64), ws.AllocCount())
}

func TestValidatorRejectsOverlapAndBounds(t *testing.T) {
	v := NewValidator(4096, 8192)
	require.NoError(t, v.RegisterRegion("mcache", 4096, 256, "ring"))
	require.NoError(t, v.RegisterRegion("dcache", 4352, 1024, "arena"))

	assert.Error(t, v.RegisterRegion("fseq", 4300, 128, "overlap"))
	assert.Error(t, v.RegisterRegion("cnc", 8000, 512, "past end"))
	assert.Error(t, v.RegisterRegion("hdr", 0, 64, "before data"))
	assert.Len(t, v.Violations(), 3)

	assert.NoError(t, v.ValidateAccess(4400, 64))
	assert.Error(t, v.ValidateAccess(6000, 8))
	assert.Contains(t, v.MemoryMap(), "dcache")
}

func TestCheckpointRestore(t *testing.T) {
	src := NewMemoryBackend()
	ws := newWorkspace(t, src, "app_c.wksp")
	off, err := ws.ReserveKnown(PAGE_NORMAL)
	require.NoError(t, err)
	copy(ws.Bytes()[off:], "payload survives")

	var img bytes.Buffer
	info, err := Checkpoint(&img, ws)
	require.NoError(t, err)
	assert.Equal(t, "app_c.wksp", info.Name)
	assert.Less(t, img.Len(), len(ws.Bytes()))

	dst := NewMemoryBackend()
	restored, err := Restore(bytes.NewReader(img.Bytes()), dst)
	require.NoError(t, err)
	assert.Equal(t, "link", restored.Name())
	assert.Equal(t, PAGE_NORMAL, restored.KnownFootprint())
	assert.Equal(t, "payload survives", string(restored.Bytes()[off:off+16]))

	corrupt := append([]byte(nil), img.Bytes()...)
	hdrLen := 4 + 4 + 2 + len(info.Name) + 8 + 8
	corrupt[hdrLen] ^= 0xff
	_, err = Restore(bytes.NewReader(corrupt), NewMemoryBackend())
	assert.ErrorIs(t, err, ErrCheckpointDigest)
}

func TestRestoreRejectsBadGeometry(t *testing.T) {
	ws := newWorkspace(t, NewMemoryBackend(), "app_g.wksp")
	var img bytes.Buffer
	info, err := Checkpoint(&img, ws)
	require.NoError(t, err)
	pageSzAt := 4 + 4 + 2 + len(info.Name)

	cases := []struct {
		name    string
		pageSz  uint64
		pageCnt uint64
	}{
		{"odd page size", 4000, 8},
		{"zero pages", PAGE_NORMAL, 0},
		{"size overflows", PAGE_GIGANTIC, math.MaxUint64 / PAGE_GIGANTIC},
		{"product wraps", PAGE_HUGE, 1 << 53},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bad := append([]byte(nil), img.Bytes()...)
			binary.LittleEndian.PutUint64(bad[pageSzAt:], tc.pageSz)
			binary.LittleEndian.PutUint64(bad[pageSzAt+8:], tc.pageCnt)

			dst := NewMemoryBackend()
			_, err := Restore(bytes.NewReader(bad), dst)
			var le *LayoutError
			require.True(t, errors.As(err, &le), "got %v", err)
			assert.Equal(t, "BAD_GEOMETRY", le.Code)
			_, err = dst.Join(info.Name, JoinReadOnly)
			assert.Error(t, err, "nothing is created for a rejected image")
		})
	}
}
