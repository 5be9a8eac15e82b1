package readahead

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/dbman/iodev"
	"github.com/outofforest/dbman/iodev/memdev"
	"github.com/outofforest/dbman/types"
)

type fakeLba struct {
	offsets map[types.BlockID]int64
	deleted map[types.BlockID]bool
	recency map[types.BlockID]types.Recency
}

func (l *fakeLba) GetBlockOffset(id types.BlockID) (int64, bool, bool) {
	off, ok := l.offsets[id]
	return off, l.deleted[id], ok
}

func (l *fakeLba) GetBlockRecency(id types.BlockID) types.Recency {
	return l.recency[id]
}

type fakeHost struct {
	blockSize int64
	offered   map[types.BlockID][]byte
	freed     int
}

func (h *fakeHost) Malloc() []byte {
	return make([]byte, h.blockSize)
}

func (h *fakeHost) Free([]byte) {
	h.freed++
}

func (h *fakeHost) OfferBuf(id types.BlockID, buf []byte, _ types.Recency) bool {
	if h.offered == nil {
		h.offered = make(map[types.BlockID][]byte)
	}
	h.offered[id] = buf
	return true
}

func writeBlock(t *testing.T, dev iodev.Device, offset int64, blockSize int64, blockID types.BlockID, payload byte) {
	t.Helper()
	buf := make([]byte, blockSize)
	h := types.HeaderAt(buf[:types.HeaderSize])
	h.V.BlockID = blockID
	for i := types.HeaderSize; i < len(buf); i++ {
		buf[i] = payload
	}
	var err error
	dev.WriteAt(offset, buf, iodev.Priority(0), func(e error) { err = e })
	require.NoError(t, err)
}

func TestReadAheadFiltersCandidates(t *testing.T) {
	requireT := require.New(t)

	const blockSize = int64(64)
	const extentSize = blockSize * 8
	dev := memdev.New(extentSize)

	// R: requested block, live, id 1 at offset 0.
	writeBlock(t, dev, 0, blockSize, 1, 0xAA)
	// B2: live candidate, id 2 at offset blockSize.
	writeBlock(t, dev, blockSize, blockSize, 2, 0xBB)
	// B3: header says id 3, but LbaIndex points elsewhere.
	writeBlock(t, dev, 2*blockSize, blockSize, 3, 0xCC)
	// B4: header block_id == 0.
	writeBlock(t, dev, 3*blockSize, blockSize, 0, 0xDD)

	lba := &fakeLba{
		offsets: map[types.BlockID]int64{
			1: 0,
			2: blockSize,
			3: 999999,
		},
		deleted: map[types.BlockID]bool{},
		recency: map[types.BlockID]types.Recency{},
	}
	host := &fakeHost{blockSize: blockSize}

	cfg := Config{BlockSize: blockSize, ExtentSize: extentSize, MaxReadAheadBlocks: 4}

	out := make([]byte, blockSize)
	var cbErr error
	var called bool
	Read(dev, lba, host, cfg, 0, out, iodev.Priority(0), func(err error) {
		cbErr = err
		called = true
	})

	requireT.True(called)
	requireT.NoError(cbErr)
	requireT.Equal(byte(0xAA), out[types.HeaderSize])

	requireT.Len(host.offered, 1)
	_, offered2 := host.offered[2]
	requireT.True(offered2)
	_, offered3 := host.offered[3]
	requireT.False(offered3)
}

func TestReadAheadWindowNeverCrossesExtentBoundary(t *testing.T) {
	requireT := require.New(t)

	const blockSize = int64(64)
	const extentSize = blockSize * 4
	dev := memdev.New(extentSize * 2)

	writeBlock(t, dev, extentSize-blockSize, blockSize, 1, 0x11)
	writeBlock(t, dev, extentSize, blockSize, 2, 0x22)

	lba := &fakeLba{offsets: map[types.BlockID]int64{}, deleted: map[types.BlockID]bool{}, recency: map[types.BlockID]types.Recency{}}
	host := &fakeHost{blockSize: blockSize}
	cfg := Config{BlockSize: blockSize, ExtentSize: extentSize, MaxReadAheadBlocks: 8}

	out := make([]byte, blockSize)
	var called bool
	Read(dev, lba, host, cfg, extentSize-blockSize, out, iodev.Priority(0), func(err error) {
		called = true
		require.NoError(t, err)
	})

	requireT.True(called)
	requireT.Equal(byte(0x11), out[types.HeaderSize])
}

func TestReadAheadFreesDeclinedOffer(t *testing.T) {
	requireT := require.New(t)

	const blockSize = int64(64)
	const extentSize = blockSize * 4
	dev := memdev.New(extentSize)

	writeBlock(t, dev, 0, blockSize, 1, 0x01)
	writeBlock(t, dev, blockSize, blockSize, 2, 0x02)

	lba := &fakeLba{
		offsets: map[types.BlockID]int64{2: blockSize},
		deleted: map[types.BlockID]bool{},
		recency: map[types.BlockID]types.Recency{},
	}
	host := &decliningHost{blockSize: blockSize}
	cfg := Config{BlockSize: blockSize, ExtentSize: extentSize, MaxReadAheadBlocks: 4}

	out := make([]byte, blockSize)
	Read(dev, lba, host, cfg, 0, out, iodev.Priority(0), func(err error) {
		require.NoError(t, err)
	})

	requireT.Equal(1, host.freed)
}

type decliningHost struct {
	blockSize int64
	freed     int
}

func (h *decliningHost) Malloc() []byte            { return make([]byte, h.blockSize) }
func (h *decliningHost) Free([]byte)               { h.freed++ }
func (h *decliningHost) OfferBuf(types.BlockID, []byte, types.Recency) bool { return false }
