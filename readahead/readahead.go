// Package readahead implements opportunistic reading of a neighboring
// window of blocks on a point read, offering the live ones to Host. It
// consumes the same iodev.Device/callback shape the rest of this module
// uses; the window-sizing and candidate-filtering logic has no simpler
// single-block analogue elsewhere in this module, so it is authored fresh.
package readahead

import (
	"github.com/pkg/errors"

	"github.com/outofforest/dbman/iodev"
	"github.com/outofforest/dbman/types"
)

// Host is the subset of the enclosing serializer's read-ahead contract this
// package needs: a buffer pool and a place to offer speculatively read
// blocks.
type Host interface {
	// Malloc returns a fresh buffer sized to hold one block.
	Malloc() []byte
	// Free returns a buffer obtained from Malloc.
	Free(buf []byte)
	// OfferBuf offers a speculatively read, live block to the host. It
	// returns true if the host accepted ownership of buf; the caller must
	// Free it otherwise.
	OfferBuf(blockID types.BlockID, buf []byte, recency types.Recency) bool
}

// LbaIndex is the subset of the logical block address index this package
// needs to validate read-ahead candidates.
type LbaIndex interface {
	// GetBlockOffset reports the current on-disk offset for id, whether it
	// is marked deleted, and whether id is known at all.
	GetBlockOffset(id types.BlockID) (offset int64, deleted bool, ok bool)
	// GetBlockRecency reports id's recency timestamp.
	GetBlockRecency(id types.BlockID) types.Recency
}

// Config fixes the parameters read-ahead windowing needs.
type Config struct {
	BlockSize          int64
	ExtentSize         int64
	MaxReadAheadBlocks int
}

// Read issues a windowed read covering offset, copies the requested block
// into out, and offers every other live candidate in the window to host.
// cb fires exactly once when the whole window's read has completed and
// every candidate has been processed.
func Read(
	dev iodev.Device,
	lba LbaIndex,
	host Host,
	cfg Config,
	offset int64,
	out []byte,
	prio iodev.Priority,
	cb iodev.CompletionFunc,
) {
	extentStart := (offset / cfg.ExtentSize) * cfg.ExtentSize
	extentEnd := extentStart + cfg.ExtentSize

	stripeSize := int64(cfg.MaxReadAheadBlocks) * cfg.BlockSize
	stripeIndex := (offset - extentStart) / stripeSize
	windowStart := extentStart + stripeIndex*stripeSize
	windowEnd := windowStart + stripeSize
	if windowEnd > extentEnd {
		windowEnd = extentEnd
	}

	numBlocks := int((windowEnd - windowStart) / cfg.BlockSize)
	buf := make([]byte, int64(numBlocks)*cfg.BlockSize)

	dev.ReadAt(windowStart, buf, prio, func(err error) {
		if err != nil {
			cb(err)
			return
		}

		for i := 0; i < numBlocks; i++ {
			blockOffset := windowStart + int64(i)*cfg.BlockSize
			slot := buf[int64(i)*cfg.BlockSize : int64(i+1)*cfg.BlockSize]

			if blockOffset == offset {
				copy(out, slot)
				continue
			}

			processCandidate(lba, host, blockOffset, slot)
		}

		cb(nil)
	})
}

func processCandidate(lba LbaIndex, host Host, blockOffset int64, slot []byte) {
	if len(slot) < types.HeaderSize {
		return
	}
	header := types.HeaderAt(slot[:types.HeaderSize])
	blockID := header.V.BlockID
	if blockID == 0 {
		return
	}

	off, deleted, ok := lba.GetBlockOffset(blockID)
	if !ok || deleted || off != blockOffset {
		return
	}

	candidate := host.Malloc()
	if len(candidate) < len(slot) {
		host.Free(candidate)
		panic(errors.Errorf("host.Malloc returned a buffer smaller than one block"))
	}
	copy(candidate, slot)

	recency := lba.GetBlockRecency(blockID)
	if !host.OfferBuf(blockID, candidate, recency) {
		host.Free(candidate)
	}
}
