// Package memdev simulates the device in memory, for tests and benchmarks.
// Built on a bounds-checked byte-slice backing store, shaped onto
// iodev.Device's positioned, callback-completed operations.
package memdev

import (
	"github.com/pkg/errors"

	"github.com/outofforest/dbman/iodev"
)

var _ iodev.Device = &MemDev{}

// MemDev simulates the device in memory. Every operation completes inline,
// before ReadAt/WriteAt returns — sufficient for the single-threaded
// cooperative model this module assumes, and deterministic for tests.
type MemDev struct {
	data []byte
}

// New returns a new memdev of the given size, zero-filled.
func New(size int64) *MemDev {
	return &MemDev{data: make([]byte, size)}
}

// Size returns the byte size of the device.
func (md *MemDev) Size() int64 {
	return int64(len(md.data))
}

// ReadAt copies len(buf) bytes starting at offset into buf.
func (md *MemDev) ReadAt(offset int64, buf []byte, _ iodev.Priority, cb iodev.CompletionFunc) {
	if err := md.bounds(offset, len(buf)); err != nil {
		cb(err)
		return
	}
	copy(buf, md.data[offset:offset+int64(len(buf))])
	cb(nil)
}

// WriteAt copies len(buf) bytes from buf to offset.
func (md *MemDev) WriteAt(offset int64, buf []byte, _ iodev.Priority, cb iodev.CompletionFunc) {
	if err := md.bounds(offset, len(buf)); err != nil {
		cb(err)
		return
	}
	copy(md.data[offset:offset+int64(len(buf))], buf)
	cb(nil)
}

func (md *MemDev) bounds(offset int64, n int) error {
	if offset < 0 || n < 0 || offset+int64(n) > int64(len(md.data)) {
		return errors.Errorf("out of bounds access at offset %d, length %d, device size %d", offset, n, len(md.data))
	}
	return nil
}
