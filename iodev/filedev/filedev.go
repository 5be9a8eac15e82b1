// Package filedev backs iodev.Device with a real file, using os.File's
// positioned ReadAt/WriteAt so operations from different in-flight rounds
// never perturb a shared cursor. Each operation is dispatched on its own
// goroutine and the result delivered through the caller's completion
// callback. The priority argument is accepted and ignored, since the host
// OS gives no portable lever to honor it without platform-specific
// syscalls.
package filedev

import (
	"os"

	"github.com/pkg/errors"

	"github.com/outofforest/dbman/iodev"
)

var _ iodev.Device = &FileDev{}

// FileDev uses an open file handle as a device.
type FileDev struct {
	file *os.File
	size int64
}

// New returns a new filedev backed by file, which must already be open for
// reading and writing.
func New(file *os.File) (*FileDev, error) {
	info, err := file.Stat()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &FileDev{file: file, size: info.Size()}, nil
}

// Size returns the byte size of the file.
func (fd *FileDev) Size() int64 {
	return fd.size
}

// ReadAt submits an async read at offset, completed on its own goroutine.
func (fd *FileDev) ReadAt(offset int64, buf []byte, _ iodev.Priority, cb iodev.CompletionFunc) {
	go func() {
		_, err := fd.file.ReadAt(buf, offset)
		if err != nil {
			cb(errors.WithStack(err))
			return
		}
		cb(nil)
	}()
}

// WriteAt submits an async write at offset, completed on its own goroutine.
func (fd *FileDev) WriteAt(offset int64, buf []byte, _ iodev.Priority, cb iodev.CompletionFunc) {
	go func() {
		_, err := fd.file.WriteAt(buf, offset)
		if err != nil {
			cb(errors.WithStack(err))
			return
		}
		cb(nil)
	}()
}
