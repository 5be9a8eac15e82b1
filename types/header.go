// Package types defines the on-disk layout shared by every package in this
// module.
package types

import (
	"unsafe"

	"github.com/outofforest/photon"
)

// BlockID identifies a logical block as known to the LBA index. 0 is
// reserved to mean "no block" (a free or never-written slot).
type BlockID uint64

// TransactionID stamps the write that produced a block's current header.
type TransactionID uint64

// Recency is the opaque "last touched" timestamp the LBA index tracks per
// block, surfaced verbatim to read-ahead offers.
type Recency uint64

// Header is the fixed-size prefix written immediately before every block's
// payload. It is encoded in place using photon, a zero-copy struct overlay.
type Header struct {
	BlockID       BlockID
	TransactionID TransactionID
}

// HeaderSize is the byte size of Header on disk.
const HeaderSize = int(unsafe.Sizeof(Header{}))

// HeaderAt overlays buf (which must be at least HeaderSize long) as a
// *Header, allowing in-place reads and writes of the block's header.
func HeaderAt(buf []byte) photon.Union[*Header] {
	return photon.NewFromBytes[Header](buf)
}
