package sstable

import (
	"fmt"
	"path/filepath"

	"github.com/INLOpen/rucksdb/core"
)

// format.go: constants for the on-disk table file format.

// Local aliases for the sentinel errors this package raises, so call sites
// in this package don't need to import core directly just to compare
// errors.
var (
	ErrNotFound = core.ErrNotFound
	ErrCorrupted = core.ErrCorruption
	ErrClosed    = core.ErrClosed
)

// MagicNumber is the 8-byte trailer that closes every table file's footer.
const MagicNumber uint64 = 0x88e3f3fb2af1ecd7

// FooterSize is the fixed size, in bytes, of the footer block: two block
// handles (at most BlockHandleMaxSize bytes each), zero padding, then the
// 8-byte magic number.
const FooterSize = 48

// BlockHandleMaxSize is the maximum encoded size of a BlockHandle: two
// varint-encoded uint64 values.
const BlockHandleMaxSize = 2 * 10 // binary.MaxVarintLen64

// DefaultBlockSize specifies the target uncompressed size for data blocks.
const DefaultBlockSize = 4 * 1024

// DefaultRestartPointInterval specifies how often a restart point storing
// the full key is emitted inside a block.
const DefaultRestartPointInterval = 16

// MetaIndexFilterKey is the only entry this table format's meta-index block
// currently carries: the name under which the bloom filter block's handle
// is stored.
const MetaIndexFilterKey = "filter.bloomfilter"

// blockTrailerSize is the per-block trailer: one compression-type byte plus
// a four-byte little-endian CRC-32 of (payload || compression byte). The
// checksum uses the IEEE polynomial (crc32.ChecksumIEEE), not crc32c.
const blockTrailerSize = 1 + 4

// FileName returns the on-disk path of the table file identified by id,
// inside dir: the file number zero-padded to 6 digits, matching the
// convention this repo already uses for manifest files.
func FileName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", id))
}
