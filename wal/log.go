package wal

// log.go implements the block-framed write-ahead log: the log is a
// sequence of fixed-size blocks, each holding one or more fragments of the
// form [crc32c:4|length:2|type:1|payload]; a logical record is either one
// FULL fragment or a FIRST+(MIDDLE*)+LAST chain. Fragmenting at a fixed
// block boundary means a reader can always resync to the next fragment
// header after a corrupt one instead of losing the rest of the file.

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/INLOpen/rucksdb/sys"
)

// BlockSize is the fixed size of one log block.
const BlockSize = 32 * 1024

// headerSize is the per-fragment header: crc32c(4) + length(2) + type(1).
const headerSize = 4 + 2 + 1

// RecordType tags a fragment's position within its logical record.
type RecordType byte

const (
	recordZero  RecordType = 0 // never written; marks unwritten trailing bytes
	RecordFull  RecordType = 1
	RecordFirst RecordType = 2
	RecordMiddle RecordType = 3
	RecordLast  RecordType = 4
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Writer appends logical records to an open log file, fragmenting any
// record that does not fit in the remaining space of the current block.
type Writer struct {
	mu     sync.Mutex
	file   sys.FileHandle
	offset int // bytes written into the current block, in [0, BlockSize]
}

// NewWriter creates (or truncates) path and returns a Writer over it.
func NewWriter(path string) (*Writer, error) {
	f, err := sys.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create wal file %s: %w", path, err)
	}
	return &Writer{file: f}, nil
}

// NewWriterAppend opens an existing log file for append, with the block
// offset inferred from its current size modulo BlockSize; used when
// continuing a log that recovery decided to keep writing to.
func NewWriterAppend(path string) (*Writer, error) {
	f, err := sys.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal file %s for append: %w", path, err)
	}
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat wal file %s: %w", path, err)
	}
	if _, err := f.Seek(stat.Size(), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek wal file %s: %w", path, err)
	}
	return &Writer{file: f, offset: int(stat.Size() % BlockSize)}, nil
}

// AddRecord appends one logical record, fragmenting across blocks as
// needed. If sync is true, the file is flushed durably before returning.
func (w *Writer) AddRecord(data []byte, sync bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	begin := true
	for {
		leftover := BlockSize - w.offset
		if leftover < headerSize {
			if leftover > 0 {
				if _, err := w.file.Write(make([]byte, leftover)); err != nil {
					return fmt.Errorf("pad wal block: %w", err)
				}
			}
			w.offset = 0
			leftover = BlockSize
		}

		avail := leftover - headerSize
		fragLen := len(data)
		if fragLen > avail {
			fragLen = avail
		}
		end := fragLen == len(data)

		var typ RecordType
		switch {
		case begin && end:
			typ = RecordFull
		case begin:
			typ = RecordFirst
		case end:
			typ = RecordLast
		default:
			typ = RecordMiddle
		}

		if err := w.writeFragment(typ, data[:fragLen]); err != nil {
			return err
		}
		data = data[fragLen:]
		begin = false
		if end {
			break
		}
	}

	if sync {
		return w.file.Sync()
	}
	return nil
}

func (w *Writer) writeFragment(typ RecordType, payload []byte) error {
	var header [headerSize]byte
	binary.LittleEndian.PutUint16(header[4:6], uint16(len(payload)))
	header[6] = byte(typ)

	checksum := crc32.Checksum(append([]byte{byte(typ)}, payload...), crc32cTable)
	binary.LittleEndian.PutUint32(header[0:4], checksum)

	if _, err := w.file.Write(header[:]); err != nil {
		return fmt.Errorf("write wal fragment header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.file.Write(payload); err != nil {
			return fmt.Errorf("write wal fragment payload: %w", err)
		}
	}
	w.offset += headerSize + len(payload)
	return nil
}

// Sync flushes the log file durably.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Sync()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Reader reconstructs logical records from a log file written by Writer.
// Corrupt fragments and the logical record they belong to are dropped;
// Corrupted reports whether any corruption was seen.
type Reader struct {
	file sys.FileHandle

	block    [BlockSize]byte
	blockLen int
	blockPos int

	record    []byte
	sawCorrupt bool
	eof       bool
}

// NewReader opens path for sequential record recovery.
func NewReader(path string) (*Reader, error) {
	f, err := sys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open wal file %s: %w", path, err)
	}
	return &Reader{file: f}, nil
}

// ReadRecord returns the next logical record, or io.EOF when the log is
// exhausted. The returned slice is only valid until the next call.
func (r *Reader) ReadRecord() ([]byte, error) {
	r.record = r.record[:0]
	inFragmentedRecord := false

	for {
		typ, payload, err := r.nextFragment()
		if err == io.EOF {
			if inFragmentedRecord {
				r.sawCorrupt = true
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		if typ == nil {
			// Corrupt fragment: drop any record in progress and keep scanning.
			r.sawCorrupt = true
			inFragmentedRecord = false
			r.record = r.record[:0]
			continue
		}

		switch *typ {
		case RecordFull:
			return append([]byte(nil), payload...), nil
		case RecordFirst:
			r.record = append(r.record[:0], payload...)
			inFragmentedRecord = true
		case RecordMiddle:
			if !inFragmentedRecord {
				r.sawCorrupt = true
				continue
			}
			r.record = append(r.record, payload...)
		case RecordLast:
			if !inFragmentedRecord {
				r.sawCorrupt = true
				continue
			}
			r.record = append(r.record, payload...)
			return append([]byte(nil), r.record...), nil
		}
	}
}

// nextFragment returns the next fragment's type and payload. A nil type
// with a nil error means the fragment's checksum failed and was skipped.
func (r *Reader) nextFragment() (*RecordType, []byte, error) {
	for {
		if r.blockPos+headerSize > r.blockLen {
			if err := r.fillBlock(); err != nil {
				return nil, nil, err
			}
		}

		remaining := r.blockLen - r.blockPos
		if remaining < headerSize {
			// Trailing zero padding smaller than one header: skip to next block.
			if err := r.fillBlock(); err != nil {
				return nil, nil, err
			}
			continue
		}

		header := r.block[r.blockPos : r.blockPos+headerSize]
		storedChecksum := binary.LittleEndian.Uint32(header[0:4])
		length := binary.LittleEndian.Uint16(header[4:6])
		typ := RecordType(header[6])

		if typ == recordZero && storedChecksum == 0 && length == 0 {
			if err := r.fillBlock(); err != nil {
				return nil, nil, err
			}
			continue
		}

		if r.blockPos+headerSize+int(length) > r.blockLen {
			r.blockPos = r.blockLen
			return nil, nil, nil
		}

		payload := r.block[r.blockPos+headerSize : r.blockPos+headerSize+int(length)]
		check := crc32.Checksum(append([]byte{byte(typ)}, payload...), crc32cTable)
		r.blockPos += headerSize + int(length)

		if check != storedChecksum {
			return nil, nil, nil
		}
		t := typ
		return &t, payload, nil
	}
}

func (r *Reader) fillBlock() error {
	if r.eof {
		return io.EOF
	}
	n, err := io.ReadFull(r.file, r.block[:])
	if err != nil && err != io.ErrUnexpectedEOF {
		if err == io.EOF {
			r.eof = true
			return io.EOF
		}
		return fmt.Errorf("read wal block: %w", err)
	}
	r.blockLen = n
	r.blockPos = 0
	if n < BlockSize {
		r.eof = true
	}
	if n == 0 {
		return io.EOF
	}
	return nil
}

// Corrupted reports whether any fragment or record was dropped due to a
// checksum mismatch or an unexpected fragment sequence.
func (r *Reader) Corrupted() bool { return r.sawCorrupt }

// Close closes the underlying file.
func (r *Reader) Close() error { return r.file.Close() }
