package core

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EntryKind distinguishes a live value from a deletion marker within an internal key.
type EntryKind byte

const (
	KindValue     EntryKind = 1
	KindTombstone EntryKind = 0
)

func (k EntryKind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindTombstone:
		return "tombstone"
	default:
		return fmt.Sprintf("EntryKind(%d)", byte(k))
	}
}

// KeySeparator is the byte inserted between the user key and the trailing
// sequence+kind suffix. It is a documented scar: a user key that itself
// contains this byte makes the internal-key encoding ambiguous on decode.
const KeySeparator = 0x00

// InternalKeySuffixSize is the number of bytes appended after the separator:
// 8 bytes of reversed sequence plus 1 kind byte.
const InternalKeySuffixSize = SeqNumSize + 1

// internalKeyOverhead is the total number of bytes added to a user key to
// produce an internal key: the separator plus the suffix.
const internalKeyOverhead = 1 + InternalKeySuffixSize

// EncodedLen returns the length of the internal key that encodes userKey.
func EncodedLen(userKey []byte) int {
	return len(userKey) + internalKeyOverhead
}

// AppendInternalKey appends the internal-key encoding of (userKey, seq, kind)
// to dst and returns the extended slice. The encoding is
// userKey || 0x00 || be64(U64_MAX-seq) || kind, which sorts user keys
// ascending, then sequence descending, then kind.
func AppendInternalKey(dst, userKey []byte, seq uint64, kind EntryKind) []byte {
	dst = append(dst, userKey...)
	dst = append(dst, KeySeparator)
	var seqBuf [SeqNumSize]byte
	binary.BigEndian.PutUint64(seqBuf[:], ^seq)
	dst = append(dst, seqBuf[:]...)
	dst = append(dst, byte(kind))
	return dst
}

// EncodeInternalKey allocates and returns the internal-key encoding of
// (userKey, seq, kind).
func EncodeInternalKey(userKey []byte, seq uint64, kind EntryKind) []byte {
	buf := make([]byte, 0, EncodedLen(userKey))
	return AppendInternalKey(buf, userKey, seq, kind)
}

// DecodeInternalKey splits an internal key back into its three components.
// It returns an error if ik is too short to contain the separator and suffix.
func DecodeInternalKey(ik []byte) (userKey []byte, seq uint64, kind EntryKind, err error) {
	if len(ik) < internalKeyOverhead {
		return nil, 0, 0, fmt.Errorf("internal key too short: %d bytes", len(ik))
	}
	n := len(ik)
	kind = EntryKind(ik[n-1])
	seqEncoded := binary.BigEndian.Uint64(ik[n-1-SeqNumSize : n-1])
	seq = ^seqEncoded
	userKey = ik[:n-internalKeyOverhead]
	return userKey, seq, kind, nil
}

// UserKey returns just the user-key prefix of an internal key, without
// validating the suffix. Callers that only need the user key and trust the
// key's provenance (e.g. it came out of a block they already validated)
// should prefer this over DecodeInternalKey.
func UserKey(ik []byte) []byte {
	if len(ik) < internalKeyOverhead {
		return nil
	}
	return ik[:len(ik)-internalKeyOverhead]
}

// Sequence returns just the sequence number encoded in an internal key.
func Sequence(ik []byte) uint64 {
	n := len(ik)
	if n < internalKeyOverhead {
		return 0
	}
	return ^binary.BigEndian.Uint64(ik[n-1-SeqNumSize : n-1])
}

// Kind returns just the entry kind encoded in an internal key.
func Kind(ik []byte) EntryKind {
	if len(ik) < internalKeyOverhead {
		return KindTombstone
	}
	return EntryKind(ik[len(ik)-1])
}

// CompareInternalKeys orders two internal keys byte-lexicographically, which
// per the encoding yields: user key ascending, sequence descending, kind
// ascending (tombstone before value for equal user key and sequence, which
// cannot legitimately occur from a single write path but is kept total).
func CompareInternalKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// CompareUserKeys orders two raw user keys byte-lexicographically.
func CompareUserKeys(a, b []byte) int {
	return bytes.Compare(a, b)
}

// SameUserKey reports whether two internal keys share the same user-key
// prefix.
func SameUserKey(a, b []byte) bool {
	return bytes.Equal(UserKey(a), UserKey(b))
}
