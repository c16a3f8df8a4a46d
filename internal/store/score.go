package store

import (
	"encoding/binary"

	"github.com/shopspring/decimal"
)

// scoreScale fixes the decimal precision carried into the sortable byte
// encoding. Eight decimal places comfortably covers prices and the
// synthetic negative-price scores used for bid ordering.
const scoreScale = 100_000_000 // 1e8

// encodeScore turns a decimal score into an 8-byte big-endian key
// fragment whose lexicographic byte order matches numeric order,
// including across the sign boundary (the classic "flip the sign bit"
// trick for order-preserving integer encodings).
func encodeScore(score decimal.Decimal) [8]byte {
	scaled := score.Mul(decimal.NewFromInt(scoreScale)).Round(0)
	v := scaled.BigInt().Int64()
	return encodeOrderedInt64(v)
}

func encodeOrderedInt64(v int64) [8]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v)^(1<<63))
	return buf
}

// encodeSequence turns a monotonic sequence number into an 8-byte
// big-endian fragment. Sequences are never negative, so no sign flip is
// needed — plain big-endian already sorts correctly.
func encodeSequence(seq uint64) [8]byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], seq)
	return buf
}
