package store

import (
	"bytes"
	"strings"
)

// Keyspace prefixes mirror §6's "Persisted state layout" exactly:
//
//	order:{id}                          -> hash of order fields
//	book:{venue}:{symbol}:bids|asks      -> sorted set of order ids
//	account:{id}                        -> hash
//	positions:{account_id}              -> hash per-symbol
//	txn:{account_id}                    -> append-only list

const (
	prefixHash   = "h\x00" // h\x00{key}\x00{field} -> value
	prefixZSet   = "z\x00" // z\x00{key}\x00{score}{seq}{member} -> member
	prefixZIndex = "i\x00" // i\x00{key}\x00{member} -> score||seq (for ZRem/ZScore lookups)
	prefixList   = "l\x00" // l\x00{key}\x00{seq} -> value (append-only)
)

func hashField(key, field string) []byte {
	return []byte(prefixHash + key + "\x00" + field)
}

func hashPrefix(key string) []byte {
	return []byte(prefixHash + key + "\x00")
}

func zsetMember(key string, score [8]byte, seq [8]byte, member string) []byte {
	var b bytes.Buffer
	b.WriteString(prefixZSet)
	b.WriteString(key)
	b.WriteByte(0)
	b.Write(score[:])
	b.Write(seq[:])
	b.WriteString(member)
	return b.Bytes()
}

func zsetPrefix(key string) []byte {
	return []byte(prefixZSet + key + "\x00")
}

func zsetUpperBound(key string) []byte {
	// \xff never appears as a valid first byte of the next field, so this
	// upper-bounds every entry under this key.
	return append(zsetPrefix(key), 0xff)
}

func zIndexMember(key, member string) []byte {
	return []byte(prefixZIndex + key + "\x00" + member)
}

func listEntry(key string, seq [8]byte) []byte {
	var b bytes.Buffer
	b.WriteString(prefixList)
	b.WriteString(key)
	b.WriteByte(0)
	b.Write(seq[:])
	return b.Bytes()
}

func listPrefix(key string) []byte {
	return []byte(prefixList + key + "\x00")
}

// matchPattern implements the small subset of glob used by admin "scan":
// a literal prefix plus an optional trailing "*".
func matchPattern(pattern, key string) bool {
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(key, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == key
}
