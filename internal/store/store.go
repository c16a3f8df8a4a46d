package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"oes/internal/domain"
)

var log = logrus.WithField("component", "store")

// Store wraps a pebble.DB with the ordered-set / hash / pub-sub
// primitives §4.A asks for, plus the per-key serialization that makes
// Consume a safe compare-and-decrement.
type Store struct {
	db *pebble.DB

	keyLocks sync.Map // string -> *sync.Mutex, one per CAS id (order id or ledger account lock key)

	subMu sync.Mutex
	subs  map[string][]*subscription
}

type subscription struct {
	ch     chan []byte
	closed bool
}

// Open opens (or creates) a pebble database at dir. DisableWAL is left
// false: durability of book and ledger state matters the same way it
// mattered to the teacher's exit-WAL outbox.
func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{DisableWAL: false})
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "open store", err)
	}
	return &Store{db: db, subs: make(map[string][]*subscription)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) lockFor(id string) *sync.Mutex {
	v, _ := s.keyLocks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// ---------------------------------------------------------------------
// Hash operations: order:{id}, account:{id}, positions:{account_id}
// ---------------------------------------------------------------------

// HSet writes a single field of a hash record.
func (s *Store) HSet(key, field string, value []byte) error {
	if err := s.db.Set(hashField(key, field), value, pebble.Sync); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "hset", err)
	}
	return nil
}

// HGet reads a single field of a hash record. ok is false if absent.
func (s *Store) HGet(key, field string) (value []byte, ok bool, err error) {
	v, closer, gerr := s.db.Get(hashField(key, field))
	if gerr == pebble.ErrNotFound {
		return nil, false, nil
	}
	if gerr != nil {
		return nil, false, domain.Wrap(domain.CodeUnavailable, "hget", gerr)
	}
	defer closer.Close()
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

// HGetAll returns every field currently set under key.
func (s *Store) HGetAll(key string) (map[string][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: hashPrefix(key),
		UpperBound: append(hashPrefix(key), 0xff),
	})
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "hgetall", err)
	}
	defer iter.Close()

	out := make(map[string][]byte)
	prefix := hashPrefix(key)
	for iter.First(); iter.Valid(); iter.Next() {
		field := bytes.TrimPrefix(iter.Key(), prefix)
		val := make([]byte, len(iter.Value()))
		copy(val, iter.Value())
		out[string(field)] = val
	}
	return out, iter.Error()
}

// HDel removes a single field.
func (s *Store) HDel(key, field string) error {
	if err := s.db.Delete(hashField(key, field), pebble.Sync); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "hdel", err)
	}
	return nil
}

// ---------------------------------------------------------------------
// Ordered-set operations: book:{venue}:{symbol}:bids|asks
// ---------------------------------------------------------------------

// ZAdd inserts member with the given score. seq is the tiebreaker that
// breaks ties at equal score (older sequence sorts first).
func (s *Store) ZAdd(key string, score decimal.Decimal, seq uint64, member string) error {
	sc := encodeScore(score)
	sq := encodeSequence(seq)

	b := s.db.NewBatch()
	defer b.Close()

	idxVal := append(append([]byte{}, sc[:]...), sq[:]...)
	if err := b.Set(zIndexMember(key, member), idxVal, nil); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "zadd index", err)
	}
	if err := b.Set(zsetMember(key, sc, sq, member), []byte(member), nil); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "zadd", err)
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "zadd commit", err)
	}
	return nil
}

// ZRem removes member from key's ordered set. No-op if absent.
func (s *Store) ZRem(key, member string) error {
	idxKey := zIndexMember(key, member)
	idxVal, closer, err := s.db.Get(idxKey)
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		return domain.Wrap(domain.CodeUnavailable, "zrem lookup", err)
	}
	var sc, sq [8]byte
	copy(sc[:], idxVal[0:8])
	copy(sq[:], idxVal[8:16])
	closer.Close()

	b := s.db.NewBatch()
	defer b.Close()
	_ = b.Delete(idxKey, nil)
	_ = b.Delete(zsetMember(key, sc, sq, member), nil)
	if err := b.Commit(pebble.Sync); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "zrem commit", err)
	}
	return nil
}

// ZRange returns members in ascending score order (or descending when
// reverse is true) within [start, stop], Redis-slice style: negative
// indices count from the end, -1 being the last element.
func (s *Store) ZRange(key string, start, stop int, reverse bool) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: zsetPrefix(key),
		UpperBound: zsetUpperBound(key),
	})
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "zrange", err)
	}
	defer iter.Close()

	var all []string
	for iter.First(); iter.Valid(); iter.Next() {
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		all = append(all, string(v))
	}
	if err := iter.Error(); err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "zrange iter", err)
	}

	if reverse {
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
	}

	lo, hi := normalizeRange(start, stop, len(all))
	if lo > hi {
		return nil, nil
	}
	return all[lo : hi+1], nil
}

func normalizeRange(start, stop, n int) (int, int) {
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	return start, stop
}

// ZCard reports the number of members currently in the set.
func (s *Store) ZCard(key string) (int, error) {
	members, err := s.ZRange(key, 0, -1, false)
	if err != nil {
		return 0, err
	}
	return len(members), nil
}

// ---------------------------------------------------------------------
// Append-only lists: txn:{account_id}
// ---------------------------------------------------------------------

// LAppend appends value as the next entry under key, ordered by seq.
func (s *Store) LAppend(key string, seq uint64, value []byte) error {
	if err := s.db.Set(listEntry(key, encodeSequence(seq)), value, pebble.Sync); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "lappend", err)
	}
	return nil
}

// LRange returns every entry under key in append order.
func (s *Store) LRange(key string) ([][]byte, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: listPrefix(key),
		UpperBound: append(listPrefix(key), 0xff),
	})
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "lrange", err)
	}
	defer iter.Close()

	var out [][]byte
	for iter.First(); iter.Valid(); iter.Next() {
		v := make([]byte, len(iter.Value()))
		copy(v, iter.Value())
		out = append(out, v)
	}
	return out, iter.Error()
}

// ---------------------------------------------------------------------
// Compare-and-set primitive
// ---------------------------------------------------------------------

// CAS runs fn while holding the per-id lock for id, giving callers a
// single logical step in which to read-check-write. This is the
// "decrement remaining by Q if remaining >= Q" primitive §4.A calls for;
// orderbook.Book.Consume is built directly on it.
func (s *Store) CAS(id string, fn func() error) error {
	mu := s.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	return fn()
}

// ---------------------------------------------------------------------
// Pub/Sub
// ---------------------------------------------------------------------

// Subscribe registers for messages published to channel. The returned
// function unsubscribes and closes the channel.
func (s *Store) Subscribe(channel string) (<-chan []byte, func()) {
	sub := &subscription{ch: make(chan []byte, 256)}

	s.subMu.Lock()
	s.subs[channel] = append(s.subs[channel], sub)
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		list := s.subs[channel]
		for i, sb := range list {
			if sb == sub {
				s.subs[channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers payload to every current subscriber of channel
// without blocking; a subscriber with a full queue simply misses this
// message (policy for trimming/dropping lives in the eventbus package,
// which layers bounded, topic-aware queues on top of this primitive).
func (s *Store) Publish(ctx context.Context, channel string, payload []byte) {
	s.subMu.Lock()
	subs := append([]*subscription{}, s.subs[channel]...)
	s.subMu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- payload:
		case <-ctx.Done():
			return
		default:
			log.WithField("channel", channel).Debug("dropping publish: subscriber queue full")
		}
	}
}

// ---------------------------------------------------------------------
// Administrative scan / keys / clear
// ---------------------------------------------------------------------

// Keys lists every top-level logical key (not hash fields or zset
// members) matching pattern, for administrative inspection.
func (s *Store) Keys(pattern string) ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, domain.Wrap(domain.CodeUnavailable, "keys", err)
	}
	defer iter.Close()

	seen := make(map[string]struct{})
	for iter.First(); iter.Valid(); iter.Next() {
		logical, ok := logicalKey(iter.Key())
		if !ok {
			continue
		}
		if matchPattern(pattern, logical) {
			seen[logical] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, iter.Error()
}

// logicalKey strips the internal prefix+suffix encoding and returns the
// logical key name a caller used with HSet/ZAdd/LAppend.
func logicalKey(raw []byte) (string, bool) {
	if len(raw) < 2 {
		return "", false
	}
	rest := string(raw[2:])
	idx := strings.IndexByte(rest, 0)
	if idx < 0 {
		return "", false
	}
	return rest[:idx], true
}

// Clear wipes every key under the store. Used on startup unless
// OES_NO_CLEAR_DATA=1 (§6).
func (s *Store) Clear() error {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return domain.Wrap(domain.CodeUnavailable, "clear", err)
	}
	defer iter.Close()

	b := s.db.NewBatch()
	defer b.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		_ = b.Delete(iter.Key(), nil)
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return domain.Wrap(domain.CodeUnavailable, "clear commit", err)
	}
	return nil
}
