package tuic

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/edgebound/proxyd/internal/addrcodec"
	"github.com/edgebound/proxyd/internal/errs"
	"github.com/edgebound/proxyd/internal/logging"
)

const reassemblyShardCount = 16

// bitmap128 tracks which of up to MaxFragments fragment ids have arrived,
// so "all fragments present" is a single popcount (spec §9 Design Notes).
type bitmap128 [2]uint64

func (b *bitmap128) set(i uint8) {
	b[i/64] |= 1 << (i % 64)
}

func (b bitmap128) isSet(i uint8) bool {
	return b[i/64]&(1<<(i%64)) != 0
}

func (b bitmap128) popcount() int {
	count := 0
	for _, word := range b {
		for word != 0 {
			count++
			word &= word - 1
		}
	}
	return count
}

// assocKey identifies one UDP association within one client connection.
type assocKey struct {
	client   string
	assocID  uint16
}

// reassemblyBuffer is one in-progress packet, keyed precisely by
// (client, assoc_id, pkt_id) so concurrent packets on the same association
// never collide (spec §9 Open Question (b)).
type reassemblyBuffer struct {
	fragTotal  uint8
	fragments  [][]byte
	bitmap     bitmap128
	totalBytes int
	lastUpdate time.Time
	address    addrcodec.Address // set on fragment 0
}

type reassemblyShard struct {
	mu     sync.Mutex
	assocs map[assocKey]map[uint16]*reassemblyBuffer
}

// ReassemblyStore holds every in-progress fragmented packet for every
// connection, with bitmap tracking, byte caps, and time-based expiry
// (spec §4.5).
type ReassemblyStore struct {
	shards                       [reassemblyShardCount]*reassemblyShard
	sessionTimeout               time.Duration
	maxSessions                  int // 0 = unbounded
	maxReassemblyBytesPerSession int // 0 = unbounded

	count int64 // approximate total buffer count, for the max_sessions cap
	countMu sync.Mutex
}

// NewReassemblyStore builds a store with the given expiry and caps.
func NewReassemblyStore(sessionTimeout time.Duration, maxSessions, maxBytesPerSession int) *ReassemblyStore {
	s := &ReassemblyStore{
		sessionTimeout:               sessionTimeout,
		maxSessions:                  maxSessions,
		maxReassemblyBytesPerSession: maxBytesPerSession,
	}
	for i := range s.shards {
		s.shards[i] = &reassemblyShard{assocs: make(map[assocKey]map[uint16]*reassemblyBuffer)}
	}
	return s
}

func (s *ReassemblyStore) shardFor(client string, assocID uint16) *reassemblyShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(client))
	_, _ = h.Write([]byte{byte(assocID), byte(assocID >> 8)})
	return s.shards[h.Sum32()%reassemblyShardCount]
}

// Receive implements spec §4.5's receive operation: locate or create the
// buffer for (client, frag.AssocID, frag.PktID), fold in frag, and return
// the assembled payload plus its first-fragment address once complete.
func (s *ReassemblyStore) Receive(client string, frag Packet) (payload []byte, addr addrcodec.Address, complete bool, err error) {
	if frag.FragTotal > MaxFragments {
		logging.Warn("rejecting packet with oversized fragment count", "client", client, "assoc_id", frag.AssocID, "frag_total", frag.FragTotal)
		return nil, addrcodec.Address{}, false, fmt.Errorf("%w: frag_total %d", errs.ErrInvalidFragmentID, frag.FragTotal)
	}

	key := assocKey{client: client, assocID: frag.AssocID}
	shard := s.shardFor(client, frag.AssocID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	pkts, ok := shard.assocs[key]
	if !ok {
		pkts = make(map[uint16]*reassemblyBuffer)
		shard.assocs[key] = pkts
	}

	buf, ok := pkts[frag.PktID]
	if !ok {
		buf = &reassemblyBuffer{
			fragTotal: frag.FragTotal,
			fragments: make([][]byte, frag.FragTotal),
		}
		pkts[frag.PktID] = buf
		s.incrCount()
		s.evictIfNeeded()
	}

	if buf.bitmap.isSet(frag.FragID) {
		// Duplicate fragment: idempotent no-op (spec §4.5, §8).
		return nil, addrcodec.Address{}, false, nil
	}

	if s.maxReassemblyBytesPerSession > 0 && buf.totalBytes+len(frag.Payload) > s.maxReassemblyBytesPerSession {
		delete(pkts, frag.PktID)
		s.decrCount()
		return nil, addrcodec.Address{}, false, fmt.Errorf("%w: session for assoc %d", errs.ErrSessionTooLarge, frag.AssocID)
	}

	buf.fragments[frag.FragID] = frag.Payload
	buf.bitmap.set(frag.FragID)
	buf.totalBytes += len(frag.Payload)
	buf.lastUpdate = time.Now()
	if frag.FragID == 0 {
		buf.address = frag.Address
	}

	if buf.bitmap.popcount() != int(buf.fragTotal) {
		return nil, addrcodec.Address{}, false, nil
	}

	assembled := make([]byte, 0, buf.totalBytes)
	for _, chunk := range buf.fragments {
		assembled = append(assembled, chunk...)
	}
	addrOut := buf.address

	delete(pkts, frag.PktID)
	if len(pkts) == 0 {
		delete(shard.assocs, key)
	}
	s.decrCount()

	return assembled, addrOut, true, nil
}

// RemoveAssoc discards every in-progress buffer for (client, assocID),
// matching spec §4.5/§8: after Dissociate, later fragments of an
// in-progress packet start a fresh session rather than completing the
// torn-down one.
func (s *ReassemblyStore) RemoveAssoc(client string, assocID uint16) {
	key := assocKey{client: client, assocID: assocID}
	shard := s.shardFor(client, assocID)

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if pkts, ok := shard.assocs[key]; ok {
		s.countMu.Lock()
		s.count -= int64(len(pkts))
		s.countMu.Unlock()
		delete(shard.assocs, key)
	}
}

func (s *ReassemblyStore) incrCount() {
	s.countMu.Lock()
	s.count++
	s.countMu.Unlock()
}

func (s *ReassemblyStore) decrCount() {
	s.countMu.Lock()
	s.count--
	s.countMu.Unlock()
}

// evictIfNeeded must be called with the caller's shard lock held; it only
// inspects the process-wide counter. When the count exceeds maxSessions it
// starts evictOldest in a new goroutine, because finding the oldest buffer
// needs a cross-shard scan that does not belong on the hot insert path.
// The cap is therefore approximate: the new buffer is counted before the
// eviction runs, and each call evicts one buffer.
func (s *ReassemblyStore) evictIfNeeded() {
	if s.maxSessions <= 0 {
		return
	}
	s.countMu.Lock()
	exceeded := s.count > int64(s.maxSessions)
	s.countMu.Unlock()
	if exceeded {
		go s.evictOldest()
	}
}

// evictOldest removes the single oldest-updated buffer across all shards,
// implementing the max_sessions cap (spec §4.5).
func (s *ReassemblyStore) evictOldest() {
	var (
		oldestShard *reassemblyShard
		oldestKey   assocKey
		oldestPkt   uint16
		oldestTime  time.Time
		found       bool
	)

	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, pkts := range shard.assocs {
			for pktID, buf := range pkts {
				if !found || buf.lastUpdate.Before(oldestTime) {
					oldestShard, oldestKey, oldestPkt, oldestTime, found = shard, key, pktID, buf.lastUpdate, true
				}
			}
		}
		shard.mu.Unlock()
	}

	if !found {
		return
	}

	oldestShard.mu.Lock()
	if pkts, ok := oldestShard.assocs[oldestKey]; ok {
		if _, ok := pkts[oldestPkt]; ok {
			delete(pkts, oldestPkt)
			s.decrCount()
			if len(pkts) == 0 {
				delete(oldestShard.assocs, oldestKey)
			}
		}
	}
	oldestShard.mu.Unlock()
}

// Run starts the periodic cleanup sweep (spec §4.5 Housekeeping) and blocks
// until ctx is canceled.
func (s *ReassemblyStore) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

func (s *ReassemblyStore) sweepExpired() {
	cutoff := time.Now().Add(-s.sessionTimeout)

	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, pkts := range shard.assocs {
			for pktID, buf := range pkts {
				if buf.lastUpdate.Before(cutoff) {
					delete(pkts, pktID)
					s.decrCount()
				}
			}
			if len(pkts) == 0 {
				delete(shard.assocs, key)
			}
		}
		shard.mu.Unlock()
	}
}
