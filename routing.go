package findnet

import (
	"sync"
)

// BucketCapacity is how many peers a single bucket remembers. Once full, new
// peers for that bucket are dropped: nothing is ever evicted.
const BucketCapacity = 40

// RoutingTable buckets the find peers we know by their XOR distance to the
// local id.
//
// Bucket `i` contains the peers whose first differing bit with the local id
// is bit `i`; bucket `IDBits` could only contain the local id, which is
// never inserted.
type RoutingTable struct {
	local ID

	lk      sync.RWMutex
	buckets [IDBits + 1][]ID
	size    int
}

func NewRoutingTable(local ID) *RoutingTable {
	return &RoutingTable{local: local}
}

func (rt *RoutingTable) Local() ID {
	return rt.local
}

// BucketIndex of peer relative to the local id.
func (rt *RoutingTable) BucketIndex(peer ID) int {
	return BucketIndex(rt.local, peer)
}

// Add remembers peer if its bucket still has room. It reports whether the
// peer was inserted; known peers and the local id are refused.
func (rt *RoutingTable) Add(peer ID) bool {
	idx := BucketIndex(rt.local, peer)
	if idx == IDBits {
		return false
	}

	rt.lk.Lock()
	defer rt.lk.Unlock()
	bucket := rt.buckets[idx]
	if len(bucket) >= BucketCapacity {
		return false
	}
	for _, known := range bucket {
		if known == peer {
			return false
		}
	}
	rt.buckets[idx] = append(bucket, peer)
	rt.size++
	return true
}

func (rt *RoutingTable) Contains(peer ID) bool {
	idx := BucketIndex(rt.local, peer)
	rt.lk.RLock()
	defer rt.lk.RUnlock()
	for _, known := range rt.buckets[idx] {
		if known == peer {
			return true
		}
	}
	return false
}

// CloserTo returns up to count peers to ask about target.
//
// Peers sharing the bucket of target are taken first, then the lower-index
// buckets in descending order. If those are not enough, the higher-index
// buckets are scanned too so a short table is always fully used.
func (rt *RoutingTable) CloserTo(target ID, count int) []ID {
	if count <= 0 {
		return nil
	}

	rt.lk.RLock()
	defer rt.lk.RUnlock()

	start := BucketIndex(rt.local, target)
	if start == IDBits {
		start = IDBits - 1
	}

	found := make([]ID, 0, min(count, rt.size))
	take := func(idx int) bool {
		remaining := count - len(found)
		n := min(remaining, len(rt.buckets[idx]))
		found = append(found, rt.buckets[idx][:n]...)
		return len(found) >= count
	}

	for idx := start; idx >= 0; idx-- {
		if take(idx) {
			return found
		}
	}
	for idx := start + 1; idx < IDBits; idx++ {
		if take(idx) {
			return found
		}
	}
	return found
}

// Size is the number of peers across all buckets.
func (rt *RoutingTable) Size() int {
	rt.lk.RLock()
	defer rt.lk.RUnlock()
	return rt.size
}

// BucketSize is the number of peers in bucket idx.
func (rt *RoutingTable) BucketSize(idx int) int {
	if idx < 0 || idx > IDBits {
		return 0
	}
	rt.lk.RLock()
	defer rt.lk.RUnlock()
	return len(rt.buckets[idx])
}

// Peers lists every known peer, lowest bucket first.
func (rt *RoutingTable) Peers() []ID {
	rt.lk.RLock()
	defer rt.lk.RUnlock()
	peers := make([]ID, 0, rt.size)
	for _, bucket := range rt.buckets {
		peers = append(peers, bucket...)
	}
	return peers
}
