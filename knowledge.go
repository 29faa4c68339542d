package findnet

import (
	"bytes"
	"math/rand/v2"
	"slices"
	"sync"
	"time"
)

// Container is a peer we track as potentially holding content.
type Container struct {
	ID   ID
	Kind Kind
	Has  []ID
}

type container struct {
	kind Kind
	has  map[ID]struct{}
}

// KnowledgeBase is the local, eventually consistent, view of "who has what".
//
// It maintains two indices which are always mutated together under the same
// lock: the content held by every container, and the containers holding
// every content id. Containers are never removed, only their content set
// shrinks when validation disproves a claim.
type KnowledgeBase struct {
	lk         sync.RWMutex
	containers map[ID]*container
	holders    map[ID]map[ID]struct{}

	// last time the holders of a content id were validated.
	validated map[ID]time.Time
}

func NewKnowledgeBase() *KnowledgeBase {
	return &KnowledgeBase{
		containers: make(map[ID]*container),
		holders:    make(map[ID]map[ID]struct{}),
		validated:  make(map[ID]time.Time),
	}
}

// RecordHas registers that holder has content. It reports whether this is
// new information.
func (kb *KnowledgeBase) RecordHas(content, holder ID) bool {
	kb.lk.Lock()
	defer kb.lk.Unlock()
	return kb.recordHas(content, holder)
}

func (kb *KnowledgeBase) recordHas(content, holder ID) bool {
	c, changed := kb.observe(holder, KindUnknown)
	if _, has := c.has[content]; has {
		return changed
	}
	c.has[content] = struct{}{}

	set, ok := kb.holders[content]
	if !ok {
		set = make(map[ID]struct{})
		kb.holders[content] = set
	}
	set[holder] = struct{}{}
	return true
}

// Observe makes sure a container exists for id. A known kind is never
// overwritten, but an unknown one is upgraded. It reports whether anything
// changed.
func (kb *KnowledgeBase) Observe(id ID, kind Kind) bool {
	kb.lk.Lock()
	defer kb.lk.Unlock()
	_, changed := kb.observe(id, kind)
	return changed
}

func (kb *KnowledgeBase) observe(id ID, kind Kind) (*container, bool) {
	c, ok := kb.containers[id]
	if !ok {
		c = &container{kind: kind, has: make(map[ID]struct{})}
		kb.containers[id] = c
		return c, true
	}
	if c.kind == KindUnknown && kind != KindUnknown {
		c.kind = kind
		return c, true
	}
	return c, false
}

// ContainersFor lists the holders of content, sorted.
func (kb *KnowledgeBase) ContainersFor(content ID) []ID {
	kb.lk.RLock()
	defer kb.lk.RUnlock()
	return sortedIDs(kb.holders[content])
}

// Known reports whether at least one holder of content is recorded.
func (kb *KnowledgeBase) Known(content ID) bool {
	kb.lk.RLock()
	defer kb.lk.RUnlock()
	return len(kb.holders[content]) > 0
}

func (kb *KnowledgeBase) Container(id ID) (Container, bool) {
	kb.lk.RLock()
	defer kb.lk.RUnlock()
	c, ok := kb.containers[id]
	if !ok {
		return Container{}, false
	}
	return Container{ID: id, Kind: c.kind, Has: sortedIDs(c.has)}, true
}

// KindOf returns the kind recorded for id, `KindUnknown` if it is not known.
func (kb *KnowledgeBase) KindOf(id ID) Kind {
	kb.lk.RLock()
	defer kb.lk.RUnlock()
	if c, ok := kb.containers[id]; ok {
		return c.kind
	}
	return KindUnknown
}

// ContainersOfKind lists the ids of every container of the given kind.
func (kb *KnowledgeBase) ContainersOfKind(kind Kind) []ID {
	kb.lk.RLock()
	defer kb.lk.RUnlock()
	var ids []ID
	for id, c := range kb.containers {
		if c.kind == kind {
			ids = append(ids, id)
		}
	}
	sortIDs(ids)
	return ids
}

// Retain commits a validation round for content: every probed holder which
// is not in confirmed stops holding content, confirmed ones are recorded.
// Holders which were not probed, e.g. learnt while the probes were running,
// are left alone. It returns the dropped holders.
func (kb *KnowledgeBase) Retain(content ID, probed, confirmed []ID) (dropped []ID) {
	keep := make(map[ID]struct{}, len(confirmed))
	for _, id := range confirmed {
		keep[id] = struct{}{}
	}

	kb.lk.Lock()
	defer kb.lk.Unlock()
	for _, holder := range probed {
		if _, ok := keep[holder]; ok {
			continue
		}
		set := kb.holders[content]
		if _, ok := set[holder]; !ok {
			continue
		}
		delete(set, holder)
		if len(set) == 0 {
			delete(kb.holders, content)
		}
		if c, ok := kb.containers[holder]; ok {
			delete(c.has, content)
		}
		dropped = append(dropped, holder)
	}
	for _, holder := range confirmed {
		kb.recordHas(content, holder)
	}
	return dropped
}

// PickStale selects a random content id whose holders were last validated
// before now - maxAge, and marks it as validated at now. Never validated ids
// are always stale.
func (kb *KnowledgeBase) PickStale(now time.Time, maxAge time.Duration) (ID, bool) {
	kb.lk.Lock()
	defer kb.lk.Unlock()

	deadline := now.Add(-maxAge)
	var candidates []ID
	for content := range kb.holders {
		if last, ok := kb.validated[content]; ok && last.After(deadline) {
			continue
		}
		candidates = append(candidates, content)
	}
	if len(candidates) == 0 {
		return ID{}, false
	}

	picked := candidates[rand.IntN(len(candidates))]
	kb.validated[picked] = now
	return picked, true
}

// MarkValidated records that the holders of content are being validated at
// now, so `KnowledgeBase.PickStale` leaves it alone for a while.
func (kb *KnowledgeBase) MarkValidated(content ID, now time.Time) {
	kb.lk.Lock()
	defer kb.lk.Unlock()
	kb.validated[content] = now
}

// Stats returns the number of containers and of content ids with holders.
func (kb *KnowledgeBase) Stats() (containers int, contents int) {
	kb.lk.RLock()
	defer kb.lk.RUnlock()
	return len(kb.containers), len(kb.holders)
}

// Snapshot serialises every container, sorted by id.
func (kb *KnowledgeBase) Snapshot() []PersistentRecord {
	kb.lk.RLock()
	defer kb.lk.RUnlock()
	records := make([]PersistentRecord, 0, len(kb.containers))
	for id, c := range kb.containers {
		records = append(records, PersistentRecord{
			ID:   id,
			Kind: c.kind,
			Has:  sortedIDs(c.has),
		})
	}
	slices.SortFunc(records, func(a, b PersistentRecord) int {
		return bytes.Compare(a.ID[:], b.ID[:])
	})
	return records
}

// Restore merges records into the knowledge base. Containers which are
// already known are kept as they are: what is in memory is always fresher
// than what was on disk. It returns how many containers were added.
func (kb *KnowledgeBase) Restore(records []PersistentRecord) (added int) {
	kb.lk.Lock()
	defer kb.lk.Unlock()
	for _, record := range records {
		if _, known := kb.containers[record.ID]; known {
			continue
		}
		kb.observe(record.ID, record.Kind)
		for _, content := range record.Has {
			kb.recordHas(content, record.ID)
		}
		added++
	}
	return added
}

func sortIDs(ids []ID) {
	slices.SortFunc(ids, func(a, b ID) int {
		return bytes.Compare(a[:], b[:])
	})
}

func sortedIDs(set map[ID]struct{}) []ID {
	ids := make([]ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}
