package registry

import (
	"container/heap"
	"time"

	"github.com/google/uuid"
)

// scheduleIndex is the explicit "what fires next" structure: a min-heap of
// (time, trigger) entries with a by-trigger lookup. It is queryable without
// wall-clock waits, which keeps activation delivery deterministic in tests.
// Not safe for concurrent use; the Registry serializes access.
type scheduleIndex struct {
	entries   entryHeap
	byTrigger map[uuid.UUID]*scheduleEntry
}

type scheduleEntry struct {
	at        time.Time
	triggerID uuid.UUID
	index     int
}

func newScheduleIndex() *scheduleIndex {
	return &scheduleIndex{byTrigger: make(map[uuid.UUID]*scheduleEntry)}
}

// upsert sets the next activation time for a trigger, adding or re-keying
// its entry.
func (s *scheduleIndex) upsert(triggerID uuid.UUID, at time.Time) {
	if e, ok := s.byTrigger[triggerID]; ok {
		e.at = at
		heap.Fix(&s.entries, e.index)
		return
	}
	e := &scheduleEntry{at: at, triggerID: triggerID}
	s.byTrigger[triggerID] = e
	heap.Push(&s.entries, e)
}

func (s *scheduleIndex) remove(triggerID uuid.UUID) {
	e, ok := s.byTrigger[triggerID]
	if !ok {
		return
	}
	heap.Remove(&s.entries, e.index)
	delete(s.byTrigger, triggerID)
}

// nextFor returns the scheduled activation time for one trigger.
func (s *scheduleIndex) nextFor(triggerID uuid.UUID) (time.Time, bool) {
	e, ok := s.byTrigger[triggerID]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

// popDue removes and returns every entry with at <= now, earliest first.
func (s *scheduleIndex) popDue(now time.Time) []scheduleEntry {
	var due []scheduleEntry
	for s.entries.Len() > 0 {
		head := s.entries[0]
		if head.at.After(now) {
			break
		}
		e := heap.Pop(&s.entries).(*scheduleEntry)
		delete(s.byTrigger, e.triggerID)
		due = append(due, *e)
	}
	return due
}

func (s *scheduleIndex) len() int {
	return s.entries.Len()
}

type entryHeap []*scheduleEntry

func (h entryHeap) Len() int           { return len(h) }
func (h entryHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*scheduleEntry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
