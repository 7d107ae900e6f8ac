package queue

import "sort"

// indexEntry is one queued task in the priority index.
type indexEntry struct {
	priority int
	queuedAt int64 // epoch-ms of the last enqueue; requeues land at lane tail
	taskID   string
}

// priorityIndex keeps queued task ids ordered by priority ascending, then
// enqueue time ascending. It supports ordered traversal so the scheduler
// can skip tasks whose capability requirements no idle agent satisfies.
type priorityIndex struct {
	entries []indexEntry
}

func newPriorityIndex() *priorityIndex {
	return &priorityIndex{}
}

// less orders entries by (priority, queuedAt, taskID). The task id tiebreak
// keeps ordering deterministic for same-millisecond submissions.
func (e indexEntry) less(o indexEntry) bool {
	if e.priority != o.priority {
		return e.priority < o.priority
	}
	if e.queuedAt != o.queuedAt {
		return e.queuedAt < o.queuedAt
	}
	return e.taskID < o.taskID
}

// insert adds an entry at its ordered position.
func (idx *priorityIndex) insert(priority int, queuedAt int64, taskID string) {
	entry := indexEntry{priority: priority, queuedAt: queuedAt, taskID: taskID}
	pos := sort.Search(len(idx.entries), func(i int) bool {
		return entry.less(idx.entries[i])
	})
	idx.entries = append(idx.entries, indexEntry{})
	copy(idx.entries[pos+1:], idx.entries[pos:])
	idx.entries[pos] = entry
}

// remove deletes the entry for taskID. Returns false if absent.
func (idx *priorityIndex) remove(taskID string) bool {
	for i, e := range idx.entries {
		if e.taskID == taskID {
			idx.entries = append(idx.entries[:i], idx.entries[i+1:]...)
			return true
		}
	}
	return false
}

// walk visits task ids in priority order until fn returns false.
func (idx *priorityIndex) walk(fn func(taskID string) bool) {
	for _, e := range idx.entries {
		if !fn(e.taskID) {
			return
		}
	}
}

func (idx *priorityIndex) len() int {
	return len(idx.entries)
}
