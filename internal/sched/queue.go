package sched

import (
	"container/heap"

	"wardenbot/internal/task"
)

// timeline is a min-heap of pending tasks ordered by (due, id). Ids are
// store-assigned in insertion order, so tasks sharing a due instant pop in
// the order they were created.
type timeline []task.Task

func (t timeline) Len() int { return len(t) }

func (t timeline) Less(i, j int) bool {
	if !t[i].Due.Equal(t[j].Due) {
		return t[i].Due.Before(t[j].Due)
	}
	return t[i].ID < t[j].ID
}

func (t timeline) Swap(i, j int) { t[i], t[j] = t[j], t[i] }

func (t *timeline) Push(x any) { *t = append(*t, x.(task.Task)) }

func (t *timeline) Pop() any {
	old := *t
	n := len(old)
	tk := old[n-1]
	*t = old[:n-1]
	return tk
}

// remove drops the entry for the given task id, if present. Missing is fine:
// a stale entry loses its store claim and is skipped anyway.
func (t *timeline) remove(id int64) bool {
	for i := range *t {
		if (*t)[i].ID == id {
			heap.Remove(t, i)
			return true
		}
	}
	return false
}
