package engine

// timerEntry is one time-driven indicator's slot in the schedule, ordered by
// next due time. The index is maintained by the heap so entries can be
// removed when their indicator is unbound.
type timerEntry struct {
	ind     *boundIndicator
	nextDue float64
	index   int
}

// timerQueue implements heap.Interface over timerEntry pointers.
type timerQueue []*timerEntry

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool { return q[i].nextDue < q[j].nextDue }

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x interface{}) {
	entry := x.(*timerEntry)
	entry.index = len(*q)
	*q = append(*q, entry)
}

func (q *timerQueue) Pop() interface{} {
	old := *q
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*q = old[:n-1]
	return entry
}
