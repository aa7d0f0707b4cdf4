package ordering

type eventQueue []*Event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	return q[i].Compare(q[j]) < 0
}

func (q eventQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
}

func (q *eventQueue) Push(x any) {
	*q = append(*q, x.(*Event))
}

func (q *eventQueue) Pop() any {
	n := len(*q)
	ev := (*q)[n-1]
	(*q)[n-1] = nil
	*q = (*q)[0 : n-1]
	return ev
}
