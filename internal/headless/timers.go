package headless

import (
	"container/heap"
	"time"

	"github.com/dop251/goja"
)

// timer is a scheduled callback on the page's virtual clock.
type timer struct {
	id       int64
	due      time.Duration
	seq      int64
	fn       goja.Callable
	args     []goja.Value
	interval time.Duration // zero for setTimeout
	index    int
}

type timerQueue []*timer

func (q timerQueue) Len() int { return len(q) }

func (q timerQueue) Less(i, j int) bool {
	if q[i].due != q[j].due {
		return q[i].due < q[j].due
	}
	return q[i].seq < q[j].seq
}

func (q timerQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *timerQueue) Push(x any) {
	t := x.(*timer)
	t.index = len(*q)
	*q = append(*q, t)
}

func (q *timerQueue) Pop() any {
	old := *q
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*q = old[:n-1]
	return t
}

// clock runs timers against virtual time so pages finish instantly and
// deterministically. Callbacks due after the horizon are never run.
type clock struct {
	now     time.Duration
	horizon time.Duration
	queue   timerQueue
	byID    map[int64]*timer
	nextID  int64
	nextSeq int64
}

func newClock(horizon time.Duration) *clock {
	return &clock{
		horizon: horizon,
		byID:    make(map[int64]*timer),
	}
}

func (c *clock) schedule(fn goja.Callable, delay time.Duration, args []goja.Value, repeat bool) int64 {
	if delay < 0 {
		delay = 0
	}
	c.nextID++
	t := &timer{
		id:   c.nextID,
		due:  c.now + delay,
		fn:   fn,
		args: args,
	}
	if repeat {
		t.interval = max(delay, time.Millisecond)
	}
	c.push(t)
	c.byID[t.id] = t
	return t.id
}

func (c *clock) push(t *timer) {
	c.nextSeq++
	t.seq = c.nextSeq
	heap.Push(&c.queue, t)
}

func (c *clock) cancel(id int64) {
	t, ok := c.byID[id]
	if !ok {
		return
	}
	delete(c.byID, id)
	if t.index >= 0 {
		heap.Remove(&c.queue, t.index)
	}
}

// next pops the next timer due within the horizon, advancing the clock.
// Intervals are rescheduled before they are returned.
func (c *clock) next() (*timer, bool) {
	if len(c.queue) == 0 || c.queue[0].due > c.horizon {
		return nil, false
	}
	t := heap.Pop(&c.queue).(*timer)
	c.now = t.due
	if t.interval > 0 {
		t.due = c.now + t.interval
		c.push(t)
	} else {
		delete(c.byID, t.id)
	}
	return t, true
}

// pending returns the number of scheduled timers, including those past
// the horizon.
func (c *clock) pending() int {
	return len(c.queue)
}
