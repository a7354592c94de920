package queue

// Fifo implements a first-in first-out (FIFO) queue backed by a ring buffer.
//
// A Fifo created with NewBoundedFifo holds at most `capacity` elements. Enqueueing
// into a full bounded Fifo evicts the oldest element.
//
// Fifo is not safe for concurrent use.
type Fifo[T any] struct {
	elements []T
	head     int
	size     int
	bounded  bool
}

// NewFifo creates a new, unbounded Fifo with the specified initial capacity
// and returns a pointer to it.
func NewFifo[T any](initialSize int) *Fifo[T] {
	if initialSize <= 0 {
		initialSize = 1
	}

	return &Fifo[T]{
		elements: make([]T, initialSize),
	}
}

// NewBoundedFifo creates a new Fifo that never holds more than capacity elements.
func NewBoundedFifo[T any](capacity int) *Fifo[T] {
	q := NewFifo[T](capacity)
	q.bounded = true
	return q
}

// Enqueue adds the specified element to the queue.
//
// If the queue is bounded and full, the oldest element is removed and returned
// along with true.
func (q *Fifo[T]) Enqueue(elem T) (evicted T, ok bool) {
	if q.size == len(q.elements) {
		if q.bounded {
			evicted = q.elements[q.head]
			q.elements[q.head] = elem
			q.head = (q.head + 1) % len(q.elements)
			return evicted, true
		}

		q.grow()
	}

	q.elements[(q.head+q.size)%len(q.elements)] = elem
	q.size++
	return evicted, false
}

// Dequeue removes and returns the next element in the queue.
//
// If the queue is empty, Dequeue returns the zero value and false.
func (q *Fifo[T]) Dequeue() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}

	elem := q.elements[q.head]
	q.elements[q.head] = zero
	q.head = (q.head + 1) % len(q.elements)
	q.size--

	return elem, true
}

// Peek returns but does not remove the next element in the queue.
func (q *Fifo[T]) Peek() (T, bool) {
	if q.size == 0 {
		var zero T
		return zero, false
	}

	return q.elements[q.head], true
}

// Len returns the number of elements in the queue.
func (q *Fifo[T]) Len() int {
	return q.size
}

// Cap returns the bound of a bounded queue, or the current backing capacity otherwise.
func (q *Fifo[T]) Cap() int {
	return len(q.elements)
}

// Items returns a copy of the queued elements, oldest first.
func (q *Fifo[T]) Items() []T {
	items := make([]T, 0, q.size)
	for i := 0; i < q.size; i++ {
		items = append(items, q.elements[(q.head+i)%len(q.elements)])
	}
	return items
}

func (q *Fifo[T]) grow() {
	elements := make([]T, len(q.elements)*2)
	copy(elements, q.Items())
	q.elements = elements
	q.head = 0
}
