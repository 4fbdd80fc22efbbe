package storage

// CounterOp is a mutation of a Counter: the signed amount to add.
type CounterOp int64

// CounterRead reads a Counter's value.
type CounterRead struct{}

// Counter is a sequential 64-bit counter. Each mutation returns the value
// after it was applied, so concurrent increments through a replica observe
// distinct values.
type Counter struct {
	value int64
}

// DispatchMut adds op and returns the new value.
func (c *Counter) DispatchMut(op CounterOp) int64 {
	c.value += int64(op)
	return c.value
}

// Dispatch returns the current value.
func (c *Counter) Dispatch(CounterRead) int64 {
	return c.value
}
