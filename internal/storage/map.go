package storage

import (
	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"
)

// MutationKind enumerates the operations that change a Map.
type MutationKind uint8

const (
	MutPut MutationKind = iota + 1
	MutDelete
	MutDeleteRange
	MutClear
)

// String returns a short name for logs.
func (k MutationKind) String() string {
	switch k {
	case MutPut:
		return "put"
	case MutDelete:
		return "delete"
	case MutDeleteRange:
		return "delete_range"
	case MutClear:
		return "clear"
	default:
		return "unknown"
	}
}

// Mutation is a logged write against a Map. Values are owned by the
// mutation once built and must not be modified by the caller afterwards.
type Mutation struct {
	Kind  MutationKind
	Key   string // Key, or inclusive range start for MutDeleteRange
	End   string // Exclusive range end for MutDeleteRange
	Value []byte
}

// Put builds a mutation storing a copy of value under key.
func Put(key string, value []byte) Mutation {
	return Mutation{Kind: MutPut, Key: key, Value: clone(value)}
}

// Delete builds a mutation removing key. Deleting a missing key is a no-op.
func Delete(key string) Mutation {
	return Mutation{Kind: MutDelete, Key: key}
}

// DeleteRange builds a mutation removing every key in [start, end).
func DeleteRange(start, end string) Mutation {
	return Mutation{Kind: MutDeleteRange, Key: start, End: end}
}

// Clear builds a mutation removing every key.
func Clear() Mutation {
	return Mutation{Kind: MutClear}
}

// QueryKind enumerates read-only operations on a Map.
type QueryKind uint8

const (
	QueryGet QueryKind = iota + 1
	QueryList
	QueryRange
	QueryStats
	QueryFingerprint
)

// Query is a read-only operation against a Map.
type Query struct {
	Kind QueryKind
	Key  string
	End  string
}

// Get builds a query for the value stored under key.
func Get(key string) Query { return Query{Kind: QueryGet, Key: key} }

// List builds a query for every key, sorted.
func List() Query { return Query{Kind: QueryList} }

// ListRange builds a query for the sorted keys in [start, end).
func ListRange(start, end string) Query { return Query{Kind: QueryRange, Key: start, End: end} }

// Stat builds a query for key and byte counts.
func Stat() Query { return Query{Kind: QueryStats} }

// Fingerprint builds a query hashing the whole content.
func Fingerprint() Query { return Query{Kind: QueryFingerprint} }

// Result is the response to a Mutation or a Query. Only the fields relevant
// to the operation are set.
type Result struct {
	Value       []byte
	Found       bool
	Keys        []string
	Count       int
	Stats       StoreStats
	Fingerprint uint64
}

// Map is a sequential key-value map. It is not safe for concurrent use on
// its own; wrap it in a replica (or a MemoryStore) to share it.
//
// Mutation responses:
//   - MutPut: Found reports whether the key existed before
//   - MutDelete: Found reports whether the key existed, Count is 0 or 1
//   - MutDeleteRange, MutClear: Count is the number of keys removed
type Map struct {
	data  map[string][]byte
	bytes int
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{data: make(map[string][]byte)}
}

// DispatchMut applies a mutation.
func (m *Map) DispatchMut(op Mutation) Result {
	switch op.Kind {
	case MutPut:
		old, found := m.data[op.Key]
		m.bytes += len(op.Value) - len(old)
		m.data[op.Key] = op.Value
		return Result{Found: found}
	case MutDelete:
		if m.remove(op.Key) {
			return Result{Found: true, Count: 1}
		}
		return Result{}
	case MutDeleteRange:
		n := 0
		for key := range m.data {
			if inRange(key, op.Key, op.End) && m.remove(key) {
				n++
			}
		}
		return Result{Count: n}
	case MutClear:
		n := len(m.data)
		m.data = make(map[string][]byte)
		m.bytes = 0
		return Result{Count: n}
	}
	return Result{}
}

// Dispatch answers a query. Returned values and key slices are copies.
func (m *Map) Dispatch(q Query) Result {
	switch q.Kind {
	case QueryGet:
		v, ok := m.data[q.Key]
		if !ok {
			return Result{}
		}
		return Result{Value: clone(v), Found: true}
	case QueryList:
		keys := m.keys(func(string) bool { return true })
		return Result{Keys: keys, Count: len(keys)}
	case QueryRange:
		keys := m.keys(func(k string) bool { return inRange(k, q.Key, q.End) })
		return Result{Keys: keys, Count: len(keys)}
	case QueryStats:
		return Result{Stats: StoreStats{Keys: len(m.data), Bytes: m.bytes}, Count: len(m.data)}
	case QueryFingerprint:
		return Result{Fingerprint: m.fingerprint(), Count: len(m.data)}
	}
	return Result{}
}

// Commutes reports whether q returns the same answer before and after op.
// Point reads commute with writes to other keys; range reads with writes
// outside their range. Whole-map queries never commute.
func (m *Map) Commutes(q Query, op Mutation) bool {
	switch q.Kind {
	case QueryGet:
		switch op.Kind {
		case MutPut, MutDelete:
			return q.Key != op.Key
		case MutDeleteRange:
			return !inRange(q.Key, op.Key, op.End)
		}
	case QueryRange:
		switch op.Kind {
		case MutPut, MutDelete:
			return !inRange(op.Key, q.Key, q.End)
		case MutDeleteRange:
			return (op.End != "" && op.End <= q.Key) || (q.End != "" && q.End <= op.Key)
		}
	}
	return false
}

func (m *Map) remove(key string) bool {
	v, ok := m.data[key]
	if !ok {
		return false
	}
	m.bytes -= len(v)
	delete(m.data, key)
	return true
}

func (m *Map) keys(keep func(string) bool) []string {
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		if keep(k) {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

// fingerprint hashes keys and values in key order, so two maps with the same
// content hash equal regardless of insertion history.
func (m *Map) fingerprint() uint64 {
	d := xxhash.New()
	sep := []byte{0}
	for _, k := range m.keys(func(string) bool { return true }) {
		_, _ = d.WriteString(k)
		_, _ = d.Write(sep)
		_, _ = d.Write(m.data[k])
		_, _ = d.Write(sep)
	}
	return d.Sum64()
}

// inRange reports whether key is in [start, end). An empty end is unbounded.
func inRange(key, start, end string) bool {
	return key >= start && (end == "" || key < end)
}

// clone copies b, mapping nil to an empty slice.
func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
