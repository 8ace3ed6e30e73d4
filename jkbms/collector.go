package jkbms

import "bytes"

// Record is the response being reassembled for one exchange.
type Record struct {
	// Type is the record type the collector accepts.
	Type byte

	data      []byte
	accepting bool
	complete  bool
	dropped   int
}

// Bytes returns the accumulated bytes. The slice is owned by the record.
func (r *Record) Bytes() []byte {
	return r.data
}

func (r *Record) Len() int {
	return len(r.data)
}

// Complete reports whether a record of the expected type has reached
// RecordSize bytes.
func (r *Record) Complete() bool {
	return r.complete
}

// Dropped counts fragments discarded by the type filter.
func (r *Record) Dropped() int {
	return r.dropped
}

// Head returns a copy of at most n leading bytes.
func (r *Record) Head(n int) []byte {
	if n > len(r.data) {
		n = len(r.data)
	}
	out := make([]byte, n)
	copy(out, r.data[:n])
	return out
}

// Collector assembles notification fragments into a Record. A fragment that
// starts with StartOfRecord opens a new record when its type matches and
// closes the current one to further fragments when it does not; any other
// fragment continues the open record. OnFragment does no I/O and never
// blocks.
type Collector struct {
	record Record
}

func NewCollector(recordType byte) *Collector {
	return &Collector{record: Record{Type: recordType}}
}

// Record returns the record owned by the collector.
func (c *Collector) Record() *Record {
	return &c.record
}

// Reset empties the record, keeping its expected type.
func (c *Collector) Reset() {
	c.record = Record{Type: c.record.Type}
}

// OnFragment handles one notification and reports whether it was kept.
func (c *Collector) OnFragment(handle uint16, data []byte) bool {
	r := &c.record
	if bytes.HasPrefix(data, StartOfRecord) {
		if len(data) <= recordTypeOffset || data[recordTypeOffset] != r.Type {
			r.accepting = false
			r.dropped++
			return false
		}
		r.data = append(r.data[:0], data...)
		r.accepting = true
		r.complete = false
	} else {
		if !r.accepting {
			r.dropped++
			return false
		}
		r.data = append(r.data, data...)
	}
	if len(r.data) >= RecordSize {
		r.complete = true
	}
	return true
}
