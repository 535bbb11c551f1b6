// Package binlog implements the replication binlog: an append-only,
// ASCII, line-based log of every slice operation the combine handler
// dispatches, so a replica can catch up after a disconnect without a
// full resync.
//
// The wire format is one line per record, space-separated fields, in a
// fixed order depending on op type. Go's encoding/csv or a binary
// framing would both be more conventional for a from-scratch Go log
// format, but the line format here is a contract every replica peer
// must parse byte-for-byte the same way, so it stays plain and
// line-oriented rather than switching to something Go-idiomatic.
package binlog

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// OpType is the single-character operation code in a binlog record.
type OpType byte

const (
	OpWriteSlice OpType = 'W'
	OpAllocSlice OpType = 'A'
	OpDeleteSlice OpType = 'D'
	OpDeleteBlock OpType = 'R'
	OpNoOp        OpType = 'N'
)

func (t OpType) isSliceOp() bool {
	return t == OpWriteSlice || t == OpAllocSlice || t == OpDeleteSlice
}

func (t OpType) String() string { return string(rune(t)) }

// Record is one binlog line, decoded.
type Record struct {
	TimestampUnix int64
	DataVersion   uint64
	Op            OpType

	ObjectID    uint64
	BlockOffset uint64

	// SliceOffset/SliceLength are only meaningful for slice ops
	// (W/A/D); block ops (R/N) leave them zero.
	SliceOffset uint32
	SliceLength uint32
}

// Format renders r as one binlog line, newline included.
func (r Record) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d %d %c %d %d", r.TimestampUnix, r.DataVersion, byte(r.Op), r.ObjectID, r.BlockOffset)
	if r.Op.isSliceOp() {
		fmt.Fprintf(&b, " %d %d", r.SliceOffset, r.SliceLength)
	}
	b.WriteByte('\n')
	return b.String()
}

// ErrMalformed wraps a line that failed to parse, with the offending
// line attached for logging.
type ErrMalformed struct {
	Line string
	Err  error
}

func (e *ErrMalformed) Error() string { return fmt.Sprintf("binlog: malformed record %q: %v", e.Line, e.Err) }
func (e *ErrMalformed) Unwrap() error { return e.Err }

// Parse decodes one binlog line (without its trailing newline).
func Parse(line string) (Record, error) {
	fields := strings.Split(line, " ")
	if len(fields) < 5 {
		return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("want at least 5 fields, got %d", len(fields))}
	}

	var r Record
	var err error
	if r.TimestampUnix, err = strconv.ParseInt(fields[0], 10, 64); err != nil {
		return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("timestamp: %w", err)}
	}
	if r.DataVersion, err = strconv.ParseUint(fields[1], 10, 64); err != nil {
		return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("data version: %w", err)}
	}
	if len(fields[2]) != 1 {
		return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("op type field must be one byte")}
	}
	r.Op = OpType(fields[2][0])
	if r.ObjectID, err = strconv.ParseUint(fields[3], 10, 64); err != nil {
		return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("object id: %w", err)}
	}
	if r.BlockOffset, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("block offset: %w", err)}
	}

	switch r.Op {
	case OpWriteSlice, OpAllocSlice, OpDeleteSlice:
		if len(fields) != 7 {
			return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("slice record wants 7 fields, got %d", len(fields))}
		}
		var so, sl uint64
		if so, err = strconv.ParseUint(fields[5], 10, 32); err != nil {
			return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("slice offset: %w", err)}
		}
		if sl, err = strconv.ParseUint(fields[6], 10, 32); err != nil {
			return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("slice length: %w", err)}
		}
		r.SliceOffset, r.SliceLength = uint32(so), uint32(sl)
	case OpDeleteBlock, OpNoOp:
		if len(fields) != 5 {
			return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("block record wants 5 fields, got %d", len(fields))}
		}
	default:
		return Record{}, &ErrMalformed{Line: line, Err: fmt.Errorf("invalid op type: %c", byte(r.Op))}
	}

	return r, nil
}

// scanLines is the bufio.SplitFunc used when reading a segment file:
// identical to bufio.ScanLines but kept local so segment.go doesn't
// reach across package boundaries for something this small.
var scanLines = bufio.ScanLines
