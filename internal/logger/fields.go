package logger

import (
	"log/slog"
)

// Standard field keys for structured logging across the combine cache.
// Use these keys consistently across all log statements so that
// aggregation and querying stay uniform regardless of which subsystem
// (otid, obid, timerwheel, datathread, binlog) emitted the record.
const (
	// ========================================================================
	// Distributed Tracing
	// ========================================================================
	KeyTraceID = "trace_id" // OpenTelemetry trace ID for request correlation
	KeySpanID  = "span_id"  // OpenTelemetry span ID for operation tracking

	// ========================================================================
	// Write-combining domain
	// ========================================================================
	KeyObjectID     = "object_id"     // object identifier a block belongs to
	KeyThreadID     = "thread_id"     // application writer thread id (OTID key)
	KeyBlockOffset  = "block_offset"  // block-aligned offset within the object (OBID key)
	KeySliceOffset  = "slice_offset"  // offset within the block a slice covers
	KeySliceLength  = "slice_length"  // length in bytes of a slice
	KeyStage        = "stage"         // slice state machine stage
	KeyMergedSlices = "merged_slices" // number of writes folded into a slice
	KeyFlushReason  = "flush_reason"  // why a slice left MERGING
	KeyDataVersion  = "data_version"  // binlog monotonic ordering key
	KeyDataGroup    = "data_group"    // replication group/shard identifier

	// ========================================================================
	// Operation Metadata
	// ========================================================================
	KeyOperation  = "operation"   // write, flush, close
	KeyDurationMs = "duration_ms" // operation duration in milliseconds
	KeyError      = "error"       // error message
	KeySource     = "source"      // originating subsystem

	// ========================================================================
	// Storage & Dispatch
	// ========================================================================
	KeyStoreType  = "store_type"  // sink backend: memory, s3
	KeyBucket     = "bucket"      // S3 bucket name
	KeyKey        = "key"         // object key in the storage tier
	KeyAttempt    = "attempt"     // retry attempt number
	KeyMaxRetries = "max_retries" // maximum retry attempts
)

// TraceID returns a slog.Attr for OpenTelemetry trace ID
func TraceID(id string) slog.Attr {
	return slog.String(KeyTraceID, id)
}

// SpanID returns a slog.Attr for OpenTelemetry span ID
func SpanID(id string) slog.Attr {
	return slog.String(KeySpanID, id)
}

// ObjectID returns a slog.Attr for the object identifier
func ObjectID(id uint64) slog.Attr {
	return slog.Uint64(KeyObjectID, id)
}

// ThreadID returns a slog.Attr for the writer thread identifier
func ThreadID(id uint64) slog.Attr {
	return slog.Uint64(KeyThreadID, id)
}

// BlockOffset returns a slog.Attr for a block-aligned offset
func BlockOffset(off uint64) slog.Attr {
	return slog.Uint64(KeyBlockOffset, off)
}

// SliceOffset returns a slog.Attr for an offset within a block
func SliceOffset(off uint32) slog.Attr {
	return slog.Uint64(KeySliceOffset, uint64(off))
}

// SliceLength returns a slog.Attr for a slice's length in bytes
func SliceLength(n uint32) slog.Attr {
	return slog.Uint64(KeySliceLength, uint64(n))
}

// Stage returns a slog.Attr for the slice state machine stage
func Stage(s string) slog.Attr {
	return slog.String(KeyStage, s)
}

// MergedSlices returns a slog.Attr for the number of writes folded into a slice
func MergedSlices(n uint32) slog.Attr {
	return slog.Uint64(KeyMergedSlices, uint64(n))
}

// FlushReason returns a slog.Attr describing why a slice flushed
func FlushReason(reason string) slog.Attr {
	return slog.String(KeyFlushReason, reason)
}

// DataVersion returns a slog.Attr for a binlog record's ordering key
func DataVersion(v uint64) slog.Attr {
	return slog.Uint64(KeyDataVersion, v)
}

// DataGroup returns a slog.Attr for a replication group identifier
func DataGroup(id int) slog.Attr {
	return slog.Int(KeyDataGroup, id)
}

// Operation returns a slog.Attr for the combine operation name
func Operation(op string) slog.Attr {
	return slog.String(KeyOperation, op)
}

// DurationMs returns a slog.Attr for duration in milliseconds
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}

// Source returns a slog.Attr for the originating subsystem
func Source(src string) slog.Attr {
	return slog.String(KeySource, src)
}

// StoreType returns a slog.Attr for the storage sink backend
func StoreType(t string) slog.Attr {
	return slog.String(KeyStoreType, t)
}

// Bucket returns a slog.Attr for an S3 bucket name
func Bucket(name string) slog.Attr {
	return slog.String(KeyBucket, name)
}

// Key returns a slog.Attr for an object key in the storage tier
func Key(k string) slog.Attr {
	return slog.String(KeyKey, k)
}

// Attempt returns a slog.Attr for retry attempt number
func Attempt(n int) slog.Attr {
	return slog.Int(KeyAttempt, n)
}

// MaxRetries returns a slog.Attr for maximum retry attempts
func MaxRetries(n int) slog.Attr {
	return slog.Int(KeyMaxRetries, n)
}
