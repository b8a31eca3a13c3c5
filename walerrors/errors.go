// Package walerrors holds the error table shared by the WAL engine, its
// device layer and the request-facing target.
//
// Every error string has the form "CODE|Name: description" so that logs and
// the CLI can report a stable code next to the human readable text.
package walerrors

import (
	"errors"
	"strings"
)

// Request (R) errors: returned to the immediate caller, never fatal.
var (
	ErrBusyRetry   = errors.New("R1|BusyRetry: Zone is switching buffers; requeue the request.")
	ErrWriteMiss   = errors.New("R2|WriteMiss: Log buffer is flushing; write must go to the backing store.")
	ErrMiss        = errors.New("R3|Miss: Key is not held by the zone buffers.")
	ErrDeleted     = errors.New("R4|Deleted: Key has a tombstone in the zone buffers.")
	ErrEmptyValue  = errors.New("R5|EmptyValue: Values must be at least one byte long.")
	ErrKeyTooLarge = errors.New("R6|KeyTooLarge: Key does not fit the record header key field.")
	ErrNotFound    = errors.New("R7|NotFound: Key does not exist.")
)

// Record (C) errors: corruption seen while decoding an on-device record.
var (
	ErrBadChecksum      = errors.New("C1|BadChecksum: Record sequence does not match the buffer sequence.")
	ErrBadRecord        = errors.New("C2|BadRecord: Record header is out of the buffer bounds.")
	ErrRecordTooLarge   = errors.New("C3|RecordTooLarge: Record does not fit an empty buffer.")
	ErrBadRecordVersion = errors.New("C4|BadRecordVersion: Record format version is not supported.")
)

// Zone and device (Z) errors: abort bringing up the affected zone.
var (
	ErrInconsistentZone = errors.New("Z1|InconsistentZone: Buffer roles and sequences disagree.")
	ErrBadSuperblock    = errors.New("Z2|BadSuperblock: Superblock magic, version or checksum is invalid.")
	ErrBadBufferHeader  = errors.New("Z3|BadBufferHeader: Buffer header magic or bounds are invalid.")
	ErrDeviceTooSmall   = errors.New("Z4|DeviceTooSmall: Device cannot hold the requested zone layout.")
	ErrTooManyZones     = errors.New("Z5|TooManyZones: Zone count exceeds the superblock table.")
	ErrEngineClosed     = errors.New("Z6|EngineClosed: Engine has been shut down.")
	ErrUnknownZone      = errors.New("Z7|UnknownZone: Zone id is out of range.")
)

// Map (M) errors: invariant violations inside the in-memory index.
var (
	ErrOutOfMemory     = errors.New("M1|OutOfMemory: Map item arena is exhausted.")
	ErrInsertCallback  = errors.New("M2|InsertCallback: Insert callback failed for a map item.")
	ErrInplaceTooLarge = errors.New("M3|InplaceTooLarge: New record does not fit the existing record slot.")
)

// Retryable reports whether the caller should requeue the request.
func Retryable(err error) bool {
	return errors.Is(err, ErrBusyRetry)
}

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return "No Error"
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") || !strings.Contains(errStr, ":") {
		return errStr
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	code := strings.TrimSpace(parts[0])
	// wrapped errors carry a "context: " prefix in front of the code
	if i := strings.LastIndex(code, ": "); i >= 0 {
		code = code[i+2:]
	}
	return code
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if i := strings.Index(errStr, "|"); i >= 0 {
		errStr = errStr[i+1:]
	}
	parts := strings.SplitN(errStr, ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
