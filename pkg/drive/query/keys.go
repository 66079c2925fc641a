package query

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// Index Key Namespace Design
// ==========================
//
// BadgerDB is a key-value store, so the index uses prefixed keys to separate
// record types and to make the orderings the query service needs fall out of
// plain range scans:
//
// Data Type             Prefix  Key Format                                   Value
// =================================================================================
// Header Records        "h:"    h:<driveId>:<fileIdBytes>                    IndexRecord (JSON)
// UniqueId Lookup       "u:"    u:<driveId>:<uniqueId>                       fileId (16 bytes)
// GlobalTransitId       "g:"    g:<driveId>:<globalTransitId>                fileId (16 bytes)
// Modified Scan         "m:"    m:<driveId>:<updatedMillisBE><fileIdBytes>   (empty)
// UserDate Scan         "d:"    d:<driveId>:<userDateMillisBE><fileIdBytes>  (empty)
//
// Key Design Rationale:
//
// 1. Header Records (h:)
//    - One entry per indexed file, holding the predicate projection
//    - <fileIdBytes> is the raw 16-byte FileID, whose byte order IS the
//      creation-time order, so a reverse prefix scan yields newest-first
//      without any secondary sort
//    - Point lookup by (driveId, fileId): O(1)
//
// 2. UniqueId Lookup (u:)
//    - Client-assigned idempotency key to fileId, unique per drive while
//      the file is active
//    - Point lookup: O(1)
//
// 3. GlobalTransitId Lookup (g:)
//    - Cross-identity correlation key to fileId, used by transit to find a
//      previously received file
//    - Point lookup: O(1)
//
// 4. Modified Scan (m:)
//    - One entry per file keyed by its Updated timestamp (big-endian, so
//      byte order is chronological order) plus the fileId for uniqueness
//    - A forward scan from m:<driveId>:<sinceMillis> enumerates files
//      modified after a boundary; the entry is rewritten on every header
//      upsert (old timestamp entry removed in the same transaction)
//
// 5. UserDate Scan (d:)
//    - Same shape as the modified scan, keyed by the file's app-assigned
//      UserDate (falling back to its Created time when unset), so batch
//      queries sorted by UserDate are plain range scans in either
//      direction; the fileId suffix keeps keys unique and doubles as the
//      cursor tie-breaker
//
// The drive id keeps every drive's records in a disjoint keyspace, so one
// badger database serves the whole tenant.

const (
	prefixHeader    = "h:"
	prefixUniqueID  = "u:"
	prefixGlobalTID = "g:"
	prefixModified  = "m:"
	prefixUserDate  = "d:"
)

// keyHeader generates the header-record key for a file.
//
// Format: "h:<driveId>:<fileIdBytes>"
func keyHeader(driveID, fileID uuid.UUID) []byte {
	key := make([]byte, 0, len(prefixHeader)+36+1+16)
	key = append(key, prefixHeader...)
	key = append(key, driveID.String()...)
	key = append(key, ':')
	key = append(key, fileID[:]...)
	return key
}

// keyHeaderPrefix generates the range-scan prefix for all header records of
// one drive.
func keyHeaderPrefix(driveID uuid.UUID) []byte {
	key := make([]byte, 0, len(prefixHeader)+36+1)
	key = append(key, prefixHeader...)
	key = append(key, driveID.String()...)
	key = append(key, ':')
	return key
}

// keyUniqueID generates the uniqueId lookup key.
//
// Format: "u:<driveId>:<uniqueId>"
func keyUniqueID(driveID, uniqueID uuid.UUID) []byte {
	key := make([]byte, 0, len(prefixUniqueID)+36+1+16)
	key = append(key, prefixUniqueID...)
	key = append(key, driveID.String()...)
	key = append(key, ':')
	key = append(key, uniqueID[:]...)
	return key
}

// keyGlobalTransitID generates the globalTransitId lookup key.
//
// Format: "g:<driveId>:<globalTransitId>"
func keyGlobalTransitID(driveID, globalTransitID uuid.UUID) []byte {
	key := make([]byte, 0, len(prefixGlobalTID)+36+1+16)
	key = append(key, prefixGlobalTID...)
	key = append(key, driveID.String()...)
	key = append(key, ':')
	key = append(key, globalTransitID[:]...)
	return key
}

// keyModified generates the modified-scan key for a file at one timestamp.
//
// Format: "m:<driveId>:<updatedMillis big-endian><fileIdBytes>"
func keyModified(driveID uuid.UUID, updatedMillis int64, fileID uuid.UUID) []byte {
	key := make([]byte, 0, len(prefixModified)+36+1+8+16)
	key = append(key, prefixModified...)
	key = append(key, driveID.String()...)
	key = append(key, ':')
	key = binary.BigEndian.AppendUint64(key, uint64(updatedMillis))
	key = append(key, fileID[:]...)
	return key
}

// keyModifiedPrefix generates the range-scan prefix for one drive's
// modified-scan entries.
func keyModifiedPrefix(driveID uuid.UUID) []byte {
	key := make([]byte, 0, len(prefixModified)+36+1)
	key = append(key, prefixModified...)
	key = append(key, driveID.String()...)
	key = append(key, ':')
	return key
}

// keyUserDate generates the userDate-scan key for a file at one timestamp.
//
// Format: "d:<driveId>:<userDateMillis big-endian><fileIdBytes>"
func keyUserDate(driveID uuid.UUID, userDateMillis int64, fileID uuid.UUID) []byte {
	key := make([]byte, 0, len(prefixUserDate)+36+1+8+16)
	key = append(key, prefixUserDate...)
	key = append(key, driveID.String()...)
	key = append(key, ':')
	key = binary.BigEndian.AppendUint64(key, uint64(userDateMillis))
	key = append(key, fileID[:]...)
	return key
}

// keyUserDatePrefix generates the range-scan prefix for one drive's
// userDate-scan entries.
func keyUserDatePrefix(driveID uuid.UUID) []byte {
	key := make([]byte, 0, len(prefixUserDate)+36+1)
	key = append(key, prefixUserDate...)
	key = append(key, driveID.String()...)
	key = append(key, ':')
	return key
}

// modifiedKeyTimestamp decodes the timestamp back out of a modified-scan
// key. The layout after the prefix is 8 timestamp bytes then 16 id bytes.
func modifiedKeyTimestamp(key []byte, driveID uuid.UUID) (int64, bool) {
	prefix := keyModifiedPrefix(driveID)
	if len(key) != len(prefix)+8+16 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64(key[len(prefix) : len(prefix)+8])), true
}
