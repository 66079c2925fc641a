package drive

import (
	"bytes"
	"crypto/rand"
	"time"

	"github.com/google/uuid"
)

// FileID is a time-ordered GUID assigned at file creation. It is never
// reused, determines the storage shard path, and its bytewise descending
// order is the drive's natural newest-first sort order.
//
// Byte layout (explicit, so shard derivation never depends on the textual
// GUID form):
//
//	bytes[0:2]  year, big endian
//	bytes[2]    month (1-12)
//	bytes[3]    day (1-31)
//	bytes[4]    hour (0-23)
//	bytes[5]    minute (0-59)
//	bytes[6]    second (0-59)
//	bytes[7:16] random
//
// Files created on the same host within one second compare by the random
// tail; that ordering is arbitrary but stable. Collision probability is
// treated as negligible and not handled explicitly.
type FileID = uuid.UUID

// NewFileID returns a fresh time-ordered FileID for the current UTC time.
func NewFileID() FileID {
	return NewFileIDAt(time.Now().UTC())
}

// NewFileIDAt returns a time-ordered FileID for an explicit timestamp.
// Exposed so tests can create files with a known creation order.
func NewFileIDAt(t time.Time) FileID {
	var id uuid.UUID

	t = t.UTC()
	year := t.Year()
	id[0] = byte(year >> 8)
	id[1] = byte(year)
	id[2] = byte(t.Month())
	id[3] = byte(t.Day())
	id[4] = byte(t.Hour())
	id[5] = byte(t.Minute())
	id[6] = byte(t.Second())

	// crypto/rand never fails on supported platforms; uuid.New panics on the
	// same condition, so follow suit.
	if _, err := rand.Read(id[7:]); err != nil {
		panic(err)
	}

	return id
}

// ShardComponents decodes the directory shard path components from a FileID.
// Components are zero-padded decimal, matching the on-disk layout
// {year}/{month}/{day}/{hour}.
func ShardComponents(id FileID) (year, month, day, hour string) {
	y := int(id[0])<<8 | int(id[1])
	return pad4(y), pad2(int(id[2])), pad2(int(id[3])), pad2(int(id[4]))
}

// ParseFileID parses the textual GUID form of a FileID.
func ParseFileID(s string) (FileID, error) {
	return uuid.Parse(s)
}

// CompareFileIDs orders FileIDs bytewise: negative when a was created before
// b, zero when equal. Newest-first listings sort by descending comparison.
func CompareFileIDs(a, b FileID) int {
	return bytes.Compare(a[:], b[:])
}

func pad2(v int) string {
	return string([]byte{'0' + byte(v/10%10), '0' + byte(v%10)})
}

func pad4(v int) string {
	return string([]byte{
		'0' + byte(v/1000%10),
		'0' + byte(v/100%10),
		'0' + byte(v/10%10),
		'0' + byte(v%10),
	})
}
