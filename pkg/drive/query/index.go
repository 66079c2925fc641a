package query

import (
	"context"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/google/uuid"

	"github.com/haven-id/haven/internal/logger"
	"github.com/haven-id/haven/pkg/drive"
)

// Index is the badger-backed header index shared by all drives of one
// tenant. It is a derived structure: the headers on disk are the source of
// truth, and every header write replaces the file's index entries wholesale
// in one transaction. Losing the index loses no data; it can be rebuilt by
// walking headers.
type Index struct {
	db *badger.DB
}

// IndexConfig configures the badger database backing the index.
type IndexConfig struct {
	// DBPath is the directory where badger stores its files
	DBPath string `mapstructure:"db_path"`

	// InMemory runs badger without persistence, for tests
	InMemory bool `mapstructure:"in_memory"`
}

// NewIndex opens (creating if needed) the index database.
func NewIndex(ctx context.Context, config IndexConfig) (*Index, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.DBPath)
	}

	// Index records are small JSON blobs; compression overhead is not worth it,
	// and badger's own logging is noise at default level.
	opts = opts.WithLoggingLevel(badger.WARNING)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open index database: %w", err)
	}

	logger.Info("Query index opened at %s", config.DBPath)
	return &Index{db: db}, nil
}

// Close releases the underlying database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Upsert replaces every index entry of the header's file in one
// transaction: the old record's uniqueId, globalTransitId and
// modified-scan entries are removed before the new ones are written, so
// stale entries never survive an update.
func (ix *Index) Upsert(ctx context.Context, driveID drive.DriveID, header *drive.ServerFileHeader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if header.ServerMetadata.DoNotIndex {
		// a file flagged away from the index must also leave it on update
		return ix.Remove(ctx, driveID, header.FileMetadata.File.FileID)
	}

	record := projectHeader(header)

	return ix.db.Update(func(txn *badger.Txn) error {
		if err := removeDerivedEntries(txn, driveID, record.FileID); err != nil {
			return err
		}

		data, err := encodeRecord(&record)
		if err != nil {
			return err
		}
		if err := txn.Set(keyHeader(driveID, record.FileID), data); err != nil {
			return fmt.Errorf("failed to write index record: %w", err)
		}

		if record.UniqueID != nil {
			if err := txn.Set(keyUniqueID(driveID, *record.UniqueID), record.FileID[:]); err != nil {
				return fmt.Errorf("failed to write uniqueId entry: %w", err)
			}
		}
		if record.GlobalTransitID != nil {
			if err := txn.Set(keyGlobalTransitID(driveID, *record.GlobalTransitID), record.FileID[:]); err != nil {
				return fmt.Errorf("failed to write globalTransitId entry: %w", err)
			}
		}
		if err := txn.Set(keyModified(driveID, record.Updated, record.FileID), nil); err != nil {
			return fmt.Errorf("failed to write modified entry: %w", err)
		}
		if err := txn.Set(keyUserDate(driveID, record.sortDate(), record.FileID), nil); err != nil {
			return fmt.Errorf("failed to write userDate entry: %w", err)
		}
		return nil
	})
}

// Remove deletes every index entry of a file. Removing a file that is not
// indexed is a no-op.
func (ix *Index) Remove(ctx context.Context, driveID drive.DriveID, fileID drive.FileID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	return ix.db.Update(func(txn *badger.Txn) error {
		if err := removeDerivedEntries(txn, driveID, fileID); err != nil {
			return err
		}
		if err := txn.Delete(keyHeader(driveID, fileID)); err != nil {
			return fmt.Errorf("failed to delete index record: %w", err)
		}
		return nil
	})
}

// removeDerivedEntries deletes the uniqueId, globalTransitId and
// modified-scan entries belonging to the currently stored record, if any.
func removeDerivedEntries(txn *badger.Txn, driveID drive.DriveID, fileID drive.FileID) error {
	item, err := txn.Get(keyHeader(driveID, fileID))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read old index record: %w", err)
	}

	var old *IndexRecord
	err = item.Value(func(val []byte) error {
		old, err = decodeRecord(val)
		return err
	})
	if err != nil {
		return err
	}

	if old.UniqueID != nil {
		if err := txn.Delete(keyUniqueID(driveID, *old.UniqueID)); err != nil {
			return fmt.Errorf("failed to delete old uniqueId entry: %w", err)
		}
	}
	if old.GlobalTransitID != nil {
		if err := txn.Delete(keyGlobalTransitID(driveID, *old.GlobalTransitID)); err != nil {
			return fmt.Errorf("failed to delete old globalTransitId entry: %w", err)
		}
	}
	if err := txn.Delete(keyModified(driveID, old.Updated, fileID)); err != nil {
		return fmt.Errorf("failed to delete old modified entry: %w", err)
	}
	if err := txn.Delete(keyUserDate(driveID, old.sortDate(), fileID)); err != nil {
		return fmt.Errorf("failed to delete old userDate entry: %w", err)
	}
	return nil
}

// GetRecord returns the index record of one file, or a not-found client
// error when the file is not indexed.
func (ix *Index) GetRecord(ctx context.Context, driveID drive.DriveID, fileID drive.FileID) (*IndexRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record *IndexRecord
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(keyHeader(driveID, fileID))
		if err == badger.ErrKeyNotFound {
			return drive.NewNotFound("file not indexed", fileID.String())
		}
		if err != nil {
			return fmt.Errorf("failed to read index record: %w", err)
		}
		return item.Value(func(val []byte) error {
			record, err = decodeRecord(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// LookupUniqueID resolves a client-assigned uniqueId to a fileId.
func (ix *Index) LookupUniqueID(ctx context.Context, driveID drive.DriveID, uniqueID uuid.UUID) (drive.FileID, error) {
	return ix.pointLookup(ctx, keyUniqueID(driveID, uniqueID), "no file with uniqueId "+uniqueID.String())
}

// LookupGlobalTransitID resolves a cross-identity correlation key to a
// fileId.
func (ix *Index) LookupGlobalTransitID(ctx context.Context, driveID drive.DriveID, globalTransitID uuid.UUID) (drive.FileID, error) {
	return ix.pointLookup(ctx, keyGlobalTransitID(driveID, globalTransitID), "no file with globalTransitId "+globalTransitID.String())
}

func (ix *Index) pointLookup(ctx context.Context, key []byte, notFoundMsg string) (drive.FileID, error) {
	if err := ctx.Err(); err != nil {
		return uuid.Nil, err
	}

	var fileID drive.FileID
	err := ix.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err == badger.ErrKeyNotFound {
			return drive.NewNotFound(notFoundMsg, "")
		}
		if err != nil {
			return fmt.Errorf("failed to read lookup entry: %w", err)
		}
		return item.Value(func(val []byte) error {
			if len(val) != 16 {
				return fmt.Errorf("malformed lookup entry of %d bytes", len(val))
			}
			copy(fileID[:], val)
			return nil
		})
	})
	if err != nil {
		return uuid.Nil, err
	}
	return fileID, nil
}

// ScanNewestFirst visits one drive's records in descending FileID order,
// which is descending creation-time order. When before is non-nil the scan
// starts strictly after it, so a caller can resume from a cursor. The
// visitor returns false to stop early.
func (ix *Index) ScanNewestFirst(ctx context.Context, driveID drive.DriveID, before *drive.FileID, visit func(*IndexRecord) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := keyHeaderPrefix(driveID)
	return ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = prefix
		opts.Reverse = true

		it := txn.NewIterator(opts)
		defer it.Close()

		// reverse iteration seeks to the largest key <= seek target
		maxFileID := drive.FileID{
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
			0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
		}
		seek := keyHeader(driveID, maxFileID)
		if before != nil {
			seek = keyHeader(driveID, *before)
		}

		// the seek target itself is excluded: cursors are exclusive
		var excluded string
		if before != nil {
			excluded = string(seek)
		}

		count := 0
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if count%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			count++

			if excluded != "" && string(it.Item().Key()) == excluded {
				continue
			}

			var record *IndexRecord
			err := it.Item().Value(func(val []byte) error {
				var err error
				record, err = decodeRecord(val)
				return err
			})
			if err != nil {
				return err
			}

			cont, err := visit(record)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// ScanOldestFirst visits one drive's records in ascending FileID order,
// which is ascending creation-time order. When after is non-nil the scan
// starts strictly after it. The visitor returns false to stop early.
func (ix *Index) ScanOldestFirst(ctx context.Context, driveID drive.DriveID, after *drive.FileID, visit func(*IndexRecord) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := keyHeaderPrefix(driveID)
	return ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		var excluded string
		if after != nil {
			seek = keyHeader(driveID, *after)
			excluded = string(seek)
		}

		count := 0
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if count%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			count++

			if excluded != "" && string(it.Item().Key()) == excluded {
				continue
			}

			var record *IndexRecord
			err := it.Item().Value(func(val []byte) error {
				var err error
				record, err = decodeRecord(val)
				return err
			})
			if err != nil {
				return err
			}

			cont, err := visit(record)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// userDateBoundary is the resume point of a UserDate-ordered scan. The sort
// timestamp is not unique, so the fileId breaks ties.
type userDateBoundary struct {
	Date   int64
	FileID drive.FileID
}

// ScanUserDate visits one drive's records ordered by their UserDate sort
// timestamp, newest-first unless oldestFirst is set. When boundary is
// non-nil the scan resumes strictly past it in the requested direction. The
// visitor returns false to stop early.
func (ix *Index) ScanUserDate(ctx context.Context, driveID drive.DriveID, oldestFirst bool, boundary *userDateBoundary, visit func(*IndexRecord) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := keyUserDatePrefix(driveID)
	return ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		opts.Reverse = !oldestFirst

		it := txn.NewIterator(opts)
		defer it.Close()

		seek := prefix
		if !oldestFirst {
			// reverse iteration seeks to the largest key <= seek target
			seek = make([]byte, 0, len(prefix)+8+16)
			seek = append(seek, prefix...)
			for i := 0; i < 8+16; i++ {
				seek = append(seek, 0xff)
			}
		}
		var excluded string
		if boundary != nil {
			seek = keyUserDate(driveID, boundary.Date, boundary.FileID)
			excluded = string(seek)
		}

		count := 0
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if count%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			count++

			key := it.Item().KeyCopy(nil)
			if excluded != "" && string(key) == excluded {
				continue
			}
			if len(key) != len(prefix)+8+16 {
				logger.Warn("Skipping malformed userDate-scan key")
				continue
			}
			var fileID drive.FileID
			copy(fileID[:], key[len(prefix)+8:])

			record, err := getRecordTxn(txn, driveID, fileID)
			if err != nil {
				return err
			}
			if record == nil {
				// entry orphaned by a concurrent remove
				continue
			}

			cont, err := visit(record)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

// ScanModifiedSince visits records whose Updated timestamp is strictly
// greater than since, in ascending modification order. The visitor returns
// false to stop early.
func (ix *Index) ScanModifiedSince(ctx context.Context, driveID drive.DriveID, since int64, visit func(*IndexRecord) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	prefix := keyModifiedPrefix(driveID)
	return ix.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		// boundary is exclusive: seek to since+1 with a zero fileId
		seek := keyModified(driveID, since+1, uuid.Nil)

		count := 0
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if count%100 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			count++

			key := it.Item().KeyCopy(nil)
			if _, ok := modifiedKeyTimestamp(key, driveID); !ok {
				logger.Warn("Skipping malformed modified-scan key")
				continue
			}
			var fileID drive.FileID
			copy(fileID[:], key[len(prefix)+8:])

			record, err := getRecordTxn(txn, driveID, fileID)
			if err != nil {
				return err
			}
			if record == nil {
				// entry orphaned by a concurrent remove
				continue
			}

			cont, err := visit(record)
			if err != nil {
				return err
			}
			if !cont {
				return nil
			}
		}
		return nil
	})
}

func getRecordTxn(txn *badger.Txn, driveID drive.DriveID, fileID drive.FileID) (*IndexRecord, error) {
	item, err := txn.Get(keyHeader(driveID, fileID))
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read index record: %w", err)
	}

	var record *IndexRecord
	err = item.Value(func(val []byte) error {
		record, err = decodeRecord(val)
		return err
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}
