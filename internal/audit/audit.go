// Package audit is a BoltDB-backed ledger of election events (bids, acks,
// nacks, promotions, abdications, evictions, undead re-evictions), adapted
// from the teacher's storage.DB ledger for the quorum protocol's domain.
//
// Schema (BoltDB bucket layout):
//
//	/ledger
//	    key:   UTC RFC3339 timestamp with fixed 9-digit fraction + "_" + node_id (zero-padded)
//	    value: JSON-encoded Entry
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
//
// Consistency model:
//   - Single-process, single-writer, same as the quorum disk itself.
//   - All writes use ACID transactions (bbolt Tx.Commit()).
//   - Reads use read-only transactions (bbolt.View()).
//
// Retention: ledger entries older than RetentionDays are pruned on Open()
// and may be pruned again by the caller's own periodic maintenance.
package audit

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"quorumd/internal/observability"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketLedger = "ledger"
	bucketMeta   = "meta"
)

// EventKind names the election event recorded in a ledger Entry.
type EventKind string

const (
	EventBid        EventKind = "bid"
	EventAck        EventKind = "ack"
	EventNack       EventKind = "nack"
	EventPromotion  EventKind = "promotion"
	EventAbdication EventKind = "abdication"
	EventEviction   EventKind = "eviction"
	EventUndead     EventKind = "undead"
)

// Entry is a single election-event audit record.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	NodeID    int       `json:"node_id"`
	Kind      EventKind `json:"kind"`
	Target    int       `json:"target,omitempty"` // peer this event concerns, if any
	Seq       uint64    `json:"seq"`
	Detail    string    `json:"detail,omitempty"`
}

// DB wraps a BoltDB instance with typed accessors for the election ledger.
type DB struct {
	db            *bolt.DB
	retentionDays int
	metrics       *observability.Metrics
}

// Open opens (or creates) the BoltDB database at path, initialises the
// ledger/meta buckets, verifies the schema version, and prunes entries
// older than retentionDays.
func Open(path string, retentionDays int, metrics *observability.Metrics) (*DB, error) {
	if retentionDays <= 0 {
		retentionDays = 30
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      5 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("audit: bolt.Open(%q): %w", path, err)
	}

	d := &DB{db: bdb, retentionDays: retentionDays, metrics: metrics}

	if err := d.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketLedger, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: database initialisation failed: %w", err)
	}

	if err := d.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	if _, err := d.PruneOldEntries(); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("audit: initial prune failed: %w", err)
	}

	return d, nil
}

func (d *DB) checkSchemaVersion() error {
	return d.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("audit: schema version mismatch: database has %q, daemon requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

func entryKey(t time.Time, nodeID int) []byte {
	return []byte(fmt.Sprintf("%s_%04d", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), nodeID))
}

// Append writes a new election-event entry. If entry.Timestamp is zero,
// the current time is used.
func (d *DB) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	start := time.Now()
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	key := entryKey(entry.Timestamp, entry.NodeID)

	err = d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		if err := b.Put(key, data); err != nil {
			return fmt.Errorf("bolt.Put: %w", err)
		}
		return nil
	})
	if d.metrics != nil {
		d.metrics.AuditWriteLatency.Observe(time.Since(start).Seconds())
		if err == nil {
			d.setLedgerGauge()
		}
	}
	return err
}

// PruneOldEntries deletes ledger entries older than retentionDays.
// Returns the number of entries deleted.
func (d *DB) PruneOldEntries() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -d.retentionDays)
	cutoffKey := entryKey(cutoff, 0)

	var deleted int
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		c := b.Cursor()

		var toDelete [][]byte
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if string(k) >= string(cutoffKey) {
				break
			}
			keyCopy := make([]byte, len(k))
			copy(keyCopy, k)
			toDelete = append(toDelete, keyCopy)
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return fmt.Errorf("PruneOldEntries delete: %w", err)
			}
			deleted++
		}
		return nil
	})
	if err == nil && d.metrics != nil {
		d.setLedgerGauge()
	}
	return deleted, err
}

// setLedgerGauge sets AuditLedgerEntries from a read-only transaction, so
// it counts committed entries (bucket stats read inside the write
// transaction still describe the pages as they were before it).
func (d *DB) setLedgerGauge() {
	_ = d.db.View(func(tx *bolt.Tx) error {
		d.metrics.AuditLedgerEntries.Set(float64(tx.Bucket([]byte(bucketLedger)).Stats().KeyN))
		return nil
	})
}

// ReadAll returns every ledger entry in chronological order. Operational
// use only (CLI inspection); not called on the tick path.
func (d *DB) ReadAll() ([]Entry, error) {
	var entries []Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketLedger))
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
			return nil
		})
	})
	return entries, err
}
