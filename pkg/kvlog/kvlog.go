// Package kvlog is the bounded per-tenant mutation log backing Sync Hub
// catch-up, adapted from the teacher's storage.BoltStore bucket pattern.
package kvlog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cuemby/rebac-core/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketMutations = []byte("mutations")

// Log is a bbolt-backed, bounded append log of types.MutationEntry, one
// bucket shared across tenants with keys prefixed "{tenant}:mutations:{version}"
// so a single file backs every tenant's retained window.
type Log struct {
	db *bolt.DB
}

// Open opens (or creates) the bbolt-backed log file under dataDir.
func Open(dataDir string) (*Log, error) {
	dbPath := filepath.Join(dataDir, "kvlog.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open kvlog: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMutations)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create mutations bucket: %w", err)
	}

	return &Log{db: db}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func key(tenant string, version uint64) []byte {
	return []byte(fmt.Sprintf("%s:mutations:%020d", tenant, version))
}

// Append writes a mutation entry for the tenant at its version. Keys are
// zero-padded so bbolt's natural byte-order iteration equals version order.
func (l *Log) Append(tenant string, entry types.MutationEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal mutation entry: %w", err)
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMutations)
		return b.Put(key(tenant, entry.Version), data)
	})
}

// Range returns entries for tenant with version in (from, to], in order.
func (l *Log) Range(tenant string, from, to uint64) ([]types.MutationEntry, error) {
	var entries []types.MutationEntry
	prefix := []byte(tenant + ":mutations:")

	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMutations).Cursor()
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var entry types.MutationEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("unmarshal mutation entry %s: %w", k, err)
			}
			if entry.Version > from && entry.Version <= to {
				entries = append(entries, entry)
			}
		}
		return nil
	})
	return entries, err
}

// OldestVersion returns the version of the oldest retained entry for tenant,
// or 0 if the tenant has no retained entries.
func (l *Log) OldestVersion(tenant string) (uint64, error) {
	prefix := []byte(tenant + ":mutations:")
	var oldest uint64

	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketMutations).Cursor()
		k, _ := c.Seek(prefix)
		if k == nil || !strings.HasPrefix(string(k), string(prefix)) {
			return nil
		}
		suffix := strings.TrimPrefix(string(k), string(prefix))
		v, err := strconv.ParseUint(suffix, 10, 64)
		if err != nil {
			return fmt.Errorf("parse version from key %s: %w", k, err)
		}
		oldest = v
		return nil
	})
	return oldest, err
}

// Prune deletes entries for tenant with version <= upTo, used once a CSV
// snapshot strictly newer than upTo is durable.
func (l *Log) Prune(tenant string, upTo uint64) error {
	prefix := []byte(tenant + ":mutations:")

	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketMutations)
		c := b.Cursor()

		var toDelete [][]byte
		for k, v := c.Seek(prefix); k != nil && strings.HasPrefix(string(k), string(prefix)); k, v = c.Next() {
			var entry types.MutationEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			if entry.Version <= upTo {
				kc := make([]byte, len(k))
				copy(kc, k)
				toDelete = append(toDelete, kc)
			}
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
