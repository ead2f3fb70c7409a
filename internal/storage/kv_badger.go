package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/go-logr/logr"

	"github.com/p8fs/p8fs-core/internal/models"
)

// kvSubstrate is the KV half of a Provider: tenant-prefixed keys, native TTL
// (spec.md §4.1's "with TTL" requirement maps directly onto Badger's entry
// TTL, no sweeper goroutine needed for expiry itself), and prefix scan for
// the Reverse Key Index and session sidecar lookups.
type kvSubstrate struct {
	db     *badger.DB
	logger logr.Logger
}

func openBadger(path string, logger logr.Logger) (*badger.DB, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage: open badger at %s: %w", path, err)
	}
	return db, nil
}

func newKVSubstrate(db *badger.DB, logger logr.Logger) *kvSubstrate {
	return &kvSubstrate{db: db, logger: logger}
}

func (k *kvSubstrate) get(ctx context.Context, key string) (map[string]interface{}, bool, error) {
	var value map[string]interface{}
	err := k.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &value)
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("storage: kv get %s: %w", key, err)
	}
	return value, true, nil
}

func (k *kvSubstrate) put(ctx context.Context, key string, value map[string]interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("storage: kv put %s: marshal: %w", key, err)
	}
	return k.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (k *kvSubstrate) scan(ctx context.Context, prefix string, limit int) ([]models.KVEntry, error) {
	var out []models.KVEntry
	err := k.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			item := it.Item()
			entry := models.KVEntry{Key: string(item.Key())}
			if exp := item.ExpiresAt(); exp > 0 {
				t := time.Unix(int64(exp), 0).UTC()
				entry.ExpiresAt = &t
			}
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &entry.Value)
			}); err != nil {
				return fmt.Errorf("storage: kv scan %s: decode %s: %w", prefix, entry.Key, err)
			}
			out = append(out, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// runGC periodically reclaims Badger's value log, the substrate's
// equivalent of the teacher's background compaction loop (compactor.go).
func (k *kvSubstrate) runGC(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		again:
			if err := k.db.RunValueLogGC(0.5); err == nil {
				goto again
			}
		}
	}
}

func (k *kvSubstrate) close() error {
	return k.db.Close()
}
