// Package cache stores probed channel stream layouts keyed by channel
// uid. Lookups are served from an in-memory index; every update is also
// written to a sqlite file so layouts survive restarts and the next
// channel switch can skip the probe phase.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hashicorp/go-memdb"
	_ "modernc.org/sqlite"

	"github.com/harix786/vdr-plugin-robotv/internal/demux"
)

type entry struct {
	UID    uint32
	Bundle demux.StreamBundle
}

// ChannelCache maps channel uids to their last known stream bundle.
// Reads go through a lock-free memdb snapshot; writes update the index
// and persist the row in one call. Safe for concurrent use.
type ChannelCache struct {
	log *slog.Logger
	mem *memdb.MemDB
	db  *sql.DB
}

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			"channel": {
				Name: "channel",
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "UID"},
					},
				},
			},
		},
	}
}

// Open creates the cache backed by the sqlite file at path and loads
// all persisted rows into the in-memory index. If log is nil,
// slog.Default() is used.
func Open(path string, log *slog.Logger) (*ChannelCache, error) {
	if log == nil {
		log = slog.Default()
	}

	mem, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, fmt.Errorf("creating cache index: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening cache database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS channel_cache (
			uid INTEGER PRIMARY KEY,
			bundle BLOB NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating cache table: %w", err)
	}

	c := &ChannelCache{
		log: log.With("component", "cache"),
		mem: mem,
		db:  db,
	}

	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

func (c *ChannelCache) load() error {
	rows, err := c.db.Query("SELECT uid, bundle FROM channel_cache")
	if err != nil {
		return fmt.Errorf("loading cache rows: %w", err)
	}
	defer rows.Close()

	txn := c.mem.Txn(true)
	defer txn.Commit()

	n := 0
	for rows.Next() {
		var uid uint32
		var blob []byte
		if err := rows.Scan(&uid, &blob); err != nil {
			return fmt.Errorf("scanning cache row: %w", err)
		}

		var sb demux.StreamBundle
		if err := json.Unmarshal(blob, &sb); err != nil {
			// A corrupt row is dropped, the next probe rewrites it.
			c.log.Warn("dropping corrupt cache row", "uid", uid, "error", err)
			continue
		}

		if err := txn.Insert("channel", &entry{UID: uid, Bundle: sb}); err != nil {
			return fmt.Errorf("indexing cache row: %w", err)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating cache rows: %w", err)
	}

	c.log.Info("channel cache loaded", "channels", n)
	return nil
}

// Lookup returns the cached bundle for uid, or false when the channel
// has never been probed.
func (c *ChannelCache) Lookup(uid uint32) (demux.StreamBundle, bool) {
	txn := c.mem.Txn(false)
	defer txn.Abort()

	raw, err := txn.First("channel", "id", uid)
	if err != nil || raw == nil {
		return nil, false
	}
	// Callers reorder and parse into the result, so hand out a copy.
	return raw.(*entry).Bundle.Clone(), true
}

// Add stores the bundle for uid, replacing any previous layout, and
// persists it. Last writer wins.
func (c *ChannelCache) Add(uid uint32, sb demux.StreamBundle) error {
	blob, err := json.Marshal(sb)
	if err != nil {
		return fmt.Errorf("encoding bundle: %w", err)
	}

	txn := c.mem.Txn(true)
	if err := txn.Insert("channel", &entry{UID: uid, Bundle: sb.Clone()}); err != nil {
		txn.Abort()
		return fmt.Errorf("indexing bundle: %w", err)
	}
	txn.Commit()

	if _, err := c.db.Exec(`
		INSERT INTO channel_cache (uid, bundle) VALUES (?, ?)
		ON CONFLICT(uid) DO UPDATE SET bundle = excluded.bundle
	`, uid, blob); err != nil {
		return fmt.Errorf("persisting bundle: %w", err)
	}

	c.log.Debug("channel cached", "uid", uid, "streams", len(sb))
	return nil
}

// Remove drops the cached layout for uid from the index and the file.
func (c *ChannelCache) Remove(uid uint32) error {
	txn := c.mem.Txn(true)
	if _, err := txn.DeleteAll("channel", "id", uid); err != nil {
		txn.Abort()
		return fmt.Errorf("removing cache entry: %w", err)
	}
	txn.Commit()

	if _, err := c.db.Exec("DELETE FROM channel_cache WHERE uid = ?", uid); err != nil {
		return fmt.Errorf("removing cache row: %w", err)
	}
	return nil
}

// Len returns the number of cached channels.
func (c *ChannelCache) Len() int {
	txn := c.mem.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("channel", "id")
	if err != nil {
		return 0
	}
	n := 0
	for raw := it.Next(); raw != nil; raw = it.Next() {
		n++
	}
	return n
}

// UIDs returns all cached channel uids, for the debug API.
func (c *ChannelCache) UIDs() []uint32 {
	txn := c.mem.Txn(false)
	defer txn.Abort()

	it, err := txn.Get("channel", "id")
	if err != nil {
		return nil
	}
	var uids []uint32
	for raw := it.Next(); raw != nil; raw = it.Next() {
		uids = append(uids, raw.(*entry).UID)
	}
	return uids
}

// Close releases the sqlite handle.
func (c *ChannelCache) Close() error {
	return c.db.Close()
}
