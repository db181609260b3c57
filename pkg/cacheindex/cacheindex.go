// Package cacheindex persists a worker's artifact cache metadata
// (§4.6) across restarts using a bbolt-backed key/value store, the
// same embedded-database approach the coordinator's predecessor used
// for its durable state.
package cacheindex

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/taskcoordinator/pkg/types"
)

var bucketArtifacts = []byte("artifacts")

// entry is the on-disk representation of a cached artifact; Path is
// the worker's local cache path for the fingerprint, which is not
// part of types.CachedArtifactInfo since that type is also used for
// the in-memory view reported to the coordinator.
type entry struct {
	Kind         types.ArtifactKind `json:"kind"`
	Size         int64              `json:"size"`
	ModTime      time.Time          `json:"mod_time"`
	TransferTime time.Duration      `json:"transfer_time"`
	Path         string             `json:"path"`
}

// Index is a bbolt-backed persistent index of a worker's local
// artifact cache, keyed by fingerprint.
type Index struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the cache index database under
// dataDir.
func Open(dataDir string) (*Index, error) {
	dbPath := filepath.Join(dataDir, "cache.db")
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (idx *Index) Close() error { return idx.db.Close() }

// Put records a newly cached artifact at the given local path.
func (idx *Index) Put(fingerprint string, info types.CachedArtifactInfo, path string) error {
	e := entry{Kind: info.Kind, Size: info.Size, ModTime: info.ModTime, TransferTime: info.TransferTime, Path: path}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Put([]byte(fingerprint), data)
	})
}

// Get returns the cache entry for fingerprint, and whether it exists.
func (idx *Index) Get(fingerprint string) (types.CachedArtifactInfo, string, bool) {
	var e entry
	var found bool
	_ = idx.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArtifacts).Get([]byte(fingerprint))
		if data == nil {
			return nil
		}
		if err := json.Unmarshal(data, &e); err != nil {
			return err
		}
		found = true
		return nil
	})
	if !found {
		return types.CachedArtifactInfo{}, "", false
	}
	return types.CachedArtifactInfo{Kind: e.Kind, Size: e.Size, ModTime: e.ModTime, TransferTime: e.TransferTime}, e.Path, true
}

// Delete removes a cache entry, reporting the path it occupied so the
// caller can reclaim disk space.
func (idx *Index) Delete(fingerprint string) (string, error) {
	_, path, found := idx.Get(fingerprint)
	if !found {
		return "", nil
	}
	err := idx.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete([]byte(fingerprint))
	})
	return path, err
}

// All returns every cached fingerprint and its info, for the
// startup cache-update announce and the coordinator's cache-locality
// scheduling policy.
func (idx *Index) All() (map[string]types.CachedArtifactInfo, error) {
	out := make(map[string]types.CachedArtifactInfo)
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out[string(k)] = types.CachedArtifactInfo{Kind: e.Kind, Size: e.Size, ModTime: e.ModTime, TransferTime: e.TransferTime}
			return nil
		})
	})
	return out, err
}

// TotalSize sums the size of every cached artifact, used for the
// disk-space threshold check before accepting a new put.
func (idx *Index) TotalSize() (int64, error) {
	var total int64
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			total += e.Size
			return nil
		})
	})
	return total, err
}

// EvictOldest deletes cache entries ordered by ModTime ascending until
// freed bytes reaches need or the cache is empty, returning the paths
// removed so the caller can unlink them from disk.
func (idx *Index) EvictOldest(need int64) ([]string, error) {
	type candidate struct {
		fingerprint string
		e           entry
	}
	var candidates []candidate
	err := idx.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var e entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			candidates = append(candidates, candidate{fingerprint: string(k), e: e})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if candidates[j].e.ModTime.Before(candidates[i].e.ModTime) {
				candidates[i], candidates[j] = candidates[j], candidates[i]
			}
		}
	}

	var freed int64
	var paths []string
	err = idx.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketArtifacts)
		for _, c := range candidates {
			if freed >= need {
				break
			}
			if err := b.Delete([]byte(c.fingerprint)); err != nil {
				return err
			}
			freed += c.e.Size
			paths = append(paths, c.e.Path)
		}
		return nil
	})
	return paths, err
}
