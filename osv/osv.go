// Copyright 2025 Google LLC
//
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file or at
// https://developers.google.com/open-source/licenses/bsd

// Package osv maintains a local cache of OSV advisories as a keyed store.
// Advisories are imported from an OSV archive (all.zip) or a directory of
// advisory JSON files, and read back by ID or as a full scan when building
// correlation indexes.
package osv

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

var advisoriesBucket = []byte("advisories")

// Advisory is the subset of the OSV schema the correlation index needs.
// EcosystemSpecific is retained raw; its shape is ecosystem-defined.
type Advisory struct {
	ID       string     `json:"id"`
	Modified time.Time  `json:"modified"`
	Affected []Affected `json:"affected"`
}

// Affected is one affected-package entry of an advisory.
type Affected struct {
	Package           *Package        `json:"package"`
	EcosystemSpecific json.RawMessage `json:"ecosystem_specific"`
}

// Package identifies an affected package within its ecosystem.
type Package struct {
	Ecosystem string `json:"ecosystem"`
	Name      string `json:"name"`
}

// NotFoundError reports a missing advisory ID.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("advisory %s not in cache", e.ID)
}

// Cache is a keyed store of advisories.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the cache database at path.
func Open(path string) (*Cache, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating OSV cache within %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening OSV cache at %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(advisoriesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing OSV cache: %w", err)
	}
	return &Cache{db: db}, nil
}

// DefaultPath returns the cache location under the user cache directory.
func DefaultPath() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("getting OSV cache home (is $HOME set?): %w", err)
	}
	return filepath.Join(base, "capstrace", "osv.db"), nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put stores an advisory, replacing any previous version.  An advisory
// already cached with the same or a newer modification time is left alone.
func (c *Cache) Put(advisory Advisory) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(advisoriesBucket)
		if existing := bucket.Get([]byte(advisory.ID)); existing != nil {
			var cached Advisory
			if err := json.Unmarshal(existing, &cached); err == nil && !cached.Modified.Before(advisory.Modified) {
				return nil
			}
		}
		data, err := json.Marshal(advisory)
		if err != nil {
			return fmt.Errorf("serializing advisory %s: %w", advisory.ID, err)
		}
		return bucket.Put([]byte(advisory.ID), data)
	})
}

// Get returns the advisory with the given ID.
func (c *Cache) Get(id string) (Advisory, error) {
	var advisory Advisory
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(advisoriesBucket).Get([]byte(id))
		if data == nil {
			return NotFoundError{ID: id}
		}
		return json.Unmarshal(data, &advisory)
	})
	return advisory, err
}

// ForEach calls fn for every cached advisory in key order.
func (c *Cache) ForEach(fn func(Advisory) error) error {
	return c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(advisoriesBucket).ForEach(func(key, data []byte) error {
			var advisory Advisory
			if err := json.Unmarshal(data, &advisory); err != nil {
				return fmt.Errorf("parsing cached advisory %s: %w", key, err)
			}
			return fn(advisory)
		})
	})
}

// Len returns the number of cached advisories.
func (c *Cache) Len() (int, error) {
	n := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(advisoriesBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// ImportZip loads advisories from an OSV archive laid out as <ID>.json
// entries, returning the number imported.  Entries that fail to parse are
// skipped with a warning; a noisy archive should still yield a usable cache.
func (c *Cache) ImportZip(path string) (imported int, err error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return 0, fmt.Errorf("opening advisory archive %s: %w", path, err)
	}
	defer archive.Close()

	for _, entry := range archive.File {
		if !strings.HasSuffix(entry.Name, ".json") {
			continue
		}
		f, err := entry.Open()
		if err != nil {
			logrus.WithError(err).WithField("entry", entry.Name).Warn("skipping unreadable archive entry")
			continue
		}
		ok := c.importOne(entry.Name, f)
		f.Close()
		if ok {
			imported++
		}
	}
	return imported, nil
}

// ImportDir loads advisories from a directory of <ID>.json files, returning
// the number imported.
func (c *Cache) ImportDir(dir string) (imported int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading advisory directory %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		f, err := os.Open(path)
		if err != nil {
			logrus.WithError(err).WithField("path", path).Warn("skipping unreadable advisory")
			continue
		}
		ok := c.importOne(path, f)
		f.Close()
		if ok {
			imported++
		}
	}
	return imported, nil
}

func (c *Cache) importOne(name string, r io.Reader) bool {
	var advisory Advisory
	if err := json.NewDecoder(r).Decode(&advisory); err != nil {
		logrus.WithError(err).WithField("advisory", name).Warn("skipping unparseable advisory")
		return false
	}
	if advisory.ID == "" {
		logrus.WithField("advisory", name).Warn("skipping advisory without an ID")
		return false
	}
	if err := c.Put(advisory); err != nil {
		logrus.WithError(err).WithField("advisory", advisory.ID).Warn("skipping advisory that failed to store")
		return false
	}
	return true
}
