package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/juju/loggo"
	"github.com/redis/go-redis/v9"
)

var indexLogger = loggo.GetLogger("index")

// DisplayRecord is one entry the terminal can show. Created upstream by the
// catalog sync; read-only in here.
type DisplayRecord struct {
	Key   string // barcode/GTIN
	Name  string
	Price string
	Image string // optional path or URL
}

// ProductSource feeds the index. The backing store can be a flat file, a
// cache or anything else that can list all records on a schedule.
type ProductSource interface {
	GetDisplayRecord(key string) (DisplayRecord, bool, error)
	ListAll() ([]DisplayRecord, error)
}

type snapshot struct {
	records  map[string]DisplayRecord
	loadedAt time.Time
}

// ProductIndex maps GTINs to display records. Reload swaps in a fresh
// immutable map, so lookups never block and never observe a half-built
// index.
type ProductIndex struct {
	current atomic.Value // *snapshot
}

func NewProductIndex() *ProductIndex {
	idx := &ProductIndex{}
	idx.current.Store(&snapshot{records: map[string]DisplayRecord{}})
	return idx
}

// Lookup is a pure map access; it must stay off any network path so the
// scan-to-response latency stays bounded.
func (idx *ProductIndex) Lookup(key string) (DisplayRecord, bool) {
	snap := idx.current.Load().(*snapshot)
	rec, ok := snap.records[key]
	return rec, ok
}

// Reload replaces the entire index. Records without a key are dropped;
// duplicate keys resolve last-write-wins.
func (idx *ProductIndex) Reload(recs []DisplayRecord) {
	m := make(map[string]DisplayRecord, len(recs))
	for _, r := range recs {
		if r.Key == "" {
			continue
		}
		m[r.Key] = r
	}
	idx.current.Store(&snapshot{records: m, loadedAt: time.Now()})
}

func (idx *ProductIndex) Size() int {
	return len(idx.current.Load().(*snapshot).records)
}

func (idx *ProductIndex) LastReload() time.Time {
	return idx.current.Load().(*snapshot).loadedAt
}

// fileSource reads product snapshots from the data file the catalog sync
// maintains. One record per line: GTIN|NAME|PRICE|IMAGE.
type fileSource struct {
	path string
}

func newFileSource(path string) *fileSource {
	return &fileSource{path: path}
}

func (f *fileSource) ListAll() ([]DisplayRecord, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var recs []DisplayRecord
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			indexLogger.Warningf("skipping malformed snapshot line: %q", line)
			continue
		}
		rec := DisplayRecord{
			Key:   strings.TrimSpace(parts[0]),
			Name:  strings.TrimSpace(parts[1]),
			Price: strings.TrimSpace(parts[2]),
		}
		if len(parts) > 3 {
			rec.Image = strings.TrimSpace(parts[3])
		}
		if rec.Key == "" {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, scanner.Err()
}

func (f *fileSource) GetDisplayRecord(key string) (DisplayRecord, bool, error) {
	recs, err := f.ListAll()
	if err != nil {
		return DisplayRecord{}, false, err
	}
	for _, r := range recs {
		if r.Key == key {
			return r, true, nil
		}
	}
	return DisplayRecord{}, false, nil
}

// modTime returns the snapshot file's last modification time, or the zero
// time if the file is missing.
func (f *fileSource) modTime() time.Time {
	fi, err := os.Stat(f.path)
	if err != nil {
		return time.Time{}
	}
	return fi.ModTime()
}

// redisSource reads product snapshots from a Redis hash where each field is
// a GTIN and each value is "NAME|PRICE|IMAGE".
type redisSource struct {
	client *redis.Client
	key    string
}

func newRedisSource(addr, key string) *redisSource {
	return &redisSource{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		key:    key,
	}
}

func (r *redisSource) ListAll() ([]DisplayRecord, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis snapshot read failed: %w", err)
	}
	recs := make([]DisplayRecord, 0, len(fields))
	for gtin, v := range fields {
		parts := strings.Split(v, "|")
		if len(parts) < 2 {
			indexLogger.Warningf("skipping malformed redis record %q: %q", gtin, v)
			continue
		}
		rec := DisplayRecord{Key: gtin, Name: parts[0], Price: parts[1]}
		if len(parts) > 2 {
			rec.Image = parts[2]
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (r *redisSource) GetDisplayRecord(key string) (DisplayRecord, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := r.client.HGet(ctx, r.key, key).Result()
	if err == redis.Nil {
		return DisplayRecord{}, false, nil
	}
	if err != nil {
		return DisplayRecord{}, false, err
	}
	parts := strings.Split(v, "|")
	if len(parts) < 2 {
		return DisplayRecord{}, false, fmt.Errorf("malformed redis record for %q", key)
	}
	rec := DisplayRecord{Key: key, Name: parts[0], Price: parts[1]}
	if len(parts) > 2 {
		rec.Image = parts[2]
	}
	return rec, true, nil
}

// watchSnapshot refreshes the index from src on a fixed interval, and for
// file sources only when the file's mtime has advanced since the last load.
// Meant to be run in its own goroutine; runs independently of the terminal
// connection lifecycle.
func watchSnapshot(idx *ProductIndex, src ProductSource, interval time.Duration, quit chan struct{}) {
	var lastMod time.Time
	reload := func() {
		if f, ok := src.(*fileSource); ok {
			mod := f.modTime()
			if !mod.After(lastMod) {
				return
			}
			lastMod = mod
		}
		recs, err := src.ListAll()
		if err != nil {
			indexLogger.Warningf("snapshot reload failed: %v", err)
			return
		}
		idx.Reload(recs)
		indexLogger.Infof("product index reloaded: %d records", idx.Size())
	}

	reload()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			reload()
		case <-quit:
			return
		}
	}
}
