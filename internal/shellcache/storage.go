package shellcache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

// Key layout:
//
//	g:<tag>                 generation marker (gob genMeta)
//	e:<tag>\x00<request>    entry (gob CacheEntry)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type genMeta struct {
	CreatedAt int64
}

type genIndex struct {
	createdAt int64
	sizes     map[string]int64
	total     int64
}

type storageOp struct {
	cache *Cache
	key   string
	ent   CacheEntry
	sync  chan struct{}
}

// Storage holds every named cache generation in one leveldb database.
// Entries of different generations never share keys, so deleting a
// generation is a prefix delete.
type Storage struct {
	db       *leveldb.DB
	ram      *ramCache
	log      *zap.Logger
	writeLog *rateLimitedLogger

	// mu guards gens and serializes every database mutation.
	mu   sync.Mutex
	gens map[string]*genIndex

	sendMu sync.RWMutex
	closed bool
	ops    chan storageOp
	done   chan struct{}
}

type GenerationInfo struct {
	Tag       string
	Entries   int
	Bytes     int64
	CreatedAt time.Time
}

func OpenStorage(dir string, ramMax int64, log *zap.Logger) (*Storage, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", dir, err)
	}
	s := &Storage{
		db:       db,
		ram:      newRAMCache(ramMax),
		log:      log,
		writeLog: newRateLimitedLogger(log, time.Minute),
		gens:     map[string]*genIndex{},
		ops:      make(chan storageOp, 1024),
		done:     make(chan struct{}),
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	go s.writerLoop()
	return s, nil
}

func (s *Storage) Close() error {
	s.sendMu.Lock()
	if s.closed {
		s.sendMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.sendMu.Unlock()

	<-s.done
	return s.db.Close()
}

func (s *Storage) loadIndex() error {
	gens := map[string]*genIndex{}

	it := s.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	for it.Next() {
		tag := string(bytes.TrimPrefix(it.Key(), []byte(genPrefix)))
		var meta genMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			s.log.Warn("skipping unreadable generation marker", zap.String("generation", tag), zap.Error(err))
			continue
		}
		gens[tag] = &genIndex{createdAt: meta.CreatedAt, sizes: map[string]int64{}}
	}
	it.Release()
	if err := it.Error(); err != nil {
		return err
	}

	it = s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix)), nil)
	defer it.Release()
	for it.Next() {
		tag, key, ok := splitEntryKey(it.Key())
		if !ok {
			continue
		}
		g := gens[tag]
		if g == nil {
			// Entries without a marker still get listed so activation purges them.
			g = &genIndex{sizes: map[string]int64{}}
			gens[tag] = g
		}
		sz := int64(len(it.Value()))
		g.sizes[key] = sz
		g.total += sz
	}
	if err := it.Error(); err != nil {
		return err
	}

	s.mu.Lock()
	s.gens = gens
	s.mu.Unlock()
	return nil
}

// Keys lists every generation tag, sorted.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.gens))
	for tag := range s.gens {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

func (s *Storage) Has(tag string) bool {
	s.mu.Lock()
	_, ok := s.gens[tag]
	s.mu.Unlock()
	return ok
}

func (s *Storage) Generations() []GenerationInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GenerationInfo, 0, len(s.gens))
	for tag, g := range s.gens {
		info := GenerationInfo{Tag: tag, Entries: len(g.sizes), Bytes: g.total}
		if g.createdAt > 0 {
			info.CreatedAt = time.Unix(g.createdAt, 0)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

// Open returns the named generation, creating it when missing. quota
// bounds the generation's stored bytes; 0 means unlimited.
func (s *Storage) Open(tag string, quota int64) (*Cache, error) {
	if err := validateTag(tag); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gens[tag]; !ok {
		now := time.Now().Unix()
		b, err := encodeGob(genMeta{CreatedAt: now})
		if err != nil {
			return nil, err
		}
		if err := s.db.Put([]byte(genPrefix+tag), b, nil); err != nil {
			return nil, fmt.Errorf("create generation %s: %w", tag, err)
		}
		s.gens[tag] = &genIndex{createdAt: now, sizes: map[string]int64{}}
	}
	return &Cache{s: s, tag: tag, quota: quota}, nil
}

// Delete drops the generation and all of its entries. It reports whether
// the generation existed.
func (s *Storage) Delete(tag string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.gens[tag]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	batch.Delete([]byte(genPrefix + tag))
	it := s.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+tag+keySep)), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("scan generation %s: %w", tag, err)
	}
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("delete generation %s: %w", tag, err)
	}

	delete(s.gens, tag)
	s.ram.DeletePrefix(tag + keySep)
	return true, nil
}

// Sync blocks until every write queued before the call has been applied.
func (s *Storage) Sync() {
	ch := make(chan struct{})
	s.sendMu.RLock()
	if s.closed {
		s.sendMu.RUnlock()
		return
	}
	s.ops <- storageOp{sync: ch}
	s.sendMu.RUnlock()
	<-ch
}

func (s *Storage) enqueue(op storageOp) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- op:
	default:
		s.writeLog.Warn("cache write queue full, dropping entry",
			zap.String("generation", op.cache.tag),
			zap.String("key", op.key),
		)
	}
}

func (s *Storage) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		if op.sync != nil {
			close(op.sync)
			continue
		}
		if err := op.cache.Put(op.key, op.ent); err != nil {
			s.writeLog.Warn("cache write failed",
				zap.String("generation", op.cache.tag),
				zap.String("key", op.key),
				zap.Error(err),
			)
		}
	}
}

// Cache is a handle on one generation.
type Cache struct {
	s     *Storage
	tag   string
	quota int64
}

func (c *Cache) Tag() string { return c.tag }

// Match looks up key by exact match. The returned entry is a private copy.
func (c *Cache) Match(key string) (CacheEntry, bool) {
	rk := c.tag + keySep + key
	if ent, ok := c.s.ram.Get(rk); ok {
		return ent.Clone(), true
	}
	b, err := c.s.db.Get(entryDBKey(c.tag, key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}

	c.s.mu.Lock()
	if _, ok := c.s.gens[c.tag]; ok {
		c.s.ram.PutIfAbsent(rk, ent)
	}
	c.s.mu.Unlock()
	return ent.Clone(), true
}

// Put stores ent under key, replacing any previous entry. The caller must
// not retain ent.
func (c *Cache) Put(key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	g, ok := c.s.gens[c.tag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.tag)
	}
	sz := int64(len(b))
	if c.quota > 0 && g.total-g.sizes[key]+sz > c.quota {
		return fmt.Errorf("%w: %s needs %d bytes, quota %d", ErrQuotaExceeded, c.tag, g.total-g.sizes[key]+sz, c.quota)
	}
	if err := c.s.db.Put(entryDBKey(c.tag, key), b, nil); err != nil {
		return err
	}
	g.total += sz - g.sizes[key]
	g.sizes[key] = sz
	c.s.ram.Put(c.tag+keySep+key, ent)
	return nil
}

// PutAsync queues a Put on the background writer. Failures, including a
// full queue, are logged and otherwise ignored.
func (c *Cache) PutAsync(key string, ent CacheEntry) {
	c.s.enqueue(storageOp{cache: c, key: key, ent: ent})
}

// AddAll stores every entry in one batch: either all of them land or none.
func (c *Cache) AddAll(entries map[string]CacheEntry) error {
	encoded := make(map[string][]byte, len(entries))
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		encoded[key] = b
	}

	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	g, ok := c.s.gens[c.tag]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, c.tag)
	}

	total := g.total
	batch := new(leveldb.Batch)
	for key, b := range encoded {
		total += int64(len(b)) - g.sizes[key]
		batch.Put(entryDBKey(c.tag, key), b)
	}
	if c.quota > 0 && total > c.quota {
		return fmt.Errorf("%w: %s needs %d bytes, quota %d", ErrQuotaExceeded, c.tag, total, c.quota)
	}
	if err := c.s.db.Write(batch, nil); err != nil {
		return err
	}

	for key, b := range encoded {
		g.sizes[key] = int64(len(b))
		c.s.ram.Put(c.tag+keySep+key, entries[key])
	}
	g.total = total
	return nil
}

// Has reports whether key is stored in this generation.
func (c *Cache) Has(key string) bool {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	g, ok := c.s.gens[c.tag]
	if !ok {
		return false
	}
	_, ok = g.sizes[key]
	return ok
}

// Keys lists the request keys stored in this generation, sorted.
func (c *Cache) Keys() []string {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	g, ok := c.s.gens[c.tag]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(g.sizes))
	for k := range g.sizes {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (c *Cache) Len() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if g, ok := c.s.gens[c.tag]; ok {
		return len(g.sizes)
	}
	return 0
}

func (c *Cache) Size() int64 {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if g, ok := c.s.gens[c.tag]; ok {
		return g.total
	}
	return 0
}

func entryDBKey(tag, key string) []byte {
	return []byte(entryPrefix + tag + keySep + key)
}

func splitEntryKey(k []byte) (tag, key string, ok bool) {
	rest := strings.TrimPrefix(string(k), entryPrefix)
	tag, key, ok = strings.Cut(rest, keySep)
	if !ok || tag == "" {
		return "", "", false
	}
	return tag, key, true
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
