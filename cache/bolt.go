package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

// Bodies smaller than this are stored uncompressed.
const compressThreshold = 512

// bucketIndex maps bucket names to their creation sequence.
var bucketIndex = []byte("__buckets")

// BoltStorage stores each cache bucket as a bbolt bucket.
// Entries are msgpack encoded, large bodies are zstd compressed.
type BoltStorage struct {
	db      *bolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

type boltBucket struct {
	name    string
	storage *BoltStorage
}

type boltEntry struct {
	Status     int                 `msgpack:"status"`
	Header     map[string][]string `msgpack:"header"`
	Body       []byte              `msgpack:"body"`
	Compressed bool                `msgpack:"compressed"`
	Revision   string              `msgpack:"revision,omitempty"`
	StoredAt   int64               `msgpack:"stored_at"`
}

// NewBoltStorage opens or creates the bbolt database at the given path.
func NewBoltStorage(path string) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0644, &bolt.Options{Timeout: 10 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open BoltDB: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketIndex)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &BoltStorage{db: db, encoder: encoder, decoder: decoder}, nil
}

func (s *BoltStorage) Open(name string) (Bucket, error) {
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if index.Get([]byte(name)) != nil {
			return nil
		}
		if _, err := tx.CreateBucketIfNotExists(dataBucketName(name)); err != nil {
			return err
		}
		seq, err := index.NextSequence()
		if err != nil {
			return err
		}
		return index.Put([]byte(name), binary.BigEndian.AppendUint64(nil, seq))
	})
	if err != nil {
		return nil, err
	}
	return boltBucket{name: name, storage: s}, nil
}

func (s *BoltStorage) Bucket(name string) (Bucket, error) {
	ok, err := s.Has(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBucketNotFound
	}
	return boltBucket{name: name, storage: s}, nil
}

func (s *BoltStorage) Has(name string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bolt.Tx) error {
		ok = tx.Bucket(bucketIndex).Get([]byte(name)) != nil
		return nil
	})
	return ok, err
}

func (s *BoltStorage) Names() ([]string, error) {
	type named struct {
		name string
		seq  uint64
	}
	var all []named
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketIndex).ForEach(func(k, v []byte) error {
			all = append(all, named{name: string(k), seq: binary.BigEndian.Uint64(v)})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	names := make([]string, len(all))
	for i, n := range all {
		names[i] = n.name
	}
	return names, nil
}

func (s *BoltStorage) Delete(name string) (bool, error) {
	var existed bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(bucketIndex)
		if index.Get([]byte(name)) == nil {
			return nil
		}
		existed = true
		if err := index.Delete([]byte(name)); err != nil {
			return err
		}
		if err := tx.DeleteBucket(dataBucketName(name)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return nil
	})
	return existed, err
}

// Close releases resources
func (s *BoltStorage) Close() error {
	_ = s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}

// dataBucketName keeps cache bucket names apart from the index bucket.
func dataBucketName(name string) []byte {
	return []byte("c:" + name)
}

func (b boltBucket) Name() string {
	return b.name
}

func (b boltBucket) All(prefix string) ([]Entry, error) {
	entries := make([]Entry, 0)
	err := b.storage.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(b.name))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			entry, err := b.storage.decode(string(k), v)
			if err != nil {
				return err
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}

func (b boltBucket) Get(key string) (Entry, bool, error) {
	var (
		entry Entry
		found bool
	)
	err := b.storage.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(b.name))
		if bucket == nil {
			return nil
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil // Not found is not an error
		}
		var err error
		entry, err = b.storage.decode(key, data)
		found = err == nil
		return err
	})
	return entry, found, err
}

func (b boltBucket) Put(entry Entry) error {
	data, err := b.storage.encode(entry)
	if err != nil {
		return err
	}
	return b.storage.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(b.name))
		if bucket == nil {
			return ErrBucketNotFound
		}
		return bucket.Put([]byte(entry.Key), data)
	})
}

func (b boltBucket) Keys(cb func(string)) error {
	var keys []string
	err := b.storage.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(b.name))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return err
	}
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (b boltBucket) Purge(key string) error {
	return b.storage.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(dataBucketName(b.name))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
}

func (s *BoltStorage) encode(e Entry) ([]byte, error) {
	be := boltEntry{
		Status:   e.Status,
		Header:   e.Header,
		Body:     e.Body,
		Revision: e.Revision,
		StoredAt: e.StoredAt.UnixNano(),
	}
	if len(e.Body) >= compressThreshold {
		be.Body = s.encoder.EncodeAll(e.Body, nil)
		be.Compressed = true
	}
	return msgpack.Marshal(&be)
}

func (s *BoltStorage) decode(key string, data []byte) (Entry, error) {
	var be boltEntry
	if err := msgpack.Unmarshal(data, &be); err != nil {
		return Entry{}, fmt.Errorf("decode entry %q: %w", key, err)
	}
	body := be.Body
	if be.Compressed {
		var err error
		if body, err = s.decoder.DecodeAll(be.Body, nil); err != nil {
			return Entry{}, fmt.Errorf("decompress entry %q: %w", key, err)
		}
	}
	return Entry{
		Key:      key,
		Status:   be.Status,
		Header:   http.Header(be.Header),
		Body:     body,
		Revision: be.Revision,
		StoredAt: time.Unix(0, be.StoredAt),
	}, nil
}
