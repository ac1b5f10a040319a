package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"

	serializer "github.com/always-cache/precache/pkg/response-serializer"

	_ "github.com/glebarez/go-sqlite"
)

// SQLiteStorage stores buckets in a SQLite database.
// Entries are stored in their HTTP/1.1 representation.
type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

type sqliteBucket struct {
	name    string
	storage SQLiteStorage
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS buckets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			bucket TEXT NOT NULL,
			key TEXT NOT NULL,
			bytes BLOB,
			PRIMARY KEY (bucket, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, fmt.Errorf("init sqlite storage: %w", err)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Open(name string) (Bucket, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("INSERT OR IGNORE INTO buckets (name) VALUES (?)", name); err != nil {
		return nil, err
	}
	return sqliteBucket{name: name, storage: s}, nil
}

func (s SQLiteStorage) Bucket(name string) (Bucket, error) {
	ok, err := s.Has(name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBucketNotFound
	}
	return sqliteBucket{name: name, storage: s}, nil
}

func (s SQLiteStorage) Has(name string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM buckets WHERE name = ?", name).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func (s SQLiteStorage) Names() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM buckets ORDER BY id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteStorage) Delete(name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	result, err := tx.Exec("DELETE FROM buckets WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	if _, err := tx.Exec("DELETE FROM entries WHERE bucket = ?", name); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

func (b sqliteBucket) Name() string {
	return b.name
}

func (b sqliteBucket) All(prefix string) ([]Entry, error) {
	entries := make([]Entry, 0)
	// substr instead of LIKE, since keys are URLs and may contain % and _
	rows, err := b.storage.db.Query(`SELECT key, bytes FROM entries
		WHERE bucket = ? AND substr(key, 1, length(?)) = ?`, b.name, prefix, prefix)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var bts []byte
		if err := rows.Scan(&key, &bts); err != nil {
			return entries, err
		}
		entry, err := bytesToEntry(key, bts)
		if err != nil {
			return entries, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (b sqliteBucket) Get(key string) (Entry, bool, error) {
	var bts []byte
	err := b.storage.db.QueryRow("SELECT bytes FROM entries WHERE bucket = ? AND key = ?", b.name, key).Scan(&bts)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := bytesToEntry(key, bts)
	return entry, err == nil, err
}

func (b sqliteBucket) Put(entry Entry) error {
	bts, err := entryToBytes(entry)
	if err != nil {
		return err
	}
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	result, err := b.storage.db.Exec(`INSERT OR REPLACE INTO entries (bucket, key, bytes)
		SELECT ?, ?, ? WHERE EXISTS (SELECT 1 FROM buckets WHERE name = ?)`,
		b.name, entry.Key, bts, b.name)
	if err != nil {
		return err
	}
	if rows, err := result.RowsAffected(); err != nil {
		return err
	} else if rows == 0 {
		return ErrBucketNotFound
	}
	return nil
}

func (b sqliteBucket) Keys(cb func(string)) error {
	rows, err := b.storage.db.Query("SELECT key FROM entries WHERE bucket = ?", b.name)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (b sqliteBucket) Purge(key string) error {
	b.storage.writeMutex.Lock()
	defer b.storage.writeMutex.Unlock()
	_, err := b.storage.db.Exec("DELETE FROM entries WHERE bucket = ? AND key = ?", b.name, key)
	return err
}

func entryToBytes(e Entry) ([]byte, error) {
	return serializer.StoredResponseToBytes(serializer.StoredResponse{
		Response: e.Response(nil),
		StoredAt: e.StoredAt,
		Revision: e.Revision,
	})
}

func bytesToEntry(key string, b []byte) (Entry, error) {
	sRes, err := serializer.BytesToStoredResponse(b)
	if err != nil {
		return Entry{}, fmt.Errorf("read stored response %q: %w", key, err)
	}
	body, err := io.ReadAll(sRes.Response.Body)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Key:      key,
		Status:   sRes.Response.StatusCode,
		Header:   sRes.Response.Header,
		Body:     body,
		Revision: sRes.Revision,
		StoredAt: sRes.StoredAt,
	}, nil
}
