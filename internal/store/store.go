// Package store persists entity streams as newline-delimited JSON files.
//
// Every stream is append-only: an update is a new line carrying the same id,
// and readers fold the stream to the latest version per id. A line that does
// not parse is skipped, so one torn write never blocks later reads.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"opsline/internal/domain"
	"opsline/internal/lock"
)

type Stream string

const (
	Proposals Stream = "proposals"
	Missions  Stream = "missions"
	Steps     Stream = "steps"
	Events    Stream = "events"
)

// Streams lists every append-only stream.
var Streams = []Stream{Proposals, Missions, Steps, Events}

// ParseStream maps a stream name to a Stream.
func ParseStream(name string) (Stream, error) {
	for _, s := range Streams {
		if string(s) == name {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown stream %q", name)
}

// Mutable JSON documents kept next to the streams.
const (
	PoliciesDoc = "policies.json"
	WorkerDoc   = "worker.json"
)

const maxLineBytes = 16 << 20

// Record is implemented by every entity stored in a stream.
type Record interface {
	RecordID() string
	RecordTime() time.Time
}

type Order int

const (
	Ascending Order = iota
	Descending
)

type Store struct {
	dir   string
	locks *lock.MutexMap
}

// Open prepares dir for use as a store root.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir, locks: lock.NewMutexMap()}, nil
}

func (s *Store) Dir() string { return s.dir }

// Path returns the file backing a stream.
func (s *Store) Path(stream Stream) string {
	return filepath.Join(s.dir, string(stream)+".jsonl")
}

// DocPath returns the file backing a JSON document.
func (s *Store) DocPath(name string) string {
	return filepath.Join(s.dir, name)
}

// Ensure creates the stream file if it does not exist.
func (s *Store) Ensure(stream Stream) error {
	f, err := os.OpenFile(s.Path(stream), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ensure %s: %w", stream, err)
	}
	return f.Close()
}

// EnsureAll creates every stream and seeds the policy document.
func (s *Store) EnsureAll() error {
	for _, stream := range Streams {
		if err := s.Ensure(stream); err != nil {
			return err
		}
	}
	return s.EnsurePolicies()
}

// Append writes record as one line at the end of stream.
func (s *Store) Append(stream Stream, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", stream, err)
	}
	data = append(data, '\n')
	return s.locks.With(string(stream), func() error {
		f, err := os.OpenFile(s.Path(stream), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open %s: %w", stream, err)
		}
		if _, err := f.Write(data); err != nil {
			f.Close()
			return fmt.Errorf("append %s: %w", stream, err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return fmt.Errorf("sync %s: %w", stream, err)
		}
		return f.Close()
	})
}

// ReadAll returns up to limit of the most recent valid lines of stream, oldest
// first. A limit <= 0 returns every valid line. Read failures yield whatever
// was read so far.
func (s *Store) ReadAll(stream Stream, limit int) []json.RawMessage {
	f, err := os.Open(s.Path(stream))
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 || !json.Valid(line) {
			continue
		}
		lines = append(lines, append(json.RawMessage(nil), line...))
		if limit > 0 && len(lines) > 2*limit {
			lines = append(lines[:0], lines[len(lines)-limit:]...)
		}
	}
	if limit > 0 && len(lines) > limit {
		lines = lines[len(lines)-limit:]
	}
	return lines
}

// Read decodes the most recent limit records of stream into T, skipping
// lines that do not decode.
func Read[T any](s *Store, stream Stream, limit int) []T {
	lines := s.ReadAll(stream, limit)
	out := make([]T, 0, len(lines))
	for _, line := range lines {
		var v T
		if err := json.Unmarshal(line, &v); err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}

// FoldLatest collapses stream to the last version of every id and sorts the
// result by record time. Records with equal times keep the order in which
// their ids first appeared (reversed for Descending).
func FoldLatest[T Record](s *Store, stream Stream, order Order) []T {
	records := Read[T](s, stream, 0)
	index := make(map[string]int, len(records))
	var folded []T
	for _, rec := range records {
		id := rec.RecordID()
		if id == "" {
			continue
		}
		if i, ok := index[id]; ok {
			folded[i] = rec
			continue
		}
		index[id] = len(folded)
		folded = append(folded, rec)
	}
	sort.SliceStable(folded, func(i, j int) bool {
		return folded[i].RecordTime().Before(folded[j].RecordTime())
	})
	if order == Descending {
		for i, j := 0, len(folded)-1; i < j; i, j = i+1, j-1 {
			folded[i], folded[j] = folded[j], folded[i]
		}
	}
	return folded
}

// FindLatest returns the latest version of id in stream.
func FindLatest[T Record](s *Store, stream Stream, id string) (T, bool) {
	var (
		found T
		ok    bool
	)
	for _, rec := range Read[T](s, stream, 0) {
		if rec.RecordID() == id {
			found, ok = rec, true
		}
	}
	return found, ok
}

// Compact rewrites stream with one line per id, in ascending time order.
// It is the only operation that replaces history and assumes this process is
// the sole writer of the stream.
func Compact[T Record](s *Store, stream Stream) (int, error) {
	var n int
	err := s.locks.With(string(stream), func() error {
		folded := FoldLatest[T](s, stream, Ascending)
		var buf []byte
		for _, rec := range folded {
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal %s record: %w", stream, err)
			}
			buf = append(buf, data...)
			buf = append(buf, '\n')
		}
		if err := writeFileAtomic(s.Path(stream), buf); err != nil {
			return fmt.Errorf("compact %s: %w", stream, err)
		}
		n = len(folded)
		return nil
	})
	return n, err
}

// ReadDoc decodes a JSON document into v.
func (s *Store) ReadDoc(name string, v any) error {
	data, err := os.ReadFile(s.DocPath(name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// WriteDoc replaces a JSON document atomically.
func (s *Store) WriteDoc(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	data = append(data, '\n')
	return s.locks.With(name, func() error {
		return writeFileAtomic(s.DocPath(name), data)
	})
}

// EnsurePolicies seeds the policy document with defaults if it is missing.
func (s *Store) EnsurePolicies() error {
	_, err := os.Stat(s.DocPath(PoliciesDoc))
	if err == nil {
		return nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat policies: %w", err)
	}
	return s.WriteDoc(PoliciesDoc, domain.DefaultPolicy())
}

// Policies returns the current policy document. A missing document is seeded
// first; an unreadable one reads as empty, which imposes no restriction.
func (s *Store) Policies() domain.Policy {
	if err := s.EnsurePolicies(); err != nil {
		return domain.Policy{}
	}
	var p domain.Policy
	if err := s.ReadDoc(PoliciesDoc, &p); err != nil {
		return domain.Policy{}
	}
	return p
}

// SetPolicies replaces the whole policy document.
func (s *Store) SetPolicies(p domain.Policy) error {
	return s.WriteDoc(PoliciesDoc, p)
}
