// Package kvstore implements the collective key/value exchange hook
// used by the space registry to let every
// process agree on the set of Spaces (and, during elastic resize, on join
// requests) without the core engine depending on any concrete transport.
//
// A Store is intentionally tiny: Put/Get/Range over string keys and byte
// values. A real backend (MPI, TCP, UCP) implements Store by broadcasting
// puts to every process and merging the result; MemStore and FileStore below
// are the two reference implementations used by the single-process backend
// and by tests.
package kvstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"sort"
	"sync"

	"blainsmith.com/go/seahash"
	"github.com/grailbio/base/errorreporter"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/recordio"
	"github.com/klauspost/compress/gzip"
)

func (fs *FileStore) save(ctx context.Context) (err error) {
	out, err := file.Create(ctx, fs.path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, out, &err)

	gz := gzip.NewWriter(out.Writer(ctx))
	rio := recordio.NewWriter(gz, recordio.WriterOpts{})

	var reporter errorreporter.T
	fs.Range(func(key string, value []byte) {
		rio.Append(marshalEntry(key, value))
	})
	reporter.Set(rio.Finish())
	reporter.Set(gz.Close())
	return reporter.Err()
}

func (fs *FileStore) load(ctx context.Context) (err error) {
	in, err := file.Open(ctx, fs.path)
	if err != nil {
		return err
	}
	defer file.CloseAndReport(ctx, in, &err)

	gz, err := gzip.NewReader(in.Reader(ctx))
	if err != nil {
		return errors.E(err, fs.path)
	}
	defer gz.Close() // nolint: errcheck

	rio := recordio.NewScanner(gz, recordio.ScannerOpts{})
	defer rio.Finish() // nolint: errcheck
	for rio.Scan() {
		key, value, uerr := unmarshalEntry(rio.Get().([]byte))
		if uerr != nil {
			return errors.E(uerr, fs.path)
		}
		fs.MemStore.Put(key, value)
	}
	return rio.Err()
}

// marshalEntry/unmarshalEntry encode one key/value pair as
// [keylen varint][key][seahash checksum of value][vallen varint][value],
// mirroring the checksum-then-payload layout encoding/pam/fieldio.Writer
// uses for field blocks.
func marshalEntry(key string, value []byte) []byte {
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(lenBuf[:], uint64(len(key)))
	buf.Write(lenBuf[:n])
	buf.WriteString(key)

	n = binary.PutUvarint(lenBuf[:], seahash.Sum64(value))
	buf.Write(lenBuf[:n])

	n = binary.PutUvarint(lenBuf[:], uint64(len(value)))
	buf.Write(lenBuf[:n])
	buf.Write(value)

	return buf.Bytes()
}

func unmarshalEntry(rec []byte) (key string, value []byte, err error) {
	r := bytes.NewReader(rec)

	keyLen, err := binary.ReadUvarint(r)
	if err != nil {
		return "", nil, err
	}
	keyBuf := make([]byte, keyLen)
	if _, err := r.Read(keyBuf); err != nil {
		return "", nil, err
	}

	sum, err := binary.ReadUvarint(r)
	if err != nil {
		return "", nil, err
	}
	valLen, err := binary.ReadUvarint(r)
	if err != nil {
		return "", nil, err
	}
	valBuf := make([]byte, valLen)
	if _, err := r.Read(valBuf); err != nil {
		return "", nil, err
	}
	if seahash.Sum64(valBuf) != sum {
		return "", nil, errors.E(errors.Invalid, "kvstore: checksum mismatch for key", string(keyBuf))
	}
	return string(keyBuf), valBuf, nil
}

// Store is the collective key/value store consumed by Registry.Sync. Every
// process must call Sync (and therefore every method below, transitively)
// the same number of times; it is a barrier-like collective operation, not
// a point-to-point one.
type Store interface {
	// Put installs or overwrites the value for key.
	Put(key string, value []byte)
	// Get returns the value for key and whether it was present.
	Get(key string) ([]byte, bool)
	// Range calls fn for every key/value pair in an unspecified but
	// deterministic (sorted by key) order.
	Range(fn func(key string, value []byte))
	// Sync performs the collective exchange: after it returns, every
	// process's store holds the union of every process's puts since the
	// last Sync, with the "latest" value winning conflicts (latest is
	// determined by the backend; MemStore resolves conflicts trivially
	// since there is only one writer).
	Sync(ctx context.Context) error
}

// MemStore is an in-process Store: Sync is a no-op because there is only
// one process to synchronize with. It is the Store used by
// backend/single.Backend.
type MemStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Put implements Store.
func (m *MemStore) Put(key string, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = cp
}

// Get implements Store.
func (m *MemStore) Get(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, true
}

// Range implements Store.
func (m *MemStore) Range(fn func(key string, value []byte)) {
	m.mu.Lock()
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	snap := make(map[string][]byte, len(m.data))
	for k, v := range m.data {
		snap[k] = v
	}
	m.mu.Unlock()
	for _, k := range keys {
		fn(k, snap[k])
	}
}

// Sync implements Store. MemStore has no peers, so this is a no-op.
func (m *MemStore) Sync(ctx context.Context) error {
	return nil
}

// FileStore wraps a MemStore with durability: every Sync persists the full
// key/value snapshot to a single recordio-framed, gzip-compressed,
// seahash-checksummed file, following the same read-trailer /
// write-trailer idiom as encoding/pam/pamutil.ReadShardIndex/WriteShardIndex.
// It is used by tests and by standalone tools that
// want registry state to survive a process restart; it is not a
// replacement for a real backend's sync (it still only synchronizes with
// itself).
type FileStore struct {
	*MemStore
	path string
}

// NewFileStore returns a FileStore that persists to path on every Sync. If
// path already contains a snapshot, it is loaded immediately.
func NewFileStore(ctx context.Context, path string) (*FileStore, error) {
	fs := &FileStore{MemStore: NewMemStore(), path: path}
	if err := fs.load(ctx); err != nil {
		if e, ok := err.(*errors.Error); !ok || e.Kind != errors.NotExist {
			return nil, err
		}
	}
	return fs, nil
}

// Sync implements Store: it persists the current snapshot to disk.
func (fs *FileStore) Sync(ctx context.Context) error {
	return fs.save(ctx)
}
