package space

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/grailbio/laik/kvstore"
	"github.com/pkg/errors"
	"v.io/x/lib/vlog"
)

// Space is a named, process-wide index space: a dimension in {1,2,3} and a
// full Range describing its extent (the origin may be negative). Multiple
// processes refer to "the same" Space by name via a Registry.
type Space struct {
	id   uint64
	name string
	full Range

	mu    sync.Mutex
	users int // reference count of Partitionings holding this Space
}

// Dims returns the dimensionality of s.
func (s *Space) Dims() int { return s.full.Dims }

// Name returns the (possibly renamed) name of s.
func (s *Space) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.name
}

// ID returns the dense, process-local id of s.
func (s *Space) ID() uint64 { return s.id }

// FullRange returns the full extent of s.
func (s *Space) FullRange() Range { return s.full }

// addUser/removeUser implement reference-counted lifetime: a Space is
// only eligible for removal once its user count drops back to zero.
func (s *Space) addUser() {
	s.mu.Lock()
	s.users++
	s.mu.Unlock()
}

func (s *Space) removeUser() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users--
	if s.users < 0 {
		vlog.Fatalf("space %q: removeUser called more often than addUser", s.name)
	}
	return s.users
}

// Registry is the per-instance space store: it lets every process in the
// world refer to "the same" Space by name. Create and Rename change it
// locally; Sync merges in the spaces other processes have published.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	byName map[string]*Space
	byID   map[uint64]*Space
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]*Space),
		byID:   make(map[uint64]*Space),
	}
}

// Create registers a new Space with the given name, dimension, and full
// range. It is legal for any process to call Create; agreement across
// processes is established the next time Sync runs.
func (r *Registry) Create(name string, full Range) (*Space, error) {
	if full.Dims < 1 || full.Dims > MaxDims {
		return nil, errors.Errorf("space: invalid dimension %d for space %q", full.Dims, name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[name]; exists {
		return nil, errors.Errorf("space: a space named %q already exists", name)
	}
	s := &Space{id: r.nextID, name: name, full: full}
	r.nextID++
	r.byName[name] = s
	r.byID[s.id] = s
	return s, nil
}

// Lookup returns the Space registered under name, or nil if none exists.
func (r *Registry) Lookup(name string) *Space {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// ByID returns the Space with the given id, or nil.
func (r *Registry) ByID(id uint64) *Space {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// Rename changes the name under which s is registered.
func (r *Registry) Rename(s *Space, newName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byName[newName]; exists {
		return errors.Errorf("space: a space named %q already exists", newName)
	}
	s.mu.Lock()
	oldName := s.name
	s.name = newName
	s.mu.Unlock()
	delete(r.byName, oldName)
	r.byName[newName] = s
	return nil
}

// AddUser/RemoveUser track Partitionings referencing s.
func (r *Registry) AddUser(s *Space)    { s.addUser() }
func (r *Registry) RemoveUser(s *Space) { s.removeUser() }

// Sync is a collective, barrier-like operation: every process must call
// it the same number of times. It publishes this
// process's view of the registry into store and merges in every other
// process's view, so that after Sync every process agrees on the set of
// named Spaces (new Spaces created locally since the last Sync become
// visible to peers; Spaces renamed locally propagate their new name).
func (r *Registry) Sync(ctx context.Context, store kvstore.Store) error {
	r.mu.Lock()
	var names []string
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		s := r.byName[name]
		store.Put(spaceKey(name), encodeSpace(s))
	}
	r.mu.Unlock()

	if err := store.Sync(ctx); err != nil {
		return errors.Wrap(err, "space: registry sync")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	store.Range(func(key string, value []byte) {
		name, ok := decodeSpaceKey(key)
		if !ok {
			return
		}
		if _, exists := r.byName[name]; exists {
			return
		}
		full, ok := decodeSpace(value)
		if !ok {
			vlog.Fatalf("space: corrupt registry entry for %q", name)
		}
		s := &Space{id: r.nextID, name: name, full: full}
		r.nextID++
		r.byName[name] = s
		r.byID[s.id] = s
	})
	return nil
}

const spaceKeyPrefix = "laik.space."

func spaceKey(name string) string { return spaceKeyPrefix + name }

func decodeSpaceKey(key string) (name string, ok bool) {
	if len(key) <= len(spaceKeyPrefix) || key[:len(spaceKeyPrefix)] != spaceKeyPrefix {
		return "", false
	}
	return key[len(spaceKeyPrefix):], true
}

// encodeSpace/decodeSpace serialize just enough of a Space's shape (dims,
// full range) for peers to construct an equivalent local Space object; the
// id is assigned locally by each process's Registry and is therefore never
// part of the wire form.
func encodeSpace(s *Space) []byte {
	r := s.full
	buf := fmt.Sprintf("%d", r.Dims)
	for i := 0; i < r.Dims; i++ {
		buf += fmt.Sprintf(";%d", r.From[i])
	}
	for i := 0; i < r.Dims; i++ {
		buf += fmt.Sprintf(";%d", r.To[i])
	}
	return []byte(buf)
}

func decodeSpace(data []byte) (Range, bool) {
	fields := splitFields(string(data))
	if len(fields) < 1 {
		return Range{}, false
	}
	var dims int
	if _, err := fmt.Sscanf(fields[0], "%d", &dims); err != nil || dims < 1 || dims > MaxDims {
		return Range{}, false
	}
	if len(fields) != 1+2*dims {
		return Range{}, false
	}
	r := Range{Dims: dims}
	for i := 0; i < dims; i++ {
		if _, err := fmt.Sscanf(fields[1+i], "%d", &r.From[i]); err != nil {
			return Range{}, false
		}
	}
	for i := 0; i < dims; i++ {
		if _, err := fmt.Sscanf(fields[1+dims+i], "%d", &r.To[i]); err != nil {
			return Range{}, false
		}
	}
	return r, true
}

func splitFields(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ';' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
