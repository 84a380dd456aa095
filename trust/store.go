package trust

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/juju/errors"
	"github.com/juju/utils/v4"
	"go.uber.org/multierr"

	"p4rpc/rpcerr"
)

const (
	// FingerprintUser marks the entry that is checked on connect.
	FingerprintUser = "**++**"
	// ReplacementUser marks a pre-installed entry that replaces the
	// fingerprint once the server starts presenting it.
	ReplacementUser = "++++++"

	lockTries = 100
	lockDelay = time.Millisecond
)

// Entry is one line of the trust file.
type Entry struct {
	Address     string
	User        string
	Fingerprint string
}

func (e Entry) String() string {
	return e.Address + "=" + e.User + ":" + e.Fingerprint
}

// Replacement reports whether e is a replacement entry.
func (e Entry) Replacement() bool { return e.User == ReplacementUser }

func parseEntry(line string) (Entry, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return Entry{}, false
	}
	addr, rest, ok := strings.Cut(line, "=")
	if !ok {
		return Entry{}, false
	}
	user, fp, ok := strings.Cut(rest, ":")
	if !ok || addr == "" || user == "" || fp == "" {
		return Entry{}, false
	}
	return Entry{Address: NormalizeAddress(addr), User: user, Fingerprint: fp}, true
}

// backend persists the full entry list. lock covers one read-modify-write.
type backend interface {
	lock(ctx context.Context) (unlock func(), err error)
	load() ([]Entry, error)
	save([]Entry) error
}

// Store is a trust store. It is safe for concurrent use.
type Store struct {
	b backend
}

// pathLocks serializes stores in this process that share a file, since
// the file lock alone only arbitrates between processes reliably.
var pathLocks sync.Map // map[string]*sync.Mutex

type fileBackend struct {
	path string
	mu   *sync.Mutex
	fl   *flock.Flock
}

// NewFileStore returns a store kept in the trust file at path. The file is
// created on the first write.
func NewFileStore(path string) *Store {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	mu, _ := pathLocks.LoadOrStore(abs, &sync.Mutex{})
	return &Store{b: &fileBackend{
		path: abs,
		mu:   mu.(*sync.Mutex),
		fl:   flock.New(abs + ".lck"),
	}}
}

// DefaultPath returns the trust file location used when none is
// configured.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".p4trust"
	}
	return filepath.Join(home, ".p4trust")
}

func (f *fileBackend) lock(ctx context.Context) (func(), error) {
	f.mu.Lock()
	ctx, cancel := context.WithTimeout(ctx, lockTries*lockDelay)
	defer cancel()
	ok, err := f.fl.TryLockContext(ctx, lockDelay)
	if err != nil || !ok {
		f.mu.Unlock()
		if err == nil {
			err = errors.New("lock busy")
		}
		return nil, rpcerr.Wrap(rpcerr.Connection, "trust", err, "cannot lock trust file "+f.path)
	}
	return func() {
		_ = f.fl.Unlock()
		f.mu.Unlock()
	}, nil
}

func (f *fileBackend) load() ([]Entry, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.Connection, "trust", err, "cannot read trust file")
	}
	var entries []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		if e, ok := parseEntry(sc.Text()); ok {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (f *fileBackend) save(entries []Entry) error {
	var buf bytes.Buffer
	for _, e := range entries {
		buf.WriteString(e.String())
		buf.WriteByte('\n')
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return rpcerr.Wrap(rpcerr.Connection, "trust", err, "cannot create trust directory")
	}
	if err := utils.AtomicWriteFile(f.path, buf.Bytes(), 0o600); err != nil {
		return rpcerr.Wrap(rpcerr.Connection, "trust", err, "cannot write trust file")
	}
	return nil
}

type memoryBackend struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryStore returns a store that lives only as long as the process.
func NewMemoryStore(entries ...Entry) *Store {
	m := &memoryBackend{}
	for _, e := range entries {
		e.Address = NormalizeAddress(e.Address)
		m.entries = append(m.entries, e)
	}
	return &Store{b: m}
}

func (m *memoryBackend) lock(context.Context) (func(), error) {
	m.mu.Lock()
	return m.mu.Unlock, nil
}

func (m *memoryBackend) load() ([]Entry, error) {
	return append([]Entry(nil), m.entries...), nil
}

func (m *memoryBackend) save(entries []Entry) error {
	m.entries = append([]Entry(nil), entries...)
	return nil
}

// table is the in-memory view of the store during one locked operation.
type table struct {
	entries []Entry
	dirty   bool
}

func (t *table) find(addr, user string) (int, bool) {
	for i, e := range t.entries {
		if e.Address == addr && e.User == user {
			return i, true
		}
	}
	return -1, false
}

func (t *table) get(addr, user string) (string, bool) {
	if i, ok := t.find(addr, user); ok {
		return t.entries[i].Fingerprint, true
	}
	return "", false
}

func (t *table) matches(addr, user, fp string) bool {
	got, ok := t.get(addr, user)
	return ok && strings.EqualFold(got, fp)
}

func (t *table) put(addr, user, fp string) {
	t.dirty = true
	if i, ok := t.find(addr, user); ok {
		t.entries[i].Fingerprint = fp
		return
	}
	t.entries = append(t.entries, Entry{Address: addr, User: user, Fingerprint: fp})
}

func (t *table) remove(addr, user string) bool {
	i, ok := t.find(addr, user)
	if !ok {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	t.dirty = true
	return true
}

// update runs fn over the current entries under the store lock and writes
// the result back if fn changed anything.
func (s *Store) update(ctx context.Context, fn func(t *table) error) error {
	unlock, err := s.b.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()
	entries, err := s.b.load()
	if err != nil {
		return err
	}
	t := &table{entries: entries}
	if err := fn(t); err != nil {
		if t.dirty {
			return multierr.Append(err, s.b.save(t.entries))
		}
		return err
	}
	if !t.dirty {
		return nil
	}
	return s.b.save(t.entries)
}

// Entries returns every entry in the store in file order.
func (s *Store) Entries() ([]Entry, error) {
	var out []Entry
	err := s.update(context.Background(), func(t *table) error {
		out = append(out, t.entries...)
		return nil
	})
	return out, err
}

// Lookup returns the entry for addr and user.
func (s *Store) Lookup(addr, user string) (Entry, bool, error) {
	addr = NormalizeAddress(addr)
	var (
		found Entry
		ok    bool
	)
	err := s.update(context.Background(), func(t *table) error {
		var i int
		if i, ok = t.find(addr, user); ok {
			found = t.entries[i]
		}
		return nil
	})
	return found, ok, err
}

// Trusts lists fingerprint entries, or replacement entries when
// replacement is set.
func (s *Store) Trusts(replacement bool) ([]Entry, error) {
	all, err := s.Entries()
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range all {
		if e.Replacement() == replacement && (replacement || e.User == FingerprintUser) {
			out = append(out, e)
		}
	}
	return out, nil
}
