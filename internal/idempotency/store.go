package idempotency

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Entry is the cached outcome of a state-changing invocation, replayed
// verbatim when the same idempotency key comes back with the same request.
type Entry struct {
	Entrypoint  string    `json:"entrypoint"`
	Contract    string    `json:"contract"`
	Fingerprint string    `json:"fingerprint"`
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

func (e Entry) expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Matches reports whether a request for entrypoint on contract with the given
// fingerprint is a retry of the one that produced e.
func (e Entry) Matches(contract, entrypoint, fingerprint string) bool {
	return e.Contract == contract && e.Entrypoint == entrypoint && e.Fingerprint == fingerprint
}

// Fingerprint hashes the signer set and raw body of a request. Signer order
// does not matter.
func Fingerprint(signers []common.Address, body []byte) string {
	sorted := append([]common.Address(nil), signers...)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i][:], sorted[j][:]) < 0
	})
	parts := make([][]byte, 0, len(sorted)+2)
	parts = append(parts, binary.BigEndian.AppendUint32(nil, uint32(len(sorted))))
	for _, s := range sorted {
		parts = append(parts, s.Bytes())
	}
	parts = append(parts, body)
	return hexutil.Encode(crypto.Keccak256(parts...))
}

// Store abstracts idempotency persistence. Get returns nil for unknown or
// expired keys.
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Save(ctx context.Context, key string, entry Entry) error
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.Mutex
	data map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Entry),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if entry.expired(time.Now()) {
		delete(m.data, key)
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = entry
	return nil
}

// FileStore persists entries to a JSON file. Suitable for local dev.
type FileStore struct {
	path string
	mu   sync.Mutex
	data map[string]Entry
}

func NewFileStore(path string) (*FileStore, error) {
	fs := &FileStore{
		path: path,
		data: make(map[string]Entry),
	}
	if err := fs.load(); err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}
	return fs, nil
}

func (f *FileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blob, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(blob) == 0 {
		return nil
	}
	return json.Unmarshal(blob, &f.data)
}

func (f *FileStore) persist() error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0o755); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, blob, 0o600)
}

func (f *FileStore) Get(_ context.Context, key string) (*Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	if entry.expired(time.Now()) {
		delete(f.data, key)
		_ = f.persist()
		return nil, nil
	}
	return &entry, nil
}

func (f *FileStore) Save(_ context.Context, key string, entry Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = entry
	return f.persist()
}
