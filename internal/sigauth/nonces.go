package sigauth

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceStore remembers which nonces a signer has used.
type NonceStore interface {
	// SaveNonce records the nonce for signer until expires. It reports false
	// when the pair is already recorded and has not expired.
	SaveNonce(ctx context.Context, signer common.Address, nonce string, expires time.Time) (bool, error)
}

type nonceKey struct {
	signer common.Address
	nonce  string
}

// MemoryNonceStore keeps nonces for a single process.
type MemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[nonceKey]time.Time
	now    func() time.Time
}

func NewMemoryNonceStore() *MemoryNonceStore {
	return &MemoryNonceStore{
		nonces: make(map[nonceKey]time.Time),
		now:    time.Now,
	}
}

func (s *MemoryNonceStore) SaveNonce(_ context.Context, signer common.Address, nonce string, expires time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.nonces {
		if now.After(exp) {
			delete(s.nonces, k)
		}
	}

	key := nonceKey{signer: signer, nonce: nonce}
	if _, ok := s.nonces[key]; ok {
		return false, nil
	}
	s.nonces[key] = expires
	return true, nil
}
