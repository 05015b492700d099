package badger

import (
	"context"
	"time"

	"fairpay/internal/sigauth"

	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
)

var noncePrefix = []byte("n/")

var _ sigauth.NonceStore = &badgerStore{}

// SaveNonce records a request nonce with a TTL, so Badger drops it once the
// signature could no longer be accepted anyway.
func (s *badgerStore) SaveNonce(_ context.Context, signer common.Address, nonce string, expires time.Time) (bool, error) {
	key := append(append([]byte(nil), noncePrefix...), signer.Bytes()...)
	key = append(append(key, '/'), nonce...)

	ttl := time.Until(expires)
	if ttl < time.Second {
		ttl = time.Second
	}

	fresh := false
	err := s.db.Update(func(txn *badger.Txn) error {
		if hasKey(txn, key) {
			return nil
		}
		fresh = true
		return txn.SetEntry(badger.NewEntry(key, []byte{1}).WithTTL(ttl))
	})
	if err == badger.ErrConflict {
		// A concurrent request claimed the same nonce first.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fresh, nil
}
