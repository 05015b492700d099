package sigauth

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// NonceTestSuite runs a suite of tests against a NonceStore implementation.
func NonceTestSuite(t *testing.T, newStore func() NonceStore) {
	t.Helper()
	ctx := context.Background()
	alice := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob := common.HexToAddress("0x00000000000000000000000000000000000000b2")
	expires := time.Now().Add(time.Minute)

	s := newStore()
	for i, tc := range []struct {
		signer common.Address
		nonce  string
		fresh  bool
	}{
		{alice, "n-1", true},
		{alice, "n-1", false},
		{bob, "n-1", true},
		{alice, "n-2", true},
		{bob, "n-2", true},
		{bob, "n-1", false},
	} {
		fresh, err := s.SaveNonce(ctx, tc.signer, tc.nonce, expires)
		if err != nil {
			t.Fatalf("case %d: unexpected error: %s", i, err)
		}
		if fresh != tc.fresh {
			t.Errorf("case %d: %s/%s fresh=%t, want %t", i, tc.signer.Hex(), tc.nonce, fresh, tc.fresh)
		}
	}
}
