package postgres

import (
	"context"
	"time"

	"fairpay/internal/sigauth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

var _ sigauth.NonceStore = (*Store)(nil)

// SaveNonce claims nonce for signer. An expired claim is taken over, a live
// one is not.
func (p *Store) SaveNonce(ctx context.Context, signer common.Address, nonce string, expires time.Time) (bool, error) {
	now := time.Now()
	if _, err := p.pool.Exec(ctx, `DELETE FROM request_nonces WHERE expires_at < $1`, now); err != nil {
		return false, errors.Wrap(err, "prune nonces")
	}
	tag, err := p.pool.Exec(ctx, `
INSERT INTO request_nonces (signer, nonce, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (signer, nonce) DO UPDATE
SET expires_at = EXCLUDED.expires_at
WHERE request_nonces.expires_at < $4
`, signer.Hex(), nonce, expires, now)
	if err != nil {
		return false, errors.Wrap(err, "save nonce")
	}
	return tag.RowsAffected() == 1, nil
}
