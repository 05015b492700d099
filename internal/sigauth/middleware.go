package sigauth

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

const (
	HeaderSignature = "X-Signer-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderNonce     = "X-Request-Nonce"

	maxNonceLen = 128
)

var (
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrMissingNonce     = errors.New("missing or malformed request nonce")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrReplayedRequest  = errors.New("request nonce already used by this signer")
)

type ctxKey struct{}

// Verifier recovers the addresses that signed a request. Each
// X-Signer-Signature value is a 65-byte secp256k1 signature over the
// EIP-191 text hash of Digest's message: method, path, nonce, timestamp and
// raw body. A signer may use a nonce once per skew window.
// Requests without signatures pass through with no signers.
type Verifier struct {
	MaxSkew time.Duration
	Now     func() time.Time
	// Nonces records accepted nonces. An in-memory store is used when nil.
	Nonces NonceStore

	once sync.Once
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	v.once.Do(func() {
		if v.Nonces == nil {
			store := NewMemoryNonceStore()
			if v.Now != nil {
				store.now = v.Now
			}
			v.Nonces = store
		}
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signers, err := v.verify(r)
		if err != nil {
			status := http.StatusUnauthorized
			if !isAuthError(err) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithSigners(r.Context(), signers)))
	})
}

func isAuthError(err error) bool {
	for _, target := range []error{ErrMissingTimestamp, ErrStaleTimestamp, ErrMissingNonce, ErrInvalidSignature, ErrReplayedRequest} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func (v *Verifier) verify(r *http.Request) ([]common.Address, error) {
	sigs := signatureValues(r.Header)
	if len(sigs) == 0 {
		return nil, nil
	}

	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return nil, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return nil, ErrStaleTimestamp
	}

	nonce := r.Header.Get(HeaderNonce)
	if nonce == "" || len(nonce) > maxNonceLen || strings.ContainsAny(nonce, "\r\n") {
		return nil, ErrMissingNonce
	}

	body, err := readBody(r)
	if err != nil {
		return nil, err
	}

	digest := Digest(r.Method, r.URL.Path, nonce, tsHeader, body)
	signers := make([]common.Address, 0, len(sigs))
	for _, sig := range sigs {
		addr, err := recoverSigner(digest, sig)
		if err != nil {
			return nil, err
		}
		signers = append(signers, addr)
	}

	// The nonce outlives the window in which its timestamp is accepted.
	expires := reqTime.Add(v.MaxSkew)
	for _, signer := range signers {
		fresh, err := v.Nonces.SaveNonce(r.Context(), signer, nonce, expires)
		if err != nil {
			return nil, errors.Wrap(err, "record nonce")
		}
		if !fresh {
			return nil, errors.Wrapf(ErrReplayedRequest, "%s", signer.Hex())
		}
	}
	return signers, nil
}

// Digest is the hash a signer signs for a request.
func Digest(method, path, nonce, timestamp string, body []byte) []byte {
	var msg bytes.Buffer
	for _, part := range []string{method, path, nonce, timestamp} {
		msg.WriteString(part)
		msg.WriteByte('\n')
	}
	msg.Write(body)
	return accounts.TextHash(msg.Bytes())
}

// Sign produces an X-Signer-Signature value for the request.
func Sign(key *ecdsa.PrivateKey, method, path, nonce, timestamp string, body []byte) (string, error) {
	sig, err := crypto.Sign(Digest(method, path, nonce, timestamp, body), key)
	if err != nil {
		return "", errors.Wrap(err, "sign request")
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

func recoverSigner(digest []byte, encoded string) (common.Address, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(encoded))
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func signatureValues(h http.Header) []string {
	var out []string
	for _, v := range h.Values(HeaderSignature) {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// WithSigners stores verified signer addresses in ctx.
func WithSigners(ctx context.Context, signers []common.Address) context.Context {
	return context.WithValue(ctx, ctxKey{}, signers)
}

// Signers returns the verified signer addresses of the request.
func Signers(ctx context.Context) []common.Address {
	signers, _ := ctx.Value(ctxKey{}).([]common.Address)
	return signers
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
