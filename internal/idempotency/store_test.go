package idempotency

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if e, _ := store.Get(ctx, "missing"); e != nil {
		t.Fatalf("expected nil for missing key")
	}

	entry := Entry{
		Entrypoint: "deposit_tip",
		Contract:   "0xff",
		StatusCode: 200,
		Response:   []byte("ok"),
		CreatedAt:  time.Now(),
		ExpiresAt:  time.Now().Add(time.Minute),
	}
	if err := store.Save(ctx, "abc", entry); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	got, _ := store.Get(ctx, "abc")
	if got == nil || string(got.Response) != "ok" || got.Entrypoint != "deposit_tip" {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestMemoryStoreExpires(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_ = store.Save(ctx, "old", Entry{StatusCode: 200, ExpiresAt: time.Now().Add(-time.Second)})
	if got, _ := store.Get(ctx, "old"); got != nil {
		t.Fatalf("expected expired entry to be dropped, got %+v", got)
	}
}

func TestFingerprint(t *testing.T) {
	a := common.HexToAddress("0x0a")
	b := common.HexToAddress("0x0b")
	body := []byte(`{"amount":100}`)

	if Fingerprint([]common.Address{a, b}, body) != Fingerprint([]common.Address{b, a}, body) {
		t.Fatalf("signer order should not change the fingerprint")
	}
	if Fingerprint([]common.Address{a}, body) == Fingerprint(nil, body) {
		t.Fatalf("signed and unsigned requests must differ")
	}
	if Fingerprint([]common.Address{a}, body) == Fingerprint([]common.Address{a}, []byte(`{"amount":7}`)) {
		t.Fatalf("different bodies must differ")
	}
}

func TestEntryMatches(t *testing.T) {
	fp := Fingerprint(nil, []byte("{}"))
	entry := Entry{Entrypoint: "deposit_tip", Contract: "0xaa", Fingerprint: fp}

	if !entry.Matches("0xaa", "deposit_tip", fp) {
		t.Fatalf("expected a retry to match")
	}
	if entry.Matches("0xbb", "deposit_tip", fp) {
		t.Fatalf("another contract must not match")
	}
	if entry.Matches("0xaa", "execute_payment", fp) {
		t.Fatalf("another entrypoint must not match")
	}
	if entry.Matches("0xaa", "deposit_tip", "0x00") {
		t.Fatalf("another request must not match")
	}
}

func TestFileStorePersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "idem.json")

	store, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}

	ctx := context.Background()
	entry := Entry{
		Entrypoint:  "execute_payment",
		Fingerprint: "0x01",
		StatusCode:  200,
		Response:    []byte("resp"),
		CreatedAt:   time.Unix(0, 0),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	if err := store.Save(ctx, "key", entry); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected file on disk: %v", err)
	}

	store2, err := NewFileStore(path)
	if err != nil {
		t.Fatalf("re-open store: %v", err)
	}

	got, _ := store2.Get(ctx, "key")
	if got == nil || string(got.Response) != "resp" || got.Fingerprint != entry.Fingerprint {
		t.Fatalf("unexpected entry: %+v", got)
	}
}

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	defer store.Close()

	entry := Entry{
		Entrypoint:  "deposit_salary",
		Contract:    "0xff",
		Fingerprint: Fingerprint(nil, []byte("{}")),
		StatusCode:  200,
		Response:   []byte("payload"),
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  time.Now().Add(time.Minute).UTC(),
	}

	if err := store.Save(ctx, "test-key", entry); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, "test-key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != entry.StatusCode || !got.Matches("0xff", "deposit_salary", entry.Fingerprint) {
		t.Fatalf("unexpected entry: %#v", got)
	}
}
