package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"fairpay/internal/sigauth"
	"fairpay/internal/storage"
)

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	storage.TestSuite(t, func() storage.Store {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s, err := New(ctx, dsn)
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		if _, err := s.pool.Exec(ctx, `TRUNCATE instance_storage, contract_instances, request_nonces`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return s
	})
}

func TestPostgresNonceStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	sigauth.NonceTestSuite(t, func() sigauth.NonceStore {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s, err := New(ctx, dsn)
		if err != nil {
			t.Fatalf("new store: %v", err)
		}
		if _, err := s.pool.Exec(ctx, `TRUNCATE request_nonces`); err != nil {
			t.Fatalf("truncate: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		return s
	})
}
