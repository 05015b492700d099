package storage

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TestSuite runs a suite of tests against a store implementation.
func TestSuite(t *testing.T, newStore func() Store) {
	t.Helper()
	ctx := context.Background()
	addr := common.HexToAddress("0x00000000000000000000000000000000000000ff")
	deployer := common.HexToAddress("0x00000000000000000000000000000000000000e1")

	t.Run("Deploy", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		if _, err := s.Instance(ctx, addr); err != ErrUnknownInstance {
			t.Errorf("expected unknown instance error, got: %v", err)
		}
		inst := Instance{Address: addr, Deployer: deployer, CreatedAt: time.Unix(1_700_000_000, 0).UTC()}
		if err := s.Deploy(ctx, inst); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if err := s.Deploy(ctx, inst); err != ErrInstanceExists {
			t.Errorf("expected instance exists error, got: %v", err)
		}
		got, err := s.Instance(ctx, addr)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if got.Deployer != deployer || !got.CreatedAt.Equal(inst.CreatedAt) {
			t.Errorf("returned wrong instance: %+v", got)
		}
		all, err := s.Instances(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if len(all) != 1 || all[0].Address != addr {
			t.Errorf("unexpected instances: %+v", all)
		}
	})

	t.Run("ApplyAndGet", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		if err := s.Apply(ctx, addr, Batch{Puts: map[string][]byte{"k": []byte("v")}}); err != ErrUnknownInstance {
			t.Errorf("expected unknown instance error, got: %v", err)
		}
		if err := s.Deploy(ctx, Instance{Address: addr, Deployer: deployer, CreatedAt: time.Now().UTC()}); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, err := s.Get(ctx, addr, "Balance"); err != ErrNotFound {
			t.Errorf("expected not found, got: %v", err)
		}

		err := s.Apply(ctx, addr, Batch{Puts: map[string][]byte{
			"Balance":   []byte(`{"salaryAmount":1000}`),
			"TotalTips": []byte(`0`),
		}})
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		got, err := s.Get(ctx, addr, "Balance")
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if !bytes.Equal(got, []byte(`{"salaryAmount":1000}`)) {
			t.Errorf("unexpected value: %s", got)
		}

		err = s.Apply(ctx, addr, Batch{
			Puts:    map[string][]byte{"TotalTips": []byte(`500`)},
			Deletes: []string{"Balance"},
		})
		if err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, err := s.Get(ctx, addr, "Balance"); err != ErrNotFound {
			t.Errorf("expected deleted key, got: %v", err)
		}
		got, err = s.Get(ctx, addr, "TotalTips")
		if err != nil || string(got) != "500" {
			t.Errorf("unexpected tips: %s %v", got, err)
		}
	})

	t.Run("InstancesAreIsolated", func(t *testing.T) {
		s := newStore()
		defer s.Close()

		other := common.HexToAddress("0x00000000000000000000000000000000000000fe")
		for _, a := range []common.Address{addr, other} {
			if err := s.Deploy(ctx, Instance{Address: a, Deployer: deployer, CreatedAt: time.Now().UTC()}); err != nil {
				t.Fatalf("unexpected error: %s", err)
			}
		}
		if err := s.Apply(ctx, addr, Batch{Puts: map[string][]byte{"Init": []byte("true")}}); err != nil {
			t.Fatalf("unexpected error: %s", err)
		}
		if _, err := s.Get(ctx, other, "Init"); err != ErrNotFound {
			t.Errorf("expected isolation, got: %v", err)
		}
	})
}
