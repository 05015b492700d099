package host

import (
	"context"
	"encoding/json"

	"fairpay/internal/contract"
	"fairpay/internal/storage"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// overlay buffers the instance storage writes of one invocation. A nil
// entry in writes marks a removal.
type overlay struct {
	ctx   context.Context
	store storage.Store
	addr  common.Address

	writes    map[string][]byte
	originals map[string][]byte
	order     []string
	err       error
}

var _ contract.Storage = (*overlay)(nil)

func newOverlay(ctx context.Context, store storage.Store, addr common.Address) *overlay {
	return &overlay{
		ctx:       ctx,
		store:     store,
		addr:      addr,
		writes:    make(map[string][]byte),
		originals: make(map[string][]byte),
	}
}

func (o *overlay) Has(key contract.DataKey) (bool, error) {
	_, found, err := o.raw(key.String())
	return found, err
}

func (o *overlay) Get(key contract.DataKey, into interface{}) (bool, error) {
	val, found, err := o.raw(key.String())
	if err != nil || !found {
		return false, err
	}
	if err := json.Unmarshal(val, into); err != nil {
		return true, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

func (o *overlay) Set(key contract.DataKey, value interface{}) error {
	val, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	o.write(key.String(), val)
	return o.err
}

func (o *overlay) Remove(key contract.DataKey) {
	o.write(key.String(), nil)
}

func (o *overlay) raw(key string) ([]byte, bool, error) {
	if val, ok := o.writes[key]; ok {
		return val, val != nil, nil
	}
	val, err := o.store.Get(o.ctx, o.addr, key)
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storage.Backend("load "+key, err)
	}
	return val, true, nil
}

func (o *overlay) write(key string, val []byte) {
	if _, seen := o.writes[key]; !seen {
		prev, found, err := o.raw(key)
		if err != nil && o.err == nil {
			o.err = err
		}
		if found {
			o.originals[key] = prev
		}
		o.order = append(o.order, key)
	}
	o.writes[key] = val
}

// batch is the write set to persist.
func (o *overlay) batch() storage.Batch {
	b := storage.Batch{Puts: make(map[string][]byte)}
	for _, key := range o.order {
		if val := o.writes[key]; val != nil {
			b.Puts[key] = val
		} else {
			b.Deletes = append(b.Deletes, key)
		}
	}
	return b
}

// undo restores the values seen before the invocation wrote them.
func (o *overlay) undo() storage.Batch {
	b := storage.Batch{Puts: make(map[string][]byte)}
	for _, key := range o.order {
		if prev, ok := o.originals[key]; ok {
			b.Puts[key] = prev
		} else {
			b.Deletes = append(b.Deletes, key)
		}
	}
	return b
}
