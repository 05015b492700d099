package badger

import (
	"encoding/json"

	"github.com/dgraph-io/badger/v2"
	"github.com/ethereum/go-ethereum/common"
)

func instanceKey(addr common.Address) []byte {
	return append(append([]byte(nil), instancePrefix...), addr.Bytes()...)
}

func dataKey(addr common.Address, key string) []byte {
	out := append(append([]byte(nil), dataPrefix...), addr.Bytes()...)
	out = append(out, '/')
	return append(out, key...)
}

func hasKey(txn *badger.Txn, key []byte) bool {
	_, err := txn.Get(key)
	return err == nil
}

func getItem(txn *badger.Txn, key []byte, into interface{}) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, into)
	})
}

func setItem(txn *badger.Txn, key []byte, val interface{}) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return txn.Set(key, raw)
}
