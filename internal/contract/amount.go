package contract

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

var (
	maxI128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	minI128 = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	hundred = big.NewInt(100)
)

// ParseAmount parses a base-10 amount and checks it fits in a signed 128-bit integer.
func ParseAmount(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.Wrap(ErrInvalidAmount, "empty amount")
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.Wrapf(ErrInvalidAmount, "%q", raw)
	}
	if err := checkI128(v); err != nil {
		return nil, err
	}
	return v, nil
}

func checkI128(v *big.Int) error {
	if v == nil {
		return errors.Wrap(ErrInvalidAmount, "nil amount")
	}
	if v.Cmp(maxI128) > 0 || v.Cmp(minI128) < 0 {
		return errors.Wrapf(ErrAmountOverflow, "%s", v)
	}
	return nil
}

// TipAmount is value*percent/100, truncated toward zero.
func TipAmount(value, percent *big.Int) (*big.Int, error) {
	if err := checkI128(value); err != nil {
		return nil, err
	}
	if err := checkI128(percent); err != nil {
		return nil, err
	}
	product := new(big.Int).Mul(value, percent)
	if err := checkI128(product); err != nil {
		return nil, err
	}
	return product.Quo(product, hundred), nil
}

func addI128(a, b *big.Int) (*big.Int, error) {
	sum := new(big.Int).Add(a, b)
	if err := checkI128(sum); err != nil {
		return nil, err
	}
	return sum, nil
}
