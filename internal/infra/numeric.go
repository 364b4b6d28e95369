package infra

import (
	"fmt"
	"math/big"

	"github.com/jackc/pgx/v5/pgtype"
)

var bigTen = big.NewInt(10)

// CoinsFromNumeric reads a NUMERIC(15,0) coin amount. NULL, NaN, infinities,
// fractional coins and values beyond int64 are errors; nothing is rounded.
func CoinsFromNumeric(n pgtype.Numeric) (int64, error) {
	switch {
	case !n.Valid:
		return 0, fmt.Errorf("coin amount is NULL")
	case n.NaN:
		return 0, fmt.Errorf("coin amount is NaN")
	case n.InfinityModifier != pgtype.Finite:
		return 0, fmt.Errorf("coin amount is infinite")
	}

	v := new(big.Int).Set(n.Int)
	if n.Exp > 0 {
		v.Mul(v, new(big.Int).Exp(bigTen, big.NewInt(int64(n.Exp)), nil))
	} else if n.Exp < 0 {
		// pgx may hand back trailing zeros as a negative exponent (1000 as 10000e-1).
		var rem big.Int
		v.QuoRem(v, new(big.Int).Exp(bigTen, big.NewInt(int64(-n.Exp)), nil), &rem)
		if rem.Sign() != 0 {
			return 0, fmt.Errorf("coin amount %s has a fractional part", n.Int.String())
		}
	}
	if !v.IsInt64() {
		return 0, fmt.Errorf("coin amount %s overflows int64", v.String())
	}
	return v.Int64(), nil
}

// NumericFromCoins encodes a coin amount for a NUMERIC(15,0) column.
func NumericFromCoins(coins int64) pgtype.Numeric {
	return pgtype.Numeric{Int: big.NewInt(coins), InfinityModifier: pgtype.Finite, Valid: true}
}
