package rfq

import (
	"math/big"
)

// computeFillAmounts resolves the realized (makerFill, takerFill) pair for a
// fill request against the quoted amounts, before any confidence decay.
//
// amount == nil or zero requests the full quote. Otherwise amount is read in
// the denomination picked by amountIsTaker, and the opposite side scales
// proportionally with rounding that always favors the maker: the taker side
// rounds up when the request is maker-denominated, the maker side rounds down
// when it is taker-denominated.
func computeFillAmounts(order *Order, amount *big.Int, amountIsTaker bool) (makerFill, takerFill *big.Int, err error) {
	quotedMaker := order.MakerAmount
	quotedTaker := order.TakerAmount

	if amount == nil || amount.Sign() == 0 {
		if quotedMaker.Sign() == 0 || quotedTaker.Sign() == 0 {
			return nil, nil, ErrZeroAmount
		}
		return new(big.Int).Set(quotedMaker), new(big.Int).Set(quotedTaker), nil
	}

	if quotedMaker.Sign() == 0 || quotedTaker.Sign() == 0 {
		return nil, nil, ErrZeroAmount
	}

	if amountIsTaker {
		if amount.Cmp(quotedTaker) > 0 {
			return nil, nil, ErrTakerAmountExceeded
		}
		takerFill = new(big.Int).Set(amount)
		// makerFill = floor(t * M / T)
		makerFill = new(big.Int).Mul(amount, quotedMaker)
		makerFill.Quo(makerFill, quotedTaker)
	} else {
		if amount.Cmp(quotedMaker) > 0 {
			return nil, nil, ErrMakerAmountExceeded
		}
		makerFill = new(big.Int).Set(amount)
		// takerFill = ceil(m * T / M)
		takerFill = new(big.Int).Mul(amount, quotedTaker)
		takerFill.Add(takerFill, new(big.Int).Sub(quotedMaker, big.NewInt(1)))
		takerFill.Quo(takerFill, quotedMaker)
	}

	if makerFill.Sign() == 0 || takerFill.Sign() == 0 {
		return nil, nil, ErrZeroAmount
	}

	return makerFill, takerFill, nil
}

// checkSettlementRatio enforces the minimum partial-fill size: both realized
// sides must be at least minBps basis points of their quoted amounts. Runs on
// pre-decay amounts so decay cannot push an otherwise-valid fill under the
// floor.
func checkSettlementRatio(order *Order, makerFill, takerFill *big.Int, minBps int64) error {
	if minBps <= 0 {
		return nil
	}
	// fill * 10000 >= quoted * minBps
	lhs := new(big.Int).Mul(makerFill, big.NewInt(10000))
	rhs := new(big.Int).Mul(order.MakerAmount, big.NewInt(minBps))
	if lhs.Cmp(rhs) < 0 {
		return ErrSettlementTooSmall
	}
	lhs.Mul(takerFill, big.NewInt(10000))
	rhs.Mul(order.TakerAmount, big.NewInt(minBps))
	if lhs.Cmp(rhs) < 0 {
		return ErrSettlementTooSmall
	}
	return nil
}
