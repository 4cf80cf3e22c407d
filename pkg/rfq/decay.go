package rfq

import (
	"math/big"

	"github.com/quotelabs/rfqsettle/params"
)

// checkConfidenceParams rejects orders whose decay ceiling exceeds the
// protocol maximum. The check only applies to orders with decay actually
// armed (nonzero start time and nonzero slope); a dormant cap on a
// never-decaying order is harmless and accepted. maxCapPpm <= 0 disables the
// ceiling entirely.
func checkConfidenceParams(order *Order, maxCapPpm int64) error {
	if maxCapPpm <= 0 {
		return nil
	}
	if order.ConfidenceT.Sign() == 0 || order.ConfidenceWeight.Sign() == 0 {
		return nil
	}
	if order.ConfidenceCap.Cmp(big.NewInt(maxCapPpm)) > 0 {
		return ErrConfidenceCapExceeded
	}
	return nil
}

// applyConfidenceDecay shrinks the maker-side fill by the linear staleness
// cut. With start time T, slope W (ppm per second) and cap C (ppm):
//
//	cut = min((now - T) * W, C)        for now > T
//	adjusted = maker - maker*cut/1e6
//
// Decay is disabled when any parameter is zero or the quote is not yet past
// its confidence time; the maker amount passes through untouched. The taker
// side is never adjusted: the taker pays the quoted rate and receives less,
// which is the maker's compensation for filling a stale quote.
func applyConfidenceDecay(order *Order, makerFill *big.Int, now int64) *big.Int {
	t := order.ConfidenceT
	w := order.ConfidenceWeight
	c := order.ConfidenceCap
	if t.Sign() == 0 || w.Sign() == 0 || c.Sign() == 0 {
		return makerFill
	}

	nowBig := big.NewInt(now)
	if nowBig.Cmp(t) <= 0 {
		return makerFill
	}

	elapsed := new(big.Int).Sub(nowBig, t)
	cut := new(big.Int).Mul(elapsed, w)
	if cut.Cmp(c) > 0 {
		cut.Set(c)
	}

	reduction := new(big.Int).Mul(makerFill, cut)
	reduction.Quo(reduction, big.NewInt(params.DecayDenominatorPpm))
	return new(big.Int).Sub(makerFill, reduction)
}
