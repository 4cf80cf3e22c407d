package rfq

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quotelabs/rfqsettle/pkg/ledger"
)

// settlementPlan is the fully validated set of balance movements for one
// fill. movements[i] failing at commit surfaces failErr[i] (nil passes the
// ledger error through); commits run only after the ledger accepted the whole
// batch.
type settlementPlan struct {
	movements []ledger.Movement
	failErr   []error
	commits   []func()
}

func (p *settlementPlan) add(mov ledger.Movement, onFail error) {
	p.movements = append(p.movements, mov)
	p.failErr = append(p.failErr, onFail)
}

// planSettlement builds both legs of a fill. The maker leg routes through the
// payment method baked into the order; the taker leg wraps attached native
// value when the taker asset is the wrapped-native asset and otherwise spends
// the taker's allowance toward the engine. Nothing here mutates state.
func (e *Engine) planSettlement(order *Order, makerFill, takerFill *big.Int, taker, dest common.Address, nativeValue *big.Int, unwrapNative bool) (*settlementPlan, error) {
	plan := &settlementPlan{}
	wnative := e.ledger.WrappedNative()

	// The unwrap option only exists for wrapped-native maker assets. When
	// taken, the maker leg lands on the engine first and a second movement
	// forwards native value to the destination.
	unwrap := unwrapNative && order.MakerAsset == wnative
	makerDest := dest
	if unwrap {
		makerDest = e.self
	}

	switch order.payment() {
	case payDirect:
		plan.add(ledger.Movement{
			Kind:    ledger.MoveTransferFrom,
			Asset:   order.MakerAsset,
			From:    order.Maker,
			To:      makerDest,
			Spender: e.self,
			Amount:  makerFill,
		}, ErrDirectTransferFailed)

	case payPermit2Allowance:
		mov, commit, err := e.permit2.PlanAllowanceTransfer(order.Maker, order.MakerAsset, makerDest, e.self, makerFill)
		if err != nil {
			return nil, err
		}
		plan.add(mov, ErrDirectTransferFailed)
		plan.commits = append(plan.commits, commit)

	case payPermit2Signature, payPermit2Witness:
		// The signature binds the full quoted amount; partial fills move
		// less but verify against what the maker actually signed.
		mov, commit, err := e.permit2.PlanSignatureTransfer(SignatureTransfer{
			Owner:           order.Maker,
			Token:           order.MakerAsset,
			To:              makerDest,
			Spender:         e.self,
			PermittedAmount: order.MakerAmount,
			RequestedAmount: makerFill,
			Nonce:           order.ID,
			Deadline:        order.Expiry,
			Signature:       order.Permit2Signature,
			Witness:         order.Permit2Witness,
			WitnessType:     order.Permit2WitnessType,
		})
		if err != nil {
			return nil, err
		}
		plan.add(mov, ErrDirectTransferFailed)
		plan.commits = append(plan.commits, commit)
	}

	if unwrap {
		plan.add(ledger.Movement{
			Kind:   ledger.MoveUnwrap,
			From:   e.self,
			To:     dest,
			Amount: makerFill,
		}, ErrNativeTransferFailed)
	}

	// Taker leg.
	attached := nativeValue != nil && nativeValue.Sign() > 0
	if order.TakerAsset == wnative && attached {
		if nativeValue.Cmp(takerFill) != 0 {
			return nil, ErrInvalidNativeValue
		}
		plan.add(ledger.Movement{
			Kind:   ledger.MoveWrap,
			From:   taker,
			To:     order.Maker,
			Amount: takerFill,
		}, ErrNativeDepositRejected)
	} else {
		if attached {
			return nil, ErrInvalidNativeValue
		}
		plan.add(ledger.Movement{
			Kind:    ledger.MoveTransferFrom,
			Asset:   order.TakerAsset,
			From:    taker,
			To:      order.Maker,
			Spender: e.self,
			Amount:  takerFill,
		}, nil)
	}

	return plan, nil
}
