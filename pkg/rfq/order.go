package rfq

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quotelabs/rfqsettle/pkg/crypto"
)

// Order is a maker's signed quote. Field meanings match the EIP-712 struct
// the maker signs; all numeric fields are uint256-ranged.
type Order struct {
	ID                 *big.Int       // order id; low 64 bits feed the replay bitmap
	Expiry             *big.Int       // unix seconds; fills strictly after this fail
	MakerAsset         common.Address // asset the maker gives
	TakerAsset         common.Address // asset the maker receives
	Maker              common.Address // signer of the order
	MakerAmount        *big.Int       // quoted maker-side amount
	TakerAmount        *big.Int       // quoted taker-side amount
	UsePermit2         bool           // route the maker leg through the delegated-transfer service
	ConfidenceT        *big.Int       // decay start timestamp, 0 disables decay
	ConfidenceWeight   *big.Int       // decay slope, ppm of maker amount per second
	ConfidenceCap      *big.Int       // decay ceiling, ppm of maker amount
	Permit2Signature   []byte         // inline permit signature, empty = standing allowance
	Permit2Witness     [32]byte       // extra data bound into the permit, zero if unused
	Permit2WitnessType string         // witness type string, "" if unused
}

// paymentMethod tags how the maker leg moves funds. Chosen once per fill.
type paymentMethod int

const (
	payDirect paymentMethod = iota + 1
	payPermit2Allowance
	payPermit2Signature
	payPermit2Witness
)

func (o *Order) payment() paymentMethod {
	if !o.UsePermit2 {
		return payDirect
	}
	if len(o.Permit2Signature) == 0 {
		return payPermit2Allowance
	}
	if o.Permit2WitnessType != "" {
		return payPermit2Witness
	}
	return payPermit2Signature
}

// normalized returns a copy with nil big.Int fields replaced by zero, so the
// hashing and math paths never hit a nil pointer on a sparsely built order.
func (o *Order) normalized() *Order {
	n := *o
	n.ID = orZero(o.ID)
	n.Expiry = orZero(o.Expiry)
	n.MakerAmount = orZero(o.MakerAmount)
	n.TakerAmount = orZero(o.TakerAmount)
	n.ConfidenceT = orZero(o.ConfidenceT)
	n.ConfidenceWeight = orZero(o.ConfidenceWeight)
	n.ConfidenceCap = orZero(o.ConfidenceCap)
	return &n
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}

// Message converts the order into the typed-data form the hasher consumes.
func (o *Order) Message() *crypto.OrderMessage {
	n := o.normalized()
	return &crypto.OrderMessage{
		ID:                n.ID,
		Expiry:            n.Expiry,
		MakerAsset:        n.MakerAsset,
		TakerAsset:        n.TakerAsset,
		Maker:             n.Maker,
		MakerAmount:       n.MakerAmount,
		TakerAmount:       n.TakerAmount,
		UsePermit2:        n.UsePermit2,
		ConfidenceT:       n.ConfidenceT,
		ConfidenceWeight:  n.ConfidenceWeight,
		ConfidenceCap:     n.ConfidenceCap,
		Permit2Signature:  n.Permit2Signature,
		Permit2Witness:    n.Permit2Witness,
		Permit2WitnessTyp: n.Permit2WitnessType,
	}
}
