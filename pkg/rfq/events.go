package rfq

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// FillRecord is emitted to the OnFill hook after a settlement fully commits.
// Amounts are post-decay realized values.
type FillRecord struct {
	OrderID             *big.Int       `json:"orderId"`
	OrderHash           string         `json:"orderHash"`
	Maker               common.Address `json:"maker"`
	Taker               common.Address `json:"taker"`
	Destination         common.Address `json:"destination"`
	MakerAsset          common.Address `json:"makerAsset"`
	TakerAsset          common.Address `json:"takerAsset"`
	RealizedMakerAmount *big.Int       `json:"realizedMakerAmount"`
	RealizedTakerAmount *big.Int       `json:"realizedTakerAmount"`
	Timestamp           int64          `json:"timestamp"`
}

// CancelRecord is emitted to the OnCancel hook after a maker invalidates an
// order id without filling it.
type CancelRecord struct {
	OrderID   *big.Int       `json:"orderId"`
	Maker     common.Address `json:"maker"`
	Timestamp int64          `json:"timestamp"`
}
