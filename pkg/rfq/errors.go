package rfq

import (
	"errors"
	"fmt"
	"math/big"
)

// Settlement failure vocabulary. Every rejection an order can hit maps to
// exactly one of these sentinels; callers match with errors.Is.
var (
	ErrZeroDestination        = errors.New("rfq: zero destination address")
	ErrBadSignature           = errors.New("rfq: invalid maker signature")
	ErrOrderExpired           = errors.New("rfq: order expired")
	ErrMakerAmountExceeded    = errors.New("rfq: requested maker amount exceeds order")
	ErrTakerAmountExceeded    = errors.New("rfq: requested taker amount exceeds order")
	ErrZeroAmount             = errors.New("rfq: computed fill amount is zero")
	ErrAlreadyInvalidated     = errors.New("rfq: order already filled or cancelled")
	ErrAlreadyCancelledOrUsed = errors.New("rfq: order already cancelled or used")
	ErrAmountTooLarge         = errors.New("rfq: amount exceeds 160-bit range")
	ErrSettlementTooSmall     = errors.New("rfq: fill below minimum settlement ratio")
	ErrConfidenceCapExceeded  = errors.New("rfq: confidence cap above ceiling")
	ErrInvalidNativeValue     = errors.New("rfq: attached native value does not match")
	ErrDirectTransferFailed   = errors.New("rfq: direct maker transfer failed")
	ErrNativeTransferFailed   = errors.New("rfq: native transfer failed")
	ErrNativeDepositRejected  = errors.New("rfq: native deposit rejected")
	ErrPermitPayloadMalformed = errors.New("rfq: malformed permit payload")
	ErrPermitExpired          = errors.New("rfq: permit deadline passed")
	ErrReentrantCall          = errors.New("rfq: reentrant settlement call")
)

// OrderError attaches the offending order id to a sentinel so API layers can
// report which quote failed. errors.Is still matches the wrapped sentinel.
type OrderError struct {
	OrderID *big.Int
	Err     error
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("%v (order %s)", e.Err, e.OrderID)
}

func (e *OrderError) Unwrap() error {
	return e.Err
}

func orderErr(orderID *big.Int, err error) error {
	return &OrderError{OrderID: new(big.Int).Set(orderID), Err: err}
}
