package rfq

import (
	"errors"
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/quotelabs/rfqsettle/params"
	"github.com/quotelabs/rfqsettle/pkg/crypto"
	"github.com/quotelabs/rfqsettle/pkg/ledger"
)

// SigScheme is the caller-supplied hint for how to verify the maker
// signature. The engine never infers a scheme beyond the Auto fallback order.
type SigScheme int

const (
	// SigSchemeAuto tries plain-key recovery for 64/65-byte signatures,
	// then falls back to the smart-account path.
	SigSchemeAuto SigScheme = iota
	// SigSchemeEOA requires plain-key recovery to match the maker.
	SigSchemeEOA
	// SigSchemeEIP1271 requires the maker's smart account to accept.
	SigSchemeEIP1271
	// SigSchemeEIP1271Strict is EIP1271 plus a 65-byte length requirement.
	SigSchemeEIP1271Strict
)

// FillRequest carries everything one settlement attempt needs. Amount nil or
// zero requests the full quote; AmountIsTaker picks its denomination.
type FillRequest struct {
	Order         Order
	Signature     []byte
	Taker         common.Address
	Amount        *big.Int
	AmountIsTaker bool
	NativeValue   *big.Int // native value attached to the call, nil = none
	UnwrapNative  bool     // deliver the maker leg as native value
	Scheme        SigScheme
}

// Engine is the settlement orchestrator: it sequences hashing, signature
// verification, replay invalidation, fill math, confidence decay, and the
// two transfer legs for each entry point. One engine instance guards one
// ledger; concurrent entry is rejected rather than queued.
type Engine struct {
	ledger      *ledger.Ledger
	permit2     *Permit2
	invalidator *Invalidator
	hasher      *crypto.OrderHasher
	accounts    *crypto.SmartAccountRegistry
	self        common.Address

	minSettleBps int64
	maxCapPpm    int64
	nowFn        func() int64
	busy         atomic.Bool

	statsMu sync.Mutex
	stats   map[common.Address]MakerStats

	// OnFill and OnCancel fire after the corresponding state change fully
	// committed. Both may be nil. Callbacks run on the caller's goroutine;
	// re-entering the engine from one fails with ErrReentrantCall.
	OnFill   func(FillRecord)
	OnCancel func(CancelRecord)
}

// EngineConfig wires an Engine. Accounts may be nil when smart-account
// signatures are not needed; zero MinSettleBps/MaxConfidenceCapPpm fall back
// to the params defaults.
type EngineConfig struct {
	Ledger              *ledger.Ledger
	Permit2             *Permit2
	Invalidator         *Invalidator
	Hasher              *crypto.OrderHasher
	Accounts            *crypto.SmartAccountRegistry
	Address             common.Address
	MinSettleBps        int64
	MaxConfidenceCapPpm int64
}

func NewEngine(cfg EngineConfig) *Engine {
	minBps := cfg.MinSettleBps
	if minBps == 0 {
		minBps = params.MinSettlementBps
	}
	maxCap := cfg.MaxConfidenceCapPpm
	if maxCap == 0 {
		maxCap = params.MaxConfidenceCapPpm
	}
	return &Engine{
		ledger:       cfg.Ledger,
		permit2:      cfg.Permit2,
		invalidator:  cfg.Invalidator,
		hasher:       cfg.Hasher,
		accounts:     cfg.Accounts,
		self:         cfg.Address,
		minSettleBps: minBps,
		maxCapPpm:    maxCap,
		nowFn:        func() int64 { return time.Now().Unix() },
		stats:        make(map[common.Address]MakerStats),
	}
}

// MakerStats is the cumulative settlement activity for one maker.
type MakerStats struct {
	Fills   uint64
	Cancels uint64
}

// MakerStats returns the lifetime fill and cancel counts for a maker.
func (e *Engine) MakerStats(maker common.Address) MakerStats {
	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	return e.stats[maker]
}

func (e *Engine) bumpFills(maker common.Address) {
	e.statsMu.Lock()
	s := e.stats[maker]
	s.Fills++
	e.stats[maker] = s
	e.statsMu.Unlock()
}

func (e *Engine) bumpCancels(maker common.Address) {
	e.statsMu.Lock()
	s := e.stats[maker]
	s.Cancels++
	e.stats[maker] = s
	e.statsMu.Unlock()
}

// SetNowFunc overrides the clock. Tests use this for deterministic decay and
// expiry behavior.
func (e *Engine) SetNowFunc(now func() int64) {
	e.nowFn = now
}

// Address returns the engine's own ledger address, the spender for direct
// allowances and the permit redeemer.
func (e *Engine) Address() common.Address {
	return e.self
}

// Ledger exposes the backing ledger for query surfaces.
func (e *Engine) Ledger() *ledger.Ledger {
	return e.ledger
}

// Permit2 exposes the delegated-transfer service for setup and queries.
func (e *Engine) Permit2() *Permit2 {
	return e.permit2
}

// Fill settles an order with the taker as destination. Returns the realized
// maker and taker amounts and the order hash.
func (e *Engine) Fill(req FillRequest) (*big.Int, *big.Int, []byte, error) {
	return e.FillTo(req, req.Taker)
}

// FillCompact settles an order whose maker signature is in the 64-byte
// compact form. Recovery is attempted first; a registered smart account is
// the fallback.
func (e *Engine) FillCompact(req FillRequest) (*big.Int, *big.Int, []byte, error) {
	if len(req.Signature) != 64 {
		return nil, nil, nil, orderErr(orZero(req.Order.ID), ErrBadSignature)
	}
	req.Scheme = SigSchemeAuto
	return e.FillTo(req, req.Taker)
}

// FillTo settles an order and delivers the maker leg to an explicit
// destination instead of the taker.
func (e *Engine) FillTo(req FillRequest, dest common.Address) (*big.Int, *big.Int, []byte, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, nil, nil, ErrReentrantCall
	}
	defer e.busy.Store(false)
	return e.fill(req, dest)
}

// FillWithTakerApproval grants the engine an allowance over the taker's asset
// and settles in one call, so fresh takers don't need a separate approval
// step.
func (e *Engine) FillWithTakerApproval(req FillRequest, approveAmount *big.Int) (*big.Int, *big.Int, []byte, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, nil, nil, ErrReentrantCall
	}
	defer e.busy.Store(false)

	// A standing allowance that already covers the amount is left alone.
	if !e.ledger.EnsureAllowance(req.Order.TakerAsset, req.Taker, e.self, approveAmount) {
		if err := e.ledger.Approve(req.Order.TakerAsset, req.Taker, e.self, approveAmount); err != nil {
			return nil, nil, nil, err
		}
	}
	return e.fill(req, req.Taker)
}

// fill runs the settlement sequence. Steps before the transfer legs leave no
// state behind on failure; the invalidator bit set mid-way is reverted if a
// later step fails, so a failed call never consumes the order id.
func (e *Engine) fill(req FillRequest, dest common.Address) (*big.Int, *big.Int, []byte, error) {
	order := req.Order.normalized()
	orderID := order.ID

	if dest == (common.Address{}) {
		return nil, nil, nil, orderErr(orderID, ErrZeroDestination)
	}

	orderHash, err := e.hasher.HashOrder(order.Message())
	if err != nil {
		return nil, nil, nil, err
	}

	// An order is live through its expiry second and invalid strictly after.
	now := e.nowFn()
	if order.Expiry.Cmp(big.NewInt(now)) < 0 {
		return nil, nil, orderHash, orderErr(orderID, ErrOrderExpired)
	}

	if err := checkConfidenceParams(order, e.maxCapPpm); err != nil {
		return nil, nil, orderHash, orderErr(orderID, err)
	}

	if !e.verifySignature(order.Maker, orderHash, req.Signature, req.Scheme) {
		return nil, nil, orderHash, orderErr(orderID, ErrBadSignature)
	}

	makerFill, takerFill, err := computeFillAmounts(order, req.Amount, req.AmountIsTaker)
	if err != nil {
		return nil, nil, orderHash, orderErr(orderID, err)
	}
	if err := checkSettlementRatio(order, makerFill, takerFill, e.minSettleBps); err != nil {
		return nil, nil, orderHash, orderErr(orderID, err)
	}

	adjustedMaker := applyConfidenceDecay(order, makerFill, now)
	if adjustedMaker.Sign() == 0 {
		return nil, nil, orderHash, orderErr(orderID, ErrZeroAmount)
	}

	// The order id is consumed before funds move; any failure past this
	// point reverts the bit so the whole call stays side-effect-free.
	if err := e.invalidator.Invalidate(order.Maker, orderID); err != nil {
		return nil, nil, orderHash, orderErr(orderID, err)
	}

	plan, err := e.planSettlement(order, adjustedMaker, takerFill, req.Taker, dest, req.NativeValue, req.UnwrapNative)
	if err != nil {
		_ = e.invalidator.revert(order.Maker, orderID)
		return nil, nil, orderHash, orderErr(orderID, err)
	}

	if err := e.ledger.Commit(plan.movements); err != nil {
		_ = e.invalidator.revert(order.Maker, orderID)
		var mErr *ledger.MovementError
		if errors.As(err, &mErr) && mErr.Index < len(plan.failErr) && plan.failErr[mErr.Index] != nil {
			return nil, nil, orderHash, orderErr(orderID, plan.failErr[mErr.Index])
		}
		return nil, nil, orderHash, orderErr(orderID, err)
	}

	// Ledger state is final; burn the permit2 nonce/allowance now.
	for _, commit := range plan.commits {
		commit()
	}
	e.bumpFills(order.Maker)

	if e.OnFill != nil {
		e.OnFill(FillRecord{
			OrderID:             new(big.Int).Set(orderID),
			OrderHash:           hexutil.Encode(orderHash),
			Maker:               order.Maker,
			Taker:               req.Taker,
			Destination:         dest,
			MakerAsset:          order.MakerAsset,
			TakerAsset:          order.TakerAsset,
			RealizedMakerAmount: new(big.Int).Set(adjustedMaker),
			RealizedTakerAmount: new(big.Int).Set(takerFill),
			Timestamp:           now,
		})
	}

	return adjustedMaker, takerFill, orderHash, nil
}

// verifySignature applies the caller's scheme hint. Zero maker addresses and
// degenerate signatures never verify.
func (e *Engine) verifySignature(maker common.Address, digest []byte, sig []byte, scheme SigScheme) bool {
	switch scheme {
	case SigSchemeEOA:
		return crypto.VerifySignature(maker, digest, sig)

	case SigSchemeEIP1271:
		return e.validateSmartAccount(maker, digest, sig)

	case SigSchemeEIP1271Strict:
		if len(sig) != 65 {
			return false
		}
		return e.validateSmartAccount(maker, digest, sig)

	default: // SigSchemeAuto
		if len(sig) == 64 || len(sig) == 65 {
			if crypto.VerifySignature(maker, digest, sig) {
				return true
			}
		}
		return e.validateSmartAccount(maker, digest, sig)
	}
}

func (e *Engine) validateSmartAccount(maker common.Address, digest []byte, sig []byte) bool {
	if e.accounts == nil {
		return false
	}
	var d [32]byte
	copy(d[:], digest)
	return e.accounts.Validate(maker, d, sig)
}

// Cancel invalidates an order id on behalf of its maker. Only the maker's own
// bitmap is touched; the engine trusts the caller layer to have authenticated
// the maker (the API layer requires a signed cancel message).
func (e *Engine) Cancel(maker common.Address, orderID *big.Int) error {
	if !e.busy.CompareAndSwap(false, true) {
		return ErrReentrantCall
	}
	defer e.busy.Store(false)

	id := orZero(orderID)
	if err := e.invalidator.Invalidate(maker, id); err != nil {
		if errors.Is(err, ErrAlreadyInvalidated) {
			return orderErr(id, ErrAlreadyCancelledOrUsed)
		}
		return orderErr(id, err)
	}
	e.bumpCancels(maker)

	if e.OnCancel != nil {
		e.OnCancel(CancelRecord{
			OrderID:   new(big.Int).Set(id),
			Maker:     maker,
			Timestamp: e.nowFn(),
		})
	}
	return nil
}

// CancelWithSignature verifies a signed cancel message for (maker, orderID)
// and then cancels. This is the path remote makers use.
func (e *Engine) CancelWithSignature(maker common.Address, orderID *big.Int, sig []byte) error {
	digest, err := e.hasher.HashCancel(&crypto.CancelMessage{ID: orZero(orderID), Maker: maker})
	if err != nil {
		return err
	}
	if !crypto.VerifySignature(maker, digest, sig) {
		return orderErr(orZero(orderID), ErrBadSignature)
	}
	return e.Cancel(maker, orderID)
}

// IsOrderUsed reports whether (maker, orderID) has been filled or cancelled.
func (e *Engine) IsOrderUsed(maker common.Address, orderID *big.Int) (bool, error) {
	return e.invalidator.IsUsed(maker, orZero(orderID))
}

// InvalidatorSlot returns the raw 256-bit bitmap word for a maker's slot.
func (e *Engine) InvalidatorSlot(maker common.Address, slot uint64) (*big.Int, error) {
	return e.invalidator.SlotWord(maker, slot)
}

// DomainSeparator returns the EIP-712 domain hash orders verify under.
func (e *Engine) DomainSeparator() ([]byte, error) {
	return e.hasher.DomainSeparator()
}

// OrderHash returns the EIP-712 digest a maker signs for the given order.
func (e *Engine) OrderHash(order *Order) ([]byte, error) {
	return e.hasher.HashOrder(order.normalized().Message())
}
