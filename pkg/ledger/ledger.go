package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Failure classes a transfer can hit. Callers use errors.Is to tell a missing
// asset registration (the "call to non-contract" case) apart from ordinary
// balance or allowance shortfalls.
var (
	ErrUnknownAsset          = errors.New("ledger: asset not registered")
	ErrInsufficientBalance   = errors.New("ledger: insufficient balance")
	ErrInsufficientAllowance = errors.New("ledger: insufficient allowance")
	ErrInsufficientNative    = errors.New("ledger: insufficient native balance")
	ErrNegativeAmount        = errors.New("ledger: negative amount")
)

// MovementKind tags one leg of a settlement plan.
type MovementKind int

const (
	// MoveTransfer moves Asset from From to To directly.
	MoveTransfer MovementKind = iota + 1
	// MoveTransferFrom moves Asset from From to To, spending Spender's
	// allowance granted by From.
	MoveTransferFrom
	// MoveNative moves native balance from From to To.
	MoveNative
	// MoveWrap debits From's native balance and credits To with the
	// wrapped-native asset.
	MoveWrap
	// MoveUnwrap debits From's wrapped-native balance and credits To's
	// native balance.
	MoveUnwrap
)

// Movement is one planned balance mutation. A settlement builds a slice of
// movements and commits them in one shot so a half-applied fill can never be
// observed.
type Movement struct {
	Kind    MovementKind
	Asset   common.Address // ignored for MoveNative/MoveWrap/MoveUnwrap
	From    common.Address
	To      common.Address
	Spender common.Address // MoveTransferFrom only
	Amount  *big.Int
}

// saver is the write side of the backing store. Split from Store so tests can
// substitute an implementation whose writes fail.
type saver interface {
	SaveAsset(asset common.Address, symbol string) error
	SaveBalance(asset, holder common.Address, amount *big.Int) error
	SaveAllowance(asset, owner, spender common.Address, amount *big.Int) error
	SaveNative(addr common.Address, amount *big.Int) error
}

// Ledger is the in-process token system: registered assets with balances and
// allowances, native balances, and the wrapped-native asset bridging the two.
// All mutation goes through one mutex; Commit applies a movement list
// atomically with rollback on mid-sequence failure.
type Ledger struct {
	mu            sync.RWMutex
	assets        map[common.Address]string // asset -> symbol
	balances      map[common.Address]map[common.Address]*big.Int
	allowances    map[common.Address]map[common.Address]map[common.Address]*big.Int
	native        map[common.Address]*big.Int
	wrappedNative common.Address
	store         *Store // nil = memory only
	saver         saver  // normally the store; nil = memory only
}

// NewLedger creates an in-memory ledger. The wrapped-native asset is
// registered up front; everything else needs RegisterAsset.
func NewLedger(wrappedNative common.Address) *Ledger {
	l := &Ledger{
		assets:        make(map[common.Address]string),
		balances:      make(map[common.Address]map[common.Address]*big.Int),
		allowances:    make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
		native:        make(map[common.Address]*big.Int),
		wrappedNative: wrappedNative,
	}
	l.assets[wrappedNative] = "WNATIVE"
	return l
}

// Open creates a pebble-backed ledger, replaying persisted state into memory.
func Open(dbPath string, wrappedNative common.Address) (*Ledger, error) {
	store, err := NewStore(dbPath)
	if err != nil {
		return nil, err
	}

	l := NewLedger(wrappedNative)
	l.store = store
	l.saver = store

	err = store.LoadState(
		func(asset common.Address, symbol string) {
			l.assets[asset] = symbol
		},
		func(asset, holder common.Address, amount *big.Int) {
			l.balanceMap(asset)[holder] = amount
		},
		func(asset, owner, spender common.Address, amount *big.Int) {
			l.allowanceMap(asset, owner)[spender] = amount
		},
		func(addr common.Address, amount *big.Int) {
			l.native[addr] = amount
		},
	)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}

	return l, nil
}

// Close releases the backing store, if any.
func (l *Ledger) Close() error {
	if l.store == nil {
		return nil
	}
	return l.store.Close()
}

// Store exposes the backing store for sibling state (replay bitmaps).
// Returns nil for memory-only ledgers.
func (l *Ledger) Store() *Store {
	return l.store
}

// WrappedNative returns the address of the wrapped-native asset.
func (l *Ledger) WrappedNative() common.Address {
	return l.wrappedNative
}

// RegisterAsset makes an asset address known to the ledger. Transfers against
// unregistered assets fail with ErrUnknownAsset.
func (l *Ledger) RegisterAsset(asset common.Address, symbol string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assets[asset] = symbol
	if l.saver != nil {
		return l.saver.SaveAsset(asset, symbol)
	}
	return nil
}

// IsRegistered reports whether the asset is known.
func (l *Ledger) IsRegistered(asset common.Address) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.assets[asset]
	return ok
}

// Symbol returns the registered symbol for an asset, "" if unknown.
func (l *Ledger) Symbol(asset common.Address) string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.assets[asset]
}

// --- internal map accessors (caller holds the lock) ---

func (l *Ledger) balanceMap(asset common.Address) map[common.Address]*big.Int {
	m, ok := l.balances[asset]
	if !ok {
		m = make(map[common.Address]*big.Int)
		l.balances[asset] = m
	}
	return m
}

func (l *Ledger) allowanceMap(asset, owner common.Address) map[common.Address]*big.Int {
	byOwner, ok := l.allowances[asset]
	if !ok {
		byOwner = make(map[common.Address]map[common.Address]*big.Int)
		l.allowances[asset] = byOwner
	}
	m, ok := byOwner[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		byOwner[owner] = m
	}
	return m
}

func (l *Ledger) balanceOf(asset, holder common.Address) *big.Int {
	if b, ok := l.balances[asset]; ok {
		if v, ok := b[holder]; ok {
			return v
		}
	}
	return big.NewInt(0)
}

func (l *Ledger) allowanceOf(asset, owner, spender common.Address) *big.Int {
	if byOwner, ok := l.allowances[asset]; ok {
		if bySpender, ok := byOwner[owner]; ok {
			if v, ok := bySpender[spender]; ok {
				return v
			}
		}
	}
	return big.NewInt(0)
}

func (l *Ledger) nativeOf(addr common.Address) *big.Int {
	if v, ok := l.native[addr]; ok {
		return v
	}
	return big.NewInt(0)
}

// --- reads ---

func (l *Ledger) BalanceOf(asset, holder common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.balanceOf(asset, holder))
}

func (l *Ledger) Allowance(asset, owner, spender common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.allowanceOf(asset, owner, spender))
}

func (l *Ledger) NativeBalanceOf(addr common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.nativeOf(addr))
}

// EnsureAllowance reports whether spender may move at least amount of owner's
// asset.
func (l *Ledger) EnsureAllowance(asset, owner, spender common.Address, amount *big.Int) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.allowanceOf(asset, owner, spender).Cmp(amount) >= 0
}

// --- single-shot mutations ---

// Mint credits holder with amount of asset. Dev/faucet and test setup only.
func (l *Ledger) Mint(asset, holder common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.assets[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	m := l.balanceMap(asset)
	m[holder] = new(big.Int).Add(l.balanceOf(asset, holder), amount)
	return l.persistBalance(asset, holder)
}

// MintNative credits addr with native balance. Dev/faucet and test setup only.
func (l *Ledger) MintNative(addr common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.native[addr] = new(big.Int).Add(l.nativeOf(addr), amount)
	return l.persistNative(addr)
}

// Approve sets (not adds) spender's allowance over owner's asset.
func (l *Ledger) Approve(asset, owner, spender common.Address, amount *big.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.assets[asset]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAsset, asset.Hex())
	}
	if amount.Sign() < 0 {
		return ErrNegativeAmount
	}
	l.allowanceMap(asset, owner)[spender] = new(big.Int).Set(amount)
	return l.persistAllowance(asset, owner, spender)
}

// Transfer moves asset from from to to.
func (l *Ledger) Transfer(asset, from, to common.Address, amount *big.Int) error {
	return l.Commit([]Movement{{Kind: MoveTransfer, Asset: asset, From: from, To: to, Amount: amount}})
}

// TransferFrom moves asset from owner to to, spending spender's allowance.
func (l *Ledger) TransferFrom(asset, owner, to, spender common.Address, amount *big.Int) error {
	return l.Commit([]Movement{{Kind: MoveTransferFrom, Asset: asset, From: owner, To: to, Spender: spender, Amount: amount}})
}

// NativeTransfer moves native balance between addresses.
func (l *Ledger) NativeTransfer(from, to common.Address, amount *big.Int) error {
	return l.Commit([]Movement{{Kind: MoveNative, From: from, To: to, Amount: amount}})
}

// Deposit wraps: native from payer becomes wrapped-native credited to
// recipient.
func (l *Ledger) Deposit(payer, recipient common.Address, amount *big.Int) error {
	return l.Commit([]Movement{{Kind: MoveWrap, From: payer, To: recipient, Amount: amount}})
}

// Withdraw unwraps: wrapped-native from holder becomes native credited to
// recipient.
func (l *Ledger) Withdraw(holder, recipient common.Address, amount *big.Int) error {
	return l.Commit([]Movement{{Kind: MoveUnwrap, From: holder, To: recipient, Amount: amount}})
}

// MovementError reports which movement in a committed batch failed, so
// callers can attribute the failure to the right settlement leg.
type MovementError struct {
	Index int
	Err   error
}

func (e *MovementError) Error() string {
	return fmt.Sprintf("movement %d: %v", e.Index, e.Err)
}

func (e *MovementError) Unwrap() error {
	return e.Err
}

// Commit applies every movement in order under one lock. If any movement
// fails, all earlier ones are rolled back and a MovementError identifying the
// failing leg is returned; callers never observe a partial application.
func (l *Ledger) Commit(movements []Movement) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var undo []func()
	rollback := func() {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
	}

	dirty := make([]func() error, 0, len(movements)*2)

	for i, mov := range movements {
		u, d, err := l.applyLocked(mov)
		if err != nil {
			rollback()
			return &MovementError{Index: i, Err: err}
		}
		undo = append(undo, u...)
		dirty = append(dirty, d...)
	}

	if l.saver != nil {
		for n, persist := range dirty {
			if err := persist(); err != nil {
				// Undo the in-memory application, then write the restored
				// values back over any rows that already persisted. The
				// store is failing, so the rewrites are best effort; memory
				// is authoritative and a failed commit moves nothing.
				rollback()
				for _, rewrite := range dirty[:n] {
					_ = rewrite()
				}
				return fmt.Errorf("ledger commit reverted, persist failed: %w", err)
			}
		}
	}

	return nil
}

// applyLocked validates and applies one movement, returning undo closures and
// persistence closures for the rows it touched.
func (l *Ledger) applyLocked(mov Movement) (undo []func(), dirty []func() error, err error) {
	if mov.Amount == nil || mov.Amount.Sign() < 0 {
		return nil, nil, ErrNegativeAmount
	}
	amount := new(big.Int).Set(mov.Amount)

	subBalance := func(asset, holder common.Address) error {
		bal := l.balanceOf(asset, holder)
		if bal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: asset %s holder %s has %s, needs %s",
				ErrInsufficientBalance, asset.Hex(), holder.Hex(), bal, amount)
		}
		prev := bal
		l.balanceMap(asset)[holder] = new(big.Int).Sub(bal, amount)
		undo = append(undo, func() { l.balanceMap(asset)[holder] = prev })
		dirty = append(dirty, func() error { return l.persistBalance(asset, holder) })
		return nil
	}
	addBalance := func(asset, holder common.Address) {
		prev := l.balanceOf(asset, holder)
		l.balanceMap(asset)[holder] = new(big.Int).Add(prev, amount)
		undo = append(undo, func() { l.balanceMap(asset)[holder] = prev })
		dirty = append(dirty, func() error { return l.persistBalance(asset, holder) })
	}
	subNative := func(addr common.Address) error {
		bal := l.nativeOf(addr)
		if bal.Cmp(amount) < 0 {
			return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientNative, addr.Hex(), bal, amount)
		}
		prev := bal
		l.native[addr] = new(big.Int).Sub(bal, amount)
		undo = append(undo, func() { l.native[addr] = prev })
		dirty = append(dirty, func() error { return l.persistNative(addr) })
		return nil
	}
	addNative := func(addr common.Address) {
		prev := l.nativeOf(addr)
		l.native[addr] = new(big.Int).Add(prev, amount)
		undo = append(undo, func() { l.native[addr] = prev })
		dirty = append(dirty, func() error { return l.persistNative(addr) })
	}

	switch mov.Kind {
	case MoveTransfer, MoveTransferFrom:
		if _, ok := l.assets[mov.Asset]; !ok {
			return nil, nil, fmt.Errorf("%w: %s", ErrUnknownAsset, mov.Asset.Hex())
		}
		if mov.Kind == MoveTransferFrom {
			allowance := l.allowanceOf(mov.Asset, mov.From, mov.Spender)
			if allowance.Cmp(amount) < 0 {
				return nil, nil, fmt.Errorf("%w: asset %s owner %s spender %s has %s, needs %s",
					ErrInsufficientAllowance, mov.Asset.Hex(), mov.From.Hex(), mov.Spender.Hex(), allowance, amount)
			}
			prev := allowance
			l.allowanceMap(mov.Asset, mov.From)[mov.Spender] = new(big.Int).Sub(allowance, amount)
			undo = append(undo, func() { l.allowanceMap(mov.Asset, mov.From)[mov.Spender] = prev })
			dirty = append(dirty, func() error { return l.persistAllowance(mov.Asset, mov.From, mov.Spender) })
		}
		if err := subBalance(mov.Asset, mov.From); err != nil {
			return nil, nil, err
		}
		addBalance(mov.Asset, mov.To)

	case MoveNative:
		if err := subNative(mov.From); err != nil {
			return nil, nil, err
		}
		addNative(mov.To)

	case MoveWrap:
		if err := subNative(mov.From); err != nil {
			return nil, nil, err
		}
		addBalance(l.wrappedNative, mov.To)

	case MoveUnwrap:
		if err := subBalance(l.wrappedNative, mov.From); err != nil {
			return nil, nil, err
		}
		addNative(mov.To)

	default:
		return nil, nil, fmt.Errorf("ledger: unknown movement kind %d", mov.Kind)
	}

	return undo, dirty, nil
}

// --- persistence (caller holds the lock) ---

func (l *Ledger) persistBalance(asset, holder common.Address) error {
	if l.saver == nil {
		return nil
	}
	return l.saver.SaveBalance(asset, holder, l.balanceOf(asset, holder))
}

func (l *Ledger) persistAllowance(asset, owner, spender common.Address) error {
	if l.saver == nil {
		return nil
	}
	return l.saver.SaveAllowance(asset, owner, spender, l.allowanceOf(asset, owner, spender))
}

func (l *Ledger) persistNative(addr common.Address) error {
	if l.saver == nil {
		return nil
	}
	return l.saver.SaveNative(addr, l.nativeOf(addr))
}
