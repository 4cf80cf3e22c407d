package ledger

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

var (
	wnative = common.HexToAddress("0x000000000000000000000000000000000000AAb1")
	tokenA  = common.HexToAddress("0x00000000000000000000000000000000000000A1")
	alice   = common.HexToAddress("0x0000000000000000000000000000000000000a11")
	bob     = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
	carol   = common.HexToAddress("0x0000000000000000000000000000000000000ca1")
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l := NewLedger(wnative)
	if err := l.RegisterAsset(tokenA, "TOKA"); err != nil {
		t.Fatalf("register: %v", err)
	}
	return l
}

func TestMintAndTransfer(t *testing.T) {
	l := newTestLedger(t)

	if err := l.Mint(tokenA, alice, big.NewInt(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := l.Transfer(tokenA, alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got := l.BalanceOf(tokenA, alice); got.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("alice balance = %s, want 60", got)
	}
	if got := l.BalanceOf(tokenA, bob); got.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("bob balance = %s, want 40", got)
	}
}

func TestTransferInsufficientBalance(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(tokenA, alice, big.NewInt(10))

	err := l.Transfer(tokenA, alice, bob, big.NewInt(11))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("err = %v, want ErrInsufficientBalance", err)
	}
	if got := l.BalanceOf(tokenA, alice); got.Cmp(big.NewInt(10)) != 0 {
		t.Errorf("failed transfer mutated balance: %s", got)
	}
}

func TestUnknownAsset(t *testing.T) {
	l := newTestLedger(t)
	unknown := common.HexToAddress("0x00000000000000000000000000000000000000FF")

	err := l.Transfer(unknown, alice, bob, big.NewInt(1))
	if !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("err = %v, want ErrUnknownAsset", err)
	}
}

func TestTransferFromSpendsAllowance(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(tokenA, alice, big.NewInt(100))
	l.Approve(tokenA, alice, carol, big.NewInt(50))

	if err := l.TransferFrom(tokenA, alice, bob, carol, big.NewInt(30)); err != nil {
		t.Fatalf("transferFrom: %v", err)
	}

	if got := l.Allowance(tokenA, alice, carol); got.Cmp(big.NewInt(20)) != 0 {
		t.Errorf("remaining allowance = %s, want 20", got)
	}

	// Second spend exceeding the remainder fails and changes nothing
	err := l.TransferFrom(tokenA, alice, bob, carol, big.NewInt(21))
	if !errors.Is(err, ErrInsufficientAllowance) {
		t.Errorf("err = %v, want ErrInsufficientAllowance", err)
	}
	if got := l.BalanceOf(tokenA, bob); got.Cmp(big.NewInt(30)) != 0 {
		t.Errorf("bob balance = %s, want 30", got)
	}
}

func TestWrapAndUnwrap(t *testing.T) {
	l := newTestLedger(t)
	l.MintNative(alice, big.NewInt(100))

	if err := l.Deposit(alice, bob, big.NewInt(60)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if got := l.NativeBalanceOf(alice); got.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("alice native = %s, want 40", got)
	}
	if got := l.BalanceOf(wnative, bob); got.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("bob wrapped = %s, want 60", got)
	}

	if err := l.Withdraw(bob, carol, big.NewInt(60)); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if got := l.NativeBalanceOf(carol); got.Cmp(big.NewInt(60)) != 0 {
		t.Errorf("carol native = %s, want 60", got)
	}
	if got := l.BalanceOf(wnative, bob); got.Sign() != 0 {
		t.Errorf("bob wrapped = %s, want 0", got)
	}
}

func TestCommitRollsBackOnMidSequenceFailure(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(tokenA, alice, big.NewInt(100))
	// bob has nothing to pay with

	movements := []Movement{
		{Kind: MoveTransfer, Asset: tokenA, From: alice, To: bob, Amount: big.NewInt(50)},
		{Kind: MoveTransfer, Asset: tokenA, From: bob, To: carol, Amount: big.NewInt(200)},
	}

	err := l.Commit(movements)
	if err == nil {
		t.Fatal("commit succeeded, want failure")
	}

	var mErr *MovementError
	if !errors.As(err, &mErr) {
		t.Fatalf("err = %T, want *MovementError", err)
	}
	if mErr.Index != 1 {
		t.Errorf("failing index = %d, want 1", mErr.Index)
	}

	// First leg must be rolled back
	if got := l.BalanceOf(tokenA, alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("alice balance = %s, want 100 after rollback", got)
	}
	if got := l.BalanceOf(tokenA, bob); got.Sign() != 0 {
		t.Errorf("bob balance = %s, want 0 after rollback", got)
	}
}

func TestCommitAllowanceRollback(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(tokenA, alice, big.NewInt(100))
	l.Approve(tokenA, alice, carol, big.NewInt(80))

	movements := []Movement{
		{Kind: MoveTransferFrom, Asset: tokenA, From: alice, To: bob, Spender: carol, Amount: big.NewInt(80)},
		{Kind: MoveNative, From: bob, To: carol, Amount: big.NewInt(1)}, // bob has no native
	}

	if err := l.Commit(movements); err == nil {
		t.Fatal("commit succeeded, want failure")
	}

	if got := l.Allowance(tokenA, alice, carol); got.Cmp(big.NewInt(80)) != 0 {
		t.Errorf("allowance = %s, want 80 after rollback", got)
	}
	if got := l.BalanceOf(tokenA, alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("alice balance = %s, want 100 after rollback", got)
	}
}

// failingSaver accepts writes until failAt (1-based), then fails every one.
type failingSaver struct {
	writes int
	failAt int
}

var errStoreDown = errors.New("store down")

func (f *failingSaver) write() error {
	f.writes++
	if f.writes >= f.failAt {
		return errStoreDown
	}
	return nil
}

func (f *failingSaver) SaveAsset(common.Address, string) error { return f.write() }
func (f *failingSaver) SaveBalance(common.Address, common.Address, *big.Int) error {
	return f.write()
}
func (f *failingSaver) SaveAllowance(common.Address, common.Address, common.Address, *big.Int) error {
	return f.write()
}
func (f *failingSaver) SaveNative(common.Address, *big.Int) error { return f.write() }

func TestCommitRollsBackOnPersistFailure(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(tokenA, alice, big.NewInt(100))

	// Both legs apply in memory, the first row persists, the second write
	// fails. The whole movement must come back out of the ledger.
	l.saver = &failingSaver{failAt: 2}

	err := l.Transfer(tokenA, alice, bob, big.NewInt(40))
	if !errors.Is(err, errStoreDown) {
		t.Fatalf("err = %v, want errStoreDown", err)
	}

	if got := l.BalanceOf(tokenA, alice); got.Cmp(big.NewInt(100)) != 0 {
		t.Errorf("alice balance = %s, want 100 after rollback", got)
	}
	if got := l.BalanceOf(tokenA, bob); got.Sign() != 0 {
		t.Errorf("bob balance = %s, want 0 after rollback", got)
	}

	// With the store healthy again the same transfer goes through
	l.saver = nil
	if err := l.Transfer(tokenA, alice, bob, big.NewInt(40)); err != nil {
		t.Fatalf("retry transfer: %v", err)
	}
	if got := l.BalanceOf(tokenA, bob); got.Cmp(big.NewInt(40)) != 0 {
		t.Errorf("bob balance = %s, want 40 after retry", got)
	}
}

func TestNegativeAmountRejected(t *testing.T) {
	l := newTestLedger(t)
	l.Mint(tokenA, alice, big.NewInt(10))

	err := l.Transfer(tokenA, alice, bob, big.NewInt(-1))
	if !errors.Is(err, ErrNegativeAmount) {
		t.Errorf("err = %v, want ErrNegativeAmount", err)
	}
}

func TestInvalidatorStoreMemory(t *testing.T) {
	s := NewInvalidatorStore(nil)

	w, err := s.Word(alice, 0)
	if err != nil {
		t.Fatalf("word: %v", err)
	}
	if w.Sign() != 0 {
		t.Errorf("fresh word = %s, want 0", w)
	}

	w.SetBit(w, 7, 1)
	if err := s.SetWord(alice, 0, w); err != nil {
		t.Fatalf("set word: %v", err)
	}

	got, _ := s.Word(alice, 0)
	if got.Bit(7) != 1 {
		t.Error("bit 7 not persisted")
	}

	// Returned word is a copy; mutating it must not leak into the store
	got.SetBit(got, 8, 1)
	again, _ := s.Word(alice, 0)
	if again.Bit(8) == 1 {
		t.Error("store word aliased to caller copy")
	}
}
