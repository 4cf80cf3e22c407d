package rfq

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quotelabs/rfqsettle/pkg/crypto"
	"github.com/quotelabs/rfqsettle/pkg/ledger"
)

var (
	fxWNative = common.HexToAddress("0x000000000000000000000000000000000000AAb1")
	fxTokenA  = common.HexToAddress("0x00000000000000000000000000000000000000a2")
	fxTokenB  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	fxTaker   = common.HexToAddress("0x000000000000000000000000000000000000777E")
)

const fxNow = int64(1_800_000_000)

type fixture struct {
	eng   *Engine
	led   *ledger.Ledger
	p2    *Permit2
	reg   *crypto.SmartAccountRegistry
	maker *crypto.Signer
	now   int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	led := ledger.NewLedger(fxWNative)
	if err := led.RegisterAsset(fxTokenA, "TOKA"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := led.RegisterAsset(fxTokenB, "TOKB"); err != nil {
		t.Fatalf("register: %v", err)
	}

	maker, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}

	reg := crypto.NewSmartAccountRegistry()
	p2 := NewPermit2(1337, p2Self, reg)
	hasher := crypto.NewOrderHasher(crypto.EIP712Domain{
		Name:              "QuoteSettle",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: engAddr,
	})

	f := &fixture{
		led:   led,
		p2:    p2,
		reg:   reg,
		maker: maker,
		now:   fxNow,
	}
	f.eng = NewEngine(EngineConfig{
		Ledger:      led,
		Permit2:     p2,
		Invalidator: NewInvalidator(ledger.NewInvalidatorStore(nil)),
		Hasher:      hasher,
		Accounts:    reg,
		Address:     engAddr,
	})
	f.eng.SetNowFunc(func() int64 { return f.now })
	p2.SetNowFunc(func() int64 { return f.now })

	// Maker holds the maker asset, taker holds the taker asset, and both have
	// approved the engine.
	led.Mint(fxTokenA, maker.Address(), big.NewInt(1_000_000))
	led.Approve(fxTokenA, maker.Address(), engAddr, big.NewInt(1_000_000))
	led.Mint(fxTokenB, fxTaker, big.NewInt(1_000_000))
	led.Approve(fxTokenB, fxTaker, engAddr, big.NewInt(1_000_000))

	return f
}

func (f *fixture) order(id int64) Order {
	return Order{
		ID:          big.NewInt(id),
		Expiry:      big.NewInt(f.now + 600),
		MakerAsset:  fxTokenA,
		TakerAsset:  fxTokenB,
		Maker:       f.maker.Address(),
		MakerAmount: big.NewInt(1000),
		TakerAmount: big.NewInt(3000),
	}
}

func (f *fixture) sign(t *testing.T, order *Order) []byte {
	t.Helper()
	hash, err := f.eng.OrderHash(order)
	if err != nil {
		t.Fatalf("order hash: %v", err)
	}
	sig, err := f.maker.Sign(hash)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

func (f *fixture) request(t *testing.T, order Order) FillRequest {
	t.Helper()
	return FillRequest{
		Order:     order,
		Signature: f.sign(t, &order),
		Taker:     fxTaker,
	}
}

func TestEngineHappyPath(t *testing.T) {
	f := newFixture(t)

	var fills []FillRecord
	f.eng.OnFill = func(r FillRecord) { fills = append(fills, r) }

	order := f.order(1)
	m, tk, hash, err := f.eng.Fill(f.request(t, order))
	if err != nil {
		t.Fatalf("fill: %v", err)
	}
	if m.Cmp(big.NewInt(1000)) != 0 || tk.Cmp(big.NewInt(3000)) != 0 {
		t.Errorf("realized = (%s, %s), want (1000, 3000)", m, tk)
	}
	if len(hash) != 32 {
		t.Errorf("order hash length = %d, want 32", len(hash))
	}

	maker := f.maker.Address()
	if got := f.led.BalanceOf(fxTokenA, maker); got.Cmp(big.NewInt(999_000)) != 0 {
		t.Errorf("maker TOKA = %s, want 999000", got)
	}
	if got := f.led.BalanceOf(fxTokenA, fxTaker); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("taker TOKA = %s, want 1000", got)
	}
	if got := f.led.BalanceOf(fxTokenB, maker); got.Cmp(big.NewInt(3000)) != 0 {
		t.Errorf("maker TOKB = %s, want 3000", got)
	}
	if got := f.led.BalanceOf(fxTokenB, fxTaker); got.Cmp(big.NewInt(997_000)) != 0 {
		t.Errorf("taker TOKB = %s, want 997000", got)
	}

	if len(fills) != 1 {
		t.Fatalf("OnFill fired %d times, want 1", len(fills))
	}
	if fills[0].OrderID.Cmp(big.NewInt(1)) != 0 || fills[0].Maker != maker || fills[0].Taker != fxTaker {
		t.Errorf("unexpected fill record: %+v", fills[0])
	}

	used, err := f.eng.IsOrderUsed(maker, big.NewInt(1))
	if err != nil {
		t.Fatalf("isOrderUsed: %v", err)
	}
	if !used {
		t.Error("order not marked used after fill")
	}

	if stats := f.eng.MakerStats(maker); stats.Fills != 1 || stats.Cancels != 0 {
		t.Errorf("maker stats = %+v, want 1 fill", stats)
	}
}

func TestEnginePartialFills(t *testing.T) {
	f := newFixture(t)

	// Maker-denominated 700/1000 against a 1000/3001 quote rounds the taker
	// side up.
	order := f.order(1)
	order.TakerAmount = big.NewInt(3001)
	req := f.request(t, order)
	req.Amount = big.NewInt(700)

	m, tk, _, err := f.eng.Fill(req)
	if err != nil {
		t.Fatalf("maker-denominated fill: %v", err)
	}
	if m.Cmp(big.NewInt(700)) != 0 || tk.Cmp(big.NewInt(2101)) != 0 {
		t.Errorf("realized = (%s, %s), want (700, 2101)", m, tk)
	}

	// Taker-denominated rounds the maker side down.
	order = f.order(2)
	order.TakerAmount = big.NewInt(3001)
	req = f.request(t, order)
	req.Amount = big.NewInt(2100)
	req.AmountIsTaker = true

	m, tk, _, err = f.eng.Fill(req)
	if err != nil {
		t.Fatalf("taker-denominated fill: %v", err)
	}
	if m.Cmp(big.NewInt(699)) != 0 || tk.Cmp(big.NewInt(2100)) != 0 {
		t.Errorf("realized = (%s, %s), want (699, 2100)", m, tk)
	}
}

func TestEngineBadSignature(t *testing.T) {
	f := newFixture(t)
	stranger, _ := crypto.GenerateKey()

	order := f.order(1)
	hash, _ := f.eng.OrderHash(&order)
	sig, _ := stranger.Sign(hash)

	_, _, _, err := f.eng.Fill(FillRequest{Order: order, Signature: sig, Taker: fxTaker})
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}

	var oErr *OrderError
	if !errors.As(err, &oErr) {
		t.Fatalf("err = %T, want *OrderError", err)
	}
	if oErr.OrderID.Cmp(big.NewInt(1)) != 0 {
		t.Errorf("order id in error = %s, want 1", oErr.OrderID)
	}

	// Nothing moved and the order id stays live.
	used, _ := f.eng.IsOrderUsed(f.maker.Address(), big.NewInt(1))
	if used {
		t.Error("order consumed by rejected fill")
	}
}

func TestEngineExpiredOrder(t *testing.T) {
	f := newFixture(t)

	// Live through the expiry second itself
	order := f.order(1)
	order.Expiry = big.NewInt(f.now)
	if _, _, _, err := f.eng.Fill(f.request(t, order)); err != nil {
		t.Errorf("fill at expiry second: %v", err)
	}

	order = f.order(2)
	req := f.request(t, order)
	f.now += 601
	_, _, _, err := f.eng.Fill(req)
	if !errors.Is(err, ErrOrderExpired) {
		t.Errorf("past expiry err = %v, want ErrOrderExpired", err)
	}
}

func TestEngineReplayRejected(t *testing.T) {
	f := newFixture(t)

	order := f.order(1)
	req := f.request(t, order)
	if _, _, _, err := f.eng.Fill(req); err != nil {
		t.Fatalf("first fill: %v", err)
	}

	_, _, _, err := f.eng.Fill(req)
	if !errors.Is(err, ErrAlreadyInvalidated) {
		t.Errorf("replay err = %v, want ErrAlreadyInvalidated", err)
	}
}

func TestEngineCancel(t *testing.T) {
	f := newFixture(t)
	maker := f.maker.Address()

	var cancels []CancelRecord
	f.eng.OnCancel = func(r CancelRecord) { cancels = append(cancels, r) }

	if err := f.eng.Cancel(maker, big.NewInt(7)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(cancels) != 1 || cancels[0].OrderID.Cmp(big.NewInt(7)) != 0 {
		t.Fatalf("unexpected cancel records: %+v", cancels)
	}

	word, err := f.eng.InvalidatorSlot(maker, 0)
	if err != nil {
		t.Fatalf("slot: %v", err)
	}
	if word.Bit(7) != 1 {
		t.Error("slot 0 bit 7 not set after cancel")
	}

	// Filling the cancelled id fails without moving funds.
	order := f.order(7)
	_, _, _, err = f.eng.Fill(f.request(t, order))
	if !errors.Is(err, ErrAlreadyInvalidated) {
		t.Errorf("fill after cancel err = %v, want ErrAlreadyInvalidated", err)
	}
	if got := f.led.BalanceOf(fxTokenA, maker); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("maker balance = %s after failed fill, want 1000000", got)
	}

	// Cancelling again reports the friendlier sentinel.
	err = f.eng.Cancel(maker, big.NewInt(7))
	if !errors.Is(err, ErrAlreadyCancelledOrUsed) {
		t.Errorf("double cancel err = %v, want ErrAlreadyCancelledOrUsed", err)
	}

	if stats := f.eng.MakerStats(maker); stats.Cancels != 1 || stats.Fills != 0 {
		t.Errorf("maker stats = %+v, want 1 cancel", stats)
	}
}

func TestEngineCancelWithSignature(t *testing.T) {
	f := newFixture(t)
	maker := f.maker.Address()

	digest, err := crypto.NewOrderHasher(f.eng.hasher.Domain()).HashCancel(&crypto.CancelMessage{
		ID:    big.NewInt(9),
		Maker: maker,
	})
	if err != nil {
		t.Fatalf("hash cancel: %v", err)
	}
	sig, _ := f.maker.Sign(digest)

	if err := f.eng.CancelWithSignature(maker, big.NewInt(9), sig); err != nil {
		t.Fatalf("cancel with signature: %v", err)
	}
	used, _ := f.eng.IsOrderUsed(maker, big.NewInt(9))
	if !used {
		t.Error("order not cancelled")
	}

	// A signature from anyone else is rejected.
	stranger, _ := crypto.GenerateKey()
	badSig, _ := stranger.Sign(digest)
	err = f.eng.CancelWithSignature(maker, big.NewInt(10), badSig)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("stranger cancel err = %v, want ErrBadSignature", err)
	}
}

func TestEngineZeroDestination(t *testing.T) {
	f := newFixture(t)

	order := f.order(1)
	_, _, _, err := f.eng.FillTo(f.request(t, order), common.Address{})
	if !errors.Is(err, ErrZeroDestination) {
		t.Errorf("err = %v, want ErrZeroDestination", err)
	}
}

func TestEngineFillTo(t *testing.T) {
	f := newFixture(t)
	dest := common.HexToAddress("0x000000000000000000000000000000000000d357")

	order := f.order(1)
	if _, _, _, err := f.eng.FillTo(f.request(t, order), dest); err != nil {
		t.Fatalf("fillTo: %v", err)
	}

	// The maker leg lands on the destination, not the taker.
	if got := f.led.BalanceOf(fxTokenA, dest); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("dest TOKA = %s, want 1000", got)
	}
	if got := f.led.BalanceOf(fxTokenA, fxTaker); got.Sign() != 0 {
		t.Errorf("taker TOKA = %s, want 0", got)
	}
	// The taker leg still comes from the taker.
	if got := f.led.BalanceOf(fxTokenB, fxTaker); got.Cmp(big.NewInt(997_000)) != 0 {
		t.Errorf("taker TOKB = %s, want 997000", got)
	}
}

func TestEngineFillCompact(t *testing.T) {
	f := newFixture(t)

	order := f.order(1)
	req := f.request(t, order)
	compact, err := crypto.ToCompact(req.Signature)
	if err != nil {
		t.Fatalf("to compact: %v", err)
	}
	req.Signature = compact

	if _, _, _, err := f.eng.FillCompact(req); err != nil {
		t.Fatalf("compact fill: %v", err)
	}

	// Any other length is rejected up front.
	order = f.order(2)
	req = f.request(t, order)
	_, _, _, err = f.eng.FillCompact(req)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("65-byte compact err = %v, want ErrBadSignature", err)
	}
}

func TestEngineSmartAccountMaker(t *testing.T) {
	f := newFixture(t)

	// The maker is a contract address with no key; its registered account
	// accepts the owner's signatures.
	owner, _ := crypto.GenerateKey()
	contract := common.HexToAddress("0x000000000000000000000000000000000000C0dE")
	f.reg.Register(contract, &crypto.OwnedAccount{Owner: owner.Address()})

	f.led.Mint(fxTokenA, contract, big.NewInt(10_000))
	f.led.Approve(fxTokenA, contract, engAddr, big.NewInt(10_000))

	order := f.order(1)
	order.Maker = contract
	hash, _ := f.eng.OrderHash(&order)
	sig, _ := owner.Sign(hash)

	// Explicit smart-account scheme.
	req := FillRequest{Order: order, Signature: sig, Taker: fxTaker, Scheme: SigSchemeEIP1271}
	if _, _, _, err := f.eng.Fill(req); err != nil {
		t.Fatalf("eip1271 fill: %v", err)
	}

	// Auto falls back to the registry after key recovery mismatches.
	order = f.order(2)
	order.Maker = contract
	hash, _ = f.eng.OrderHash(&order)
	sig, _ = owner.Sign(hash)
	req = FillRequest{Order: order, Signature: sig, Taker: fxTaker}
	if _, _, _, err := f.eng.Fill(req); err != nil {
		t.Fatalf("auto fallback fill: %v", err)
	}

	// Strict mode refuses non-65-byte blobs.
	order = f.order(3)
	order.Maker = contract
	hash, _ = f.eng.OrderHash(&order)
	sig, _ = owner.Sign(hash)
	short, _ := crypto.ToCompact(sig)
	req = FillRequest{Order: order, Signature: short, Taker: fxTaker, Scheme: SigSchemeEIP1271Strict}
	_, _, _, err := f.eng.Fill(req)
	if !errors.Is(err, ErrBadSignature) {
		t.Errorf("strict 64-byte err = %v, want ErrBadSignature", err)
	}
}

func TestEngineConfidenceDecayFill(t *testing.T) {
	f := newFixture(t)
	maker := f.maker.Address()

	exp := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
	makerAmount := new(big.Int).Mul(big.NewInt(100), exp)
	f.led.Mint(fxTokenA, maker, makerAmount)
	f.led.Approve(fxTokenA, maker, engAddr, makerAmount)

	// 50s past the confidence time at 0.1%/s cuts 5%.
	order := f.order(1)
	order.MakerAmount = makerAmount
	order.ConfidenceT = big.NewInt(f.now - 50)
	order.ConfidenceWeight = big.NewInt(1000)
	order.ConfidenceCap = big.NewInt(100_000)

	m, tk, _, err := f.eng.Fill(f.request(t, order))
	if err != nil {
		t.Fatalf("decayed fill: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(95), exp)
	if m.Cmp(want) != 0 {
		t.Errorf("decayed maker = %s, want %s", m, want)
	}
	// The taker side is untouched by decay.
	if tk.Cmp(big.NewInt(3000)) != 0 {
		t.Errorf("taker fill = %s, want 3000", tk)
	}
	if got := f.led.BalanceOf(fxTokenA, fxTaker); got.Cmp(want) != 0 {
		t.Errorf("taker received %s, want %s", got, want)
	}
}

func TestEngineConfidenceCapCeiling(t *testing.T) {
	f := newFixture(t)

	order := f.order(1)
	order.ConfidenceT = big.NewInt(f.now - 50)
	order.ConfidenceWeight = big.NewInt(1000)
	order.ConfidenceCap = big.NewInt(150_000)

	_, _, _, err := f.eng.Fill(f.request(t, order))
	if !errors.Is(err, ErrConfidenceCapExceeded) {
		t.Errorf("err = %v, want ErrConfidenceCapExceeded", err)
	}
}

func TestEngineSettlementTooSmall(t *testing.T) {
	f := newFixture(t)

	order := f.order(1)
	req := f.request(t, order)
	req.Amount = big.NewInt(599)

	_, _, _, err := f.eng.Fill(req)
	if !errors.Is(err, ErrSettlementTooSmall) {
		t.Errorf("err = %v, want ErrSettlementTooSmall", err)
	}
}

func TestEnginePermit2AllowancePath(t *testing.T) {
	f := newFixture(t)
	maker := f.maker.Address()

	f.p2.Approve(maker, fxTokenA, engAddr, big.NewInt(1500))

	order := f.order(1)
	order.UsePermit2 = true
	if _, _, _, err := f.eng.Fill(f.request(t, order)); err != nil {
		t.Fatalf("allowance fill: %v", err)
	}

	if got := f.p2.Allowance(maker, fxTokenA, engAddr); got.Cmp(big.NewInt(500)) != 0 {
		t.Errorf("permit2 allowance = %s, want 500", got)
	}
	if got := f.led.BalanceOf(fxTokenA, fxTaker); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("taker TOKA = %s, want 1000", got)
	}

	// The remaining 500 cannot cover another full quote; the order id stays
	// live after the rejection.
	order = f.order(2)
	order.UsePermit2 = true
	_, _, _, err := f.eng.Fill(f.request(t, order))
	if !errors.Is(err, ErrDirectTransferFailed) {
		t.Errorf("shortfall err = %v, want ErrDirectTransferFailed", err)
	}
	used, _ := f.eng.IsOrderUsed(maker, big.NewInt(2))
	if used {
		t.Error("order consumed by rejected permit2 fill")
	}
}

func TestEnginePermit2SignaturePath(t *testing.T) {
	f := newFixture(t)
	maker := f.maker.Address()

	order := f.order(1)
	order.UsePermit2 = true
	permitSig, err := f.p2.SignPermit(f.maker, SignatureTransfer{
		Token:           fxTokenA,
		Spender:         engAddr,
		PermittedAmount: order.MakerAmount,
		Nonce:           order.ID,
		Deadline:        order.Expiry,
	})
	if err != nil {
		t.Fatalf("sign permit: %v", err)
	}
	order.Permit2Signature = permitSig

	// Partial fill: the permit binds the full quote, the fill moves less.
	req := f.request(t, order)
	req.Amount = big.NewInt(700)

	m, _, _, err := f.eng.Fill(req)
	if err != nil {
		t.Fatalf("signature fill: %v", err)
	}
	if m.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("maker fill = %s, want 700", m)
	}
	if got := f.led.BalanceOf(fxTokenA, fxTaker); got.Cmp(big.NewInt(700)) != 0 {
		t.Errorf("taker TOKA = %s, want 700", got)
	}
	if !f.p2.IsNonceUsed(maker, order.ID) {
		t.Error("permit nonce not consumed")
	}
}

func TestEnginePermit2WitnessPath(t *testing.T) {
	f := newFixture(t)

	order := f.order(1)
	order.UsePermit2 = true
	order.Permit2WitnessType = "bytes32 quoteContext)"
	order.Permit2Witness = [32]byte{0xab, 0xcd}
	permitSig, err := f.p2.SignPermit(f.maker, SignatureTransfer{
		Token:           fxTokenA,
		Spender:         engAddr,
		PermittedAmount: order.MakerAmount,
		Nonce:           order.ID,
		Deadline:        order.Expiry,
		Witness:         order.Permit2Witness,
		WitnessType:     order.Permit2WitnessType,
	})
	if err != nil {
		t.Fatalf("sign witness permit: %v", err)
	}
	order.Permit2Signature = permitSig

	if _, _, _, err := f.eng.Fill(f.request(t, order)); err != nil {
		t.Fatalf("witness fill: %v", err)
	}
	if got := f.led.BalanceOf(fxTokenA, fxTaker); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("taker TOKA = %s, want 1000", got)
	}
}

func TestEngineNativeTakerLeg(t *testing.T) {
	f := newFixture(t)
	maker := f.maker.Address()

	f.led.MintNative(fxTaker, big.NewInt(10_000))

	order := f.order(1)
	order.TakerAsset = fxWNative
	req := f.request(t, order)
	req.NativeValue = big.NewInt(3000)

	if _, _, _, err := f.eng.Fill(req); err != nil {
		t.Fatalf("native fill: %v", err)
	}
	if got := f.led.NativeBalanceOf(fxTaker); got.Cmp(big.NewInt(7000)) != 0 {
		t.Errorf("taker native = %s, want 7000", got)
	}
	if got := f.led.BalanceOf(fxWNative, maker); got.Cmp(big.NewInt(3000)) != 0 {
		t.Errorf("maker wrapped = %s, want 3000", got)
	}

	// Attached value must match the taker fill exactly.
	order = f.order(2)
	order.TakerAsset = fxWNative
	req = f.request(t, order)
	req.NativeValue = big.NewInt(2999)
	_, _, _, err := f.eng.Fill(req)
	if !errors.Is(err, ErrInvalidNativeValue) {
		t.Errorf("mismatched value err = %v, want ErrInvalidNativeValue", err)
	}

	// Attaching native value to a token-denominated taker leg is an error.
	order = f.order(3)
	req = f.request(t, order)
	req.NativeValue = big.NewInt(1)
	_, _, _, err = f.eng.Fill(req)
	if !errors.Is(err, ErrInvalidNativeValue) {
		t.Errorf("stray value err = %v, want ErrInvalidNativeValue", err)
	}
}

func TestEngineUnwrapMakerLeg(t *testing.T) {
	f := newFixture(t)
	maker := f.maker.Address()

	f.led.Mint(fxWNative, maker, big.NewInt(5000))
	f.led.Approve(fxWNative, maker, engAddr, big.NewInt(5000))

	order := f.order(1)
	order.MakerAsset = fxWNative
	req := f.request(t, order)
	req.UnwrapNative = true

	if _, _, _, err := f.eng.Fill(req); err != nil {
		t.Fatalf("unwrap fill: %v", err)
	}

	// The taker receives native value, not the wrapped asset, and nothing
	// sticks to the engine in between.
	if got := f.led.NativeBalanceOf(fxTaker); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("taker native = %s, want 1000", got)
	}
	if got := f.led.BalanceOf(fxWNative, fxTaker); got.Sign() != 0 {
		t.Errorf("taker wrapped = %s, want 0", got)
	}
	if got := f.led.BalanceOf(fxWNative, engAddr); got.Sign() != 0 {
		t.Errorf("engine wrapped = %s, want 0", got)
	}
	if got := f.led.BalanceOf(fxWNative, maker); got.Cmp(big.NewInt(4000)) != 0 {
		t.Errorf("maker wrapped = %s, want 4000", got)
	}

	// The flag is ignored for non-wrapped maker assets.
	order = f.order(2)
	req = f.request(t, order)
	req.UnwrapNative = true
	if _, _, _, err := f.eng.Fill(req); err != nil {
		t.Fatalf("ignored unwrap fill: %v", err)
	}
	if got := f.led.BalanceOf(fxTokenA, fxTaker); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("taker TOKA = %s, want 1000", got)
	}
}

func TestEngineFillWithTakerApproval(t *testing.T) {
	f := newFixture(t)
	fresh := common.HexToAddress("0x000000000000000000000000000000000000F8e5")
	f.led.Mint(fxTokenB, fresh, big.NewInt(10_000))

	order := f.order(1)
	req := f.request(t, order)
	req.Taker = fresh

	if _, _, _, err := f.eng.FillWithTakerApproval(req, big.NewInt(3000)); err != nil {
		t.Fatalf("fill with approval: %v", err)
	}
	if got := f.led.BalanceOf(fxTokenA, fresh); got.Cmp(big.NewInt(1000)) != 0 {
		t.Errorf("taker TOKA = %s, want 1000", got)
	}
	if got := f.led.Allowance(fxTokenB, fresh, engAddr); got.Sign() != 0 {
		t.Errorf("leftover allowance = %s, want 0", got)
	}
}

func TestEngineAtomicRollback(t *testing.T) {
	f := newFixture(t)
	maker := f.maker.Address()
	broke := common.HexToAddress("0x000000000000000000000000000000000000b40e")
	f.led.Approve(fxTokenB, broke, engAddr, big.NewInt(10_000))
	// broke has the allowance but no balance

	order := f.order(1)
	order.UsePermit2 = true
	permitSig, _ := f.p2.SignPermit(f.maker, SignatureTransfer{
		Token:           fxTokenA,
		Spender:         engAddr,
		PermittedAmount: order.MakerAmount,
		Nonce:           order.ID,
		Deadline:        order.Expiry,
	})
	order.Permit2Signature = permitSig

	req := f.request(t, order)
	req.Taker = broke

	_, _, _, err := f.eng.Fill(req)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}

	// The maker leg already applied must be rolled back, the order id
	// released, and the permit nonce left unburned.
	if got := f.led.BalanceOf(fxTokenA, maker); got.Cmp(big.NewInt(1_000_000)) != 0 {
		t.Errorf("maker TOKA = %s, want 1000000 after rollback", got)
	}
	if got := f.led.BalanceOf(fxTokenA, broke); got.Sign() != 0 {
		t.Errorf("taker TOKA = %s, want 0 after rollback", got)
	}
	used, _ := f.eng.IsOrderUsed(maker, big.NewInt(1))
	if used {
		t.Error("order consumed by failed fill")
	}
	if f.p2.IsNonceUsed(maker, big.NewInt(1)) {
		t.Error("permit nonce burned by failed fill")
	}

	// The same order settles cleanly against a funded taker afterward.
	req.Taker = fxTaker
	if _, _, _, err := f.eng.Fill(req); err != nil {
		t.Fatalf("retry fill: %v", err)
	}
}

func TestEngineZeroFillAfterDecay(t *testing.T) {
	f := newFixture(t)

	// Rebuild the engine with the cap ceiling disabled so decay can consume
	// the entire maker amount.
	f.eng = NewEngine(EngineConfig{
		Ledger:              f.led,
		Permit2:             f.p2,
		Invalidator:         NewInvalidator(ledger.NewInvalidatorStore(nil)),
		Hasher:              crypto.NewOrderHasher(f.eng.hasher.Domain()),
		Accounts:            f.reg,
		Address:             engAddr,
		MaxConfidenceCapPpm: -1,
	})
	f.eng.SetNowFunc(func() int64 { return f.now })

	order := f.order(1)
	order.ConfidenceT = big.NewInt(f.now - 10_000)
	order.ConfidenceWeight = big.NewInt(1000)
	order.ConfidenceCap = big.NewInt(1_000_000)

	_, _, _, err := f.eng.Fill(f.request(t, order))
	if !errors.Is(err, ErrZeroAmount) {
		t.Errorf("fully decayed fill err = %v, want ErrZeroAmount", err)
	}
	used, _ := f.eng.IsOrderUsed(f.maker.Address(), big.NewInt(1))
	if used {
		t.Error("order consumed by zero-amount fill")
	}
}
