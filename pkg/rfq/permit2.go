package rfq

import (
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/quotelabs/rfqsettle/pkg/crypto"
	"github.com/quotelabs/rfqsettle/pkg/ledger"
)

// Canonical type strings of the delegated-transfer protocol. The witness
// variant is a stub completed by the order's witness type string, so the
// signed typehash commits to the witness layout as well.
const (
	tokenPermissionsType    = "TokenPermissions(address token,uint256 amount)"
	permitTransferFromType  = "PermitTransferFrom(TokenPermissions permitted,address spender,uint256 nonce,uint256 deadline)" + tokenPermissionsType
	permitWitnessTypePrefix = "PermitWitnessTransferFrom(TokenPermissions permitted,address spender,uint256 nonce,uint256 deadline,"
)

// maxUint160 bounds every amount the delegated service touches; its wire
// format packs amounts into 160 bits.
var maxUint160 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))

// Permit2 is the in-process delegated-transfer service. Makers grant it
// standing allowances or sign one-shot permits; the settlement engine redeems
// either without holding a direct approval itself. One fixed instance exists
// per deployment, pinned by its address and chain id in the signing domain.
type Permit2 struct {
	mu         sync.Mutex
	self       common.Address
	domainSep  []byte
	allowances map[common.Address]map[common.Address]map[common.Address]*big.Int // owner -> token -> spender
	nonces     map[common.Address]map[uint64]*big.Int                            // owner -> wordPos -> bitmap
	accounts   *crypto.SmartAccountRegistry                                      // optional, for contract-wallet permits
	nowFn      func() int64
}

// NewPermit2 creates the service. accounts may be nil when contract-wallet
// permits are not needed.
func NewPermit2(chainID uint64, self common.Address, accounts *crypto.SmartAccountRegistry) *Permit2 {
	return &Permit2{
		self:       self,
		domainSep:  permit2DomainSeparator(chainID, self),
		allowances: make(map[common.Address]map[common.Address]map[common.Address]*big.Int),
		nonces:     make(map[common.Address]map[uint64]*big.Int),
		accounts:   accounts,
		nowFn:      func() int64 { return time.Now().Unix() },
	}
}

// SetNowFunc overrides the clock used for permit deadlines. Tests use this.
func (p *Permit2) SetNowFunc(now func() int64) {
	p.nowFn = now
}

// permit2DomainSeparator builds the service's own EIP-712 domain hash. The
// domain has no version field, matching the canonical deployment.
func permit2DomainSeparator(chainID uint64, self common.Address) []byte {
	typeHash := ethcrypto.Keccak256([]byte("EIP712Domain(string name,uint256 chainId,address verifyingContract)"))
	nameHash := ethcrypto.Keccak256([]byte("Permit2"))
	return ethcrypto.Keccak256(
		typeHash,
		nameHash,
		abiWordUint(new(big.Int).SetUint64(chainID)),
		abiWordAddr(self),
	)
}

func abiWordUint(v *big.Int) []byte {
	word := make([]byte, 32)
	v.FillBytes(word)
	return word
}

func abiWordAddr(addr common.Address) []byte {
	word := make([]byte, 32)
	copy(word[12:], addr.Bytes())
	return word
}

// Address returns the service's fixed address.
func (p *Permit2) Address() common.Address {
	return p.self
}

// Approve sets a standing allowance: spender may move up to amount of owner's
// token through the service. Amounts clamp at the 160-bit ceiling like the
// wire format does.
func (p *Permit2) Approve(owner, token, spender common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return ledger.ErrNegativeAmount
	}
	capped := new(big.Int).Set(amount)
	if capped.Cmp(maxUint160) > 0 {
		capped.Set(maxUint160)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	byToken, ok := p.allowances[owner]
	if !ok {
		byToken = make(map[common.Address]map[common.Address]*big.Int)
		p.allowances[owner] = byToken
	}
	bySpender, ok := byToken[token]
	if !ok {
		bySpender = make(map[common.Address]*big.Int)
		byToken[token] = bySpender
	}
	bySpender[spender] = capped
	return nil
}

// Allowance returns the standing allowance for (owner, token, spender).
func (p *Permit2) Allowance(owner, token, spender common.Address) *big.Int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.allowanceLocked(owner, token, spender))
}

func (p *Permit2) allowanceLocked(owner, token, spender common.Address) *big.Int {
	if byToken, ok := p.allowances[owner]; ok {
		if bySpender, ok := byToken[token]; ok {
			if v, ok := bySpender[spender]; ok {
				return v
			}
		}
	}
	return big.NewInt(0)
}

// IsNonceUsed reports whether owner's unordered nonce has been consumed.
func (p *Permit2) IsNonceUsed(owner common.Address, nonce *big.Int) bool {
	wordPos, bitPos := nonceBitmapPos(nonce)
	p.mu.Lock()
	defer p.mu.Unlock()
	if byWord, ok := p.nonces[owner]; ok {
		if word, ok := byWord[wordPos]; ok {
			return word.Bit(bitPos) == 1
		}
	}
	return false
}

// nonceBitmapPos splits an unordered nonce into its bitmap coordinates.
// Only the low 64 bits select the word.
func nonceBitmapPos(nonce *big.Int) (wordPos uint64, bitPos int) {
	low := nonce.Uint64()
	return low >> 8, int(low & 0xFF)
}

func (p *Permit2) setNonceLocked(owner common.Address, nonce *big.Int) {
	wordPos, bitPos := nonceBitmapPos(nonce)
	byWord, ok := p.nonces[owner]
	if !ok {
		byWord = make(map[uint64]*big.Int)
		p.nonces[owner] = byWord
	}
	word, ok := byWord[wordPos]
	if !ok {
		word = big.NewInt(0)
		byWord[wordPos] = word
	}
	word.SetBit(word, bitPos, 1)
}

// PlanAllowanceTransfer validates a standing-allowance spend and returns the
// ledger movement plus a commit closure that burns the allowance. The closure
// must run only after the ledger accepted the movement, so a failed
// settlement leaves the allowance intact.
func (p *Permit2) PlanAllowanceTransfer(owner, token, to, spender common.Address, amount *big.Int) (ledger.Movement, func(), error) {
	if amount.Cmp(maxUint160) > 0 {
		return ledger.Movement{}, nil, ErrAmountTooLarge
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	allowance := p.allowanceLocked(owner, token, spender)
	if allowance.Cmp(amount) < 0 {
		return ledger.Movement{}, nil, ErrDirectTransferFailed
	}

	mov := ledger.Movement{
		Kind:   ledger.MoveTransfer,
		Asset:  token,
		From:   owner,
		To:     to,
		Amount: new(big.Int).Set(amount),
	}
	commit := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		remaining := new(big.Int).Sub(p.allowanceLocked(owner, token, spender), amount)
		if remaining.Sign() < 0 {
			remaining.SetInt64(0)
		}
		p.allowances[owner][token][spender] = remaining
	}
	return mov, commit, nil
}

// SignatureTransfer is one signed-permit redemption. PermittedAmount is what
// the owner signed over (the full quoted amount); RequestedAmount is what
// actually moves and may be smaller for partial fills.
type SignatureTransfer struct {
	Owner           common.Address
	Token           common.Address
	To              common.Address
	Spender         common.Address // must be the party redeeming the permit
	PermittedAmount *big.Int
	RequestedAmount *big.Int
	Nonce           *big.Int
	Deadline        *big.Int
	Signature       []byte
	Witness         [32]byte // used iff WitnessType != ""
	WitnessType     string
}

// PlanSignatureTransfer validates a signed permit and returns the ledger
// movement plus a commit closure that consumes the nonce. Validation covers
// the 160-bit bounds, requested <= permitted, the deadline, nonce freshness,
// and the owner's signature over the permit digest.
func (p *Permit2) PlanSignatureTransfer(xfer SignatureTransfer) (ledger.Movement, func(), error) {
	if xfer.PermittedAmount.Cmp(maxUint160) > 0 || xfer.RequestedAmount.Cmp(maxUint160) > 0 {
		return ledger.Movement{}, nil, ErrAmountTooLarge
	}
	if xfer.RequestedAmount.Cmp(xfer.PermittedAmount) > 0 {
		return ledger.Movement{}, nil, ErrPermitPayloadMalformed
	}
	if len(xfer.Signature) == 0 || xfer.Deadline == nil {
		return ledger.Movement{}, nil, ErrPermitPayloadMalformed
	}

	// A permit is redeemable through its deadline second, like order expiry.
	if xfer.Deadline.Cmp(big.NewInt(p.nowFn())) < 0 {
		return ledger.Movement{}, nil, ErrPermitExpired
	}

	digest := p.permitDigest(xfer)
	if !p.validSignature(xfer.Owner, digest, xfer.Signature) {
		return ledger.Movement{}, nil, ErrBadSignature
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	wordPos, bitPos := nonceBitmapPos(xfer.Nonce)
	if byWord, ok := p.nonces[xfer.Owner]; ok {
		if word, ok := byWord[wordPos]; ok && word.Bit(bitPos) == 1 {
			return ledger.Movement{}, nil, ErrAlreadyInvalidated
		}
	}

	mov := ledger.Movement{
		Kind:   ledger.MoveTransfer,
		Asset:  xfer.Token,
		From:   xfer.Owner,
		To:     xfer.To,
		Amount: new(big.Int).Set(xfer.RequestedAmount),
	}
	nonce := new(big.Int).Set(xfer.Nonce)
	owner := xfer.Owner
	commit := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.setNonceLocked(owner, nonce)
	}
	return mov, commit, nil
}

// permitDigest builds keccak256(0x1901 || domainSeparator || structHash) for
// the permit, witness-bound when the transfer carries a witness type.
func (p *Permit2) permitDigest(xfer SignatureTransfer) []byte {
	permittedHash := ethcrypto.Keccak256(
		ethcrypto.Keccak256([]byte(tokenPermissionsType)),
		abiWordAddr(xfer.Token),
		abiWordUint(xfer.PermittedAmount),
	)

	var structHash []byte
	if xfer.WitnessType != "" {
		typeHash := ethcrypto.Keccak256([]byte(permitWitnessTypePrefix + xfer.WitnessType))
		structHash = ethcrypto.Keccak256(
			typeHash,
			permittedHash,
			abiWordAddr(xfer.Spender),
			abiWordUint(xfer.Nonce),
			abiWordUint(xfer.Deadline),
			xfer.Witness[:],
		)
	} else {
		typeHash := ethcrypto.Keccak256([]byte(permitTransferFromType))
		structHash = ethcrypto.Keccak256(
			typeHash,
			permittedHash,
			abiWordAddr(xfer.Spender),
			abiWordUint(xfer.Nonce),
			abiWordUint(xfer.Deadline),
		)
	}

	return ethcrypto.Keccak256([]byte("\x19\x01"), p.domainSep, structHash)
}

// SignPermit produces the owner's signature over a permit, for tests and the
// sign-quote walkthrough.
func (p *Permit2) SignPermit(signer *crypto.Signer, xfer SignatureTransfer) ([]byte, error) {
	return signer.Sign(p.permitDigest(xfer))
}

func (p *Permit2) validSignature(owner common.Address, digest []byte, sig []byte) bool {
	if crypto.VerifySignature(owner, digest, sig) {
		return true
	}
	if p.accounts != nil {
		var d [32]byte
		copy(d[:], digest)
		return p.accounts.Validate(owner, d, sig)
	}
	return false
}
