package crypto

import (
	"bytes"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ERC1271Magic is the return value a smart account yields for a valid
// signature, per EIP-1271 (bytes4(keccak256("isValidSignature(bytes32,bytes)"))).
var ERC1271Magic = [4]byte{0x16, 0x26, 0xba, 0x7e}

// SmartAccount is a contract wallet that validates signatures itself.
// Any return other than the magic value means invalid.
type SmartAccount interface {
	IsValidSignature(digest [32]byte, signature []byte) ([4]byte, error)
}

// SmartAccountRegistry maps addresses to in-process smart accounts.
// The settlement engine consults it when plain recovery fails or when the
// taker explicitly requests contract validation.
type SmartAccountRegistry struct {
	mu       sync.RWMutex
	accounts map[common.Address]SmartAccount
}

func NewSmartAccountRegistry() *SmartAccountRegistry {
	return &SmartAccountRegistry{
		accounts: make(map[common.Address]SmartAccount),
	}
}

func (r *SmartAccountRegistry) Register(addr common.Address, account SmartAccount) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[addr] = account
}

func (r *SmartAccountRegistry) Lookup(addr common.Address) (SmartAccount, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	account, ok := r.accounts[addr]
	return account, ok
}

// Validate runs the EIP-1271 check for addr. Returns false if no account is
// registered there, the account errors, or the magic value does not come back.
func (r *SmartAccountRegistry) Validate(addr common.Address, digest [32]byte, signature []byte) bool {
	account, ok := r.Lookup(addr)
	if !ok {
		return false
	}
	magic, err := account.IsValidSignature(digest, signature)
	if err != nil {
		return false
	}
	return magic == ERC1271Magic
}

// OwnedAccount is the reference smart account: it accepts exactly the
// signatures its owner key would produce over the same digest.
type OwnedAccount struct {
	Owner common.Address
}

func (a *OwnedAccount) IsValidSignature(digest [32]byte, signature []byte) ([4]byte, error) {
	if VerifySignature(a.Owner, digest[:], signature) {
		return ERC1271Magic, nil
	}
	return [4]byte{}, nil
}

// StaticAccount approves one pre-agreed signature blob regardless of signer.
// Models wallets that authorize via stored approvals rather than ECDSA.
type StaticAccount struct {
	Approved []byte
}

func (a *StaticAccount) IsValidSignature(digest [32]byte, signature []byte) ([4]byte, error) {
	if len(a.Approved) > 0 && bytes.Equal(a.Approved, signature) {
		return ERC1271Magic, nil
	}
	return [4]byte{}, nil
}
