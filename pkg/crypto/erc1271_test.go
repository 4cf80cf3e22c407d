package crypto

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestOwnedAccountValidation(t *testing.T) {
	owner, _ := GenerateKey()
	walletAddr := common.HexToAddress("0x00000000000000000000000000000000000000AA")

	registry := NewSmartAccountRegistry()
	registry.Register(walletAddr, &OwnedAccount{Owner: owner.Address()})

	var digest [32]byte
	copy(digest[:], eth_crypto.Keccak256([]byte("wallet digest")))

	sig, _ := owner.Sign(digest[:])
	if !registry.Validate(walletAddr, digest, sig) {
		t.Error("owner signature rejected by owned account")
	}

	stranger, _ := GenerateKey()
	badSig, _ := stranger.Sign(digest[:])
	if registry.Validate(walletAddr, digest, badSig) {
		t.Error("stranger signature accepted by owned account")
	}
}

func TestRegistryUnknownAddress(t *testing.T) {
	registry := NewSmartAccountRegistry()

	var digest [32]byte
	if registry.Validate(common.HexToAddress("0x01"), digest, []byte{1, 2, 3}) {
		t.Error("unregistered address validated")
	}
}

func TestStaticAccount(t *testing.T) {
	walletAddr := common.HexToAddress("0x00000000000000000000000000000000000000BB")
	approved := []byte("pre-approved-blob")

	registry := NewSmartAccountRegistry()
	registry.Register(walletAddr, &StaticAccount{Approved: approved})

	var digest [32]byte
	if !registry.Validate(walletAddr, digest, approved) {
		t.Error("approved blob rejected")
	}
	if registry.Validate(walletAddr, digest, []byte("other")) {
		t.Error("unapproved blob accepted")
	}

	// An empty approval list never validates, even against empty input
	registry.Register(walletAddr, &StaticAccount{})
	if registry.Validate(walletAddr, digest, []byte{}) {
		t.Error("empty approval accepted empty signature")
	}
}
