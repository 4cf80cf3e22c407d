package crypto

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// EIP-55 checksum casing for hex addresses. go-ethereum renders the
// checksummed form but does not expose validation of an incoming mixed-case
// string, so the API layer uses ValidAddressChecksum to reject typo'd
// addresses instead of silently lowercasing them.

// ChecksumAddress renders addr as 0x-prefixed hex with EIP-55 casing.
func ChecksumAddress(addr common.Address) string {
	src := hex.EncodeToString(addr[:])
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(src))
	hash := h.Sum(nil)

	out := []byte("0x" + src)
	for i := 0; i < len(src); i++ {
		c := src[i]
		if c < 'a' {
			continue // digits carry no checksum bit
		}
		nibble := hash[i/2] >> 4
		if i%2 == 1 {
			nibble = hash[i/2] & 0x0f
		}
		if nibble >= 8 {
			out[2+i] = c - ('a' - 'A')
		}
	}
	return string(out)
}

// ValidAddressChecksum reports whether s is a well-formed 0x address whose
// casing, if mixed, matches the EIP-55 checksum. All-lowercase and
// all-uppercase hex carries no checksum and is accepted as-is.
func ValidAddressChecksum(s string) bool {
	if len(s) != 42 || !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return false
	}

	var hasUpper, hasLower bool
	for i := 2; i < len(s); i++ {
		switch c := s[i]; {
		case c >= 'A' && c <= 'F':
			hasUpper = true
		case c >= 'a' && c <= 'f':
			hasLower = true
		}
	}
	if !hasUpper || !hasLower {
		return true
	}
	return ChecksumAddress(common.HexToAddress(s)) == s
}
