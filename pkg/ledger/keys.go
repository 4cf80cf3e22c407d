package ledger

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// Pebble key schema for the token ledger
// Design principles:
// 1. Prefix-based for range scans (load whole state on open)
// 2. Address hex in keys for readable debugging
// 3. Invalidator words keyed per maker+slot for point lookups

// Key prefixes
const (
	prefixAsset       = "ast:" // Registered asset metadata
	prefixBalance     = "bal:" // Token balance per asset+holder
	prefixAllowance   = "alw:" // Allowance per asset+owner+spender
	prefixNative      = "ntv:" // Native balance per address
	prefixInvalidator = "inv:" // Replay-bitmap word per maker+slot
)

// assetKey returns the key for a registered asset
// Format: "ast:{asset}"
func assetKey(asset common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixAsset, asset.Hex()))
}

// balanceKey returns the key for a token balance
// Format: "bal:{asset}:{holder}"
func balanceKey(asset, holder common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s", prefixBalance, asset.Hex(), holder.Hex()))
}

// allowanceKey returns the key for an allowance
// Format: "alw:{asset}:{owner}:{spender}"
func allowanceKey(asset, owner, spender common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:%s:%s", prefixAllowance, asset.Hex(), owner.Hex(), spender.Hex()))
}

// nativeKey returns the key for a native balance
// Format: "ntv:{address}"
func nativeKey(addr common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s", prefixNative, addr.Hex()))
}

// invalidatorKey returns the key for one replay-bitmap word
// Format: "inv:{maker}:{slot}"
// Note: Slot is zero-padded (20 digits) for lexicographic sorting
func invalidatorKey(maker common.Address, slot uint64) []byte {
	return []byte(fmt.Sprintf("%s%s:%020d", prefixInvalidator, maker.Hex(), slot))
}

// invalidatorPrefix returns the prefix for all bitmap words of a maker
// Format: "inv:{maker}:"
func invalidatorPrefix(maker common.Address) []byte {
	return []byte(fmt.Sprintf("%s%s:", prefixInvalidator, maker.Hex()))
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
// Example: prefix "bal:0x123:" -> upper bound "bal:0x123;" (next byte after ':')
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}
