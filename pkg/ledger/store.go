package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
)

// Store provides Pebble-based persistence for ledger state and replay bitmaps
// Thread-safe: all operations go through the Ledger's mutex
type Store struct {
	db *pebble.DB
}

// Row encodings. Amounts are decimal strings so rows stay readable and
// arbitrary-precision.
type assetRow struct {
	Symbol string `json:"symbol"`
}

type amountRow struct {
	Amount string `json:"amount"`
}

// NewStore opens a Pebble database at the given path
func NewStore(dbPath string) (*Store, error) {
	opts := &pebble.Options{
		Cache:                       pebble.NewCache(64 << 20), // 64MB cache
		MemTableSize:                32 << 20,                  // 32MB memtable
		MaxConcurrentCompactions:    func() int { return 2 },
		L0CompactionThreshold:       2,
		L0StopWritesThreshold:       12,
		LBaseMaxBytes:               64 << 20, // 64MB
		MaxOpenFiles:                1000,
		BytesPerSync:                512 << 10, // 512KB
		DisableAutomaticCompactions: false,
	}

	db, err := pebble.Open(dbPath, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db at %s: %w", dbPath, err)
	}

	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) setJSON(key []byte, row interface{}) error {
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal row: %w", err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save row: %w", err)
	}
	return nil
}

// SaveAsset persists registered asset metadata
func (s *Store) SaveAsset(asset common.Address, symbol string) error {
	return s.setJSON(assetKey(asset), assetRow{Symbol: symbol})
}

// SaveBalance persists one token balance
func (s *Store) SaveBalance(asset, holder common.Address, amount *big.Int) error {
	return s.setJSON(balanceKey(asset, holder), amountRow{Amount: amount.String()})
}

// SaveAllowance persists one allowance
func (s *Store) SaveAllowance(asset, owner, spender common.Address, amount *big.Int) error {
	return s.setJSON(allowanceKey(asset, owner, spender), amountRow{Amount: amount.String()})
}

// SaveNative persists one native balance
func (s *Store) SaveNative(addr common.Address, amount *big.Int) error {
	return s.setJSON(nativeKey(addr), amountRow{Amount: amount.String()})
}

// SaveInvalidatorWord persists one replay-bitmap word
func (s *Store) SaveInvalidatorWord(maker common.Address, slot uint64, word *big.Int) error {
	return s.setJSON(invalidatorKey(maker, slot), amountRow{Amount: word.String()})
}

// LoadInvalidatorWords streams every stored replay-bitmap word of one maker,
// in slot order. Used to warm the per-maker cache on first access.
func (s *Store) LoadInvalidatorWords(maker common.Address, fn func(slot uint64, word *big.Int)) error {
	prefix := invalidatorPrefix(maker)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		slot, err := strconv.ParseUint(string(iter.Key())[len(prefix):], 10, 64)
		if err != nil {
			continue // Skip invalid entries
		}
		if word, ok := parseAmount(iter.Value()); ok {
			fn(slot, word)
		}
	}
	return nil
}

// LoadState walks the full keyspace and replays every row through the
// callbacks. Used once on open to rebuild the in-memory ledger.
func (s *Store) LoadState(
	onAsset func(asset common.Address, symbol string),
	onBalance func(asset, holder common.Address, amount *big.Int),
	onAllowance func(asset, owner, spender common.Address, amount *big.Int),
	onNative func(addr common.Address, amount *big.Int),
) error {
	iter, err := s.db.NewIter(nil)
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		switch {
		case len(key) > len(prefixAsset) && key[:len(prefixAsset)] == prefixAsset:
			var row assetRow
			if err := json.Unmarshal(iter.Value(), &row); err != nil {
				continue // Skip invalid entries
			}
			onAsset(common.HexToAddress(key[len(prefixAsset):]), row.Symbol)

		case len(key) > len(prefixBalance) && key[:len(prefixBalance)] == prefixBalance:
			asset, rest, ok := splitAddr(key[len(prefixBalance):])
			if !ok {
				continue
			}
			holder := common.HexToAddress(rest)
			if amount, ok := parseAmount(iter.Value()); ok {
				onBalance(asset, holder, amount)
			}

		case len(key) > len(prefixAllowance) && key[:len(prefixAllowance)] == prefixAllowance:
			asset, rest, ok := splitAddr(key[len(prefixAllowance):])
			if !ok {
				continue
			}
			owner, rest2, ok := splitAddr(rest)
			if !ok {
				continue
			}
			spender := common.HexToAddress(rest2)
			if amount, ok := parseAmount(iter.Value()); ok {
				onAllowance(asset, owner, spender, amount)
			}

		case len(key) > len(prefixNative) && key[:len(prefixNative)] == prefixNative:
			if amount, ok := parseAmount(iter.Value()); ok {
				onNative(common.HexToAddress(key[len(prefixNative):]), amount)
			}
		}
	}

	return nil
}

// splitAddr cuts "0x...:rest" into the leading address and the remainder.
func splitAddr(s string) (common.Address, string, bool) {
	const addrLen = 42 // "0x" + 40 hex chars
	if len(s) < addrLen+1 || s[addrLen] != ':' {
		return common.Address{}, "", false
	}
	if !common.IsHexAddress(s[:addrLen]) {
		return common.Address{}, "", false
	}
	return common.HexToAddress(s[:addrLen]), s[addrLen+1:], true
}

func parseAmount(data []byte) (*big.Int, bool) {
	var row amountRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, false
	}
	amount, ok := new(big.Int).SetString(row.Amount, 10)
	return amount, ok
}
