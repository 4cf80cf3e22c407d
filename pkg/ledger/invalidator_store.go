package ledger

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// InvalidatorStore holds per-maker replay-bitmap words: an in-memory cache in
// front of the pebble store, same shape as the balance cache. With a nil
// backing store it is memory only, which is what tests use.
type InvalidatorStore struct {
	mu    sync.Mutex
	cache map[common.Address]map[uint64]*big.Int
	store *Store
}

func NewInvalidatorStore(store *Store) *InvalidatorStore {
	return &InvalidatorStore{
		cache: make(map[common.Address]map[uint64]*big.Int),
		store: store,
	}
}

// Word returns the 256-bit bitmap word for maker at slot. Missing words read
// as zero. A maker's whole bitmap is loaded on first touch; after that every
// read hits the cache.
func (s *InvalidatorStore) Word(maker common.Address, slot uint64) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bySlot, ok := s.cache[maker]
	if !ok {
		bySlot = make(map[uint64]*big.Int)
		if s.store != nil {
			err := s.store.LoadInvalidatorWords(maker, func(slot uint64, word *big.Int) {
				bySlot[slot] = word
			})
			if err != nil {
				return nil, err
			}
		}
		s.cache[maker] = bySlot
	}

	if w, ok := bySlot[slot]; ok {
		return new(big.Int).Set(w), nil
	}
	return big.NewInt(0), nil
}

// SetWord overwrites the bitmap word for maker at slot and persists it.
func (s *InvalidatorStore) SetWord(maker common.Address, slot uint64, word *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cacheWord(maker, slot, new(big.Int).Set(word))
	if s.store != nil {
		return s.store.SaveInvalidatorWord(maker, slot, word)
	}
	return nil
}

func (s *InvalidatorStore) cacheWord(maker common.Address, slot uint64, word *big.Int) {
	bySlot, ok := s.cache[maker]
	if !ok {
		bySlot = make(map[uint64]*big.Int)
		s.cache[maker] = bySlot
	}
	bySlot[slot] = word
}
