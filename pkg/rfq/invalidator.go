package rfq

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// InvalidatorStore persists 256-bit replay-bitmap words per maker+slot.
// ledger.InvalidatorStore satisfies it; built without a backing store it keeps
// the words in memory, which is what tests use.
type InvalidatorStore interface {
	Word(maker common.Address, slot uint64) (*big.Int, error)
	SetWord(maker common.Address, slot uint64, word *big.Int) error
}

// Invalidator is the per-maker replay guard. Order ids map onto a two-level
// bitmap: the low 64 bits of the id split into a slot (id >> 8) and a bit
// position (id & 0xFF) inside that slot's 256-bit word. One word covers 256
// consecutive ids, so makers issuing sequential ids touch one row per 256
// orders.
type Invalidator struct {
	store InvalidatorStore
}

func NewInvalidator(store InvalidatorStore) *Invalidator {
	return &Invalidator{store: store}
}

// slotBit derives the bitmap coordinates from an order id. Only the low 64
// bits of the id participate; higher bits are free for maker-side tagging.
func slotBit(orderID *big.Int) (slot uint64, bit uint) {
	low := orderID.Uint64() // truncates to the low 64 bits by definition
	return low >> 8, uint(low & 0xFF)
}

// Invalidate marks the order id used. Fails with ErrAlreadyInvalidated if the
// bit was already set; the read-modify-write runs against the store's word.
func (inv *Invalidator) Invalidate(maker common.Address, orderID *big.Int) error {
	slot, bit := slotBit(orderID)
	word, err := inv.store.Word(maker, slot)
	if err != nil {
		return err
	}
	if word.Bit(int(bit)) == 1 {
		return ErrAlreadyInvalidated
	}
	word.SetBit(word, int(bit), 1)
	return inv.store.SetWord(maker, slot, word)
}

// revert clears a bit set earlier in the same settlement. Only the engine
// calls this, and only when a later leg of the same fill failed; outside that
// window a set bit never resets.
func (inv *Invalidator) revert(maker common.Address, orderID *big.Int) error {
	slot, bit := slotBit(orderID)
	word, err := inv.store.Word(maker, slot)
	if err != nil {
		return err
	}
	word.SetBit(word, int(bit), 0)
	return inv.store.SetWord(maker, slot, word)
}

// IsUsed reports whether the order id has been filled or cancelled.
func (inv *Invalidator) IsUsed(maker common.Address, orderID *big.Int) (bool, error) {
	slot, bit := slotBit(orderID)
	word, err := inv.store.Word(maker, slot)
	if err != nil {
		return false, err
	}
	return word.Bit(int(bit)) == 1, nil
}

// SlotWord returns the raw 256-bit word for a maker's slot, for off-process
// monitors that mirror the bitmap.
func (inv *Invalidator) SlotWord(maker common.Address, slot uint64) (*big.Int, error) {
	return inv.store.Word(maker, slot)
}
