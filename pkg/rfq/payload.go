package rfq

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// SubmissionType represents the type of settlement submission
type SubmissionType string

const (
	SubmissionTypeFill   SubmissionType = "fill"   // Fill a signed order
	SubmissionTypeCancel SubmissionType = "cancel" // Cancel an order id (signed)
)

// Submission is the JSON envelope the API accepts: one fill or one cancel
// plus the relevant signature, everything hex/string encoded so arbitrary
// uint256 values survive the wire.
type Submission struct {
	Type   SubmissionType `json:"type"`
	Fill   *FillPayload   `json:"fill,omitempty"`   // Fill data (if type=fill)
	Cancel *CancelPayload `json:"cancel,omitempty"` // Cancel data (if type=cancel)
}

// OrderPayload is the wire form of an RFQ order. BigInts travel as decimal
// strings, byte fields as 0x-hex.
type OrderPayload struct {
	ID                 string `json:"id"`                           // BigInt as string
	Expiry             string `json:"expiry"`                       // Unix timestamp
	MakerAsset         string `json:"makerAsset"`                   // Ethereum address (0x...)
	TakerAsset         string `json:"takerAsset"`                   // Ethereum address (0x...)
	Maker              string `json:"maker"`                        // Ethereum address (0x...)
	MakerAmount        string `json:"makerAmount"`                  // BigInt as string
	TakerAmount        string `json:"takerAmount"`                  // BigInt as string
	UsePermit2         bool   `json:"usePermit2,omitempty"`         // Delegated maker leg
	ConfidenceT        string `json:"confidenceT,omitempty"`        // Decay start, "0" = off
	ConfidenceWeight   string `json:"confidenceWeight,omitempty"`   // Decay slope, ppm/s
	ConfidenceCap      string `json:"confidenceCap,omitempty"`      // Decay ceiling, ppm
	Permit2Signature   string `json:"permit2Signature,omitempty"`   // 0x-hex, "" = allowance path
	Permit2Witness     string `json:"permit2Witness,omitempty"`     // 0x-hex 32 bytes
	Permit2WitnessType string `json:"permit2WitnessType,omitempty"` // Canonical type string
}

// FillPayload contains one fill request
type FillPayload struct {
	Order         OrderPayload `json:"order"`
	Signature     string       `json:"signature"`               // Maker signature, 0x-hex (64 or 65 bytes)
	Taker         string       `json:"taker"`                   // Ethereum address (0x...)
	Destination   string       `json:"destination,omitempty"`   // Defaults to taker
	Amount        string       `json:"amount,omitempty"`        // "" or "0" = full fill
	AmountIsTaker bool         `json:"amountIsTaker,omitempty"` // Amount denominated in taker asset
	NativeValue   string       `json:"nativeValue,omitempty"`   // Attached native value
	UnwrapNative  bool         `json:"unwrapNative,omitempty"`  // Deliver maker leg as native
	Scheme        string       `json:"scheme,omitempty"`        // auto|eoa|eip1271|eip1271strict
}

// CancelPayload contains one signed cancel request
type CancelPayload struct {
	ID        string `json:"id"`        // BigInt as string
	Maker     string `json:"maker"`     // Ethereum address (0x...)
	Signature string `json:"signature"` // Maker signature over the cancel digest
}

// ToOrder converts the wire form into the engine's Order.
func (p *OrderPayload) ToOrder() (*Order, error) {
	id, err := parseBig("id", p.ID)
	if err != nil {
		return nil, err
	}
	expiry, err := parseBig("expiry", p.Expiry)
	if err != nil {
		return nil, err
	}
	makerAmount, err := parseBig("makerAmount", p.MakerAmount)
	if err != nil {
		return nil, err
	}
	takerAmount, err := parseBig("takerAmount", p.TakerAmount)
	if err != nil {
		return nil, err
	}
	confT, err := parseBig("confidenceT", orDefault(p.ConfidenceT))
	if err != nil {
		return nil, err
	}
	confW, err := parseBig("confidenceWeight", orDefault(p.ConfidenceWeight))
	if err != nil {
		return nil, err
	}
	confC, err := parseBig("confidenceCap", orDefault(p.ConfidenceCap))
	if err != nil {
		return nil, err
	}

	order := &Order{
		ID:                 id,
		Expiry:             expiry,
		MakerAsset:         common.HexToAddress(p.MakerAsset),
		TakerAsset:         common.HexToAddress(p.TakerAsset),
		Maker:              common.HexToAddress(p.Maker),
		MakerAmount:        makerAmount,
		TakerAmount:        takerAmount,
		UsePermit2:         p.UsePermit2,
		ConfidenceT:        confT,
		ConfidenceWeight:   confW,
		ConfidenceCap:      confC,
		Permit2WitnessType: p.Permit2WitnessType,
	}

	if p.Permit2Signature != "" {
		sig, err := hexutil.Decode(p.Permit2Signature)
		if err != nil {
			return nil, fmt.Errorf("invalid permit2Signature: %w", err)
		}
		order.Permit2Signature = sig
	}
	if p.Permit2Witness != "" {
		w, err := hexutil.Decode(p.Permit2Witness)
		if err != nil || len(w) != 32 {
			return nil, fmt.Errorf("invalid permit2Witness: %s", p.Permit2Witness)
		}
		copy(order.Permit2Witness[:], w)
	}

	return order, nil
}

// FromOrder converts an Order back into the wire form.
func FromOrder(order *Order) *OrderPayload {
	n := order.normalized()
	p := &OrderPayload{
		ID:                 n.ID.String(),
		Expiry:             n.Expiry.String(),
		MakerAsset:         n.MakerAsset.Hex(),
		TakerAsset:         n.TakerAsset.Hex(),
		Maker:              n.Maker.Hex(),
		MakerAmount:        n.MakerAmount.String(),
		TakerAmount:        n.TakerAmount.String(),
		UsePermit2:         n.UsePermit2,
		ConfidenceT:        n.ConfidenceT.String(),
		ConfidenceWeight:   n.ConfidenceWeight.String(),
		ConfidenceCap:      n.ConfidenceCap.String(),
		Permit2WitnessType: n.Permit2WitnessType,
	}
	if len(n.Permit2Signature) > 0 {
		p.Permit2Signature = hexutil.Encode(n.Permit2Signature)
	}
	if n.Permit2Witness != ([32]byte{}) {
		p.Permit2Witness = hexutil.Encode(n.Permit2Witness[:])
	}
	return p
}

// ToFillRequest resolves the payload into an engine request plus the explicit
// destination ("" falls back to the taker).
func (p *FillPayload) ToFillRequest() (FillRequest, common.Address, error) {
	order, err := p.Order.ToOrder()
	if err != nil {
		return FillRequest{}, common.Address{}, err
	}

	sig, err := hexutil.Decode(p.Signature)
	if err != nil {
		return FillRequest{}, common.Address{}, fmt.Errorf("invalid signature: %w", err)
	}

	amount := big.NewInt(0)
	if p.Amount != "" {
		amount, err = parseBig("amount", p.Amount)
		if err != nil {
			return FillRequest{}, common.Address{}, err
		}
	}
	native := big.NewInt(0)
	if p.NativeValue != "" {
		native, err = parseBig("nativeValue", p.NativeValue)
		if err != nil {
			return FillRequest{}, common.Address{}, err
		}
	}

	scheme, err := parseScheme(p.Scheme)
	if err != nil {
		return FillRequest{}, common.Address{}, err
	}

	taker := common.HexToAddress(p.Taker)
	dest := taker
	if p.Destination != "" {
		dest = common.HexToAddress(p.Destination)
	}

	return FillRequest{
		Order:         *order,
		Signature:     sig,
		Taker:         taker,
		Amount:        amount,
		AmountIsTaker: p.AmountIsTaker,
		NativeValue:   native,
		UnwrapNative:  p.UnwrapNative,
		Scheme:        scheme,
	}, dest, nil
}

func parseScheme(s string) (SigScheme, error) {
	switch s {
	case "", "auto":
		return SigSchemeAuto, nil
	case "eoa":
		return SigSchemeEOA, nil
	case "eip1271":
		return SigSchemeEIP1271, nil
	case "eip1271strict":
		return SigSchemeEIP1271Strict, nil
	default:
		return 0, fmt.Errorf("unknown signature scheme: %q", s)
	}
}

func parseBig(field, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid %s: %q", field, s)
	}
	return v, nil
}

func orDefault(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// DeserializeSubmission parses JSON bytes into a Submission
func DeserializeSubmission(data []byte) (*Submission, error) {
	var sub Submission
	if err := json.Unmarshal(data, &sub); err != nil {
		return nil, fmt.Errorf("failed to unmarshal submission: %w", err)
	}
	if err := sub.Validate(); err != nil {
		return nil, err
	}
	return &sub, nil
}

// Validate performs basic validation on submission structure
func (s *Submission) Validate() error {
	switch s.Type {
	case SubmissionTypeFill:
		if s.Fill == nil {
			return fmt.Errorf("fill type requires fill payload")
		}
		if s.Fill.Signature == "" {
			return fmt.Errorf("missing maker signature")
		}
		if s.Fill.Taker == "" {
			return fmt.Errorf("missing taker address")
		}
		if s.Fill.Order.Maker == "" {
			return fmt.Errorf("missing order maker")
		}

	case SubmissionTypeCancel:
		if s.Cancel == nil {
			return fmt.Errorf("cancel type requires cancel payload")
		}
		if s.Cancel.ID == "" {
			return fmt.Errorf("missing cancel order id")
		}
		if s.Cancel.Maker == "" {
			return fmt.Errorf("missing cancel maker")
		}
		if s.Cancel.Signature == "" {
			return fmt.Errorf("missing cancel signature")
		}

	case "":
		return fmt.Errorf("missing submission type")
	default:
		return fmt.Errorf("unknown submission type: %s", s.Type)
	}

	return nil
}
