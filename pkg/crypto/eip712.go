package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data
// This prevents replay attacks across different chains/deployments
type EIP712Domain struct {
	Name              string         // Protocol name (e.g., "QuoteSettle")
	Version           string         // Protocol version (e.g., "1")
	ChainID           *big.Int       // Chain ID (1337 for local, 1 for mainnet)
	VerifyingContract common.Address // Settlement engine address
}

// OrderMessage is the RFQ order as the maker signs it.
// Field order matters: it fixes the EIP-712 type string.
type OrderMessage struct {
	ID                *big.Int       // Order id; low bits feed the replay bitmap
	Expiry            *big.Int       // Expiration timestamp (Unix seconds)
	MakerAsset        common.Address // Asset the maker gives
	TakerAsset        common.Address // Asset the maker receives
	Maker             common.Address // Maker address (must match signer)
	MakerAmount       *big.Int       // Quoted maker-side amount
	TakerAmount       *big.Int       // Quoted taker-side amount
	UsePermit2        bool           // Delegated-transfer path toggle
	ConfidenceT       *big.Int       // Decay start timestamp, 0 = no decay
	ConfidenceWeight  *big.Int       // Decay slope, ppm per second
	ConfidenceCap     *big.Int       // Decay ceiling, ppm
	Permit2Signature  []byte         // Inline permit signature, empty for allowance path
	Permit2Witness    [32]byte       // Extra data bound into the permit, zero if unused
	Permit2WitnessTyp string         // Witness type string, "" if unused
}

// CancelMessage is a signed off-engine cancel request for an order id.
type CancelMessage struct {
	ID    *big.Int       // Order id to invalidate
	Maker common.Address // Maker address (must match signer)
}

// OrderHasher computes EIP-712 digests for RFQ orders under a fixed domain
type OrderHasher struct {
	domain EIP712Domain
}

// NewOrderHasher creates a hasher bound to the given domain
func NewOrderHasher(domain EIP712Domain) *OrderHasher {
	return &OrderHasher{domain: domain}
}

func (h *OrderHasher) Domain() EIP712Domain {
	return h.domain
}

func orderTypes() apitypes.Types {
	return apitypes.Types{
		"EIP712Domain": []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		},
		"RFQOrder": []apitypes.Type{
			{Name: "id", Type: "uint256"},
			{Name: "expiry", Type: "uint256"},
			{Name: "makerAsset", Type: "address"},
			{Name: "takerAsset", Type: "address"},
			{Name: "maker", Type: "address"},
			{Name: "makerAmount", Type: "uint256"},
			{Name: "takerAmount", Type: "uint256"},
			{Name: "usePermit2", Type: "bool"},
			{Name: "confidenceT", Type: "uint256"},
			{Name: "confidenceWeight", Type: "uint256"},
			{Name: "confidenceCap", Type: "uint256"},
			{Name: "permit2Signature", Type: "bytes"},
			{Name: "permit2Witness", Type: "bytes32"},
			{Name: "permit2WitnessType", Type: "string"},
		},
	}
}

func (h *OrderHasher) apiDomain() apitypes.TypedDataDomain {
	return apitypes.TypedDataDomain{
		Name:              h.domain.Name,
		Version:           h.domain.Version,
		ChainId:           (*math.HexOrDecimal256)(h.domain.ChainID),
		VerifyingContract: h.domain.VerifyingContract.Hex(),
	}
}

// DomainSeparator returns the 32-byte hash of the EIP712Domain struct
func (h *OrderHasher) DomainSeparator() ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       orderTypes(),
		PrimaryType: "RFQOrder",
		Domain:      h.apiDomain(),
	}
	sep, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	return sep, nil
}

// HashOrder hashes an RFQ order according to EIP-712 spec
// Returns the digest that the maker signs
func (h *OrderHasher) HashOrder(order *OrderMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       orderTypes(),
		PrimaryType: "RFQOrder",
		Domain:      h.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"id":                 order.ID.String(),
			"expiry":             order.Expiry.String(),
			"makerAsset":         order.MakerAsset.Hex(),
			"takerAsset":         order.TakerAsset.Hex(),
			"maker":              order.Maker.Hex(),
			"makerAmount":        order.MakerAmount.String(),
			"takerAmount":        order.TakerAmount.String(),
			"usePermit2":         order.UsePermit2,
			"confidenceT":        order.ConfidenceT.String(),
			"confidenceWeight":   order.ConfidenceWeight.String(),
			"confidenceCap":      order.ConfidenceCap.String(),
			"permit2Signature":   hexutil.Encode(order.Permit2Signature),
			"permit2Witness":     hexutil.Encode(order.Permit2Witness[:]),
			"permit2WitnessType": order.Permit2WitnessTyp,
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	// Final digest: keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	digest := crypto.Keccak256Hash(rawData)

	return digest.Bytes(), nil
}

// HashCancel hashes a signed cancel request according to EIP-712 spec
func (h *OrderHasher) HashCancel(cancel *CancelMessage) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"CancelRFQOrder": []apitypes.Type{
				{Name: "id", Type: "uint256"},
				{Name: "maker", Type: "address"},
			},
		},
		PrimaryType: "CancelRFQOrder",
		Domain:      h.apiDomain(),
		Message: apitypes.TypedDataMessage{
			"id":    cancel.ID.String(),
			"maker": cancel.Maker.Hex(),
		},
	}

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	digest := crypto.Keccak256Hash(rawData)

	return digest.Bytes(), nil
}

// SignOrder signs an order and returns the 65-byte signature
func (h *OrderHasher) SignOrder(signer *Signer, order *OrderMessage) ([]byte, error) {
	hash, err := h.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return signature, nil
}

// VerifyOrderSignature verifies that an order signature was made by the maker
func (h *OrderHasher) VerifyOrderSignature(order *OrderMessage, signature []byte) (bool, error) {
	hash, err := h.HashOrder(order)
	if err != nil {
		return false, fmt.Errorf("failed to hash order: %w", err)
	}
	return VerifySignature(order.Maker, hash, signature), nil
}

// RecoverOrderSigner recovers the address that signed an order
func (h *OrderHasher) RecoverOrderSigner(order *OrderMessage, signature []byte) (common.Address, error) {
	hash, err := h.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}
	return RecoverAddress(hash, signature)
}

// OrderToJSON renders the order as eth_signTypedData_v4 payload JSON
// MetaMask and other wallets consume this format directly
func (h *OrderHasher) OrderToJSON(order *OrderMessage) (string, error) {
	typedData := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": []map[string]string{
				{"name": "name", "type": "string"},
				{"name": "version", "type": "string"},
				{"name": "chainId", "type": "uint256"},
				{"name": "verifyingContract", "type": "address"},
			},
			"RFQOrder": []map[string]string{
				{"name": "id", "type": "uint256"},
				{"name": "expiry", "type": "uint256"},
				{"name": "makerAsset", "type": "address"},
				{"name": "takerAsset", "type": "address"},
				{"name": "maker", "type": "address"},
				{"name": "makerAmount", "type": "uint256"},
				{"name": "takerAmount", "type": "uint256"},
				{"name": "usePermit2", "type": "bool"},
				{"name": "confidenceT", "type": "uint256"},
				{"name": "confidenceWeight", "type": "uint256"},
				{"name": "confidenceCap", "type": "uint256"},
				{"name": "permit2Signature", "type": "bytes"},
				{"name": "permit2Witness", "type": "bytes32"},
				{"name": "permit2WitnessType", "type": "string"},
			},
		},
		"primaryType": "RFQOrder",
		"domain": map[string]interface{}{
			"name":              h.domain.Name,
			"version":           h.domain.Version,
			"chainId":           h.domain.ChainID.String(),
			"verifyingContract": h.domain.VerifyingContract.Hex(),
		},
		"message": map[string]interface{}{
			"id":                 order.ID.String(),
			"expiry":             order.Expiry.String(),
			"makerAsset":         order.MakerAsset.Hex(),
			"takerAsset":         order.TakerAsset.Hex(),
			"maker":              order.Maker.Hex(),
			"makerAmount":        order.MakerAmount.String(),
			"takerAmount":        order.TakerAmount.String(),
			"usePermit2":         order.UsePermit2,
			"confidenceT":        order.ConfidenceT.String(),
			"confidenceWeight":   order.ConfidenceWeight.String(),
			"confidenceCap":      order.ConfidenceCap.String(),
			"permit2Signature":   hexutil.Encode(order.Permit2Signature),
			"permit2Witness":     hexutil.Encode(order.Permit2Witness[:]),
			"permit2WitnessType": order.Permit2WitnessTyp,
		},
	}

	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(jsonBytes), nil
}
