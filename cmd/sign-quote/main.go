package main

import (
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/quotelabs/rfqsettle/params"
	"github.com/quotelabs/rfqsettle/pkg/crypto"
	"github.com/quotelabs/rfqsettle/pkg/rfq"
)

func main() {
	cfg := params.Default()

	// Step 1: Generate or load key
	fmt.Println("Generating maker keypair...")
	signer, err := crypto.GenerateKey()
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Address: %s\n", signer.Address().Hex())
	fmt.Printf("Private Key: %s (KEEP SECRET!)\n\n", signer.PrivateKeyHex())

	// Step 2: Create an RFQ order
	order := &rfq.Order{
		ID:               big.NewInt(1),
		Expiry:           big.NewInt(time.Now().Add(10 * time.Minute).Unix()),
		MakerAsset:       common.HexToAddress("0x00000000000000000000000000000000000000A1"),
		TakerAsset:       common.HexToAddress("0x00000000000000000000000000000000000000B2"),
		Maker:            signer.Address(),
		MakerAmount:      big.NewInt(1_000_000),
		TakerAmount:      big.NewInt(2_000_000),
		ConfidenceT:      big.NewInt(0), // no decay
		ConfidenceWeight: big.NewInt(0),
		ConfidenceCap:    big.NewInt(0),
	}

	fmt.Println("Order Details:")
	fmt.Printf("  ID: %s\n", order.ID)
	fmt.Printf("  Maker Asset: %s\n", order.MakerAsset.Hex())
	fmt.Printf("  Taker Asset: %s\n", order.TakerAsset.Hex())
	fmt.Printf("  Maker Amount: %s\n", order.MakerAmount)
	fmt.Printf("  Taker Amount: %s\n", order.TakerAmount)
	fmt.Printf("  Expiry: %s\n", order.Expiry)
	fmt.Printf("  Maker: %s\n\n", order.Maker.Hex())

	// Step 3: Sign with EIP-712
	domain := crypto.EIP712Domain{
		Name:              cfg.Domain.Name,
		Version:           cfg.Domain.Version,
		ChainID:           new(big.Int).SetUint64(cfg.Domain.ChainID),
		VerifyingContract: common.HexToAddress(cfg.Domain.VerifyingContract),
	}
	hasher := crypto.NewOrderHasher(domain)

	payload := rfq.FromOrder(order)
	wireOrder, err := payload.ToOrder()
	if err != nil {
		fmt.Printf("Error round-tripping order: %v\n", err)
		os.Exit(1)
	}

	digest, err := hasher.HashOrder(wireOrder.Message())
	if err != nil {
		fmt.Printf("Error hashing: %v\n", err)
		os.Exit(1)
	}
	signature, err := signer.Sign(digest)
	if err != nil {
		fmt.Printf("Error signing: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Order Hash: 0x%x\n", digest)
	fmt.Printf("Signature: 0x%x\n\n", signature)

	// Step 4: Build the fill submission
	sub := &rfq.Submission{
		Type: rfq.SubmissionTypeFill,
		Fill: &rfq.FillPayload{
			Order:     *payload,
			Signature: fmt.Sprintf("0x%x", signature),
			Taker:     "0x00000000000000000000000000000000000000C3",
		},
	}

	subJSON, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		fmt.Printf("Error marshaling JSON: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Fill Submission (JSON):")
	fmt.Println(string(subJSON))
	fmt.Println()

	// Step 5: Verify the signature
	fmt.Println("Verifying signature...")
	recovered, err := crypto.RecoverAddress(digest, signature)
	if err != nil {
		fmt.Printf("Error verifying: %v\n", err)
		os.Exit(1)
	}

	if recovered != signer.Address() {
		fmt.Println("✗ Signature INVALID")
		os.Exit(1)
	}

	fmt.Println("✓ Signature VALID")
	fmt.Printf("  Signer: %s\n", recovered.Hex())

	// Step 6: Also show the compact form
	compact, err := crypto.ToCompact(signature)
	if err != nil {
		fmt.Printf("Error compacting: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("  Compact (EIP-2098): 0x%x\n\n", compact)

	// Step 7: Show how to submit
	fmt.Println("To settle this order:")
	fmt.Println("  POST http://localhost:8080/api/v1/fills")
	fmt.Println("  Content-Type: application/json")
	fmt.Println("  Body:")
	fmt.Println(string(subJSON))
}
