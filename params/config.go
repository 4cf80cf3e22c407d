package params

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Protocol constants. These are part of the settlement rules, not tuning knobs:
// changing either one changes which fills are accepted.
const (
	// MinSettlementBps is the minimum fraction of the quoted amounts a partial
	// fill may request, in basis points. Requests below 60% of either side of
	// the quote are rejected before any transfer happens.
	MinSettlementBps = 6000

	// MaxConfidenceCapPpm caps the confidence-decay parameter of an order, in
	// parts per million of the maker amount. Orders with active decay and a cap
	// above 10% are rejected outright.
	MaxConfidenceCapPpm = 100_000

	// DecayDenominatorPpm is the fixed-point denominator for confidence decay.
	DecayDenominatorPpm = 1_000_000
)

// Domain pins the EIP-712 signing domain. Orders signed for one domain do not
// verify under another, which is what prevents cross-chain/cross-deployment
// replay of the same quote.
type Domain struct {
	Name              string
	Version           string
	ChainID           uint64
	VerifyingContract string // 0x-hex address of the settlement engine
}

// Node holds service-level settings for the settled daemon.
type Node struct {
	APIAddr       string
	DBPath        string
	LogFile       string
	WrappedNative string // 0x-hex address of the wrapped-native asset
	EnableFaucet  bool   // dev-only mint endpoint
}

// Protocol carries the tunable settlement knobs. Defaults mirror the protocol
// constants; deployments can tighten or disable them per environment.
type Protocol struct {
	MinSettleBps        int64 // minimum partial-fill ratio, <= 0 disables
	MaxConfidenceCapPpm int64 // decay cap ceiling, <= 0 disables
}

type Config struct {
	Domain   Domain
	Node     Node
	Protocol Protocol
}

func Default() Config {
	return Config{
		Domain: Domain{
			Name:              "QuoteSettle",
			Version:           "1",
			ChainID:           1337, // local devnet
			VerifyingContract: "0x00000000000000000000000000000000000aA11e",
		},
		Node: Node{
			APIAddr:       ":8080",
			DBPath:        "data/settled",
			LogFile:       "data/settled.log",
			WrappedNative: "0x000000000000000000000000000000000000AAb1",
			EnableFaucet:  false,
		},
		Protocol: Protocol{
			MinSettleBps:        MinSettlementBps,
			MaxConfidenceCapPpm: MaxConfidenceCapPpm,
		},
	}
}

// LoadFromEnv loads configuration from .env file (if it exists) and environment
// variables. Priority: ENV > .env file > defaults.
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	if v := os.Getenv("RFQ_DOMAIN_NAME"); v != "" {
		cfg.Domain.Name = v
	}
	if v := os.Getenv("RFQ_DOMAIN_VERSION"); v != "" {
		cfg.Domain.Version = v
	}
	if v := os.Getenv("RFQ_CHAIN_ID"); v != "" {
		if id, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.Domain.ChainID = id
		}
	}
	if v := os.Getenv("RFQ_VERIFYING_CONTRACT"); v != "" {
		cfg.Domain.VerifyingContract = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Node.DBPath = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}
	if v := os.Getenv("WRAPPED_NATIVE"); v != "" {
		cfg.Node.WrappedNative = v
	}
	if v := os.Getenv("ENABLE_FAUCET"); v != "" {
		cfg.Node.EnableFaucet = v == "true"
	}
	if v := os.Getenv("RFQ_MIN_SETTLE_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Protocol.MinSettleBps = n
		}
	}
	if v := os.Getenv("RFQ_MAX_CONFIDENCE_CAP_PPM"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Protocol.MaxConfidenceCapPpm = n
		}
	}

	return cfg
}
