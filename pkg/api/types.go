package api

// API request/response types. Engine-side big.Int values travel as decimal
// strings; hashes and bitmap words as 0x-hex.

// ErrorResponse is the uniform error body
type ErrorResponse struct {
	Error   string `json:"error"`             // Short error class
	Message string `json:"message,omitempty"` // Detail, may be empty
}

// DomainInfo describes the EIP-712 domain orders must be signed under
type DomainInfo struct {
	Name              string `json:"name"`
	Version           string `json:"version"`
	ChainID           uint64 `json:"chainId"`
	VerifyingContract string `json:"verifyingContract"`
	Separator         string `json:"separator"` // 0x-hex domain separator hash
}

// FillResponse reports a settled fill
type FillResponse struct {
	Status              string `json:"status"` // "settled"
	OrderID             string `json:"orderId"`
	OrderHash           string `json:"orderHash"`
	RealizedMakerAmount string `json:"realizedMakerAmount"`
	RealizedTakerAmount string `json:"realizedTakerAmount"`
}

// CancelResponse reports a processed cancel
type CancelResponse struct {
	Status  string `json:"status"` // "cancelled"
	OrderID string `json:"orderId"`
}

// InvalidatorSlotInfo is one raw replay-bitmap word
type InvalidatorSlotInfo struct {
	Maker string `json:"maker"`
	Slot  uint64 `json:"slot"`
	Word  string `json:"word"` // 0x-hex 256-bit word
}

// OrderUsedInfo answers the per-order replay query
type OrderUsedInfo struct {
	Maker   string `json:"maker"`
	OrderID string `json:"orderId"`
	Used    bool   `json:"used"`
}

// MakerStatsInfo is the cumulative per-maker settlement activity
type MakerStatsInfo struct {
	Maker   string `json:"maker"`
	Fills   uint64 `json:"fills"`
	Cancels uint64 `json:"cancels"`
}

// BalanceInfo is one asset balance; asset "native" reads the native balance
type BalanceInfo struct {
	Asset   string `json:"asset"`
	Symbol  string `json:"symbol,omitempty"`
	Address string `json:"address"`
	Balance string `json:"balance"`
}

// FaucetRequest mints dev funds; only served when the faucet is enabled
type FaucetRequest struct {
	Asset   string `json:"asset"` // "native" or an asset address
	Address string `json:"address"`
	Amount  string `json:"amount"`
}

// WSSubscribeRequest is the client->server subscription message
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["fills", "cancels", "maker:0xMaker"]
}

// WSEvent wraps one broadcast payload with its channel type
type WSEvent struct {
	Type string      `json:"type"` // "fill" or "cancel"
	Data interface{} `json:"data"`
}
