package botlib

import (
	"time"

	"github.com/shopspring/decimal"
)

// NetworkType distinguishes exchange sandbox/demo trading from real funds.
type NetworkType string

const (
	NetworkTestnet NetworkType = "TESTNET"
	NetworkMainnet NetworkType = "MAINNET"
)

// TradingType distinguishes spot from futures bots.
type TradingType string

const (
	TradingSpot    TradingType = "SPOT"
	TradingFutures TradingType = "FUTURES"
)

// BotStatus is the marketplace-approval lifecycle of a Bot.
type BotStatus string

const (
	BotPending  BotStatus = "PENDING"
	BotApproved BotStatus = "APPROVED"
	BotRejected BotStatus = "REJECTED"
	BotArchived BotStatus = "ARCHIVED"
)

// SubscriptionStatus is the lifecycle of a Subscription (spec §3).
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "ACTIVE"
	SubscriptionPaused    SubscriptionStatus = "PAUSED"
	SubscriptionCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionExpired   SubscriptionStatus = "EXPIRED"
	SubscriptionError     SubscriptionStatus = "ERROR"
)

// Side is the direction of an order or trade.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide distinguishes long from short on futures.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// TradeStatus tracks whether a persisted Trade row is still live.
type TradeStatus string

const (
	TradeOpen   TradeStatus = "OPEN"
	TradeClosed TradeStatus = "CLOSED"
)

// ExitReason classifies how a position was closed (spec §4.G).
type ExitReason string

const (
	ExitTakeProfit ExitReason = "TP_HIT"
	ExitStopLoss   ExitReason = "SL_HIT"
	ExitManual     ExitReason = "MANUAL"
	ExitLiquidation ExitReason = "LIQUIDATION"
	ExitUnknown    ExitReason = "UNKNOWN"
)

// ActionKind is the decision a strategy returns from one execution cycle.
type ActionKind string

const (
	ActionBuy  ActionKind = "BUY"
	ActionSell ActionKind = "SELL"
	ActionHold ActionKind = "HOLD"
)

// LogAction is the set of values an ActionLog row may record — it extends
// ActionKind with the two observability-only values ERROR and INFO.
type LogAction string

const (
	LogActionBuy   LogAction = "BUY"
	LogActionSell  LogAction = "SELL"
	LogActionHold  LogAction = "HOLD"
	LogActionError LogAction = "ERROR"
	LogActionInfo  LogAction = "INFO"
)

// CredentialType distinguishes developer-testing credentials from
// marketplace-principal and end-user credentials, used by the precedence
// chain in spec §4.E step 2 / §4.G step 1.
type CredentialType string

const (
	CredentialDeveloperTesting CredentialType = "DEVELOPER_TESTING"
	CredentialMarketplace      CredentialType = "MARKETPLACE_PRINCIPAL"
	CredentialUser             CredentialType = "USER"
)

// User is an account identity owning Subscriptions, ExchangeCredentials and
// (if a developer) Bots.
type User struct {
	ID                int64
	ExternalPrincipal string
	IsActive          bool
	CreatedAt         time.Time
}

// Bot is a developer's strategy definition.
type Bot struct {
	ID            int64
	DeveloperID   int64
	Name          string
	Version       string
	ObjectKey     string
	ExchangeType  string
	TradingType   TradingType
	Status        BotStatus
	CreatedAt     time.Time
}

// BotFile records one versioned artifact of a Bot's code in the object
// store, with the hash the loader must verify on fetch (spec §3, §4.D).
type BotFile struct {
	BotID     int64
	Version   string
	FileType  string
	ObjectKey string
	SHA256    string
	SizeBytes int64
}

// ExchangeCredentials is a decrypted API key/secret/(passphrase) for a user,
// scoped by (user, exchange, network). The engine never receives the
// encrypted form — decryption happens in the (out-of-scope) credential
// store before this struct is constructed.
type ExchangeCredentials struct {
	OwnerUserID int64
	Exchange    string
	Network     NetworkType
	Type        CredentialType
	APIKey      string
	APISecret   string
	Passphrase  string
	IsActive    bool
}

// Subscription is one running instance of a Bot for a User (spec §3).
type Subscription struct {
	ID              int64
	UserID          int64
	InstanceName    string
	BotID           int64
	PinnedVersion   string // empty => latest approved version
	ExchangeType    string
	TradingPair     string
	Timeframes      []string // ordered, primary first
	StrategyConfig  map[string]interface{}
	ExecutionConfig ExecutionConfig
	RiskConfig      RiskConfig
	NetworkType     NetworkType
	IsTrial         bool
	TrialExpiresAt  *time.Time
	StartedAt       time.Time
	ExpiresAt       *time.Time
	LastRunAt       *time.Time
	NextRunAt       *time.Time
	Status          SubscriptionStatus
	ConsecutiveFails int
}

// ExecutionConfig is the subscription's opaque buy/sell sizing configuration.
type ExecutionConfig struct {
	BaseSizePct       float64
	MaxSizePct        float64
	MaxPortfolioPct   float64
	SizingMethod      string // not read: capital.Manager.Recommend always combines all methods
	UseLLM            bool
}

// RiskConfig carries SL/TP/leverage overrides for a subscription.
type RiskConfig struct {
	Leverage        int32
	StopLossPct     float64
	TakeProfitPct   float64
	MinSLDistancePct float64 // default 0.1%
	MinTPDistancePct float64 // default 0.2%
}

// Trade is a persisted record of one opened position, from entry to
// closure (spec §3).
type Trade struct {
	ID                   int64
	SubscriptionID       int64
	Symbol               string
	Side                 Side
	PositionSide         PositionSide
	Quantity             decimal.Decimal
	EntryPrice           decimal.Decimal
	EntryTime            time.Time
	Leverage             int32
	StopLoss             decimal.Decimal
	TakeProfit           decimal.Decimal
	EntryOrderID         string
	StopLossOrderID      string
	TakeProfitOrderIDs   []string
	Status               TradeStatus
	ExitPrice            decimal.Decimal
	ExitTime             *time.Time
	ExitReason           ExitReason
	RealizedPnL          decimal.Decimal
	UnrealizedPnL        decimal.Decimal
	LastUpdatedPrice     decimal.Decimal
	PnLPercentage        decimal.Decimal
	FeesPaid             decimal.Decimal
	TradeDurationMinutes float64
	IsWinning            bool
}

// ActionLog is an append-only audit row (spec §3).
type ActionLog struct {
	ID             int64
	SubscriptionID int64
	Timestamp      time.Time
	Action         LogAction
	Description    string
}

// Action is a strategy's output for one execution cycle (spec §4.D, GLOSSARY).
type Action struct {
	Kind           ActionKind
	Confidence     float64 // value in [0,1]
	Reason         string
	Recommendation *Recommendation
}

// Recommendation is the LLM's (or a strategy's own) structured trade plan.
type Recommendation struct {
	EntryPrice *decimal.Decimal
	TakeProfit *decimal.Decimal
	StopLoss   *decimal.Decimal
	Strategy   string
	RiskReward string
	Reasoning  string
}

// Candle is one OHLCV bar, exchange-agnostic.
type Candle struct {
	OpenTime time.Time
	Open     decimal.Decimal
	High     decimal.Decimal
	Low      decimal.Decimal
	Close    decimal.Decimal
	Volume   decimal.Decimal
}
