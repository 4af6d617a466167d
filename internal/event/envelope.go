package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCommand marks a command rejected before it reaches the ledger.
var ErrInvalidCommand = errors.New("invalid command")

// EventType discriminator for command payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeCreatePosition
	EventTypePeriodPay
	EventTypeImposePenalty
	EventTypePenaltyPay
	EventTypeRefinance
	EventTypeExpandBalanceSheet
	EventTypeForecloseMortgage
	EventTypeRedeemMortgage
	EventTypeClaimRelease
	EventTypeTransferPosition
	EventTypeEnqueuePosition
	EventTypeDequeuePosition
	EventTypeVaultDeposit
	EventTypeRequestWithdrawal
	EventTypeCancelWithdrawal
	EventTypeProcessWithdrawals
	EventTypeLiquidate
	EventTypePriceUpdate
	EventTypeRateUpdate
	EventTypeFundAccount
	EventTypeSetCollateralParams
	EventTypeSetQueueLimits
	EventTypeGrantRole
	EventTypeRevokeRole
)

var eventTypeNames = map[EventType]string{
	EventTypeCreatePosition:      "create_position",
	EventTypePeriodPay:           "period_pay",
	EventTypeImposePenalty:       "impose_penalty",
	EventTypePenaltyPay:          "penalty_pay",
	EventTypeRefinance:           "refinance",
	EventTypeExpandBalanceSheet:  "expand_balance_sheet",
	EventTypeForecloseMortgage:   "foreclose_mortgage",
	EventTypeRedeemMortgage:      "redeem_mortgage",
	EventTypeClaimRelease:        "claim_release",
	EventTypeTransferPosition:    "transfer_position",
	EventTypeEnqueuePosition:     "enqueue_position",
	EventTypeDequeuePosition:     "dequeue_position",
	EventTypeVaultDeposit:        "vault_deposit",
	EventTypeRequestWithdrawal:   "request_withdrawal",
	EventTypeCancelWithdrawal:    "cancel_withdrawal",
	EventTypeProcessWithdrawals:  "process_withdrawals",
	EventTypeLiquidate:           "liquidate",
	EventTypePriceUpdate:         "price_update",
	EventTypeRateUpdate:          "rate_update",
	EventTypeFundAccount:         "fund_account",
	EventTypeSetCollateralParams: "set_collateral_params",
	EventTypeSetQueueLimits:      "set_queue_limits",
	EventTypeGrantRole:           "grant_role",
	EventTypeRevokeRole:          "revoke_role",
}

var eventTypesByName = func() map[string]EventType {
	m := make(map[string]EventType, len(eventTypeNames))
	for t, name := range eventTypeNames {
		m[name] = t
	}
	return m
}()

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "unknown"
}

// ParseEventType maps a wire name such as "period_pay" to its type.
func ParseEventType(name string) (EventType, error) {
	if t, ok := eventTypesByName[name]; ok {
		return t, nil
	}
	return EventTypeUnknown, fmt.Errorf("%w: unknown type %q", ErrInvalidCommand, name)
}

// Types lists every known command type in declaration order.
func Types() []EventType {
	out := make([]EventType, 0, len(eventTypeNames))
	for t := EventTypeCreatePosition; t <= EventTypeRevokeRole; t++ {
		out = append(out, t)
	}
	return out
}

// EventEnvelope wraps every applied command in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	EventType EventType

	// Sequencing partition, e.g. "account:<id>" or "price:BTC"
	Partition string

	Actor uuid.UUID

	// Versioned input timestamp (NOT wall-clock)
	Timestamp time.Time

	// Upstream sequence for ordering validation
	SourceSequence int64

	// JSON-encoded command
	Payload []byte

	// JSON-encoded handler outcome, e.g. a request index or a batch result
	Result []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface every command implements
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	EventType() EventType

	// Partition names the source-sequence stream the command belongs to
	Partition() string

	// SourceSequence returns upstream ordering key
	SourceSequence() int64

	// Time is the versioned command time. The core never reads the clock.
	Time() time.Time

	// Caller is the account the command acts for
	Caller() uuid.UUID

	// Validate checks the command in isolation
	Validate() error
}

// Meta is the header shared by every command. It is embedded, so its fields
// sit at the top level of the JSON form.
type Meta struct {
	CommandID   uuid.UUID `json:"command_id"`
	Actor       uuid.UUID `json:"actor"`
	Sequence    int64     `json:"sequence"`
	TimestampUs int64     `json:"timestamp_us"`
}

func (m *Meta) IdempotencyKey() string {
	return m.CommandID.String()
}

func (m *Meta) Partition() string {
	return "account:" + m.Actor.String()
}

func (m *Meta) SourceSequence() int64 {
	return m.Sequence
}

func (m *Meta) Time() time.Time {
	return time.UnixMicro(m.TimestampUs).UTC()
}

func (m *Meta) Caller() uuid.UUID {
	return m.Actor
}

func (m *Meta) validateMeta() error {
	switch {
	case m.CommandID == uuid.Nil:
		return fmt.Errorf("%w: command_id is required", ErrInvalidCommand)
	case m.Actor == uuid.Nil:
		return fmt.Errorf("%w: actor is required", ErrInvalidCommand)
	case m.TimestampUs <= 0:
		return fmt.Errorf("%w: timestamp_us must be positive", ErrInvalidCommand)
	case m.Sequence < 0:
		return fmt.Errorf("%w: sequence must not be negative", ErrInvalidCommand)
	}
	return nil
}

// New returns an empty command of type t, ready to be decoded into.
func New(t EventType) (Event, error) {
	switch t {
	case EventTypeCreatePosition:
		return &CreatePosition{}, nil
	case EventTypePeriodPay:
		return &PeriodPay{}, nil
	case EventTypeImposePenalty:
		return &ImposePenalty{}, nil
	case EventTypePenaltyPay:
		return &PenaltyPay{}, nil
	case EventTypeRefinance:
		return &Refinance{}, nil
	case EventTypeExpandBalanceSheet:
		return &ExpandBalanceSheet{}, nil
	case EventTypeForecloseMortgage:
		return &ForecloseMortgage{}, nil
	case EventTypeRedeemMortgage:
		return &RedeemMortgage{}, nil
	case EventTypeClaimRelease:
		return &ClaimRelease{}, nil
	case EventTypeTransferPosition:
		return &TransferPosition{}, nil
	case EventTypeEnqueuePosition:
		return &EnqueuePosition{}, nil
	case EventTypeDequeuePosition:
		return &DequeuePosition{}, nil
	case EventTypeVaultDeposit:
		return &VaultDeposit{}, nil
	case EventTypeRequestWithdrawal:
		return &RequestWithdrawal{}, nil
	case EventTypeCancelWithdrawal:
		return &CancelWithdrawal{}, nil
	case EventTypeProcessWithdrawals:
		return &ProcessWithdrawals{}, nil
	case EventTypeLiquidate:
		return &Liquidate{}, nil
	case EventTypePriceUpdate:
		return &PriceUpdate{}, nil
	case EventTypeRateUpdate:
		return &RateUpdate{}, nil
	case EventTypeFundAccount:
		return &FundAccount{}, nil
	case EventTypeSetCollateralParams:
		return &SetCollateralParams{}, nil
	case EventTypeSetQueueLimits:
		return &SetQueueLimits{}, nil
	case EventTypeGrantRole:
		return &GrantRole{}, nil
	case EventTypeRevokeRole:
		return &RevokeRole{}, nil
	}
	return nil, fmt.Errorf("%w: unsupported type %d", ErrInvalidCommand, t)
}

// Decode builds a validated command of type t from its JSON form.
func Decode(t EventType, data []byte) (Event, error) {
	evt, err := New(t)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, evt); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidCommand, t, err)
	}
	if err := evt.Validate(); err != nil {
		return nil, err
	}
	return evt, nil
}

func requireID(name string, id uuid.UUID) error {
	if id == uuid.Nil {
		return fmt.Errorf("%w: %s is required", ErrInvalidCommand, name)
	}
	return nil
}

func requirePositive(name string, v int64) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidCommand, name)
	}
	return nil
}

func requireNonEmpty(name, v string) error {
	if v == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidCommand, name)
	}
	return nil
}

// firstErr returns the first non-nil error.
func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
