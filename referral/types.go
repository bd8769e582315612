/*
Package referral implements the multi-level commission engine.

PURPOSE:

	When an account earns (video-watch completion, top-up, a referred signup
	turning active), commissions fan out to up to three upstream referrers:
	level A (direct), level B, level C. Each level has its own configurable
	rate, split into two tables - referral rewards and management bonuses -
	selected by the event type.

KEY CONCEPTS IN THIS FILE (types.go):
  - Event: The triggering earning event
  - Level: A, B, C positions in the upstream chain
  - Edge: A resolved (level, referrer) link
  - RateTable / Rates: The per-event-type commission configuration

ELIGIBILITY:

	A referrer earns only if their account is ACTIVE at commission time. This
	is evaluated when posting, not when the referral edge was created.

SEE ALSO:
  - engine.go: Chain resolution and fan-out posting
*/
package referral

import (
	"github.com/shopspring/decimal"

	"github.com/clipearn/ledger-engine/ledger"
)

// =============================================================================
// EVENTS
// =============================================================================

type EventType string

const (
	// EventTaskIncome fires when a user finishes watching a video.
	EventTaskIncome EventType = "task_income"
	// EventTopup fires when a user tops up a deposit.
	EventTopup EventType = "topup"
	// EventSignupActivation fires when a referred signup reaches active
	// status. No self-credit; only the chain earns.
	EventSignupActivation EventType = "signup_activation"
)

// Event is a qualifying earning event on one account.
type Event struct {
	ID         string // stable idempotency root; retried events are no-ops
	AccountID  ledger.AccountID
	Type       EventType
	BaseAmount ledger.Amount
}

// selfCreditType maps event types to the entry the earner receives, if any.
func selfCreditType(t EventType) (ledger.EntryType, bool) {
	switch t {
	case EventTaskIncome:
		return ledger.EntryTaskIncome, true
	case EventTopup:
		return ledger.EntryTopupBonus, true
	default:
		return "", false
	}
}

// =============================================================================
// CHAIN
// =============================================================================

type Level string

const (
	LevelA Level = "A" // direct referrer
	LevelB Level = "B"
	LevelC Level = "C"
)

var Levels = []Level{LevelA, LevelB, LevelC}

// Edge is one resolved link in the upstream chain.
type Edge struct {
	Level      Level
	ReferrerID ledger.AccountID
}

// =============================================================================
// RATE TABLES
// =============================================================================

// Table selects which commission table a posting draws from.
type Table string

const (
	TableReferral   Table = "referral"
	TableManagement Table = "management"
)

// RateTable holds per-level rates as fractions of the base amount.
// A zero rate means the level earns nothing from this table.
type RateTable struct {
	A decimal.Decimal
	B decimal.Decimal
	C decimal.Decimal
}

func (t RateTable) Rate(l Level) decimal.Decimal {
	switch l {
	case LevelA:
		return t.A
	case LevelB:
		return t.B
	default:
		return t.C
	}
}

// Rates is the full commission configuration: one referral table and one
// management table per event type.
type Rates struct {
	Referral   map[EventType]RateTable
	Management map[EventType]RateTable
}

// entryTypeFor maps (table, level) to the ledger entry type posted.
func entryTypeFor(table Table, l Level) ledger.EntryType {
	if table == TableManagement {
		switch l {
		case LevelA:
			return ledger.EntryManagementBonusA
		case LevelB:
			return ledger.EntryManagementBonusB
		default:
			return ledger.EntryManagementBonusC
		}
	}
	switch l {
	case LevelA:
		return ledger.EntryReferralRewardA
	case LevelB:
		return ledger.EntryReferralRewardB
	default:
		return ledger.EntryReferralRewardC
	}
}
