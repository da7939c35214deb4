// Package catalog holds the fixed registry of TileMUD error definitions. Every error surfaced to a client references a
// definition by its stable reason key; the numeric code exists for tooling and log correlation.
package catalog

import (
	"fmt"
	"sort"
)

// Category classifies an error definition for retry and mapping decisions.
type Category string

const (
	CategoryValidation Category = "validation"
	CategoryConflict   Category = "conflict"
	CategoryCapacity   Category = "capacity"
	CategoryState      Category = "state"
	CategoryRateLimit  Category = "rate_limit"
	CategorySecurity   Category = "security"
	CategoryInternal   Category = "internal"
)

// WireCategory is the category set used by event.error envelopes.
type WireCategory string

const (
	WireConsistency WireCategory = "CONSISTENCY"
	WireRateLimit   WireCategory = "RATE_LIMIT"
	WireAuth        WireCategory = "AUTH"
	WireValidation  WireCategory = "VALIDATION"
	WireSystem      WireCategory = "SYSTEM"
)

// Definition is a single immutable catalog entry.
type Definition struct {
	NumericCode  string   `json:"numericCode"`
	Reason       string   `json:"reason"`
	Category     Category `json:"category"`
	Retryable    bool     `json:"retryable"`
	HumanMessage string   `json:"humanMessage"`
}

// Reason keys for every registered definition.
const (
	ReasonInvalidTilePlacement      = "invalid_tile_placement"
	ReasonPrecedenceConflict        = "precedence_conflict"
	ReasonInstanceCapacityExceeded  = "instance_capacity_exceeded"
	ReasonInstanceTerminated        = "instance_terminated"
	ReasonGracePeriodExpired        = "grace_period_expired"
	ReasonRateLimitExceeded         = "rate_limit_exceeded"
	ReasonCrossInstanceAction       = "cross_instance_action"
	ReasonUnauthorizedPrivateMsg    = "unauthorized_private_message"
	ReasonRetentionExpired          = "retention_expired"
	ReasonInternalError             = "internal_error"
	ReasonDatabaseUnavailable       = "database_unavailable"
	ReasonReconnectTokenInvalid     = "reconnect_token_invalid"
	ReasonSessionNotFoundReconnect  = "session_not_found_for_reconnect"
	ReasonAuthorizationTokenMissing = "authorization_token_missing"
	ReasonAuthorizationTokenInvalid = "authorization_token_invalid"
	ReasonAuthTokenInvalidFormat    = "authorization_token_invalid_format"
	ReasonAuthorizationTokenEmpty   = "authorization_token_empty"
	ReasonQueueFull                 = "queue_full"
	ReasonDuplicateAction           = "duplicate_action"
)

var definitions = []Definition{
	{NumericCode: "E1001", Reason: ReasonInvalidTilePlacement, Category: CategoryValidation, Retryable: false, HumanMessage: "The tile placement is not valid at the target position."},
	{NumericCode: "E1002", Reason: ReasonPrecedenceConflict, Category: CategoryConflict, Retryable: true, HumanMessage: "Another action took precedence over this one."},
	{NumericCode: "E1003", Reason: ReasonInstanceCapacityExceeded, Category: CategoryCapacity, Retryable: true, HumanMessage: "The instance is at capacity."},
	{NumericCode: "E1004", Reason: ReasonInstanceTerminated, Category: CategoryState, Retryable: false, HumanMessage: "The instance has been terminated."},
	{NumericCode: "E1005", Reason: ReasonGracePeriodExpired, Category: CategoryState, Retryable: false, HumanMessage: "The reconnect grace period has expired."},
	{NumericCode: "E1006", Reason: ReasonRateLimitExceeded, Category: CategoryRateLimit, Retryable: true, HumanMessage: "Too many requests on this channel."},
	{NumericCode: "E1007", Reason: ReasonCrossInstanceAction, Category: CategoryValidation, Retryable: false, HumanMessage: "The action targets a different instance."},
	{NumericCode: "E1008", Reason: ReasonUnauthorizedPrivateMsg, Category: CategorySecurity, Retryable: false, HumanMessage: "You are not allowed to message this player."},
	{NumericCode: "E1009", Reason: ReasonRetentionExpired, Category: CategoryState, Retryable: false, HumanMessage: "The requested data is past its retention window."},
	{NumericCode: "E1010", Reason: ReasonInternalError, Category: CategoryInternal, Retryable: true, HumanMessage: "An internal error occurred."},
	{NumericCode: "E1011", Reason: ReasonDatabaseUnavailable, Category: CategoryInternal, Retryable: true, HumanMessage: "The data store is temporarily unavailable."},
	{NumericCode: "E1012", Reason: ReasonReconnectTokenInvalid, Category: CategorySecurity, Retryable: false, HumanMessage: "The reconnect token is invalid or has expired."},
	{NumericCode: "E1013", Reason: ReasonSessionNotFoundReconnect, Category: CategoryState, Retryable: false, HumanMessage: "No session exists for this reconnect token."},
	{NumericCode: "E1014", Reason: ReasonAuthorizationTokenMissing, Category: CategorySecurity, Retryable: false, HumanMessage: "Authorization token is missing."},
	{NumericCode: "E1015", Reason: ReasonAuthorizationTokenInvalid, Category: CategorySecurity, Retryable: false, HumanMessage: "Authorization token is invalid."},
	{NumericCode: "E1016", Reason: ReasonAuthTokenInvalidFormat, Category: CategorySecurity, Retryable: false, HumanMessage: "Authorization token is malformed."},
	{NumericCode: "E1017", Reason: ReasonAuthorizationTokenEmpty, Category: CategorySecurity, Retryable: false, HumanMessage: "Authorization token is empty."},
	{NumericCode: "E1018", Reason: ReasonQueueFull, Category: CategoryCapacity, Retryable: true, HumanMessage: "The action queue is full."},
	{NumericCode: "E1019", Reason: ReasonDuplicateAction, Category: CategoryConflict, Retryable: false, HumanMessage: "The action was already submitted."},
}

var (
	byCode   = map[string]Definition{}
	byReason = map[string]Definition{}
)

func init() {
	for _, d := range definitions {
		if _, dup := byCode[d.NumericCode]; dup {
			panic(fmt.Sprintf("catalog: duplicate numeric code %s", d.NumericCode))
		}
		if _, dup := byReason[d.Reason]; dup {
			panic(fmt.Sprintf("catalog: duplicate reason %s", d.Reason))
		}
		byCode[d.NumericCode] = d
		byReason[d.Reason] = d
	}
}

// List returns every definition ordered by numeric code.
func List() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	sort.Slice(out, func(i, j int) bool { return out[i].NumericCode < out[j].NumericCode })
	return out
}

// ByCode looks up a definition by its numeric code (e.g. "E1006").
func ByCode(code string) (Definition, bool) {
	d, ok := byCode[code]
	return d, ok
}

// ByReason looks up a definition by its stable reason key.
func ByReason(reason string) (Definition, bool) {
	d, ok := byReason[reason]
	return d, ok
}

// MustByReason looks up a definition by reason and panics if it is not registered. Intended for the fixed reason
// constants above, where a miss is a programming error.
func MustByReason(reason string) Definition {
	d, ok := byReason[reason]
	if !ok {
		panic(fmt.Sprintf("catalog: unknown reason %s", reason))
	}
	return d
}

// WireCategoryFor maps a catalog category to the event.error category set. Security errors surface as AUTH; validation,
// state, and capacity errors surface as VALIDATION; conflicts are CONSISTENCY problems the client can resolve by
// resyncing.
func WireCategoryFor(c Category) WireCategory {
	switch c {
	case CategoryRateLimit:
		return WireRateLimit
	case CategoryConflict:
		return WireConsistency
	case CategorySecurity:
		return WireAuth
	case CategoryInternal:
		return WireSystem
	default:
		return WireValidation
	}
}
