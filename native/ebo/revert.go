package ebo

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Revert reason names emitted by the Prophet contracts.
const (
	ReasonInvalidEpoch              = "EBORequestCreator_InvalidEpoch"
	ReasonChainNotAdded             = "EBORequestCreator_ChainNotAdded"
	ReasonInvalidRequester          = "EBORequestModule_InvalidRequester"
	ReasonInvalidRequestBody        = "Oracle_InvalidRequestBody"
	ReasonResponseAlreadyProposed   = "Oracle_ResponseAlreadyProposed"
	ReasonAlreadyResponded          = "BondedResponseModule_AlreadyResponded"
	ReasonResponseAlreadyDisputed   = "Oracle_ResponseAlreadyDisputed"
	ReasonAlreadyFinalized          = "Oracle_AlreadyFinalized"
	ReasonTooEarlyToFinalize        = "BondedResponseModule_TooEarlyToFinalize"
	ReasonTooLateToPropose          = "BondedResponseModule_TooLateToPropose"
	ReasonShouldBeEscalated         = "BondEscalationModule_ShouldBeEscalated"
	ReasonBondEscalationNotOver     = "BondEscalationModule_BondEscalationNotOver"
	ReasonBondEscalationOver        = "BondEscalationModule_BondEscalationOver"
	ReasonDisputeWindowOver         = "BondEscalationModule_DisputeWindowOver"
	ReasonNotEscalatable            = "BondEscalationModule_NotEscalatable"
	ReasonCanOnlySurpassByOnePledge = "BondEscalationModule_CanOnlySurpassByOnePledge"
	ReasonInsufficientFunds         = "AccountingExtension_InsufficientFunds"
	ReasonEscalationInsufficient    = "BondEscalationAccounting_InsufficientFunds"
)

// RecoveryStrategy is the closed set of reactions to a classified revert.
type RecoveryStrategy uint8

const (
	// StrategyRetry requeues the event, undoes its command and ends the pass.
	StrategyRetry RecoveryStrategy = iota + 1
	// StrategyEscalate performs the compensating escalation and continues.
	StrategyEscalate
	// StrategyNotify records the failure and continues without requeueing.
	StrategyNotify
	// StrategyTerminate signals the host the request cannot be serviced.
	StrategyTerminate
)

func (s RecoveryStrategy) String() string {
	switch s {
	case StrategyRetry:
		return "retry"
	case StrategyEscalate:
		return "escalate"
	case StrategyNotify:
		return "notify"
	case StrategyTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

var revertStrategies = map[string]RecoveryStrategy{
	ReasonInvalidEpoch:              StrategyTerminate,
	ReasonChainNotAdded:             StrategyTerminate,
	ReasonInvalidRequester:          StrategyTerminate,
	ReasonInvalidRequestBody:        StrategyTerminate,
	ReasonResponseAlreadyProposed:   StrategyNotify,
	ReasonAlreadyResponded:          StrategyNotify,
	ReasonResponseAlreadyDisputed:   StrategyNotify,
	ReasonAlreadyFinalized:          StrategyNotify,
	ReasonTooLateToPropose:          StrategyNotify,
	ReasonBondEscalationOver:        StrategyNotify,
	ReasonDisputeWindowOver:         StrategyNotify,
	ReasonNotEscalatable:            StrategyNotify,
	ReasonCanOnlySurpassByOnePledge: StrategyNotify,
	ReasonInsufficientFunds:         StrategyNotify,
	ReasonEscalationInsufficient:    StrategyNotify,
	ReasonTooEarlyToFinalize:        StrategyRetry,
	ReasonBondEscalationNotOver:     StrategyRetry,
	ReasonShouldBeEscalated:         StrategyEscalate,
}

// StrategyFor returns the recovery strategy registered for a revert reason.
func StrategyFor(reason string) (RecoveryStrategy, bool) {
	s, ok := revertStrategies[strings.TrimSpace(reason)]
	return s, ok
}

// KnownRevertReasons lists every reason with a registered strategy, sorted.
func KnownRevertReasons() []string {
	out := make([]string, 0, len(revertStrategies))
	for reason := range revertStrategies {
		out = append(out, reason)
	}
	sort.Strings(out)
	return out
}

// ContractRevert is the raw failure a ProtocolProvider reports when a call
// reverts on-chain.
type ContractRevert struct {
	Name string
	Data []byte
}

func (e *ContractRevert) Error() string {
	return fmt.Sprintf("contract reverted: %s", e.Name)
}

// RevertError is a classified revert carrying its recovery strategy and the
// context needed to execute it.
type RevertError struct {
	Reason   string
	Strategy RecoveryStrategy

	Event    *Event
	Request  *Request
	Response *Response
	Dispute  *Dispute

	cause error
}

func (e *RevertError) Error() string {
	return fmt.Sprintf("ebo: %s reverted (%s)", e.Reason, e.Strategy)
}

func (e *RevertError) Unwrap() error { return e.cause }

// WithContext attaches the entities a strategy needs. Nil arguments leave the
// existing values untouched.
func (e *RevertError) WithContext(event *Event, req *Request, resp *Response, d *Dispute) *RevertError {
	if event != nil {
		copied := *event
		e.Event = &copied
	}
	if req != nil {
		e.Request = req.Clone()
	}
	if resp != nil {
		e.Response = resp.Clone()
	}
	if d != nil {
		e.Dispute = d.Clone()
	}
	return e
}

// ClassifyRevert maps a provider error to a typed revert. It returns false for
// errors that are not contract reverts or whose reason is not recognised.
func ClassifyRevert(err error) (*RevertError, bool) {
	if err == nil {
		return nil, false
	}
	var classified *RevertError
	if errors.As(err, &classified) {
		return classified, true
	}
	var raw *ContractRevert
	if !errors.As(err, &raw) {
		return nil, false
	}
	strategy, ok := StrategyFor(raw.Name)
	if !ok {
		return nil, false
	}
	return &RevertError{Reason: raw.Name, Strategy: strategy, cause: err}, true
}

// IsRevert reports whether err is a contract revert with the given reason.
func IsRevert(err error, reason string) bool {
	var classified *RevertError
	if errors.As(err, &classified) && classified.Reason == reason {
		return true
	}
	var raw *ContractRevert
	return errors.As(err, &raw) && raw.Name == reason
}
