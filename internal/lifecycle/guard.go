package lifecycle

import (
	"fmt"

	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
)

// Stable denial reasons.
const (
	ReasonUnknownEntityType             = "UNKNOWN_ENTITY_TYPE"
	ReasonUnknownStatus                 = "UNKNOWN_STATUS"
	ReasonInsufficientRole              = "INSUFFICIENT_ROLE"
	ReasonEmptyChange                   = "EMPTY_CHANGE"
	ReasonIllegalTransition             = "ILLEGAL_TRANSITION"
	ReasonStatusInPatch                 = "STATUS_IN_PATCH"
	ReasonShipmentLocked                = "SHIPMENT_LOCKED"
	ReasonApprovedLocked                = "APPROVED_LOCKED"
	ReasonInvoiceShippedLocked          = "INVOICE_SHIPPED_LOCKED"
	ReasonActiveContractCannotBeDeleted = "ACTIVE_CONTRACT_CANNOT_BE_DELETED"

	terminalReasonFormat       = "%s_%s_CANNOT_BE_UPDATED"
	terminalDeleteReasonFormat = "%s_%s_CANNOT_BE_DELETED"
)

// Outcome is the guard verdict.
type Outcome int

const (
	Deny Outcome = iota
	Allow
	RequiresApproval
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "ALLOW"
	case RequiresApproval:
		return "REQUIRES_APPROVAL"
	default:
		return "DENY"
	}
}

// Decision is the result of a guard evaluation. Code and Reason are set only
// for Deny.
type Decision struct {
	Outcome Outcome
	Code    errors.Code
	Reason  string
	Message string
}

// Err converts a Deny decision into a service error; other outcomes yield nil.
func (d Decision) Err() error {
	if d.Outcome != Deny {
		return nil
	}
	return errors.Denied(d.Code, d.Reason, d.Message)
}

func deny(code errors.Code, reason, format string, args ...any) Decision {
	return Decision{Outcome: Deny, Code: code, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// TransitionInput is what the guard decides on. Requested equal to Current
// (or empty) means a field-only write through the generic update path.
type TransitionInput struct {
	Type        EntityType
	Current     Status
	Requested   Status
	PatchFields []string
	ActorRole   Role
}

// Guard decides whether a requested change is legal. It is stateless; the
// zero value is ready to use.
type Guard struct{}

// Evaluate decides on a status change and/or field patch.
func (Guard) Evaluate(in TransitionInput) Decision {
	g := GraphFor(in.Type)
	if g == nil {
		return deny(errors.ErrCodeValidation, ReasonUnknownEntityType, "unknown entity type %q", in.Type)
	}
	if !g.HasStatus(in.Current) {
		return deny(errors.ErrCodeValidation, ReasonUnknownStatus, "status %q is not a %s status", in.Current, in.Type)
	}

	statusChange := in.Requested != "" && in.Requested != in.Current
	patching := len(in.PatchFields) > 0

	// Terminal records are locked for every caller, whatever the request.
	if g.IsTerminal(in.Current) {
		if lock, ok := g.fieldLocks[in.Current]; ok && !statusChange {
			return deny(errors.ErrCodeStateLocked, lock, "%s %s is locked", in.Current, in.Type)
		}
		return deny(errors.ErrCodeStateLocked, fmt.Sprintf(terminalReasonFormat, in.Current, in.Type),
			"%s is in terminal status %s", in.Type, in.Current)
	}

	for _, f := range in.PatchFields {
		if f == "status" {
			return deny(errors.ErrCodeValidation, ReasonStatusInPatch, "status can only change through a transition request")
		}
	}
	if !in.ActorRole.CanMutate() {
		return deny(errors.ErrCodePermissionDenied, ReasonInsufficientRole, "role %q cannot modify records", in.ActorRole)
	}

	if patching {
		if lock, ok := g.fieldLocks[in.Current]; ok {
			return deny(errors.ErrCodeStateLocked, lock, "fields of a %s %s cannot be edited", in.Current, in.Type)
		}
	}

	if !statusChange {
		if !patching {
			return deny(errors.ErrCodeValidation, ReasonEmptyChange, "nothing to change")
		}
		return Decision{Outcome: Allow}
	}

	if !g.HasStatus(in.Requested) {
		return deny(errors.ErrCodeValidation, ReasonUnknownStatus, "status %q is not a %s status", in.Requested, in.Type)
	}
	e, ok := g.lookup(in.Current, in.Requested)
	if !ok {
		return deny(errors.ErrCodeValidation, ReasonIllegalTransition, "%s cannot move from %s to %s", in.Type, in.Current, in.Requested)
	}
	if !in.ActorRole.AtLeast(e.minRole) {
		return deny(errors.ErrCodePermissionDenied, ReasonInsufficientRole, "%s -> %s requires role %s", in.Current, in.Requested, e.minRole)
	}
	if e.gated {
		return Decision{Outcome: RequiresApproval}
	}
	return Decision{Outcome: Allow}
}

// EvaluateDelete decides whether a record may be deleted.
func (Guard) EvaluateDelete(t EntityType, current Status, role Role) Decision {
	g := GraphFor(t)
	if g == nil {
		return deny(errors.ErrCodeValidation, ReasonUnknownEntityType, "unknown entity type %q", t)
	}
	if !g.HasStatus(current) {
		return deny(errors.ErrCodeValidation, ReasonUnknownStatus, "status %q is not a %s status", current, t)
	}
	if !role.CanMutate() {
		return deny(errors.ErrCodePermissionDenied, ReasonInsufficientRole, "role %q cannot delete records", role)
	}
	if g.IsTerminal(current) {
		return deny(errors.ErrCodeStateLocked, fmt.Sprintf(terminalDeleteReasonFormat, current, t),
			"%s is in terminal status %s", t, current)
	}
	if lock, ok := g.deleteLocks[current]; ok {
		return deny(errors.ErrCodeStateLocked, lock, "a %s %s cannot be deleted", current, t)
	}
	return Decision{Outcome: Allow}
}
