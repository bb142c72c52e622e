package service

import (
	"github.com/pesio-ai/be-lifecycle-engine/internal/lifecycle"
	"github.com/pesio-ai/be-lifecycle-engine/pkg/errors"
)

// ReasonMissingActorContext is returned when a call carries no identity.
const ReasonMissingActorContext = "MISSING_ACTOR_CONTEXT"

// Actor is the caller of an engine operation.
type Actor struct {
	ID       string
	TenantID string
	Role     lifecycle.Role
}

func (a Actor) validate() error {
	if a.ID == "" || a.TenantID == "" {
		return errors.Denied(errors.ErrCodePermissionDenied, ReasonMissingActorContext,
			"actor and tenant identity are required")
	}
	return nil
}
