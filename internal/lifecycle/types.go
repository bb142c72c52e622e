// Package lifecycle holds the pure decision logic of the engine: the closed
// set of entity kinds, their transition graphs, the transition guard and the
// approval threshold evaluator. Nothing in this package performs I/O.
package lifecycle

import (
	"fmt"
	"strings"
)

// EntityType is the closed set of business record kinds.
type EntityType string

const (
	EntityQuote    EntityType = "QUOTE"
	EntityDeal     EntityType = "DEAL"
	EntityInvoice  EntityType = "INVOICE"
	EntityContract EntityType = "CONTRACT"
	EntityShipment EntityType = "SHIPMENT"
	EntityTicket   EntityType = "TICKET"
)

// EntityTypes lists every supported kind.
func EntityTypes() []EntityType {
	return []EntityType{EntityQuote, EntityDeal, EntityInvoice, EntityContract, EntityShipment, EntityTicket}
}

// ParseEntityType normalises and validates a raw entity type.
func ParseEntityType(raw string) (EntityType, error) {
	t := EntityType(strings.ToUpper(strings.TrimSpace(raw)))
	if !t.IsValid() {
		return "", fmt.Errorf("unknown entity type %q", raw)
	}
	return t, nil
}

// IsValid reports whether t is one of the supported kinds.
func (t EntityType) IsValid() bool {
	switch t {
	case EntityQuote, EntityDeal, EntityInvoice, EntityContract, EntityShipment, EntityTicket:
		return true
	default:
		return false
	}
}

func (t EntityType) String() string {
	return string(t)
}

// Status is a record status. Valid values depend on the entity type.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusActive     Status = "ACTIVE"
	StatusSent       Status = "SENT"
	StatusShipped    Status = "SHIPPED"
	StatusApproved   Status = "APPROVED"
	StatusInTransit  Status = "IN_TRANSIT"
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusWon        Status = "WON"
	StatusLost       Status = "LOST"
	StatusPaid       Status = "PAID"
	StatusDelivered  Status = "DELIVERED"
	StatusExpired    Status = "EXPIRED"
	StatusResolved   Status = "RESOLVED"
	StatusCancelled  Status = "CANCELLED"
)

// ParseStatus normalises a raw status. It does not check type membership.
func ParseStatus(raw string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(raw)))
}

func (s Status) String() string {
	return string(s)
}

// Role is the actor's role within the tenant.
type Role string

const (
	RoleViewer  Role = "VIEWER"
	RoleMember  Role = "MEMBER"
	RoleManager Role = "MANAGER"
	RoleAdmin   Role = "ADMIN"
	RoleSystem  Role = "SYSTEM"
)

// ParseRole normalises a raw role. Unknown roles are returned as-is and rank
// below every known role.
func ParseRole(raw string) Role {
	return Role(strings.ToUpper(strings.TrimSpace(raw)))
}

func (r Role) rank() int {
	switch r {
	case RoleViewer:
		return 1
	case RoleMember:
		return 2
	case RoleManager:
		return 3
	case RoleAdmin:
		return 4
	case RoleSystem:
		return 5
	default:
		return 0
	}
}

// AtLeast reports whether r ranks at or above min.
func (r Role) AtLeast(min Role) bool {
	return r.rank() >= min.rank()
}

// CanMutate reports whether the role may change records at all.
func (r Role) CanMutate() bool {
	return r.AtLeast(RoleMember)
}

// CanResolveApprovals reports whether the role may approve or reject.
func (r Role) CanResolveApprovals() bool {
	return r.AtLeast(RoleManager)
}
