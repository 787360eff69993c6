package escrow

import "fmt"

// Role is the caller role supplied by the identity collaborator.
type Role string

const (
	RoleBuyer      Role = "buyer"
	RoleSeller     Role = "seller"
	RoleArbitrator Role = "arbitrator"
)

// Actor is a pre-validated caller identity. The engines trust it and record PartyID.
type Actor struct {
	PartyID string
	Role    Role
}

// Op names an engine operation for authorization and logging.
type Op string

const (
	OpCreateContract    Op = "create_contract"
	OpStartMilestone    Op = "start_milestone"
	OpCompleteMilestone Op = "complete_milestone"
	OpApproveMilestone  Op = "approve_milestone"
	OpRejectMilestone   Op = "reject_milestone"
	OpCancelContract    Op = "cancel_contract"
	OpCreateDispute     Op = "create_dispute"
	OpResolveDispute    Op = "resolve_dispute"
)

var opRoles = map[Op][]Role{
	OpCreateContract:    {RoleBuyer, RoleSeller},
	OpStartMilestone:    {RoleSeller},
	OpCompleteMilestone: {RoleSeller},
	OpApproveMilestone:  {RoleBuyer},
	OpRejectMilestone:   {RoleBuyer},
	OpCancelContract:    {RoleBuyer},
	OpCreateDispute:     {RoleBuyer, RoleSeller},
	OpResolveDispute:    {RoleArbitrator},
}

// ValidRole reports whether r is a known role.
func ValidRole(r Role) bool {
	switch r {
	case RoleBuyer, RoleSeller, RoleArbitrator:
		return true
	default:
		return false
	}
}

// Permit checks that actor holds a role allowed for op and, for party roles, that it is the
// matching party of the contract (buyer or seller as given).
func Permit(actor Actor, op Op, buyer, seller string) error {
	allowed := false
	for _, r := range opRoles[op] {
		if r == actor.Role {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: role %q may not %s", ErrUnauthorized, actor.Role, op)
	}
	switch actor.Role {
	case RoleBuyer:
		if actor.PartyID == "" || actor.PartyID != buyer {
			return fmt.Errorf("%w: %q is not the buyer", ErrUnauthorized, actor.PartyID)
		}
	case RoleSeller:
		if actor.PartyID == "" || actor.PartyID != seller {
			return fmt.Errorf("%w: %q is not the seller", ErrUnauthorized, actor.PartyID)
		}
	}
	return nil
}
