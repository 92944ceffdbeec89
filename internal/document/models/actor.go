package models

import (
	"slices"

	id "doccontrol/pkg/domain"
)

// Capability is a permission granted by role policy.
type Capability string

const (
	CapabilityAuthor            Capability = "document:author"
	CapabilityReview            Capability = "document:review"
	CapabilityApprove           Capability = "document:approve"
	CapabilityManage            Capability = "document:manage"
	CapabilityRetire            Capability = "document:retire"
	CapabilityEmergencyOverride Capability = "emergency:override"
	CapabilityAutomation        Capability = "system:automation"
)

// KnownCapabilities lists every capability the guards understand.
var KnownCapabilities = []Capability{
	CapabilityAuthor,
	CapabilityReview,
	CapabilityApprove,
	CapabilityManage,
	CapabilityRetire,
	CapabilityEmergencyOverride,
	CapabilityAutomation,
}

func (c Capability) IsKnown() bool {
	return slices.Contains(KnownCapabilities, c)
}

// Actor is the caller as the guards see it: an identity plus the capability
// set resolved from its roles. The guards never consult the identity provider.
type Actor struct {
	UserID       id.UserID
	Capabilities []Capability
}

func NewActor(userID id.UserID, caps ...Capability) Actor {
	out := slices.Clone(caps)
	slices.Sort(out)
	return Actor{UserID: userID, Capabilities: slices.Compact(out)}
}

// SystemActor is the scheduler's identity.
func SystemActor() Actor {
	return NewActor(id.SystemUserID, CapabilityAutomation)
}

func (a Actor) Has(c Capability) bool {
	return slices.Contains(a.Capabilities, c)
}

func (a Actor) IsSystem() bool {
	return a.UserID.IsSystem()
}
