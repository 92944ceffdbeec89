// Package identity turns identity-provider tokens into actors with an
// explicit capability set.
package identity

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"doccontrol/internal/document/models"
	id "doccontrol/pkg/domain"
	dErrors "doccontrol/pkg/domain-errors"
	"doccontrol/pkg/platform/strings"
	"doccontrol/pkg/requestcontext"
)

//go:embed policy.yaml
var defaultPolicy []byte

var grantable = []models.Capability{
	models.CapabilityAuthor,
	models.CapabilityReview,
	models.CapabilityApprove,
	models.CapabilityManage,
	models.CapabilityRetire,
	models.CapabilityEmergencyOverride,
}

// Policy maps role names to capabilities.
type Policy struct {
	roles map[string][]models.Capability
}

type policyFile struct {
	Roles map[string][]string `yaml:"roles"`
}

// DefaultPolicy is the policy shipped with the binary.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicy)
	if err != nil {
		panic(fmt.Sprintf("embedded capability policy: %v", err))
	}
	return p
}

// LoadPolicy reads a policy file, or returns the default when path is empty.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capability policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy validates every capability name. The automation capability
// cannot be granted to a role; only the scheduler holds it.
func ParsePolicy(data []byte) (*Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse capability policy: %w", err)
	}
	if len(f.Roles) == 0 {
		return nil, fmt.Errorf("capability policy defines no roles")
	}
	p := &Policy{roles: make(map[string][]models.Capability, len(f.Roles))}
	for role, caps := range f.Roles {
		name := strings.DedupeAndTrimLower([]string{role})
		if len(name) == 0 {
			return nil, fmt.Errorf("capability policy has an empty role name")
		}
		for _, c := range strings.DedupeAndTrim(caps) {
			capability := models.Capability(c)
			if !slices.Contains(grantable, capability) {
				return nil, fmt.Errorf("role %q: unknown or reserved capability %q", role, c)
			}
			p.roles[name[0]] = append(p.roles[name[0]], capability)
		}
	}
	return p, nil
}

// Capabilities returns what one role grants.
func (p *Policy) Capabilities(role string) []models.Capability {
	return slices.Clone(p.roles[role])
}

// Resolve builds the actor for userID holding roles. Role names are
// matched case-insensitively.
func (p *Policy) Resolve(userID id.UserID, roles []string) models.Actor {
	var caps []models.Capability
	for _, role := range strings.DedupeAndTrimLower(roles) {
		for _, c := range p.roles[role] {
			if !slices.Contains(caps, c) {
				caps = append(caps, c)
			}
		}
	}
	slices.Sort(caps)
	return models.NewActor(userID, caps...)
}

// ActorFromContext resolves the authenticated caller.
func (p *Policy) ActorFromContext(ctx context.Context) (models.Actor, error) {
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		return models.Actor{}, dErrors.New(dErrors.CodeUnauthorized, "authentication required")
	}
	return p.Resolve(userID, requestcontext.Roles(ctx)), nil
}
