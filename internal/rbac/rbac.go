// Package rbac implements the role & capability model (C1): two small
// closed lookup tables and the pure functions over them. No I/O, no
// mutation, deny-biased on unknown input.
package rbac

import "github.com/nous-run/nous/internal/model"

// capabilityTable maps each known role to its capability set. Unknown
// roles are not present here; HasCapability returns false for them.
var capabilityTable = map[model.Role]map[model.Capability]bool{
	model.RoleGeneral: {
		model.CapReadPublic: true,
	},
	model.RolePro: {
		model.CapReadPublic:        true,
		model.CapProposeHypothesis: true,
	},
	model.RoleScholars: {
		model.CapReadPublic:        true,
		model.CapProposeHypothesis: true,
		model.CapProposeAura:       true,
		model.CapWriteGraph:        true,
	},
	model.RoleAnalytics: {
		model.CapReadPublic:         true,
		model.CapReadLedgerFull:     true,
		model.CapProposeHypothesis:  true,
		model.CapProposeAura:        true,
		model.CapWriteGraph:         true,
		model.CapWriteContradictions: true,
		model.CapViewDebug:          true,
	},
	model.RoleOps: {
		model.CapReadPublic:          true,
		model.CapReadLedgerFull:      true,
		model.CapProposeHypothesis:   true,
		model.CapProposeAura:         true,
		model.CapWriteGraph:          true,
		model.CapWriteContradictions: true,
		model.CapManageRoles:         true,
		model.CapViewDebug:           true,
	},
}

// visibilityTable maps each known role to its visibility level, per spec.md
// §3: general=0; pro,scholars=1; analytics,ops=2.
var visibilityTable = map[model.Role]int{
	model.RoleGeneral:   0,
	model.RolePro:       1,
	model.RoleScholars:  1,
	model.RoleAnalytics: 2,
	model.RoleOps:       2,
}

// HasCapability reports whether role grants cap. Role lookup is
// case-insensitive; an unknown role never has any capability.
func HasCapability(role string, cap model.Capability) bool {
	caps, ok := capabilityTable[model.NormalizeRole(role)]
	if !ok {
		return false
	}
	return caps[cap]
}

// VisibilityLevel returns role's visibility level, or 0 for an unknown role.
func VisibilityLevel(role string) int {
	return visibilityTable[model.NormalizeRole(role)]
}

// MaxLevel returns the maximum visibility level over roles, or 0 if roles is empty.
func MaxLevel(roles []string) int {
	max := 0
	for _, r := range roles {
		if lvl := VisibilityLevel(r); lvl > max {
			max = lvl
		}
	}
	return max
}

// Visible reports whether a memory at roleViewLevel is visible to a caller
// whose maximal visibility level is callerMaxLevel (spec.md §8 invariant 1).
func Visible(roleViewLevel, callerMaxLevel int) bool {
	return roleViewLevel <= callerMaxLevel
}
