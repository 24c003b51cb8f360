package features

import (
	"flowdeck/internal/config"
	"flowdeck/internal/modules"
)

// Set holds the module instances placed into the standard registry. Nil
// entries are left out.
type Set struct {
	Debug             modules.Module
	LDAP              modules.Module
	CommunityPackages modules.Module
	E2E               modules.Module
	MFA               modules.Module
	CTA               modules.Module
	SSO               modules.Module
	SourceControl     modules.Module
}

// Standard returns the descriptors in activation priority order. SSO and
// source control are always attempted because they provision their
// environment even when the feature itself is off; their failures are
// isolated.
func Standard(set Set) []Descriptor {
	entries := []struct {
		mod      modules.Module
		enabled  func(config.Flags) bool
		optional bool
	}{
		{mod: set.Debug, enabled: func(f config.Flags) bool { return !f.Production && f.MultiMain }},
		{mod: set.LDAP, enabled: func(f config.Flags) bool { return f.LDAP }},
		{mod: set.CommunityPackages, enabled: func(f config.Flags) bool { return f.CommunityPackages }},
		{mod: set.E2E, enabled: func(f config.Flags) bool { return f.E2E }},
		{mod: set.MFA, enabled: func(f config.Flags) bool { return f.MFA }},
		{mod: set.CTA, enabled: func(f config.Flags) bool { return f.UI }},
		{mod: set.SSO, optional: true},
		{mod: set.SourceControl, optional: true},
	}

	descriptors := make([]Descriptor, 0, len(entries))
	for _, entry := range entries {
		if entry.mod == nil {
			continue
		}
		descriptors = append(descriptors, FromModule(entry.mod, entry.enabled, entry.optional))
	}
	return descriptors
}
