package config

// Flags is the set of boolean feature switches derived from a Snapshot.
type Flags struct {
	LDAP              bool
	MFA               bool
	PublicAPI         bool
	MultiMain         bool
	CommunityPackages bool
	E2E               bool
	Development       bool
	Production        bool
	Preview           bool
	UI                bool
	QueueMode         bool
	Metrics           bool
}

// Flags derives the feature switches. It has no side effects.
func (s Snapshot) Flags() Flags {
	queue := s.Executions.Mode == ExecutionsQueue
	return Flags{
		LDAP:              s.LDAP.Enabled,
		MFA:               s.MFA.Enabled,
		PublicAPI:         !s.PublicAPI.Disabled,
		MultiMain:         s.MultiMain.Enabled && queue,
		CommunityPackages: s.CommunityPackages.Enabled,
		E2E:               s.Environment.E2E,
		Development:       s.Environment.Mode == ModeDevelopment,
		Production:        s.Environment.Mode == ModeProduction,
		Preview:           s.Environment.Preview,
		UI:                !s.Endpoints.DisableUI,
		QueueMode:         queue,
		Metrics:           s.Endpoints.Metrics.Enabled,
	}
}

// Relaxed reports whether browser framing restrictions are lifted, which is the
// case for preview deployments, end-to-end test runs and local development.
func (f Flags) Relaxed() bool {
	return f.Preview || f.E2E || f.Development
}
