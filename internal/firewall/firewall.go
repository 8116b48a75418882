// Package firewall wraps platform firewall management behind a narrow
// contract so the monitoring and audit layers never shell out directly.
// Collaborator failures are reported in issue lists or returned errors and
// never abort the caller's loop.
package firewall

import (
	"context"
	"time"
)

// Validation is the outcome of a configuration check.
type Validation struct {
	Valid  bool     `json:"valid"`
	Issues []string `json:"issues"`
}

// Status describes the platform firewall's current state.
type Status struct {
	Enabled     bool      `json:"enabled"`
	Rules       []string  `json:"rules"`
	Platform    string    `json:"platform"`
	LastUpdated time.Time `json:"last_updated"`
}

// Manager is the full collaborator contract. All calls take a context;
// implementations shelling out to platform tools must honor its deadline.
type Manager interface {
	// ConfigureSecure applies the restrictive baseline: default-deny
	// inbound with the allow-listed ports opened.
	ConfigureSecure(ctx context.Context, allowedPorts []int) error

	// Validate checks the live configuration against the baseline and
	// reports any deviations as issues.
	Validate(ctx context.Context, allowedPorts []int) (*Validation, error)

	// Status reports the firewall's enabled state and active rules.
	Status(ctx context.Context) (*Status, error)

	// Reset removes the managed rules, returning the firewall to its
	// pre-configuration state.
	Reset(ctx context.Context) error
}
