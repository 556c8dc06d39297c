package policy

// Policy is a named Rego policy screened against planned change items.
type Policy struct {
	// Name identifies the policy in logs and skip reasons.
	Name string

	// Rego is the policy source. The package's deny rule yields one
	// message per denied input.
	Rego string

	// Enabled policies participate in gating.
	Enabled bool
}

// GetBuiltinPolicies returns the policies every deployment starts with.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		{
			Name:    "protected-projects",
			Enabled: true,
			Rego: `package corral.policies.protected

# The platform's bootstrap projects must never be deleted by
# reconciliation, whatever the repo says.
protected_names := {"Default", "System"}

deny contains msg if {
	input.item.op == "delete"
	input.item.kind == "Project"
	protected_names[input.item.key]
	msg := sprintf("project %q is protected from deletion", [input.item.key])
}
`,
		},
		{
			Name:    "mass-delete-guard",
			Enabled: true,
			Rego: `package corral.policies.massdelete

# A change set that deletes more than this many resources at once looks
# like a repo mishap (wrong branch, wiped directory), not intent.
max_deletes := 10

deny contains msg if {
	input.item.op == "delete"
	input.counts.deletes > max_deletes
	msg := sprintf("change set deletes %d resources, above the guard limit of %d", [input.counts.deletes, max_deletes])
}
`,
		},
	}
}
