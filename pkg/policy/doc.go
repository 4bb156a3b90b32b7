// Package policy gates challenge commits with Open Policy Agent.
//
// Every full commit (Launch or SaveDraft) is offered to an Engine before it is sent.
// The engine evaluates each enabled policy's deny set with the commit as input:
//
//	{
//	  "challenge": { ...the commit payload... },
//	  "context": {"operation": "launch", "status": "Active", "timestamp": "2026-03-02T09:00:00Z"}
//	}
//
// Violations with severity error or critical block the commit with a *DeniedError;
// info and warning violations are logged and let it through.
//
// # Built-in Policies
//
//  1. phase-durations - phases need a positive duration; launches need a phase
//  2. prize-ordering - placement prizes should not increase
//  3. copilot-budget - the copilot payment should not exceed the prize purse
//  4. launch-terms - launched challenges carry terms
//  5. launch-start-date - launching with a past start date
//  6. known-track - the track exists in the reference catalog
//
// The reference catalog is made available to policies as data.draftsync.catalog
// through SetReference.
//
// # Custom Policies
//
// LoadPolicies reads .rego files and JSON or YAML definitions. A .rego file is named
// after the file; header comments set its description, severity and the statuses
// it applies to:
//
//	# Launched challenges may not be named after tests.
//	# severity: error
//	# statuses: Active
//	package custom.naming
//
//	import rego.v1
//
//	deny contains violation if {
//	    contains(lower(input.challenge.name), "test")
//	    violation := {"message": "challenge name looks like a test", "field": "name"}
//	}
//
// A custom policy with the same name as a built-in replaces it. Watch reloads the
// custom policies when their files change; a set that fails to load or compile
// leaves the current policies in place.
package policy
