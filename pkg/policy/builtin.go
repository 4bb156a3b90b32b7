package policy

import (
	"time"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		phaseDurationsPolicy(),
		prizeOrderingPolicy(),
		copilotBudgetPolicy(),
		launchTermsPolicy(),
		launchStartDatePolicy(),
		knownTrackPolicy(),
	}
}

// phaseDurationsPolicy rejects schedules with empty phases.
func phaseDurationsPolicy() Policy {
	return Policy{
		Name:        "phase-durations",
		Description: "Every phase must have a positive duration and a launched challenge needs at least one phase",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"timeline"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package draftsync.policies.phases

import rego.v1

deny contains violation if {
	some phase in input.challenge.phases
	phase.duration <= 0
	violation := {
		"message": sprintf("phase %s must have a positive duration", [phase.phaseId]),
		"severity": "error",
		"field": "phases",
	}
}

deny contains violation if {
	input.context.operation == "launch"
	not input.challenge.phases[0]
	violation := {
		"message": "a launched challenge needs at least one phase",
		"severity": "error",
		"field": "phases",
	}
}
`,
	}
}

// prizeOrderingPolicy flags placement prizes that grow with placement.
func prizeOrderingPolicy() Policy {
	return Policy{
		Name:        "prize-ordering",
		Description: "Placement prizes should not increase from one placement to the next",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"prizes"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package draftsync.policies.prizes

import rego.v1

deny contains violation if {
	some set in input.challenge.prizeSets
	set.type == "` + engine.PrizeSetChallenge + `"
	some i, prize in set.prizes
	i > 0
	prize.value > set.prizes[i - 1].value
	violation := {
		"message": sprintf("prize %d (%d) is larger than prize %d (%d)", [i + 1, prize.value, i, set.prizes[i - 1].value]),
		"severity": "warning",
		"field": "prizeSets",
	}
}
`,
	}
}

// copilotBudgetPolicy flags copilot payments above the total prize purse.
func copilotBudgetPolicy() Policy {
	return Policy{
		Name:        "copilot-budget",
		Description: "The copilot payment should not exceed the total of the placement prizes",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"prizes", "budget"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package draftsync.policies.budget

import rego.v1

purse := sum([prize.value |
	some set in input.challenge.prizeSets
	set.type == "` + engine.PrizeSetChallenge + `"
	some prize in set.prizes
])

deny contains violation if {
	some set in input.challenge.prizeSets
	set.type == "` + engine.PrizeSetCopilot + `"
	some payment in set.prizes
	purse > 0
	payment.value > purse
	violation := {
		"message": sprintf("copilot payment %d exceeds the prize purse %d", [payment.value, purse]),
		"severity": "warning",
		"field": "prizeSets",
	}
}
`,
	}
}

// launchTermsPolicy requires terms on launched challenges.
func launchTermsPolicy() Policy {
	return Policy{
		Name:        "launch-terms",
		Description: "A launched challenge must reference at least one terms document",
		Severity:    SeverityError,
		Enabled:     true,
		Statuses:    []engine.Status{engine.StatusActive},
		Tags:        []string{"launch", "terms"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package draftsync.policies.terms

import rego.v1

deny contains violation if {
	not input.challenge.terms[0]
	violation := {
		"message": "a launched challenge must carry terms",
		"field": "terms",
	}
}
`,
	}
}

// launchStartDatePolicy flags launches scheduled in the past.
func launchStartDatePolicy() Policy {
	return Policy{
		Name:        "launch-start-date",
		Description: "A challenge launched with a start date in the past starts immediately",
		Severity:    SeverityWarning,
		Enabled:     true,
		Statuses:    []engine.Status{engine.StatusActive},
		Tags:        []string{"launch", "timeline"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package draftsync.policies.startdate

import rego.v1

deny contains violation if {
	start := time.parse_rfc3339_ns(input.challenge.startDate)
	now := time.parse_rfc3339_ns(input.context.timestamp)
	start < now
	violation := {
		"message": sprintf("start date %s is in the past", [input.challenge.startDate]),
		"field": "startDate",
	}
}
`,
	}
}

// knownTrackPolicy checks the track against the reference catalog, once one is loaded.
func knownTrackPolicy() Policy {
	return Policy{
		Name:        "known-track",
		Description: "The challenge track must exist in the reference catalog",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"catalog"},
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
		Rego: `package draftsync.policies.catalog

import rego.v1

known_track if {
	some track in data.draftsync.catalog.challengeTracks
	track.id == input.challenge.trackId
}

deny contains violation if {
	input.challenge.trackId != ""
	data.draftsync.catalog.challengeTracks[0]
	not known_track
	violation := {
		"message": sprintf("track %s is not in the catalog", [input.challenge.trackId]),
		"field": "trackId",
	}
}
`,
	}
}
