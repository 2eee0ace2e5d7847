// Package policy checks deployment descriptors against Open Policy Agent
// rules before anything is generated.
//
// Each policy is a Rego module whose package defines a deny set. An entry is
// either a message string or an object:
//
//	deny contains violation if {
//		some s in input.deployment.secrets
//		s.length < data.egaboot.limits.min_secret_length
//		violation := {"message": "too short", "subject": sprintf("secrets/%s", [s.name])}
//	}
//
// The deployment is available as input.deployment using its JSON field
// names. Thresholds for the built-in rules live in data.egaboot.limits and
// can be changed with Engine.SetLimits. An object may override the policy
// severity with a "severity" key; only error-severity violations make
// Result.Err non-nil.
//
// Site policies are loaded from .rego or .json files with Loader.
package policy
