package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		namingPolicy(),
		secretStrengthPolicy(),
		pkiPolicy(),
		userAccountsPolicy(),
		exposurePolicy(),
	}
}

// namingPolicy keeps identifiers usable as file names and container hosts.
func namingPolicy() Policy {
	return Policy{
		Name:        "naming",
		Description: "Names must be lowercase identifiers",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"naming"},
		Rego: `package egaboot.policies.naming

import rego.v1

pattern := ` + "`^[a-z0-9][a-z0-9._-]*$`" + `

collections := {"secrets", "components", "configs", "users"}

deny contains violation if {
	not regex.match(pattern, input.deployment.name)
	violation := {
		"message": sprintf("deployment name %q must match %s", [input.deployment.name, pattern]),
		"subject": "deployment",
	}
}

deny contains violation if {
	some kind in collections
	some item in input.deployment[kind]
	not regex.match(pattern, item.name)
	violation := {
		"message": sprintf("name %q must match %s", [item.name, pattern]),
		"subject": sprintf("%s/%s", [kind, item.name]),
	}
}
`,
	}
}

func secretStrengthPolicy() Policy {
	return Policy{
		Name:        "secret-strength",
		Description: "Generated secrets must be long enough and drawn from a wide alphabet",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"secrets"},
		Rego: `package egaboot.policies.secrets

import rego.v1

min_length := data.egaboot.limits.min_secret_length

min_alphabet := data.egaboot.limits.min_alphabet

deny contains violation if {
	some s in input.deployment.secrets
	s.length > 0
	s.length < min_length
	violation := {
		"message": sprintf("length %d is below the minimum of %d", [s.length, min_length]),
		"subject": sprintf("secrets/%s", [s.name]),
	}
}

# Narrow alphabets are legal but cut entropy per character.
deny contains violation if {
	some s in input.deployment.secrets
	s.alphabet != ""
	chars := count({c | some c in split(s.alphabet, "")})
	chars < min_alphabet
	violation := {
		"message": sprintf("alphabet has only %d distinct characters", [chars]),
		"subject": sprintf("secrets/%s", [s.name]),
		"severity": "warning",
	}
}
`,
	}
}

func pkiPolicy() Policy {
	return Policy{
		Name:        "pki",
		Description: "Root certificate validity and key algorithm",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"pki"},
		Rego: `package egaboot.policies.pki

import rego.v1

max_validity_days := data.egaboot.limits.max_validity_days

deny contains violation if {
	days := input.deployment.pki.validity_days
	days > max_validity_days
	violation := {
		"message": sprintf("validity of %d days exceeds %d", [days, max_validity_days]),
		"subject": "ca/root",
	}
}

deny contains violation if {
	input.deployment.pki.algorithm == "rsa-2048"
	violation := {
		"message": "rsa-2048 is accepted, ecdsa-p256 is preferred",
		"subject": "ca/root",
		"severity": "info",
	}
}
`,
	}
}

func userAccountsPolicy() Policy {
	return Policy{
		Name:        "user-accounts",
		Description: "Test users should stay out of the system uid range",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"users"},
		Rego: `package egaboot.policies.users

import rego.v1

deny contains violation if {
	some u in input.deployment.users
	u.uid > 0
	u.uid < data.egaboot.limits.min_uid
	violation := {
		"message": sprintf("uid %d is below %d", [u.uid, data.egaboot.limits.min_uid]),
		"subject": sprintf("users/%s", [u.name]),
	}
}
`,
	}
}

func exposurePolicy() Policy {
	return Policy{
		Name:        "exposure",
		Description: "Components publishing ports should carry a certificate",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"topology", "pki"},
		Rego: `package egaboot.policies.exposure

import rego.v1

deny contains violation if {
	some c in input.deployment.components
	count(object.get(c, "ports", [])) > 0
	not c.certificate
	violation := {
		"message": "publishes ports without a certificate",
		"subject": sprintf("components/%s", [c.name]),
	}
}
`,
	}
}
