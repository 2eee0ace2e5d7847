package config

import (
	"fmt"
	"strings"
)

// Deployment describes everything egaboot provisions for one archive
// instance. Field names follow the file format; CUE decoding uses the json
// tags and YAML decoding the yaml tags.
type Deployment struct {
	// SchemaVersion is the version of this file format.
	SchemaVersion string `json:"schema_version" yaml:"schema_version" validate:"required"`

	// Name names the deployment and its topology file.
	Name string `json:"name" yaml:"name" validate:"required"`

	// OutputRoot is where artifacts are written, relative to the file.
	OutputRoot string `json:"output_root,omitempty" yaml:"output_root,omitempty"`

	Parallelism   int  `json:"parallelism,omitempty" yaml:"parallelism,omitempty" validate:"gte=0"`
	FailFast      bool `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty"`
	DockerSecrets bool `json:"docker_secrets,omitempty" yaml:"docker_secrets,omitempty"`

	PKI        PKIConfig         `json:"pki,omitempty" yaml:"pki,omitempty"`
	Secrets    []SecretConfig    `json:"secrets,omitempty" yaml:"secrets,omitempty" validate:"unique=Name,dive"`
	Components []ComponentConfig `json:"components,omitempty" yaml:"components,omitempty" validate:"unique=Name,dive"`
	Configs    []InstanceConfig  `json:"configs,omitempty" yaml:"configs,omitempty" validate:"unique=Name,dive"`
	Users      []UserConfig      `json:"users,omitempty" yaml:"users,omitempty" validate:"unique=Name,dive"`

	// Facts are deployment-wide values referenced by config templates.
	Facts map[string]string `json:"facts,omitempty" yaml:"facts,omitempty"`
}

// PKIConfig configures the certificate hierarchy.
type PKIConfig struct {
	Algorithm    string `json:"algorithm,omitempty" yaml:"algorithm,omitempty" validate:"omitempty,oneof=ecdsa-p256 rsa-2048"`
	RootName     string `json:"root_name,omitempty" yaml:"root_name,omitempty"`
	ValidityDays int    `json:"validity_days,omitempty" yaml:"validity_days,omitempty" validate:"gte=0"`
	Organization string `json:"organization,omitempty" yaml:"organization,omitempty"`
}

// SecretConfig declares a shared secret.
type SecretConfig struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Length   int    `json:"length,omitempty" yaml:"length,omitempty" validate:"gte=0"`
	Alphabet string `json:"alphabet,omitempty" yaml:"alphabet,omitempty"`
}

// ComponentConfig declares a service.
type ComponentConfig struct {
	Name        string   `json:"name" yaml:"name" validate:"required"`
	Image       string   `json:"image,omitempty" yaml:"image,omitempty"`
	Certificate bool     `json:"certificate,omitempty" yaml:"certificate,omitempty"`
	DNSNames    []string `json:"dns_names,omitempty" yaml:"dns_names,omitempty"`

	// Config is the config instance mounted into the container.
	Config    string   `json:"config,omitempty" yaml:"config,omitempty"`
	Command   []string `json:"command,omitempty" yaml:"command,omitempty"`
	Ports     []string `json:"ports,omitempty" yaml:"ports,omitempty"`
	DependsOn []string `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`

	// Secrets are handed over as docker secrets in docker-secrets mode.
	Secrets []string `json:"secrets,omitempty" yaml:"secrets,omitempty"`
}

// InstanceConfig declares a rendered config file.
type InstanceConfig struct {
	Name      string            `json:"name" yaml:"name" validate:"required"`
	Family    string            `json:"family" yaml:"family" validate:"required"`
	Component string            `json:"component,omitempty" yaml:"component,omitempty"`
	Params    map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
}

// UserConfig declares a federation test user.
type UserConfig struct {
	Name string `json:"name" yaml:"name" validate:"required"`
	UID  int    `json:"uid,omitempty" yaml:"uid,omitempty" validate:"gte=0"`
}

// Component returns the named component.
func (d *Deployment) Component(name string) (*ComponentConfig, bool) {
	for i := range d.Components {
		if d.Components[i].Name == name {
			return &d.Components[i], true
		}
	}
	return nil, false
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path, e.g. "configs[2].component".
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path + ": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors collects every problem found in a deployment file.
type ValidationErrors []ValidationError

func (v ValidationErrors) Error() string {
	lines := make([]string, len(v))
	for i, e := range v {
		lines[i] = e.String()
	}
	return strings.Join(lines, "; ")
}
