// Package topology writes the compose-style deployment descriptor that
// wires every service to its certificates, config and secrets.
package topology

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/pki"
)

// Mount points inside the containers.
const (
	MountCA     = "/etc/ega/CA.cert"
	MountCert   = "/etc/ega/ssl.cert"
	MountKey    = "/etc/ega/ssl.key"
	MountConfig = "/etc/ega/conf.ini"
)

// File is the descriptor document.
type File struct {
	Version  string             `yaml:"version"`
	Services map[string]Service `yaml:"services"`
	Networks map[string]Network `yaml:"networks"`
	Secrets  map[string]Secret  `yaml:"secrets,omitempty"`
}

// Service is one container.
type Service struct {
	Image       string   `yaml:"image"`
	Hostname    string   `yaml:"hostname"`
	Command     []string `yaml:"command,omitempty"`
	Environment []string `yaml:"environment,omitempty"`
	Volumes     []string `yaml:"volumes,omitempty"`
	Secrets     []string `yaml:"secrets,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
	Ports       []string `yaml:"ports,omitempty"`
	Networks    []string `yaml:"networks"`
}

// Network is a compose network.
type Network struct {
	Driver string `yaml:"driver,omitempty"`
}

// Secret is a file-backed docker secret.
type Secret struct {
	File string `yaml:"file"`
}

// Component describes one service of the deployment.
type Component struct {
	Name  string
	Image string

	// Config is the config instance mounted at /etc/ega/conf.ini, if any.
	Config string

	// Certificate mounts the component's key, cert and CA cert.
	Certificate bool

	Command   []string
	Ports     []string
	DependsOn []string
	Secrets   []string
}

// Spec is the input of a descriptor.
type Spec struct {
	// Name is the file stem: the descriptor is written to <Name>.yml.
	Name       string
	Network    string
	Components []Component

	// DockerSecrets declares file-backed secrets for the components'
	// Secrets lists.
	DockerSecrets bool
}

// Path returns the output path of the descriptor.
func (s Spec) Path() string {
	return s.Name + ".yml"
}

// ID returns the artifact identifier of the descriptor.
func (s Spec) ID() string {
	return "topology/" + s.Name
}

// Build assembles the descriptor.
func Build(spec Spec) (*File, error) {
	if spec.Name == "" {
		return nil, engine.NewValidationError("topology has no name", nil)
	}
	network := spec.Network
	if network == "" {
		network = "lega"
	}

	f := &File{
		Version:  "3.8",
		Services: make(map[string]Service, len(spec.Components)),
		Networks: map[string]Network{network: {Driver: "bridge"}},
	}
	if spec.DockerSecrets {
		f.Secrets = make(map[string]Secret)
	}

	for _, c := range spec.Components {
		if _, dup := f.Services[c.Name]; dup {
			return nil, engine.NewValidationError(fmt.Sprintf("component %q listed twice", c.Name), nil)
		}

		svc := Service{
			Image:     c.Image,
			Hostname:  c.Name,
			Command:   c.Command,
			Ports:     c.Ports,
			DependsOn: c.DependsOn,
			Networks:  []string{network},
		}
		if c.Certificate {
			paths := pki.PathsFor(c.Name)
			svc.Volumes = append(svc.Volumes,
				volume(paths.CA, MountCA),
				volume(paths.Cert, MountCert),
				volume(paths.Key, MountKey),
			)
		}
		if c.Config != "" {
			svc.Volumes = append(svc.Volumes, volume("confs/"+c.Config+".ini", MountConfig))
			svc.Environment = append(svc.Environment, "LEGA_CONF="+MountConfig)
		}
		if spec.DockerSecrets {
			svc.Secrets = c.Secrets
			for _, name := range c.Secrets {
				f.Secrets[name] = Secret{File: "./secrets/" + name}
			}
		}
		f.Services[c.Name] = svc
	}

	for name, svc := range f.Services {
		for _, dep := range svc.DependsOn {
			if _, ok := f.Services[dep]; !ok {
				return nil, engine.NewValidationError(fmt.Sprintf("service %q depends on unknown service %q", name, dep), nil)
			}
		}
	}
	return f, nil
}

func volume(src, dst string) string {
	return "./" + src + ":" + dst + ":ro"
}

// Marshal renders the descriptor. Map keys are emitted sorted, so equal
// descriptors produce equal bytes.
func (f *File) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(f); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Parse reads a descriptor back.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse topology: %w", err)
	}
	return &f, nil
}

// ServiceNames returns the service names in sorted order.
func (f *File) ServiceNames() []string {
	names := make([]string, 0, len(f.Services))
	for name := range f.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Artifact returns the node writing the descriptor. deps are the config
// and certificate artifacts the descriptor mounts; listing them makes the
// descriptor the last thing built.
func Artifact(spec Spec, deps []string) (engine.Artifact, error) {
	f, err := Build(spec)
	if err != nil {
		return engine.Artifact{}, err
	}
	data, err := f.Marshal()
	if err != nil {
		return engine.Artifact{}, engine.NewConfigError("encode topology", err)
	}

	out := spec.Path()
	return engine.Artifact{
		ID:           spec.ID(),
		Kind:         engine.KindTopology,
		Dependencies: deps,
		Outputs:      []engine.Output{{Path: out, Perm: engine.PermPublic}},
		Recipe:       string(data),
		Generate: func(context.Context, *engine.BuildContext) (map[string][]byte, error) {
			return map[string][]byte{out: data}, nil
		},
	}, nil
}
