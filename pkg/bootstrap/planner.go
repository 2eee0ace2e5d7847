// Package bootstrap turns a deployment descriptor into the artifact graph
// the orchestrator builds: secrets, the root CA and component
// certificates, user credentials, rendered configs and the topology file.
package bootstrap

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/ega-archive/egaboot/pkg/compose"
	"github.com/ega-archive/egaboot/pkg/config"
	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/pki"
	"github.com/ega-archive/egaboot/pkg/secrets"
	"github.com/ega-archive/egaboot/pkg/topology"
	"github.com/ega-archive/egaboot/pkg/users"
)

// Options configures the generators behind the planned artifacts. Zero
// values select the production defaults.
type Options struct {
	Secrets  *secrets.Generator
	Composer *compose.Composer

	// Serials allocates certificate serials. The SQLite manifest keeps
	// them across runs; the default counter restarts every process.
	Serials  pki.SerialSource
	Provider pki.Provider

	BcryptCost int
	Logger     zerolog.Logger
}

// Planner declares the artifacts of a deployment.
type Planner struct {
	opts Options
}

// NewPlanner returns a planner.
func NewPlanner(opts Options) *Planner {
	if opts.Secrets == nil {
		opts.Secrets = secrets.NewGenerator()
	}
	if opts.Composer == nil {
		opts.Composer = compose.NewComposer()
	}
	return &Planner{opts: opts}
}

// Plan is a declared graph plus the descriptor it was derived from.
type Plan struct {
	Graph      *engine.Graph
	Deployment *config.Deployment
	Topology   topology.Spec
}

// Plan declares every artifact of d. d is expected to be validated and to
// carry defaults.
func (p *Planner) Plan(d *config.Deployment) (*Plan, error) {
	g := engine.NewGraph()
	declared := 0
	declare := func(a engine.Artifact) error {
		if err := g.Declare(a); err != nil {
			return err
		}
		declared++
		return nil
	}

	for _, s := range d.Secrets {
		if err := declare(p.opts.Secrets.Artifact(secrets.Spec{Name: s.Name, Length: s.Length, Alphabet: s.Alphabet})); err != nil {
			return nil, err
		}
	}

	env := compose.Env{
		Facts: d.Facts,
		Certs: map[string]string{
			compose.CertCA:  topology.MountCA,
			compose.CertPub: topology.MountCert,
			compose.CertKey: topology.MountKey,
		},
		DockerSecrets: d.DockerSecrets,
	}
	if d.DockerSecrets {
		for _, conn := range compose.Connections() {
			if _, ok := g.Artifact(secrets.ID(conn.Secret)); !ok {
				continue
			}
			if err := declare(compose.ConnectionArtifact(conn, env)); err != nil {
				return nil, err
			}
		}
	}

	factory := pki.NewFactory(pki.Options{
		Algorithm:    pki.Algorithm(d.PKI.Algorithm),
		Provider:     p.opts.Provider,
		Serials:      p.opts.Serials,
		Organization: d.PKI.Organization,
	})
	certified := make([]string, 0, len(d.Components))
	for _, c := range d.Components {
		if c.Certificate {
			certified = append(certified, c.Name)
		}
	}
	if len(certified) > 0 {
		if err := declare(factory.RootArtifact(d.PKI.RootName, d.PKI.ValidityDays)); err != nil {
			return nil, err
		}
	}
	for _, c := range d.Components {
		if !c.Certificate {
			continue
		}
		if err := declare(factory.LeafArtifact(c.Name, d.PKI.ValidityDays, c.DNSNames...)); err != nil {
			return nil, err
		}
	}

	uf := users.NewFactory(p.opts.Secrets, users.Options{BcryptCost: p.opts.BcryptCost})
	for _, u := range d.Users {
		for _, a := range uf.Artifacts(u.Name, u.UID) {
			if err := declare(a); err != nil {
				return nil, err
			}
		}
	}

	topoDeps := make([]string, 0, len(d.Configs)+len(certified))
	for _, cfg := range d.Configs {
		a, err := p.opts.Composer.Artifact(compose.Instance{
			Name:      cfg.Name,
			Family:    cfg.Family,
			Component: cfg.Component,
			Params:    cfg.Params,
		}, env)
		if err != nil {
			return nil, err
		}
		if err := declare(a); err != nil {
			return nil, err
		}
		topoDeps = append(topoDeps, a.ID)
	}
	for _, name := range certified {
		topoDeps = append(topoDeps, pki.LeafID(name))
	}

	spec := topologySpec(d)
	if d.DockerSecrets {
		mounted, err := mountedSecrets(g, d)
		if err != nil {
			return nil, err
		}
		topoDeps = append(topoDeps, mounted...)
	}
	if len(d.Components) > 0 {
		a, err := topology.Artifact(spec, topoDeps)
		if err != nil {
			return nil, err
		}
		if err := declare(a); err != nil {
			return nil, err
		}
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	p.opts.Logger.Debug().
		Str("deployment", d.Name).
		Int("artifacts", declared).
		Bool("docker_secrets", d.DockerSecrets).
		Msg("Planned artifacts")

	return &Plan{Graph: g, Deployment: d, Topology: spec}, nil
}

func topologySpec(d *config.Deployment) topology.Spec {
	spec := topology.Spec{
		Name:          d.Name,
		Network:       d.Name,
		DockerSecrets: d.DockerSecrets,
		Components:    make([]topology.Component, 0, len(d.Components)),
	}
	for _, c := range d.Components {
		spec.Components = append(spec.Components, topology.Component{
			Name:        c.Name,
			Image:       c.Image,
			Config:      c.Config,
			Certificate: c.Certificate,
			Command:     c.Command,
			Ports:       c.Ports,
			DependsOn:   c.DependsOn,
			Secrets:     c.Secrets,
		})
	}
	return spec
}

// mountedSecrets returns the secret artifacts the descriptor mounts as
// docker secrets. Every name must be produced by the graph.
func mountedSecrets(g *engine.Graph, d *config.Deployment) ([]string, error) {
	seen := make(map[string]bool)
	for _, c := range d.Components {
		for _, name := range c.Secrets {
			if _, ok := g.Artifact(secrets.ID(name)); !ok {
				return nil, engine.NewConfigError(
					fmt.Sprintf("component %s mounts secret %q which is not generated", c.Name, name), nil,
				).WithArtifact(topologySpec(d).ID())
			}
			seen[secrets.ID(name)] = true
		}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
