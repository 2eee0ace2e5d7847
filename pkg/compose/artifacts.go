package compose

import (
	"context"
	"fmt"

	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/pki"
	"github.com/ega-archive/egaboot/pkg/secrets"
)

// Instance is one rendered config file: a family plus parameters.
type Instance struct {
	// Name is the file stem under confs/, e.g. "backup1".
	Name   string
	Family string

	// Component owns the certificate the config points at. Empty when the
	// config references no certificate.
	Component string

	Params map[string]string
}

// Env holds the values shared by every instance of a deployment.
type Env struct {
	Facts         map[string]string
	Certs         map[string]string
	DockerSecrets bool
}

// Path returns the output path of a config instance.
func Path(name string) string {
	return "confs/" + name + ".ini"
}

// ID returns the artifact identifier of a config instance.
func ID(name string) string {
	return "confs/" + name
}

// Artifact returns the node rendering inst. It depends on every secret the
// family references and on the component certificate, so a regenerated
// secret or certificate re-renders the config. Configs carrying inline
// secrets are owner-read-only.
func (c *Composer) Artifact(inst Instance, env Env) (engine.Artifact, error) {
	family, ok := c.Family(inst.Family)
	if !ok {
		return engine.Artifact{}, engine.NewValidationError(
			fmt.Sprintf("config %s uses unknown template family %q", inst.Name, inst.Family), nil)
	}

	refs := family.References(env.DockerSecrets)
	deps := make([]string, 0, len(refs)+1)
	for _, name := range refs {
		deps = append(deps, secrets.ID(name))
	}
	if inst.Component != "" {
		deps = append(deps, pki.LeafID(inst.Component))
	}

	perm := engine.PermPrivate
	if env.DockerSecrets {
		perm = engine.PermPublic
	}
	out := Path(inst.Name)

	recipe := fmt.Sprintf("config %s family=%s params=%s facts=%s certs=%s docker=%t",
		inst.Name, family.Digest(), joinSorted(inst.Params), joinSorted(env.Facts), joinSorted(env.Certs), env.DockerSecrets)

	return engine.Artifact{
		ID:           ID(inst.Name),
		Kind:         engine.KindConfig,
		Dependencies: deps,
		Outputs:      []engine.Output{{Path: out, Perm: perm}},
		Recipe:       recipe,
		Generate: func(_ context.Context, bc *engine.BuildContext) (map[string][]byte, error) {
			values := make(map[string]string, len(family.Secrets))
			if !env.DockerSecrets {
				for _, name := range family.Secrets {
					data, err := bc.Read(secrets.Path(name))
					if err != nil {
						return nil, err
					}
					values[name] = string(data)
				}
			}

			text, err := c.Render(inst.Family, Context{
				Params:        inst.Params,
				Secrets:       values,
				Certs:         env.Certs,
				Facts:         env.Facts,
				DockerSecrets: env.DockerSecrets,
			})
			if err != nil {
				return nil, err
			}
			bc.Logger().Debug().Str("family", inst.Family).Msg("Rendered config")
			return map[string][]byte{out: []byte(text)}, nil
		},
	}, nil
}

// ConnectionArtifact returns the secret node holding a full connection URL
// for docker-secrets mode. It is rendered with inline secrets whatever the
// mode, since the file itself is the docker secret.
func ConnectionArtifact(conn Connection, env Env) engine.Artifact {
	out := secrets.Path(conn.Name)
	defaults := connectionDefaults(nil)
	return engine.Artifact{
		ID:           secrets.ID(conn.Name),
		Kind:         engine.KindSecret,
		Dependencies: []string{secrets.ID(conn.Secret)},
		Outputs:      []engine.Output{{Path: out, Perm: engine.PermPrivate}},
		Recipe:       fmt.Sprintf("connection %s template=%s facts=%s", conn.Name, conn.Template, joinSorted(env.Facts)),
		Generate: func(_ context.Context, bc *engine.BuildContext) (map[string][]byte, error) {
			value, err := bc.Read(secrets.Path(conn.Secret))
			if err != nil {
				return nil, err
			}
			url, err := RenderValue(conn.Template, defaults, Context{
				Secrets: map[string]string{conn.Secret: string(value)},
				Facts:   env.Facts,
			})
			if err != nil {
				return nil, err
			}
			return map[string][]byte{out: []byte(url)}, nil
		},
	}
}
