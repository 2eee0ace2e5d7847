package pki

import (
	"context"
	"fmt"
	"strings"

	"github.com/ega-archive/egaboot/pkg/engine"
)

// RootID is the artifact identifier of the deployment root CA.
const RootID = "ca/root"

// Output paths of the root CA.
const (
	RootKeyPath  = "ca/root.sec.pem"
	RootCertPath = "ca/root.cert.pem"
)

// Factory declares certificate artifacts sharing one set of Options.
type Factory struct {
	opts Options
}

// NewFactory returns a factory for the given issuance options.
func NewFactory(opts Options) *Factory {
	return &Factory{opts: opts.withDefaults()}
}

// RootArtifact returns the node producing the root key and certificate.
func (f *Factory) RootArtifact(name string, validityDays int) engine.Artifact {
	return engine.Artifact{
		ID:   RootID,
		Kind: engine.KindCA,
		Outputs: []engine.Output{
			{Path: RootKeyPath, Perm: engine.PermPrivate},
			{Path: RootCertPath, Perm: engine.PermPublic},
		},
		Recipe: fmt.Sprintf("root name=%q days=%d alg=%s org=%q", name, validityDays, f.opts.Algorithm, f.opts.Organization),
		Generate: func(_ context.Context, bc *engine.BuildContext) (map[string][]byte, error) {
			ca, err := CreateRoot(name, validityDays, f.opts)
			if err != nil {
				return nil, err
			}
			bc.Logger().Info().Str("subject", name).Time("not_after", ca.Cert.NotAfter).Msg("Created root CA")
			return map[string][]byte{
				RootKeyPath:  ca.KeyPEM,
				RootCertPath: ca.CertPEM,
			}, nil
		},
	}
}

// LeafPaths are the three files issued for a component.
type LeafPaths struct {
	Key  string
	Cert string
	CA   string
}

// PathsFor returns the output paths of a component's certificate.
func PathsFor(component string) LeafPaths {
	return LeafPaths{
		Key:  "certs/" + component + ".sec.pem",
		Cert: "certs/" + component + ".cert.pem",
		CA:   "certs/CA." + component + ".cert.pem",
	}
}

// LeafID returns the artifact identifier of a component's certificate.
func LeafID(component string) string {
	return "certs/" + component
}

// LeafArtifact returns the node issuing a component certificate signed by
// the root. DNS names default to the component name.
func (f *Factory) LeafArtifact(component string, validityDays int, dnsNames ...string) engine.Artifact {
	paths := PathsFor(component)
	return engine.Artifact{
		ID:           LeafID(component),
		Kind:         engine.KindCert,
		Dependencies: []string{RootID},
		Outputs: []engine.Output{
			{Path: paths.Key, Perm: engine.PermPrivate},
			{Path: paths.Cert, Perm: engine.PermPublic},
			{Path: paths.CA, Perm: engine.PermPublic},
		},
		Recipe: fmt.Sprintf("leaf subject=%q days=%d alg=%s san=%s", component, validityDays, f.opts.Algorithm, strings.Join(dnsNames, ",")),
		Generate: func(ctx context.Context, bc *engine.BuildContext) (map[string][]byte, error) {
			keyPEM, err := bc.Read(RootKeyPath)
			if err != nil {
				return nil, err
			}
			certPEM, err := bc.Read(RootCertPath)
			if err != nil {
				return nil, err
			}
			ca, err := LoadAuthority(keyPEM, certPEM, f.opts)
			if err != nil {
				return nil, err
			}

			leaf, err := ca.Issue(ctx, component, validityDays, dnsNames...)
			if err != nil {
				return nil, err
			}
			bc.Logger().Info().Str("subject", component).Str("serial", leaf.Serial.String()).Msg("Issued certificate")
			return map[string][]byte{
				paths.Key:  leaf.KeyPEM,
				paths.Cert: leaf.CertPEM,
				paths.CA:   leaf.CAPEM,
			}, nil
		},
	}
}
