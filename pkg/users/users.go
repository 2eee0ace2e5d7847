// Package users creates the test accounts registered with the federation
// stub: an encrypted SSH keypair and a profile per user.
package users

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/secrets"
)

// Credential is everything generated for one user.
type Credential struct {
	Username     string
	UID          int
	PrivateKey   []byte // OpenSSH PEM, encrypted with the passphrase
	PublicKey    []byte // authorized_keys line
	Fingerprint  string
	PasswordHash string
}

// Profile is the user record served by the federation stub.
type Profile struct {
	Username     string `json:"username"`
	UID          int    `json:"uid"`
	PublicKey    string `json:"pubkey"`
	Fingerprint  string `json:"fingerprint"`
	PasswordHash string `json:"password_hash"`
}

// Profile renders the user profile as indented JSON.
func (c *Credential) Profile() ([]byte, error) {
	data, err := json.MarshalIndent(Profile{
		Username:     c.Username,
		UID:          c.UID,
		PublicKey:    string(bytes.TrimSpace(c.PublicKey)),
		Fingerprint:  c.Fingerprint,
		PasswordHash: c.PasswordHash,
	}, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Options configures credential creation.
type Options struct {
	// BcryptCost defaults to bcrypt.DefaultCost.
	BcryptCost int

	// Rand defaults to crypto/rand.
	Rand io.Reader
}

// Factory creates user credentials.
type Factory struct {
	cost    int
	rand    io.Reader
	secrets *secrets.Generator
}

// NewFactory returns a factory. Passphrase artifacts are drawn from gen.
func NewFactory(gen *secrets.Generator, opts Options) *Factory {
	if opts.BcryptCost == 0 {
		opts.BcryptCost = bcrypt.DefaultCost
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Factory{cost: opts.BcryptCost, rand: opts.Rand, secrets: gen}
}

// Create generates an ed25519 keypair encrypted with passphrase and a
// bcrypt hash of the passphrase.
func (f *Factory) Create(username string, passphrase []byte) (*Credential, error) {
	if username == "" {
		return nil, engine.NewGenerationError("username is empty", nil)
	}
	if len(passphrase) == 0 {
		return nil, engine.NewGenerationError("passphrase for "+username+" is empty", nil)
	}

	pub, priv, err := ed25519.GenerateKey(f.rand)
	if err != nil {
		return nil, engine.NewGenerationError("generate ssh key for "+username, err)
	}

	block, err := ssh.MarshalPrivateKeyWithPassphrase(priv, username, passphrase)
	if err != nil {
		return nil, engine.NewGenerationError("encrypt ssh key for "+username, err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, engine.NewGenerationError("encode public key for "+username, err)
	}

	hash, err := bcrypt.GenerateFromPassword(passphrase, f.cost)
	if err != nil {
		return nil, engine.NewGenerationError("hash passphrase for "+username, err)
	}

	return &Credential{
		Username:     username,
		PrivateKey:   pem.EncodeToMemory(block),
		PublicKey:    ssh.MarshalAuthorizedKey(sshPub),
		Fingerprint:  ssh.FingerprintSHA256(sshPub),
		PasswordHash: string(hash),
	}, nil
}

// Paths are the files produced for a user.
type Paths struct {
	Passphrase string
	Key        string
	PublicKey  string
	Profile    string
}

// PathsFor returns the output paths of a user.
func PathsFor(username string) Paths {
	base := "users/" + username
	return Paths{
		Passphrase: base + ".passphrase",
		Key:        base + ".sshkey",
		PublicKey:  base + ".sshkey.pub",
		Profile:    base + ".json",
	}
}

// ID returns the identifier of a user's credential artifact.
func ID(username string) string {
	return "users/" + username
}

// PassphraseID returns the identifier of a user's passphrase artifact.
func PassphraseID(username string) string {
	return PathsFor(username).Passphrase
}

// Artifacts returns the passphrase node and the credential node of a user.
// Users never depend on each other.
func (f *Factory) Artifacts(username string, uid int) []engine.Artifact {
	paths := PathsFor(username)
	passphrase := f.secrets.PassphraseArtifact(PassphraseID(username), paths.Passphrase, engine.KindUser)

	credential := engine.Artifact{
		ID:           ID(username),
		Kind:         engine.KindUser,
		Dependencies: []string{passphrase.ID},
		Outputs: []engine.Output{
			{Path: paths.Key, Perm: engine.PermPrivate},
			{Path: paths.PublicKey, Perm: engine.PermPublic},
			{Path: paths.Profile, Perm: engine.PermPublic},
		},
		Recipe: fmt.Sprintf("user name=%q uid=%d cost=%d", username, uid, f.cost),
		Generate: func(_ context.Context, bc *engine.BuildContext) (map[string][]byte, error) {
			pass, err := bc.Read(paths.Passphrase)
			if err != nil {
				return nil, err
			}
			cred, err := f.Create(username, pass)
			if err != nil {
				return nil, err
			}
			cred.UID = uid
			profile, err := cred.Profile()
			if err != nil {
				return nil, engine.NewGenerationError("encode profile", err)
			}
			bc.Logger().Info().Str("user", username).Str("fingerprint", cred.Fingerprint).Msg("Created user credential")
			return map[string][]byte{
				paths.Key:       cred.PrivateKey,
				paths.PublicKey: cred.PublicKey,
				paths.Profile:   profile,
			}, nil
		},
	}

	return []engine.Artifact{passphrase, credential}
}
