// Package secrets generates the shared secret values of a deployment:
// database and broker passwords, key-server passphrases and user
// passphrases.
package secrets

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"

	"github.com/ega-archive/egaboot/pkg/engine"
)

// DefaultAlphabet is the character set used unless a deployment overrides
// it. It holds 62 characters, so a 16-character secret carries about 95
// bits of entropy.
const DefaultAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultLength is the secret length in characters.
const DefaultLength = 32

// Value is a generated secret.
type Value struct {
	// ArtifactID is the owning artifact, empty for ad-hoc values.
	ArtifactID string
	Length     int
	Alphabet   string
	Bytes      []byte
}

// String returns the secret text.
func (v *Value) String() string {
	return string(v.Bytes)
}

// Generator draws secrets from a cryptographically secure source.
type Generator struct {
	rand io.Reader
}

// NewGenerator returns a generator reading from crypto/rand.
func NewGenerator() *Generator {
	return &Generator{rand: rand.Reader}
}

// NewGeneratorFrom returns a generator reading from r. It exists for tests
// that need a failing or deterministic source.
func NewGeneratorFrom(r io.Reader) *Generator {
	return &Generator{rand: r}
}

// Generate returns length characters drawn uniformly from alphabet.
func (g *Generator) Generate(length int, alphabet string) (*Value, error) {
	if length < 1 {
		return nil, engine.NewGenerationError(fmt.Sprintf("secret length must be positive, got %d", length), nil)
	}
	chars := distinct(alphabet)
	if len(chars) < 2 {
		return nil, engine.NewGenerationError("secret alphabet needs at least two distinct characters", nil)
	}

	size := big.NewInt(int64(len(chars)))
	out := make([]byte, length)
	for i := range out {
		// rand.Int rejects out-of-range draws, so every character is
		// equally likely.
		n, err := rand.Int(g.rand, size)
		if err != nil {
			return nil, engine.NewGenerationError("read random source", err)
		}
		out[i] = chars[n.Int64()]
	}

	return &Value{Length: length, Alphabet: string(chars), Bytes: out}, nil
}

// distinct returns the unique bytes of alphabet in first-seen order.
func distinct(alphabet string) []byte {
	seen := make(map[byte]bool, len(alphabet))
	chars := make([]byte, 0, len(alphabet))
	for i := 0; i < len(alphabet); i++ {
		c := alphabet[i]
		if !seen[c] {
			seen[c] = true
			chars = append(chars, c)
		}
	}
	return chars
}

// Spec describes one secret artifact.
type Spec struct {
	// Name is the file name under secrets/, e.g. "db.lega".
	Name     string
	Length   int
	Alphabet string
}

// Path returns the output path of a secret named name.
func Path(name string) string {
	return "secrets/" + name
}

// ID returns the artifact identifier of a secret named name.
func ID(name string) string {
	return Path(name)
}

// Artifact returns the graph node that produces the secret.
func (g *Generator) Artifact(spec Spec) engine.Artifact {
	if spec.Length == 0 {
		spec.Length = DefaultLength
	}
	if spec.Alphabet == "" {
		spec.Alphabet = DefaultAlphabet
	}
	return g.artifact(ID(spec.Name), Path(spec.Name), engine.KindSecret, spec)
}

// PassphraseArtifact returns a secret node stored at an arbitrary path,
// used for user passphrases that live next to their keys.
func (g *Generator) PassphraseArtifact(id, path string, kind engine.Kind) engine.Artifact {
	return g.artifact(id, path, kind, Spec{Length: DefaultLength, Alphabet: DefaultAlphabet})
}

func (g *Generator) artifact(id, path string, kind engine.Kind, spec Spec) engine.Artifact {
	return engine.Artifact{
		ID:      id,
		Kind:    kind,
		Outputs: []engine.Output{{Path: path, Perm: engine.PermPrivate}},
		Recipe:  fmt.Sprintf("secret length=%d alphabet=%q", spec.Length, spec.Alphabet),
		Generate: func(_ context.Context, bc *engine.BuildContext) (map[string][]byte, error) {
			v, err := g.Generate(spec.Length, spec.Alphabet)
			if err != nil {
				return nil, err
			}
			v.ArtifactID = bc.Artifact.ID
			bc.Logger().Debug().Int("length", v.Length).Msg("Generated secret")
			return map[string][]byte{path: v.Bytes}, nil
		},
	}
}
