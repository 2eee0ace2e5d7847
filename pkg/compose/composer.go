// Package compose renders the INI configuration files of the archive
// services from template families.
package compose

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/ini.v1"

	"github.com/ega-archive/egaboot/pkg/engine"
)

func init() {
	// Services parse their config with Python's configparser, which wants
	// an explicit [DEFAULT] header and "key = value" lines.
	ini.DefaultHeader = true
	ini.PrettyFormat = false
	ini.PrettyEqual = true
}

// DockerSecretsPrefix replaces inline secret values in docker-secrets mode.
const DockerSecretsPrefix = "secret:///run/secrets/"

// Context is what a template can reference.
type Context struct {
	// Params are instance parameters, e.g. queue or destination.
	Params map[string]string

	// Secrets maps secret names to their values.
	Secrets map[string]string

	// Certs maps certificate roles (ca, cert, key) to file paths as seen by
	// the service.
	Certs map[string]string

	// Facts are deployment-wide values such as host names.
	Facts map[string]string

	// DockerSecrets renders secrets as docker secret references instead of
	// inline values.
	DockerSecrets bool
}

// Entry is one key of a section. Value is a text/template.
type Entry struct {
	Key   string
	Value string
}

// Section is an INI section. The name DEFAULT is the default section.
type Section struct {
	Name    string
	Entries []Entry
}

// Family is a parameterized config template. Several instances of the same
// family can be rendered with different parameters.
type Family struct {
	ID string

	// Secrets names the secrets the family references; instances depend on
	// their artifacts.
	Secrets []string

	// Defaults fill in parameters an instance leaves unset.
	Defaults map[string]string

	Sections []Section
}

// Digest returns a stable description of the family's templates.
func (f *Family) Digest() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s|%s", f.ID, strings.Join(f.Secrets, ","))
	b.WriteString("|" + joinSorted(f.Defaults))
	for _, s := range f.Sections {
		b.WriteString("|[" + s.Name + "]")
		for _, e := range s.Entries {
			b.WriteString(e.Key + "=" + e.Value + ";")
		}
	}
	return b.String()
}

// References returns the secrets a rendered instance points at. Inline
// mode embeds the family's secrets. In docker-secrets mode a secret wrapped
// by a connection URL is referenced through that connection secret and
// every other secret by its own name.
func (f *Family) References(docker bool) []string {
	if !docker {
		return append([]string(nil), f.Secrets...)
	}
	wrapped := make(map[string]string)
	for _, conn := range Connections() {
		wrapped[conn.Secret] = conn.Name
	}
	refs := make([]string, 0, len(f.Secrets))
	seen := make(map[string]bool, len(f.Secrets))
	for _, name := range f.Secrets {
		if conn, ok := wrapped[name]; ok {
			name = conn
		}
		if !seen[name] {
			seen[name] = true
			refs = append(refs, name)
		}
	}
	return refs
}

type compiledEntry struct {
	key  string
	tmpl *template.Template
}

type compiledSection struct {
	name    string
	entries []compiledEntry
}

type compiledFamily struct {
	family   Family
	sections []compiledSection
}

// Composer holds the registered families.
type Composer struct {
	mu       sync.RWMutex
	families map[string]*compiledFamily
}

// NewComposer returns a composer with the built-in families registered.
func NewComposer() *Composer {
	c := &Composer{families: make(map[string]*compiledFamily)}
	for _, f := range BuiltinFamilies() {
		if err := c.Register(f); err != nil {
			panic(fmt.Sprintf("builtin family %s: %v", f.ID, err))
		}
	}
	return c
}

// Register adds or replaces a family. Templates are parsed up front.
func (c *Composer) Register(f Family) error {
	if f.ID == "" {
		return engine.NewValidationError("template family has no id", nil)
	}

	cf := &compiledFamily{family: f}
	for _, s := range f.Sections {
		cs := compiledSection{name: s.Name}
		for _, e := range s.Entries {
			tmpl, err := template.New(f.ID + "." + s.Name + "." + e.Key).
				Funcs(funcs(f, Context{}, nil)).
				Parse(e.Value)
			if err != nil {
				return engine.NewValidationError(fmt.Sprintf("parse template %s [%s] %s", f.ID, s.Name, e.Key), err)
			}
			cs.entries = append(cs.entries, compiledEntry{key: e.Key, tmpl: tmpl})
		}
		cf.sections = append(cf.sections, cs)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.families[f.ID] = cf
	return nil
}

// Family returns a registered family.
func (c *Composer) Family(id string) (*Family, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cf, ok := c.families[id]
	if !ok {
		return nil, false
	}
	f := cf.family
	return &f, true
}

// Families lists the registered family ids.
func (c *Composer) Families() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.families))
	for id := range c.families {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Render produces the INI text of family templateID for ctx. The output
// depends on nothing but its inputs. Every missing reference is reported
// in a single ConfigError.
func (c *Composer) Render(templateID string, ctx Context) (string, error) {
	c.mu.RLock()
	cf, ok := c.families[templateID]
	c.mu.RUnlock()
	if !ok {
		return "", engine.NewConfigError(fmt.Sprintf("unknown template family %q", templateID), nil).
			WithCode(engine.ErrCodeUnknownArtifact)
	}

	missing := make(map[string]bool)
	fm := funcs(cf.family, ctx, missing)

	// '#' and ';' are legal in secrets; without this the writer wraps such
	// values in backticks that configparser keeps literally
	file := ini.Empty(ini.LoadOptions{IgnoreInlineComment: true})
	for _, cs := range cf.sections {
		section := file.Section(cs.name)
		for _, ce := range cs.entries {
			tmpl, err := ce.tmpl.Clone()
			if err != nil {
				return "", engine.NewConfigError("clone template", err)
			}
			var buf bytes.Buffer
			if err := tmpl.Funcs(fm).Execute(&buf, nil); err != nil {
				return "", engine.NewConfigError(fmt.Sprintf("render %s [%s] %s", templateID, cs.name, ce.key), err)
			}
			if _, err := section.NewKey(ce.key, buf.String()); err != nil {
				return "", engine.NewConfigError(fmt.Sprintf("set %s [%s] %s", templateID, cs.name, ce.key), err)
			}
		}
	}

	if len(missing) > 0 {
		return "", engine.NewConfigError(
			fmt.Sprintf("%s references missing values: %s", templateID, strings.Join(sortedKeys(missing), ", ")), nil)
	}

	var out bytes.Buffer
	if _, err := file.WriteTo(&out); err != nil {
		return "", engine.NewConfigError("write ini", err)
	}
	return out.String(), nil
}

// RenderValue renders a single template string outside any family, for
// values that end up in their own file such as docker secret connection
// strings.
func RenderValue(text string, defaults map[string]string, ctx Context) (string, error) {
	missing := make(map[string]bool)
	tmpl, err := template.New("value").Funcs(funcs(Family{Defaults: defaults}, ctx, missing)).Parse(text)
	if err != nil {
		return "", engine.NewConfigError("parse value template", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, nil); err != nil {
		return "", engine.NewConfigError("render value", err)
	}
	if len(missing) > 0 {
		return "", engine.NewConfigError("value references missing values: "+strings.Join(sortedKeys(missing), ", "), nil)
	}
	return buf.String(), nil
}

// funcs builds the template functions for one render. A missing reference
// renders empty and is recorded in missing, so one render reports all of
// them. With a nil missing map (template parsing) lookups never fail.
func funcs(f Family, ctx Context, missing map[string]bool) template.FuncMap {
	lookup := func(kind string, values map[string]string, fallback map[string]string) func(string) string {
		return func(name string) string {
			if v, ok := values[name]; ok {
				return v
			}
			if v, ok := fallback[name]; ok {
				return v
			}
			if missing != nil {
				missing[kind+" "+name] = true
			}
			return ""
		}
	}

	secret := lookup("secret", ctx.Secrets, nil)
	return template.FuncMap{
		"param": lookup("param", ctx.Params, f.Defaults),
		"cert":  lookup("cert", ctx.Certs, nil),
		"fact":  lookup("fact", ctx.Facts, nil),
		"secret": func(name string) string {
			if ctx.DockerSecrets {
				return DockerSecretsPrefix + name
			}
			return secret(name)
		},
		"docker": func() bool { return ctx.DockerSecrets },
	}
}

func joinSorted(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + m[k]
	}
	return strings.Join(pairs, ",")
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
