package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/ega-archive/egaboot/pkg/compose"
	"github.com/ega-archive/egaboot/pkg/engine"
	"github.com/ega-archive/egaboot/pkg/pki"
	"github.com/ega-archive/egaboot/pkg/secrets"
)

// SchemaVersion is the version written by Default and `egaboot init`.
const SchemaVersion = "1.0.0"

// SupportedSchemas is the range of schema_version values this build reads.
const SupportedSchemas = ">= 1.0.0, < 2.0.0"

// Defaults applied to fields left unset.
const (
	DefaultOutputRoot   = "private"
	DefaultRootName     = "LocalEGA root CA"
	DefaultValidityDays = 365
	DefaultOrganization = "LocalEGA"
	DefaultBaseUID      = 10000
)

// Format is a deployment file format.
type Format string

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
)

// FormatOf picks the format from a file extension; .json files are read
// as CUE, which is a superset of JSON.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue", ".json":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported deployment file extension %q", filepath.Ext(path))
	}
}

// Loader reads, defaults and validates deployment files.
type Loader struct {
	parser    *CUEParser
	validator *validator.Validate
}

// NewLoader creates a loader.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Loader{parser: NewCUEParser(), validator: v}
}

// Load reads the deployment at path. Relative output roots are resolved
// against the file's directory. Every problem is returned as one
// ValidationError wrapping ValidationErrors.
func (l *Loader) Load(path string) (*Deployment, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, engine.NewValidationError("load deployment", err).WithPath(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, engine.NewConfigError("read deployment", err).WithCode(engine.ErrCodeIO).WithPath(path)
	}

	d, err := l.Decode(data, format, path)
	if err != nil {
		return nil, err
	}
	if !filepath.IsAbs(d.OutputRoot) {
		d.OutputRoot = filepath.Join(filepath.Dir(path), d.OutputRoot)
	}
	return d, nil
}

// Decode parses, defaults and validates deployment content.
func (l *Loader) Decode(data []byte, format Format, filename string) (*Deployment, error) {
	var (
		d    *Deployment
		errs ValidationErrors
	)
	switch format {
	case FormatCUE:
		d, errs = l.parser.ParseInline(string(data), filename)
	case FormatYAML:
		d, errs = l.decodeYAML(data, filename)
	default:
		return nil, engine.NewValidationError(fmt.Sprintf("unknown format %q", format), nil)
	}
	if len(errs) > 0 {
		return nil, engine.NewValidationError("invalid deployment", errs).WithPath(filename)
	}

	ApplyDefaults(d)
	if errs := l.Validate(d); len(errs) > 0 {
		return nil, engine.NewValidationError("invalid deployment", errs).WithPath(filename)
	}
	return d, nil
}

func (l *Loader) decodeYAML(data []byte, filename string) (*Deployment, ValidationErrors) {
	var d Deployment
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}
	if errs := l.parser.Validate(&d); len(errs) > 0 {
		for i := range errs {
			errs[i].File = filename
		}
		return nil, errs
	}
	return &d, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(d *Deployment) {
	if d.OutputRoot == "" {
		d.OutputRoot = DefaultOutputRoot
	}
	if d.PKI.Algorithm == "" {
		d.PKI.Algorithm = string(pki.ECDSAP256)
	}
	if d.PKI.RootName == "" {
		d.PKI.RootName = DefaultRootName
	}
	if d.PKI.ValidityDays == 0 {
		d.PKI.ValidityDays = DefaultValidityDays
	}
	if d.PKI.Organization == "" {
		d.PKI.Organization = DefaultOrganization
	}
	for i := range d.Secrets {
		if d.Secrets[i].Length == 0 {
			d.Secrets[i].Length = secrets.DefaultLength
		}
		if d.Secrets[i].Alphabet == "" {
			d.Secrets[i].Alphabet = secrets.DefaultAlphabet
		}
	}
	for i := range d.Users {
		if d.Users[i].UID == 0 {
			d.Users[i].UID = DefaultBaseUID + i
		}
	}

	facts := map[string]string{
		compose.FactMQHost: "mq",
		compose.FactMQUser: "admin",
		compose.FactDBHost: "db",
		compose.FactDBName: "lega",
		compose.FactDBUser: "lega",
	}
	for k, v := range d.Facts {
		facts[k] = v
	}
	d.Facts = facts
}

// Validate checks struct constraints, the schema version and references
// between sections.
func (l *Loader) Validate(d *Deployment) ValidationErrors {
	var errs ValidationErrors

	if err := l.validator.Struct(d); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range verrs {
				errs = append(errs, ValidationError{
					Path:    strings.TrimPrefix(fe.Namespace(), "Deployment."),
					Message: fmt.Sprintf("failed %q constraint", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, ValidationError{Message: err.Error()})
		}
	}

	if msg := checkSchemaVersion(d.SchemaVersion); msg != "" {
		errs = append(errs, ValidationError{Path: "schema_version", Message: msg})
	}

	secretNames := make(map[string]bool, len(d.Secrets))
	for i, s := range d.Secrets {
		secretNames[s.Name] = true
		if strings.ContainsAny(s.Alphabet, unsafeAlphabetChars) {
			errs = append(errs, refError("secrets[%d].alphabet", i,
				"alphabet of %q must not contain whitespace, quotes or backticks", s.Name))
		}
	}
	configNames := make(map[string]bool, len(d.Configs))
	for i, c := range d.Configs {
		configNames[c.Name] = true
		if c.Component != "" {
			comp, ok := d.Component(c.Component)
			switch {
			case !ok:
				errs = append(errs, refError("configs[%d].component", i, "unknown component %q", c.Component))
			case !comp.Certificate:
				errs = append(errs, refError("configs[%d].component", i, "component %q has no certificate", c.Component))
			}
		}
		for _, name := range familySecrets(c.Family) {
			if !secretNames[name] {
				errs = append(errs, refError("configs[%d].family", i, "family %s needs secret %q", c.Family, name))
			}
		}
	}
	for i, c := range d.Components {
		if c.Config != "" && !configNames[c.Config] {
			errs = append(errs, refError("components[%d].config", i, "unknown config %q", c.Config))
		}
		for _, dep := range c.DependsOn {
			if _, ok := d.Component(dep); !ok {
				errs = append(errs, refError("components[%d].depends_on", i, "unknown component %q", dep))
			}
		}
	}
	return errs
}

// unsafeAlphabetChars cannot appear in a secret: INI writers and readers
// quote or strip them, so the rendered config would disagree with the
// secret file.
const unsafeAlphabetChars = " \t\r\n\v\f`'\""

func checkSchemaVersion(raw string) string {
	if raw == "" {
		return ""
	}
	v, err := semver.NewVersion(raw)
	if err != nil {
		return fmt.Sprintf("invalid version %q: %v", raw, err)
	}
	c, err := semver.NewConstraint(SupportedSchemas)
	if err != nil {
		return err.Error()
	}
	if !c.Check(v) {
		return fmt.Sprintf("version %s is not supported (want %s)", v, SupportedSchemas)
	}
	return ""
}

func familySecrets(family string) []string {
	for _, f := range compose.BuiltinFamilies() {
		if f.ID == family {
			return f.Secrets
		}
	}
	return nil
}

func refError(pathFormat string, index int, format string, args ...any) ValidationError {
	return ValidationError{Path: fmt.Sprintf(pathFormat, index), Message: fmt.Sprintf(format, args...)}
}

// Marshal renders d in the given format.
func (l *Loader) Marshal(d *Deployment, format Format) ([]byte, error) {
	switch format {
	case FormatCUE:
		return l.parser.Format(d)
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(d); err != nil {
			return nil, err
		}
		if err := enc.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}
