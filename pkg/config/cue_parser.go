package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader reads configuration and resource manifests written in CUE, YAML
// or JSON. Documents are unified with the built-in schemas, which fill in
// defaults, then checked field by field.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewLoader creates a loader with the built-in schemas.
func NewLoader() *Loader {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Loader{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		validator: v,
	}
}

// Schemas returns the schema registry.
func (l *Loader) Schemas() *SchemaRegistry {
	return l.schemas
}

// Default returns the configuration used when no file is given.
func (l *Loader) Default() (*Config, error) {
	return l.ParseConfig("default.cue", nil)
}

// LoadConfig reads the configuration file at path. An empty path yields
// the defaults.
func (l *Loader) LoadConfig(path string) (*Config, error) {
	if path == "" {
		return l.Default()
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := l.ParseConfig(path, content)
	if err != nil {
		return nil, err
	}
	if cfg.Hostname.ScriptFile != "" && !filepath.IsAbs(cfg.Hostname.ScriptFile) {
		cfg.Hostname.ScriptFile = filepath.Join(filepath.Dir(path), cfg.Hostname.ScriptFile)
	}
	if cfg.Policy.Dir != "" && !filepath.IsAbs(cfg.Policy.Dir) {
		cfg.Policy.Dir = filepath.Join(filepath.Dir(path), cfg.Policy.Dir)
	}
	return cfg, nil
}

// ParseConfig parses configuration content. The format follows the
// extension of name.
func (l *Loader) ParseConfig(name string, content []byte) (*Config, error) {
	var cfg Config
	if err := l.decode(name, content, SchemaConfig, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadResourceManifest reads the resource manifest at path.
func (l *Loader) LoadResourceManifest(path string) (*ResourceManifest, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}
	return l.ParseResourceManifest(path, content)
}

// ParseResourceManifest parses a resource manifest.
func (l *Loader) ParseResourceManifest(name string, content []byte) (*ResourceManifest, error) {
	var m ResourceManifest
	if err := l.decode(name, content, SchemaResource, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// HostnameScript returns the hostname script configured inline or by file,
// or "" when none is.
func (c *Config) HostnameScript() (string, error) {
	if c.Hostname.Script != "" {
		return c.Hostname.Script, nil
	}
	if c.Hostname.ScriptFile == "" {
		return "", nil
	}
	content, err := os.ReadFile(c.Hostname.ScriptFile)
	if err != nil {
		return "", fmt.Errorf("failed to read hostname script: %w", err)
	}
	return string(content), nil
}

func (l *Loader) decode(name string, content []byte, schema string, out interface{}) error {
	val, err := l.compile(name, content)
	if err != nil {
		return err
	}

	unified, err := l.schemas.Apply(schema, val)
	if err != nil {
		return convertCUEErrors(name, err)
	}

	data, err := l.exportJSON(unified)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return ValidationErrors{{File: name, Message: err.Error()}}
	}

	if err := l.validator.Struct(out); err != nil {
		return convertValidatorErrors(name, err)
	}
	return nil
}

func (l *Loader) compile(name string, content []byte) (cue.Value, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".cue":
		val := l.ctx.CompileBytes(content, cue.Filename(name))
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(name, err)
		}
		return val, nil
	default:
		// YAML is a superset of JSON.
		doc := make(map[string]interface{})
		if err := yaml.Unmarshal(content, &doc); err != nil {
			return cue.Value{}, ValidationErrors{{File: name, Message: err.Error()}}
		}
		val := l.ctx.Encode(doc)
		if err := val.Err(); err != nil {
			return cue.Value{}, convertCUEErrors(name, err)
		}
		return val, nil
	}
}

// exportJSON exports a concrete CUE value to JSON.
func (l *Loader) exportJSON(val cue.Value) ([]byte, error) {
	var data interface{}
	if err := val.Decode(&data); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return json.Marshal(data)
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(file string, err error) ValidationErrors {
	var out ValidationErrors
	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			File:    file,
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 && pos[0].Filename() == file {
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		out = append(out, ve)
	}
	if len(out) == 0 {
		out = append(out, ValidationError{File: file, Message: err.Error()})
	}
	return out
}

func convertValidatorErrors(file string, err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return ValidationErrors{{File: file, Message: err.Error()}}
	}
	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		path := fe.Namespace()
		if i := strings.Index(path, "."); i >= 0 {
			path = path[i+1:]
		}
		msg := fmt.Sprintf("failed %q check", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q check (%s)", fe.Tag(), fe.Param())
		}
		out = append(out, ValidationError{File: file, Path: path, Message: msg})
	}
	return out
}
