// Package runconfig loads the run configuration: an HCL file declaring the
// run's parameters, resource limits, work directory and publish prefix, with
// an optional YAML overlay that overrides individual parameters.
package runconfig

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/gocty"
	"gopkg.in/yaml.v3"

	"github.com/seqwell/pipegrid/internal/ctxlog"
)

// Config is the fully resolved run configuration.
type Config struct {
	// WorkDir is the root under which run-scoped work directories are
	// created.
	WorkDir string
	// OutputPrefix is the publish destination root. Empty disables
	// publishing.
	OutputPrefix string
	// Limits maps resource label to its concurrency ceiling.
	Limits map[string]int

	params map[string]cty.Value
}

// MissingParamError reports a parameter a stage requires but the run
// configuration does not provide.
type MissingParamError struct {
	Name string
}

func (e *MissingParamError) Error() string {
	return fmt.Sprintf("run configuration provides no parameter %q", e.Name)
}

// fileRoot decodes the top-level surface of a run configuration file.
type fileRoot struct {
	WorkDir      *string     `hcl:"work_dir,optional"`
	OutputPrefix *string     `hcl:"output_prefix,optional"`
	Params       *attrsBlock `hcl:"params,block"`
	Limits       *attrsBlock `hcl:"limits,block"`
	Remain       hcl.Body    `hcl:",remain"`
}

// attrsBlock defers its body so arbitrary attribute names can be collected
// with JustAttributes.
type attrsBlock struct {
	Remain hcl.Body `hcl:",remain"`
}

// Load parses the HCL run configuration at path.
func Load(ctx context.Context, path string) (*Config, error) {
	logger := ctxlog.FromContext(ctx)

	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse run configuration %s: %w", path, diags)
	}

	var root fileRoot
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode run configuration %s: %w", path, diags)
	}

	cfg := &Config{
		Limits: make(map[string]int),
		params: make(map[string]cty.Value),
	}
	if root.WorkDir != nil {
		cfg.WorkDir = *root.WorkDir
	}
	if root.OutputPrefix != nil {
		cfg.OutputPrefix = *root.OutputPrefix
	}

	if root.Params != nil {
		attrs, diags := root.Params.Remain.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("invalid params block in %s: %w", path, diags)
		}
		for name, attr := range attrs {
			val, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("invalid value for parameter %q: %w", name, diags)
			}
			cfg.params[name] = val
		}
	}

	if root.Limits != nil {
		attrs, diags := root.Limits.Remain.JustAttributes()
		if diags.HasErrors() {
			return nil, fmt.Errorf("invalid limits block in %s: %w", path, diags)
		}
		for label, attr := range attrs {
			val, diags := attr.Expr.Value(nil)
			if diags.HasErrors() {
				return nil, fmt.Errorf("invalid limit for label %q: %w", label, diags)
			}
			var limit int
			if err := gocty.FromCtyValue(val, &limit); err != nil {
				return nil, fmt.Errorf("limit for label %q is not an integer: %w", label, err)
			}
			if limit <= 0 {
				return nil, fmt.Errorf("limit for label %q must be positive, got %d", label, limit)
			}
			cfg.Limits[label] = limit
		}
	}

	logger.Debug("Run configuration loaded.", "path", path, "params", len(cfg.params), "limits", len(cfg.Limits))
	return cfg, nil
}

// Overlay applies a YAML parameter file on top of the loaded configuration.
// Keys present in the overlay replace the HCL-declared values; new keys are
// added.
func (c *Config) Overlay(ctx context.Context, path string) error {
	logger := ctxlog.FromContext(ctx)

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read parameter overlay %s: %w", path, err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse parameter overlay %s: %w", path, err)
	}

	for name, raw := range doc {
		val, err := yamlToCty(raw)
		if err != nil {
			return fmt.Errorf("parameter %q in overlay %s: %w", name, path, err)
		}
		c.params[name] = val
	}
	logger.Debug("Parameter overlay applied.", "path", path, "keys", len(doc))
	return nil
}

func yamlToCty(raw any) (cty.Value, error) {
	switch v := raw.(type) {
	case string:
		return cty.StringVal(v), nil
	case bool:
		return cty.BoolVal(v), nil
	case int:
		return cty.NumberIntVal(int64(v)), nil
	case int64:
		return cty.NumberIntVal(v), nil
	case float64:
		return cty.NumberFloatVal(v), nil
	case []any:
		if len(v) == 0 {
			return cty.ListValEmpty(cty.String), nil
		}
		elems := make([]cty.Value, 0, len(v))
		for _, e := range v {
			ev, err := yamlToCty(e)
			if err != nil {
				return cty.NilVal, err
			}
			sv, err := convert.Convert(ev, cty.String)
			if err != nil {
				return cty.NilVal, err
			}
			elems = append(elems, sv)
		}
		return cty.ListVal(elems), nil
	default:
		return cty.NilVal, fmt.Errorf("unsupported value type %T", raw)
	}
}

// Has reports whether the parameter is provided.
func (c *Config) Has(name string) bool {
	_, ok := c.params[name]
	return ok
}

// String resolves a parameter as a string.
func (c *Config) String(name string) (string, error) {
	val, ok := c.params[name]
	if !ok {
		return "", &MissingParamError{Name: name}
	}
	conv, err := convert.Convert(val, cty.String)
	if err != nil {
		return "", fmt.Errorf("parameter %q is not a string: %w", name, err)
	}
	return conv.AsString(), nil
}

// Int resolves a parameter as an integer.
func (c *Config) Int(name string) (int64, error) {
	val, ok := c.params[name]
	if !ok {
		return 0, &MissingParamError{Name: name}
	}
	var out int64
	if err := gocty.FromCtyValue(val, &out); err != nil {
		return 0, fmt.Errorf("parameter %q is not an integer: %w", name, err)
	}
	return out, nil
}

// StringList resolves a parameter as a list of strings. A scalar string is
// treated as a single-element list.
func (c *Config) StringList(name string) ([]string, error) {
	val, ok := c.params[name]
	if !ok {
		return nil, &MissingParamError{Name: name}
	}
	if val.Type() == cty.String {
		return []string{val.AsString()}, nil
	}
	if !val.Type().IsListType() && !val.Type().IsTupleType() {
		return nil, fmt.Errorf("parameter %q is not a list", name)
	}
	var out []string
	for it := val.ElementIterator(); it.Next(); {
		_, elem := it.Element()
		conv, err := convert.Convert(elem, cty.String)
		if err != nil {
			return nil, fmt.Errorf("parameter %q contains a non-string element: %w", name, err)
		}
		out = append(out, conv.AsString())
	}
	return out, nil
}

// Validate checks that every required parameter is provided, reporting all
// missing names at once.
func (c *Config) Validate(required []string) error {
	var missing []string
	for _, name := range required {
		if !c.Has(name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("run configuration is missing required parameters: %s", strings.Join(missing, ", "))
	}
	return nil
}
