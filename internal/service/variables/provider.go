// Package variables implements ${source.path} token resolution over a
// fixed registry of providers, with recursive substitution, cycle
// detection, and optional type coercion.
package variables

import (
	"os"
	"sort"
	"strconv"
	"strings"
)

// Provider resolves dotted paths for one token source.
type Provider interface {
	// Get returns the value at path, or false when the path is unknown.
	Get(path string) (any, bool)
	// List enumerates resolvable paths, used for diagnostics.
	List() []string
	// Source is the token source name this provider serves.
	Source() string
}

// Token source names recognized by the registry.
const (
	SourceVariables  = "variables"
	SourceEnv        = "ENV"
	SourceInput      = "input"
	SourcePagination = "pagination"
	SourceMetadata   = "metadata"
)

// walkPath navigates a nested structure along a dotted key sequence.
// Map keys are matched literally; numeric segments index into slices.
// The boolean distinguishes "present" from "missing" so that nil values
// resolve correctly.
func walkPath(root any, path string) (any, bool) {
	if path == "" {
		return root, true
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// listPaths flattens a nested map into sorted dotted paths.
func listPaths(prefix string, m map[string]any) []string {
	var out []string
	for k, v := range m {
		p := k
		if prefix != "" {
			p = prefix + "." + k
		}
		if child, ok := v.(map[string]any); ok {
			out = append(out, listPaths(p, child)...)
		} else {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// MapProvider serves a nested map under a fixed source name. Used for
// the variables, input, and metadata sources.
type MapProvider struct {
	source string
	values map[string]any
}

func NewMapProvider(source string, values map[string]any) *MapProvider {
	if values == nil {
		values = map[string]any{}
	}
	return &MapProvider{source: source, values: values}
}

func (p *MapProvider) Get(path string) (any, bool) { return walkPath(p.values, path) }
func (p *MapProvider) List() []string              { return listPaths("", p.values) }
func (p *MapProvider) Source() string              { return p.source }

// EnvProvider serves a configured environment map, optionally falling
// back to the process environment.
type EnvProvider struct {
	values      map[string]string
	processFall bool
}

func NewEnvProvider(values map[string]string, processFallback bool) *EnvProvider {
	if values == nil {
		values = map[string]string{}
	}
	return &EnvProvider{values: values, processFall: processFallback}
}

func (p *EnvProvider) Get(path string) (any, bool) {
	if v, ok := p.values[path]; ok {
		return v, true
	}
	if p.processFall {
		if v, ok := os.LookupEnv(path); ok {
			return v, true
		}
	}
	return nil, false
}

func (p *EnvProvider) List() []string {
	out := make([]string, 0, len(p.values))
	for k := range p.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (p *EnvProvider) Source() string { return SourceEnv }

// PaginationProvider serves crawl pagination counters with built-in
// defaults that callers may override.
type PaginationProvider struct {
	values map[string]any
}

func NewPaginationProvider(overrides map[string]any) *PaginationProvider {
	values := map[string]any{
		"current_page": 1,
		"page_size":    10,
		"total_pages":  0,
		"total_items":  0,
		"offset":       0,
	}
	for k, v := range overrides {
		values[k] = v
	}
	return &PaginationProvider{values: values}
}

func (p *PaginationProvider) Get(path string) (any, bool) { return walkPath(p.values, path) }
func (p *PaginationProvider) List() []string              { return listPaths("", p.values) }
func (p *PaginationProvider) Source() string              { return SourcePagination }
