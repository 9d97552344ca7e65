package variables

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/seekerhq/crawld/internal/domain"
)

// DefaultMaxDepth caps recursive resolution of tokens whose values
// themselves contain tokens.
const DefaultMaxDepth = 10

// Engine resolves ${source.path} tokens against a provider registry.
//
// In strict mode an unresolvable token fails with ErrVariableNotFound;
// in lenient mode the token is left textually intact. A token escaped
// as \${...} is never resolved; the escape is removed exactly once.
type Engine struct {
	providers map[string]Provider
	strict    bool
	coerce    bool
	maxDepth  int
}

// Option configures an Engine.
type Option func(*Engine)

// Strict makes unresolvable tokens fail instead of passing through.
func Strict() Option { return func(e *Engine) { e.strict = true } }

// Coerce enables best-effort typed coercion of substituted string leaves.
func Coerce() Option { return func(e *Engine) { e.coerce = true } }

// MaxDepth overrides the recursion depth cap.
func MaxDepth(n int) Option { return func(e *Engine) { e.maxDepth = n } }

// NewEngine builds an engine over the given providers. Later providers
// with the same source name replace earlier ones.
func NewEngine(providers []Provider, opts ...Option) *Engine {
	e := &Engine{providers: make(map[string]Provider, len(providers)), maxDepth: DefaultMaxDepth}
	for _, p := range providers {
		e.providers[p.Source()] = p
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// resolution tracks one active substitution pass: recursion depth and
// the chain of tokens currently being resolved, for cycle reporting.
type resolution struct {
	depth  int
	chain  []string
	active map[string]bool
}

// Substitute resolves every token in s and returns the resulting
// string. Substitution is idempotent on fully resolved strings, modulo
// one-pass escape unescaping.
func (e *Engine) Substitute(s string) (string, error) {
	out, err := e.substituteString(s, &resolution{active: map[string]bool{}})
	if err != nil {
		return "", err
	}
	return out, nil
}

// SubstituteAny resolves tokens in s; when the entire string is a
// single token the provider value is returned with its type preserved,
// otherwise the result is a string (coerced when coercion is enabled).
func (e *Engine) SubstituteAny(s string) (any, error) {
	return e.substituteAny(s, &resolution{active: map[string]bool{}})
}

// SubstituteStructure recursively walks nested maps and lists,
// substituting every string leaf. Non-string leaves pass through.
func (e *Engine) SubstituteStructure(v any) (any, error) {
	switch node := v.(type) {
	case string:
		return e.SubstituteAny(node)
	case map[string]any:
		out := make(map[string]any, len(node))
		for k, child := range node {
			sub, err := e.SubstituteStructure(child)
			if err != nil {
				return nil, err
			}
			out[k] = sub
		}
		return out, nil
	case []any:
		out := make([]any, len(node))
		for i, child := range node {
			sub, err := e.SubstituteStructure(child)
			if err != nil {
				return nil, err
			}
			out[i] = sub
		}
		return out, nil
	default:
		return v, nil
	}
}

func (e *Engine) substituteAny(s string, st *resolution) (any, error) {
	if src, path, ok := wholeToken(s); ok {
		v, err := e.resolveToken(src, path, st)
		if err != nil {
			return nil, err
		}
		if v.miss {
			return s, nil // lenient: token left intact
		}
		if str, isStr := v.value.(string); isStr && e.coerce {
			return coerceScalar(str), nil
		}
		return v.value, nil
	}
	out, err := e.substituteString(s, st)
	if err != nil {
		return nil, err
	}
	if e.coerce {
		return coerceScalar(out), nil
	}
	return out, nil
}

// substituteString scans s once, resolving tokens and unescaping
// \${ to ${.
func (e *Engine) substituteString(s string, st *resolution) (string, error) {
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '\\' && i+2 < len(s) && s[i+1] == '$' && s[i+2] == '{' {
			// Escaped token: drop the backslash, copy the token text.
			b.WriteString("${")
			i += 3
			continue
		}
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				b.WriteString(s[i:])
				break
			}
			inner := s[i+2 : i+2+end]
			src, path := splitToken(inner)
			v, err := e.resolveToken(src, path, st)
			if err != nil {
				return "", err
			}
			if v.miss {
				b.WriteString(s[i : i+3+end]) // lenient: keep token text
			} else {
				b.WriteString(stringify(v.value))
			}
			i += 3 + end
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String(), nil
}

type resolved struct {
	value any
	miss  bool
}

func (e *Engine) resolveToken(src, path string, st *resolution) (resolved, error) {
	token := src
	if path != "" {
		token = src + "." + path
	}
	provider, ok := e.providers[src]
	if !ok {
		return e.miss(token)
	}
	raw, ok := provider.Get(path)
	if !ok {
		return e.miss(token)
	}
	str, isStr := raw.(string)
	if !isStr || !strings.Contains(str, "${") {
		return resolved{value: raw}, nil
	}
	// The value itself contains tokens: recurse with cycle tracking.
	if st.active[token] {
		chain := strings.Join(append(st.chain, token), " -> ")
		return resolved{}, domain.E("variables.resolve", domain.ErrCircularReference, chain)
	}
	if st.depth+1 > e.maxDepth {
		return resolved{}, domain.E("variables.resolve",
			fmt.Errorf("%w (max %d)", domain.ErrVariableDepth, e.maxDepth), token)
	}
	st.depth++
	st.chain = append(st.chain, token)
	st.active[token] = true
	out, err := e.substituteString(str, st)
	delete(st.active, token)
	st.chain = st.chain[:len(st.chain)-1]
	st.depth--
	if err != nil {
		return resolved{}, err
	}
	return resolved{value: out}, nil
}

func (e *Engine) miss(token string) (resolved, error) {
	if e.strict {
		return resolved{}, domain.E("variables.resolve", domain.ErrVariableNotFound, token)
	}
	return resolved{miss: true}, nil
}

// wholeToken reports whether s is exactly one unescaped token.
func wholeToken(s string) (src, path string, ok bool) {
	if !strings.HasPrefix(s, "${") || !strings.HasSuffix(s, "}") {
		return "", "", false
	}
	inner := s[2 : len(s)-1]
	if strings.ContainsAny(inner, "{}") {
		return "", "", false
	}
	src, path = splitToken(inner)
	return src, path, true
}

func splitToken(inner string) (src, path string) {
	if idx := strings.IndexByte(inner, '.'); idx >= 0 {
		return inner[:idx], inner[idx+1:]
	}
	return inner, ""
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case nil:
		return ""
	default:
		raw, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprintf("%v", x)
		}
		return string(raw)
	}
}
