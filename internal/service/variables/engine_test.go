package variables

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seekerhq/crawld/internal/domain"
)

func testEngine(vars map[string]any, opts ...Option) *Engine {
	return NewEngine([]Provider{NewMapProvider(SourceVariables, vars)}, opts...)
}

func TestSubstituteSimple(t *testing.T) {
	e := testEngine(map[string]any{"city": "Austin", "page": 2})
	out, err := e.Substitute("q=${variables.city}&p=${variables.page}")
	require.NoError(t, err)
	assert.Equal(t, "q=Austin&p=2", out)
}

func TestSubstituteNestedPath(t *testing.T) {
	e := testEngine(map[string]any{
		"auth": map[string]any{"header": map[string]any{"name": "X-Key"}},
	})
	out, err := e.Substitute("${variables.auth.header.name}")
	require.NoError(t, err)
	assert.Equal(t, "X-Key", out)
}

func TestSubstituteListIndex(t *testing.T) {
	e := testEngine(map[string]any{"hosts": []any{"a.example", "b.example"}})
	out, err := e.Substitute("${variables.hosts.1}")
	require.NoError(t, err)
	assert.Equal(t, "b.example", out)
}

func TestSubstituteRecursive(t *testing.T) {
	e := testEngine(map[string]any{
		"greeting": "hello ${variables.name}",
		"name":     "world",
	})
	out, err := e.Substitute("${variables.greeting}")
	require.NoError(t, err)
	assert.Equal(t, "hello world", out)
}

func TestSubstituteCycle(t *testing.T) {
	e := testEngine(map[string]any{
		"a": "${variables.b}",
		"b": "${variables.a}",
	})
	_, err := e.Substitute("${variables.a}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCircularReference))
}

func TestSubstituteSelfCycle(t *testing.T) {
	e := testEngine(map[string]any{"a": "x${variables.a}"})
	_, err := e.Substitute("${variables.a}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrCircularReference))
}

func TestSubstituteDepthLimit(t *testing.T) {
	vars := map[string]any{}
	// A linear chain longer than the depth cap; no cycle.
	for i := 0; i < 15; i++ {
		vars[key(i)] = "${variables." + key(i+1) + "}"
	}
	vars[key(15)] = "leaf"
	e := testEngine(vars)
	_, err := e.Substitute("${variables." + key(0) + "}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrVariableDepth))
}

func key(i int) string { return string(rune('a'+i/10)) + string(rune('a'+i%10)) }

func TestSubstituteEscape(t *testing.T) {
	e := testEngine(map[string]any{"x": "1"})
	out, err := e.Substitute(`literal \${variables.x} and real ${variables.x}`)
	require.NoError(t, err)
	assert.Equal(t, "literal ${variables.x} and real 1", out)
}

func TestSubstituteMissingLenient(t *testing.T) {
	e := testEngine(map[string]any{})
	out, err := e.Substitute("keep ${variables.nope} intact")
	require.NoError(t, err)
	assert.Equal(t, "keep ${variables.nope} intact", out)
}

func TestSubstituteMissingStrict(t *testing.T) {
	e := testEngine(map[string]any{}, Strict())
	_, err := e.Substitute("${variables.nope}")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrVariableNotFound))
}

func TestSubstituteAnyPreservesType(t *testing.T) {
	e := testEngine(map[string]any{"n": 7, "flag": true, "obj": map[string]any{"k": "v"}})

	out, err := e.SubstituteAny("${variables.n}")
	require.NoError(t, err)
	assert.Equal(t, 7, out)

	out, err = e.SubstituteAny("${variables.flag}")
	require.NoError(t, err)
	assert.Equal(t, true, out)

	out, err = e.SubstituteAny("${variables.obj}")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out)

	// Embedded in a larger string: stringified.
	out, err = e.SubstituteAny("n=${variables.n}")
	require.NoError(t, err)
	assert.Equal(t, "n=7", out)
}

func TestSubstituteStructure(t *testing.T) {
	e := testEngine(map[string]any{"base": "https://example.com", "depth": 3})
	in := map[string]any{
		"url":   "${variables.base}/list",
		"限界":    "${variables.depth}",
		"items": []any{"${variables.base}", "static"},
	}
	out, err := e.SubstituteStructure(in)
	require.NoError(t, err)
	m, ok := out.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://example.com/list", m["url"])
	assert.Equal(t, 3, m["限界"])
	assert.Equal(t, []any{"https://example.com", "static"}, m["items"])
}

func TestCoercion(t *testing.T) {
	e := NewEngine([]Provider{NewEnvProvider(map[string]string{
		"COUNT": "42",
		"RATIO": "0.5",
		"ON":    "yes",
		"ONE":   "1",
		"JSONV": `{"a":1}`,
	}, false)}, Coerce())

	out, err := e.SubstituteAny("${ENV.COUNT}")
	require.NoError(t, err)
	assert.Equal(t, 42, out)

	out, err = e.SubstituteAny("${ENV.RATIO}")
	require.NoError(t, err)
	assert.Equal(t, 0.5, out)

	out, err = e.SubstituteAny("${ENV.ON}")
	require.NoError(t, err)
	assert.Equal(t, true, out)

	// Numeric strings coerce to numbers before bool words: "1" is int 1.
	out, err = e.SubstituteAny("${ENV.ONE}")
	require.NoError(t, err)
	assert.Equal(t, 1, out)

	out, err = e.SubstituteAny("${ENV.JSONV}")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, out)
}

func TestConvertType(t *testing.T) {
	v, err := ConvertType("42", "int")
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	v, err = ConvertType(10, "str")
	require.NoError(t, err)
	assert.Equal(t, "10", v)

	v, err = ConvertType("off", "bool")
	require.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = ConvertType("a, b,c", "list")
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, v)

	v, err = ConvertType(`{"k":"v"}`, "dict")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, v)

	_, err = ConvertType("not a number", "int")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidArgument))
}

func TestPaginationDefaults(t *testing.T) {
	p := NewPaginationProvider(nil)
	v, ok := p.Get("current_page")
	require.True(t, ok)
	assert.Equal(t, 1, v)
	v, ok = p.Get("page_size")
	require.True(t, ok)
	assert.Equal(t, 10, v)
	v, ok = p.Get("offset")
	require.True(t, ok)
	assert.Equal(t, 0, v)
}

func TestForJobMetadata(t *testing.T) {
	wid := "site-1"
	job := domain.Job{ID: "job-1", SeedURL: "https://example.com", Type: domain.JobTypeOneTime, Priority: 5, WebsiteID: &wid}
	e := ForJob(job, nil, map[string]any{"items": []any{"x"}}, nil)

	out, err := e.Substitute("${metadata.job_id} ${metadata.seed_url}")
	require.NoError(t, err)
	assert.Equal(t, "job-1 https://example.com", out)

	v, err := e.SubstituteAny("${input.items.0}")
	require.NoError(t, err)
	assert.Equal(t, "x", v)
}

func TestSubstituteIdempotentOnResolved(t *testing.T) {
	e := testEngine(map[string]any{"v": "plain"})
	once, err := e.Substitute("${variables.v}")
	require.NoError(t, err)
	twice, err := e.Substitute(once)
	require.NoError(t, err)
	assert.Equal(t, once, twice)
}
