package activation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/core-tools/hsu-orchestrator/pkg/errors"
	"github.com/core-tools/hsu-orchestrator/pkg/location"
)

func at(href string) location.Location {
	return location.MustParse("http://localhost" + href)
}

func TestPathPattern(t *testing.T) {
	tests := []struct {
		path     string
		expected string
	}{
		{"/app1", `^/app1([/#].*)?$`},
		{"app1", `^/app1([/#].*)?$`},
		{"/app1/", `^/app1/.*$`},
		{"/users/:id", `^/users/[^/]+/?`},
		{"/users/:id/", `^/users/[^/]+/?/.*$`},
		{"/users/:id/settings", `^/users/[^/]+/?/settings([/#].*)?$`},
		{"/a.b", `^/a\.b([/#].*)?$`},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.expected, PathPattern(tt.path))
		})
	}
}

func TestFromPath_StaticSegment(t *testing.T) {
	active := FromPath("/app1")

	for _, href := range []string{"/app1", "/app1/", "/app1/x", "/app1#frag", "/app1?x=1", "/APP1"} {
		assert.True(t, active(at(href)), href)
	}
	for _, href := range []string{"/app1x", "/other", "/", "/x/app1"} {
		assert.False(t, active(at(href)), href)
	}
}

func TestFromPath_DynamicSegment(t *testing.T) {
	active := FromPath("/users/:id")

	assert.True(t, active(at("/users/5")))
	assert.True(t, active(at("/users/5/")))
	assert.False(t, active(at("/users")))
	assert.False(t, active(at("/users/")))

	// A trailing dynamic segment leaves the end unanchored.
	assert.True(t, active(at("/users/5/extra/path")))
}

func TestFromPath_TrailingSlash(t *testing.T) {
	active := FromPath("/docs/")

	assert.True(t, active(at("/docs/")))
	assert.True(t, active(at("/docs/a/b")))
	assert.False(t, active(at("/docs")))
}

func TestFromPath_IgnoresOriginAndQuery(t *testing.T) {
	active := FromPath("/app1")

	loc := location.MustParse("https://app1.example.com:8443/app1?next=/other")
	assert.True(t, active(loc))

	assert.False(t, active(location.MustParse("https://example.com/other?back=/app1")))
}

func TestAny(t *testing.T) {
	p := Any(FromPath("/a"), FromPath("/b"))
	assert.True(t, p(at("/a")))
	assert.True(t, p(at("/b/1")))
	assert.False(t, p(at("/c")))

	assert.False(t, Any()(at("/a")))
}

func TestCompile(t *testing.T) {
	custom := func(loc location.Location) bool { return loc.Search == "?admin=1" }

	t.Run("string", func(t *testing.T) {
		p, err := Compile("/a")
		require.NoError(t, err)
		assert.True(t, p(at("/a")))
	})

	t.Run("function", func(t *testing.T) {
		p, err := Compile(custom)
		require.NoError(t, err)
		assert.True(t, p(at("/anything?admin=1")))
	})

	t.Run("mixed_list", func(t *testing.T) {
		p, err := Compile([]interface{}{"/a", custom, Predicate(FromPath("/b"))})
		require.NoError(t, err)
		assert.True(t, p(at("/a")))
		assert.True(t, p(at("/b")))
		assert.True(t, p(at("/z?admin=1")))
		assert.False(t, p(at("/z")))
	})

	t.Run("string_list", func(t *testing.T) {
		p, err := Compile([]string{"/a", "/users/:id"})
		require.NoError(t, err)
		assert.True(t, p(at("/users/1")))
	})

	invalid := []struct {
		name string
		rule interface{}
	}{
		{"nil", nil},
		{"number", 42},
		{"empty_list", []string{}},
		{"bad_item", []interface{}{"/a", 3}},
		{"nil_predicate", Predicate(nil)},
	}
	for _, tt := range invalid {
		t.Run("invalid_"+tt.name, func(t *testing.T) {
			_, err := Compile(tt.rule)
			assert.True(t, errors.IsValidationError(err))
		})
	}
}
