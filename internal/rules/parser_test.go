package rules

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Valid(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"equality", "auth.id = record.userId"},
		{"string literal single quote", "record.status = 'published'"},
		{"string literal double quote", `record.status = "published"`},
		{"numeric comparison", "record.views > 10"},
		{"and chain", "record.status = 'published' && record.views > 10"},
		{"or", "auth.admin = true || record.public = true"},
		{"not", "!record.archived"},
		{"nested parens", "(auth.id = record.userId || record.public = true) && record.views >= 0"},
		{"nested field path", "record.meta.owner.id = auth.id"},
		{"null literal", "auth.id != null"},
		{"negative number", "record.balance > -10"},
		{"helper now", "record.expiresAt > $now()"},
		{"helper contains", "$contains(record.tags, 'go')"},
		{"helper size", "$size(record.tags) > 0"},
		{"helper isEmpty", "$isEmpty(record.draft)"},
		{"helper isNotEmpty", "$isNotEmpty(auth.id)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, err := Parse(tt.expr)
			require.NoError(t, err)
			require.NotNil(t, node)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"double equals", "record.status == 'x'"},
		{"triple equals", `record.title = "foo ===`},
		{"unknown root", "user.id = 'x'"},
		{"bare identifier", "status = 'x'"},
		{"unknown helper", "$magic(record.id)"},
		{"wrong arity", "$contains(record.tags)"},
		{"unterminated string", "record.status = 'open"},
		{"trailing operator", "record.views >"},
		{"unbalanced paren", "(record.views > 1"},
		{"empty expression", ""},
		{"assignment chains", "record.a = record.b = record.c"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.expr)
			assert.Error(t, err)
		})
	}
}

func TestParse_DoubleEqualsMentionsSingle(t *testing.T) {
	_, err := Parse("record.status == 'open'")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "=")
}

func TestParse_Bounds(t *testing.T) {
	t.Run("too long", func(t *testing.T) {
		expr := "record.a = '" + strings.Repeat("x", MaxExpressionLength) + "'"
		_, err := Parse(expr)
		assert.ErrorIs(t, err, ErrExpressionTooLong)
	})

	t.Run("too deep", func(t *testing.T) {
		expr := strings.Repeat("!", MaxExpressionDepth+4) + "record.flag"
		_, err := Parse(expr)
		assert.ErrorIs(t, err, ErrExpressionTooDeep)
	})

	t.Run("at limit is fine", func(t *testing.T) {
		_, err := Parse("record.a = 1")
		assert.NoError(t, err)
	})
}

func TestParse_Deterministic(t *testing.T) {
	// Same input must yield the same tree shape.
	a, err := Parse("record.views > 10 && record.status = 'open'")
	require.NoError(t, err)
	b, err := Parse("record.views > 10 && record.status = 'open'")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
