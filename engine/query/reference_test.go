package query

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	t.Run("Should classify digit-only input as a numeric id", func(t *testing.T) {
		ref, err := Resolve(" 4060379 ")
		require.NoError(t, err)
		assert.Equal(t, KindNumericID, ref.Kind)
		assert.Equal(t, int64(4060379), ref.QueryID)
		assert.Equal(t, "4060379", ref.Canonical())
		assert.True(t, ref.Saved())
	})

	t.Run("Should extract ids from known Dune URLs", func(t *testing.T) {
		for _, raw := range []string{
			"https://dune.com/queries/1234",
			"https://dune.com/queries/1234/5678",
			"https://www.dune.com/queries/1234?foo=bar",
			"dune.com/queries/1234",
			"http://dune.com/queries/1234",
			"https://api.dune.com/api/v1/query/1234/results",
			"api.dune.com/api/v1/query/1234",
		} {
			ref, err := Resolve(raw)
			require.NoError(t, err, raw)
			assert.Equal(t, KindURL, ref.Kind, raw)
			assert.Equal(t, int64(1234), ref.QueryID, raw)
			assert.Equal(t, raw, ref.Raw)
		}
	})

	t.Run("Should treat malformed URLs as raw SQL", func(t *testing.T) {
		ref, err := Resolve("https://dune.com/queries/abc")
		require.NoError(t, err)
		assert.Equal(t, KindRawSQL, ref.Kind)
	})

	t.Run("Should treat anything else as raw SQL", func(t *testing.T) {
		ref, err := Resolve("\n  select * from ethereum.transactions limit 5  \n")
		require.NoError(t, err)
		assert.Equal(t, KindRawSQL, ref.Kind)
		assert.Equal(t, "select * from ethereum.transactions limit 5", ref.SQL)
		assert.False(t, ref.Saved())
	})

	t.Run("Should reject empty input", func(t *testing.T) {
		_, err := Resolve("   ")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "query", verr.Field)
	})

	t.Run("Should reject ids that overflow", func(t *testing.T) {
		_, err := Resolve("99999999999999999999999")
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})
}

func TestNormalizeSQL(t *testing.T) {
	t.Run("Should rewrite SHOW SCHEMAS LIKE", func(t *testing.T) {
		out := NormalizeSQL("SHOW SCHEMAS LIKE '%layerzero%'")
		assert.Contains(t, out, "information_schema.schemata")
		assert.Contains(t, out, "LIKE '%layerzero%'")
	})

	t.Run("Should rewrite bare SHOW SCHEMAS", func(t *testing.T) {
		out := NormalizeSQL("SHOW SCHEMAS;")
		assert.True(t, strings.HasPrefix(strings.ToLower(out), "select schema_name as schema"))
	})

	t.Run("Should rewrite SHOW TABLES FROM", func(t *testing.T) {
		out := NormalizeSQL("show tables from layerzero_core")
		assert.Contains(t, out, "information_schema.tables")
		assert.Contains(t, out, "'layerzero_core'")
	})

	t.Run("Should leave other statements untouched", func(t *testing.T) {
		assert.Equal(t, "select 1", NormalizeSQL("  select 1 "))
	})
}

func TestComputeFingerprint(t *testing.T) {
	t.Run("Should hash raw SQL text only", func(t *testing.T) {
		a, _ := Resolve("select 1")
		b, _ := Resolve("  select 1\n")
		fa := ComputeFingerprint(a, nil)
		assert.Equal(t, fa, ComputeFingerprint(b, map[string]any{"x": 1}))
		assert.Len(t, fa.String(), 64)
		assert.Equal(t, "822ae07d4783158bc1912bb623e5107cc9002d519e1143a9c200ed6ee18b6d0f", fa.String())
	})

	t.Run("Should be insensitive to parameter order", func(t *testing.T) {
		ref, _ := Resolve("1234")
		a := ComputeFingerprint(ref, map[string]any{"chain": "ethereum", "days": 7.0})
		b := ComputeFingerprint(ref, map[string]any{"days": 7.0, "chain": "ethereum"})
		assert.Equal(t, a, b)
		assert.NotEqual(t, a, ComputeFingerprint(ref, map[string]any{"days": 8.0, "chain": "ethereum"}))
	})

	t.Run("Should agree between id and URL references", func(t *testing.T) {
		id, _ := Resolve("1234")
		url, _ := Resolve("https://dune.com/queries/1234")
		assert.Equal(t, ComputeFingerprint(id, nil), ComputeFingerprint(url, nil))
	})

	t.Run("Should scope cache keys by parameters and tier", func(t *testing.T) {
		ref, _ := Resolve("select 1")
		fp := ComputeFingerprint(ref, nil)
		assert.NotEqual(t, CacheKey(fp, nil, "medium"), CacheKey(fp, nil, "large"))
		assert.NotEqual(t, CacheKey(fp, map[string]any{"a": 1}, "medium"), CacheKey(fp, nil, "medium"))
	})
}
