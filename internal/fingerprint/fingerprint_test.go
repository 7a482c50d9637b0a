package fingerprint

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanonicalURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases host", "https://Example.COM/Path", "https://example.com/Path"},
		{"strips default https port", "https://example.com:443/a", "https://example.com/a"},
		{"strips default http port", "http://example.com:80/a", "http://example.com/a"},
		{"drops fragment", "https://example.com/a#section", "https://example.com/a"},
		{"sorts query params", "https://example.com/a?b=2&a=1", "https://example.com/a?a=1&b=2"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := CanonicalURL(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestCanonicalURL_Invalid(t *testing.T) {
	t.Parallel()

	_, err := CanonicalURL("not-a-url")
	require.Error(t, err)

	_, err = CanonicalURL("://missing")
	require.Error(t, err)
}

func TestURL_EquivalentFormsShareFingerprint(t *testing.T) {
	t.Parallel()

	_, fp1, err := URL("https://Example.com/page?b=2&a=1#frag")
	require.NoError(t, err)
	_, fp2, err := URL("https://example.com:443/page?a=1&b=2")
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)

	_, fp3, err := URL("https://example.com/other")
	require.NoError(t, err)
	require.NotEqual(t, fp1, fp3)
}

func TestItem_UniqueKeyWins(t *testing.T) {
	t.Parallel()

	a := Item(map[string]string{"sku": "123", "title": "one"}, "sku")
	b := Item(map[string]string{"sku": "123", "title": "two"}, "sku")
	require.Equal(t, a, b)

	// Missing unique key falls back to the full field set.
	c := Item(map[string]string{"title": "one"}, "sku")
	d := Item(map[string]string{"title": "two"}, "sku")
	require.NotEqual(t, c, d)
}

func TestItem_FieldOrderIndependent(t *testing.T) {
	t.Parallel()

	a := Item(map[string]string{"x": "1", "y": "2"}, "")
	b := Item(map[string]string{"y": "2", "x": "1"}, "")
	require.Equal(t, a, b)
}

func TestDomain(t *testing.T) {
	t.Parallel()

	require.Equal(t, "example.com", Domain("https://Example.com:8443/path"))
	require.Equal(t, "unknown", Domain("%%%"))
}
