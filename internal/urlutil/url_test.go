package urlutil

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want ParsedURL
	}{
		{
			name: "full url with userinfo, ipv6 host, port, query and fragment",
			in:   "http://user:pw@[::1]:8080/a/b?x=1#f",
			want: ParsedURL{
				Scheme:   "http",
				Username: "user",
				Password: "pw",
				Host:     "[::1]",
				Port:     "8080",
				Path:     "a/b",
				Query:    "x=1",
				Fragment: "f",
			},
		},
		{
			name: "bare scheme and host",
			in:   "https://example.com",
			want: ParsedURL{Scheme: "https", Host: "example.com"},
		},
		{
			name: "scheme case folded",
			in:   "HTTP://example.com/",
			want: ParsedURL{Scheme: "http", Host: "example.com"},
		},
		{
			name: "host and port, no path",
			in:   "http://example.com:81",
			want: ParsedURL{Scheme: "http", Host: "example.com", Port: "81"},
		},
		{
			name: "username without password",
			in:   "ftp://anon@ftp.example.com/pub",
			want: ParsedURL{Scheme: "ftp", Username: "anon", Host: "ftp.example.com", Path: "pub"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Parse(tc.in)
			require.NoError(t, err)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("Parse(%q) mismatch (-want +got):\n%s", tc.in, diff)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	cases := []string{
		"no-scheme-separator",
		"ht!tp://example.com",
		"http:/example.com",
		"http://user@",
		"http:///path",
	}
	for _, in := range cases {
		t.Run(in, func(t *testing.T) {
			_, err := Parse(in)
			assert.Error(t, err)
		})
	}
}

// TestParseRoundTrip checks that reparsing String() reproduces the original
// fields up to scheme case and the presence of empty optional sections.
func TestParseRoundTrip(t *testing.T) {
	in := "http://user:pw@[::1]:8080/a/b?x=1#f"
	u, err := Parse(in)
	require.NoError(t, err)

	again, err := Parse(u.String())
	require.NoError(t, err)
	assert.Equal(t, u, again)
}
