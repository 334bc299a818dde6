package auth

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("X-Ms-Version", "2019-02-02")
	h.Set("x-ms-date", "Wed, 01 May 2024 12:00:00 GMT")
	h.Add("X-MS-Meta-Tag", " b ")
	h.Add("X-MS-Meta-Tag", "a")
	h.Set("Content-Type", "text/plain")

	got := canonicalHeaders(h)
	assert.Equal(t,
		"x-ms-date:Wed, 01 May 2024 12:00:00 GMT\n"+
			"x-ms-meta-tag:a,b\n"+
			"x-ms-version:2019-02-02",
		got)

	assert.Empty(t, canonicalHeaders(http.Header{"Content-Type": {"x"}}))
}

func TestCanonicalResource(t *testing.T) {
	q := url.Values{}
	q.Add("restype", "container")
	q.Add("Comp", "list")
	q.Add("include", "snapshots")
	q.Add("include", "metadata")

	assert.Equal(t,
		"/gateway/photos\ncomp:list\ninclude:metadata,snapshots\nrestype:container",
		canonicalResource("gateway", "/photos", q))

	assert.Equal(t, "/gateway/", canonicalResource("gateway", "", nil))
}

func TestCanonicalResourceLite(t *testing.T) {
	q := url.Values{"comp": {"metadata"}, "timeout": {"30"}}
	assert.Equal(t, "/gateway/photos/cat.jpg?comp=metadata", canonicalResourceLite("gateway", "/photos/cat.jpg", q))
	assert.Equal(t, "/gateway/photos/cat.jpg", canonicalResourceLite("gateway", "/photos/cat.jpg", url.Values{}))
}

func TestFullStringToSign_FieldOrder(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Encoding", "gzip")
	h.Set("Content-Language", "en")
	h.Set("Content-MD5", "md5")
	h.Set("Content-Type", "text/plain")
	h.Set("If-Match", "\"etag\"")
	h.Set("Range", "bytes=0-9")
	h.Set("x-ms-date", "d")

	got := fullStringToSign(signingInput{
		Method:        "PUT",
		Account:       "gateway",
		Path:          "/c/b",
		ContentLength: "10",
		Header:        h,
	})
	want := "PUT\ngzip\nen\n10\nmd5\ntext/plain\n\n\n\"etag\"\n\n\nbytes=0-9\nx-ms-date:d\n/gateway/c/b"
	assert.Equal(t, want, got)
}

func TestLiteStringToSign(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	h.Set("x-ms-date", "d")

	got := liteStringToSign(signingInput{
		Method:  "GET",
		Account: "gateway",
		Path:    "/c/b",
		Header:  h,
		Query:   url.Values{"comp": {"block"}},
	})
	assert.Equal(t, "GET\n\ntext/plain\n\nx-ms-date:d\n/gateway/c/b?comp=block", got)
}

func TestParseAuthHeader(t *testing.T) {
	tests := []struct {
		header  string
		scheme  Scheme
		account string
		sig     string
		ok      bool
	}{
		{"SharedKey gateway:abc=", SchemeSharedKey, "gateway", "abc=", true},
		{"SharedKeyLite gateway:abc=", SchemeSharedKeyLite, "gateway", "abc=", true},
		{"sharedkey gateway:abc=", SchemeSharedKey, "gateway", "abc=", true},
		{"SharedKey gateway", "", "", "", false},
		{"SharedKey :abc", "", "", "", false},
		{"Bearer token", "", "", "", false},
		{"", "", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			scheme, account, sig, ok := parseAuthHeader(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.scheme, scheme)
			assert.Equal(t, tt.account, account)
			assert.Equal(t, tt.sig, sig)
		})
	}
}

func TestComputeSignature(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog"), base64.
	got := computeSignature([]byte("key"), "The quick brown fox jumps over the lazy dog")
	assert.Equal(t, "97yD9DBThCSxMpjmqm+xQ+9NWaFJRhdZl0edvC0aPNg=", got)
	assert.True(t, signatureMatches(got, got))
	assert.False(t, signatureMatches(got, got[:len(got)-1]))
}

func TestPathVariants(t *testing.T) {
	got := pathVariants("/c/a%20b!")
	require.NotEmpty(t, got)
	assert.Equal(t, "/c/a%20b!", got[0], "the path as received comes first")
	assert.Contains(t, got, "/c/a%20b%21")
	assert.Contains(t, got, "/c/a b!")
	assert.Contains(t, got, "/c/a b%21")

	assert.Equal(t, []string{"/c/plain"}, pathVariants("/c/plain"))
}

func TestEncodeSubDelims(t *testing.T) {
	assert.Equal(t, "/c/a%28b%29%2A", encodeSubDelims("/c/a(b)*", upperHex))
	assert.Equal(t, "/c/a%28b%29%2a", encodeSubDelims("/c/a(b)*", lowerHex))
	assert.Equal(t, "/c/%2A", encodeSubDelims("/c/%2a", upperHex), "encoded sub-delimiters are re-cased")
	assert.Equal(t, "/c/%2f%", encodeSubDelims("/c/%2f%", upperHex), "other escapes are untouched")
}

func TestForVersion(t *testing.T) {
	table := []versioned[string]{
		{Before: "2013-08-15", Value: "old"},
		{Before: "2015-04-05", Value: "mid"},
		{Value: "new"},
	}
	assert.Equal(t, "old", forVersion(table, ""))
	assert.Equal(t, "old", forVersion(table, "2012-02-12"))
	assert.Equal(t, "mid", forVersion(table, "2013-08-15"))
	assert.Equal(t, "mid", forVersion(table, "2015-02-21"))
	assert.Equal(t, "new", forVersion(table, "2015-04-05"))
	assert.Equal(t, "new", forVersion(table, "2021-08-06"))
}

func TestContentLengthVariants(t *testing.T) {
	legacy := forVersion(contentLengthVariants, "2014-02-14")
	assert.Equal(t, []string{"0", ""}, legacy("0"))
	assert.Equal(t, []string{"12", ""}, legacy("12"))
	assert.Equal(t, []string{""}, legacy(""))

	current := forVersion(contentLengthVariants, "2015-02-21")
	assert.Equal(t, []string{""}, current("0"))
	assert.Equal(t, []string{"12"}, current("12"))
}
