package auth

import (
	"net/url"
	"strings"
)

// subDelims are the RFC 3986 sub-delimiters that clients variously leave
// literal or percent-encode in either hex case.
const subDelims = "!$&'()*+,;="

const (
	upperHex = "0123456789ABCDEF"
	lowerHex = "0123456789abcdef"
)

// pathVariants returns the resource paths to try, in order: the escaped path
// as received, then its percent-decoded form. Each is followed by its
// sub-delimiter re-encodings in upper-case and then lower-case hex.
// Duplicates are dropped.
func pathVariants(escaped string) []string {
	bases := []string{escaped}
	if decoded, err := url.PathUnescape(escaped); err == nil && decoded != escaped {
		bases = append(bases, decoded)
	}

	seen := make(map[string]bool, len(bases)*3)
	out := make([]string, 0, len(bases)*3)
	for _, base := range bases {
		for _, v := range []string{base, encodeSubDelims(base, upperHex), encodeSubDelims(base, lowerHex)} {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// encodeSubDelims percent-encodes every sub-delimiter in p using the given hex
// alphabet. Sub-delimiters that are already encoded are re-cased.
func encodeSubDelims(p, hex string) string {
	var b strings.Builder
	b.Grow(len(p) + 8)
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c == '%' && i+2 < len(p) {
			if d, ok := unhexPair(p[i+1], p[i+2]); ok && strings.IndexByte(subDelims, d) >= 0 {
				c = d
				i += 2
			}
		}
		if strings.IndexByte(subDelims, c) >= 0 {
			b.WriteByte('%')
			b.WriteByte(hex[c>>4])
			b.WriteByte(hex[c&0x0f])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func unhexPair(hi, lo byte) (byte, bool) {
	h, ok1 := unhex(hi)
	l, ok2 := unhex(lo)
	return h<<4 | l, ok1 && ok2
}

func unhex(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
