package auth

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// sasQueryParams are the query parameters that make up a SAS token.
var sasQueryParams = []string{
	"sv", "ss", "srt", "sr", "sp", "st", "se", "si", "sip", "spr", "sig",
	"rscc", "rscd", "rsce", "rscl", "rsct",
}

// sasParams is a parsed SAS token, values exactly as they appear in the query.
type sasParams struct {
	Version       string // sv
	Services      string // ss (account SAS)
	ResourceTypes string // srt (account SAS)
	Resource      string // sr (service SAS)
	Permissions   string // sp
	Start         string // st
	Expiry        string // se
	Identifier    string // si
	IP            string // sip
	Protocol      string // spr
	Signature     string // sig

	CacheControl       string // rscc
	ContentDisposition string // rscd
	ContentEncoding    string // rsce
	ContentLanguage    string // rscl
	ContentType        string // rsct
}

func parseSASParams(q url.Values) sasParams {
	return sasParams{
		Version:            q.Get("sv"),
		Services:           q.Get("ss"),
		ResourceTypes:      q.Get("srt"),
		Resource:           q.Get("sr"),
		Permissions:        q.Get("sp"),
		Start:              q.Get("st"),
		Expiry:             q.Get("se"),
		Identifier:         q.Get("si"),
		IP:                 q.Get("sip"),
		Protocol:           q.Get("spr"),
		Signature:          q.Get("sig"),
		CacheControl:       q.Get("rscc"),
		ContentDisposition: q.Get("rscd"),
		ContentEncoding:    q.Get("rsce"),
		ContentLanguage:    q.Get("rscl"),
		ContentType:        q.Get("rsct"),
	}
}

// isAccountSAS reports whether the token is an account SAS.
func (p sasParams) isAccountSAS() bool {
	return p.Resource == "" && (p.Services != "" || p.ResourceTypes != "")
}

// HasSAS reports whether q carries a SAS signature.
func HasSAS(q url.Values) bool {
	return q.Has("sig")
}

// StripSignature returns a copy of q without any SAS parameter. All other
// parameters are kept unchanged.
func StripSignature(q url.Values) url.Values {
	out := make(url.Values, len(q))
	for k, vs := range q {
		out[k] = append([]string(nil), vs...)
	}
	for _, k := range sasQueryParams {
		out.Del(k)
	}
	return out
}

func serviceStringToSign2012(p sasParams, resource string) string {
	return strings.Join([]string{
		p.Permissions, p.Start, p.Expiry, resource, p.Identifier, p.Version,
	}, "\n")
}

func serviceStringToSign2013(p sasParams, resource string) string {
	return strings.Join([]string{
		p.Permissions, p.Start, p.Expiry, resource, p.Identifier, p.Version,
		p.CacheControl, p.ContentDisposition, p.ContentEncoding, p.ContentLanguage, p.ContentType,
	}, "\n")
}

func serviceStringToSign2015(p sasParams, resource string) string {
	return strings.Join([]string{
		p.Permissions, p.Start, p.Expiry, resource, p.Identifier, p.IP, p.Protocol, p.Version,
		p.CacheControl, p.ContentDisposition, p.ContentEncoding, p.ContentLanguage, p.ContentType,
	}, "\n")
}

func accountStringToSign(account string, p sasParams) string {
	return strings.Join([]string{
		account, p.Permissions, p.Services, p.ResourceTypes, p.Start, p.Expiry, p.IP, p.Protocol, p.Version,
	}, "\n") + "\n"
}

// sasCanonicalResource renders the signed resource for a service SAS. A
// container SAS signs only the container even when used against a blob.
func sasCanonicalResource(version, account, resource, container, blob string) string {
	res := forVersion(sasCanonicalResourcePrefix, version) + "/" + account + "/" + container
	if resource != "c" && blob != "" {
		res += "/" + blob
	}
	return res
}

// sasStringToSign renders the string-to-sign for p against the request target.
func sasStringToSign(p sasParams, account, container, blob string) string {
	if p.isAccountSAS() {
		return accountStringToSign(account, p)
	}
	build := forVersion(serviceSASFormats, p.Version)
	return build(p, sasCanonicalResource(p.Version, account, p.Resource, container, blob))
}

// sasTimeLayouts are the ISO 8601 forms accepted for st and se.
var sasTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04Z07:00",
	"2006-01-02",
}

// parseSASTime parses a signed start or expiry.
func parseSASTime(v string) (time.Time, error) {
	for _, layout := range sasTimeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTime, v)
}

// FormatSASTime renders t in the form clients sign.
func FormatSASTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// protocolAllowed reports whether scheme is listed in spr. An absent spr
// allows both http and https.
func protocolAllowed(spr, scheme string) bool {
	if spr == "" {
		return true
	}
	for _, p := range strings.Split(spr, ",") {
		if strings.EqualFold(strings.TrimSpace(p), scheme) {
			return true
		}
	}
	return false
}

// validIPRange reports whether sip is a single address or an "a-b" range.
func validIPRange(sip string) bool {
	lo, hi, isRange := strings.Cut(sip, "-")
	from, err := netip.ParseAddr(lo)
	if err != nil {
		return false
	}
	if !isRange {
		return true
	}
	to, err := netip.ParseAddr(hi)
	if err != nil || from.Is4() != to.Is4() {
		return false
	}
	return from.Compare(to) <= 0
}
