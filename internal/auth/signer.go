package auth

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// DefaultSASVersion is the signed version used when minting SAS tokens.
const DefaultSASVersion = version20150405

// Signer signs outbound requests with an account key. It is used to re-sign
// requests forwarded to backing accounts.
type Signer struct {
	now func() time.Time
}

// NewSigner returns a Signer using the wall clock.
func NewSigner() *Signer {
	return &Signer{now: time.Now}
}

// SignRequest sets x-ms-date (when absent) and the Authorization header on
// req. Only SharedKey and SharedKeyLite can be used.
func (s *Signer) SignRequest(req *http.Request, account string, key []byte, scheme Scheme) error {
	build, ok := sharedKeyFormats[scheme]
	if !ok {
		return fmt.Errorf("cannot sign with scheme %q", scheme)
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Del("Authorization")
	if req.Header.Get(headerDate) == "" {
		req.Header.Set(headerDate, s.now().UTC().Format(http.TimeFormat))
	}

	length := req.Header.Get("Content-Length")
	if req.ContentLength > 0 {
		length = strconv.FormatInt(req.ContentLength, 10)
	}
	length = forVersion(contentLengthVariants, req.Header.Get(headerVersion))(length)[0]

	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	sts := build(signingInput{
		Method:        req.Method,
		Account:       account,
		Path:          path,
		ContentLength: length,
		Header:        req.Header,
		Query:         req.URL.Query(),
	})
	req.Header.Set("Authorization", fmt.Sprintf("%s %s:%s", scheme, account, computeSignature(key, sts)))
	return nil
}

// SASValues describes a SAS token to mint. Setting Services or ResourceTypes
// without Resource produces an account SAS.
type SASValues struct {
	Version       string
	Resource      string // "b" or "c" for a service SAS
	Services      string // account SAS
	ResourceTypes string // account SAS
	Permissions   string
	Start         time.Time
	Expiry        time.Time
	Identifier    string
	IPRange       string
	Protocol      string

	CacheControl       string
	ContentDisposition string
	ContentEncoding    string
	ContentLanguage    string
	ContentType        string
}

// Sign returns the SAS query parameters, including sig, for the given target.
func (v SASValues) Sign(account string, key []byte, container, blob string) url.Values {
	p := sasParams{
		Version:            v.Version,
		Services:           v.Services,
		ResourceTypes:      v.ResourceTypes,
		Resource:           v.Resource,
		Permissions:        v.Permissions,
		Identifier:         v.Identifier,
		IP:                 v.IPRange,
		Protocol:           v.Protocol,
		CacheControl:       v.CacheControl,
		ContentDisposition: v.ContentDisposition,
		ContentEncoding:    v.ContentEncoding,
		ContentLanguage:    v.ContentLanguage,
		ContentType:        v.ContentType,
	}
	if p.Version == "" {
		p.Version = DefaultSASVersion
	}
	if !v.Start.IsZero() {
		p.Start = FormatSASTime(v.Start)
	}
	if !v.Expiry.IsZero() {
		p.Expiry = FormatSASTime(v.Expiry)
	}
	p.Signature = computeSignature(key, sasStringToSign(p, account, container, blob))

	q := url.Values{}
	set := func(k, val string) {
		if val != "" {
			q.Set(k, val)
		}
	}
	set("sv", p.Version)
	set("ss", p.Services)
	set("srt", p.ResourceTypes)
	set("sr", p.Resource)
	set("sp", p.Permissions)
	set("st", p.Start)
	set("se", p.Expiry)
	set("si", p.Identifier)
	set("sip", p.IP)
	set("spr", p.Protocol)
	set("rscc", p.CacheControl)
	set("rscd", p.ContentDisposition)
	set("rsce", p.ContentEncoding)
	set("rscl", p.ContentLanguage)
	set("rsct", p.ContentType)
	set("sig", p.Signature)
	return q
}
