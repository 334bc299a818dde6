// Package auth verifies inbound blob-service request signatures (shared key
// and SAS) against the gateway account, and signs outbound requests for the
// backing accounts.
package auth

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/accounts"
	"github.com/tunnelmesh/blobmesh/internal/logging/audit"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
)

// DefaultMaxRequestAge bounds the request date skew for shared key requests.
const DefaultMaxRequestAge = 15 * time.Minute

// KeyKind identifies which account key verified a request.
type KeyKind int

const (
	KeyNone KeyKind = iota
	KeyPrimary
	KeySecondary
)

func (k KeyKind) String() string {
	switch k {
	case KeyPrimary:
		return "primary"
	case KeySecondary:
		return "secondary"
	default:
		return ""
	}
}

// Decision is the request-scoped outcome of Authenticate.
type Decision struct {
	Authorized bool
	Scheme     Scheme
	Key        KeyKind
	Account    string
	Reason     string
	Err        error
}

// Options adjusts a single Authenticate call.
type Options struct {
	// SkipAgeCheck disables the request date and SAS time window checks.
	SkipAgeCheck bool
}

// Config holds Authenticator settings.
type Config struct {
	Account       accounts.Account // the virtual account clients sign for
	MaxRequestAge time.Duration
	Policies      PolicySource // optional; stored-policy SAS is rejected without one
	Now           func() time.Time
	Logger        zerolog.Logger
	Metrics       *metrics.GatewayMetrics
	Audit         *audit.Logger
}

// Authenticator verifies requests against one account. It holds no mutable
// state and is safe for concurrent use.
type Authenticator struct {
	account  accounts.Account
	maxAge   time.Duration
	policies PolicySource
	now      func() time.Time
	logger   zerolog.Logger
	metrics  *metrics.GatewayMetrics
	audit    *audit.Logger
}

// NewAuthenticator creates an Authenticator.
func NewAuthenticator(cfg Config) *Authenticator {
	if cfg.MaxRequestAge <= 0 {
		cfg.MaxRequestAge = DefaultMaxRequestAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Authenticator{
		account:  cfg.Account,
		maxAge:   cfg.MaxRequestAge,
		policies: cfg.Policies,
		now:      cfg.Now,
		logger:   cfg.Logger.With().Str("component", "auth").Logger(),
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
	}
}

// Authenticate verifies req. Shared key is selected by an Authorization
// header, SAS by a sig query parameter; anything else is anonymous and denied.
func (a *Authenticator) Authenticate(ctx context.Context, req *Request, opts Options) Decision {
	var d Decision
	switch {
	case req.Header.Get("Authorization") != "":
		d = a.verifySharedKey(req, opts)
	case HasSAS(req.Query):
		d = a.verifySAS(ctx, req, opts)
	default:
		d = deny(SchemeAnonymous, ErrAnonymous)
	}

	result := "allowed"
	if !d.Authorized {
		result = "denied"
		a.logger.Debug().
			Str("scheme", string(d.Scheme)).
			Str("method", req.Method).
			Str("path", req.Path).
			Str("reason", d.Reason).
			Msg("request rejected")
	}
	a.metrics.AuthDecision(string(d.Scheme), d.Authorized)
	a.audit.LogAuth(d.Account, string(d.Scheme), d.Key.String(), result, d.Reason, req.RemoteAddr)
	return d
}

func deny(scheme Scheme, err error) Decision {
	return Decision{Scheme: scheme, Reason: err.Error(), Err: err}
}

func (a *Authenticator) allow(scheme Scheme, keyIndex int) Decision {
	key := KeyPrimary
	if keyIndex > 0 {
		key = KeySecondary
	}
	return Decision{Authorized: true, Scheme: scheme, Key: key, Account: a.account.Name}
}

func (a *Authenticator) verifySharedKey(req *Request, opts Options) Decision {
	scheme, account, signature, ok := parseAuthHeader(req.Header.Get("Authorization"))
	if !ok {
		return deny(SchemeSharedKey, ErrMalformedHeader)
	}
	if account != a.account.Name {
		d := deny(scheme, ErrAccountMismatch)
		d.Account = account
		return d
	}
	if !opts.SkipAgeCheck {
		if err := a.checkDate(req.Header); err != nil {
			d := deny(scheme, err)
			d.Account = account
			return d
		}
	}

	build := sharedKeyFormats[scheme]
	lengths := forVersion(contentLengthVariants, req.Header.Get(headerVersion))(req.contentLength())
	keys := a.account.Keys()

	for _, path := range pathVariants(req.Path) {
		for _, cl := range lengths {
			sts := build(signingInput{
				Method:        req.Method,
				Account:       account,
				Path:          path,
				ContentLength: cl,
				Header:        req.Header,
				Query:         req.Query,
			})
			for i, key := range keys {
				if signatureMatches(computeSignature(key, sts), signature) {
					return a.allow(scheme, i)
				}
			}
		}
	}

	d := deny(scheme, ErrSignatureMismatch)
	d.Account = account
	return d
}

// checkDate rejects requests whose x-ms-date (or Date) is missing,
// unparseable, or further than maxAge from now.
func (a *Authenticator) checkDate(h http.Header) error {
	raw := h.Get(headerDate)
	if raw == "" {
		raw = h.Get("Date")
	}
	if raw == "" {
		return ErrMissingDate
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrMissingDate, raw)
	}
	skew := a.now().Sub(t)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.maxAge {
		return fmt.Errorf("%w: %s", ErrRequestTooOld, skew.Round(time.Second))
	}
	return nil
}

func (a *Authenticator) verifySAS(ctx context.Context, req *Request, opts Options) Decision {
	p := parseSASParams(req.Query)
	if err := a.checkSAS(ctx, req, p, opts); err != nil {
		return deny(SchemeSAS, err)
	}

	sts := sasStringToSign(p, a.account.Name, req.Container, req.Blob)
	for i, key := range a.account.Keys() {
		if signatureMatches(computeSignature(key, sts), p.Signature) {
			return a.allow(SchemeSAS, i)
		}
	}
	return deny(SchemeSAS, ErrSignatureMismatch)
}

// checkSAS applies every structural and temporal SAS rule, in order.
func (a *Authenticator) checkSAS(ctx context.Context, req *Request, p sasParams, opts Options) error {
	level := req.Level()

	// Resource consistency.
	if p.isAccountSAS() {
		if !containsRune(p.Services, 'b') || !containsRune(p.ResourceTypes, levelLetter(level)) {
			return fmt.Errorf("%w: ss=%q srt=%q level=%s", ErrResourceMismatch, p.Services, p.ResourceTypes, level)
		}
	} else {
		switch p.Resource {
		case "b", "bs":
			if level != LevelBlob {
				return fmt.Errorf("%w: sr=%s on %s", ErrResourceMismatch, p.Resource, level)
			}
		case "c":
			if level == LevelService {
				return fmt.Errorf("%w: sr=c on service", ErrResourceMismatch)
			}
		default:
			return fmt.Errorf("%w: sr=%q", ErrResourceMismatch, p.Resource)
		}
	}

	var (
		start, expiry *time.Time
		permissions   = p.Permissions
	)
	if p.Start != "" {
		t, err := parseSASTime(p.Start)
		if err != nil {
			return err
		}
		start = &t
	}
	if p.Expiry != "" {
		t, err := parseSASTime(p.Expiry)
		if err != nil {
			return err
		}
		expiry = &t
	}

	// Stored access policy.
	if p.Identifier != "" {
		if p.isAccountSAS() {
			return fmt.Errorf("%w: account SAS cannot reference a policy", ErrPolicyConflict)
		}
		policy, err := a.lookupPolicy(ctx, req.Container, p.Identifier)
		if err != nil {
			return err
		}
		if p.Expiry != "" || p.Permissions != "" {
			return fmt.Errorf("%w: policy %q", ErrPolicyConflict, p.Identifier)
		}
		if policy.Start != nil {
			if start != nil {
				return fmt.Errorf("%w: policy %q sets start", ErrPolicyConflict, p.Identifier)
			}
			start = policy.Start
		}
		expiry = policy.Expiry
		permissions = policy.Permission
	}

	if expiry == nil {
		return ErrMissingExpiry
	}
	if permissions == "" {
		return ErrMissingPermissions
	}

	if !opts.SkipAgeCheck {
		now := a.now()
		if start != nil && now.Before(*start) {
			return ErrNotYetValid
		}
		if now.After(*expiry) {
			return ErrExpired
		}
	}

	if !protocolAllowed(p.Protocol, req.Scheme) {
		return fmt.Errorf("%w: %s not in %q", ErrProtocolNotAllowed, req.Scheme, p.Protocol)
	}

	// Only the shape of sip is checked; the caller IP is not matched.
	if p.IP != "" && !validIPRange(p.IP) {
		return fmt.Errorf("%w: %q", ErrInvalidIPRange, p.IP)
	}

	need, ok := RequiredPermission(req.Method, level, req.Query)
	if !ok || !Grants(permissions, need) {
		return fmt.Errorf("%w: %s %s needs %s", ErrPermissionDenied, req.Method, level, need)
	}
	return nil
}

func (a *Authenticator) lookupPolicy(ctx context.Context, container, id string) (*AccessPolicy, error) {
	if a.policies == nil {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, id)
	}
	policy, err := a.policies.AccessPolicy(ctx, container, id)
	if err != nil {
		a.logger.Warn().Err(err).Str("container", container).Msg("access policy lookup failed")
		return nil, fmt.Errorf("%w: %q: %w", ErrPolicyNotFound, id, err)
	}
	if policy == nil {
		return nil, fmt.Errorf("%w: %q", ErrPolicyNotFound, id)
	}
	return policy, nil
}

func levelLetter(l Level) rune {
	switch l {
	case LevelBlob:
		return 'o'
	case LevelContainer:
		return 'c'
	default:
		return 's'
	}
}

func containsRune(s string, r rune) bool {
	for _, c := range s {
		if c == r {
			return true
		}
	}
	return false
}

// contentLength returns the Content-Length to sign.
func (r *Request) contentLength() string {
	if v := r.Header.Get("Content-Length"); v != "" {
		return v
	}
	if r.ContentLength > 0 {
		return strconv.FormatInt(r.ContentLength, 10)
	}
	return ""
}
