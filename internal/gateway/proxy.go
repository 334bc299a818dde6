package gateway

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tunnelmesh/blobmesh/internal/accounts"
	"github.com/tunnelmesh/blobmesh/internal/auth"
)

type targetKey struct{}

// target is the backing account and signing scheme for one forwarded request.
type target struct {
	account accounts.Account
	scheme  auth.Scheme
}

// forward proxies r to account. The inbound scheme is kept for shared key
// requests; SAS requests are re-signed with SharedKey.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, account accounts.Account, inbound auth.Scheme) {
	scheme := auth.SchemeSharedKey
	if inbound == auth.SchemeSharedKeyLite {
		scheme = auth.SchemeSharedKeyLite
	}
	ctx := context.WithValue(r.Context(), targetKey{}, target{account: account, scheme: scheme})
	s.proxy.ServeHTTP(w, r.WithContext(ctx))
}

// rewrite points the outbound request at the backing account, drops the
// inbound credentials and signs it with the account's primary key.
func (s *Server) rewrite(pr *httputil.ProxyRequest) {
	t, _ := pr.In.Context().Value(targetKey{}).(target)
	logger := zerolog.Ctx(pr.In.Context())

	out, err := targetURL(t.account.BlobEndpoint, pr.In.URL)
	if err != nil {
		logger.Error().Err(err).Str("account", t.account.Name).Msg("invalid account endpoint")
		return
	}

	query := pr.In.URL.Query()
	if version := query.Get("sv"); version != "" && pr.Out.Header.Get("x-ms-version") == "" {
		pr.Out.Header.Set("x-ms-version", version)
	}
	out.RawQuery = auth.StripSignature(query).Encode()
	pr.Out.URL = out
	pr.Out.Host = ""

	if err := s.signer.SignRequest(pr.Out, t.account.Name, t.account.PrimaryKey, t.scheme); err != nil {
		logger.Error().Err(err).Str("account", t.account.Name).Msg("re-sign request failed")
	}
}

// targetURL joins the account endpoint with the inbound escaped path. The
// endpoint may carry a path prefix for path-style accounts.
func targetURL(endpoint string, in *url.URL) (*url.URL, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSuffix(base.EscapedPath(), "/")
	escaped := in.EscapedPath()
	if escaped == "" {
		escaped = "/"
	}
	out := &url.URL{Scheme: base.Scheme, Host: base.Host}
	out.Path = strings.TrimSuffix(base.Path, "/") + in.Path
	if in.Path == "" {
		out.Path = strings.TrimSuffix(base.Path, "/") + "/"
	}
	out.RawPath = prefix + escaped
	return out, nil
}

func (s *Server) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("upstream request failed")
	writeError(w, http.StatusBadGateway, CodeInternalError, "The backing storage account could not be reached.", "")
}
