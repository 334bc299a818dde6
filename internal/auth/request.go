package auth

import (
	"net/http"
	"net/url"
	"strings"
)

// Level is the resource level a request targets.
type Level int

const (
	LevelService Level = iota
	LevelContainer
	LevelBlob
)

func (l Level) String() string {
	switch l {
	case LevelContainer:
		return "container"
	case LevelBlob:
		return "blob"
	default:
		return "service"
	}
}

// Request is the part of an inbound HTTP request the authenticator reads.
type Request struct {
	Method        string
	Scheme        string // "http" or "https"
	Path          string // escaped, as received, starting with "/"
	Header        http.Header
	Query         url.Values
	ContentLength int64
	Container     string // decoded
	Blob          string // decoded, may contain "/"
	RemoteAddr    string
}

// Level returns the resource level addressed by the request.
func (r *Request) Level() Level {
	switch {
	case r.Blob != "":
		return LevelBlob
	case r.Container != "":
		return LevelContainer
	default:
		return LevelService
	}
}

// RequestFromHTTP extracts a Request from an inbound HTTP request.
func RequestFromHTTP(r *http.Request) *Request {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	path := r.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	container, blob := SplitPath(r.URL.Path)
	return &Request{
		Method:        r.Method,
		Scheme:        scheme,
		Path:          path,
		Header:        r.Header,
		Query:         r.URL.Query(),
		ContentLength: r.ContentLength,
		Container:     container,
		Blob:          blob,
		RemoteAddr:    r.RemoteAddr,
	}
}

// SplitPath splits a decoded "/container/blob/with/slashes" path.
func SplitPath(path string) (container, blob string) {
	path = strings.TrimPrefix(path, "/")
	container, blob, _ = strings.Cut(path, "/")
	return container, blob
}
