package transform

import (
	"net/http"
	"regexp"
	"sync"

	"github.com/perimeterhq/gateway/internal/store"
)

// ApplyHeaderOps applies the three header operations in their fixed order:
// remove, then set, then add. Remove and the add existence check are
// case-insensitive; set overwrites unconditionally; add inserts only when
// the header is absent.
func ApplyHeaderOps(h http.Header, ops *store.HeaderOps) {
	if ops == nil {
		return
	}

	for _, name := range ops.Remove {
		h.Del(name)
	}

	for name, value := range ops.Set {
		h.Set(name, value)
	}

	for name, value := range ops.Add {
		if _, present := h[http.CanonicalHeaderKey(name)]; !present {
			h.Set(name, value)
		}
	}
}

// rewriteCache holds compiled rewrite patterns. Routes are re-read from the
// store per request, so patterns repeat heavily across requests.
var rewriteCache sync.Map // pattern string -> *regexp.Regexp

func compilePattern(pattern string) (*regexp.Regexp, bool) {
	if cached, ok := rewriteCache.Load(pattern); ok {
		re, valid := cached.(*regexp.Regexp)
		return re, valid
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		rewriteCache.Store(pattern, false)
		return nil, false
	}
	rewriteCache.Store(pattern, re)
	return re, true
}

// RewritePath applies a regex path rewrite. The replacement supports
// back-references ($1, $2, …). An invalid pattern leaves the path unchanged.
func RewritePath(path string, rw *store.PathRewrite) string {
	if rw == nil || rw.Pattern == "" {
		return path
	}
	re, ok := compilePattern(rw.Pattern)
	if !ok {
		return path
	}
	return re.ReplaceAllString(path, rw.Replacement)
}

// ApplyRequest transforms the upstream-bound headers and path.
// Returns the (possibly rewritten) path.
func ApplyRequest(h http.Header, path string, t *store.Transform) string {
	if t == nil || t.Request == nil {
		return path
	}
	ApplyHeaderOps(h, t.Request.Headers)
	return RewritePath(path, t.Request.PathRewrite)
}

// ApplyResponse transforms the client-bound headers. It runs after
// hop-by-hop stripping.
func ApplyResponse(h http.Header, t *store.Transform) {
	if t == nil || t.Response == nil {
		return
	}
	ApplyHeaderOps(h, t.Response.Headers)
}
