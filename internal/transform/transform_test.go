package transform

import (
	"net/http"
	"testing"

	"github.com/perimeterhq/gateway/internal/store"
)

func TestApplyHeaderOpsOrder(t *testing.T) {
	h := http.Header{}
	h.Set("X-Drop", "old")
	h.Set("X-Keep", "original")

	ApplyHeaderOps(h, &store.HeaderOps{
		Remove: []string{"x-drop"},
		Set:    map[string]string{"X-Set": "forced"},
		Add:    map[string]string{"X-Drop": "re-added", "X-Keep": "ignored"},
	})

	if got := h.Get("X-Drop"); got != "re-added" {
		t.Errorf("removed-then-added header = %q, want re-added value", got)
	}
	if got := h.Get("X-Keep"); got != "original" {
		t.Errorf("add over existing header = %q, want original", got)
	}
	if got := h.Get("X-Set"); got != "forced" {
		t.Errorf("set header = %q", got)
	}
}

func TestApplyHeaderOpsSetWinsOverAdd(t *testing.T) {
	h := http.Header{}
	ApplyHeaderOps(h, &store.HeaderOps{
		Set: map[string]string{"X-Both": "from-set"},
		Add: map[string]string{"X-Both": "from-add"},
	})
	if got := h.Get("X-Both"); got != "from-set" {
		t.Errorf("got %q, want from-set", got)
	}
}

func TestApplyHeaderOpsCaseInsensitive(t *testing.T) {
	h := http.Header{}
	h.Set("Content-Type", "text/plain")
	ApplyHeaderOps(h, &store.HeaderOps{
		Remove: []string{"CONTENT-TYPE"},
		Add:    map[string]string{"accept": "application/json"},
	})
	if h.Get("Content-Type") != "" {
		t.Error("case-insensitive remove failed")
	}
	if h.Get("Accept") != "application/json" {
		t.Error("lower-case add failed")
	}
}

func TestApplyHeaderOpsNil(t *testing.T) {
	h := http.Header{}
	h.Set("X-Untouched", "v")
	ApplyHeaderOps(h, nil)
	if h.Get("X-Untouched") != "v" {
		t.Error("nil ops mutated headers")
	}
}

func TestRewritePath(t *testing.T) {
	tests := []struct {
		name string
		path string
		rw   *store.PathRewrite
		want string
	}{
		{"nil rewrite", "/api/users", nil, "/api/users"},
		{"strip prefix", "/api/users", &store.PathRewrite{Pattern: "^/api", Replacement: ""}, "/users"},
		{"backreference", "/v1/users/42", &store.PathRewrite{Pattern: `^/v1/users/(\d+)$`, Replacement: "/users/$1/profile"}, "/users/42/profile"},
		{"unmatched pattern", "/other", &store.PathRewrite{Pattern: "^/api", Replacement: ""}, "/other"},
		{"invalid pattern", "/api/users", &store.PathRewrite{Pattern: "([", Replacement: "x"}, "/api/users"},
		{"empty pattern", "/api/users", &store.PathRewrite{Pattern: "", Replacement: "x"}, "/api/users"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RewritePath(tt.path, tt.rw); got != tt.want {
				t.Errorf("RewritePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestRewritePathInvalidPatternIsCached(t *testing.T) {
	rw := &store.PathRewrite{Pattern: "(((", Replacement: ""}
	// Two calls exercise the negative-cache path.
	if got := RewritePath("/a", rw); got != "/a" {
		t.Fatalf("first call: %q", got)
	}
	if got := RewritePath("/a", rw); got != "/a" {
		t.Fatalf("second call: %q", got)
	}
}

func TestApplyRequest(t *testing.T) {
	h := http.Header{}
	tr := &store.Transform{
		Request: &store.RequestTransform{
			Headers:     &store.HeaderOps{Set: map[string]string{"X-Via": "gateway"}},
			PathRewrite: &store.PathRewrite{Pattern: "^/api", Replacement: ""},
		},
	}

	path := ApplyRequest(h, "/api/users", tr)
	if path != "/users" {
		t.Errorf("path = %q, want /users", path)
	}
	if h.Get("X-Via") != "gateway" {
		t.Error("request headers not applied")
	}

	if got := ApplyRequest(h, "/p", nil); got != "/p" {
		t.Errorf("nil transform changed path to %q", got)
	}
}

func TestApplyResponse(t *testing.T) {
	h := http.Header{}
	h.Set("Server", "internal")
	ApplyResponse(h, &store.Transform{
		Response: &store.ResponseTransform{
			Headers: &store.HeaderOps{Remove: []string{"Server"}},
		},
	})
	if h.Get("Server") != "" {
		t.Error("response header not removed")
	}

	ApplyResponse(h, nil) // no-op
}
