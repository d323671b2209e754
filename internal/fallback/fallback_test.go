package fallback

import (
	"net/http/httptest"
	"testing"

	"github.com/perimeterhq/gateway/internal/store"
)

func TestShouldUse(t *testing.T) {
	if ShouldUse(nil) {
		t.Error("nil config should not use fallback")
	}
	if ShouldUse(&store.FallbackConfig{Enabled: false}) {
		t.Error("disabled config should not use fallback")
	}
	if !ShouldUse(&store.FallbackConfig{Enabled: true}) {
		t.Error("enabled config should use fallback")
	}
}

func TestWriteVerbatim(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, &store.FallbackConfig{
		Enabled:     true,
		StatusCode:  503,
		ContentType: "application/json",
		Body:        `{"down":true}`,
	})

	if rec.Code != 503 {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q", ct)
	}
	if rec.Body.String() != `{"down":true}` {
		t.Errorf("body = %q, sent with templating or mutation", rec.Body.String())
	}
}

func TestWriteDefaults(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, &store.FallbackConfig{Enabled: true, Body: "oops"})

	if rec.Code != 503 {
		t.Errorf("default status = %d, want 503", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != ContentTypeJSON {
		t.Errorf("default content type = %q, want JSON", ct)
	}
}

func TestWriteRejectsUnknownContentType(t *testing.T) {
	rec := httptest.NewRecorder()
	Write(rec, &store.FallbackConfig{
		Enabled:     true,
		StatusCode:  200,
		ContentType: "application/xml",
		Body:        "<x/>",
	})
	if ct := rec.Header().Get("Content-Type"); ct != ContentTypeJSON {
		t.Errorf("unknown content type passed through as %q", ct)
	}
}
