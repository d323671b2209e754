package fallback

import (
	"net/http"

	"github.com/perimeterhq/gateway/internal/store"
)

// Allowed fallback content types. Anything else falls back to JSON.
const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain"
	ContentTypeHTML = "text/html"
)

// ShouldUse reports whether a configured fallback should replace a
// failed upstream response.
func ShouldUse(cfg *store.FallbackConfig) bool {
	return cfg != nil && cfg.Enabled
}

// Write sends the static fallback response. The body is sent as-is.
func Write(w http.ResponseWriter, cfg *store.FallbackConfig) {
	contentType := cfg.ContentType
	switch contentType {
	case ContentTypeJSON, ContentTypeText, ContentTypeHTML:
	default:
		contentType = ContentTypeJSON
	}

	statusCode := cfg.StatusCode
	if statusCode == 0 {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(statusCode)
	w.Write([]byte(cfg.Body))
}
