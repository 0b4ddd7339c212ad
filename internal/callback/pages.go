package callback

import (
	_ "embed"
	"html/template"
	"net/http"

	"tether/pkg/logging"
)

//go:embed templates/callback_success.html
var successPageHTML string

//go:embed templates/callback_error.html
var errorPageHTML string

var (
	successPageTmpl = template.Must(template.New("success").Parse(successPageHTML))
	errorPageTmpl   = template.Must(template.New("error").Parse(errorPageHTML))
)

// setSecurityHeaders sets recommended security headers for HTML responses.
func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
}

// renderSuccessPage renders the page shown after a completed authorization.
func renderSuccessPage(w http.ResponseWriter) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if err := successPageTmpl.Execute(w, nil); err != nil {
		logging.Warn("Callback", "Failed to render success page: %v", err)
	}
}

// renderErrorPage renders the page shown when a callback cannot complete.
// The message may echo provider input; the template escapes it.
func renderErrorPage(w http.ResponseWriter, message string) {
	setSecurityHeaders(w)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusBadRequest)

	if err := errorPageTmpl.Execute(w, map[string]string{"Message": message}); err != nil {
		logging.Warn("Callback", "Failed to render error page: %v", err)
	}
}
