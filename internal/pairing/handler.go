package pairing

import (
	"errors"
	"net/http"
	"strconv"

	rbhttp "github.com/wolfeidau/remotebuild/internal/http"
)

// DownloadPattern is the route the bundle download handler is registered under.
const DownloadPattern = "GET /certs/{pin}"

// Handler serves the bundle for the {pin} path value once; every other request
// for the same pin gets 404. The pattern also matches HEAD, which is refused so
// that only a GET consumes the pin. Clients that keep presenting unknown pins get
// 429 until their attempts recover.
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		client := clientKey(req)
		if r.failures.Blocked(client) {
			w.Header().Set("Retry-After", strconv.Itoa(r.failures.RetryAfter()))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}

		bundle, err := r.TryConsume(req.PathValue("pin"))
		if errors.Is(err, ErrPinNotFound) {
			if r.failures.Fail(client) {
				r.logger.Warn().Str("client_ip", client).Msg("Throttling client after repeated unknown pins")
			}
			http.NotFound(w, req)
			return
		}
		if err != nil {
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/x-pkcs12")
		w.Header().Set("Content-Disposition", `attachment; filename="`+bundleFileName+`"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(bundle)))
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusOK)

		if _, err := w.Write(bundle); err != nil {
			r.logger.Warn().Err(err).Msg("Failed to write client bundle")
		}
	})
}

func clientKey(req *http.Request) string {
	if ip := rbhttp.ClientIPFromContext(req.Context()); ip != "" {
		return ip
	}
	return rbhttp.ExtractClientIP(req, false)
}
