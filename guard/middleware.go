package guard

import "net/http"

// MiddlewareOption configures the guard middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	observer func(Decision)
}

// WithDecisionObserver registers fn to be called with every decision made,
// e.g. for metrics.
func WithDecisionObserver(fn func(Decision)) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.observer = fn
	}
}

// Middleware adapts Decide to net/http. Redirects use 303 See Other so the
// retried navigation is always a GET.
func Middleware(rules Rules, cookie CookieConfig, options ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{}
	for _, opt := range options {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			decision := rules.Decide(r.URL.Path, HasToken(r, cookie))
			if cfg.observer != nil {
				cfg.observer(decision)
			}

			switch decision.Kind {
			case RedirectToLogin, RedirectToApp:
				http.Redirect(w, r, decision.Location, http.StatusSeeOther)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}
