package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"admission-service/internal/ratelimit"
	"admission-service/internal/util"
)

// KeyFunc derives the identity component of a rate limit key from a request.
// An empty return falls back to the client IP.
type KeyFunc func(r *http.Request) string

// KeyByIP keys on the client address. Relies on chi's RealIP middleware
// having rewritten RemoteAddr when behind a proxy.
func KeyByIP(r *http.Request) string {
	return util.ClientIP(r.RemoteAddr)
}

// KeyByHeader keys on a request header, e.g. an authenticated user ID.
func KeyByHeader(name string) KeyFunc {
	return func(r *http.Request) string {
		return util.NormalizeIdentity(r.Header.Get(name))
	}
}

// KeyByFormValue keys on a form field, e.g. the email on a login attempt.
func KeyByFormValue(field string) KeyFunc {
	return func(r *http.Request) string {
		return util.NormalizeIdentity(r.FormValue(field))
	}
}

type options struct {
	keyFunc         KeyFunc
	onLimitExceeded func(w http.ResponseWriter, r *http.Request, res ratelimit.Result)
	bypass          func(r *http.Request) bool
	skipSuccessful  bool
	applyDelay      bool
}

type Option func(*options)

// WithKeyFunc overrides the default client-IP key derivation.
func WithKeyFunc(fn KeyFunc) Option {
	return func(o *options) { o.keyFunc = fn }
}

// WithOnLimitExceeded replaces the default 429 response.
func WithOnLimitExceeded(fn func(w http.ResponseWriter, r *http.Request, res ratelimit.Result)) Option {
	return func(o *options) { o.onLimitExceeded = fn }
}

// WithBypass exempts requests the predicate matches. Bypass is always an
// explicit caller decision, never implicit.
func WithBypass(fn func(r *http.Request) bool) Option {
	return func(o *options) { o.bypass = fn }
}

// WithSkipSuccessfulRequests resets the key's window after a non-error
// response, so only failed attempts count against the quota.
func WithSkipSuccessfulRequests() Option {
	return func(o *options) { o.skipSuccessful = true }
}

// WithoutDelay disables the synchronous backpressure wait on denials.
func WithoutDelay() Option {
	return func(o *options) { o.applyDelay = false }
}

// Admission gates a route on the named policy. Allowed requests carry quota
// headers; denied requests get a Retry-After hint and, when the policy calls
// for progressive delay, a synchronous wait before the rejection is written.
func Admission(limiter *ratelimit.Limiter, policyName string, opts ...Option) func(http.Handler) http.Handler {
	o := options{
		keyFunc:    KeyByIP,
		applyDelay: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if o.bypass != nil && o.bypass(r) {
				next.ServeHTTP(w, r)
				return
			}

			identity := o.keyFunc(r)
			if identity == "" {
				identity = KeyByIP(r)
			}

			res, err := limiter.Check(r.Context(), identity, policyName)
			if err != nil {
				// Misconfiguration fails closed.
				util.Error("admission check failed", util.String("policy", policyName), util.ErrorField(err))
				writeJSONError(w, http.StatusInternalServerError, "admission policy misconfigured")
				return
			}

			setQuotaHeaders(w, res)

			if res.Allowed {
				if o.skipSuccessful {
					ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
					next.ServeHTTP(ww, r)
					if ww.Status() < http.StatusBadRequest {
						if err := limiter.Reset(r.Context(), identity, policyName); err != nil {
							util.Warn("failed to reset window after success", util.ErrorField(err))
						}
					}
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if res.Delay > 0 && o.applyDelay {
				if !waitDelay(r, res.Delay) {
					// Caller gave up during the wait; a denied attempt
					// wrote no state, so there is nothing to undo.
					return
				}
				w.Header().Set("X-RateLimit-Delay-Applied-Ms", strconv.FormatInt(res.Delay.Milliseconds(), 10))
			}

			if o.onLimitExceeded != nil {
				o.onLimitExceeded(w, r, res)
				return
			}

			retrySeconds := int64(math.Ceil(res.RetryAfter.Seconds()))
			if retrySeconds < 1 {
				retrySeconds = 1
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"too many requests","retry_after_seconds":%d}`, retrySeconds)
		})
	}
}

func waitDelay(r *http.Request, delay time.Duration) bool {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-r.Context().Done():
		return false
	case <-timer.C:
		return true
	}
}

func setQuotaHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	if !res.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.ResetAt.Unix(), 10))
	}
	if !res.Allowed {
		retrySeconds := int64(math.Ceil(res.RetryAfter.Seconds()))
		if retrySeconds < 1 {
			retrySeconds = 1
		}
		w.Header().Set("Retry-After", strconv.FormatInt(retrySeconds, 10))
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":%q}`, message)
}
