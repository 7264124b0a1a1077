package middleware

import "net/http"

// MaxBodyBytes caps request bodies. A check request carries one event, so
// anything larger is rejected by the decoder.
const MaxBodyBytes = 1 << 20

// LimitBodyMiddleware caps the request body at MaxBodyBytes
func LimitBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}
