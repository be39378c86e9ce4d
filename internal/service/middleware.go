package service

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// responseWriter captures the status code for logging and metrics.
// Duplicate WriteHeader calls are swallowed so a recovered panic after
// a partial write does not trigger the superfluous-header warning.
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.wroteHeader = true
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// requestLogger logs one line per request and feeds the HTTP metrics.
// Metric labels use the chi route pattern rather than the raw path to
// keep cardinality bounded.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		duration := time.Since(start)

		// The route pattern is only populated once routing has run.
		routePattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				routePattern = p
			}
		}
		s.metrics.RecordHTTPRequest(r.Method, routePattern, rw.statusCode, duration)

		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.statusCode),
			zap.Duration("duration", duration),
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("request_id", chimiddleware.GetReqID(r.Context())),
		)
	})
}

// recovery turns handler panics into JSON 500s.
func (s *Server) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered in HTTP handler.",
					zap.Any("error", err), zap.String("path", r.URL.Path))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// jwtAuth validates HS256 bearer tokens against the shared secret. It
// guards the /api subtree only; health and metrics stay open.
func (s *Server) jwtAuth(secret []byte) func(http.Handler) http.Handler {
	keyFunc := func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != "HS256" {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return secret, nil
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				s.writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}
			tokenStr := strings.TrimPrefix(authHeader, "Bearer ")

			token, err := jwt.Parse(tokenStr, keyFunc, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil {
				s.logger.Debug("JWT validation failed.", zap.Error(err))
				s.writeError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if _, ok := token.Claims.(jwt.MapClaims); !ok || !token.Valid {
				s.writeError(w, http.StatusUnauthorized, "invalid token claims")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
