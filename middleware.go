package appmon

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const (
	// TokenHeader carries the access token on gated endpoints
	TokenHeader = "X-AppMon-Token"
	// SessionHeader names the client session reported in activity samples
	SessionHeader = "X-Session-Id"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// CountRequests counts one occurrence on counter after every request served
// by next. Responses with a 5xx status and handler panics also count as
// errors. Counting happens inline and never blocks.
func CountRequests(counter *EventCounter, next http.Handler) http.Handler {
	return ObserveRequests(counter, nil, 0, nil, next)
}

// ObserveRequests counts requests like CountRequests and publishes one
// activity sample per request to sink. Publishing is bounded by timeout,
// 0 means 500ms, and a failed delivery is logged at debug level only.
func ObserveRequests(counter *EventCounter, sink Sink, timeout time.Duration, logger *zap.Logger, next http.Handler) http.Handler {
	timeout = pickDuration(timeout, 500*time.Millisecond)
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		defer func() {
			panicked := recover()
			failed := panicked != nil || rec.status >= http.StatusInternalServerError
			counter.Count()
			if failed {
				counter.Error()
			}
			if sink != nil {
				publishActivity(sink, timeout, logger, counter, req, start, rec.status, failed)
			}
			if panicked != nil {
				panic(panicked)
			}
		}()
		next.ServeHTTP(rec, req)
	})
}

func publishActivity(sink Sink, timeout time.Duration, logger *zap.Logger, counter *EventCounter,
	req *http.Request, start time.Time, status int, failed bool) {
	elapsed := time.Since(start)
	sample := &Sample{
		Instance: counter.Instance(),
		Kind:     KindEvent,
		Name:     counter.Event(),
		Title:    "activity",
		Value:    elapsed.Round(time.Millisecond).String(),
		Data: map[string]any{
			"startTime":   start.UnixMilli(),
			"elapsedTime": elapsed.Milliseconds(),
			"sessionId":   req.Header.Get(SessionHeader),
			"method":      req.Method,
			"path":        req.URL.Path,
			"status":      status,
			"error":       failed,
			"total":       counter.Total(),
		},
		Time: start,
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := sink.Publish(ctx, sample.Instance, sample.Name, sample); err != nil {
		logger.Debug("Dropped activity sample",
			zap.String("instance", sample.Instance), zap.String("event", sample.Name), zap.Error(err))
	}
}

// RequireToken rejects requests without a valid token and hands a fresh token
// back on every accepted request.
func RequireToken(issuer *TokenIssuer, logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		ttl, err := issuer.Validate(req.Header.Get(TokenHeader))
		if err != nil {
			if !errors.Is(err, ErrInvalidToken) {
				logger.Error("Token validation failed", zap.Error(err))
			}
			http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
			return
		}
		token, err := issuer.Issue(ttl)
		if err != nil {
			logger.Error("Failed to reissue token", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		w.Header().Set(TokenHeader, token)
		next.ServeHTTP(w, req)
	})
}
