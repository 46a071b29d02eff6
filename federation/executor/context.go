package executor

import (
	"context"
	"net/http"
)

type requestHeaderContextKey struct{}

// SetRequestHeaderToContext stashes the inbound request's headers so
// subgraph fetches further down the request tree can propagate them.
func SetRequestHeaderToContext(ctx context.Context, header http.Header) context.Context {
	return context.WithValue(ctx, requestHeaderContextKey{}, header)
}

// GetRequestHeaderFromContext returns the headers stored by
// SetRequestHeaderToContext, or nil when none were stored.
func GetRequestHeaderFromContext(ctx context.Context) http.Header {
	h, ok := ctx.Value(requestHeaderContextKey{}).(http.Header)
	if !ok {
		return nil
	}
	return h
}
