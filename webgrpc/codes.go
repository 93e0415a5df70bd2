package webgrpc

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// codeFromHTTPStatus translates the given HTTP status code into a gRPC code,
// per the gRPC-Web protocol's mapping. This is only consulted when the
// response headers convey no non-OK gRPC status (a grpc-status of 0 there
// still leaves the HTTP status in effect), and never for trailers.
func codeFromHTTPStatus(stat int) codes.Code {
	switch stat {
	case http.StatusOK:
		return codes.OK
	case http.StatusBadRequest:
		return codes.Internal
	case http.StatusUnauthorized:
		return codes.Unauthenticated
	case http.StatusForbidden:
		return codes.PermissionDenied
	case http.StatusNotFound:
		return codes.Unimplemented
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return codes.Unavailable
	default:
		return codes.Unknown
	}
}

// isStatusCode reports whether the given value is one of the canonical gRPC
// status codes (OK through Unauthenticated, 0..16). Servers declaring any
// other value are malformed.
func isStatusCode(c int64) bool {
	return c >= int64(codes.OK) && c <= int64(codes.Unauthenticated)
}
