// Package webgrpc contains a client channel that carries unary gRPC calls
// over HTTP using the gRPC-Web protocol with binary message encoding. This is
// intended for environments where real gRPC is not possible, such as calling
// through proxies and gateways that only accept HTTP 1.1, or for talking to
// servers that only expose a gRPC-Web endpoint.
//
// # Anatomy of a gRPC-Web call
//
// A unary RPC is a POST request whose path is the base URL's path plus
// "/service.name/method" (where service.name and method represent the
// fully-qualified service name and the method name being invoked). The
// content-type is "application/grpc-web+proto" and the request body is a
// single length-prefixed frame: one byte of frame type (0x00 for data), a
// 32-bit big-endian length, and then the binary-encoded request message.
//
// The response body is a data frame carrying the binary-encoded response
// message, followed by a trailer frame. A trailer frame's type byte is 0x80
// and its payload is CRLF-separated "name: value" text, carrying the same
// headers HTTP/2 gRPC would put in trailers: "grpc-status" (a decimal status
// code), "grpc-message" (a percent-encoded message), and optionally
// "grpc-status-details-bin" (a base-64-encoded google.rpc.Status with typed
// detail payloads). When the server fails the call before producing a
// message, the trailer frame may be the only frame in the body, or the
// status may be conveyed through the HTTP response headers or the HTTP
// status code alone. The channel consults all three sources, preferring
// binary details, then the textual trailer headers, then the HTTP status.
//
// Request metadata stored in the context via the grpc metadata package is
// sent as HTTP request headers. A context deadline (or an explicit call
// timeout) is propagated to the server via "grpc-timeout" metadata.
//
// Streaming RPCs are not supported: gRPC-Web server streams require a
// different response parser, and client/bidi streams cannot be expressed
// over a buffered HTTP 1.1 request body at all.
package webgrpc
