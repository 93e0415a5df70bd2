// Package grpcwebchan provides an abstraction of a client-side gRPC-Web
// transport. With corresponding service descriptors, it can carry unary RPCs
// from environments where real gRPC is not possible, such as behind proxies
// or gateways that only speak HTTP 1.1, using the browser-oriented gRPC-Web
// framing with binary-encoded messages.
package grpcwebchan

import (
	"net/http"
	"time"

	"golang.org/x/net/context"
	"google.golang.org/protobuf/proto"
)

// MethodKind indicates the streaming arity of a method. Only unary methods
// are supported by channels in this module; the kind exists so that service
// descriptors can carry it and transports can reject what they do not handle.
type MethodKind int

const (
	// MethodKindUnary is a method with exactly one request message and
	// exactly one response message.
	MethodKindUnary MethodKind = iota
)

// ServiceDesc describes a service: its fully-qualified type name (e.g.
// "package.name.Service") and its methods, keyed by method name.
type ServiceDesc struct {
	TypeName string
	Methods  map[string]*MethodDesc
}

// MethodDesc describes a single method of a service. NewRequest and
// NewResponse construct empty instances of the method's request and response
// message types, for serialization and deserialization respectively.
type MethodDesc struct {
	Name        string
	Kind        MethodKind
	NewRequest  func() proto.Message
	NewResponse func() proto.Message
}

// CallOptions configure a single call. All fields are optional.
//
// Headers are applied to the request on top of the headers the channel sets
// itself, replacing identically-named entries. Timeout, if positive, is
// communicated to the server via the "grpc-timeout" request header; the
// channel does not enforce it client-side (cancel the call's context for
// that).
type CallOptions struct {
	Headers http.Header
	Timeout time.Duration
}

// ClientRequest is the outgoing half of a call. The channel populates URL,
// Method, Header, and Context before any interceptor runs; interceptors may
// mutate the header or substitute the whole request.
//
// Send serializes the given message, frames it, and issues the HTTP request.
// It must be invoked at most once. The done callback is invoked synchronously
// and carries no meaningful result: the actual outcome of the HTTP exchange
// is surfaced through the response side.
type ClientRequest struct {
	URL     string
	Method  string
	Header  http.Header
	Context context.Context
	Send    func(msg proto.Message, done func(error))
}

// ClientResponse is the incoming half of a call. Receive drives the given
// handler through the response lifecycle and must be invoked at most once.
type ClientResponse struct {
	Receive func(h *ResponseHandler)
}

// ResponseHandler receives the callbacks of one call. OnHeader and OnTrailer
// are optional. For every call, the callbacks that do fire do so in order:
// OnHeader, then at most one OnMessage, then at most one OnTrailer, then
// exactly one OnClose. OnClose is always last; a nil error there means the
// call succeeded. Errors delivered to OnClose are gRPC status errors and can
// be examined with status.FromError.
type ResponseHandler struct {
	OnHeader  func(header http.Header)
	OnMessage func(msg proto.Message)
	OnTrailer func(trailer http.Header)
	OnClose   func(err error)
}

// Channel is an abstraction of a unary client transport. A channel
// implementation builds the request/response handle pair for one call; the
// caller then uses Send and Receive to execute it.
type Channel interface {
	// Call prepares a unary RPC of the given method and returns the
	// request/response pair for it. No network activity happens until the
	// returned request's Send is invoked.
	Call(ctx context.Context, svc *ServiceDesc, mtd *MethodDesc, opts CallOptions) (*ClientRequest, *ClientResponse)
}
