package grpcwebchan

import (
	"golang.org/x/net/context"
)

// UnaryCallFunc prepares one unary call, returning the request/response pair
// the caller will use to execute it. Interceptors receive and return values
// of this shape.
type UnaryCallFunc func(svc *ServiceDesc, mtd *MethodDesc, opts CallOptions, req *ClientRequest, resp *ClientResponse) (*ClientRequest, *ClientResponse)

// Interceptor wraps a unary call. It is given the next call function in the
// chain and returns a new one, which may observe or replace the request and
// response handles before they reach the caller.
type Interceptor func(next UnaryCallFunc) UnaryCallFunc

// ChainInterceptors combines the given interceptors around the given base
// call function. The last interceptor in the set is the outermost one: its
// request/response pair is what the caller ultimately receives, and when it
// delegates to its next function it reaches the second-to-last interceptor,
// and so on down to base.
func ChainInterceptors(base UnaryCallFunc, interceptors ...Interceptor) UnaryCallFunc {
	call := base
	for _, i := range interceptors {
		call = i(call)
	}
	return call
}

// InterceptChannel returns a view of the given channel that applies the given
// interceptors to every call. If the set of interceptors is empty, this
// returns ch.
func InterceptChannel(ch Channel, interceptors ...Interceptor) Channel {
	if len(interceptors) == 0 {
		return ch
	}
	return &interceptedChannel{ch: ch, interceptors: interceptors}
}

type interceptedChannel struct {
	ch           Channel
	interceptors []Interceptor
}

func (intch *interceptedChannel) Call(ctx context.Context, svc *ServiceDesc, mtd *MethodDesc, opts CallOptions) (*ClientRequest, *ClientResponse) {
	req, resp := intch.ch.Call(ctx, svc, mtd, opts)
	call := ChainInterceptors(passThroughCall, intch.interceptors...)
	return call(svc, mtd, opts, req, resp)
}

func passThroughCall(_ *ServiceDesc, _ *MethodDesc, _ CallOptions, req *ClientRequest, resp *ClientResponse) (*ClientRequest, *ClientResponse) {
	return req, resp
}

var _ Channel = (*interceptedChannel)(nil)
