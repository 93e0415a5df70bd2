package grpcwebchan

import (
	"net/http"
	"testing"

	"golang.org/x/net/context"
)

// fakeChannel returns a fixed request/response pair so the chain composition
// can be observed without any transport underneath.
type fakeChannel struct {
	req  *ClientRequest
	resp *ClientResponse
}

func (f *fakeChannel) Call(ctx context.Context, svc *ServiceDesc, mtd *MethodDesc, opts CallOptions) (*ClientRequest, *ClientResponse) {
	return f.req, f.resp
}

func tagging(tag string, order *[]string) Interceptor {
	return func(next UnaryCallFunc) UnaryCallFunc {
		return func(svc *ServiceDesc, mtd *MethodDesc, opts CallOptions, req *ClientRequest, resp *ClientResponse) (*ClientRequest, *ClientResponse) {
			*order = append(*order, tag)
			return next(svc, mtd, opts, req, resp)
		}
	}
}

func TestChainInterceptors_Order(t *testing.T) {
	var order []string
	base := func(_ *ServiceDesc, _ *MethodDesc, _ CallOptions, req *ClientRequest, resp *ClientResponse) (*ClientRequest, *ClientResponse) {
		order = append(order, "base")
		return req, resp
	}
	chained := ChainInterceptors(base, tagging("i1", &order), tagging("i2", &order), tagging("i3", &order))
	chained(nil, nil, CallOptions{}, nil, nil)

	// the last interceptor wraps all the others, so it runs first
	expected := []string{"i3", "i2", "i1", "base"}
	if len(order) != len(expected) {
		t.Fatalf("wrong invocation order: %v", order)
	}
	for i := range expected {
		if order[i] != expected[i] {
			t.Fatalf("wrong invocation order: expecting %v; got %v", expected, order)
		}
	}
}

func TestInterceptChannel(t *testing.T) {
	fake := &fakeChannel{
		req:  &ClientRequest{Method: http.MethodPost, Header: http.Header{}},
		resp: &ClientResponse{},
	}

	if got := InterceptChannel(fake); got != Channel(fake) {
		t.Fatal("no interceptors should return the channel unchanged")
	}

	replaced := &ClientRequest{Method: http.MethodPost, Header: http.Header{}}
	substituting := Interceptor(func(next UnaryCallFunc) UnaryCallFunc {
		return func(svc *ServiceDesc, mtd *MethodDesc, opts CallOptions, req *ClientRequest, resp *ClientResponse) (*ClientRequest, *ClientResponse) {
			req, resp = next(svc, mtd, opts, req, resp)
			return replaced, resp
		}
	})

	ch := InterceptChannel(fake, substituting)
	req, resp := ch.Call(context.Background(), nil, nil, CallOptions{})
	if req != replaced {
		t.Fatal("interceptor should be able to substitute the request")
	}
	if resp != fake.resp {
		t.Fatal("response should pass through unchanged")
	}
}
