package webgrpc

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/context"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	grpcproto "google.golang.org/grpc/encoding/proto"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/nicole0707/grpcwebchan"
	"github.com/nicole0707/grpcwebchan/internal"
)

// ContentType identifies the gRPC-Web protocol with binary message encoding.
// It is set on every request and is what conforming servers send back.
const ContentType = "application/grpc-web+proto"

const defaultUserAgent = "grpcwebchan-go/1.0.0"

// Channel is used as a connection for gRPC requests issued over HTTP with the
// gRPC-Web framing. The server endpoint is configured using the BaseURL
// field, which must be specified.
type Channel struct {
	// Transport issues the HTTP requests. If nil, http.DefaultTransport is
	// used. Round trippers do not follow redirects, so a redirecting server
	// surfaces as an Unknown status error rather than a silently re-routed
	// call.
	Transport http.RoundTripper

	// BaseURL is the scheme, host, and optional path prefix under which the
	// services are exposed. A call to method M of service p.S goes to
	// "<BaseURL>/p.S/M".
	BaseURL string

	// Codec encodes request messages and decodes response messages. If nil,
	// the codec registered under the "proto" name is used.
	Codec encoding.Codec

	// UserAgent overrides the X-User-Agent header sent with every request.
	UserAgent string

	// Interceptors wrap every call made through this channel. The last
	// interceptor in the slice is the outermost one.
	Interceptors []grpcwebchan.Interceptor
}

var _ grpcwebchan.Channel = (*Channel)(nil)

// Call prepares a unary RPC of the given method against this channel's
// endpoint. The returned request's Send serializes a message and issues the
// POST; the returned response's Receive drives the handler through response
// headers, the response message, the trailer, and final close.
func (ch *Channel) Call(ctx context.Context, svc *grpcwebchan.ServiceDesc, mtd *grpcwebchan.MethodDesc, opts grpcwebchan.CallOptions) (*grpcwebchan.ClientRequest, *grpcwebchan.ClientResponse) {
	c := &call{
		ctx:       ctx,
		mtd:       mtd,
		transport: ch.transport(),
		codec:     ch.codec(),
		respCh:    make(chan httpResult, 1),
	}
	c.req = &grpcwebchan.ClientRequest{
		URL:     strings.TrimSuffix(ch.BaseURL, "/") + "/" + svc.TypeName + "/" + mtd.Name,
		Method:  http.MethodPost,
		Header:  ch.callHeaders(ctx, opts),
		Context: ctx,
		Send:    c.send,
	}
	resp := &grpcwebchan.ClientResponse{Receive: c.receive}
	prepare := grpcwebchan.ChainInterceptors(baseCall, ch.Interceptors...)
	return prepare(svc, mtd, opts, c.req, resp)
}

func baseCall(_ *grpcwebchan.ServiceDesc, _ *grpcwebchan.MethodDesc, _ grpcwebchan.CallOptions, req *grpcwebchan.ClientRequest, resp *grpcwebchan.ClientResponse) (*grpcwebchan.ClientRequest, *grpcwebchan.ClientResponse) {
	return req, resp
}

func (ch *Channel) transport() http.RoundTripper {
	if ch.Transport != nil {
		return ch.Transport
	}
	return http.DefaultTransport
}

func (ch *Channel) codec() encoding.Codec {
	if ch.Codec != nil {
		return ch.Codec
	}
	return internal.GetCodec(grpcproto.Name)
}

// callHeaders assembles the request headers for one call: outgoing metadata
// from the context first, then the fixed gRPC-Web headers, then the caller's
// per-call headers (which replace identically-named entries), then the
// timeout.
func (ch *Channel) callHeaders(ctx context.Context, opts grpcwebchan.CallOptions) http.Header {
	h := http.Header{}
	if md, ok := metadata.FromOutgoingContext(ctx); ok {
		internal.ToHeaders(md, h)
	}
	h.Set("Content-Type", ContentType)
	h.Set("X-Grpc-Web", "1")
	ua := ch.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	h.Set("X-User-Agent", ua)
	for k, vs := range opts.Headers {
		h.Del(k)
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	if opts.Timeout > 0 {
		h.Set("grpc-timeout", timeoutValue(opts.Timeout))
	} else if deadline, ok := ctx.Deadline(); ok {
		h.Set("grpc-timeout", timeoutValue(time.Until(deadline)))
	}
	return h
}

func timeoutValue(timeout time.Duration) string {
	millis := int64(timeout / time.Millisecond)
	if millis <= 0 {
		millis = 1
	}
	return fmt.Sprintf("%dm", millis)
}

type httpResult struct {
	reply *http.Response
	err   error
}

// call holds the state of one RPC. Each call owns its own reader and state
// flags; calls share nothing, so a channel is safe for many concurrent calls.
type call struct {
	ctx       context.Context
	mtd       *grpcwebchan.MethodDesc
	transport http.RoundTripper
	codec     encoding.Codec
	req       *grpcwebchan.ClientRequest

	sendMu sync.Mutex
	sent   bool
	respCh chan httpResult

	stateMu sync.Mutex
	reading bool
	closed  bool
}

// send serializes and frames the message, then issues the HTTP request on a
// background goroutine. The done callback runs synchronously; the HTTP
// outcome is delivered through the response side. Serialization failures are
// reported both ways so that a pending receive still observes its close.
func (c *call) send(msg proto.Message, done func(error)) {
	c.sendMu.Lock()
	if c.sent {
		c.sendMu.Unlock()
		if done != nil {
			done(status.Error(codes.Internal, "request already sent"))
		}
		return
	}
	c.sent = true
	c.sendMu.Unlock()

	fail := func(err error) {
		c.respCh <- httpResult{err: err}
		if done != nil {
			done(err)
		}
	}

	b, err := c.codec.Marshal(msg)
	if err != nil {
		fail(status.Errorf(codes.Internal, "failed to serialize message %s: %v", messageName(msg), err))
		return
	}
	body, err := encodeDataFrame(b)
	if err != nil {
		fail(status.Errorf(codes.ResourceExhausted, "%v", err))
		return
	}
	r, err := http.NewRequestWithContext(c.req.Context, c.req.Method, c.req.URL, bytes.NewReader(body))
	if err != nil {
		fail(status.Errorf(codes.Internal, "failed to construct request: %v", err))
		return
	}
	r.Header = c.req.Header

	go func() {
		reply, err := c.transport.RoundTrip(r)
		c.respCh <- httpResult{reply: reply, err: err}
	}()
	if done != nil {
		done(nil)
	}
}

// receive drives the response state machine. All handler callbacks run on the
// calling goroutine, strictly in order, and OnClose fires exactly once per
// call on every path out of here.
func (c *call) receive(h *grpcwebchan.ResponseHandler) {
	c.stateMu.Lock()
	if c.closed {
		c.stateMu.Unlock()
		if h.OnClose != nil {
			h.OnClose(status.Error(codes.Internal, "response already read"))
		}
		return
	}
	if c.reading {
		c.stateMu.Unlock()
		if h.OnClose != nil {
			h.OnClose(status.Error(codes.Internal, "cannot read response concurrently"))
		}
		return
	}
	c.reading = true
	c.stateMu.Unlock()

	var res httpResult
	select {
	case <-c.ctx.Done():
		c.finish(h, internal.TranslateContextError(c.ctx.Err()))
		return
	case res = <-c.respCh:
	}
	if res.err != nil {
		c.finish(h, c.abortError(res.err))
		return
	}
	reply := res.reply
	if reply.Body != nil {
		defer reply.Body.Close()
	}
	if h.OnHeader != nil {
		h.OnHeader(reply.Header)
	}
	if err := responseError(reply.StatusCode, reply.Header); err != nil {
		c.finish(h, err)
		return
	}
	if reply.Body == nil {
		c.finish(h, status.Error(codes.Internal, "missing response body"))
		return
	}

	fr := newFrameReader(reply.Body)
	sawMessage := false
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			c.finish(h, c.abortError(err))
			return
		}
		if f.trailer {
			trailer := parseTrailer(f.payload)
			if h.OnTrailer != nil {
				h.OnTrailer(trailer)
			}
			c.finish(h, trailerError(trailer))
			return
		}
		if sawMessage {
			c.finish(h, status.Error(codes.Internal, "method should return 1 response message but server sent >1"))
			return
		}
		msg := c.mtd.NewResponse()
		if err := c.codec.Unmarshal(f.payload, msg); err != nil {
			c.finish(h, status.Errorf(codes.Internal, "failed to deserialize message %s: %v", messageName(msg), err))
			return
		}
		sawMessage = true
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
	}
}

func (c *call) finish(h *grpcwebchan.ResponseHandler, err error) {
	c.stateMu.Lock()
	c.reading = false
	c.closed = true
	c.stateMu.Unlock()
	if h.OnClose != nil {
		h.OnClose(err)
	}
}

// abortError prefers the call context's own error over whatever the HTTP
// layer wrapped it in, so cancellation always surfaces as Canceled or
// DeadlineExceeded.
func (c *call) abortError(err error) error {
	if ctxErr := c.ctx.Err(); ctxErr != nil {
		return internal.TranslateContextError(ctxErr)
	}
	return internal.TranslateContextError(err)
}

func messageName(msg proto.Message) string {
	return string(msg.ProtoReflect().Descriptor().FullName())
}
