package webgrpc

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/nicole0707/grpcwebchan"
)

var testSvc = &grpcwebchan.ServiceDesc{
	TypeName: "p.S",
	Methods: map[string]*grpcwebchan.MethodDesc{
		"M": {
			Name:        "M",
			Kind:        grpcwebchan.MethodKindUnary,
			NewRequest:  func() proto.Message { return &wrapperspb.StringValue{} },
			NewResponse: func() proto.Message { return &wrapperspb.StringValue{} },
		},
	},
}

func testMtd() *grpcwebchan.MethodDesc {
	return testSvc.Methods["M"]
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func okResponse(body []byte) *http.Response {
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{ContentType}},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
}

func unaryBody(t *testing.T, msg proto.Message, trailerText string) []byte {
	t.Helper()
	b, err := proto.Marshal(msg)
	if err != nil {
		t.Fatalf("failed to marshal message: %v", err)
	}
	framed, err := encodeDataFrame(b)
	if err != nil {
		t.Fatalf("failed to frame message: %v", err)
	}
	return append(framed, trailerFrame(trailerText)...)
}

// events records the handler callback sequence for order assertions.
type events struct {
	sequence []string
	msg      proto.Message
	trailer  http.Header
	closeErr error
	closes   int
}

func (e *events) handler() *grpcwebchan.ResponseHandler {
	return &grpcwebchan.ResponseHandler{
		OnHeader: func(http.Header) { e.sequence = append(e.sequence, "header") },
		OnMessage: func(m proto.Message) {
			e.sequence = append(e.sequence, "message")
			e.msg = m
		},
		OnTrailer: func(tr http.Header) {
			e.sequence = append(e.sequence, "trailer")
			e.trailer = tr
		},
		OnClose: func(err error) {
			e.sequence = append(e.sequence, "close")
			e.closeErr = err
			e.closes++
		},
	}
}

func (e *events) checkSequence(t *testing.T, expected ...string) {
	t.Helper()
	if strings.Join(e.sequence, " ") != strings.Join(expected, " ") {
		t.Fatalf("wrong callback sequence: expecting %v; got %v", expected, e.sequence)
	}
}

func TestCall_Success(t *testing.T) {
	var captured *http.Request
	var capturedBody []byte
	ch := &Channel{
		BaseURL: "https://x.test/api/",
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			captured = r
			var err error
			capturedBody, err = io.ReadAll(r.Body)
			if err != nil {
				t.Errorf("failed to read request body: %v", err)
			}
			return okResponse(unaryBody(t, wrapperspb.String("pong"), "grpc-status: 0\r\n")), nil
		}),
	}

	req, resp := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	if req.URL != "https://x.test/api/p.S/M" {
		t.Fatalf("wrong URL: %q", req.URL)
	}
	if req.Method != http.MethodPost {
		t.Fatalf("wrong method: %q", req.Method)
	}

	var sendErr error
	req.Send(wrapperspb.String("ping"), func(err error) { sendErr = err })
	if sendErr != nil {
		t.Fatalf("send callback reported error: %v", sendErr)
	}

	var e events
	resp.Receive(e.handler())
	e.checkSequence(t, "header", "message", "trailer", "close")
	if e.closeErr != nil {
		t.Fatalf("call failed: %v", e.closeErr)
	}
	if got := e.msg.(*wrapperspb.StringValue).GetValue(); got != "pong" {
		t.Fatalf("wrong response message: %q", got)
	}
	if got := e.trailer.Get("grpc-status"); got != "0" {
		t.Fatalf("wrong trailer: %v", e.trailer)
	}

	if captured.URL.String() != "https://x.test/api/p.S/M" {
		t.Fatalf("wrong request URL on the wire: %q", captured.URL)
	}
	if got := captured.Header.Get("Content-Type"); got != ContentType {
		t.Fatalf("wrong content type: %q", got)
	}
	if got := captured.Header.Get("X-Grpc-Web"); got != "1" {
		t.Fatalf("wrong x-grpc-web header: %q", got)
	}
	if got := captured.Header.Get("X-User-Agent"); got == "" {
		t.Fatal("x-user-agent header not set")
	}

	wireMsg, err := proto.Marshal(wrapperspb.String("ping"))
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if capturedBody[0] != dataFrameType {
		t.Fatalf("request body does not start with a data frame: %v", capturedBody[0])
	}
	if sz := binary.BigEndian.Uint32(capturedBody[1:5]); int(sz) != len(wireMsg) {
		t.Fatalf("wrong request frame length: expecting %d; got %d", len(wireMsg), sz)
	}
	if !bytes.Equal(capturedBody[5:], wireMsg) {
		t.Fatal("wrong request frame payload")
	}
}

func TestCall_TrailerOnlyError(t *testing.T) {
	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return okResponse(trailerFrame("grpc-status: 5\r\ngrpc-message: not%20found\r\n")), nil
		}),
	}
	req, resp := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)

	var e events
	resp.Receive(e.handler())
	e.checkSequence(t, "header", "trailer", "close")
	st := status.Convert(e.closeErr)
	if st.Code() != codes.NotFound || st.Message() != "not found" {
		t.Fatalf("wrong error: %v / %q", st.Code(), st.Message())
	}
}

func TestCall_HTTPFailure(t *testing.T) {
	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusUnauthorized,
				Header:     http.Header{},
				Body:       io.NopCloser(bytes.NewReader(nil)),
			}, nil
		}),
	}
	req, resp := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)

	var e events
	resp.Receive(e.handler())
	e.checkSequence(t, "header", "close")
	if got := status.Convert(e.closeErr).Code(); got != codes.Unauthenticated {
		t.Fatalf("wrong code: expecting %v; got %v", codes.Unauthenticated, got)
	}
}

func TestCall_PrematureEOF(t *testing.T) {
	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return okResponse([]byte{0x00, 0x00, 0x00, 0x00, 0x10, 0x01, 0x02, 0x03}), nil
		}),
	}
	req, resp := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)

	var e events
	resp.Receive(e.handler())
	e.checkSequence(t, "header", "close")
	st := status.Convert(e.closeErr)
	if st.Code() != codes.DataLoss || st.Message() != "premature end of response body" {
		t.Fatalf("wrong error: %v / %q", st.Code(), st.Message())
	}
}

func TestCall_DeserializationFailure(t *testing.T) {
	bad, err := encodeDataFrame([]byte{0xff})
	if err != nil {
		t.Fatalf("failed to frame: %v", err)
	}
	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return okResponse(append(bad, trailerFrame("grpc-status: 0\r\n")...)), nil
		}),
	}
	req, resp := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)

	var e events
	resp.Receive(e.handler())
	e.checkSequence(t, "header", "close")
	st := status.Convert(e.closeErr)
	if st.Code() != codes.Internal {
		t.Fatalf("wrong code: %v", st.Code())
	}
	if !strings.Contains(st.Message(), "failed to deserialize message google.protobuf.StringValue") {
		t.Fatalf("wrong message: %q", st.Message())
	}
}

func TestCall_ExtraResponseMessage(t *testing.T) {
	one, err := proto.Marshal(wrapperspb.String("a"))
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	framed, err := encodeDataFrame(one)
	if err != nil {
		t.Fatalf("failed to frame: %v", err)
	}
	var body []byte
	body = append(body, framed...)
	body = append(body, framed...)
	body = append(body, trailerFrame("grpc-status: 0\r\n")...)

	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return okResponse(body), nil
		}),
	}
	req, resp := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)

	var e events
	resp.Receive(e.handler())
	e.checkSequence(t, "header", "message", "close")
	st := status.Convert(e.closeErr)
	if st.Code() != codes.Internal || !strings.Contains(st.Message(), "server sent >1") {
		t.Fatalf("wrong error: %v / %q", st.Code(), st.Message())
	}
}

func TestCall_MissingBody(t *testing.T) {
	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}, nil
		}),
	}
	req, resp := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)

	var e events
	resp.Receive(e.handler())
	e.checkSequence(t, "header", "close")
	if got := status.Convert(e.closeErr).Message(); got != "missing response body" {
		t.Fatalf("wrong message: %q", got)
	}
}

func TestCall_SecondReceive(t *testing.T) {
	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return okResponse(unaryBody(t, wrapperspb.String("pong"), "grpc-status: 0\r\n")), nil
		}),
	}
	req, resp := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)

	var first events
	resp.Receive(first.handler())
	if first.closeErr != nil {
		t.Fatalf("first receive failed: %v", first.closeErr)
	}

	var second events
	resp.Receive(second.handler())
	second.checkSequence(t, "close")
	if got := status.Convert(second.closeErr).Message(); got != "response already read" {
		t.Fatalf("wrong message: %q", got)
	}
	if first.closes != 1 {
		t.Fatalf("first handler should have closed exactly once; got %d", first.closes)
	}
}

// blockingBody blocks its first Read until released, so a test can hold one
// receive inside the frame loop while it probes another.
type blockingBody struct {
	release chan struct{}
	data    *bytes.Reader
	once    sync.Once
}

func (b *blockingBody) Read(p []byte) (int, error) {
	b.once.Do(func() { <-b.release })
	return b.data.Read(p)
}

func (b *blockingBody) Close() error { return nil }

func TestCall_ConcurrentReceive(t *testing.T) {
	release := make(chan struct{})
	body := &blockingBody{
		release: release,
		data:    bytes.NewReader(trailerFrame("grpc-status: 0\r\n")),
	}
	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: body}, nil
		}),
	}
	req, resp := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)

	headerDelivered := make(chan struct{})
	firstDone := make(chan struct{})
	var first events
	h := first.handler()
	onHeader := h.OnHeader
	h.OnHeader = func(hdr http.Header) {
		onHeader(hdr)
		close(headerDelivered)
	}
	go func() {
		defer close(firstDone)
		resp.Receive(h)
	}()

	<-headerDelivered
	var second events
	resp.Receive(second.handler())
	second.checkSequence(t, "close")
	if got := status.Convert(second.closeErr).Message(); got != "cannot read response concurrently" {
		t.Fatalf("wrong message: %q", got)
	}

	close(release)
	<-firstDone
	first.checkSequence(t, "header", "trailer", "close")
	if first.closeErr != nil {
		t.Fatalf("first receive should be unaffected: %v", first.closeErr)
	}
}

func TestCall_SecondSend(t *testing.T) {
	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(*http.Request) (*http.Response, error) {
			return okResponse(unaryBody(t, wrapperspb.String("pong"), "grpc-status: 0\r\n")), nil
		}),
	}
	req, _ := ch.Call(context.Background(), testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)
	var dupErr error
	req.Send(wrapperspb.String("ping"), func(err error) { dupErr = err })
	if dupErr == nil {
		t.Fatal("second send should report an error")
	}
}

func TestCall_Cancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ch := &Channel{BaseURL: "https://x.test/api", Transport: http.DefaultTransport}
	_, resp := ch.Call(ctx, testSvc, testMtd(), grpcwebchan.CallOptions{})

	var e events
	resp.Receive(e.handler())
	e.checkSequence(t, "close")
	if got := status.Convert(e.closeErr).Code(); got != codes.Canceled {
		t.Fatalf("wrong code: expecting %v; got %v", codes.Canceled, got)
	}
}

func TestCall_Headers(t *testing.T) {
	var captured http.Header
	ch := &Channel{
		BaseURL:   "https://x.test/api",
		UserAgent: "custom-agent/1.0",
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			captured = r.Header
			return okResponse(trailerFrame("grpc-status: 0\r\n")), nil
		}),
	}

	md := metadata.Pairs("x-extra", "1", "x-token-bin", "\x01\x02", "content-type", "evil/type")
	ctx := metadata.NewOutgoingContext(context.Background(), md)
	opts := grpcwebchan.CallOptions{
		Headers: http.Header{"X-Override": []string{"a", "b"}},
		Timeout: 250 * time.Millisecond,
	}
	req, resp := ch.Call(ctx, testSvc, testMtd(), opts)
	req.Send(wrapperspb.String("ping"), nil)
	resp.Receive(&grpcwebchan.ResponseHandler{OnClose: func(error) {}})

	if got := captured.Get("Content-Type"); got != ContentType {
		t.Fatalf("reserved metadata must not override content type: %q", got)
	}
	if got := captured.Get("X-User-Agent"); got != "custom-agent/1.0" {
		t.Fatalf("wrong user agent: %q", got)
	}
	if got := captured.Get("x-extra"); got != "1" {
		t.Fatalf("context metadata not applied: %v", captured)
	}
	if got := captured.Get("x-token-bin"); got != "AQI=" {
		t.Fatalf("binary metadata should be base64: %q", got)
	}
	if got := captured.Values("X-Override"); len(got) != 2 {
		t.Fatalf("per-call headers not applied: %v", got)
	}
	if got := captured.Get("grpc-timeout"); got != "250m" {
		t.Fatalf("wrong grpc-timeout header: %q", got)
	}
}

func TestCall_TimeoutFromContextDeadline(t *testing.T) {
	var captured http.Header
	ch := &Channel{
		BaseURL: "https://x.test/api",
		Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			captured = r.Header
			return okResponse(trailerFrame("grpc-status: 0\r\n")), nil
		}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	req, resp := ch.Call(ctx, testSvc, testMtd(), grpcwebchan.CallOptions{})
	req.Send(wrapperspb.String("ping"), nil)
	resp.Receive(&grpcwebchan.ResponseHandler{OnClose: func(error) {}})

	v := captured.Get("grpc-timeout")
	if !strings.HasSuffix(v, "m") {
		t.Fatalf("wrong grpc-timeout header: %q", v)
	}
}
