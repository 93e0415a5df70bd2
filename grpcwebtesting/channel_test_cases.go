package grpcwebtesting

import (
	"net/http"
	"testing"

	"github.com/golang/protobuf/ptypes"
	"golang.org/x/net/context"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/protoadapt"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nicole0707/grpcwebchan"
)

var (
	testOutgoingMd = map[string]string{
		"foo": "bar",
		"baz": "bedazzle",
	}

	testMdHeaders = map[string]string{
		"foo1": "bar4",
		"baz2": "bedazzle5",
	}

	testMdTrailers = map[string]string{
		"foo4": "bar7",
		"baz5": "bedazzle8",
	}

	testErrorMessages = []proto.Message{
		&structpb.ListValue{
			Values: []*structpb.Value{
				{Kind: &structpb.Value_NumberValue{NumberValue: 123}},
				{Kind: &structpb.Value_StringValue{StringValue: "foo"}},
			},
		},
		&structpb.Struct{
			Fields: map[string]*structpb.Value{
				"FOO": {Kind: &structpb.Value_NumberValue{NumberValue: 456}},
				"BAR": {Kind: &structpb.Value_StringValue{StringValue: "bar"}},
			},
		},
	}
)

// TestErrorDetails returns the detail payloads the TestServer attaches to
// failures when the request asks for them.
func TestErrorDetails() []*anypb.Any {
	details := make([]*anypb.Any, len(testErrorMessages))
	for i, msg := range testErrorMessages {
		a, err := ptypes.MarshalAny(protoadapt.MessageV1Of(msg))
		if err != nil {
			panic(err)
		}
		details[i] = a
	}
	return details
}

// RunChannelTestCases runs numerous test cases to exercise the behavior of
// the given channel. The server side of the channel needs to have a
// *TestServer (in this package) registered to provide the implementation of
// the EchoService.
//
// The test cases will be defined as child tests by invoking t.Run on the
// given *testing.T.
func RunChannelTestCases(t *testing.T, ch grpcwebchan.Channel) {
	t.Run("success", func(t *testing.T) { testUnarySuccess(t, ch) })
	t.Run("failure", func(t *testing.T) { testUnaryFailure(t, ch) })
	t.Run("failure-with-details", func(t *testing.T) { testUnaryFailureDetails(t, ch) })
}

// unaryResult collects what one call delivered to its handler.
type unaryResult struct {
	header  http.Header
	msg     proto.Message
	trailer http.Header
	err     error

	gotHeader  bool
	gotTrailer bool
}

// invokeUnary executes one unary call synchronously and returns everything
// the handler observed.
func invokeUnary(ctx context.Context, ch grpcwebchan.Channel, opts grpcwebchan.CallOptions, msg proto.Message) *unaryResult {
	mtd := TestService.Methods["Echo"]
	req, resp := ch.Call(ctx, TestService, mtd, opts)
	var res unaryResult
	req.Send(msg, func(error) {})
	resp.Receive(&grpcwebchan.ResponseHandler{
		OnHeader: func(h http.Header) {
			res.gotHeader = true
			res.header = h
		},
		OnMessage: func(m proto.Message) {
			res.msg = m
		},
		OnTrailer: func(tr http.Header) {
			res.gotTrailer = true
			res.trailer = tr
		},
		OnClose: func(err error) {
			res.err = err
		},
	})
	return &res
}

func echoRequest(t *testing.T, fields map[string]interface{}) *structpb.Struct {
	msg, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("failed to build request struct: %v", err)
	}
	return msg
}

func testUnarySuccess(t *testing.T, ch grpcwebchan.Channel) {
	ctx := metadata.NewOutgoingContext(context.Background(), metadata.New(testOutgoingMd))
	req := echoRequest(t, map[string]interface{}{
		"payload":  "ping",
		"headers":  asInterfaceMap(testMdHeaders),
		"trailers": asInterfaceMap(testMdTrailers),
	})

	res := invokeUnary(ctx, ch, grpcwebchan.CallOptions{}, req)
	if res.err != nil {
		t.Fatalf("RPC failed: %v", res.err)
	}
	if res.msg == nil {
		t.Fatal("no response message received")
	}
	if !res.gotHeader || !res.gotTrailer {
		t.Fatalf("expecting both header and trailer callbacks; got header=%v trailer=%v", res.gotHeader, res.gotTrailer)
	}
	fields := res.msg.(*structpb.Struct).GetFields()
	if got := fields["payload"].GetStringValue(); got != "ping" {
		t.Fatalf("wrong payload returned: expecting %q; got %q", "ping", got)
	}
	checkRequestMetadata(t, testOutgoingMd, fields["metadata"].GetStructValue())
	checkHeaders(t, testMdHeaders, res.header, "header")
	checkHeaders(t, testMdTrailers, res.trailer, "trailer")
	if got := res.trailer.Get("grpc-status"); got != "0" {
		t.Fatalf("wrong grpc-status in trailer: expecting %q; got %q", "0", got)
	}
}

func testUnaryFailure(t *testing.T, ch grpcwebchan.Channel) {
	req := echoRequest(t, map[string]interface{}{
		"code":    float64(codes.NotFound),
		"message": "no such thing",
	})

	res := invokeUnary(context.Background(), ch, grpcwebchan.CallOptions{}, req)
	if res.msg != nil {
		t.Fatalf("failed RPC should not produce a message; got %v", res.msg)
	}
	checkError(t, res.err, codes.NotFound, "no such thing")
}

func testUnaryFailureDetails(t *testing.T, ch grpcwebchan.Channel) {
	req := echoRequest(t, map[string]interface{}{
		"code":    float64(codes.AlreadyExists),
		"message": "error",
		"details": true,
	})

	res := invokeUnary(context.Background(), ch, grpcwebchan.CallOptions{}, req)
	checkError(t, res.err, codes.AlreadyExists, "error", testErrorMessages...)
}

func asInterfaceMap(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func checkRequestMetadata(t *testing.T, expected map[string]string, echoed *structpb.Struct) {
	t.Helper()
	fields := echoed.GetFields()
	for k, v := range expected {
		if got := fields[k].GetStringValue(); got != v {
			t.Errorf("wrong value echoed for request metadata %q: expecting %q; got %q", k, v, got)
		}
	}
}

func checkHeaders(t *testing.T, expected map[string]string, actual http.Header, what string) {
	t.Helper()
	for k, v := range expected {
		if got := actual.Get(k); got != v {
			t.Errorf("wrong %s value for %q: expecting %q; got %q", what, k, v, got)
		}
	}
}

// checkError asserts that the given error is a status error with the given
// code and message, carrying exactly the given detail payloads.
func checkError(t *testing.T, err error, expectedCode codes.Code, expectedMsg string, expectedDetails ...proto.Message) {
	t.Helper()
	if err == nil {
		t.Fatal("expecting RPC error; got none")
	}
	st, ok := status.FromError(err)
	if !ok {
		t.Fatalf("error is not a status error: %v", err)
	}
	if st.Code() != expectedCode {
		t.Fatalf("wrong error code: expecting %v; got %v", expectedCode, st.Code())
	}
	if st.Message() != expectedMsg {
		t.Fatalf("wrong error message: expecting %q; got %q", expectedMsg, st.Message())
	}
	details := st.Proto().GetDetails()
	if len(details) != len(expectedDetails) {
		t.Fatalf("wrong number of error details: expecting %d; got %d", len(expectedDetails), len(details))
	}
	for i, want := range expectedDetails {
		got, err := details[i].UnmarshalNew()
		if err != nil {
			t.Fatalf("failed to unmarshal error detail #%d: %v", i, err)
		}
		if !proto.Equal(got, want) {
			t.Fatalf("wrong error detail #%d: expecting %v; got %v", i, want, got)
		}
	}
}
