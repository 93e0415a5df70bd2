package grpcwebtesting

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/context"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/nicole0707/grpcwebchan"
)

// TestService describes the echo service implemented by TestServer. Request
// and response messages are structpb.Structs so no generated code is needed.
var TestService = &grpcwebchan.ServiceDesc{
	TypeName: "grpcwebchan.test.EchoService",
	Methods: map[string]*grpcwebchan.MethodDesc{
		"Echo": {
			Name:        "Echo",
			Kind:        grpcwebchan.MethodKindUnary,
			NewRequest:  func() proto.Message { return &structpb.Struct{} },
			NewResponse: func() proto.Message { return &structpb.Struct{} },
		},
	},
}

// TestServer has default responses whose behavior is driven by fields of the
// request struct:
//
//	payload       string  echoed back in the response
//	headers       struct  string values to send as response headers
//	trailers      struct  string values to send as response trailers
//	code          number  if non-zero, fail with this status code
//	message       string  status message used when code is non-zero
//	details       bool    if true, attach detail payloads to the failure
//	delay_millis  number  sleep before responding
//
// The response struct carries "payload" plus a "metadata" struct echoing the
// request metadata the server observed (multiple values joined with ",").
type TestServer struct{}

// RegisterTestService registers the given TestServer with the given Server.
func RegisterTestService(s *Server, srv *TestServer) {
	s.RegisterService(TestService, map[string]UnaryHandler{
		"Echo": srv.Echo,
	})
}

// Echo implements the EchoService server interface.
func (s *TestServer) Echo(ctx context.Context, req proto.Message) (*UnaryResponse, error) {
	fields := req.(*structpb.Struct).GetFields()
	if d := fields["delay_millis"].GetNumberValue(); d > 0 {
		time.Sleep(time.Millisecond * time.Duration(d))
	}
	if code := int32(fields["code"].GetNumberValue()); code != 0 {
		return nil, statusFromRequest(code, fields["message"].GetStringValue(), fields["details"].GetBoolValue())
	}
	md, _ := metadata.FromIncomingContext(ctx)
	resp, err := structpb.NewStruct(map[string]interface{}{
		"payload":  fields["payload"].GetStringValue(),
		"metadata": asMap(md),
	})
	if err != nil {
		return nil, err
	}
	return &UnaryResponse{
		Msg:     resp,
		Header:  headerFromStruct(fields["headers"].GetStructValue()),
		Trailer: headerFromStruct(fields["trailers"].GetStructValue()),
	}, nil
}

func statusFromRequest(code int32, message string, withDetails bool) error {
	statProto := spb.Status{
		Code:    code,
		Message: message,
	}
	if withDetails {
		statProto.Details = TestErrorDetails()
	}
	return status.FromProto(&statProto).Err()
}

func headerFromStruct(s *structpb.Struct) http.Header {
	h := http.Header{}
	for k, v := range s.GetFields() {
		h.Add(k, v.GetStringValue())
	}
	return h
}

func asMap(md metadata.MD) map[string]interface{} {
	m := make(map[string]interface{}, len(md))
	for k, vs := range md {
		v := strings.Join(vs, ",")
		if !utf8.ValidString(v) {
			// struct values must be valid UTF-8; binary metadata is echoed base64-encoded
			v = base64.URLEncoding.EncodeToString([]byte(v))
		}
		m[k] = v
	}
	return m
}
