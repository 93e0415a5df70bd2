package webgrpc

import (
	"net/http"
	"strconv"

	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/nicole0707/grpcwebchan/internal"
)

// The server can declare a non-OK outcome through three independent
// mechanisms: a binary google.rpc.Status in the grpc-status-details-bin
// header or trailer, the textual grpc-status/grpc-message pair, or the HTTP
// status code itself. Each extractor below handles one mechanism and returns
// nil when that mechanism declares nothing (or declares OK).

// errorFromDetailsBin extracts an error from the grpc-status-details-bin
// header. The decoded bytes are a binary google.rpc.Status; its typed detail
// payloads are preserved on the returned status error.
func errorFromDetailsBin(h http.Header) error {
	v := h.Get("grpc-status-details-bin")
	if v == "" {
		return nil
	}
	b, err := internal.DecodeBinHeader(v)
	if err != nil {
		return status.Errorf(codes.Internal, "invalid grpc-status-details-bin: %v", err)
	}
	var stat spb.Status
	if err := proto.Unmarshal(b, &stat); err != nil {
		return status.Errorf(codes.Internal, "invalid grpc-status-details-bin: %v", err)
	}
	if codes.Code(stat.Code) == codes.OK {
		return nil
	}
	return status.ErrorProto(&stat)
}

// errorFromStatusHeader extracts an error from the textual grpc-status
// header, with the percent-decoded grpc-message header as the message.
// Values outside the canonical code range are themselves a DataLoss error.
func errorFromStatusHeader(h http.Header) error {
	v := h.Get("grpc-status")
	if v == "" {
		return nil
	}
	c, err := strconv.ParseInt(v, 10, 32)
	if err != nil || !isStatusCode(c) {
		return status.Errorf(codes.DataLoss, "invalid grpc-status: %s", v)
	}
	if codes.Code(c) == codes.OK {
		return nil
	}
	return status.Error(codes.Code(c), internal.PercentDecode(h.Get("grpc-message")))
}

// errorFromHTTPStatus maps the HTTP status code to a gRPC code, again using
// the percent-decoded grpc-message header as the message.
func errorFromHTTPStatus(httpStatus int, h http.Header) error {
	c := codeFromHTTPStatus(httpStatus)
	if c == codes.OK {
		return nil
	}
	return status.Error(c, internal.PercentDecode(h.Get("grpc-message")))
}

// responseError runs all three extractors over the response headers and HTTP
// status. Binary details take precedence over the textual headers, which take
// precedence over the HTTP status; the first non-nil result wins.
func responseError(httpStatus int, h http.Header) error {
	if err := errorFromDetailsBin(h); err != nil {
		return err
	}
	if err := errorFromStatusHeader(h); err != nil {
		return err
	}
	return errorFromHTTPStatus(httpStatus, h)
}

// trailerError runs the binary-details and textual extractors over the
// trailer map. There is no HTTP status at trailer time.
func trailerError(trailer http.Header) error {
	if err := errorFromDetailsBin(trailer); err != nil {
		return err
	}
	return errorFromStatusHeader(trailer)
}
