package grpcwebtesting

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/context"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/nicole0707/grpcwebchan"
	"github.com/nicole0707/grpcwebchan/internal"
	"github.com/nicole0707/grpcwebchan/webgrpc"
)

// UnaryHandler is the server side of one unary method. The request metadata
// is available via metadata.FromIncomingContext.
type UnaryHandler func(ctx context.Context, req proto.Message) (*UnaryResponse, error)

// UnaryResponse is a handler's reply: the response message plus optional
// response headers and trailers. A handler error replaces all of it; the
// error's status (including any detail payloads) is rendered into the trailer
// frame.
type UnaryResponse struct {
	Msg     proto.Message
	Header  http.Header
	Trailer http.Header
}

type unaryEndpoint struct {
	mtd *grpcwebchan.MethodDesc
	fn  UnaryHandler
}

// Server exposes registered unary services over the gRPC-Web protocol with
// binary message encoding. It implements http.Handler and can be attached to
// an *httptest.Server or any other HTTP server.
type Server struct {
	handlers map[string]unaryEndpoint
}

// NewServer returns an empty server. Register services before serving.
func NewServer() *Server {
	return &Server{handlers: map[string]unaryEndpoint{}}
}

// RegisterService registers handlers for methods of the given service. Each
// method is served at "/<TypeName>/<MethodName>". Registering a handler for a
// method the descriptor does not declare panics.
func (s *Server) RegisterService(svc *grpcwebchan.ServiceDesc, handlers map[string]UnaryHandler) {
	for name, fn := range handlers {
		mtd := svc.Methods[name]
		if mtd == nil {
			panic(fmt.Sprintf("service %s has no method named %s", svc.TypeName, name))
		}
		s.handlers[svc.TypeName+"/"+name] = unaryEndpoint{mtd: mtd, fn: fn}
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ep, ok := s.handlers[strings.TrimPrefix(r.URL.Path, "/")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") != webgrpc.ContentType {
		http.Error(w, "unsupported content type", http.StatusUnsupportedMediaType)
		return
	}

	ctx := metadata.NewIncomingContext(r.Context(), asMetadata(r.Header))
	if v := r.Header.Get("grpc-timeout"); strings.HasSuffix(v, "m") {
		if millis, err := strconv.ParseInt(strings.TrimSuffix(v, "m"), 10, 64); err == nil {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(millis)*time.Millisecond)
			defer cancel()
		}
	}

	req := ep.mtd.NewRequest()
	if err := readRequestFrame(r.Body, req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := ep.fn(ctx, req)
	if err != nil {
		writeHeaders(w, nil)
		writeTrailerFrame(w, statusTrailer(err))
		return
	}
	b, err := proto.Marshal(resp.Msg)
	if err != nil {
		writeHeaders(w, nil)
		writeTrailerFrame(w, statusTrailer(status.Errorf(codes.Internal, "failed to serialize response: %v", err)))
		return
	}
	writeHeaders(w, resp.Header)
	writeFrame(w, 0x00, b)
	trailer := http.Header{}
	for k, vs := range resp.Trailer {
		trailer[k] = vs
	}
	trailer.Set("grpc-status", "0")
	writeTrailerFrame(w, trailer)
}

func writeHeaders(w http.ResponseWriter, extra http.Header) {
	for k, vs := range extra {
		w.Header()[k] = vs
	}
	w.Header().Set("Content-Type", webgrpc.ContentType)
	w.WriteHeader(http.StatusOK)
}

func readRequestFrame(body io.Reader, msg proto.Message) error {
	var hdr [5]byte
	if _, err := io.ReadFull(body, hdr[:]); err != nil {
		return fmt.Errorf("failed to read frame header: %v", err)
	}
	if hdr[0] != 0x00 {
		return fmt.Errorf("unexpected frame type: %d", hdr[0])
	}
	payload := make([]byte, binary.BigEndian.Uint32(hdr[1:]))
	if _, err := io.ReadFull(body, payload); err != nil {
		return fmt.Errorf("failed to read frame payload: %v", err)
	}
	return proto.Unmarshal(payload, msg)
}

func writeFrame(w io.Writer, frameType byte, payload []byte) {
	var hdr [5]byte
	hdr[0] = frameType
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(payload)))
	w.Write(hdr[:])
	w.Write(payload)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// writeTrailerFrame serializes the given trailers as CRLF-separated text in a
// trailer frame. Keys are written lower-case and in sorted order so the wire
// bytes are deterministic.
func writeTrailerFrame(w io.Writer, trailer http.Header) {
	keys := make([]string, 0, len(trailer))
	for k := range trailer {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		for _, v := range trailer[k] {
			sb.WriteString(strings.ToLower(k))
			sb.WriteString(": ")
			sb.WriteString(v)
			sb.WriteString("\r\n")
		}
	}
	writeFrame(w, 0x80, []byte(sb.String()))
}

// statusTrailer renders an error into gRPC-Web trailers. Detail payloads
// attached to the status travel in grpc-status-details-bin.
func statusTrailer(err error) http.Header {
	st := status.Convert(err)
	trailer := http.Header{}
	trailer.Set("grpc-status", strconv.Itoa(int(st.Code())))
	if st.Message() != "" {
		trailer.Set("grpc-message", internal.PercentEncode(st.Message()))
	}
	if len(st.Proto().GetDetails()) > 0 {
		if b, mErr := proto.Marshal(st.Proto()); mErr == nil {
			trailer.Set("grpc-status-details-bin", base64.StdEncoding.EncodeToString(b))
		}
	}
	return trailer
}

// asMetadata converts the given HTTP request headers into gRPC metadata,
// base-64-decoding values of "-bin" keys.
func asMetadata(header http.Header) metadata.MD {
	md := metadata.MD{}
	for k, vs := range header {
		k = strings.ToLower(k)
		for _, v := range vs {
			if strings.HasSuffix(k, "-bin") {
				if vv, err := internal.DecodeBinHeader(v); err == nil {
					v = string(vv)
				}
			}
			md[k] = append(md[k], v)
		}
	}
	return md
}
