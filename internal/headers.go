package internal

import (
	"encoding/base64"
	"net/http"
	"strings"

	"golang.org/x/net/context"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// TranslateContextError converts the given error to a gRPC status error if it
// is a context error. context.DeadlineExceeded becomes a DeadlineExceeded
// status and context.Canceled becomes a Canceled status. Any other error is
// returned without conversion.
func TranslateContextError(err error) error {
	switch err {
	case context.DeadlineExceeded:
		return status.Error(codes.DeadlineExceeded, err.Error())
	case context.Canceled:
		return status.Error(codes.Canceled, err.Error())
	}
	return err
}

var reservedHeaders = map[string]struct{}{
	"accept-encoding":   {},
	"connection":        {},
	"content-type":      {},
	"content-length":    {},
	"keep-alive":        {},
	"te":                {},
	"trailer":           {},
	"transfer-encoding": {},
	"upgrade":           {},
}

// ToHeaders converts the given metadata into HTTP request headers. Reserved
// header keys are skipped, and values of keys with the "-bin" suffix are
// base-64-encoded.
func ToHeaders(md metadata.MD, h http.Header) {
	for k, vs := range md {
		lowerK := strings.ToLower(k)
		if _, ok := reservedHeaders[lowerK]; ok {
			continue
		}
		isBin := strings.HasSuffix(lowerK, "-bin")
		for _, v := range vs {
			if isBin {
				v = base64.URLEncoding.EncodeToString([]byte(v))
			}
			h.Add(k, v)
		}
	}
}

// DecodeBinHeader decodes the value of a "-bin" header or trailer. Servers
// may use standard or URL-safe base-64, with or without padding, so all four
// variants are accepted.
func DecodeBinHeader(v string) ([]byte, error) {
	enc := base64.StdEncoding
	if strings.ContainsAny(v, "-_") {
		enc = base64.URLEncoding
	}
	if len(v)%4 != 0 {
		return enc.WithPadding(base64.NoPadding).DecodeString(v)
	}
	return enc.DecodeString(v)
}

const upperhex = "0123456789ABCDEF"

// PercentEncode escapes a header value the way the gRPC wire protocol smuggles
// non-ASCII text into the grpc-message trailer: every byte outside the
// printable ASCII range (and the percent sign itself) becomes a %HH escape.
func PercentEncode(msg string) string {
	var sb *strings.Builder
	for i := 0; i < len(msg); i++ {
		c := msg[i]
		if c >= ' ' && c <= '~' && c != '%' {
			if sb != nil {
				sb.WriteByte(c)
			}
			continue
		}
		if sb == nil {
			sb = &strings.Builder{}
			sb.Grow(len(msg) + 6)
			sb.WriteString(msg[:i])
		}
		sb.WriteByte('%')
		sb.WriteByte(upperhex[c>>4])
		sb.WriteByte(upperhex[c&0x0f])
	}
	if sb == nil {
		return msg
	}
	return sb.String()
}

// PercentDecode reverses PercentEncode. Malformed escapes are left in place
// rather than rejected, since the value is only ever a human-readable
// message.
func PercentDecode(v string) string {
	if !strings.ContainsRune(v, '%') {
		return v
	}
	var sb strings.Builder
	sb.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c != '%' || i+2 >= len(v) {
			sb.WriteByte(c)
			continue
		}
		hi, okHi := unhex(v[i+1])
		lo, okLo := unhex(v[i+2])
		if !okHi || !okLo {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte(hi<<4 | lo)
		i += 2
	}
	return sb.String()
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
