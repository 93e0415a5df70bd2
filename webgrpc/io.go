package webgrpc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// dataFrameType marks a frame carrying a binary-encoded message.
	dataFrameType = 0x00
	// trailerFrameType marks the final frame, whose payload encodes
	// HTTP-style trailer headers as CRLF-separated text.
	trailerFrameType = 0x80

	frameHeaderLen = 5
)

// errPrematureEnd is the error for a response body that ends mid-frame (or
// before any frame at all).
var errPrematureEnd = status.Error(codes.DataLoss, "premature end of response body")

// encodeDataFrame prepends the 5-byte gRPC-Web frame header to the given
// message bytes: one frame-type byte followed by the message length as a
// 32-bit big-endian unsigned integer.
func encodeDataFrame(msg []byte) ([]byte, error) {
	if uint64(len(msg)) > math.MaxUint32 {
		return nil, fmt.Errorf("message too large to send: %d bytes", len(msg))
	}
	buf := make([]byte, frameHeaderLen+len(msg))
	buf[0] = dataFrameType
	binary.BigEndian.PutUint32(buf[1:frameHeaderLen], uint32(len(msg)))
	copy(buf[frameHeaderLen:], msg)
	return buf, nil
}

// frame is one unit of the response body: either a data frame, whose payload
// is a binary-encoded message, or a trailer frame, whose payload is trailer
// text.
type frame struct {
	trailer bool
	payload []byte
}

// frameReader deframes a response body. Reads are serialized by the caller;
// a frameReader is owned by a single call and never shared.
type frameReader struct {
	r *bufio.Reader
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// ReadFrame returns the next frame as soon as it is complete. A data frame's
// length comes from its header; a trailer frame consumes the remainder of the
// stream regardless of its declared length. A stream that ends mid-frame, or
// before any frame, fails with a DataLoss status.
func (fr *frameReader) ReadFrame() (frame, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(fr.r, hdr[:1]); err != nil {
		if err == io.EOF {
			return frame{}, errPrematureEnd
		}
		return frame{}, err
	}
	switch hdr[0] {
	case dataFrameType:
		if _, err := io.ReadFull(fr.r, hdr[1:]); err != nil {
			return frame{}, eofAsPrematureEnd(err)
		}
		n := binary.BigEndian.Uint32(hdr[1:])
		payload := make([]byte, n)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return frame{}, eofAsPrematureEnd(err)
		}
		return frame{payload: payload}, nil
	case trailerFrameType:
		// The declared length is not enforced; everything after the
		// header, up to the end of the stream, is the trailer payload.
		rest, err := io.ReadAll(fr.r)
		if err != nil {
			return frame{}, err
		}
		if len(rest) < frameHeaderLen-1 {
			return frame{trailer: true}, nil
		}
		return frame{trailer: true, payload: rest[frameHeaderLen-1:]}, nil
	default:
		return frame{}, status.Errorf(codes.DataLoss, "invalid frame type: %d", hdr[0])
	}
}

func eofAsPrematureEnd(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errPrematureEnd
	}
	return err
}

// parseTrailer interprets a trailer frame's payload as CRLF-separated
// "name: value" lines and collects them into a header map. Empty lines and
// lines without a name are skipped; names and values have surrounding ASCII
// whitespace trimmed. Repeated names accumulate multiple values.
func parseTrailer(payload []byte) http.Header {
	trailer := http.Header{}
	for _, line := range strings.Split(string(payload), "\r\n") {
		if line == "" {
			continue
		}
		i := strings.IndexByte(line, ':')
		if i <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:i])
		value := strings.TrimSpace(line[i+1:])
		trailer.Add(name, value)
	}
	return trailer
}
