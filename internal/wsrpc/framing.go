// Package wsrpc implements the length-prefixed message (LPM) transport that
// carries RPC streams over WebSocket frames, and the engine bridging those
// streams to native gRPC backends.
package wsrpc

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/klauspost/compress/gzip"
)

const (
	// flagCompressed marks a gzip-compressed payload (flag bit 0).
	flagCompressed byte = 0x01
	// flagTrailer marks a trailer frame (flag bit 7).
	flagTrailer byte = 0x80

	// frameHeaderSize is one flag byte plus a 4-byte big-endian length.
	frameHeaderSize = 5

	// eosMarker is the single-byte client-to-server end-of-stream frame.
	eosMarker byte = 0x01

	// DefaultMaxPayload caps LPM payloads. Trailer frames are exempt.
	DefaultMaxPayload = 3 * 1024 * 1024
)

// Frame is one decoded LPM frame.
type Frame struct {
	Flags   byte
	Payload []byte
}

// IsTrailer reports whether the trailer flag bit is set.
func (f *Frame) IsTrailer() bool {
	return f.Flags&flagTrailer != 0
}

// IsCompressed reports whether the compressed flag bit is set.
func (f *Frame) IsCompressed() bool {
	return f.Flags&flagCompressed != 0
}

// Encode serializes the frame to its wire form.
func (f *Frame) Encode() []byte {
	out := make([]byte, frameHeaderSize+len(f.Payload))
	out[0] = f.Flags
	binary.BigEndian.PutUint32(out[1:frameHeaderSize], uint32(len(f.Payload)))
	copy(out[frameHeaderSize:], f.Payload)
	return out
}

// IsEndOfStream reports whether a whole WebSocket message is the one-byte
// client end-of-stream marker.
func IsEndOfStream(msg []byte) bool {
	return len(msg) == 1 && msg[0] == eosMarker
}

// EndOfStream returns the wire form of the client end-of-stream marker.
func EndOfStream() []byte {
	return []byte{eosMarker}
}

// Decoder decodes LPM frames from a byte stream. It never yields a partial
// message: a frame is returned complete or not at all.
type Decoder struct {
	// MaxPayload caps non-trailer payloads; zero means DefaultMaxPayload.
	MaxPayload int
}

// Decode reads one frame from buf. It returns the frame and the number of
// bytes consumed; a nil frame with zero consumed means more bytes are
// needed. Oversized payloads are a hard error.
func (d *Decoder) Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < frameHeaderSize {
		return nil, 0, nil
	}

	flags := buf[0]
	length := binary.BigEndian.Uint32(buf[1:frameHeaderSize])

	max := d.MaxPayload
	if max == 0 {
		max = DefaultMaxPayload
	}
	if flags&flagTrailer == 0 && int64(length) > int64(max) {
		return nil, 0, fmt.Errorf("message size %d exceeds maximum %d", length, max)
	}

	total := frameHeaderSize + int(length)
	if len(buf) < total {
		return nil, 0, nil
	}

	payload := make([]byte, length)
	copy(payload, buf[frameHeaderSize:total])
	return &Frame{Flags: flags, Payload: payload}, total, nil
}

// DecodeAll decodes a complete frame sequence, failing on trailing garbage.
func (d *Decoder) DecodeAll(buf []byte) ([]*Frame, error) {
	var frames []*Frame
	for len(buf) > 0 {
		frame, n, err := d.Decode(buf)
		if err != nil {
			return nil, err
		}
		if frame == nil {
			return nil, io.ErrUnexpectedEOF
		}
		frames = append(frames, frame)
		buf = buf[n:]
	}
	return frames, nil
}

// DataFrame builds an uncompressed data frame around a payload.
func DataFrame(payload []byte) *Frame {
	return &Frame{Payload: payload}
}

// TrailerFrame builds a trailer frame from key/value pairs. The payload is
// ASCII "key: value\r\n" lines, keys sorted for deterministic output.
func TrailerFrame(trailers map[string]string) *Frame {
	keys := make([]string, 0, len(trailers))
	for k := range trailers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(": ")
		sb.WriteString(trailers[k])
		sb.WriteString("\r\n")
	}
	return &Frame{Flags: flagTrailer, Payload: []byte(sb.String())}
}

// ParseTrailer parses a trailer frame payload back into key/value pairs.
func ParseTrailer(payload []byte) map[string]string {
	trailers := make(map[string]string)
	for _, line := range strings.Split(string(payload), "\r\n") {
		if line == "" {
			continue
		}
		if k, v, ok := strings.Cut(line, ": "); ok {
			trailers[strings.ToLower(k)] = v
		}
	}
	return trailers
}

// Inflate decompresses a gzip-compressed frame payload. Backend connections
// negotiate their own compression, so compressed client frames are inflated
// at the gateway boundary.
func Inflate(payload []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("compressed frame: %w", err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("compressed frame: %w", err)
	}
	return out, nil
}

// Deflate gzip-compresses a payload and marks the frame compressed.
func Deflate(payload []byte) (*Frame, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return &Frame{Flags: flagCompressed, Payload: buf.Bytes()}, nil
}
