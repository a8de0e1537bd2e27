// Package stream implements the frame wire format sent to streaming
// consumers: a 4-byte big-endian metadata length, the UTF-8 JSON metadata,
// then the JPEG image. The image length is given by the transport framing.
package stream

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"sync"
	"time"

	"github.com/tphakala/stockvision/internal/camera"
	"github.com/tphakala/stockvision/internal/detection"
	"github.com/tphakala/stockvision/internal/errors"
	"github.com/tphakala/stockvision/internal/validation"
)

const headerSize = 4

// MaxMetadataSize bounds the metadata a decoder accepts.
const MaxMetadataSize = 1 << 20

var (
	ErrShortMessage     = errors.NewStd("stream message shorter than its header")
	ErrMetadataTooLarge = errors.NewStd("stream metadata exceeds limit")
)

// Metadata describes the frame that follows it.
type Metadata struct {
	CameraID   string                `json:"cameraId"`
	Detections []detection.Detection `json:"detections"`
	Alerts     []validation.Request  `json:"alerts"`
	Timestamp  float64               `json:"timestamp"` // unix seconds
}

// Message is one frame with its metadata.
type Message struct {
	Metadata
	Image []byte
}

// Time returns the timestamp as a time.Time, at millisecond precision.
func (m Metadata) Time() time.Time {
	return time.UnixMilli(int64(math.Round(m.Timestamp * 1e3)))
}

// FromResult converts a worker result. Requests opened on the frame are
// carried as alerts.
func FromResult(r camera.Result) Message {
	m := Message{
		Metadata: Metadata{
			CameraID:   r.CameraID,
			Detections: r.Detections,
			Alerts:     r.Requests,
			Timestamp:  float64(r.Timestamp.UnixMilli()) / 1e3,
		},
		Image: r.Frame,
	}
	if m.Detections == nil {
		m.Detections = []detection.Detection{}
	}
	if m.Alerts == nil {
		m.Alerts = []validation.Request{}
	}
	return m
}

var bufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Encode writes m to w as one message.
func Encode(w io.Writer, m Message) error {
	buf := bufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		bufPool.Put(buf)
	}()

	buf.Write(make([]byte, headerSize))
	if err := json.NewEncoder(buf).Encode(m.Metadata); err != nil {
		return encodeError(m.CameraID, err)
	}
	// drop the newline json.Encoder appends
	buf.Truncate(buf.Len() - 1)

	metaLen := buf.Len() - headerSize
	if metaLen > MaxMetadataSize {
		return encodeError(m.CameraID, ErrMetadataTooLarge)
	}
	binary.BigEndian.PutUint32(buf.Bytes()[:headerSize], uint32(metaLen)) //nolint:gosec // bounded by MaxMetadataSize
	buf.Write(m.Image)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return errors.New(err).
			Component("stream").
			Category(errors.CategoryNetwork).
			Context("camera_id", m.CameraID).
			Build()
	}
	return nil
}

// Marshal returns m in wire format.
func Marshal(m Message) ([]byte, error) {
	var b bytes.Buffer
	if err := Encode(&b, m); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Unmarshal decodes one complete message. Everything after the metadata is
// the image.
func Unmarshal(b []byte) (Message, error) {
	if len(b) < headerSize {
		return Message{}, decodeError(ErrShortMessage)
	}
	n := binary.BigEndian.Uint32(b[:headerSize])
	if n > MaxMetadataSize {
		return Message{}, decodeError(ErrMetadataTooLarge)
	}
	if uint64(len(b)-headerSize) < uint64(n) {
		return Message{}, decodeError(ErrShortMessage)
	}

	var m Message
	if err := json.Unmarshal(b[headerSize:headerSize+int(n)], &m.Metadata); err != nil {
		return Message{}, decodeError(err)
	}
	m.Image = b[headerSize+int(n):]
	return m, nil
}

// Decode reads one message from r, taking everything until EOF as the
// image. r is expected to yield exactly one transport message.
func Decode(r io.Reader) (Message, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return Message{}, decodeError(err)
	}
	return Unmarshal(b)
}

func encodeError(cameraID string, err error) error {
	return errors.New(err).
		Component("stream").
		Category(errors.CategoryStreamCodec).
		Context("camera_id", cameraID).
		Build()
}

func decodeError(err error) error {
	return errors.New(err).
		Component("stream").
		Category(errors.CategoryStreamCodec).
		Build()
}
