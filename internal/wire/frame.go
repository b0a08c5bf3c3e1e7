// Package wire implements the framed binary protocol between the sync client
// and the remote worker: a length-prefixed message pump, the payload codecs,
// and the bracketed compression layer.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bamsammich/dsync/internal/errkind"
)

const (
	// frameHeaderSize is 2 bytes tag + 4 bytes payload length, little-endian.
	frameHeaderSize = 6

	// MaxPayload is the hard cap on a single frame's payload.
	MaxPayload = 16 * 1024 * 1024

	// DataChunkSize is the payload size for bulk file-data frames.
	DataChunkSize = 256 * 1024
)

// Tag identifies a message type. The tag space is closed; ordinals are stable.
type Tag uint16

const (
	TagHello          Tag = 1
	TagHelloAck       Tag = 2
	TagOptions        Tag = 3
	TagInventory      Tag = 4
	TagClassification Tag = 5
	TagFileWhole      Tag = 6
	TagSignatures     Tag = 7
	TagDelta          Tag = 8
	TagStartCompress  Tag = 9
	TagStopCompress   Tag = 10
	TagShutdown       Tag = 11
	TagSummary        Tag = 12
	TagError          Tag = 13
)

var tagNames = map[Tag]string{
	TagHello:          "Hello",
	TagHelloAck:       "HelloAck",
	TagOptions:        "Options",
	TagInventory:      "Inventory",
	TagClassification: "Classification",
	TagFileWhole:      "FileWhole",
	TagSignatures:     "Signatures",
	TagDelta:          "Delta",
	TagStartCompress:  "StartCompress",
	TagStopCompress:   "StopCompress",
	TagShutdown:       "Shutdown",
	TagSummary:        "Summary",
	TagError:          "Error",
}

func (t Tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("Tag(%d)", uint16(t))
}

// ErrPayloadTooLarge is returned when a frame's payload exceeds MaxPayload.
var ErrPayloadTooLarge = errors.New("frame payload exceeds maximum size")

// Pump reads and writes frames over a byte stream. It is single-reader,
// single-writer: the phase machines on each side never issue concurrent sends,
// so no locking is needed. Between StartCompression and StopCompression the
// payloads of bulk frames travel zstd-compressed; headers stay raw.
type Pump struct {
	rw io.ReadWriter

	comp compressor

	bytesSent     int64
	bytesReceived int64
}

// NewPump wraps a bidirectional byte stream.
func NewPump(rw io.ReadWriter) *Pump {
	return &Pump{rw: rw}
}

// BytesSent returns the total raw bytes written to the stream.
func (p *Pump) BytesSent() int64 { return p.bytesSent }

// BytesReceived returns the total raw bytes read from the stream.
func (p *Pump) BytesReceived() int64 { return p.bytesReceived }

// Send writes one frame. While a write-side compression bracket is open, the
// payload of any non-bracket frame is compressed before framing.
//
// Header and payload are combined into a single Write() call to avoid
// Nagle/delayed-ACK interactions and reduce syscall overhead.
func (p *Pump) Send(tag Tag, payload []byte) error {
	if p.comp.writeOn && tag != TagStartCompress && tag != TagStopCompress {
		var err error
		payload, err = p.comp.compress(payload)
		if err != nil {
			return errkind.Wrap(errkind.ProtocolError, err, "compress payload")
		}
	}

	if len(payload) > MaxPayload {
		return errkind.Wrap(errkind.ProtocolError, ErrPayloadTooLarge, tag.String())
	}

	buf := make([]byte, frameHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(buf[0:2], uint16(tag))
	binary.LittleEndian.PutUint32(buf[2:6], uint32(len(payload))) //nolint:gosec // G115: bounded by MaxPayload
	copy(buf[frameHeaderSize:], payload)

	n, err := p.rw.Write(buf)
	p.bytesSent += int64(n)
	if err != nil {
		return errkind.Wrap(errkind.TransportLost, err, "write frame")
	}
	return nil
}

// Recv reads one frame, blocking until it is complete. Short reads are retried
// by io.ReadFull; EOF mid-frame is a transport failure. Compression bracket
// transitions are mirrored automatically: a StartCompress frame flips the read
// side into decompression mode, StopCompress flips it back, and both are
// returned to the caller so the phase machine can enforce bracket balance.
func (p *Pump) Recv() (Tag, []byte, error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(p.rw, header[:])
	p.bytesReceived += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return 0, nil, errkind.Wrap(errkind.TransportLost, io.EOF, "connection closed")
		}
		return 0, nil, errkind.Wrap(errkind.TransportLost, err, "read frame header")
	}

	tag := Tag(binary.LittleEndian.Uint16(header[0:2]))
	length := binary.LittleEndian.Uint32(header[2:6])
	if length > MaxPayload {
		return 0, nil, errkind.Wrap(errkind.ProtocolError, ErrPayloadTooLarge,
			fmt.Sprintf("recv %s length %d", tag, length))
	}

	var payload []byte
	if length > 0 {
		payload = make([]byte, length)
		n, err := io.ReadFull(p.rw, payload)
		p.bytesReceived += int64(n)
		if err != nil {
			return 0, nil, errkind.Wrap(errkind.TransportLost, err, "read frame payload")
		}
	}

	switch tag {
	case TagStartCompress:
		if err := p.comp.beginRead(); err != nil {
			return 0, nil, err
		}
	case TagStopCompress:
		if err := p.comp.endRead(); err != nil {
			return 0, nil, err
		}
	default:
		if p.comp.readOn {
			payload, err = p.comp.decompress(payload)
			if err != nil {
				return 0, nil, errkind.Wrap(errkind.ProtocolError, err, "decompress payload")
			}
		}
	}

	return tag, payload, nil
}
