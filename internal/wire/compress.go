package wire

import (
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/dsync/internal/errkind"
)

// DefaultCompressLevel is the zstd level used when the options don't set one.
const DefaultCompressLevel = 6

// compressor holds the per-direction bracket state. The encoder and decoder
// are created lazily and reused across brackets; each bulk payload is an
// independent zstd block so frame headers stay readable on the raw stream and
// a torn session never strands the reader inside a compressed stream.
type compressor struct {
	enc      *zstd.Encoder
	dec      *zstd.Decoder
	encLevel int
	writeOn  bool
	readOn   bool
}

func (c *compressor) compress(payload []byte) ([]byte, error) {
	return c.enc.EncodeAll(payload, nil), nil
}

func (c *compressor) decompress(payload []byte) ([]byte, error) {
	out, err := c.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decode: %w", err)
	}
	return out, nil
}

func (c *compressor) beginWrite(level int) error {
	if c.writeOn {
		return errkind.New(errkind.ProtocolError, "StartCompress inside an open compression bracket")
	}
	if level < 1 || level > 22 {
		return errkind.New(errkind.ProtocolError, "compression level %d outside 1..22", level)
	}

	if c.enc == nil || c.encLevel != level {
		if c.enc != nil {
			c.enc.Close()
		}
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)),
			zstd.WithEncoderConcurrency(1),
		)
		if err != nil {
			return errkind.Wrap(errkind.ProtocolError, err, "zstd encoder")
		}
		c.enc = enc
		c.encLevel = level
	}

	c.writeOn = true
	return nil
}

func (c *compressor) endWrite() error {
	if !c.writeOn {
		return errkind.New(errkind.ProtocolError, "StopCompress without a matching StartCompress")
	}
	c.writeOn = false
	return nil
}

func (c *compressor) beginRead() error {
	if c.readOn {
		return errkind.New(errkind.ProtocolError, "peer opened a compression bracket twice")
	}
	if c.dec == nil {
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(MaxPayload),
		)
		if err != nil {
			return errkind.Wrap(errkind.ProtocolError, err, "zstd decoder")
		}
		c.dec = dec
	}
	c.readOn = true
	return nil
}

func (c *compressor) endRead() error {
	if !c.readOn {
		return errkind.New(errkind.ProtocolError, "peer closed a compression bracket that was not open")
	}
	c.readOn = false
	return nil
}

// StartCompression opens a write-side bracket: it sends the StartCompress
// frame, then compresses every following bulk payload at the given zstd level
// until StopCompression. The receiver mirrors the transition on the tag.
func (p *Pump) StartCompression(level int) error {
	if err := p.comp.beginWrite(level); err != nil {
		return err
	}
	if err := p.Send(TagStartCompress, []byte{byte(level)}); err != nil {
		p.comp.writeOn = false
		return err
	}
	return nil
}

// StopCompression closes the write-side bracket and sends the terminator
// frame. Brackets must be balanced; closing a bracket that is not open is a
// protocol error.
func (p *Pump) StopCompression() error {
	if err := p.comp.endWrite(); err != nil {
		return err
	}
	return p.Send(TagStopCompress, nil)
}

// WriteCompressed reports whether a write-side bracket is open. Balance is
// enforced by StartCompression and StopCompression themselves, which reject
// a nested start and an unmatched stop.
func (p *Pump) WriteCompressed() bool { return p.comp.writeOn }

// ReadCompressed reports whether the peer currently has a bracket open.
func (p *Pump) ReadCompressed() bool { return p.comp.readOn }

// Close releases the codec state. The underlying stream is owned and closed
// by the session, not the pump.
func (p *Pump) Close() {
	if p.comp.enc != nil {
		p.comp.enc.Close()
		p.comp.enc = nil
	}
	if p.comp.dec != nil {
		p.comp.dec.Close()
		p.comp.dec = nil
	}
}
