package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/bamsammich/dsync/internal/rollhash"
)

// Protocol version, major<<16 | minor. A mismatched major fails the
// handshake; the minor is informational.
const (
	ProtocolMajor = 1
	ProtocolMinor = 0

	ProtocolVersion = ProtocolMajor<<16 | ProtocolMinor
)

// Major extracts the major component of a version word.
func Major(version uint32) uint32 { return version >> 16 }

// FileRecord describes one regular file in the client's inventory. RelPath
// uses forward slashes, no leading slash, no dot components.
type FileRecord struct {
	RelPath string
	Size    uint64
	Mtime   int64
	Perms   uint16

	// Digest is the BLAKE3 digest of the content. Present on the wire only
	// when the checksum option is set (both sides know from Options, which
	// precedes Inventory).
	Digest []byte
}

// DirRecord describes one directory in the client's inventory.
type DirRecord struct {
	RelPath string
	Perms   uint16
}

// Inventory is the client's full file and directory listing, in stable
// depth-first lexicographic order.
type Inventory struct {
	Files []FileRecord
	Dirs  []DirRecord
}

// Options carries the client's run configuration to the server.
type Options struct {
	Recursive    bool
	DeleteExtras bool
	WholeFile    bool
	Checksum     bool
	DryRun       bool
	Existing     bool
	Relative     bool
	Quiet        bool
	JSON         bool

	CompressLevel        uint8
	Verbosity            uint8
	ConnectionTimeoutSec uint32

	// CopyDest is a server-side directory to source identical content from
	// instead of transferring it. Empty disables the lookup.
	CopyDest string
}

// Validate checks cross-option constraints the server enforces before syncing.
func (o Options) Validate() error {
	if o.DeleteExtras && !o.Recursive {
		return fmt.Errorf("delete requires recursive")
	}
	if o.CompressLevel < 1 || o.CompressLevel > 22 {
		return fmt.Errorf("compression level %d outside 1..22", o.CompressLevel)
	}
	if o.Verbosity > 3 {
		return fmt.Errorf("verbosity %d outside 0..3", o.Verbosity)
	}
	return nil
}

const (
	optRecursive = 1 << iota
	optDeleteExtras
	optWholeFile
	optChecksum
	optDryRun
	optExisting
	optRelative
	optQuiet
	optJSON
)

// Classification is the server's verdict on the client's inventory: index
// arrays into the client's file order, plus the remote-only paths eligible
// for deletion.
type Classification struct {
	Missing   []uint32
	Changed   []uint32
	Identical []uint32
	Deleted   []string
}

// FileWhole is one chunk of a whole-file transfer. Files larger than one
// chunk repeat the header across frames; the receiver accumulates until the
// closing StopCompress and then checks that Size bytes arrived.
type FileWhole struct {
	Index uint32
	Size  uint64
	Mtime int64
	Perms uint16
	Data  []byte
}

// Signatures is one chunk of a per-file signature stream. Count is the total
// block count for the file; the receiver accumulates frames until it holds
// Count blocks.
type Signatures struct {
	Index     uint32
	BlockSize uint32
	Count     uint32
	Blocks    []rollhash.Block
}

// Delta is one chunk of a per-file instruction stream. The stream for a file
// ends at the closing StopCompress; the receiver then checks that the
// reconstructed output matches the size recorded in the inventory.
type Delta struct {
	Index uint32
	Ops   []rollhash.Op
}

// Summary is the server's final accounting for the run.
type Summary struct {
	BytesIn  uint64
	BytesOut uint64
	OK       uint32
	Failed   uint32
}

// ErrorMsg is a server-reported failure.
type ErrorMsg struct {
	Kind    uint16
	Message string
}

// --- encoding helpers ---

func appendU16(b []byte, v uint16) []byte {
	return binary.LittleEndian.AppendUint16(b, v)
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendU64(b []byte, v uint64) []byte {
	return binary.LittleEndian.AppendUint64(b, v)
}

func appendI64(b []byte, v int64) []byte {
	return binary.LittleEndian.AppendUint64(b, uint64(v)) //nolint:gosec // G115: two's complement round trip
}

func appendString(b []byte, s string) []byte {
	b = appendU16(b, uint16(len(s))) //nolint:gosec // G115: paths bounded well below 64 KiB
	return append(b, s...)
}

// cursor walks a payload with a sticky error, so decoders read field-by-field
// and check once at the end.
type cursor struct {
	buf []byte
	off int
	err error
}

func (c *cursor) fail(what string) {
	if c.err == nil {
		c.err = fmt.Errorf("truncated payload reading %s at offset %d", what, c.off)
	}
}

func (c *cursor) take(n int, what string) []byte {
	if c.err != nil || c.off+n > len(c.buf) {
		c.fail(what)
		return nil
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b
}

func (c *cursor) u8(what string) uint8 {
	b := c.take(1, what)
	if b == nil {
		return 0
	}
	return b[0]
}

func (c *cursor) u16(what string) uint16 {
	b := c.take(2, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (c *cursor) u32(what string) uint32 {
	b := c.take(4, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (c *cursor) u64(what string) uint64 {
	b := c.take(8, what)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (c *cursor) i64(what string) int64 {
	return int64(c.u64(what)) //nolint:gosec // G115: two's complement round trip
}

func (c *cursor) str(what string) string {
	n := c.u16(what)
	b := c.take(int(n), what)
	return string(b)
}

func (c *cursor) rest() []byte {
	if c.err != nil {
		return nil
	}
	b := c.buf[c.off:]
	c.off = len(c.buf)
	return b
}

func (c *cursor) done() error {
	if c.err != nil {
		return c.err
	}
	if c.off != len(c.buf) {
		return fmt.Errorf("%d trailing bytes in payload", len(c.buf)-c.off)
	}
	return nil
}

// --- Hello ---

// EncodeHello encodes a Hello or HelloAck payload.
func EncodeHello(version uint32) []byte {
	return appendU32(nil, version)
}

// DecodeHello decodes a Hello or HelloAck payload.
func DecodeHello(payload []byte) (uint32, error) {
	c := cursor{buf: payload}
	v := c.u32("version")
	return v, c.done()
}

// --- Options ---

// EncodeOptions encodes the options payload.
func EncodeOptions(o Options) []byte {
	var flags uint16
	set := func(on bool, bit uint16) {
		if on {
			flags |= bit
		}
	}
	set(o.Recursive, optRecursive)
	set(o.DeleteExtras, optDeleteExtras)
	set(o.WholeFile, optWholeFile)
	set(o.Checksum, optChecksum)
	set(o.DryRun, optDryRun)
	set(o.Existing, optExisting)
	set(o.Relative, optRelative)
	set(o.Quiet, optQuiet)
	set(o.JSON, optJSON)

	b := appendU16(nil, flags)
	b = append(b, o.CompressLevel, o.Verbosity)
	b = appendU32(b, o.ConnectionTimeoutSec)
	b = appendString(b, o.CopyDest)
	return b
}

// DecodeOptions decodes the options payload.
func DecodeOptions(payload []byte) (Options, error) {
	c := cursor{buf: payload}
	flags := c.u16("flags")
	o := Options{
		Recursive:            flags&optRecursive != 0,
		DeleteExtras:         flags&optDeleteExtras != 0,
		WholeFile:            flags&optWholeFile != 0,
		Checksum:             flags&optChecksum != 0,
		DryRun:               flags&optDryRun != 0,
		Existing:             flags&optExisting != 0,
		Relative:             flags&optRelative != 0,
		Quiet:                flags&optQuiet != 0,
		JSON:                 flags&optJSON != 0,
		CompressLevel:        c.u8("compress_level"),
		Verbosity:            c.u8("verbosity"),
		ConnectionTimeoutSec: c.u32("connection_timeout"),
		CopyDest:             c.str("copy_dest"),
	}
	return o, c.done()
}

// --- Inventory ---

// EncodeInventory encodes the inventory payload. When checksum is set each
// file record carries its digest.
func EncodeInventory(inv Inventory, checksum bool) []byte {
	var b []byte
	b = appendU32(b, uint32(len(inv.Files))) //nolint:gosec // G115: inventory bounded by frame cap
	for _, f := range inv.Files {
		b = appendString(b, f.RelPath)
		b = appendU64(b, f.Size)
		b = appendI64(b, f.Mtime)
		b = appendU16(b, f.Perms)
		if checksum {
			b = append(b, f.Digest...)
		}
	}
	b = appendU32(b, uint32(len(inv.Dirs))) //nolint:gosec // G115: inventory bounded by frame cap
	for _, d := range inv.Dirs {
		b = appendString(b, d.RelPath)
		b = appendU16(b, d.Perms)
	}
	return b
}

// DecodeInventory decodes the inventory payload.
func DecodeInventory(payload []byte, checksum bool) (Inventory, error) {
	c := cursor{buf: payload}
	var inv Inventory

	nf := c.u32("file_count")
	for range nf {
		if c.err != nil {
			break
		}
		f := FileRecord{
			RelPath: c.str("file path"),
			Size:    c.u64("file size"),
			Mtime:   c.i64("file mtime"),
			Perms:   c.u16("file perms"),
		}
		if checksum {
			d := c.take(rollhash.StrongLen, "file digest")
			f.Digest = append([]byte(nil), d...)
		}
		inv.Files = append(inv.Files, f)
	}

	nd := c.u32("dir_count")
	for range nd {
		if c.err != nil {
			break
		}
		inv.Dirs = append(inv.Dirs, DirRecord{
			RelPath: c.str("dir path"),
			Perms:   c.u16("dir perms"),
		})
	}

	return inv, c.done()
}

// --- Classification ---

// EncodeClassification encodes the classification payload.
func EncodeClassification(cl Classification) []byte {
	var b []byte
	for _, arr := range [][]uint32{cl.Missing, cl.Changed, cl.Identical} {
		b = appendU32(b, uint32(len(arr))) //nolint:gosec // G115: index count bounded by inventory
		for _, idx := range arr {
			b = appendU32(b, idx)
		}
	}
	b = appendU32(b, uint32(len(cl.Deleted))) //nolint:gosec // G115: bounded by frame cap
	for _, p := range cl.Deleted {
		b = appendString(b, p)
	}
	return b
}

// DecodeClassification decodes the classification payload.
func DecodeClassification(payload []byte) (Classification, error) {
	c := cursor{buf: payload}
	var cl Classification

	readIdx := func(what string) []uint32 {
		n := c.u32(what)
		var arr []uint32
		for range n {
			if c.err != nil {
				return arr
			}
			arr = append(arr, c.u32(what))
		}
		return arr
	}

	cl.Missing = readIdx("missing")
	cl.Changed = readIdx("changed")
	cl.Identical = readIdx("identical")

	nd := c.u32("deleted_count")
	for range nd {
		if c.err != nil {
			break
		}
		cl.Deleted = append(cl.Deleted, c.str("deleted path"))
	}

	return cl, c.done()
}

// --- FileWhole ---

// EncodeFileWhole encodes one whole-file chunk.
func EncodeFileWhole(fw FileWhole) []byte {
	b := appendU32(nil, fw.Index)
	b = appendU64(b, fw.Size)
	b = appendI64(b, fw.Mtime)
	b = appendU16(b, fw.Perms)
	return append(b, fw.Data...)
}

// DecodeFileWhole decodes one whole-file chunk.
func DecodeFileWhole(payload []byte) (FileWhole, error) {
	c := cursor{buf: payload}
	fw := FileWhole{
		Index: c.u32("index"),
		Size:  c.u64("size"),
		Mtime: c.i64("mtime"),
		Perms: c.u16("perms"),
	}
	fw.Data = c.rest()
	return fw, c.err
}

// --- Signatures ---

// EncodeSignatures encodes one signature chunk.
func EncodeSignatures(s Signatures) []byte {
	b := appendU32(nil, s.Index)
	b = appendU32(b, s.BlockSize)
	b = appendU32(b, s.Count)
	for _, blk := range s.Blocks {
		b = appendU32(b, blk.Weak)
		b = append(b, blk.Strong...)
	}
	return b
}

// DecodeSignatures decodes one signature chunk.
func DecodeSignatures(payload []byte) (Signatures, error) {
	c := cursor{buf: payload}
	s := Signatures{
		Index:     c.u32("index"),
		BlockSize: c.u32("block_size"),
		Count:     c.u32("count"),
	}

	const entry = 4 + rollhash.StrongLen
	rest := c.rest()
	if len(rest)%entry != 0 {
		return s, fmt.Errorf("signature entries not a multiple of %d bytes", entry)
	}
	for off := 0; off < len(rest); off += entry {
		s.Blocks = append(s.Blocks, rollhash.Block{
			Weak:   binary.LittleEndian.Uint32(rest[off : off+4]),
			Strong: append([]byte(nil), rest[off+4:off+entry]...),
		})
	}
	return s, c.err
}

// --- Delta ---

const (
	deltaKindCopy    = 0
	deltaKindLiteral = 1
)

// EncodeDelta encodes one delta chunk.
func EncodeDelta(d Delta) []byte {
	b := appendU32(nil, d.Index)
	b = appendU32(b, uint32(len(d.Ops))) //nolint:gosec // G115: ops per chunk bounded by chunking
	for _, op := range d.Ops {
		if op.IsCopy() {
			b = append(b, deltaKindCopy)
			b = appendU32(b, uint32(op.BlockIndex))
			b = appendU32(b, op.Count)
		} else {
			b = append(b, deltaKindLiteral)
			b = appendU32(b, uint32(len(op.Literal))) //nolint:gosec // G115: literal bounded by MaxLiteral
			b = append(b, op.Literal...)
		}
	}
	return b
}

// DecodeDelta decodes one delta chunk.
func DecodeDelta(payload []byte) (Delta, error) {
	c := cursor{buf: payload}
	d := Delta{Index: c.u32("index")}

	n := c.u32("op_count")
	for range n {
		if c.err != nil {
			break
		}
		switch kind := c.u8("op kind"); kind {
		case deltaKindCopy:
			idx := c.u32("copy index")
			count := c.u32("copy count")
			d.Ops = append(d.Ops, rollhash.Op{
				BlockIndex: int32(idx), //nolint:gosec // G115: block index bounded by basis size
				Count:      count,
			})
		case deltaKindLiteral:
			length := c.u32("literal length")
			if length > rollhash.MaxLiteral {
				return d, fmt.Errorf("literal of %d bytes exceeds cap", length)
			}
			data := c.take(int(length), "literal bytes")
			d.Ops = append(d.Ops, rollhash.Op{
				BlockIndex: -1,
				Literal:    append([]byte(nil), data...),
			})
		default:
			if c.err == nil {
				return d, fmt.Errorf("unknown delta instruction kind %d", kind)
			}
		}
	}

	return d, c.done()
}

// --- Summary ---

// EncodeSummary encodes the final summary payload.
func EncodeSummary(s Summary) []byte {
	b := appendU64(nil, s.BytesIn)
	b = appendU64(b, s.BytesOut)
	b = appendU32(b, s.OK)
	return appendU32(b, s.Failed)
}

// DecodeSummary decodes the final summary payload.
func DecodeSummary(payload []byte) (Summary, error) {
	c := cursor{buf: payload}
	s := Summary{
		BytesIn:  c.u64("bytes_in"),
		BytesOut: c.u64("bytes_out"),
		OK:       c.u32("ok"),
		Failed:   c.u32("failed"),
	}
	return s, c.done()
}

// --- Error ---

// EncodeError encodes a server error payload.
func EncodeError(e ErrorMsg) []byte {
	b := appendU16(nil, e.Kind)
	return append(b, e.Message...)
}

// DecodeError decodes a server error payload.
func DecodeError(payload []byte) (ErrorMsg, error) {
	c := cursor{buf: payload}
	e := ErrorMsg{Kind: c.u16("kind")}
	e.Message = string(c.rest())
	return e, c.err
}
