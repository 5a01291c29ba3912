package render

import (
	"bytes"
	"compress/zlib"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/andybalholm/brotli"
)

// maxDecodedFontBytes bounds the sfnt rebuilt from a compressed container.
const maxDecodedFontBytes = 32 << 20

var (
	errTruncated = errors.New("font: truncated data")
	be           = binary.BigEndian
)

// decodeFont unwraps WOFF and WOFF2 containers into plain sfnt data. Other
// input is returned unchanged for sfnt.Parse to judge.
func decodeFont(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, errTruncated
	}
	switch string(data[:4]) {
	case "wOFF":
		out, err := decodeWOFF(data)
		if err != nil {
			return nil, fmt.Errorf("woff: %w", err)
		}
		return out, nil
	case "wOF2":
		out, err := decodeWOFF2(data)
		if err != nil {
			return nil, fmt.Errorf("woff2: %w", err)
		}
		return out, nil
	}
	return data, nil
}

func tagOf(s string) uint32 { return be.Uint32([]byte(s)) }

var (
	tagGlyf = tagOf("glyf")
	tagLoca = tagOf("loca")
	tagHead = tagOf("head")
	tagHhea = tagOf("hhea")
	tagHmtx = tagOf("hmtx")
	tagMaxp = tagOf("maxp")
)

type sfntTable struct {
	tag  uint32
	data []byte
}

// buildSFNT lays tables out behind a sorted table directory, each table
// 4-byte aligned and checksummed.
func buildSFNT(flavor uint32, tables []sfntTable) ([]byte, error) {
	n := len(tables)
	if n == 0 || n > 0xfff {
		return nil, fmt.Errorf("font: %d tables", n)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].tag < tables[j].tag })

	entrySelector := 0
	for 1<<(entrySelector+1) <= n {
		entrySelector++
	}
	searchRange := (1 << entrySelector) * 16
	size := 12 + 16*n
	for _, t := range tables {
		size += pad4(len(t.data))
	}
	if size > maxDecodedFontBytes {
		return nil, errors.New("font: decoded size exceeds limit")
	}

	out := make([]byte, size)
	be.PutUint32(out[0:], flavor)
	be.PutUint16(out[4:], uint16(n))
	be.PutUint16(out[6:], uint16(searchRange))
	be.PutUint16(out[8:], uint16(entrySelector))
	be.PutUint16(out[10:], uint16(n*16-searchRange))
	off := 12 + 16*n
	for i, t := range tables {
		rec := out[12+16*i:]
		be.PutUint32(rec[0:], t.tag)
		be.PutUint32(rec[4:], tableChecksum(t.data))
		be.PutUint32(rec[8:], uint32(off))
		be.PutUint32(rec[12:], uint32(len(t.data)))
		copy(out[off:], t.data)
		off += pad4(len(t.data))
	}
	return out, nil
}

func pad4(n int) int { return (n + 3) &^ 3 }

func tableChecksum(b []byte) uint32 {
	var sum uint32
	for i := 0; i < len(b); i += 4 {
		var word [4]byte
		copy(word[:], b[i:])
		sum += be.Uint32(word[:])
	}
	return sum
}

// byteReader reads big-endian fields. The first failure sticks and every
// later read returns zero values.
type byteReader struct {
	b   []byte
	off int
	err error
}

func (r *byteReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b)-r.off {
		r.err = errTruncated
		return nil
	}
	p := r.b[r.off : r.off+n]
	r.off += n
	return p
}

func (r *byteReader) u8() uint8 {
	if p := r.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (r *byteReader) u16() uint16 {
	if p := r.take(2); p != nil {
		return be.Uint16(p)
	}
	return 0
}

func (r *byteReader) i16() int16 { return int16(r.u16()) }

func (r *byteReader) u32() uint32 {
	if p := r.take(4); p != nil {
		return be.Uint32(p)
	}
	return 0
}

// base128 reads a UIntBase128: up to five bytes, seven bits each, no leading
// zero byte.
func (r *byteReader) base128() uint32 {
	var acc uint32
	for i := 0; i < 5; i++ {
		b := r.u8()
		if r.err != nil {
			return 0
		}
		if i == 0 && b == 0x80 {
			r.err = errors.New("font: UIntBase128 has a leading zero")
			return 0
		}
		if acc&0xfe000000 != 0 {
			r.err = errors.New("font: UIntBase128 overflows")
			return 0
		}
		acc = acc<<7 | uint32(b&0x7f)
		if b&0x80 == 0 {
			return acc
		}
	}
	r.err = errors.New("font: UIntBase128 longer than five bytes")
	return 0
}

// u255 reads a 255UInt16.
func (r *byteReader) u255() uint16 {
	switch code := r.u8(); code {
	case 253:
		return r.u16()
	case 254:
		return uint16(r.u8()) + 506
	case 255:
		return uint16(r.u8()) + 253
	default:
		return uint16(code)
	}
}

const woffHeaderLen = 44

func decodeWOFF(data []byte) ([]byte, error) {
	r := &byteReader{b: data}
	r.take(4)
	flavor := r.u32()
	r.take(4)
	numTables := int(r.u16())
	r.take(woffHeaderLen - r.off)
	if r.err != nil {
		return nil, r.err
	}

	tables := make([]sfntTable, 0, numTables)
	total := 0
	for i := 0; i < numTables; i++ {
		tag := r.u32()
		off, compLen, origLen := uint64(r.u32()), uint64(r.u32()), uint64(r.u32())
		r.take(4)
		if r.err != nil {
			return nil, r.err
		}
		if off+compLen > uint64(len(data)) || compLen > origLen {
			return nil, fmt.Errorf("table %d out of bounds", i)
		}
		if total += int(origLen); total > maxDecodedFontBytes {
			return nil, errors.New("decoded size exceeds limit")
		}
		raw := data[off : off+compLen]
		if compLen < origLen {
			zr, err := zlib.NewReader(bytes.NewReader(raw))
			if err != nil {
				return nil, fmt.Errorf("table %d: %w", i, err)
			}
			table := make([]byte, origLen)
			_, err = io.ReadFull(zr, table)
			_ = zr.Close()
			if err != nil {
				return nil, fmt.Errorf("table %d: %w", i, err)
			}
			raw = table
		}
		tables = append(tables, sfntTable{tag: tag, data: raw})
	}
	return buildSFNT(flavor, tables)
}

const woff2HeaderLen = 48

// woff2KnownTags maps the 6-bit tag index of a WOFF2 table directory entry.
var woff2KnownTags = [63]string{
	"cmap", "head", "hhea", "hmtx", "maxp", "name", "OS/2", "post", "cvt ", "fpgm",
	"glyf", "loca", "prep", "CFF ", "VORG", "EBDT", "EBLC", "gasp", "hdmx", "kern",
	"LTSH", "PCLT", "VDMX", "vhea", "vmtx", "BASE", "GDEF", "GPOS", "GSUB", "EBSC",
	"JSTF", "MATH", "CBDT", "CBLC", "COLR", "CPAL", "SVG ", "sbix", "acnt", "avar",
	"bdat", "bloc", "bsln", "cvar", "fdsc", "feat", "fmtx", "fvar", "gvar", "hsty",
	"just", "lcar", "mort", "morx", "opbd", "prop", "trak", "Zapf", "Silf", "Glat",
	"Gloc", "Feat", "Sill",
}

type woff2Entry struct {
	tag         uint32
	origLen     uint32
	length      uint32
	transformed bool
	data        []byte
}

func decodeWOFF2(data []byte) ([]byte, error) {
	r := &byteReader{b: data}
	r.take(4)
	flavor := r.u32()
	r.take(4)
	numTables := int(r.u16())
	r.take(2)
	sfntSize := r.u32()
	compressedSize := r.u32()
	r.take(woff2HeaderLen - r.off)
	if r.err != nil {
		return nil, r.err
	}
	if flavor == tagOf("ttcf") {
		return nil, errors.New("font collections are not supported")
	}
	if sfntSize > maxDecodedFontBytes {
		return nil, errors.New("decoded size exceeds limit")
	}

	entries := make([]woff2Entry, numTables)
	index := make(map[uint32]int, numTables)
	for i := range entries {
		flags := r.u8()
		e := &entries[i]
		if known := flags & 0x3f; known == 0x3f {
			e.tag = r.u32()
		} else {
			e.tag = tagOf(woff2KnownTags[known])
		}
		version := flags >> 6
		e.origLen = r.base128()
		// glyf and loca use version 3 for the null transform, every other
		// table uses version 0.
		if e.tag == tagGlyf || e.tag == tagLoca {
			e.transformed = version == 0
		} else {
			e.transformed = version != 0
		}
		e.length = e.origLen
		if e.transformed {
			e.length = r.base128()
		}
		index[e.tag] = i
	}
	if r.err != nil {
		return nil, r.err
	}

	compressed := r.take(int(compressedSize))
	if r.err != nil {
		return nil, r.err
	}
	stream, err := io.ReadAll(io.LimitReader(brotli.NewReader(bytes.NewReader(compressed)), maxDecodedFontBytes+1))
	if err != nil {
		return nil, fmt.Errorf("brotli: %w", err)
	}
	if len(stream) > maxDecodedFontBytes {
		return nil, errors.New("decoded size exceeds limit")
	}
	sr := &byteReader{b: stream}
	for i := range entries {
		entries[i].data = sr.take(int(entries[i].length))
	}
	if sr.err != nil {
		return nil, sr.err
	}

	if err := untransform(entries, index); err != nil {
		return nil, err
	}
	tables := make([]sfntTable, len(entries))
	for i, e := range entries {
		tables[i] = sfntTable{tag: e.tag, data: e.data}
	}
	return buildSFNT(flavor, tables)
}

// untransform rebuilds transformed glyf, loca and hmtx tables in place.
func untransform(entries []woff2Entry, index map[uint32]int) error {
	gi, hasGlyf := index[tagGlyf]
	li, hasLoca := index[tagLoca]
	if hasGlyf != hasLoca {
		return errors.New("glyf and loca must appear together")
	}
	var xMins []int16
	if hasGlyf && entries[gi].transformed {
		if !entries[li].transformed {
			return errors.New("transformed glyf with untransformed loca")
		}
		glyf, loca, mins, err := reconstructGlyf(entries[gi].data)
		if err != nil {
			return fmt.Errorf("glyf: %w", err)
		}
		entries[gi].data, entries[li].data, xMins = glyf, loca, mins

		hi, ok := index[tagHead]
		if !ok || len(entries[hi].data) < 54 {
			return errors.New("missing head table")
		}
		head := bytes.Clone(entries[hi].data)
		// loca is always rebuilt in the long format
		be.PutUint16(head[50:], 1)
		entries[hi].data = head
	} else if hasLoca && entries[li].transformed {
		return errors.New("transformed loca without transformed glyf")
	}

	if hi, ok := index[tagHmtx]; ok && entries[hi].transformed {
		if xMins == nil {
			return errors.New("transformed hmtx needs transformed glyf")
		}
		hhea, okH := index[tagHhea]
		if !okH || len(entries[hhea].data) < 36 {
			return errors.New("missing hhea table")
		}
		numHMetrics := int(be.Uint16(entries[hhea].data[34:]))
		hmtx, err := reconstructHmtx(entries[hi].data, numHMetrics, xMins)
		if err != nil {
			return fmt.Errorf("hmtx: %w", err)
		}
		entries[hi].data = hmtx
	}
	for _, e := range entries {
		if e.transformed && e.tag != tagGlyf && e.tag != tagLoca && e.tag != tagHmtx {
			return fmt.Errorf("unsupported transform for table %q", string(be.AppendUint32(nil, e.tag)))
		}
	}
	if mi, ok := index[tagMaxp]; ok && xMins != nil && len(entries[mi].data) >= 6 {
		if int(be.Uint16(entries[mi].data[4:])) != len(xMins) {
			return errors.New("glyph count disagrees with maxp")
		}
	}
	return nil
}

// Composite glyph flags.
const (
	compArgsAreWords   = 0x0001
	compHaveScale      = 0x0008
	compMoreComponents = 0x0020
	compHaveXYScale    = 0x0040
	compHaveTwoByTwo   = 0x0080
	compHaveInstr      = 0x0100
)

// reconstructGlyf expands a transformed glyf table into standard glyf and
// long-format loca tables. It also returns each glyph's xMin for hmtx.
func reconstructGlyf(data []byte) (glyf, loca []byte, xMins []int16, err error) {
	hdr := &byteReader{b: data}
	hdr.take(2)
	optionFlags := hdr.u16()
	numGlyphs := int(hdr.u16())
	hdr.take(2)
	var sizes [7]uint32
	for i := range sizes {
		sizes[i] = hdr.u32()
	}
	if hdr.err != nil {
		return nil, nil, nil, hdr.err
	}
	var streams [7]*byteReader
	for i, n := range sizes {
		streams[i] = &byteReader{b: hdr.take(int(n))}
	}
	if hdr.err != nil {
		return nil, nil, nil, hdr.err
	}
	nContourS, nPointsS, flagS, glyphS, compositeS, bboxS, instrS :=
		streams[0], streams[1], streams[2], streams[3], streams[4], streams[5], streams[6]

	bboxBitmap := bboxS.take(4 * ((numGlyphs + 31) / 32))
	var overlap []byte
	if optionFlags&1 != 0 {
		overlap = hdr.take((numGlyphs + 7) / 8)
	}
	if bboxS.err != nil || hdr.err != nil {
		return nil, nil, nil, errTruncated
	}
	bit := func(bitmap []byte, i int) bool {
		return bitmap != nil && bitmap[i>>3]&(0x80>>(i&7)) != 0
	}

	loca = make([]byte, 4*(numGlyphs+1))
	xMins = make([]int16, numGlyphs)
	for i := 0; i < numGlyphs; i++ {
		be.PutUint32(loca[4*i:], uint32(len(glyf)))
		nContours := nContourS.i16()
		hasBBox := bit(bboxBitmap, i)
		switch {
		case nContours == 0:
			if hasBBox {
				return nil, nil, nil, fmt.Errorf("empty glyph %d has a bbox", i)
			}
		case nContours == -1:
			if !hasBBox {
				return nil, nil, nil, fmt.Errorf("composite glyph %d lacks a bbox", i)
			}
			bbox := bboxS.take(8)
			comp, haveInstr := readComposite(compositeS)
			glyf = be.AppendUint16(glyf, 0xffff)
			glyf = append(glyf, bbox...)
			glyf = append(glyf, comp...)
			if haveInstr {
				n := glyphS.u255()
				glyf = be.AppendUint16(glyf, n)
				glyf = append(glyf, instrS.take(int(n))...)
			}
			if bbox != nil {
				xMins[i] = int16(be.Uint16(bbox))
			}
		case nContours > 0:
			var g []byte
			g, xMins[i], err = simpleGlyph(int(nContours), hasBBox, bit(overlap, i), nPointsS, flagS, glyphS, bboxS, instrS)
			if err != nil {
				return nil, nil, nil, fmt.Errorf("glyph %d: %w", i, err)
			}
			glyf = append(glyf, g...)
		default:
			return nil, nil, nil, fmt.Errorf("glyph %d has %d contours", i, nContours)
		}
		for len(glyf)%4 != 0 {
			glyf = append(glyf, 0)
		}
		for _, s := range streams {
			if s.err != nil {
				return nil, nil, nil, fmt.Errorf("glyph %d: %w", i, s.err)
			}
		}
		if len(glyf) > maxDecodedFontBytes {
			return nil, nil, nil, errors.New("decoded size exceeds limit")
		}
	}
	be.PutUint32(loca[4*numGlyphs:], uint32(len(glyf)))
	return glyf, loca, xMins, nil
}

func readComposite(r *byteReader) ([]byte, bool) {
	start := r.off
	haveInstr := false
	for {
		flags := r.u16()
		haveInstr = haveInstr || flags&compHaveInstr != 0
		n := 2 + 2
		if flags&compArgsAreWords != 0 {
			n = 2 + 4
		}
		switch {
		case flags&compHaveScale != 0:
			n += 2
		case flags&compHaveXYScale != 0:
			n += 4
		case flags&compHaveTwoByTwo != 0:
			n += 8
		}
		r.take(n)
		if r.err != nil || flags&compMoreComponents == 0 {
			break
		}
	}
	if r.err != nil {
		return nil, false
	}
	return r.b[start:r.off], haveInstr
}

// simpleGlyph decodes one simple glyph from the point streams and encodes it
// in the glyf format with uncompressed 16-bit coordinate deltas.
func simpleGlyph(nContours int, hasBBox, overlap bool, nPointsS, flagS, glyphS, bboxS, instrS *byteReader) ([]byte, int16, error) {
	endPts := make([]uint16, nContours)
	total := 0
	for c := range endPts {
		n := int(nPointsS.u255())
		if n == 0 {
			return nil, 0, errors.New("contour without points")
		}
		total += n
		if total > 0xffff {
			return nil, 0, errors.New("too many points")
		}
		endPts[c] = uint16(total - 1)
	}
	flags := flagS.take(total)
	if flags == nil {
		return nil, 0, errTruncated
	}

	xs, ys := make([]int16, total), make([]int16, total)
	x, y := 0, 0
	for p, f := range flags {
		triplet := f & 0x7f
		in := glyphS.take(tripletBytes(triplet))
		if in == nil {
			return nil, 0, errTruncated
		}
		dx, dy := tripletDelta(triplet, in)
		x, y = x+dx, y+dy
		if x < -32768 || x > 32767 || y < -32768 || y > 32767 {
			return nil, 0, errors.New("coordinate out of range")
		}
		xs[p], ys[p] = int16(x), int16(y)
	}
	instrLen := glyphS.u255()
	instr := instrS.take(int(instrLen))

	var xMin, yMin, xMax, yMax int16
	if hasBBox {
		xMin, yMin, xMax, yMax = bboxS.i16(), bboxS.i16(), bboxS.i16(), bboxS.i16()
	} else {
		xMin, yMin, xMax, yMax = xs[0], ys[0], xs[0], ys[0]
		for p := 1; p < total; p++ {
			xMin, xMax = min(xMin, xs[p]), max(xMax, xs[p])
			yMin, yMax = min(yMin, ys[p]), max(yMax, ys[p])
		}
	}

	g := make([]byte, 0, 12+2*nContours+int(instrLen)+5*total)
	g = be.AppendUint16(g, uint16(nContours))
	for _, v := range []int16{xMin, yMin, xMax, yMax} {
		g = be.AppendUint16(g, uint16(v))
	}
	for _, e := range endPts {
		g = be.AppendUint16(g, e)
	}
	g = be.AppendUint16(g, instrLen)
	g = append(g, instr...)
	for p, f := range flags {
		var out byte
		if f&0x80 == 0 {
			out = 0x01 // on curve
		}
		if overlap && p == 0 {
			out |= 0x40
		}
		g = append(g, out)
	}
	prevX, prevY := int16(0), int16(0)
	for _, v := range xs {
		g = be.AppendUint16(g, uint16(v-prevX))
		prevX = v
	}
	for _, v := range ys {
		g = be.AppendUint16(g, uint16(v-prevY))
		prevY = v
	}
	return g, xMin, nil
}

func tripletBytes(flag byte) int {
	switch {
	case flag < 84:
		return 1
	case flag < 120:
		return 2
	case flag < 124:
		return 3
	default:
		return 4
	}
}

func withSign(flag byte, v int) int {
	if flag&1 != 0 {
		return v
	}
	return -v
}

// tripletDelta decodes one point delta of the WOFF2 triplet encoding.
func tripletDelta(flag byte, in []byte) (dx, dy int) {
	switch {
	case flag < 10:
		return 0, withSign(flag, int(flag&14)<<7+int(in[0]))
	case flag < 20:
		return withSign(flag, int((flag-10)&14)<<7+int(in[0])), 0
	case flag < 84:
		b0, b1 := int(flag-20), int(in[0])
		return withSign(flag, 1+(b0&0x30)+b1>>4), withSign(flag>>1, 1+(b0&0x0c)<<2+b1&0x0f)
	case flag < 120:
		b0 := int(flag - 84)
		return withSign(flag, 1+(b0/12)<<8+int(in[0])), withSign(flag>>1, 1+(b0%12>>2)<<8+int(in[1]))
	case flag < 124:
		b2 := int(in[1])
		return withSign(flag, int(in[0])<<4+b2>>4), withSign(flag>>1, (b2&0x0f)<<8+int(in[2]))
	default:
		return withSign(flag, int(in[0])<<8+int(in[1])), withSign(flag>>1, int(in[2])<<8+int(in[3]))
	}
}

// reconstructHmtx expands a transformed hmtx table. Omitted left side
// bearings equal the glyph's xMin.
func reconstructHmtx(data []byte, numHMetrics int, xMins []int16) ([]byte, error) {
	numGlyphs := len(xMins)
	if numHMetrics < 1 || numHMetrics > numGlyphs {
		return nil, fmt.Errorf("numberOfHMetrics %d out of range", numHMetrics)
	}
	r := &byteReader{b: data}
	flags := r.u8()
	adv := make([]uint16, numHMetrics)
	for i := range adv {
		adv[i] = r.u16()
	}
	lsb := make([]int16, numGlyphs)
	for i := range lsb {
		omitted := flags&1 != 0
		if i >= numHMetrics {
			omitted = flags&2 != 0
		}
		if omitted {
			lsb[i] = xMins[i]
		} else {
			lsb[i] = r.i16()
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	out := make([]byte, 0, 4*numHMetrics+2*(numGlyphs-numHMetrics))
	for i := 0; i < numGlyphs; i++ {
		if i < numHMetrics {
			out = be.AppendUint16(out, adv[i])
		}
		out = be.AppendUint16(out, uint16(lsb[i]))
	}
	return out, nil
}
