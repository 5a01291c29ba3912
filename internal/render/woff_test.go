package render

import (
	"bytes"
	"compress/zlib"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/font/gofont/gomono"
	"golang.org/x/image/font/sfnt"
)

// splitSFNT returns the flavor and tables of a plain sfnt file.
func splitSFNT(t *testing.T, data []byte) (uint32, []sfntTable) {
	t.Helper()
	require.GreaterOrEqual(t, len(data), 12)
	n := int(be.Uint16(data[4:]))
	tables := make([]sfntTable, n)
	for i := range tables {
		rec := data[12+16*i:]
		off, length := be.Uint32(rec[8:]), be.Uint32(rec[12:])
		require.LessOrEqual(t, int(off+length), len(data))
		tables[i] = sfntTable{tag: be.Uint32(rec), data: data[off : off+length]}
	}
	return be.Uint32(data), tables
}

func tableMap(t *testing.T, data []byte) map[uint32][]byte {
	t.Helper()
	_, tables := splitSFNT(t, data)
	out := make(map[uint32][]byte, len(tables))
	for _, tb := range tables {
		out[tb.tag] = tb.data
	}
	return out
}

func encodeWOFF(t *testing.T, ttf []byte) []byte {
	t.Helper()
	flavor, tables := splitSFNT(t, ttf)
	var body []byte
	dir := make([]byte, 0, 20*len(tables))
	offset := woffHeaderLen + 20*len(tables)
	for _, tb := range tables {
		var z bytes.Buffer
		zw := zlib.NewWriter(&z)
		_, err := zw.Write(tb.data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		stored := tb.data
		if z.Len() < len(tb.data) {
			stored = z.Bytes()
		}
		dir = be.AppendUint32(dir, tb.tag)
		dir = be.AppendUint32(dir, uint32(offset+len(body)))
		dir = be.AppendUint32(dir, uint32(len(stored)))
		dir = be.AppendUint32(dir, uint32(len(tb.data)))
		dir = be.AppendUint32(dir, tableChecksum(tb.data))
		body = append(body, stored...)
		for len(body)%4 != 0 {
			body = append(body, 0)
		}
	}
	out := []byte("wOFF")
	out = be.AppendUint32(out, flavor)
	out = be.AppendUint32(out, uint32(woffHeaderLen+len(dir)+len(body)))
	out = be.AppendUint16(out, uint16(len(tables)))
	out = append(out, make([]byte, woffHeaderLen-len(out))...)
	out = append(out, dir...)
	return append(out, body...)
}

func appendBase128(b []byte, v uint32) []byte {
	var tmp [5]byte
	i := len(tmp) - 1
	tmp[i] = byte(v & 0x7f)
	for v >>= 7; v != 0; v >>= 7 {
		i--
		tmp[i] = byte(v&0x7f) | 0x80
	}
	return append(b, tmp[i:]...)
}

type woff2Table struct {
	tag       string
	data      []byte
	transform bool
}

func knownTagIndex(tag string) int {
	for i, known := range woff2KnownTags {
		if known == tag {
			return i
		}
	}
	return 0x3f
}

// encodeWOFF2 packs tables into a WOFF2 file. Transformed tables carry data
// already in their transformed form.
func encodeWOFF2(t *testing.T, flavor uint32, tables []woff2Table, origLen func(woff2Table) uint32) []byte {
	t.Helper()
	var dir, stream []byte
	for _, tb := range tables {
		flags := byte(knownTagIndex(tb.tag))
		glyfOrLoca := tb.tag == "glyf" || tb.tag == "loca"
		switch {
		case glyfOrLoca && !tb.transform:
			flags |= 3 << 6
		case !glyfOrLoca && tb.transform:
			flags |= 1 << 6
		}
		dir = append(dir, flags)
		if flags&0x3f == 0x3f {
			dir = append(dir, tb.tag...)
		}
		dir = appendBase128(dir, origLen(tb))
		if tb.transform {
			dir = appendBase128(dir, uint32(len(tb.data)))
		}
		stream = append(stream, tb.data...)
	}
	var compressed bytes.Buffer
	bw := brotli.NewWriter(&compressed)
	_, err := bw.Write(stream)
	require.NoError(t, err)
	require.NoError(t, bw.Close())

	out := []byte("wOF2")
	out = be.AppendUint32(out, flavor)
	out = be.AppendUint32(out, uint32(woff2HeaderLen+len(dir)+compressed.Len()))
	out = be.AppendUint16(out, uint16(len(tables)))
	out = be.AppendUint16(out, 0)
	out = be.AppendUint32(out, uint32(12+16*len(tables)+len(stream)))
	out = be.AppendUint32(out, uint32(compressed.Len()))
	out = append(out, make([]byte, woff2HeaderLen-len(out))...)
	out = append(out, dir...)
	return append(out, compressed.Bytes()...)
}

func encodeWOFF2Plain(t *testing.T, ttf []byte) []byte {
	t.Helper()
	flavor, tables := splitSFNT(t, ttf)
	in := make([]woff2Table, len(tables))
	for i, tb := range tables {
		in[i] = woff2Table{tag: string(be.AppendUint32(nil, tb.tag)), data: tb.data}
	}
	return encodeWOFF2(t, flavor, in, func(tb woff2Table) uint32 { return uint32(len(tb.data)) })
}

func TestDecodeWOFF(t *testing.T) {
	want, err := sfnt.Parse(gomono.TTF)
	require.NoError(t, err)

	decoded, err := decodeFont(encodeWOFF(t, gomono.TTF))
	require.NoError(t, err)
	f, err := sfnt.Parse(decoded)
	require.NoError(t, err)
	assert.Equal(t, want.NumGlyphs(), f.NumGlyphs())
	assert.Equal(t, tableMap(t, gomono.TTF), tableMap(t, decoded))
}

func TestDecodeWOFF2(t *testing.T) {
	want, err := sfnt.Parse(gomono.TTF)
	require.NoError(t, err)

	decoded, err := decodeFont(encodeWOFF2Plain(t, gomono.TTF))
	require.NoError(t, err)
	f, err := sfnt.Parse(decoded)
	require.NoError(t, err)
	assert.Equal(t, want.NumGlyphs(), f.NumGlyphs())
	assert.Equal(t, tableMap(t, gomono.TTF), tableMap(t, decoded))
}

func TestDecodeFontPassesThroughSFNT(t *testing.T) {
	out, err := decodeFont(gomono.TTF)
	require.NoError(t, err)
	assert.Equal(t, gomono.TTF, out)
}

func TestDecodeFontRejectsBrokenContainers(t *testing.T) {
	woff := encodeWOFF(t, gomono.TTF)
	woff2 := encodeWOFF2Plain(t, gomono.TTF)
	collection := bytes.Clone(woff2)
	copy(collection[4:], "ttcf")

	for name, data := range map[string][]byte{
		"short":            []byte("wO"),
		"woff header":      woff[:20],
		"woff directory":   woff[:woffHeaderLen+10],
		"woff2 header":     woff2[:30],
		"woff2 stream":     woff2[:len(woff2)-16],
		"woff2 collection": collection,
	} {
		_, err := decodeFont(data)
		assert.Error(t, err, name)
	}
}

// triangleGlyf is a transformed glyf table holding an empty glyph and a
// triangle at (10,0) (110,0) (60,100).
func triangleGlyf() []byte {
	nContours := []byte{0, 0, 0, 1}
	nPoints := []byte{3}
	flags := []byte{11, 11, 86}
	glyphs := []byte{10, 100, 49, 99, 0}
	bbox := []byte{0, 0, 0, 0}

	out := be.AppendUint16(nil, 0) // reserved
	out = be.AppendUint16(out, 0)
	out = be.AppendUint16(out, 2)
	out = be.AppendUint16(out, 0)
	for _, s := range [][]byte{nContours, nPoints, flags, glyphs, nil, bbox, nil} {
		out = be.AppendUint32(out, uint32(len(s)))
	}
	for _, s := range [][]byte{nContours, nPoints, flags, glyphs, nil, bbox, nil} {
		out = append(out, s...)
	}
	return out
}

func TestDecodeWOFF2TransformedTables(t *testing.T) {
	head := make([]byte, 54)
	maxp := be.AppendUint32(nil, 0x00005000)
	maxp = be.AppendUint16(maxp, 2)
	hhea := make([]byte, 36)
	be.PutUint16(hhea[34:], 2)
	hmtx := []byte{3}
	hmtx = be.AppendUint16(hmtx, 500)
	hmtx = be.AppendUint16(hmtx, 600)

	tables := []woff2Table{
		{tag: "head", data: head},
		{tag: "hhea", data: hhea},
		{tag: "hmtx", data: hmtx, transform: true},
		{tag: "maxp", data: maxp},
		{tag: "glyf", data: triangleGlyf(), transform: true},
		{tag: "loca", transform: true},
	}
	sizes := map[string]uint32{"glyf": 32, "loca": 12, "hmtx": 8}
	data := encodeWOFF2(t, 0x00010000, tables, func(tb woff2Table) uint32 {
		if n, ok := sizes[tb.tag]; ok {
			return n
		}
		return uint32(len(tb.data))
	})

	decoded, err := decodeFont(data)
	require.NoError(t, err)
	got := tableMap(t, decoded)

	glyph := be.AppendUint16(nil, 1)
	for _, v := range []int16{10, 0, 110, 100, 2, 0} { // bbox, endPts, instruction length
		glyph = be.AppendUint16(glyph, uint16(v))
	}
	glyph = append(glyph, 1, 1, 1)
	for _, v := range []int16{10, 100, -50, 0, 0, 100} {
		glyph = be.AppendUint16(glyph, uint16(v))
	}
	glyph = append(glyph, 0, 0, 0)

	loca := be.AppendUint32(nil, 0)
	loca = be.AppendUint32(loca, 0)
	loca = be.AppendUint32(loca, 32)

	wantHmtx := be.AppendUint16(nil, 500)
	wantHmtx = be.AppendUint16(wantHmtx, 0)
	wantHmtx = be.AppendUint16(wantHmtx, 600)
	wantHmtx = be.AppendUint16(wantHmtx, 10)

	assert.Equal(t, glyph, got[tagGlyf])
	assert.Equal(t, loca, got[tagLoca])
	assert.Equal(t, wantHmtx, got[tagHmtx])
	assert.Equal(t, uint16(1), be.Uint16(got[tagHead][50:]), "long loca format")
}

func TestTripletDelta(t *testing.T) {
	cases := []struct {
		flag   byte
		in     []byte
		dx, dy int
	}{
		{0, []byte{7}, 0, -7},
		{1, []byte{5}, 0, 5},
		{3, []byte{1}, 0, 257},
		{10, []byte{7}, -7, 0},
		{11, []byte{100}, 100, 0},
		{20, []byte{0}, -1, -1},
		{23, []byte{0x21}, 3, 2},
		{86, []byte{49, 99}, -50, 100},
		{120, []byte{0x12, 0x34, 0x56}, -291, -1110},
		{124, []byte{1, 2, 3, 4}, -258, -772},
		{127, []byte{1, 2, 3, 4}, 258, 772},
	}
	for _, c := range cases {
		require.Len(t, c.in, tripletBytes(c.flag), "flag %d", c.flag)
		dx, dy := tripletDelta(c.flag, c.in)
		assert.Equal(t, [2]int{c.dx, c.dy}, [2]int{dx, dy}, "flag %d", c.flag)
	}
}

func TestVariableLengthIntegers(t *testing.T) {
	for _, c := range []struct {
		in   []byte
		want uint32
	}{
		{[]byte{0x3f}, 63},
		{[]byte{0x81, 0x00}, 128},
		{[]byte{0x8f, 0xff, 0xff, 0xff, 0x7f}, 0xffffffff},
	} {
		r := &byteReader{b: c.in}
		assert.Equal(t, c.want, r.base128())
		assert.NoError(t, r.err)
	}
	for _, in := range [][]byte{
		{0x80, 0x01},
		{0x90, 0x80, 0x80, 0x80, 0x00},
		{0x81, 0x80, 0x80, 0x80, 0x80, 0x00},
		{0x81},
	} {
		r := &byteReader{b: in}
		r.base128()
		assert.Error(t, r.err, "% x", in)
	}

	for _, c := range []struct {
		in   []byte
		want uint16
	}{
		{[]byte{17}, 17},
		{[]byte{253, 0x01, 0x02}, 258},
		{[]byte{254, 0}, 506},
		{[]byte{255, 10}, 263},
	} {
		r := &byteReader{b: c.in}
		assert.Equal(t, c.want, r.u255(), "% x", c.in)
		assert.NoError(t, r.err)
	}
}

func TestAppendBase128RoundTrips(t *testing.T) {
	for _, v := range []uint32{0, 127, 128, 16383, 1 << 20, 0xffffffff} {
		r := &byteReader{b: appendBase128(nil, v)}
		assert.Equal(t, v, r.base128())
		assert.NoError(t, r.err)
	}
}
