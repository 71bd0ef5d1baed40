package geo

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/paulmach/orb"
)

// ErrNotGeoTIFF is returned for files that are not readable TIFF images.
var ErrNotGeoTIFF = errors.New("not a valid GeoTIFF")

const (
	tagImageWidth      = 256
	tagImageLength     = 257
	tagSamplesPerPixel = 277
	tagPixelScale      = 33550
	tagTiepoint        = 33922
	tagGeoKeyDirectory = 34735

	geoKeyGeographicType = 2048
	geoKeyProjectedType  = 3072

	tiffShort  = 3
	tiffLong   = 4
	tiffDouble = 12
)

// RasterInfo is the header information of a GeoTIFF.
type RasterInfo struct {
	Width, Height int
	Bands         int
	SRID          int // 0 when no EPSG code is declared
	Extent        orb.Bound
	HasExtent     bool
}

// BBox returns the raster extent, or the default world extent when unknown.
func (r RasterInfo) BBox() BBox {
	if !r.HasExtent {
		return DefaultBBox
	}
	srs := "EPSG:4326"
	if r.SRID > 0 {
		srs = fmt.Sprintf("EPSG:%d", r.SRID)
	}
	return FromBound(r.Extent, srs)
}

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	raw      [4]byte
}

type tiffReader struct {
	r     io.ReaderAt
	order binary.ByteOrder
}

// ProbeGeoTIFF reads the first image directory of a classic TIFF and extracts
// size, band count, EPSG code and extent.
func ProbeGeoTIFF(path string) (RasterInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return RasterInfo{}, fmt.Errorf("open geotiff: %w", err)
	}
	defer f.Close()

	head := make([]byte, 8)
	if _, err := f.ReadAt(head, 0); err != nil {
		return RasterInfo{}, ErrNotGeoTIFF
	}
	t := &tiffReader{r: f}
	switch string(head[:2]) {
	case "II":
		t.order = binary.LittleEndian
	case "MM":
		t.order = binary.BigEndian
	default:
		return RasterInfo{}, ErrNotGeoTIFF
	}
	if t.order.Uint16(head[2:4]) != 42 {
		return RasterInfo{}, fmt.Errorf("%w: only classic TIFF is supported", ErrNotGeoTIFF)
	}

	entries, err := t.readIFD(int64(t.order.Uint32(head[4:8])))
	if err != nil {
		return RasterInfo{}, err
	}

	info := RasterInfo{Bands: 1}
	var scale, tie []float64
	for _, e := range entries {
		switch e.tag {
		case tagImageWidth:
			info.Width = int(t.scalar(e))
		case tagImageLength:
			info.Height = int(t.scalar(e))
		case tagSamplesPerPixel:
			info.Bands = int(t.scalar(e))
		case tagPixelScale:
			scale, err = t.doubles(e)
		case tagTiepoint:
			tie, err = t.doubles(e)
		case tagGeoKeyDirectory:
			var keys []uint16
			keys, err = t.shorts(e)
			if err == nil {
				info.SRID = sridFromGeoKeys(keys)
			}
		}
		if err != nil {
			return RasterInfo{}, err
		}
	}

	if info.Width == 0 || info.Height == 0 {
		return RasterInfo{}, fmt.Errorf("%w: missing image dimensions", ErrNotGeoTIFF)
	}
	if len(scale) >= 2 && len(tie) >= 6 {
		// tiepoint maps raster (i,j) to model (x,y); pixel (0,0) is the top-left corner
		minX := tie[3] - tie[0]*scale[0]
		maxY := tie[4] + tie[1]*scale[1]
		info.Extent = orb.Bound{
			Min: orb.Point{minX, maxY - float64(info.Height)*scale[1]},
			Max: orb.Point{minX + float64(info.Width)*scale[0], maxY},
		}
		info.HasExtent = true
	}
	return info, nil
}

func (t *tiffReader) readIFD(offset int64) ([]ifdEntry, error) {
	buf := make([]byte, 2)
	if _, err := t.r.ReadAt(buf, offset); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotGeoTIFF, err)
	}
	n := int(t.order.Uint16(buf))
	data := make([]byte, n*12)
	if _, err := t.r.ReadAt(data, offset+2); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotGeoTIFF, err)
	}
	entries := make([]ifdEntry, n)
	for i := range entries {
		b := data[i*12:]
		entries[i].tag = t.order.Uint16(b[0:2])
		entries[i].typ = t.order.Uint16(b[2:4])
		entries[i].count = t.order.Uint32(b[4:8])
		copy(entries[i].raw[:], b[8:12])
	}
	return entries, nil
}

func (t *tiffReader) scalar(e ifdEntry) uint32 {
	if e.typ == tiffShort {
		return uint32(t.order.Uint16(e.raw[:2]))
	}
	return t.order.Uint32(e.raw[:])
}

// payload returns the value bytes of e, following the offset when the
// values do not fit in the entry itself.
func (t *tiffReader) payload(e ifdEntry, size int) ([]byte, error) {
	total := int(e.count) * size
	if total <= 4 {
		return e.raw[:total], nil
	}
	if total > 1<<20 {
		return nil, fmt.Errorf("%w: tag %d too large", ErrNotGeoTIFF, e.tag)
	}
	buf := make([]byte, total)
	if _, err := t.r.ReadAt(buf, int64(t.order.Uint32(e.raw[:]))); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotGeoTIFF, err)
	}
	return buf, nil
}

func (t *tiffReader) doubles(e ifdEntry) ([]float64, error) {
	if e.typ != tiffDouble {
		return nil, fmt.Errorf("%w: tag %d is not DOUBLE", ErrNotGeoTIFF, e.tag)
	}
	b, err := t.payload(e, 8)
	if err != nil {
		return nil, err
	}
	out := make([]float64, e.count)
	for i := range out {
		out[i] = math.Float64frombits(t.order.Uint64(b[i*8:]))
	}
	return out, nil
}

func (t *tiffReader) shorts(e ifdEntry) ([]uint16, error) {
	if e.typ != tiffShort {
		return nil, fmt.Errorf("%w: tag %d is not SHORT", ErrNotGeoTIFF, e.tag)
	}
	b, err := t.payload(e, 2)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, e.count)
	for i := range out {
		out[i] = t.order.Uint16(b[i*2:])
	}
	return out, nil
}

// sridFromGeoKeys reads the GeoKey directory: a 4-short header followed by
// (key, location, count, value) quadruples. Only inline values are used.
func sridFromGeoKeys(keys []uint16) int {
	if len(keys) < 4 {
		return 0
	}
	n := int(keys[3])
	srid := 0
	for i := 0; i < n && 4+i*4+3 < len(keys); i++ {
		k := keys[4+i*4:]
		key, loc, value := k[0], k[1], k[3]
		if loc != 0 || value == 0 || value == 32767 {
			continue
		}
		switch key {
		case geoKeyProjectedType:
			return int(value)
		case geoKeyGeographicType:
			srid = int(value)
		}
	}
	return srid
}

// EncodeGeoTIFF writes a minimal little-endian GeoTIFF header with no pixel
// data. It is used to produce fixtures and placeholders.
func EncodeGeoTIFF(w io.Writer, width, height int, srid int, originX, originY, pixelSize float64) error {
	type entry struct {
		tag, typ uint16
		count    uint32
		value    []byte
	}

	keyType := uint16(geoKeyGeographicType)
	if srid != 4326 && srid > 0 {
		keyType = geoKeyProjectedType
	}
	var geoKeys []byte
	for _, v := range []uint16{1, 1, 0, 1, keyType, 0, 1, uint16(srid)} {
		geoKeys = append(geoKeys, le16(v)...)
	}

	entries := []entry{
		{tagImageWidth, tiffLong, 1, le32(uint32(width))},
		{tagImageLength, tiffLong, 1, le32(uint32(height))},
		{tagSamplesPerPixel, tiffShort, 1, le16(1)},
		{tagPixelScale, tiffDouble, 3, le64s(pixelSize, pixelSize, 0)},
		{tagTiepoint, tiffDouble, 6, le64s(0, 0, 0, originX, originY, 0)},
		{tagGeoKeyDirectory, tiffShort, 8, geoKeys},
	}

	ifdSize := 2 + len(entries)*12 + 4
	dataOffset := 8 + ifdSize
	var ifd, extra []byte
	ifd = append(ifd, le16(uint16(len(entries)))...)
	for _, e := range entries {
		ifd = append(ifd, le16(e.tag)...)
		ifd = append(ifd, le16(e.typ)...)
		ifd = append(ifd, le32(e.count)...)
		if len(e.value) <= 4 {
			v := make([]byte, 4)
			copy(v, e.value)
			ifd = append(ifd, v...)
			continue
		}
		ifd = append(ifd, le32(uint32(dataOffset+len(extra)))...)
		extra = append(extra, e.value...)
	}
	ifd = append(ifd, le32(0)...)

	out := append([]byte("II"), le16(42)...)
	out = append(out, le32(8)...)
	out = append(out, ifd...)
	out = append(out, extra...)
	_, err := w.Write(out)
	return err
}

func le16(v uint16) []byte {
	return binary.LittleEndian.AppendUint16(nil, v)
}

func le32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func le64s(vs ...float64) []byte {
	b := make([]byte, 0, 8*len(vs))
	for _, v := range vs {
		b = binary.LittleEndian.AppendUint64(b, math.Float64bits(v))
	}
	return b
}
