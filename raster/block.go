// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package raster

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/rasterslice/grid"
)

// DataType is the pixel type of a raster band.
type DataType int

const (
	Uint8 DataType = iota + 1
	Int16
	Uint16
	Int32
	Uint32
	Float32
	Float64
)

var typeNames = map[DataType]string{
	Uint8:   "uint8",
	Int16:   "int16",
	Uint16:  "uint16",
	Int32:   "int32",
	Uint32:  "uint32",
	Float32: "float32",
	Float64: "float64",
}

func (t DataType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("DataType(%d)", int(t))
}

// ParseDataType returns the data type named by s.
func ParseDataType(s string) (DataType, error) {
	for t, name := range typeNames {
		if name == s {
			return t, nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown data type %q", s))
}

// Size returns the size of a single pixel value in bytes.
func (t DataType) Size() int {
	switch t {
	case Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Uint32, Float32:
		return 4
	case Float64:
		return 8
	}
	return 0
}

// A Block holds the pixels of a rectangular window of a raster.
// Pixel values are stored band-sequentially: all rows of band 0,
// then all rows of band 1, and so on, each value little-endian.
type Block struct {
	Type          DataType
	Bands         int
	Width, Height int
	Pix           []byte
}

// NewBlock returns a zero-valued block of the provided shape.
func NewBlock(t DataType, bands, width, height int) *Block {
	return &Block{
		Type:   t,
		Bands:  bands,
		Width:  width,
		Height: height,
		Pix:    make([]byte, bands*width*height*t.Size()),
	}
}

// Like returns a zero-valued block with the same type and band count
// as b, and the provided dimensions.
func (b *Block) Like(width, height int) *Block {
	return NewBlock(b.Type, b.Bands, width, height)
}

func (b *Block) offset(band, x, y int) int {
	return ((band*b.Height+y)*b.Width + x) * b.Type.Size()
}

// RowBytes returns the number of bytes in one row of one band.
func (b *Block) RowBytes() int {
	return b.Width * b.Type.Size()
}

// Row returns the bytes of row y of the given band. The returned
// slice aliases b.Pix.
func (b *Block) Row(band, y int) []byte {
	off := b.offset(band, 0, y)
	return b.Pix[off : off+b.RowBytes()]
}

// At returns the value of pixel (x, y) in the given band.
func (b *Block) At(band, x, y int) float64 {
	p := b.Pix[b.offset(band, x, y):]
	switch b.Type {
	case Uint8:
		return float64(p[0])
	case Int16:
		return float64(int16(binary.LittleEndian.Uint16(p)))
	case Uint16:
		return float64(binary.LittleEndian.Uint16(p))
	case Int32:
		return float64(int32(binary.LittleEndian.Uint32(p)))
	case Uint32:
		return float64(binary.LittleEndian.Uint32(p))
	case Float32:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(p)))
	case Float64:
		return math.Float64frombits(binary.LittleEndian.Uint64(p))
	}
	panic(fmt.Sprintf("raster: invalid data type %v", b.Type))
}

// Set sets the value of pixel (x, y) in the given band, converting
// it to the block's data type.
func (b *Block) Set(band, x, y int, v float64) {
	p := b.Pix[b.offset(band, x, y):]
	switch b.Type {
	case Uint8:
		p[0] = uint8(v)
	case Int16:
		binary.LittleEndian.PutUint16(p, uint16(int16(v)))
	case Uint16:
		binary.LittleEndian.PutUint16(p, uint16(v))
	case Int32:
		binary.LittleEndian.PutUint32(p, uint32(int32(v)))
	case Uint32:
		binary.LittleEndian.PutUint32(p, uint32(v))
	case Float32:
		binary.LittleEndian.PutUint32(p, math.Float32bits(float32(v)))
	case Float64:
		binary.LittleEndian.PutUint64(p, math.Float64bits(v))
	default:
		panic(fmt.Sprintf("raster: invalid data type %v", b.Type))
	}
}

// Sub returns a copy of the pixels of b inside window w, given in
// block-relative coordinates. Pixels of w that fall outside b are zero.
func (b *Block) Sub(w grid.Window) *Block {
	sub := b.Like(w.Width, w.Height)
	Paste(sub, b, -w.X, -w.Y)
	return sub
}

// Paste copies src into dst with src's top-left pixel placed at
// (x, y) in dst's coordinates. Pixels that fall outside dst are
// dropped. The blocks must share type and band count.
func Paste(dst, src *Block, x, y int) {
	if dst.Type != src.Type || dst.Bands != src.Bands {
		panic("raster.Paste: incompatible blocks")
	}
	area := grid.Window{Width: dst.Width, Height: dst.Height}.
		Intersect(grid.Window{X: x, Y: y, Width: src.Width, Height: src.Height})
	if area.Empty() {
		return
	}
	size := dst.Type.Size()
	n := area.Width * size
	for band := 0; band < dst.Bands; band++ {
		for row := area.Y; row < area.Y+area.Height; row++ {
			d := dst.offset(band, area.X, row)
			s := src.offset(band, area.X-x, row-y)
			copy(dst.Pix[d:d+n], src.Pix[s:s+n])
		}
	}
}

// Equal tells whether two blocks have identical shape and pixels.
func (b *Block) Equal(c *Block) bool {
	return b.Type == c.Type && b.Bands == c.Bands &&
		b.Width == c.Width && b.Height == c.Height &&
		bytes.Equal(b.Pix, c.Pix)
}

func (b *Block) String() string {
	return fmt.Sprintf("%dx%dx%d %s", b.Width, b.Height, b.Bands, b.Type)
}
