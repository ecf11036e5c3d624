// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rawfile implements the "raw" raster driver. A raw raster
// is a pair of files: the pixel file at the raster's path, holding
// band-sequential little-endian values, and a YAML header at
// path+".yaml" describing its shape, type and georeferencing.
//
// Pixel files are read through package file, so inputs may reside
// on any registered file system, such as S3. Outputs are local files
// written positionally, so blocks may be written in any order,
// concurrently.
package rawfile

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/raster"
	"gopkg.in/yaml.v3"
)

// Name is the name under which the driver is registered.
const Name = "raw"

func init() {
	raster.Register(driver{})
}

// Header is the YAML header of a raw raster.
type Header struct {
	Width        int        `yaml:"width"`
	Height       int        `yaml:"height"`
	Bands        int        `yaml:"bands"`
	Type         string     `yaml:"type"`
	Projection   string     `yaml:"projection,omitempty"`
	GeoTransform [6]float64 `yaml:"geotransform,flow"`
}

// HeaderPath returns the path of the header of the raster at path.
func HeaderPath(path string) string {
	return path + ".yaml"
}

func (h Header) meta() (raster.Meta, error) {
	typ, err := raster.ParseDataType(h.Type)
	if err != nil {
		return raster.Meta{}, err
	}
	if h.Width <= 0 || h.Height <= 0 || h.Bands <= 0 {
		return raster.Meta{}, errors.E(errors.Invalid, fmt.Sprintf("rawfile: bad shape %dx%dx%d", h.Width, h.Height, h.Bands))
	}
	return raster.Meta{
		Grid: grid.Grid{
			Width:        h.Width,
			Height:       h.Height,
			Projection:   h.Projection,
			GeoTransform: h.GeoTransform,
		},
		Bands: h.Bands,
		Type:  typ,
	}, nil
}

// ReadHeader reads the header of the raster at path.
func ReadHeader(ctx context.Context, path string) (meta raster.Meta, err error) {
	f, err := file.Open(ctx, HeaderPath(path))
	if err != nil {
		return raster.Meta{}, err
	}
	defer closeFile(ctx, f, &err)
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return raster.Meta{}, err
	}
	var h Header
	if err := yaml.Unmarshal(p, &h); err != nil {
		return raster.Meta{}, errors.E(errors.Invalid, "rawfile: parse header", HeaderPath(path), err)
	}
	return h.meta()
}

// WriteHeader writes the header describing meta for the raster at path.
func WriteHeader(ctx context.Context, path string, meta raster.Meta) (err error) {
	h := Header{
		Width:        meta.Width,
		Height:       meta.Height,
		Bands:        meta.Bands,
		Type:         meta.Type.String(),
		Projection:   meta.Projection,
		GeoTransform: meta.GeoTransform,
	}
	p, err := yaml.Marshal(h)
	if err != nil {
		return err
	}
	f, err := file.Create(ctx, HeaderPath(path))
	if err != nil {
		return err
	}
	defer closeFile(ctx, f, &err)
	_, err = f.Writer(ctx).Write(p)
	return err
}

// Write stores block b as a complete raw raster at path.
func Write(ctx context.Context, path string, g grid.Grid, b *raster.Block) error {
	meta := raster.Meta{Grid: g, Bands: b.Bands, Type: b.Type}
	w, err := driver{}.Create(ctx, path, meta)
	if err != nil {
		return err
	}
	if err := w.WriteWindow(ctx, 0, 0, b); err != nil {
		w.Close(ctx)
		return err
	}
	return w.Close(ctx)
}

// Read returns the full contents of the raw raster at path.
func Read(ctx context.Context, path string) (raster.Meta, *raster.Block, error) {
	r, err := driver{}.Open(ctx, path)
	if err != nil {
		return raster.Meta{}, nil, err
	}
	defer r.Close(ctx)
	meta := r.Meta()
	b, err := r.ReadWindow(ctx, meta.Extent())
	return meta, b, err
}

func closeFile(ctx context.Context, f file.File, errp *error) {
	if err := f.Close(ctx); err != nil && *errp == nil {
		*errp = err
	}
}

type driver struct{}

func (driver) Name() string { return Name }

func (driver) Open(ctx context.Context, path string) (raster.Reader, error) {
	meta, err := ReadHeader(ctx, path)
	if err != nil {
		return nil, err
	}
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &reader{layout: layout(meta), f: f}, nil
}

func (driver) Create(ctx context.Context, path string, meta raster.Meta) (raster.Writer, error) {
	if scheme, _, err := file.ParsePath(path); err != nil {
		return nil, err
	} else if scheme != "" {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("rawfile: output %s must be a local file", path))
	}
	if err := WriteHeader(ctx, path, meta); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}
	size := int64(meta.Width) * int64(meta.Height) * int64(meta.Bands) * int64(meta.Type.Size())
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, err
	}
	return &writer{layout: layout(meta), f: f}, nil
}

// layout maps pixel coordinates to byte offsets of a pixel file.
type layout raster.Meta

// rowOffset returns the byte offset of pixel (x, y) of the given band.
func (l layout) rowOffset(band, x, y int) int64 {
	return ((int64(band)*int64(l.Height)+int64(y))*int64(l.Width) + int64(x)) * int64(l.Type.Size())
}

// A reader reads windows of a pixel file opened through package
// file, which may be remote. Reads seek to each row of the window.
type reader struct {
	layout
	// mu serializes reads, which share the file's seek pointer.
	mu   sync.Mutex
	f    file.File
	once sync.Once
}

func (r *reader) Meta() raster.Meta { return raster.Meta(r.layout) }

func (r *reader) ReadWindow(ctx context.Context, w grid.Window) (*raster.Block, error) {
	meta := r.Meta()
	return raster.Clip(meta, w, func(w grid.Window) (*raster.Block, error) {
		b := raster.NewBlock(meta.Type, meta.Bands, w.Width, w.Height)
		r.mu.Lock()
		defer r.mu.Unlock()
		rs := r.f.Reader(ctx)
		for band := 0; band < b.Bands; band++ {
			for y := 0; y < w.Height; y++ {
				if _, err := rs.Seek(r.rowOffset(band, w.X, w.Y+y), io.SeekStart); err != nil {
					return nil, errors.E("rawfile: seek", r.f.Name(), err)
				}
				if _, err := io.ReadFull(rs, b.Row(band, y)); err != nil {
					return nil, errors.E("rawfile: read", r.f.Name(), err)
				}
			}
		}
		return b, nil
	})
}

func (r *reader) Close(ctx context.Context) error {
	var err error
	r.once.Do(func() { err = r.f.Close(ctx) })
	return err
}

// A writer writes windows of a local pixel file positionally, so
// that concurrent writes of disjoint windows need no locking.
type writer struct {
	layout
	f    *os.File
	once sync.Once
}

func (w *writer) WriteWindow(ctx context.Context, x, y int, b *raster.Block) error {
	if b.Type != w.Type || b.Bands != w.Bands {
		return errors.E(errors.Invalid, fmt.Sprintf("rawfile: block %v incompatible with %d bands of %v", b, w.Bands, w.Type))
	}
	win := grid.Window{X: x, Y: y, Width: b.Width, Height: b.Height}
	if win.Intersect(raster.Meta(w.layout).Extent()) != win {
		return errors.E(errors.Invalid, fmt.Sprintf("rawfile: window %v outside raster", win))
	}
	for band := 0; band < b.Bands; band++ {
		for row := 0; row < b.Height; row++ {
			if _, err := w.f.WriteAt(b.Row(band, row), w.rowOffset(band, x, y+row)); err != nil {
				return errors.E("rawfile: write", w.f.Name(), err)
			}
		}
	}
	return nil
}

func (w *writer) Close(ctx context.Context) error {
	var err error
	w.once.Do(func() { err = w.f.Close() })
	return err
}
