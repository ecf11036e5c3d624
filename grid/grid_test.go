// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package grid

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func TestExample(t *testing.T) {
	g := Grid{Width: 100, Height: 100}
	specs := Specs(g, Config{BlockWidth: 50, BlockHeight: 50})
	if got, want := len(specs), 4; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	offsets := [][2]int{{0, 0}, {50, 0}, {0, 50}, {50, 50}}
	for i, s := range specs {
		if got, want := [2]int{s.Window.X, s.Window.Y}, offsets[i]; got != want {
			t.Errorf("block %d: got %v, want %v", i, got, want)
		}
		if got, want := s.Index, i; got != want {
			t.Errorf("got %v, want %v", got, want)
		}
		if s.Window.Width != 50 || s.Window.Height != 50 {
			t.Errorf("block %d: bad size %v", i, s.Window)
		}
	}
}

func TestClipping(t *testing.T) {
	g := Grid{Width: 70, Height: 30}
	specs := Specs(g, Config{BlockWidth: 32, BlockHeight: 16, Overlap: 2})
	if got, want := len(specs), 6; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	last := specs[len(specs)-1]
	if got, want := last.Window, (Window{X: 64, Y: 16, Width: 6, Height: 14}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := last.Read(), (Window{X: 62, Y: 14, Width: 10, Height: 18}); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := [2]int{last.Row, last.Col}, [2]int{1, 2}; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDefaults(t *testing.T) {
	e := NewEnumerator(Grid{Width: 1000, Height: 300}, Config{})
	rows, cols := e.Layout()
	if rows != 2 || cols != 4 {
		t.Errorf("got %dx%d, want 2x4", rows, cols)
	}
}

func TestEnumeratorExhausts(t *testing.T) {
	e := NewEnumerator(Grid{Width: 10, Height: 10}, Config{BlockWidth: 4, BlockHeight: 4})
	n := 0
	for {
		if _, ok := e.Next(); !ok {
			break
		}
		n++
	}
	if got, want := n, e.Len(); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if _, ok := e.Next(); ok {
		t.Error("enumerator restarted")
	}
}

func TestDeterministic(t *testing.T) {
	g := Grid{Width: 517, Height: 333}
	c := Config{BlockWidth: 64, BlockHeight: 100, Overlap: 3}
	a, b := Specs(g, c), Specs(g, c)
	if len(a) != len(b) {
		t.Fatal("length mismatch")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("spec %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestValidate(t *testing.T) {
	for _, c := range []Config{
		{BlockWidth: -1},
		{BlockHeight: -4},
		{Overlap: -1},
	} {
		if err := c.Validate(); !errors.Is(errors.Invalid, err) {
			t.Errorf("%+v: got %v, want invalid", c, err)
		}
	}
	if err := (Config{BlockWidth: 10, BlockHeight: 10, Overlap: 5}).Validate(); err != nil {
		t.Error(err)
	}
}

// TestTiling checks that the core windows of the block specs tile
// the grid exactly: every pixel is covered by exactly one block.
func TestTiling(t *testing.T) {
	fz := fuzz.NewWithSeed(12345)
	for i := 0; i < 200; i++ {
		var w, h, bw, bh, overlap uint8
		fz.Fuzz(&w)
		fz.Fuzz(&h)
		fz.Fuzz(&bw)
		fz.Fuzz(&bh)
		fz.Fuzz(&overlap)
		g := Grid{Width: int(w) + 1, Height: int(h) + 1}
		c := Config{BlockWidth: int(bw)%40 + 1, BlockHeight: int(bh)%40 + 1, Overlap: int(overlap) % 5}
		counts := make([]int, g.Width*g.Height)
		for _, s := range Specs(g, c) {
			if s.Window.Intersect(g.Extent()) != s.Window {
				t.Fatalf("%v: window %v outside grid %dx%d", c, s.Window, g.Width, g.Height)
			}
			for y := s.Window.Y; y < s.Window.Y+s.Window.Height; y++ {
				for x := s.Window.X; x < s.Window.X+s.Window.Width; x++ {
					counts[y*g.Width+x]++
				}
			}
		}
		for j, n := range counts {
			if n != 1 {
				t.Fatalf("grid %dx%d config %+v: pixel %d covered %d times", g.Width, g.Height, c, j, n)
			}
		}
	}
}
