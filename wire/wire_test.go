// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/raster"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestFrame(t *testing.T) {
	for _, compress := range []bool{false, true} {
		var b bytes.Buffer
		payload := bytes.Repeat([]byte("raster"), 1000)
		assert.NoError(t, WriteFrame(&b, Data, payload, compress))
		assert.NoError(t, WriteFrame(&b, Shutdown, nil, compress))
		typ, p, err := ReadFrame(&b)
		assert.NoError(t, err)
		expect.EQ(t, typ, Data)
		expect.True(t, bytes.Equal(p, payload))
		typ, p, err = ReadFrame(&b)
		assert.NoError(t, err)
		expect.EQ(t, typ, Shutdown)
		expect.EQ(t, len(p), 0)
	}
}

func TestFrameCorruption(t *testing.T) {
	var b bytes.Buffer
	assert.NoError(t, WriteFrame(&b, Data, []byte("hello world"), false))
	p := b.Bytes()

	corrupt := append([]byte(nil), p...)
	corrupt[len(corrupt)-1] ^= 0xff
	_, _, err := ReadFrame(bytes.NewReader(corrupt))
	expect.True(t, errors.Is(errors.Integrity, err))

	badType := append([]byte(nil), p...)
	badType[4] = 42
	_, _, err = ReadFrame(bytes.NewReader(badType))
	expect.True(t, errors.Is(errors.Integrity, err))

	huge := append([]byte(nil), p...)
	huge[0] = 0xff
	_, _, err = ReadFrame(bytes.NewReader(huge))
	expect.True(t, errors.Is(errors.Integrity, err))

	_, _, err = ReadFrame(bytes.NewReader(p[:len(p)-3]))
	expect.True(t, err != nil)
}

func TestConn(t *testing.T) {
	a, b := net.Pipe()
	ca, cb := NewConn(a), NewConn(b)
	cb.Compress = true
	defer ca.Close()
	defer cb.Close()

	block := raster.NewBlock(raster.Uint16, 1, 2, 2)
	block.Set(0, 1, 1, 300)
	spec := grid.Spec{Index: 7, Window: grid.Window{Width: 2, Height: 2}}
	errc := make(chan error, 1)
	go func() {
		errc <- cb.Send(Data, &Result{Spec: spec, Blocks: rasterslice.Blocks{"out": block}})
	}()
	var res Result
	assert.NoError(t, ca.RecvType(Data, &res))
	assert.NoError(t, <-errc)
	expect.EQ(t, res.Spec, spec)
	expect.True(t, res.Blocks["out"].Equal(block))

	go func() { errc <- cb.Send(Shutdown, nil) }()
	err := ca.RecvType(Data, &res)
	expect.True(t, errors.Is(errors.Integrity, err))
	assert.NoError(t, <-errc)
}

func TestAddress(t *testing.T) {
	addr, err := ParseAddress("10.0.0.1:4000,abc-def\n")
	assert.NoError(t, err)
	expect.EQ(t, addr, Address{HostPort: "10.0.0.1:4000", Token: "abc-def"})
	expect.EQ(t, addr.String(), "10.0.0.1:4000,abc-def")
	for _, bad := range []string{"", "host:1", ",tok", "host:1,"} {
		if _, err := ParseAddress(bad); err == nil {
			t.Errorf("%q: expected error", bad)
		}
	}
}

func TestWaitAddressFile(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "wire")
	defer cleanup()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	path := filepath.Join(dir, "coordinator")
	want := Address{HostPort: "localhost:1234", Token: "t"}
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := WriteAddressFile(ctx, path, want); err != nil {
			t.Error(err)
		}
	}()
	got, err := WaitAddressFile(ctx, path)
	assert.NoError(t, err)
	expect.EQ(t, got, want)

	// Already present.
	got, err = WaitAddressFile(ctx, path)
	assert.NoError(t, err)
	expect.EQ(t, got, want)
}
