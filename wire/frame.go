// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package wire implements the protocol spoken between a rasterslice
// coordinator and its remote compute workers.
//
// The unit of exchange is a frame:
//
//	length   uint32, big endian: number of payload bytes
//	tag      uint8: frame type; the high bit marks a zstd-compressed payload
//	checksum uint64, big endian: murmur3 hash of the payload as sent
//	payload  gob-encoded message
//
// A session begins with the worker sending DATA(Hello). The
// coordinator answers AUX_STATE(Setup), then alternates sending
// DATA(Work) and receiving DATA(Result) or EXCEPTION(Failure). When no
// work remains the coordinator sends SHUTDOWN and the worker replies
// AUX_STATE(Final) before closing the connection.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"io/ioutil"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/spaolacci/murmur3"
)

// Type is the type of a frame.
type Type uint8

const (
	// Data frames carry work to a worker and results back.
	Data Type = iota + 1
	// Exception frames carry a worker-side failure.
	Exception
	// AuxState frames carry the setup and final auxiliary state.
	AuxState
	// Shutdown tells a worker that no more work will be sent.
	Shutdown
)

const compressedFlag = 0x80

// MaxFrameSize is the largest payload accepted by ReadFrame.
const MaxFrameSize = 1 << 30

const headerSize = 4 + 1 + 8

var typeNames = map[Type]string{
	Data:      "DATA",
	Exception: "EXCEPTION",
	AuxState:  "AUX_STATE",
	Shutdown:  "SHUTDOWN",
}

func (t Type) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("Type(%d)", uint8(t))
}

// WriteFrame writes a single frame of the given type. If compress is
// true, the payload is zstd-compressed.
func WriteFrame(w io.Writer, typ Type, payload []byte, compress bool) error {
	tag := uint8(typ)
	if compress && len(payload) > 0 {
		var b bytes.Buffer
		zw, err := zstd.NewWriter(&b)
		if err != nil {
			return err
		}
		if _, err := zw.Write(payload); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		payload = b.Bytes()
		tag |= compressedFlag
	}
	if len(payload) > MaxFrameSize {
		return errors.E(errors.Invalid, fmt.Sprintf("wire: frame of %d bytes exceeds maximum", len(payload)))
	}
	var hdr [headerSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = tag
	binary.BigEndian.PutUint64(hdr[5:13], murmur3.Sum64(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a single frame, returning its type and
// (uncompressed) payload. Malformed frames are reported as
// errors.Integrity errors.
func ReadFrame(r io.Reader) (Type, []byte, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if n > MaxFrameSize {
		return 0, nil, errors.E(errors.Integrity, fmt.Sprintf("wire: frame length %d exceeds maximum", n))
	}
	tag := hdr[4]
	typ := Type(tag &^ compressedFlag)
	if _, ok := typeNames[typ]; !ok {
		return 0, nil, errors.E(errors.Integrity, fmt.Sprintf("wire: invalid frame type %d", tag))
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, err
	}
	if sum := binary.BigEndian.Uint64(hdr[5:13]); murmur3.Sum64(payload) != sum {
		return 0, nil, errors.E(errors.Integrity, "wire: frame checksum mismatch")
	}
	if tag&compressedFlag != 0 {
		zr, err := zstd.NewReader(bytes.NewReader(payload))
		if err != nil {
			return 0, nil, errors.E(errors.Integrity, "wire: bad compressed frame", err)
		}
		payload, err = ioutil.ReadAll(zr)
		zr.Close()
		if err != nil {
			return 0, nil, errors.E(errors.Integrity, "wire: bad compressed frame", err)
		}
	}
	return typ, payload, nil
}
