// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"fmt"
	"net"

	"github.com/grailbio/base/errors"
)

// Conn sends and receives gob-encoded messages in frames over a
// network connection. A Conn may be used by one reader and one
// writer concurrently.
type Conn struct {
	net.Conn
	r *bufio.Reader
	w *bufio.Writer
	// Compress enables compression of sent frames.
	Compress bool
}

// NewConn returns a Conn that communicates over c.
func NewConn(c net.Conn) *Conn {
	return &Conn{
		Conn: c,
		r:    bufio.NewReader(c),
		w:    bufio.NewWriter(c),
	}
}

// Send sends msg in a frame of type typ. A nil msg sends an empty
// frame.
func (c *Conn) Send(typ Type, msg interface{}) error {
	var payload []byte
	if msg != nil {
		var b bytes.Buffer
		if err := gob.NewEncoder(&b).Encode(msg); err != nil {
			return errors.E(errors.Invalid, fmt.Sprintf("wire: encode %s", typ), err)
		}
		payload = b.Bytes()
	}
	if err := WriteFrame(c.w, typ, payload, c.Compress); err != nil {
		return errors.E(errors.Net, fmt.Sprintf("wire: send %s", typ), err)
	}
	if err := c.w.Flush(); err != nil {
		return errors.E(errors.Net, fmt.Sprintf("wire: send %s", typ), err)
	}
	return nil
}

// Recv receives the next frame, returning its type and payload.
// The payload may be decoded with Decode.
func (c *Conn) Recv() (Type, []byte, error) {
	typ, payload, err := ReadFrame(c.r)
	if err != nil && !errors.Is(errors.Integrity, err) {
		err = errors.E(errors.Net, "wire: receive", err)
	}
	return typ, payload, err
}

// RecvType receives the next frame, requires that it is of type
// want and decodes it into msg.
func (c *Conn) RecvType(want Type, msg interface{}) error {
	typ, payload, err := c.Recv()
	if err != nil {
		return err
	}
	if typ != want {
		return errors.E(errors.Integrity, fmt.Sprintf("wire: got %s frame, want %s", typ, want))
	}
	return Decode(payload, msg)
}

// Decode decodes a frame payload into msg.
func Decode(payload []byte, msg interface{}) error {
	if err := gob.NewDecoder(bytes.NewReader(payload)).Decode(msg); err != nil {
		return errors.E(errors.Integrity, "wire: decode message", err)
	}
	return nil
}
