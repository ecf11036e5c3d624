// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rasterslice

import (
	"bytes"
	"encoding/gob"

	"github.com/grailbio/base/errors"
)

// A Copier is auxiliary state that knows how to deep-copy itself.
// Auxiliary state that does not implement Copier is copied through
// a gob round trip.
type Copier interface {
	CopyAux() interface{}
}

// RegisterAux registers the concrete type of an auxiliary state
// value so that it can be shipped to and from remote workers. It
// should be called at init time with a value of the type passed to
// runs, for example RegisterAux(&MyState{}).
func RegisterAux(v interface{}) {
	gob.Register(v)
}

// auxEnvelope allows interface values to be gob-encoded with their
// concrete type.
type auxEnvelope struct {
	V interface{}
}

// EncodeAux serializes an auxiliary state value.
func EncodeAux(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var b bytes.Buffer
	if err := gob.NewEncoder(&b).Encode(&auxEnvelope{v}); err != nil {
		return nil, errors.E(errors.Invalid, "encode auxiliary state (is its type registered with RegisterAux?)", err)
	}
	return b.Bytes(), nil
}

// DecodeAux deserializes an auxiliary state value encoded by EncodeAux.
func DecodeAux(p []byte) (interface{}, error) {
	if len(p) == 0 {
		return nil, nil
	}
	var env auxEnvelope
	if err := gob.NewDecoder(bytes.NewReader(p)).Decode(&env); err != nil {
		return nil, errors.E(errors.Invalid, "decode auxiliary state", err)
	}
	return env.V, nil
}

// CopyAux returns a private deep copy of an auxiliary state value.
func CopyAux(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if c, ok := v.(Copier); ok {
		return c.CopyAux(), nil
	}
	p, err := EncodeAux(v)
	if err != nil {
		return nil, err
	}
	return DecodeAux(p)
}
