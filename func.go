// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rasterslice

import (
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// A UserFunc computes the output blocks of a single block from its
// input blocks. The function receives read-only metadata describing
// the block and the worker's private auxiliary state, which it may
// mutate freely: no other worker sees it.
//
// UserFuncs are invoked concurrently by independent workers and must
// not depend on shared mutable globals.
type UserFunc func(info *Info, in Blocks, aux interface{}) (Blocks, error)

var (
	// funcs is the global registry of funcs. Remote workers look up
	// the func to run by name, so all funcs must be registered by
	// every binary that can act as a worker, typically during
	// package initialization.
	funcsMu sync.Mutex
	funcs   = map[string]*Func{}
)

// A Func is a registered, named user function.
type Func struct {
	name string
	fn   UserFunc
}

// RegisterFunc registers fn under the provided name. Funcs should be
// registered during package initialization so that worker processes
// running the same binary see the same set:
//
//	var Sum = rasterslice.RegisterFunc("sum", func(info *rasterslice.Info, in rasterslice.Blocks, aux interface{}) (rasterslice.Blocks, error) {
//		...
//	})
//
// RegisterFunc panics if the name is already in use.
func RegisterFunc(name string, fn UserFunc) *Func {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	if _, ok := funcs[name]; ok {
		log.Panicf("rasterslice.RegisterFunc: func %s is already registered", name)
	}
	f := &Func{name: name, fn: fn}
	funcs[name] = f
	return f
}

// LookupFunc returns the func registered with the provided name.
func LookupFunc(name string) (*Func, error) {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	f, ok := funcs[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("func %q is not registered", name))
	}
	return f, nil
}

// FuncNames returns the names of all registered funcs, sorted.
func FuncNames() []string {
	funcsMu.Lock()
	defer funcsMu.Unlock()
	names := make([]string, 0, len(funcs))
	for name := range funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Name returns the name under which f is registered.
func (f *Func) Name() string { return f.name }

// Invoke calls the user function. Panics are recovered and returned
// as errors of kind ErrCompute, as are errors returned by the
// function itself.
func (f *Func) Invoke(info *Info, in Blocks, aux interface{}) (out Blocks, err error) {
	defer func() {
		if e := recover(); e != nil {
			err = &Error{
				Kind:  ErrCompute,
				Block: &info.Spec,
				Err:   fmt.Errorf("panic in %s: %v\n%s", f.name, e, debug.Stack()),
			}
		}
	}()
	out, err = f.fn(info, in, aux)
	if err != nil {
		return nil, (&Error{Kind: ErrCompute, Err: err}).WithBlock(info.Spec)
	}
	return out, nil
}
