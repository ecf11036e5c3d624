// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/wire"
)

// helloTimeout bounds the time between accepting a connection and
// receiving the worker's hello.
const helloTimeout = time.Minute

// A coordinator serves remote compute workers. It accepts one
// connection per worker, hands the worker its setup and then feeds
// it work from a source, pushing the worker's results to the output
// buffer. Each connection is served by its own goroutine, so a slow
// or stuck worker blocks only its own connection.
type coordinator struct {
	ln      net.Listener
	addr    wire.Address
	setup   wire.Setup
	src     source
	out     *Buffer
	handles map[string]*WorkerHandle
	// single limits each worker to one block.
	single bool

	mu      sync.Mutex
	closing bool
	conns   map[net.Conn]bool
	wg      sync.WaitGroup
}

// newCoordinator listens on a port chosen according to the provided
// configuration and returns a coordinator serving the given handles.
func newCoordinator(c Config, setup wire.Setup, src source, out *Buffer, handles []*WorkerHandle) (*coordinator, error) {
	ln, err := listen(c.PortRange)
	if err != nil {
		return nil, err
	}
	host := c.AdvertiseHost
	if host == "" {
		if host, err = os.Hostname(); err != nil {
			ln.Close()
			return nil, errors.E(errors.Net, "coordinator: determine host name", err)
		}
	}
	port := ln.Addr().(*net.TCPAddr).Port
	co := &coordinator{
		ln: ln,
		addr: wire.Address{
			HostPort: net.JoinHostPort(host, strconv.Itoa(port)),
			Token:    uuid.New().String(),
		},
		setup:   setup,
		src:     src,
		out:     out,
		handles: make(map[string]*WorkerHandle),
		single:  c.SingleBlock,
		conns:   make(map[net.Conn]bool),
	}
	for _, h := range handles {
		co.handles[h.Name] = h
	}
	return co, nil
}

// listen listens on the first free port of the inclusive range, or
// on an ephemeral port if the range is zero.
func listen(ports [2]int) (net.Listener, error) {
	if ports[0] == 0 {
		ln, err := net.Listen("tcp", ":0")
		if err != nil {
			return nil, errors.E(errors.Net, "coordinator: listen", err)
		}
		return ln, nil
	}
	var last error
	for port := ports[0]; port <= ports[1]; port++ {
		ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
		if err == nil {
			return ln, nil
		}
		last = err
	}
	return nil, errors.E(errors.Net, fmt.Sprintf("coordinator: no free port in range %d-%d", ports[0], ports[1]), last)
}

// Addr returns the address to which workers connect.
func (co *coordinator) Addr() wire.Address {
	return co.addr
}

// Serve accepts worker connections until the coordinator stops
// accepting. Each connection is served in its own goroutine.
func (co *coordinator) Serve(ctx context.Context) {
	for {
		conn, err := co.ln.Accept()
		co.mu.Lock()
		if err != nil {
			if !co.closing {
				log.Error.Printf("coordinator: accept: %v", err)
			}
			co.mu.Unlock()
			return
		}
		if co.closing {
			co.mu.Unlock()
			conn.Close()
			return
		}
		co.conns[conn] = true
		co.wg.Add(1)
		co.mu.Unlock()
		go func() {
			defer co.wg.Done()
			co.serveConn(ctx, conn)
			co.mu.Lock()
			delete(co.conns, conn)
			co.mu.Unlock()
		}()
	}
}

// StopAccepting closes the listener. Workers that have not yet
// connected are refused from then on; established connections are
// unaffected.
func (co *coordinator) StopAccepting() {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.closing {
		return
	}
	co.closing = true
	co.ln.Close()
}

// Close stops accepting, closes every open connection and waits for
// their handlers to return.
func (co *coordinator) Close() {
	co.StopAccepting()
	co.mu.Lock()
	for conn := range co.conns {
		conn.Close()
	}
	co.mu.Unlock()
	co.wg.Wait()
}

func (co *coordinator) serveConn(ctx context.Context, nc net.Conn) {
	defer nc.Close()
	c := wire.NewConn(nc)
	c.Compress = co.setup.Compress
	if err := nc.SetReadDeadline(time.Now().Add(helloTimeout)); err != nil {
		log.Error.Printf("coordinator: %s: %v", nc.RemoteAddr(), err)
		return
	}
	var hello wire.Hello
	if err := c.RecvType(wire.Data, &hello); err != nil {
		log.Error.Printf("coordinator: %s: handshake: %v", nc.RemoteAddr(), err)
		return
	}
	if hello.Token != co.addr.Token {
		log.Error.Printf("coordinator: %s: rejected connection with bad token", nc.RemoteAddr())
		return
	}
	h := co.handles[hello.Worker]
	co.mu.Lock()
	ok := !co.closing && h != nil && h.connect()
	co.mu.Unlock()
	if !ok {
		log.Error.Printf("coordinator: %s: rejected worker %q", nc.RemoteAddr(), hello.Worker)
		return
	}
	if err := nc.SetReadDeadline(time.Time{}); err != nil {
		h.Fail(connError(h, err))
		return
	}
	log.Debug.Printf("coordinator: worker %s connected from %s (pid %d)", h.Name, hello.Host, hello.PID)
	if err := co.work(ctx, c, h); err != nil {
		h.Fail(err)
	}
}

func connError(h *WorkerHandle, err error) error {
	return (&rasterslice.Error{Kind: rasterslice.ErrConnection, Err: err}).WithWorker(h.Name)
}

// lost fails h after the connection to its worker failed, and then
// returns the unfinished block set bs to the source. The handle must
// fail first: if h was the run's last worker, the failure cancels ctx,
// which releases a Return waiting on a full buffer.
func (co *coordinator) lost(ctx context.Context, h *WorkerHandle, bs *rasterslice.BlockSet, err error) error {
	err = connError(h, err)
	h.Fail(err)
	if rerr := co.src.Return(ctx, bs); rerr != nil {
		log.Error.Printf("coordinator: return %s: %v", bs.Spec, rerr)
	}
	return err
}

// work runs the protocol with a connected worker: setup, then work
// until the source is exhausted, then shutdown.
func (co *coordinator) work(ctx context.Context, c *wire.Conn, h *WorkerHandle) error {
	setup := co.setup
	if err := c.Send(wire.AuxState, &setup); err != nil {
		return connError(h, err)
	}
	h.Set(HandleRunning)
	var (
		n        int
		received int64
	)
	for !co.single || n == 0 {
		bs, err := co.src.Pop(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return rasterslice.WrapError(rasterslice.ErrOther, err)
		}
		if err := c.Send(wire.Data, &wire.Work{Spec: bs.Spec, Blocks: bs.Blocks}); err != nil {
			return co.lost(ctx, h, bs, err)
		}
		typ, payload, err := c.Recv()
		if err != nil {
			return co.lost(ctx, h, bs, err)
		}
		switch typ {
		case wire.Data:
			var res wire.Result
			if err := wire.Decode(payload, &res); err != nil {
				return co.lost(ctx, h, bs, err)
			}
			if err := co.out.Push(ctx, &rasterslice.BlockSet{Spec: bs.Spec, Blocks: res.Blocks}); err != nil {
				return rasterslice.WrapError(rasterslice.ErrOther, err)
			}
			co.src.Done()
		case wire.Exception:
			var f wire.Failure
			if err := wire.Decode(payload, &f); err != nil {
				return co.lost(ctx, h, bs, err)
			}
			return f.Err(h.Name)
		default:
			return co.lost(ctx, h, bs, errors.E(errors.Integrity, fmt.Sprintf("unexpected %s frame", typ)))
		}
		n++
		received += int64(len(payload))
		h.Status.Printf("%s: %d blocks, %s received", HandleRunning, n, data.Size(received))
	}
	if err := c.Send(wire.Shutdown, nil); err != nil {
		return connError(h, err)
	}
	var final wire.Final
	if err := c.RecvType(wire.AuxState, &final); err != nil {
		return connError(h, err)
	}
	aux, err := rasterslice.DecodeAux(final.Aux)
	if err != nil {
		return connError(h, err)
	}
	log.Debug.Printf("coordinator: worker %s drained after %d blocks in %s", h.Name, n, final.Elapsed)
	h.finish(aux, final.Timers)
	return nil
}
