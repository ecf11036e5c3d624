// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package wire

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
)

// Address is the network address of a coordinator together with
// the token that workers must present to it.
type Address struct {
	// HostPort is the coordinator's "host:port".
	HostPort string
	Token    string
}

// String returns the address in its "host:port,token" form.
func (a Address) String() string {
	return a.HostPort + "," + a.Token
}

// ParseAddress parses an address in "host:port,token" form.
func ParseAddress(s string) (Address, error) {
	s = strings.TrimSpace(s)
	i := strings.LastIndex(s, ",")
	if i <= 0 || i == len(s)-1 {
		return Address{}, errors.E(errors.Invalid, fmt.Sprintf("wire: malformed coordinator address %q", s))
	}
	return Address{HostPort: s[:i], Token: s[i+1:]}, nil
}

// WriteAddressFile writes the address to the marker file at path,
// which may be on any filesystem supported by package
// github.com/grailbio/base/file.
func WriteAddressFile(ctx context.Context, path string, addr Address) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	_, err = f.Writer(ctx).Write([]byte(addr.String() + "\n"))
	return err
}

// ReadAddressFile reads the address from the marker file at path.
func ReadAddressFile(ctx context.Context, path string) (Address, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return Address{}, err
	}
	defer f.Close(ctx)
	p, err := ioutil.ReadAll(f.Reader(ctx))
	if err != nil {
		return Address{}, err
	}
	return ParseAddress(string(p))
}

var pollPolicy = retry.Backoff(100*time.Millisecond, 5*time.Second, 1.5)

// WaitAddressFile waits for the marker file at path to appear and
// returns the address it contains. Local files are watched for
// creation; other filesystems are polled.
func WaitAddressFile(ctx context.Context, path string) (Address, error) {
	if strings.Contains(path, "://") {
		return pollAddressFile(ctx, path)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Error.Printf("wire: cannot watch %s, polling instead: %v", path, err)
		return pollAddressFile(ctx, path)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return Address{}, err
	}
	// The file may have been written before the watch was set up.
	if addr, err := ReadAddressFile(ctx, path); err == nil {
		return addr, nil
	}
	want := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return Address{}, ctx.Err()
		case err, ok := <-watcher.Errors:
			if !ok {
				return Address{}, errors.E("wire: watcher closed")
			}
			log.Error.Printf("wire: watch %s: %v", path, err)
		case event, ok := <-watcher.Events:
			if !ok {
				return Address{}, errors.E("wire: watcher closed")
			}
			if filepath.Clean(event.Name) != want {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			addr, err := ReadAddressFile(ctx, path)
			if err == nil {
				return addr, nil
			}
			log.Debug.Printf("wire: marker file %s not ready: %v", path, err)
		}
	}
}

func pollAddressFile(ctx context.Context, path string) (Address, error) {
	for retries := 0; ; retries++ {
		addr, err := ReadAddressFile(ctx, path)
		if err == nil {
			return addr, nil
		}
		if !errors.Is(errors.NotExist, err) && !os.IsNotExist(err) && !errors.Is(errors.Invalid, err) {
			return Address{}, err
		}
		if err := retry.Wait(ctx, pollPolicy, retries); err != nil {
			return Address{}, err
		}
	}
}
