// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Rasterapply is a rasterslice demo program that applies one of a
// small set of pixel functions to raw rasters. Inputs may reside
// locally or on S3; outputs are local files:
//
//	rasterapply -func=scale -factor=0.5 -read-workers=2 -compute-workers=4 -kind=subprocess \
//		in=s3://bucket/dem.raw out=/tmp/half.raw
//
// Arguments name the rasters bound to the function's inputs and
// outputs. Inputs must exist; every other argument names an output,
// which is created with the input's shape.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/rasterslice"
	"github.com/grailbio/rasterslice/exec"
	"github.com/grailbio/rasterslice/grid"
	"github.com/grailbio/rasterslice/rastercmd"
	"github.com/grailbio/rasterslice/raster/rawfile"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
	rasterslice.RegisterAux(&params{})
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `usage: rasterapply [flags] name=path...

Rasterapply applies a pixel function to raw rasters. The functions are:

	scale   out = in*factor + offset
	ndvi    out = (nir-red) / (nir+red)
	smooth  out = mean of in over a (2*overlap+1)-pixel square

The flags are:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	var (
		fn        = flag.String("func", "scale", "function to apply: scale, ndvi or smooth")
		factor    = flag.Float64("factor", 1, "scale factor")
		offset    = flag.Float64("offset", 0, "scale offset")
		blockSize = flag.Int("block-size", grid.DefaultBlockSize, "block width and height")
		overlap   = flag.Int("overlap", 0, "block overlap; the radius of smooth")
	)
	flag.Usage = usage
	rastercmd.Main(func(sess *exec.Session, args []string) error {
		if len(args) == 0 {
			flag.Usage()
		}
		ctx := context.Background()
		f, err := rasterslice.LookupFunc("rasterapply." + *fn)
		if err != nil {
			return err
		}
		job := &exec.Job{
			Func:    f,
			Driver:  rawfile.Name,
			Inputs:  make(map[string]string),
			Outputs: make(map[string]string),
			Aux:     &params{Factor: *factor, Offset: *offset},
			Blocks: grid.Config{
				BlockWidth:  *blockSize,
				BlockHeight: *blockSize,
				Overlap:     *overlap,
			},
		}
		for _, arg := range args {
			parts := strings.SplitN(arg, "=", 2)
			if len(parts) != 2 {
				return fmt.Errorf("argument %q is not in name=path format", arg)
			}
			name, path := parts[0], parts[1]
			if _, err := rawfile.ReadHeader(ctx, path); err == nil {
				job.Inputs[name] = path
			} else {
				job.Outputs[name] = path
			}
		}
		res, err := sess.Apply(ctx, job)
		if err != nil {
			return err
		}
		var total params
		for _, aux := range res.Aux {
			total.merge(aux.(*params))
		}
		if total.Count > 0 {
			log.Printf("%d blocks, %d pixels, mean output %g", res.Blocks, total.Count, total.Sum/float64(total.Count))
		}
		if len(res.Failed) > 0 {
			log.Printf("lost workers: %s", strings.Join(res.Failed, ", "))
		}
		fmt.Print(res.Report())
		return nil
	})
}
