// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package exec

import (
	"context"
	"io"
)

// readLoop runs one read worker: it claims block specs from cur,
// decodes their read windows with rd and pushes the resulting block
// sets to out, until every block has been claimed and completed.
func readLoop(ctx context.Context, cur *cursor, rd *blockReader, out *Buffer) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		claim, err := cur.Pop(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		bs, err := rd.Read(ctx, claim.Spec)
		if err != nil {
			return err
		}
		if err := out.Push(ctx, bs); err != nil {
			return err
		}
		cur.Done()
	}
}
