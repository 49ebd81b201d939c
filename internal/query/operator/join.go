package operator

import (
	"context"
	"fmt"

	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/generator"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// JoinNames controls how the elements of the two join inputs are renamed
// in the output. Empty prefixes default to "<tar name>.".
type JoinNames struct {
	LeftPrefix  string
	RightPrefix string
}

func (n JoinNames) resolve(left, right *types.TAR) (string, string, error) {
	lp, rp := n.LeftPrefix, n.RightPrefix
	if lp == "" {
		lp = left.Name + "."
	}
	if rp == "" {
		rp = right.Name + "."
	}
	if lp == rp {
		return "", "", tarerrors.Configf(tarerrors.CodeInvalidParameter,
			"join: both inputs would be prefixed with %q; set distinct prefixes", lp)
	}
	return lp, rp, nil
}

// joinSchema builds the output schema of a join. Dimensions are renamed
// copies; skip names right-hand dimensions merged into their left partners.
func joinSchema(name string, left, right *types.TAR, lp, rp string, skip map[string]bool) (*types.TAR, map[string]*types.Dimension, map[string]*types.Dimension) {
	out := &types.TAR{Name: name}
	ldims := make(map[string]*types.Dimension)
	rdims := make(map[string]*types.Dimension)
	for _, d := range left.Dimensions {
		c := d.Clone()
		c.Name = lp + d.Name
		out.Dimensions = append(out.Dimensions, c)
		ldims[d.Name] = c
	}
	for _, d := range right.Dimensions {
		if skip[d.Name] {
			continue
		}
		c := d.Clone()
		c.Name = rp + d.Name
		out.Dimensions = append(out.Dimensions, c)
		rdims[d.Name] = c
	}
	for _, a := range left.Attributes {
		out.Attributes = append(out.Attributes, types.Attribute{Name: lp + a.Name, Type: a.Type})
	}
	for _, a := range right.Attributes {
		out.Attributes = append(out.Attributes, types.Attribute{Name: rp + a.Name, Type: a.Type})
	}
	return out, ldims, rdims
}

// pairCursor walks the (left, right) chunk pairs of a join in left-major
// order. Right chunks are re-read for every left chunk and are therefore
// never disposed by the join.
type pairCursor struct {
	left, right *generator.Generator
	l, r        int
	leftChunk   *subtar.Subtar
	leftIdx     int
	done        bool
}

// resume positions the cursor at the pair recorded for batchStart.
func resumeCursor(out, left, right *generator.Generator, batchStart int, name string) (*pairCursor, error) {
	c := &pairCursor{left: left, right: right, leftIdx: -1}
	if batchStart == 0 {
		return c, nil
	}
	l, okL := out.GetIndexMapping(generator.ChannelLeft, batchStart)
	r, okR := out.GetIndexMapping(generator.ChannelRight, batchStart)
	if !okL || !okR {
		return nil, tarerrors.NewInternalError(fmt.Sprintf("%s: no input position recorded for chunk %d", name, batchStart), nil)
	}
	c.l, c.r = l, r
	return c, nil
}

// next returns the next pair, or ok=false once the left side is exhausted.
// Completed left chunks are disposed as the cursor moves past them.
func (c *pairCursor) next(ctx context.Context) (l, r *subtar.Subtar, li, ri int, ok bool, err error) {
	for !c.done {
		if c.leftIdx != c.l {
			if c.leftChunk, err = c.left.GetChunk(ctx, c.l); err != nil {
				return nil, nil, 0, 0, false, err
			}
			c.leftIdx = c.l
		}
		if c.leftChunk == nil {
			c.done = true
			break
		}
		var rc *subtar.Subtar
		if rc, err = c.right.GetChunk(ctx, c.r); err != nil {
			return nil, nil, 0, 0, false, err
		}
		if rc == nil {
			if c.r == 0 {
				// Empty right side: nothing can ever be joined.
				c.done = true
				break
			}
			c.left.DisposeIfExhausted(c.l)
			c.l++
			c.r = 0
			continue
		}
		li, ri = c.l, c.r
		c.r++
		return c.leftChunk, rc, li, ri, true, nil
	}
	return nil, nil, 0, 0, false, nil
}

// recordPairs stores the pair every output index came from.
func recordPairs(out *generator.Generator) func(index int, l lane) {
	return func(index int, l lane) {
		out.SetIndexMapping(generator.ChannelLeft, index, l.inIdx)
		out.SetIndexMapping(generator.ChannelRight, index, l.othIdx)
	}
}

// mark records the pair the cursor will resume at for index.
func (c *pairCursor) mark(out *generator.Generator, index int) {
	out.SetIndexMapping(generator.ChannelLeft, index, c.l)
	out.SetIndexMapping(generator.ChannelRight, index, c.r)
}
