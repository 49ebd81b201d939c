package operator

import (
	"context"
	"time"

	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// CrossJoin emits the Cartesian product of its inputs, one output chunk
// per (left, right) chunk pair. Within a chunk the right side varies
// fastest.
type CrossJoin struct {
	base
	left, right  Operator
	lp, rp       string
	ldims, rdims map[string]*types.Dimension
}

// NewCrossJoin builds the product schema with prefixed element names.
func NewCrossJoin(left, right Operator, names JoinNames, opts Options) (*CrossJoin, error) {
	ls, rs := left.Schema(), right.Schema()
	lp, rp, err := names.resolve(ls, rs)
	if err != nil {
		return nil, err
	}
	out, ldims, rdims := joinSchema(ls.Name+"_x_"+rs.Name, ls, rs, lp, rp, nil)
	c := &CrossJoin{left: left, right: right, lp: lp, rp: rp, ldims: ldims, rdims: rdims}
	c.base = newBase("cross_join", out, opts)
	bind(c)
	return c, nil
}

// GenerateChunk combines the next chunk pairs in parallel.
func (c *CrossJoin) GenerateChunk(ctx context.Context, batchStart int) error {
	started := time.Now()
	cur, err := resumeCursor(c.out, c.left.Output(), c.right.Output(), batchStart, c.name)
	if err != nil {
		return err
	}
	lanes := make([]lane, 0, c.opts.ChunksPerBatch)
	for len(lanes) < c.opts.ChunksPerBatch {
		l, r, li, ri, ok, err := cur.next(ctx)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		lanes = append(lanes, lane{input: l, other: r, inIdx: li, othIdx: ri})
	}
	if len(lanes) == 0 {
		return nil
	}

	results, err := c.runLanes(ctx, len(lanes), func(ctx context.Context, i int) (*subtar.Subtar, error) {
		return c.product(lanes[i].input, lanes[i].other)
	})
	if err != nil {
		return err
	}
	n := c.publish(batchStart, lanes, results, started, recordPairs(c.out))
	cur.mark(c.out, batchStart+n)
	return nil
}

func (c *CrossJoin) product(l, r *subtar.Subtar) (*subtar.Subtar, error) {
	lf, rf := l.FilledLength(), r.FilledLength()
	store := c.opts.Store
	out := subtar.New(c.schema)

	// Layout formulas compose only when both sides are products of their
	// axes; otherwise every axis is stretched per row.
	total := l.HasTotal() || r.HasTotal()
	for _, sp := range l.Specs() {
		dim := c.ldims[sp.Name()]
		if !total {
			out.AddSpec(sp.AlterDimension(dim).AlterAdjacency(sp.Adjacency() * int64(rf)))
			continue
		}
		reals, err := sp.Materialize(lf)
		if err != nil {
			return nil, err
		}
		stretched, err := store.Stretch(reals, rf, 1)
		if err != nil {
			return nil, c.storageErr("stretch", err)
		}
		t, err := subtar.NewTotal(dim, stretched)
		if err != nil {
			return nil, err
		}
		out.AddSpec(t)
	}
	for _, sp := range r.Specs() {
		dim := c.rdims[sp.Name()]
		if !total {
			out.AddSpec(sp.AlterDimension(dim))
			continue
		}
		reals, err := sp.Materialize(rf)
		if err != nil {
			return nil, err
		}
		stretched, err := store.Stretch(reals, 1, lf)
		if err != nil {
			return nil, c.storageErr("stretch", err)
		}
		t, err := subtar.NewTotal(dim, stretched)
		if err != nil {
			return nil, err
		}
		out.AddSpec(t)
	}

	for _, name := range l.AttributeNames() {
		col, _ := l.Attribute(name)
		s, err := store.Stretch(col, rf, 1)
		if err != nil {
			return nil, c.storageErr("stretch", err)
		}
		out.SetAttribute(c.lp+name, s)
	}
	for _, name := range r.AttributeNames() {
		col, _ := r.Attribute(name)
		s, err := store.Stretch(col, 1, lf)
		if err != nil {
			return nil, c.storageErr("stretch", err)
		}
		out.SetAttribute(c.rp+name, s)
	}
	return out, nil
}
