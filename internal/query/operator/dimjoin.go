package operator

import (
	"context"
	"time"

	"github.com/tardb/tardb/internal/column"
	tarerrors "github.com/tardb/tardb/internal/errors"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// JoinPair equates a left dimension with a right dimension.
type JoinPair struct {
	Left  string
	Right string
}

// DimJoin joins two arrays on equal logical coordinates of paired
// dimensions. The joined right dimensions are merged into their left
// partners in the output.
type DimJoin struct {
	base
	left, right  Operator
	pairs        []JoinPair
	lp, rp       string
	ldims, rdims map[string]*types.Dimension
}

// NewDimJoin validates the join pairs against both schemas.
func NewDimJoin(left, right Operator, pairs []JoinPair, names JoinNames, opts Options) (*DimJoin, error) {
	ls, rs := left.Schema(), right.Schema()
	if len(pairs) == 0 {
		return nil, tarerrors.NewConfigError(tarerrors.CodeInvalidParameter, "dimjoin: at least one dimension pair is required")
	}
	skip := make(map[string]bool)
	usedLeft := make(map[string]bool)
	for _, p := range pairs {
		ld, rd := ls.GetDimension(p.Left), rs.GetDimension(p.Right)
		if ld == nil {
			return nil, tarerrors.Configf(tarerrors.CodeUnknownElement, "dimjoin: %s is not a dimension of %s", p.Left, ls.Name)
		}
		if rd == nil {
			return nil, tarerrors.Configf(tarerrors.CodeUnknownElement, "dimjoin: %s is not a dimension of %s", p.Right, rs.Name)
		}
		if usedLeft[p.Left] || skip[p.Right] {
			return nil, tarerrors.Configf(tarerrors.CodeInvalidParameter, "dimjoin: dimension used in more than one pair")
		}
		if ld.Type.Numeric() != rd.Type.Numeric() {
			return nil, tarerrors.Configf(tarerrors.CodeTypeMismatch, "dimjoin: %s and %s have incompatible types", p.Left, p.Right)
		}
		usedLeft[p.Left] = true
		skip[p.Right] = true
	}
	lp, rp, err := names.resolve(ls, rs)
	if err != nil {
		return nil, err
	}
	out, ldims, rdims := joinSchema(ls.Name+"_join_"+rs.Name, ls, rs, lp, rp, skip)
	j := &DimJoin{left: left, right: right, pairs: pairs, lp: lp, rp: rp, ldims: ldims, rdims: rdims}
	j.base = newBase("dim_join", out, opts)
	bind(j)
	return j, nil
}

// candidate reports whether the bounding boxes of a pair of chunks overlap
// on every joined dimension.
func (j *DimJoin) candidate(l, r *subtar.Subtar) bool {
	for _, p := range j.pairs {
		ls, okL := l.Spec(p.Left)
		rs, okR := r.Spec(p.Right)
		if okL && okR && !ls.Intersects(rs) {
			return false
		}
	}
	return true
}

// GenerateChunk joins the next candidate pairs. Pairs whose join produces
// no rows are dropped and the results are compacted, so the batch keeps
// pulling pairs until something is published or the inputs are exhausted.
func (j *DimJoin) GenerateChunk(ctx context.Context, batchStart int) error {
	started := time.Now()
	cur, err := resumeCursor(j.out, j.left.Output(), j.right.Output(), batchStart, j.name)
	if err != nil {
		return err
	}
	for {
		lanes := make([]lane, 0, j.opts.ChunksPerBatch)
		for len(lanes) < j.opts.ChunksPerBatch {
			l, r, li, ri, ok, err := cur.next(ctx)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			if !j.candidate(l, r) {
				continue
			}
			lanes = append(lanes, lane{input: l, other: r, inIdx: li, othIdx: ri})
		}
		if len(lanes) == 0 {
			return nil
		}

		results, err := j.runLanes(ctx, len(lanes), func(ctx context.Context, i int) (*subtar.Subtar, error) {
			return j.join(lanes[i].input, lanes[i].other)
		})
		if err != nil {
			return err
		}
		n := j.publish(batchStart, lanes, results, started, recordPairs(j.out))
		cur.mark(j.out, batchStart+n)
		if n > 0 || cur.done {
			return nil
		}
	}
}

func (j *DimJoin) join(l, r *subtar.Subtar) (*subtar.Subtar, error) {
	if out, ok := j.aligned(l, r); ok {
		return out, nil
	}

	store := j.opts.Store
	keysL := make([]*column.Column, len(j.pairs))
	keysR := make([]*column.Column, len(j.pairs))
	for i, p := range j.pairs {
		var err error
		if keysL[i], err = j.logical(l, p.Left); err != nil {
			return nil, err
		}
		if keysR[i], err = j.logical(r, p.Right); err != nil {
			return nil, err
		}
	}
	mapL, mapR, err := store.Match(keysL, keysR)
	if err != nil {
		return nil, j.storageErr("match", err)
	}
	if len(mapL) == 0 {
		return nil, nil
	}

	out := subtar.New(j.schema)
	lf, rf := l.FilledLength(), r.FilledLength()
	for _, sp := range l.Specs() {
		reals, err := sp.Materialize(lf)
		if err != nil {
			return nil, err
		}
		g, err := store.Gather(reals, mapL)
		if err != nil {
			return nil, j.storageErr("gather", err)
		}
		t, err := subtar.NewTotal(j.ldims[sp.Name()], g)
		if err != nil {
			return nil, err
		}
		out.AddSpec(t)
	}
	for _, sp := range r.Specs() {
		dim, kept := j.rdims[sp.Name()]
		if !kept {
			continue
		}
		reals, err := sp.Materialize(rf)
		if err != nil {
			return nil, err
		}
		g, err := store.Gather(reals, mapR)
		if err != nil {
			return nil, j.storageErr("gather", err)
		}
		t, err := subtar.NewTotal(dim, g)
		if err != nil {
			return nil, err
		}
		out.AddSpec(t)
	}
	for _, name := range l.AttributeNames() {
		col, _ := l.Attribute(name)
		g, err := store.Gather(col, mapL)
		if err != nil {
			return nil, j.storageErr("gather", err)
		}
		out.SetAttribute(j.lp+name, g)
	}
	for _, name := range r.AttributeNames() {
		col, _ := r.Attribute(name)
		g, err := store.Gather(col, mapR)
		if err != nil {
			return nil, j.storageErr("gather", err)
		}
		out.SetAttribute(j.rp+name, g)
	}
	return out, nil
}

func (j *DimJoin) logical(chunk *subtar.Subtar, dim string) (*column.Column, error) {
	reals, err := chunk.Materialize(dim)
	if err != nil {
		return nil, err
	}
	sp, _ := chunk.Spec(dim)
	c, err := j.opts.Store.Real2Logical(sp.Dimension(), reals)
	if err != nil {
		return nil, j.storageErr("real2logical", err)
	}
	return c, nil
}

// aligned handles chunks made only of the joined axes, laid out in the same
// order over the same coordinates: rows already correspond one to one.
func (j *DimJoin) aligned(l, r *subtar.Subtar) (*subtar.Subtar, bool) {
	ls, rs := l.Specs(), r.Specs()
	if len(ls) != len(j.pairs) || len(rs) != len(j.pairs) {
		return nil, false
	}
	for i, p := range j.pairs {
		a, b := ls[i], rs[i]
		if a.Name() != p.Left || b.Name() != p.Right {
			return nil, false
		}
		if a.Kind() != subtar.Ordered || b.Kind() != subtar.Ordered {
			return nil, false
		}
		if !a.Dimension().SameGeometry(b.Dimension()) || a.Lower() != b.Lower() || a.Upper() != b.Upper() || a.Adjacency() != b.Adjacency() {
			return nil, false
		}
	}

	out := subtar.New(j.schema)
	specs := make([]subtar.DimSpec, len(ls))
	for i, sp := range ls {
		specs[i] = sp.AlterDimension(j.ldims[sp.Name()])
	}
	out.SetSpecs(subtar.AdjustSpecs(specs))
	for _, name := range l.AttributeNames() {
		col, _ := l.Attribute(name)
		out.SetAttribute(j.lp+name, col)
	}
	for _, name := range r.AttributeNames() {
		col, _ := r.Attribute(name)
		out.SetAttribute(j.rp+name, col)
	}
	return out, true
}
