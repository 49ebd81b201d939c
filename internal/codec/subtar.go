package codec

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tardb/tardb/internal/column"
	"github.com/tardb/tardb/internal/subtar"
	"github.com/tardb/tardb/pkg/types"
)

// Frame layout:
//
//	4 bytes magic "TARB"
//	1 byte  format version
//	1 byte  compression
//	N bytes compressed body
//
// The body is a length-prefixed JSON header followed by length-prefixed
// column streams. Lengths are little-endian uint32.
var magic = []byte("TARB")

const formatVersion = 1

type specHeader struct {
	Dimension string `json:"dimension"`
	Kind      string `json:"kind"`
	Lower     int64  `json:"lower"`
	Upper     int64  `json:"upper"`
	Adjacency int64  `json:"adjacency"`
	// Backing is the index of the backing column stream, or -1.
	Backing int `json:"backing"`
}

type attrHeader struct {
	Name   string `json:"name"`
	Stream int    `json:"stream"`
}

type frameHeader struct {
	TAR        string       `json:"tar"`
	Rows       int          `json:"rows"`
	Specs      []specHeader `json:"specs"`
	Attributes []attrHeader `json:"attributes"`
}

// EncodeSubtar serializes a chunk.
func EncodeSubtar(st *subtar.Subtar, c Compression) ([]byte, error) {
	h := frameHeader{Rows: st.FilledLength()}
	if st.TAR() != nil {
		h.TAR = st.TAR().Name
	}
	var streams [][]byte

	for _, sp := range st.Specs() {
		sh := specHeader{
			Dimension: sp.Name(),
			Kind:      sp.Kind().String(),
			Lower:     sp.Lower(),
			Upper:     sp.Upper(),
			Adjacency: sp.Adjacency(),
			Backing:   -1,
		}
		if sp.Backing() != nil {
			b, err := EncodeColumn(sp.Name(), sp.Backing())
			if err != nil {
				return nil, err
			}
			sh.Backing = len(streams)
			streams = append(streams, b)
		}
		h.Specs = append(h.Specs, sh)
	}
	for _, name := range st.AttributeNames() {
		col, _ := st.Attribute(name)
		b, err := EncodeColumn(name, col)
		if err != nil {
			return nil, err
		}
		h.Attributes = append(h.Attributes, attrHeader{Name: name, Stream: len(streams)})
		streams = append(streams, b)
	}

	hb, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("codec: marshal header: %w", err)
	}
	var body bytes.Buffer
	writeChunk(&body, hb)
	for _, s := range streams {
		writeChunk(&body, s)
	}

	payload, err := compress(c, body.Bytes())
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(magic)+2+len(payload))
	out = append(out, magic...)
	out = append(out, formatVersion, byte(c))
	return append(out, payload...), nil
}

func writeChunk(w *bytes.Buffer, b []byte) {
	var n [4]byte
	binary.LittleEndian.PutUint32(n[:], uint32(len(b)))
	w.Write(n[:])
	w.Write(b)
}

func readChunk(data []byte) ([]byte, []byte, error) {
	if len(data) < 4 {
		return nil, nil, errors.New("codec: truncated frame")
	}
	n := binary.LittleEndian.Uint32(data[:4])
	if uint64(len(data)-4) < uint64(n) {
		return nil, nil, errors.New("codec: truncated frame")
	}
	return data[4 : 4+n], data[4+n:], nil
}

// DecodeSubtar reads a frame written by EncodeSubtar, binding its axes to
// the dimensions of tar.
func DecodeSubtar(tar *types.TAR, data []byte) (*subtar.Subtar, error) {
	if len(data) < len(magic)+2 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, errors.New("codec: not a subtar frame")
	}
	if v := data[len(magic)]; v != formatVersion {
		return nil, fmt.Errorf("codec: unsupported frame version %d", v)
	}
	body, err := decompress(Compression(data[len(magic)+1]), data[len(magic)+2:])
	if err != nil {
		return nil, err
	}

	hb, rest, err := readChunk(body)
	if err != nil {
		return nil, err
	}
	var h frameHeader
	if err := json.Unmarshal(hb, &h); err != nil {
		return nil, fmt.Errorf("codec: unmarshal header: %w", err)
	}
	var streams []*column.Column
	for len(rest) > 0 {
		var s []byte
		if s, rest, err = readChunk(rest); err != nil {
			return nil, err
		}
		_, col, err := DecodeColumn(s)
		if err != nil {
			return nil, err
		}
		streams = append(streams, col)
	}
	stream := func(i int) (*column.Column, error) {
		if i < 0 || i >= len(streams) {
			return nil, fmt.Errorf("codec: stream %d out of range", i)
		}
		return streams[i], nil
	}

	st := subtar.New(tar)
	for _, sh := range h.Specs {
		dim := tar.GetDimension(sh.Dimension)
		if dim == nil {
			return nil, fmt.Errorf("codec: %s is not a dimension of %s", sh.Dimension, tar.Name)
		}
		var spec subtar.DimSpec
		switch sh.Kind {
		case subtar.Ordered.String():
			spec, err = subtar.NewOrdered(dim, sh.Lower, sh.Upper, sh.Adjacency)
		case subtar.Partial.String():
			var b *column.Column
			if b, err = stream(sh.Backing); err == nil {
				spec, err = subtar.NewPartial(dim, b, sh.Adjacency)
			}
		case subtar.Total.String():
			var b *column.Column
			if b, err = stream(sh.Backing); err == nil {
				spec, err = subtar.NewTotal(dim, b)
			}
		default:
			err = fmt.Errorf("unknown spec kind %q", sh.Kind)
		}
		if err != nil {
			return nil, fmt.Errorf("codec: spec %s: %w", sh.Dimension, err)
		}
		st.AddSpec(spec)
	}
	for _, ah := range h.Attributes {
		col, err := stream(ah.Stream)
		if err != nil {
			return nil, err
		}
		st.SetAttribute(ah.Name, col)
	}
	if err := st.Validate(); err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	if st.FilledLength() != h.Rows {
		return nil, fmt.Errorf("codec: frame declares %d rows, decoded %d", h.Rows, st.FilledLength())
	}
	return st, nil
}
