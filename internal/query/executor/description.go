package executor

import (
	"encoding/json"
	"fmt"

	"github.com/tardb/tardb/internal/codec"
	"github.com/tardb/tardb/pkg/types"
)

// Description is the JSON document sent ahead of the result blocks. Every
// result chunk is shipped as one block per entry of Blocks, in that order.
type Description struct {
	Query       string     `json:"query"`
	Name        string     `json:"name,omitempty"`
	TAR         *types.TAR `json:"tar"`
	Blocks      []string   `json:"blocks"`
	Compression string     `json:"compression"`
}

func describe(queryID, name string, schema *types.TAR, c codec.Compression) (string, error) {
	d := Description{
		Query:       queryID,
		Name:        name,
		TAR:         schema,
		Blocks:      append(schema.DimensionNames(), attributeNames(schema)...),
		Compression: c.String(),
	}
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("executor: marshal description: %w", err)
	}
	return string(b), nil
}

// ParseDescription decodes a description produced by Run.
func ParseDescription(s string) (*Description, error) {
	var d Description
	if err := json.Unmarshal([]byte(s), &d); err != nil {
		return nil, fmt.Errorf("executor: parse description: %w", err)
	}
	return &d, nil
}

func attributeNames(t *types.TAR) []string {
	names := make([]string, len(t.Attributes))
	for i, a := range t.Attributes {
		names[i] = a.Name
	}
	return names
}
