// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package remote

import (
	"testing"

	"github.com/CeresDB/ceresdb-catalog/server/metadata"
	"github.com/stretchr/testify/require"
)

func TestTableCodec(t *testing.T) {
	re := require.New(t)

	table := metadata.Table{
		ID:          42,
		Name:        "events",
		SchemaName:  "public",
		CatalogName: "analytics",
		Descriptor: metadata.Descriptor{Columns: []metadata.Column{
			{Name: "id", Type: metadata.ColumnTypeInt},
			{Name: "ts", Type: metadata.ColumnTypeTimestamp},
		}},
		Version:   3,
		CreatedAt: 1690000000000,
	}

	payload, err := encodeTable(table)
	re.NoError(err)

	decoded, err := decodeTable(payload)
	re.NoError(err)
	re.Equal(table, decoded)
	re.True(table.Descriptor.Equal(decoded.Descriptor))

	_, err = decodeTable([]byte("not msgpack at all"))
	re.Error(err)
}
