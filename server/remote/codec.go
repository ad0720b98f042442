// Copyright 2023 CeresDB Project Authors. Licensed under Apache-2.0.

package remote

import (
	"github.com/CeresDB/ceresdb-catalog/server/metadata"
	"github.com/vmihailenco/msgpack/v5"
)

// Records stored in etcd are msgpack-encoded so a descriptor change never
// needs a key migration, only a value re-encode.

func encodeCatalog(c metadata.Catalog) ([]byte, error) {
	payload, err := msgpack.Marshal(&c)
	if err != nil {
		return nil, ErrEncodeRecord.WithCause(err)
	}
	return payload, nil
}

func decodeCatalog(payload []byte) (metadata.Catalog, error) {
	var c metadata.Catalog
	if err := msgpack.Unmarshal(payload, &c); err != nil {
		return metadata.Catalog{}, ErrDecodeRecord.WithCause(err)
	}
	return c, nil
}

func encodeSchema(s metadata.Schema) ([]byte, error) {
	payload, err := msgpack.Marshal(&s)
	if err != nil {
		return nil, ErrEncodeRecord.WithCause(err)
	}
	return payload, nil
}

func decodeSchema(payload []byte) (metadata.Schema, error) {
	var s metadata.Schema
	if err := msgpack.Unmarshal(payload, &s); err != nil {
		return metadata.Schema{}, ErrDecodeRecord.WithCause(err)
	}
	return s, nil
}

func encodeTable(t metadata.Table) ([]byte, error) {
	payload, err := msgpack.Marshal(&t)
	if err != nil {
		return nil, ErrEncodeRecord.WithCause(err)
	}
	return payload, nil
}

func decodeTable(payload []byte) (metadata.Table, error) {
	var t metadata.Table
	if err := msgpack.Unmarshal(payload, &t); err != nil {
		return metadata.Table{}, ErrDecodeRecord.WithCause(err)
	}
	return t, nil
}
