package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/devrev/pairdb/gridcache/internal/model"
)

// Encoded entry layout:
//
//	[0]      codec version
//	[1]      flags (bit 0 tombstone)
//	[2:10]   version topology
//	[10:18]  version order
//	[18:26]  expire at (unix nanos)
//	then uvarint-prefixed node id, key and value
const (
	codecVersion    byte = 1
	flagTombstone   byte = 1 << 0
	fixedHeaderSize      = 26
)

// EncodeEntry serializes an entry for the off-heap and swap tiers
func EncodeEntry(e *model.Entry) []byte {
	size := fixedHeaderSize + 3*binary.MaxVarintLen64 + len(e.Version.Node) + len(e.Key) + len(e.Value)
	buf := make([]byte, fixedHeaderSize, size)

	buf[0] = codecVersion
	if e.Tombstone {
		buf[1] |= flagTombstone
	}
	binary.BigEndian.PutUint64(buf[2:10], e.Version.Topology)
	binary.BigEndian.PutUint64(buf[10:18], e.Version.Order)
	binary.BigEndian.PutUint64(buf[18:26], uint64(e.ExpireAt))

	buf = appendBytes(buf, []byte(e.Version.Node))
	buf = appendBytes(buf, []byte(e.Key))
	buf = appendBytes(buf, e.Value)
	return buf
}

// DecodeEntry parses bytes produced by EncodeEntry
func DecodeEntry(data []byte) (*model.Entry, error) {
	if len(data) < fixedHeaderSize {
		return nil, fmt.Errorf("entry too short: %d bytes", len(data))
	}
	if data[0] != codecVersion {
		return nil, fmt.Errorf("unknown entry codec version %d", data[0])
	}

	e := &model.Entry{
		Tombstone: data[1]&flagTombstone != 0,
		Version: model.Version{
			Topology: binary.BigEndian.Uint64(data[2:10]),
			Order:    binary.BigEndian.Uint64(data[10:18]),
		},
		ExpireAt: int64(binary.BigEndian.Uint64(data[18:26])),
	}

	rest := data[fixedHeaderSize:]
	node, rest, err := readBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	key, rest, err := readBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("key: %w", err)
	}
	value, _, err := readBytes(rest)
	if err != nil {
		return nil, fmt.Errorf("value: %w", err)
	}

	e.Version.Node = model.NodeID(node)
	e.Key = model.Key(key)
	if len(value) > 0 {
		e.Value = append([]byte(nil), value...)
	}
	return e, nil
}

func isTombstone(data []byte) bool {
	return len(data) > 1 && data[1]&flagTombstone != 0
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func readBytes(data []byte) ([]byte, []byte, error) {
	n, read := binary.Uvarint(data)
	if read <= 0 {
		return nil, nil, fmt.Errorf("bad length prefix")
	}
	data = data[read:]
	if uint64(len(data)) < n {
		return nil, nil, fmt.Errorf("truncated: need %d bytes, have %d", n, len(data))
	}
	return data[:n], data[n:], nil
}
