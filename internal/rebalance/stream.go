package rebalance

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/devrev/pairdb/gridcache/internal/model"
	"github.com/devrev/pairdb/gridcache/internal/storage"
)

// Snapshot frame layout:
//
//	[0]      frame type
//	[1:5]    payload length
//	[5:n]    payload
//	[n:n+4]  CRC32 (IEEE) of type, length and payload
//
// A record payload is an encoded entry followed by one pending byte. The end
// frame has no payload.
const (
	frameRecord byte = 1
	frameEnd    byte = 2

	frameHeaderSize = 5
	frameCRCSize    = 4
)

var crcTable = crc32.MakeTable(crc32.IEEE)

// encodeFrames frames records, appending the end marker when last is set
func encodeFrames(records []model.Record, last bool) []byte {
	var buf []byte
	for i := range records {
		payload := storage.EncodeEntry(&records[i].Entry)
		var pending byte
		if records[i].Pending {
			pending = 1
		}
		buf = appendFrame(buf, frameRecord, append(payload, pending))
	}
	if last {
		buf = appendFrame(buf, frameEnd, nil)
	}
	return buf
}

func appendFrame(buf []byte, typ byte, payload []byte) []byte {
	start := len(buf)
	buf = append(buf, typ, 0, 0, 0, 0)
	binary.BigEndian.PutUint32(buf[start+1:start+frameHeaderSize], uint32(len(payload)))
	buf = append(buf, payload...)
	return binary.BigEndian.AppendUint32(buf, crc32.Checksum(buf[start:], crcTable))
}

// decodeFrames parses frames in order. end reports whether the end marker
// was seen; nothing may follow it.
func decodeFrames(data []byte) (records []model.Record, end bool, err error) {
	for off := 0; off < len(data); {
		if end {
			return nil, false, fmt.Errorf("data after end marker at offset %d", off)
		}
		if len(data)-off < frameHeaderSize+frameCRCSize {
			return nil, false, fmt.Errorf("truncated frame at offset %d", off)
		}
		typ := data[off]
		size := int(binary.BigEndian.Uint32(data[off+1 : off+frameHeaderSize]))
		stop := off + frameHeaderSize + size
		if size < 0 || stop+frameCRCSize > len(data) {
			return nil, false, fmt.Errorf("frame at offset %d overruns stream", off)
		}
		want := binary.BigEndian.Uint32(data[stop : stop+frameCRCSize])
		if got := crc32.Checksum(data[off:stop], crcTable); got != want {
			return nil, false, fmt.Errorf("checksum mismatch at offset %d: %08x != %08x", off, got, want)
		}
		payload := data[off+frameHeaderSize : stop]

		switch typ {
		case frameRecord:
			if len(payload) < 1 {
				return nil, false, fmt.Errorf("empty record frame at offset %d", off)
			}
			e, err := storage.DecodeEntry(payload[:len(payload)-1])
			if err != nil {
				return nil, false, fmt.Errorf("record at offset %d: %w", off, err)
			}
			records = append(records, model.Record{Entry: *e, Pending: payload[len(payload)-1] == 1})
		case frameEnd:
			end = true
		default:
			return nil, false, fmt.Errorf("unknown frame type %d at offset %d", typ, off)
		}
		off = stop + frameCRCSize
	}
	return records, end, nil
}
