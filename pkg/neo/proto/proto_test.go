package proto

import (
	"bufio"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e42s/neoppod/pkg/neo/ids"
	"github.com/e42s/neoppod/pkg/protoerr"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in := Frame{ID: 7, Type: PTAskObject, Payload: []byte("hello")}
	require.NoError(t, WriteFrame(&buf, in))

	out, err := ReadFrame(bufio.NewReader(&buf))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, Frame{ID: 1, Type: PTError, Payload: nil}))
	raw := buf.Bytes()
	// Tamper with the length field to exceed MaxPayloadSize.
	raw[9] = 0xff
	raw[8] = 0xff
	raw[6] = 0xff
	_, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw)))
	assert.Error(t, err)
}

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	f := Encode(1, p)
	got, err := Decode(f)
	require.NoError(t, err)
	return got
}

func TestPacketRoundTrips(t *testing.T) {
	tid := ids.PackTID(time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC), 3)
	uuid1 := ids.NewUUID(ids.RoleStorage)
	uuid2 := ids.NewUUID(ids.RoleMaster)

	t.Run("RequestIdentification", func(t *testing.T) {
		in := &RequestIdentification{UUID: uuid1, Role: ids.RoleStorage, Address: "10.0.0.1:4000", ClusterName: "prod"}
		out := roundTrip(t, in).(*RequestIdentification)
		assert.Equal(t, in, out)
	})

	t.Run("AnswerObject", func(t *testing.T) {
		in := &AnswerObject{
			OID:         42,
			Serial:      tid,
			NextSerial:  0,
			Compression: 1,
			Checksum:    [20]byte{1, 2, 3},
			Data:        []byte("payload bytes"),
			Deleted:     false,
		}
		out := roundTrip(t, in).(*AnswerObject)
		assert.Equal(t, in, out)
	})

	t.Run("SendPartitionTable", func(t *testing.T) {
		in := &SendPartitionTable{
			PTID: 9,
			Rows: []PartitionRow{
				{Partition: 0, Cells: []CellInfo{{NodeUUID: uuid1, State: 1}, {NodeUUID: uuid2, State: 2}}},
				{Partition: 1, Cells: nil},
			},
		}
		out := roundTrip(t, in).(*SendPartitionTable)
		assert.Equal(t, in, out)
	})

	t.Run("FinishTransaction", func(t *testing.T) {
		in := &FinishTransaction{TTID: tid, OIDs: []ids.OID{1, 2, 3}}
		out := roundTrip(t, in).(*FinishTransaction)
		assert.Equal(t, in, out)
	})

	t.Run("Error", func(t *testing.T) {
		in := NewError(protoerr.ErrOIDNotFound)
		out := roundTrip(t, in).(*Error)
		assert.Equal(t, protoerr.CodeOIDNotFound, out.Code)
		assert.Equal(t, in.Message, out.Message)
	})
}

func TestDecodeUnknownPacketType(t *testing.T) {
	_, err := Decode(Frame{ID: 1, Type: 0xdead, Payload: nil})
	assert.Error(t, err)
}

func TestDecodeTruncatedPayload(t *testing.T) {
	f := Encode(1, &FinishTransaction{TTID: 5, OIDs: []ids.OID{1, 2, 3}})
	f.Payload = f.Payload[:len(f.Payload)-2]
	_, err := Decode(f)
	assert.Error(t, err)
}
