package driver

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sp-codialist/canbsp/internal/can"
)

func TestEncodeSLCAN(t *testing.T) {
	var testCases = []struct {
		name    string
		hdr     TxHeader
		payload []byte
		expect  string
	}{
		{
			name:    "standard data frame",
			hdr:     TxHeader{ID: 0x123, IDKind: can.StandardID, Kind: can.DataFrame, Len: 2},
			payload: []byte{0xAA, 0x55},
			expect:  "t1232AA55\r",
		},
		{
			name:    "extended data frame",
			hdr:     TxHeader{ID: 0x1ABCDEF0, IDKind: can.ExtendedID, Kind: can.DataFrame, Len: 1},
			payload: []byte{0x7F},
			expect:  "T1ABCDEF017F\r",
		},
		{
			name:   "standard remote frame",
			hdr:    TxHeader{ID: 0x7FF, IDKind: can.StandardID, Kind: can.RemoteFrame, Len: 4},
			expect: "r7FF4\r",
		},
		{
			name:   "extended remote frame",
			hdr:    TxHeader{ID: 0x42, IDKind: can.ExtendedID, Kind: can.RemoteFrame, Len: 0},
			expect: "R000000420\r",
		},
		{
			name:   "zero length data frame",
			hdr:    TxHeader{ID: 0x1, IDKind: can.StandardID, Kind: can.DataFrame, Len: 0},
			expect: "t0010\r",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expect, string(encodeSLCAN(tc.hdr, tc.payload)))
		})
	}
}

func decodeAll(t *testing.T, wire string) []can.Message {
	t.Helper()
	in := bytes.NewBufferString(wire)
	var out []can.Message
	decodeSLCAN(in, func(m can.Message) { out = append(out, m) })
	return out
}

func TestDecodeSLCAN(t *testing.T) {
	msgs := decodeAll(t, "t1232AA55\rT1ABCDEF017F\rr7FF4\r")
	require.Len(t, msgs, 3)

	assert.Equal(t, uint32(0x123), msgs[0].ID)
	assert.Equal(t, can.StandardID, msgs[0].IDKind)
	assert.Equal(t, can.DataFrame, msgs[0].Kind)
	assert.Equal(t, uint8(2), msgs[0].Len)
	assert.Equal(t, []byte{0xAA, 0x55}, msgs[0].Payload())

	assert.Equal(t, uint32(0x1ABCDEF0), msgs[1].ID)
	assert.Equal(t, can.ExtendedID, msgs[1].IDKind)

	assert.Equal(t, can.RemoteFrame, msgs[2].Kind)
	assert.Equal(t, uint8(4), msgs[2].Len)
}

func TestDecodeSLCAN_ResyncAndGarbage(t *testing.T) {
	// command acks and noise between frames are skipped
	msgs := decodeAll(t, "z\r\a\rt0011FF\rzz\rt0021EE\r")
	require.Len(t, msgs, 2)
	assert.Equal(t, byte(0xFF), msgs[0].Data[0])
	assert.Equal(t, byte(0xEE), msgs[1].Data[0])

	// invalid dlc forces a one-byte resync that finds the next frame
	msgs = decodeAll(t, "t123Zxx\rt0011AA\r")
	require.Len(t, msgs, 1)
	assert.Equal(t, uint32(1), msgs[0].ID)
}

func TestDecodeSLCAN_PartialFrames(t *testing.T) {
	in := bytes.NewBuffer(nil)
	var out []can.Message
	deliver := func(m can.Message) { out = append(out, m) }

	in.WriteString("t12")
	decodeSLCAN(in, deliver)
	assert.Empty(t, out)

	in.WriteString("32AA")
	decodeSLCAN(in, deliver)
	assert.Empty(t, out)

	in.WriteString("55\r")
	decodeSLCAN(in, deliver)
	require.Len(t, out, 1)
	assert.Equal(t, uint32(0x123), out[0].ID)
	assert.Zero(t, in.Len())
}

func TestSLCAN_RoundTrip(t *testing.T) {
	hdr := TxHeader{ID: 0x14532100, IDKind: can.ExtendedID, Kind: can.DataFrame, Len: 8}
	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	msgs := decodeAll(t, string(encodeSLCAN(hdr, payload)))
	require.Len(t, msgs, 1)
	assert.Equal(t, hdr.ID, msgs[0].ID)
	assert.Equal(t, payload, msgs[0].Payload())
}
