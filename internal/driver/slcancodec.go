package driver

import (
	"bytes"

	"github.com/sp-codialist/canbsp/internal/can"
	"github.com/sp-codialist/canbsp/internal/metrics"
)

// Lawicel SLCAN ASCII framing:
//
//	't' iii l dd..  CR   standard data frame (3 hex id digits, 1 hex dlc)
//	'T' iiiiiiii l dd.. CR  extended data frame (8 hex id digits)
//	'r' iii l CR         standard remote frame
//	'R' iiiiiiii l CR    extended remote frame
//
// Anything else on the wire (command acks 'z'/'Z', bare CR, bell on error)
// is skipped during resync.

const hexDigits = "0123456789ABCDEF"

func hexNibble(b byte) (uint32, bool) {
	switch {
	case b >= '0' && b <= '9':
		return uint32(b - '0'), true
	case b >= 'A' && b <= 'F':
		return uint32(b-'A') + 10, true
	case b >= 'a' && b <= 'f':
		return uint32(b-'a') + 10, true
	}
	return 0, false
}

func parseHex(p []byte) (uint32, bool) {
	var v uint32
	for _, b := range p {
		n, ok := hexNibble(b)
		if !ok {
			return 0, false
		}
		v = v<<4 | n
	}
	return v, true
}

// encodeSLCAN builds the ASCII wire form of one outbound frame.
func encodeSLCAN(hdr TxHeader, payload []byte) []byte {
	ext := hdr.IDKind == can.ExtendedID
	rtr := hdr.Kind == can.RemoteFrame

	idLen := 3
	cmd := byte('t')
	if ext {
		idLen = 8
		cmd = 'T'
	}
	if rtr {
		cmd = cmd - 't' + 'r' // 't'->'r', 'T'->'R'
	}

	n := int(hdr.Len)
	out := make([]byte, 0, 2+idLen+1+2*n)
	out = append(out, cmd)
	for shift := 4 * (idLen - 1); shift >= 0; shift -= 4 {
		out = append(out, hexDigits[(hdr.ID>>shift)&0xF])
	}
	out = append(out, hexDigits[hdr.Len&0xF])
	if !rtr {
		for _, b := range payload[:n] {
			out = append(out, hexDigits[b>>4], hexDigits[b&0xF])
		}
	}
	return append(out, '\r')
}

// decodeSLCAN reads from in and emits complete frames via out. It returns
// with the buffer positioned after the last complete frame; partial frames
// stay buffered for the next read. Malformed bytes advance one position to
// resync.
func decodeSLCAN(in *bytes.Buffer, out func(can.Message)) {
	starts := []byte("tTrR")
	for {
		data := in.Bytes()
		if len(data) == 0 {
			return
		}

		// align to a frame start character
		i := bytes.IndexAny(data, string(starts))
		if i < 0 {
			in.Reset()
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		cmd := data[0]
		ext := cmd == 'T' || cmd == 'R'
		rtr := cmd == 'r' || cmd == 'R'
		idLen := 3
		if ext {
			idLen = 8
		}

		if len(data) < 1+idLen+1 {
			return // need more bytes
		}
		dlc, ok := hexNibble(data[1+idLen])
		if !ok || dlc > can.MaxDLC {
			metrics.IncError(metrics.ErrSerialRead)
			in.Next(1)
			continue
		}
		dataLen := 0
		if !rtr {
			dataLen = 2 * int(dlc)
		}
		total := 1 + idLen + 1 + dataLen + 1
		if len(data) < total {
			return
		}
		if data[total-1] != '\r' {
			metrics.IncError(metrics.ErrSerialRead)
			in.Next(1)
			continue
		}
		id, ok := parseHex(data[1 : 1+idLen])
		if !ok {
			metrics.IncError(metrics.ErrSerialRead)
			in.Next(1)
			continue
		}

		var m can.Message
		m.ID = id & can.SFFMask
		m.IDKind = can.StandardID
		if ext {
			m.ID = id & can.EFFMask
			m.IDKind = can.ExtendedID
		}
		m.Kind = can.DataFrame
		if rtr {
			m.Kind = can.RemoteFrame
		}
		m.Len = uint8(dlc)
		bad := false
		for j := 0; j < int(dlc) && !rtr; j++ {
			b, ok := parseHex(data[1+idLen+1+2*j : 1+idLen+1+2*j+2])
			if !ok {
				bad = true
				break
			}
			m.Data[j] = byte(b)
		}
		if bad {
			metrics.IncError(metrics.ErrSerialRead)
			in.Next(1)
			continue
		}

		out(m)
		in.Next(total)
	}
}
