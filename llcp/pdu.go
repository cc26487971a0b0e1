// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

package llcp

// FRMRInfo carries the FRMR payload (NFCForum-TS-LLCP_1.1 §4.3.9).
type FRMRInfo struct {
	Flags  uint8 // W/I/R/S bits
	RejPT  PTYPE // PTYPE of the rejected PDU
	Seq    uint8 // rejected PDU's sequence byte (0 if not applicable)
	VSVR   uint8 // (V(S)<<4)|V(R) at the time of rejection
	VSAVRA uint8 // (V(SA)<<4)|V(RA) at the time of rejection
}

// PDU is a decoded LLCP PDU. Only the fields relevant to Header.PType are
// meaningful; this mirrors Param's flat-struct tagged-union style.
type PDU struct {
	Header  Header
	Params  []Param  // PAX, CONNECT, CC, SNL
	Reason  uint8    // DM
	FRMR    FRMRInfo // FRMR
	NS, NR  uint8    // I
	Payload []byte   // I, UI payload
	Frames  [][]byte // AGF: each element is a fully encoded sub-PDU
}

// Decode parses a single (non-AGF-recursed) PDU from b. AGF framing is
// handled one level up by the caller, since an AGF's sub-PDUs are
// themselves dispatched through Decode.
func Decode(b []byte) (PDU, error) {
	hdr, err := DecodeHeader(b)
	if err != nil {
		return PDU{}, err
	}
	body := b[2:]
	pdu := PDU{Header: hdr}

	switch hdr.PType {
	case SYMM, DISC:
		// empty payload

	case PAX, CONNECT, CC, SNL:
		pdu.Params = DecodeParams(body)

	case UI:
		pdu.Payload = body

	case DM:
		if len(body) < 1 {
			return PDU{}, ErrTruncated
		}
		pdu.Reason = body[0]

	case FRMR:
		if len(body) < 4 {
			return PDU{}, ErrTruncated
		}
		pdu.FRMR = FRMRInfo{
			Flags:  body[0] >> 4,
			RejPT:  PTYPE(body[0] & 0x0f),
			Seq:    body[1],
			VSVR:   body[2],
			VSAVRA: body[3],
		}

	case I:
		if len(body) < 1 {
			return PDU{}, ErrTruncated
		}
		pdu.NS = body[0] >> 4
		pdu.NR = body[0] & 0x0f
		pdu.Payload = body[1:]

	case RR, RNR:
		if len(body) < 1 {
			return PDU{}, ErrTruncated
		}
		pdu.NR = body[0] & 0x0f

	case AGF:
		for len(body) >= 2 {
			n := int(body[0])<<8 | int(body[1])
			body = body[2:]
			if n > len(body) {
				return PDU{}, ErrTruncated
			}
			pdu.Frames = append(pdu.Frames, body[:n])
			body = body[n:]
		}

	default:
		return PDU{}, ErrTruncated
	}
	return pdu, nil
}

// EncodeSYMM returns the 2-byte keep-alive PDU (DSAP=SSAP=0).
func EncodeSYMM() []byte {
	return Header{DSAP: 0, PType: SYMM, SSAP: 0}.Encode(nil)
}

// EncodePAX encodes a PAX PDU (DSAP=SSAP=0).
func EncodePAX(params []Param, maxLen int) []byte {
	b := Header{PType: PAX}.Encode(nil)
	return append(b, EncodeParams(params, maxLen)...)
}

// EncodeConnect encodes a CONNECT PDU.
func EncodeConnect(dsap, ssap uint8, params []Param, maxLen int) []byte {
	b := Header{DSAP: dsap, PType: CONNECT, SSAP: ssap}.Encode(nil)
	return append(b, EncodeParams(params, maxLen)...)
}

// EncodeCC encodes a CC PDU.
func EncodeCC(dsap, ssap uint8, params []Param, maxLen int) []byte {
	b := Header{DSAP: dsap, PType: CC, SSAP: ssap}.Encode(nil)
	return append(b, EncodeParams(params, maxLen)...)
}

// EncodeDISC encodes a DISC PDU.
func EncodeDISC(dsap, ssap uint8) []byte {
	return Header{DSAP: dsap, PType: DISC, SSAP: ssap}.Encode(nil)
}

// EncodeDM encodes a DM PDU with the given reason.
func EncodeDM(dsap, ssap, reason uint8) []byte {
	b := Header{DSAP: dsap, PType: DM, SSAP: ssap}.Encode(nil)
	return append(b, reason)
}

// EncodeSNL encodes an SNL PDU.
func EncodeSNL(dsap, ssap uint8, params []Param, maxLen int) []byte {
	b := Header{DSAP: dsap, PType: SNL, SSAP: ssap}.Encode(nil)
	return append(b, EncodeParams(params, maxLen)...)
}

// EncodeFRMR encodes a FRMR PDU. conn may be absent (vsvr/vsavra both 0).
func EncodeFRMR(dsap, ssap uint8, flags uint8, rejected PTYPE, seq, vsvr, vsavra uint8) []byte {
	b := Header{DSAP: dsap, PType: FRMR, SSAP: ssap}.Encode(nil)
	b = append(b, (flags<<4)|uint8(rejected&0x0f), seq, vsvr, vsavra)
	return b
}

// EncodeI encodes an I PDU carrying the given send/receive sequence numbers
// and payload.
func EncodeI(dsap, ssap, ns, nr uint8, payload []byte) []byte {
	b := Header{DSAP: dsap, PType: I, SSAP: ssap}.Encode(nil)
	b = append(b, (ns<<4)|(nr&0x0f))
	return append(b, payload...)
}

// EncodeUI encodes a UI PDU.
func EncodeUI(dsap, ssap uint8, payload []byte) []byte {
	b := Header{DSAP: dsap, PType: UI, SSAP: ssap}.Encode(nil)
	return append(b, payload...)
}

// EncodeRR encodes an RR PDU acknowledging nr.
func EncodeRR(dsap, ssap, nr uint8) []byte {
	b := Header{DSAP: dsap, PType: RR, SSAP: ssap}.Encode(nil)
	return append(b, nr&0x0f)
}

// EncodeRNR encodes an RNR PDU acknowledging nr.
func EncodeRNR(dsap, ssap, nr uint8) []byte {
	b := Header{DSAP: dsap, PType: RNR, SSAP: ssap}.Encode(nil)
	return append(b, nr&0x0f)
}

// EncodeAGF wraps already-encoded PDUs into a single AGF PDU.
func EncodeAGF(frames [][]byte) []byte {
	b := Header{PType: AGF}.Encode(nil)
	for _, f := range frames {
		n := len(f)
		b = append(b, byte(n>>8), byte(n))
		b = append(b, f...)
	}
	return b
}

// DecodeATR validates and strips the magic prefix from a MAC general-bytes
// blob, returning the trailing parameter TLV list bytes.
func DecodeATR(b []byte) ([]byte, error) {
	if len(b) < 3 || b[0] != MagicATR[0] || b[1] != MagicATR[1] || b[2] != MagicATR[2] {
		return nil, ErrBadMagic
	}
	return b[3:], nil
}

// EncodeATR builds a MAC general-bytes blob: magic prefix followed by the
// given parameters.
func EncodeATR(params []Param) []byte {
	b := append([]byte{}, MagicATR[0], MagicATR[1], MagicATR[2])
	return append(b, EncodeParams(params, 0)...)
}
