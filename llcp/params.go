// This file is part of nfcd.
// SPDX-License-Identifier: AGPL3.0-or-later

package llcp

// ParamType is the TLV type byte of an LLCP parameter (NFCForum-TS-LLCP_1.1
// §4.5).
type ParamType uint8

const (
	ParamVersion ParamType = 1
	ParamMIUX    ParamType = 2
	ParamWKS     ParamType = 3
	ParamLTO     ParamType = 4
	ParamRW      ParamType = 5
	ParamSN      ParamType = 6
	ParamOPT     ParamType = 7
	ParamSDREQ   ParamType = 8
	ParamSDRES   ParamType = 9
)

// Param is a single decoded LLCP TLV parameter. Exactly one of the typed
// fields below is meaningful, selected by Type; this mirrors the tagged
// union nfc_llc_param.h uses in the reference implementation, expressed in
// Go as a flat struct rather than a sum type (there are few enough variants
// that a discriminated struct reads cleaner than an interface per variant).
type Param struct {
	Type ParamType

	Version  uint8  // ParamVersion: (major<<4)|minor
	MIU      uint16 // ParamMIUX: effective MIU, already offset by 128 and clamped
	WKS      uint16 // ParamWKS
	LTO      uint16 // ParamLTO: milliseconds, 0 never occurs after decode (default substituted)
	RW       uint8  // ParamRW: 0..15
	SN       string // ParamSN
	OPT      uint8  // ParamOPT
	SDREQTID uint8  // ParamSDREQ
	SDREQURI string // ParamSDREQ
	SDRESTID uint8  // ParamSDRES
	SDRESSAP uint8  // ParamSDRES
}

// VersionParam builds a VERSION parameter from a major.minor pair.
func VersionParam(major, minor uint8) Param {
	return Param{Type: ParamVersion, Version: (major << 4) | (minor & 0x0f)}
}

// MIUXParam builds a MIUX parameter carrying the given effective MIU.
func MIUXParam(miu uint16) Param {
	return Param{Type: ParamMIUX, MIU: clampMIU(miu)}
}

// WKSParam builds a WKS parameter.
func WKSParam(wks uint16) Param {
	return Param{Type: ParamWKS, WKS: wks}
}

// LTOParam builds an LTO parameter from a millisecond value.
func LTOParam(ms uint16) Param {
	return Param{Type: ParamLTO, LTO: ms}
}

// RWParam builds an RW parameter, clamped to the low nibble.
func RWParam(rw uint8) Param {
	if rw > RWMax {
		rw = RWMax
	}
	return Param{Type: ParamRW, RW: rw}
}

// SNParam builds a service-name parameter.
func SNParam(sn string) Param {
	if len(sn) > 255 {
		sn = sn[:255]
	}
	return Param{Type: ParamSN, SN: sn}
}

// SDREQParam builds a service discovery request parameter.
func SDREQParam(tid uint8, uri string) Param {
	return Param{Type: ParamSDREQ, SDREQTID: tid, SDREQURI: uri}
}

// SDRESParam builds a service discovery response parameter.
func SDRESParam(tid, sap uint8) Param {
	return Param{Type: ParamSDRES, SDRESTID: tid, SDRESSAP: sap & 0x3f}
}

func clampMIU(miu uint16) uint16 {
	if miu < MIUDefault {
		return MIUDefault
	}
	if miu > MIUMax {
		return MIUMax
	}
	return miu
}

// EncodeParams serializes params in order, stopping (and dropping the
// partial TLV) once appending the next TLV would exceed maxLen. maxLen == 0
// means unbounded.
func EncodeParams(params []Param, maxLen int) []byte {
	var out []byte
	for _, p := range params {
		tlv := encodeOne(p)
		if maxLen > 0 && len(out)+len(tlv) > maxLen {
			break
		}
		out = append(out, tlv...)
	}
	return out
}

func encodeOne(p Param) []byte {
	switch p.Type {
	case ParamVersion:
		return []byte{byte(ParamVersion), 1, p.Version}
	case ParamMIUX:
		v := clampMIU(p.MIU) - MIUDefault
		return []byte{byte(ParamMIUX), 2, byte(v >> 8 & 0x07), byte(v)}
	case ParamWKS:
		return []byte{byte(ParamWKS), 2, byte(p.WKS >> 8), byte(p.WKS)}
	case ParamLTO:
		tens := p.LTO / 10
		if tens > 0xff {
			tens = 0xff
		}
		return []byte{byte(ParamLTO), 1, byte(tens)}
	case ParamRW:
		rw := p.RW
		if rw > RWMax {
			rw = RWMax
		}
		return []byte{byte(ParamRW), 1, rw}
	case ParamSN:
		sn := []byte(p.SN)
		if len(sn) > 255 {
			sn = sn[:255]
		}
		tlv := append([]byte{byte(ParamSN), byte(len(sn))}, sn...)
		return tlv
	case ParamOPT:
		return []byte{byte(ParamOPT), 1, p.OPT}
	case ParamSDREQ:
		uri := []byte(p.SDREQURI)
		if len(uri) > 254 {
			uri = uri[:254]
		}
		tlv := append([]byte{byte(ParamSDREQ), byte(len(uri) + 1), p.SDREQTID}, uri...)
		return tlv
	case ParamSDRES:
		return []byte{byte(ParamSDRES), 2, p.SDRESTID, p.SDRESSAP & 0x3f}
	}
	return nil
}

// DecodeParams parses a TLV parameter list, silently skipping any TLV that
// is truncated or carries an unexpected length for its declared type (the
// reference decoder does the same: a malformed parameter is dropped, not a
// fatal error for the whole PDU).
func DecodeParams(b []byte) []Param {
	var out []Param
	for len(b) >= 2 {
		t := ParamType(b[0])
		l := int(b[1])
		if 2+l > len(b) {
			// truncated TLV: nothing more can be salvaged
			break
		}
		v := b[2 : 2+l]
		if p, ok := decodeOne(t, l, v); ok {
			out = append(out, p)
		}
		b = b[2+l:]
	}
	return out
}

func decodeOne(t ParamType, l int, v []byte) (Param, bool) {
	switch t {
	case ParamVersion:
		if l != 1 {
			return Param{}, false
		}
		return Param{Type: t, Version: v[0]}, true
	case ParamMIUX:
		if l != 2 {
			return Param{}, false
		}
		miux := (uint16(v[0])<<8 | uint16(v[1])) & 0x7ff
		return Param{Type: t, MIU: clampMIU(miux + MIUDefault)}, true
	case ParamWKS:
		if l != 2 {
			return Param{}, false
		}
		return Param{Type: t, WKS: uint16(v[0])<<8 | uint16(v[1])}, true
	case ParamLTO:
		if l != 1 {
			return Param{}, false
		}
		lto := uint16(LTODefault)
		if v[0] != 0 {
			lto = uint16(v[0]) * 10
		}
		return Param{Type: t, LTO: lto}, true
	case ParamRW:
		if l != 1 {
			return Param{}, false
		}
		return Param{Type: t, RW: v[0] & 0x0f}, true
	case ParamSN:
		return Param{Type: t, SN: string(v)}, true
	case ParamOPT:
		if l != 1 {
			return Param{}, false
		}
		return Param{Type: t, OPT: v[0]}, true
	case ParamSDREQ:
		if l < 1 {
			return Param{}, false
		}
		return Param{Type: t, SDREQTID: v[0], SDREQURI: string(v[1:])}, true
	case ParamSDRES:
		if l != 2 {
			return Param{}, false
		}
		return Param{Type: t, SDRESTID: v[0], SDRESSAP: v[1] & 0x3f}, true
	}
	// unknown TLV type: skip
	return Param{}, false
}

// Find returns the first parameter of the given type, if any.
func Find(params []Param, t ParamType) (Param, bool) {
	for _, p := range params {
		if p.Type == t {
			return p, true
		}
	}
	return Param{}, false
}
