package obex

import (
	"encoding/binary"
	"fmt"
)

// AppParamTag identifies an application parameter inside an
// Application-Parameters header.
type AppParamTag uint8

// PBAP application parameter tags.
const (
	ParamOrder                   AppParamTag = 0x01
	ParamSearchValue             AppParamTag = 0x02
	ParamSearchProperty          AppParamTag = 0x03
	ParamMaxListCount            AppParamTag = 0x04
	ParamListStartOffset         AppParamTag = 0x05
	ParamPropertySelector        AppParamTag = 0x06
	ParamFormat                  AppParamTag = 0x07
	ParamPhonebookSize           AppParamTag = 0x08
	ParamNewMissedCalls          AppParamTag = 0x09
	ParamPrimaryVersionCounter   AppParamTag = 0x0A
	ParamSecondaryVersionCounter AppParamTag = 0x0B
	ParamVCardSelector           AppParamTag = 0x0C
	ParamDatabaseIdentifier      AppParamTag = 0x0D
	ParamVCardSelectorOperator   AppParamTag = 0x0E
	ParamResetNewMissedCalls     AppParamTag = 0x0F
	ParamSupportedFeatures       AppParamTag = 0x10
)

// AppParam is one tag-length-value triplet.
type AppParam struct {
	Tag   AppParamTag
	Value []byte
}

// AppParams is an ordered list of application parameters.
type AppParams []AppParam

// ParseAppParams decodes [tag:1][len:1][value:len] triplets.
func ParseAppParams(data []byte) (AppParams, error) {
	var params AppParams
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, fmt.Errorf("%w: truncated application parameter", ErrMalformed)
		}
		tag, size := AppParamTag(data[0]), int(data[1])
		if 2+size > len(data) {
			return nil, fmt.Errorf("%w: application parameter 0x%02x declares %d bytes, %d remain",
				ErrMalformed, uint8(tag), size, len(data)-2)
		}
		params = append(params, AppParam{Tag: tag, Value: cloneOrNil(data[2 : 2+size])})
		data = data[2+size:]
	}
	return params, nil
}

// Bytes encodes the parameters in order.
func (p AppParams) Bytes() []byte {
	var out []byte
	for _, param := range p {
		out = append(out, byte(param.Tag), byte(len(param.Value)))
		out = append(out, param.Value...)
	}
	return out
}

// Get returns the raw value of tag.
func (p AppParams) Get(tag AppParamTag) ([]byte, bool) {
	for _, param := range p {
		if param.Tag == tag {
			return param.Value, true
		}
	}
	return nil, false
}

// Has reports whether tag is present.
func (p AppParams) Has(tag AppParamTag) bool {
	_, ok := p.Get(tag)
	return ok
}

// Uint8 returns a 1-byte parameter.
func (p AppParams) Uint8(tag AppParamTag) (uint8, bool) {
	v, ok := p.Get(tag)
	if !ok || len(v) != 1 {
		return 0, false
	}
	return v[0], true
}

// Uint16 returns a 2-byte big-endian parameter.
func (p AppParams) Uint16(tag AppParamTag) (uint16, bool) {
	v, ok := p.Get(tag)
	if !ok || len(v) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// Uint32 returns a 4-byte big-endian parameter.
func (p AppParams) Uint32(tag AppParamTag) (uint32, bool) {
	v, ok := p.Get(tag)
	if !ok || len(v) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// Uint64 returns an 8-byte big-endian parameter such as a property selector.
func (p AppParams) Uint64(tag AppParamTag) (uint64, bool) {
	v, ok := p.Get(tag)
	if !ok || len(v) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(v), true
}

// Add appends a raw parameter.
func (p *AppParams) Add(tag AppParamTag, value []byte) {
	*p = append(*p, AppParam{Tag: tag, Value: cloneOrNil(value)})
}

// AddUint8 appends a 1-byte parameter.
func (p *AppParams) AddUint8(tag AppParamTag, v uint8) {
	p.Add(tag, []byte{v})
}

// AddUint16 appends a 2-byte parameter.
func (p *AppParams) AddUint16(tag AppParamTag, v uint16) {
	p.Add(tag, binary.BigEndian.AppendUint16(nil, v))
}

// AddUint32 appends a 4-byte parameter.
func (p *AppParams) AddUint32(tag AppParamTag, v uint32) {
	p.Add(tag, binary.BigEndian.AppendUint32(nil, v))
}

// AddUint64 appends an 8-byte parameter.
func (p *AppParams) AddUint64(tag AppParamTag, v uint64) {
	p.Add(tag, binary.BigEndian.AppendUint64(nil, v))
}
