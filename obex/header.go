package obex

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/unicode"
)

// HeaderID identifies an OBEX header. The two high bits select how the
// header payload is encoded on the wire.
type HeaderID uint8

const (
	HeaderName          HeaderID = 0x01
	HeaderDescription   HeaderID = 0x05
	HeaderType          HeaderID = 0x42
	HeaderLength        HeaderID = 0xC3
	HeaderTarget        HeaderID = 0x46
	HeaderBody          HeaderID = 0x48
	HeaderEndOfBody     HeaderID = 0x49
	HeaderWho           HeaderID = 0x4A
	HeaderConnectionID  HeaderID = 0xCB
	HeaderAppParameters HeaderID = 0x4C
	HeaderAuthChallenge HeaderID = 0x4D
	HeaderAuthResponse  HeaderID = 0x4E
	HeaderSRM           HeaderID = 0x97
	HeaderSRMP          HeaderID = 0x98
)

// HeaderKind is the encoding class of a header.
type HeaderKind uint8

const (
	// KindUnicode is null terminated UTF-16BE text with a 2-byte length.
	KindUnicode HeaderKind = 0x00
	// KindBytes is a byte sequence with a 2-byte length.
	KindBytes HeaderKind = 0x40
	// KindUint8 is a single byte.
	KindUint8 HeaderKind = 0x80
	// KindUint32 is a 4-byte big-endian integer.
	KindUint32 HeaderKind = 0xC0
)

// Kind returns the encoding class selected by the high bits of id.
func (id HeaderID) Kind() HeaderKind { return HeaderKind(id & 0xC0) }

// SRM header values.
const (
	SRMDisable  uint8 = 0x00
	SRMEnable   uint8 = 0x01
	SRMIndicate uint8 = 0x02
)

// SRMP header values.
const (
	SRMPNext     uint8 = 0x00
	SRMPWait     uint8 = 0x01
	SRMPNextWait uint8 = 0x02
)

var utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)

// Header is a single OBEX header. Data holds the raw wire payload of
// sequence headers (for Unicode headers the UTF-16BE text including its
// terminator); Value holds the payload of scalar headers.
type Header struct {
	ID    HeaderID
	Data  []byte
	Value uint32
}

// EncodedLen returns the number of bytes the header occupies on the wire.
func (h Header) EncodedLen() int {
	switch h.ID.Kind() {
	case KindUint8:
		return 2
	case KindUint32:
		return 5
	default:
		return 3 + len(h.Data)
	}
}

func (h Header) appendTo(dst []byte) []byte {
	dst = append(dst, byte(h.ID))
	switch h.ID.Kind() {
	case KindUint8:
		return append(dst, byte(h.Value))
	case KindUint32:
		return binary.BigEndian.AppendUint32(dst, h.Value)
	default:
		dst = binary.BigEndian.AppendUint16(dst, uint16(3+len(h.Data)))
		return append(dst, h.Data...)
	}
}

// Text decodes the payload of a Unicode header.
func (h Header) Text() (string, error) {
	return decodeUnicode(h.Data)
}

// NameHeader builds a Name header. An empty name produces the 3-byte empty
// Name header used to address the default object.
func NameHeader(name string) Header {
	return Header{ID: HeaderName, Data: encodeUnicode(name)}
}

// DescriptionHeader builds a Description header.
func DescriptionHeader(text string) Header {
	return Header{ID: HeaderDescription, Data: encodeUnicode(text)}
}

// TypeHeader builds a Type header: ASCII text with a trailing NUL.
func TypeHeader(contentType string) Header {
	if contentType == "" {
		return Header{ID: HeaderType}
	}
	data := make([]byte, 0, len(contentType)+1)
	data = append(data, contentType...)
	return Header{ID: HeaderType, Data: append(data, 0)}
}

// LengthHeader builds a Length header.
func LengthHeader(length uint32) Header {
	return Header{ID: HeaderLength, Value: length}
}

// BodyHeader builds a Body header.
func BodyHeader(data []byte) Header {
	return Header{ID: HeaderBody, Data: cloneOrNil(data)}
}

// EndOfBodyHeader builds an EndOfBody header.
func EndOfBodyHeader(data []byte) Header {
	return Header{ID: HeaderEndOfBody, Data: cloneOrNil(data)}
}

// TargetHeader builds a Target header.
func TargetHeader(target []byte) Header {
	return Header{ID: HeaderTarget, Data: cloneOrNil(target)}
}

// WhoHeader builds a Who header.
func WhoHeader(who []byte) Header {
	return Header{ID: HeaderWho, Data: cloneOrNil(who)}
}

// ConnectionIDHeader builds a Connection-Id header.
func ConnectionIDHeader(id uint32) Header {
	return Header{ID: HeaderConnectionID, Value: id}
}

// AppParamsHeader builds an Application-Parameters header.
func AppParamsHeader(params AppParams) Header {
	return Header{ID: HeaderAppParameters, Data: cloneOrNil(params.Bytes())}
}

// AuthChallengeHeader builds an Authenticate-Challenge header from its TLV payload.
func AuthChallengeHeader(payload []byte) Header {
	return Header{ID: HeaderAuthChallenge, Data: cloneOrNil(payload)}
}

// AuthResponseHeader builds an Authenticate-Response header from its TLV payload.
func AuthResponseHeader(payload []byte) Header {
	return Header{ID: HeaderAuthResponse, Data: cloneOrNil(payload)}
}

// SRMHeader builds a Single-Response-Mode header.
func SRMHeader(value uint8) Header {
	return Header{ID: HeaderSRM, Value: uint32(value)}
}

// SRMPHeader builds a Single-Response-Mode-Parameter header.
func SRMPHeader(value uint8) Header {
	return Header{ID: HeaderSRMP, Value: uint32(value)}
}

// Headers is an ordered header list. Order is preserved on the wire.
type Headers []Header

// Get returns the first header with the given id.
func (hs Headers) Get(id HeaderID) (Header, bool) {
	for _, h := range hs {
		if h.ID == id {
			return h, true
		}
	}
	return Header{}, false
}

// Has reports whether a header with the given id is present.
func (hs Headers) Has(id HeaderID) bool {
	_, ok := hs.Get(id)
	return ok
}

// Name returns the decoded Name header.
func (hs Headers) Name() (string, bool) {
	h, ok := hs.Get(HeaderName)
	if !ok {
		return "", false
	}
	name, err := h.Text()
	if err != nil {
		return "", false
	}
	return name, true
}

// Type returns the Type header without its terminator.
func (hs Headers) Type() (string, bool) {
	h, ok := hs.Get(HeaderType)
	if !ok {
		return "", false
	}
	data := h.Data
	for len(data) > 0 && data[len(data)-1] == 0 {
		data = data[:len(data)-1]
	}
	return string(data), true
}

// Length returns the Length header.
func (hs Headers) Length() (uint32, bool) {
	h, ok := hs.Get(HeaderLength)
	return h.Value, ok
}

// ConnectionID returns the Connection-Id header.
func (hs Headers) ConnectionID() (uint32, bool) {
	h, ok := hs.Get(HeaderConnectionID)
	return h.Value, ok
}

// Body returns the payload of the Body header, or of the EndOfBody header
// when no Body header is present.
func (hs Headers) Body() ([]byte, bool) {
	if h, ok := hs.Get(HeaderBody); ok {
		return h.Data, true
	}
	if h, ok := hs.Get(HeaderEndOfBody); ok {
		return h.Data, true
	}
	return nil, false
}

// EndOfBody reports whether an EndOfBody header is present.
func (hs Headers) EndOfBody() bool {
	return hs.Has(HeaderEndOfBody)
}

// Uint8 returns the value of a 1-byte header such as SRM or SRMP.
func (hs Headers) Uint8(id HeaderID) (uint8, bool) {
	h, ok := hs.Get(id)
	if !ok || id.Kind() != KindUint8 {
		return 0, false
	}
	return uint8(h.Value), true
}

// AppParams decodes the Application-Parameters header. It returns nil
// without error when the header is absent.
func (hs Headers) AppParams() (AppParams, error) {
	h, ok := hs.Get(HeaderAppParameters)
	if !ok {
		return nil, nil
	}
	return ParseAppParams(h.Data)
}

func parseHeaders(data []byte) (Headers, error) {
	var headers Headers
	for len(data) > 0 {
		id := HeaderID(data[0])
		var (
			h    Header
			size int
		)
		switch id.Kind() {
		case KindUint8:
			if len(data) < 2 {
				return nil, fmt.Errorf("%w: truncated header 0x%02x", ErrMalformed, uint8(id))
			}
			h = Header{ID: id, Value: uint32(data[1])}
			size = 2
		case KindUint32:
			if len(data) < 5 {
				return nil, fmt.Errorf("%w: truncated header 0x%02x", ErrMalformed, uint8(id))
			}
			h = Header{ID: id, Value: binary.BigEndian.Uint32(data[1:5])}
			size = 5
		default:
			if len(data) < 3 {
				return nil, fmt.Errorf("%w: truncated header 0x%02x", ErrMalformed, uint8(id))
			}
			size = int(binary.BigEndian.Uint16(data[1:3]))
			if size < 3 || size > len(data) {
				return nil, fmt.Errorf("%w: header 0x%02x declares %d bytes, %d remain",
					ErrMalformed, uint8(id), size, len(data))
			}
			h = Header{ID: id, Data: cloneOrNil(data[3:size])}
		}
		headers = append(headers, h)
		data = data[size:]
	}
	return headers, nil
}

func encodeUnicode(s string) []byte {
	if s == "" {
		return nil
	}
	encoded, err := utf16be.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil
	}
	return append(encoded, 0, 0)
}

func decodeUnicode(data []byte) (string, error) {
	if len(data) >= 2 && data[len(data)-1] == 0 && data[len(data)-2] == 0 {
		data = data[:len(data)-2]
	}
	if len(data) == 0 {
		return "", nil
	}
	if len(data)%2 != 0 {
		return "", fmt.Errorf("%w: odd-length unicode header", ErrMalformed)
	}
	decoded, err := utf16be.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return string(decoded), nil
}

func cloneOrNil(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
