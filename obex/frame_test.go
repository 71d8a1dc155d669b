package obex

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		frame *Frame
	}{
		{
			name: "connect request",
			frame: &Frame{
				Opcode:  uint8(OpConnect),
				Connect: &ConnectFields{Version: Version, Flags: 0, MaxPacketLength: 0xFFFE},
				Headers: Headers{TargetHeader([]byte{0x79, 0x61, 0x35, 0xf0})},
			},
		},
		{
			name: "put with name, length and body",
			frame: &Frame{
				Opcode: uint8(OpPut),
				Headers: Headers{
					NameHeader("résumé.pdf"),
					TypeHeader("application/pdf"),
					LengthHeader(120000),
					BodyHeader(bytes.Repeat([]byte{0xAB}, 100)),
				},
			},
		},
		{
			name: "setpath",
			frame: &Frame{
				Opcode:  uint8(OpSetPath),
				SetPath: &SetPathFields{Flags: SetPathNoCreate, Constants: 0},
				Headers: Headers{NameHeader("telecom")},
			},
		},
		{
			name: "get with srm and app params",
			frame: &Frame{
				Opcode: uint8(OpGetFinal),
				Headers: Headers{
					ConnectionIDHeader(1),
					NameHeader("telecom/pb.vcf"),
					TypeHeader("x-bt/phonebook"),
					SRMHeader(SRMEnable),
					AppParamsHeader(AppParams{{Tag: ParamMaxListCount, Value: []byte{0, 0}}}),
				},
			},
		},
		{
			name:  "abort without headers",
			frame: &Frame{Opcode: uint8(OpAbort)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.frame, 0xFFFE)
			require.NoError(t, err)

			decoded, err := DecodeRequest(data)
			require.NoError(t, err)

			want := *tt.frame
			want.Length = uint16(len(data))
			assert.Equal(t, &want, decoded)
		})
	}
}

func TestDecodeResponseConnect(t *testing.T) {
	frame := &Frame{
		Opcode:  uint8(Success),
		Connect: &ConnectFields{Version: Version, MaxPacketLength: 4096},
		Headers: Headers{ConnectionIDHeader(1), WhoHeader([]byte{1, 2, 3})},
	}
	data, err := Encode(frame, 0)
	require.NoError(t, err)

	decoded, err := DecodeResponse(data, true)
	require.NoError(t, err)
	assert.Equal(t, Success, decoded.Code())
	require.NotNil(t, decoded.Connect)
	assert.Equal(t, uint16(4096), decoded.Connect.MaxPacketLength)

	// Connection-Id must stay ahead of Who.
	require.Len(t, decoded.Headers, 2)
	assert.Equal(t, HeaderConnectionID, decoded.Headers[0].ID)
	assert.Equal(t, HeaderWho, decoded.Headers[1].ID)
}

func TestDecodeMalformed(t *testing.T) {
	valid, err := Encode(NewRequest(OpPut, NameHeader("a.txt")), 0)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short prelude", []byte{0x02, 0x00}},
		{"declared longer than actual", append([]byte{0x02, 0x00, 0x10}, 0x01)},
		{"declared shorter than actual", append(append([]byte{}, valid...), 0x00)},
		{"header overruns buffer", []byte{0x02, 0x00, 0x06, 0x48, 0x00, 0x20}},
		{"truncated scalar header", []byte{0x02, 0x00, 0x05, 0xC3, 0x00}},
		{"truncated connect fields", []byte{0x80, 0x00, 0x05, 0x10, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRequest(tt.data)
			assert.True(t, errors.Is(err, ErrMalformed), "got %v", err)
		})
	}
}

func TestEncodeBufferTooSmall(t *testing.T) {
	frame := NewRequest(OpPut, BodyHeader(make([]byte, 300)))
	_, err := Encode(frame, 255)
	assert.ErrorIs(t, err, ErrBufferTooSmall)

	// 3-byte prelude plus a 3-byte body header prelude leaves 249 bytes.
	frame = NewRequest(OpPut, BodyHeader(make([]byte, 249)))
	data, err := Encode(frame, 255)
	require.NoError(t, err)
	assert.Len(t, data, 255)
}

func TestEmptyNameHeaderIsThreeBytes(t *testing.T) {
	h := NameHeader("")
	assert.Equal(t, 3, h.EncodedLen())

	data, err := Encode(NewRequest(OpSetPath, h), 0)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x85, 0x00, 0x06, 0x01, 0x00, 0x03}, data)
}
