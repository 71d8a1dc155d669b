package obex

import "fmt"

// Opcode identifies an OBEX request.
type Opcode uint8

// FinalBit marks the last packet of a request or response.
const FinalBit = 0x80

// Version is the OBEX protocol version carried in Connect packets (1.0).
const Version = 0x10

const (
	OpConnect    Opcode = 0x80
	OpDisconnect Opcode = 0x81
	OpPut        Opcode = 0x02
	OpPutFinal   Opcode = 0x82
	OpGet        Opcode = 0x03
	OpGetFinal   Opcode = 0x83
	OpSetPath    Opcode = 0x85
	OpAbort      Opcode = 0xFF
)

// IsFinal reports whether the final bit is set.
func (o Opcode) IsFinal() bool { return o&FinalBit != 0 }

func (o Opcode) String() string {
	switch o {
	case OpConnect:
		return "Connect"
	case OpDisconnect:
		return "Disconnect"
	case OpPut:
		return "Put"
	case OpPutFinal:
		return "PutFinal"
	case OpGet:
		return "Get"
	case OpGetFinal:
		return "GetFinal"
	case OpSetPath:
		return "SetPath"
	case OpAbort:
		return "Abort"
	default:
		return fmt.Sprintf("Opcode(0x%02x)", uint8(o))
	}
}

// ResponseCode is the first byte of an OBEX response. All codes defined
// here already carry the final bit.
type ResponseCode uint8

const (
	Continue            ResponseCode = 0x90
	Success             ResponseCode = 0xA0
	BadRequest          ResponseCode = 0xC0
	Unauthorized        ResponseCode = 0xC1
	Forbidden           ResponseCode = 0xC3
	NotFound            ResponseCode = 0xC4
	NotAcceptable       ResponseCode = 0xC6
	PreconditionFailed  ResponseCode = 0xCC
	InternalServerError ResponseCode = 0xD0
	NotImplemented      ResponseCode = 0xD1
	ServiceUnavailable  ResponseCode = 0xD3
)

func (c ResponseCode) String() string {
	switch c {
	case Continue:
		return "Continue"
	case Success:
		return "Success"
	case BadRequest:
		return "BadRequest"
	case Unauthorized:
		return "Unauthorized"
	case Forbidden:
		return "Forbidden"
	case NotFound:
		return "NotFound"
	case NotAcceptable:
		return "NotAcceptable"
	case PreconditionFailed:
		return "PreconditionFailed"
	case InternalServerError:
		return "InternalServerError"
	case NotImplemented:
		return "NotImplemented"
	case ServiceUnavailable:
		return "ServiceUnavailable"
	default:
		return fmt.Sprintf("ResponseCode(0x%02x)", uint8(c))
	}
}
