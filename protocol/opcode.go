package protocol

import "fmt"

// Opcode selects the function invoked inside the instrumented application.
// Values mirror the injected module's function table and must not be renumbered.
type Opcode byte

const (
	OpIsLogin        Opcode = 0x01
	OpConnect        Opcode = 0x02
	OpKeepAlive      Opcode = 0x03
	OpGetSelfWxid    Opcode = 0x10
	OpGetMsgTypes    Opcode = 0x11
	OpGetContacts    Opcode = 0x12
	OpListDbs        Opcode = 0x13
	OpListTables     Opcode = 0x14
	OpGetAudioMsg    Opcode = 0x16
	OpSendText       Opcode = 0x20
	OpSendImage      Opcode = 0x21
	OpSendFile       Opcode = 0x22
	OpSendXml        Opcode = 0x23
	OpSendEmotion    Opcode = 0x24
	OpPatOnePat      Opcode = 0x26
	OpEnableRecv     Opcode = 0x30
	OpGetMsg         Opcode = 0x31
	OpDisableRecv    Opcode = 0x40
	OpExecSql        Opcode = 0x50
	OpRefreshPyq     Opcode = 0x53
	OpDownloadAttach Opcode = 0x54
	OpDecryptImage   Opcode = 0x60
)

var opcodeNames = map[Opcode]string{
	OpIsLogin:        "IS_LOGIN",
	OpConnect:        "CONNECT",
	OpKeepAlive:      "KEEPALIVE",
	OpGetSelfWxid:    "GET_SELF_WXID",
	OpGetMsgTypes:    "GET_MSG_TYPES",
	OpGetContacts:    "GET_CONTACTS",
	OpListDbs:        "LIST_DBS",
	OpListTables:     "LIST_TABLES",
	OpGetAudioMsg:    "GET_AUDIO_MSG",
	OpSendText:       "SEND_TEXT",
	OpSendImage:      "SEND_IMAGE",
	OpSendFile:       "SEND_FILE",
	OpSendXml:        "SEND_XML",
	OpSendEmotion:    "SEND_EMOTION",
	OpPatOnePat:      "PAT_ONE_PAT",
	OpEnableRecv:     "ENABLE_RECV",
	OpGetMsg:         "GET_MSG",
	OpDisableRecv:    "DISABLE_RECV",
	OpExecSql:        "EXEC_SQL",
	OpRefreshPyq:     "REFRESH_PYQ",
	OpDownloadAttach: "DOWNLOAD_ATTACH",
	OpDecryptImage:   "DECRYPT_IMAGE",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_0x%02x", byte(op))
}

// Valid reports whether op is part of the known function table.
func (op Opcode) Valid() bool {
	_, ok := opcodeNames[op]
	return ok
}

// SendOpcodes are the opcodes that produce outbound chat traffic.
var SendOpcodes = []Opcode{OpSendText, OpSendImage, OpSendFile, OpSendXml, OpSendEmotion, OpPatOnePat}

// Status is the result code carried in a response header.
type Status byte

const (
	StatusOK    Status = 0 // Body holds the opcode-specific reply
	StatusError Status = 1 // Body holds the error text
	StatusEmpty Status = 2 // GET_MSG only: no message arrived within the poll timeout
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusError:
		return "ERROR"
	case StatusEmpty:
		return "EMPTY"
	default:
		return fmt.Sprintf("STATUS_%d", byte(s))
	}
}
