// Package message defines the envelopes and payloads exchanged with the injected WCF module.
//
// Request/Response are the raw envelopes handled by the transport: an opcode or status plus
// an opaque payload. The remaining types are the opcode-specific payloads, encoded into the
// envelope by the codec layer.
package message

import "wcf-bridge/protocol"

// Request carries one RPC call.
type Request struct {
	Op      protocol.Opcode
	Payload []byte // Codec-encoded args, nil for opcodes without arguments
}

// Response carries the single reply to a Request.
//
//   - StatusOK:    Payload contains the codec-encoded reply (may be empty).
//   - StatusError: Payload contains the error text reported by the module.
//   - StatusEmpty: GET_MSG timed out without a message; Payload is empty.
type Response struct {
	Status    protocol.Status
	CodecType byte
	Payload   []byte
}

// Status is the integer result most commands reply with. Non-zero values are
// module-side failures for send operations, and the login flag for IS_LOGIN.
type Status struct {
	Code int32 `json:"status"`
}

// Text is a single string reply (self wxid, decrypted file path, audio path).
type Text struct {
	Value string `json:"str"`
}

// MsgTypes maps message kind numbers to their display names.
type MsgTypes struct {
	Types map[int32]string `json:"types"`
}

// Contact is one entry of the instrumented application's contact list,
// covering friends, chat rooms, official accounts and system entries.
type Contact struct {
	Wxid     string `json:"wxid"`
	Code     string `json:"code"`
	Remark   string `json:"remark"`
	Name     string `json:"name"`
	Country  string `json:"country"`
	Province string `json:"province"`
	City     string `json:"city"`
	Gender   int32  `json:"gender"`
}

// DbTable describes one table of an embedded database.
type DbTable struct {
	Name string `json:"name"`
	Sql  string `json:"sql"`
}

// Row is one result row of EXEC_SQL keyed by column name.
type Row map[string]any
