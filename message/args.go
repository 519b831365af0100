package message

// ConnectArgs opens a session against the injected module.
type ConnectArgs struct {
	ModulePath string `json:"module_path"`
	Version    string `json:"version"`
}

// DbArgs names an embedded database.
type DbArgs struct {
	Db string `json:"db"`
}

// DbQuery runs one SQL statement against an embedded database.
type DbQuery struct {
	Db  string `json:"db"`
	Sql string `json:"sql"`
}

// TextMsg sends a text message. Aters is a comma separated wxid list; the number of
// "@" mentions in Msg must match it.
type TextMsg struct {
	Msg      string `json:"msg"`
	Receiver string `json:"receiver"`
	Aters    string `json:"aters,omitempty"`
}

// PathMsg sends an image, file or emotion stored at Path (local path or URL).
type PathMsg struct {
	Path     string `json:"path"`
	Receiver string `json:"receiver"`
}

// XmlMsg sends a raw application XML card.
type XmlMsg struct {
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
	Path     string `json:"path,omitempty"`
	Type     int32  `json:"type"`
}

// PatMsg pats Wxid inside RoomID (or a private chat when RoomID is a wxid).
type PatMsg struct {
	RoomID string `json:"roomid"`
	Wxid   string `json:"wxid"`
}

// RecvArgs enables the inbound message queue.
type RecvArgs struct {
	BufferSize int32 `json:"buffer_size"`
	Pyq        bool  `json:"pyq"` // Also queue moments (friend circle) updates
}

// PollArgs bounds how long GET_MSG blocks inside the module.
type PollArgs struct {
	TimeoutMs int64 `json:"timeout_ms"`
}

// PyqArgs refreshes moments starting after ID; 0 loads the first page.
type PyqArgs struct {
	ID uint64 `json:"id"`
}

// AttachMsg downloads the attachment of message ID. Thumb and Extra are the
// paths reported in the inbound message.
type AttachMsg struct {
	ID    uint64 `json:"id"`
	Thumb string `json:"thumb"`
	Extra string `json:"extra"`
}

// DecryptArgs decrypts an image downloaded from message storage into Dir.
type DecryptArgs struct {
	Src string `json:"src"`
	Dir string `json:"dir"`
}

// AudioArgs converts the voice message ID to mp3 inside Dir.
type AudioArgs struct {
	ID  uint64 `json:"id"`
	Dir string `json:"dir"`
}
