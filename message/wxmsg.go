package message

import (
	"strings"
	"time"
)

// Well-known message kinds.
const (
	KindText    uint32 = 0x01
	KindImage   uint32 = 0x03
	KindVoice   uint32 = 0x22
	KindVideo   uint32 = 0x2B
	KindEmotion uint32 = 0x2F
	KindApp     uint32 = 0x31
	KindSystem  uint32 = 0x2710
)

// WxMsg is one inbound message drained from the module's queue.
// It is produced only by decoding a GET_MSG reply and must be treated as immutable.
type WxMsg struct {
	ID      uint64 `json:"id"`
	Type    uint32 `json:"type"`
	IsSelf  bool   `json:"is_self"`
	IsGroup bool   `json:"is_group"`
	Ts      uint32 `json:"ts"`
	RoomID  string `json:"roomid"`
	Content string `json:"content"`
	Sender  string `json:"sender"`
	Sign    string `json:"sign"`
	Thumb   string `json:"thumb"`
	Extra   string `json:"extra"`
	Xml     string `json:"xml"`
}

// FromGroup reports whether the message was posted in a chat room.
func (m *WxMsg) FromGroup() bool {
	return m.IsGroup || strings.HasSuffix(m.RoomID, "@chatroom")
}

// Time returns the message timestamp.
func (m *WxMsg) Time() time.Time {
	return time.Unix(int64(m.Ts), 0)
}

// ConversationKey identifies the conversation the message belongs to:
// the room for group messages, the sender otherwise.
func (m *WxMsg) ConversationKey() string {
	if m.FromGroup() && m.RoomID != "" {
		return m.RoomID
	}
	return m.Sender
}

// SinkPayload is the shape POSTed to a forward sink, one message per request.
type SinkPayload struct {
	ID      uint64  `json:"id"`
	Type    uint32  `json:"type"`
	IsSelf  bool    `json:"is_self"`
	IsGroup bool    `json:"is_group"`
	Ts      uint32  `json:"ts"`
	Sender  string  `json:"sender"`
	RoomID  *string `json:"roomid"`
	Content string  `json:"content"`
	Sign    string  `json:"sign"`
	Thumb   string  `json:"thumb"`
	Extra   string  `json:"extra"`
	Xml     string  `json:"xml"`
}

// ToSinkPayload converts m to the sink shape. RoomID is null for private chats.
func (m *WxMsg) ToSinkPayload() SinkPayload {
	p := SinkPayload{
		ID:      m.ID,
		Type:    m.Type,
		IsSelf:  m.IsSelf,
		IsGroup: m.IsGroup,
		Ts:      m.Ts,
		Sender:  m.Sender,
		Content: m.Content,
		Sign:    m.Sign,
		Thumb:   m.Thumb,
		Extra:   m.Extra,
		Xml:     m.Xml,
	}
	if m.RoomID != "" {
		room := m.RoomID
		p.RoomID = &room
	}
	return p
}
