package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationKey(t *testing.T) {
	group := &WxMsg{Sender: "wxid_a", RoomID: "123@chatroom"}
	assert.True(t, group.FromGroup())
	assert.Equal(t, "123@chatroom", group.ConversationKey())

	private := &WxMsg{Sender: "wxid_a", RoomID: "wxid_a"}
	assert.False(t, private.FromGroup())
	assert.Equal(t, "wxid_a", private.ConversationKey())
}

func TestSinkPayloadNullRoom(t *testing.T) {
	msg := &WxMsg{ID: 7, Type: KindText, Sender: "wxid_a", Content: "hi", Ts: 1700000000}

	data, err := json.Marshal(msg.ToSinkPayload())
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Contains(t, fields, "roomid")
	assert.Nil(t, fields["roomid"])
	assert.Equal(t, "wxid_a", fields["sender"])
	assert.Equal(t, "hi", fields["content"])
	assert.EqualValues(t, KindText, fields["type"])
	assert.EqualValues(t, 1700000000, fields["ts"])
}

func TestSinkPayloadRoom(t *testing.T) {
	msg := &WxMsg{Sender: "wxid_a", RoomID: "123@chatroom", IsGroup: true}
	payload := msg.ToSinkPayload()
	require.NotNil(t, payload.RoomID)
	assert.Equal(t, "123@chatroom", *payload.RoomID)
}
