package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"

	"wcf-bridge/message"
	"wcf-bridge/protocol"
)

// Accounts the module lists as contacts that are not people.
var systemAccounts = map[string]string{
	"fmessage":    "朋友推荐消息",
	"medianote":   "语音记事本",
	"floatbottle": "漂流瓶",
	"filehelper":  "文件传输助手",
	"newsapp":     "新闻",
}

// IsLogin reports whether the instrumented application is logged in.
func (s *Session) IsLogin(ctx context.Context) (bool, error) {
	var st message.Status
	if err := s.Call(ctx, protocol.OpIsLogin, nil, &st); err != nil {
		return false, err
	}
	return st.Code == 1, nil
}

// SelfWxid returns the logged-in account id. The first successful answer is cached.
func (s *Session) SelfWxid(ctx context.Context) (string, error) {
	if v := s.selfWxid.Load(); v != nil {
		if s.closed.Load() {
			return "", ErrSessionClosed
		}
		return *v, nil
	}
	var text message.Text
	if err := s.Call(ctx, protocol.OpGetSelfWxid, nil, &text); err != nil {
		return "", err
	}
	s.selfWxid.Store(&text.Value)
	return text.Value, nil
}

// MsgTypes returns the message kind table, keyed by kind.
func (s *Session) MsgTypes(ctx context.Context) (map[int32]string, error) {
	var types message.MsgTypes
	if err := s.Call(ctx, protocol.OpGetMsgTypes, nil, &types); err != nil {
		return nil, err
	}
	return types.Types, nil
}

func (s *Session) Contacts(ctx context.Context) ([]message.Contact, error) {
	var contacts []message.Contact
	if err := s.Call(ctx, protocol.OpGetContacts, nil, &contacts); err != nil {
		return nil, err
	}
	return contacts, nil
}

// Friends returns the contacts that are people: chat rooms, official accounts, open-im
// contacts and the built-in system accounts are left out.
func (s *Session) Friends(ctx context.Context) ([]message.Contact, error) {
	contacts, err := s.Contacts(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Filter(contacts, func(c message.Contact, _ int) bool {
		return IsFriend(c.Wxid)
	}), nil
}

// IsFriend applies the contact classification used by Friends.
func IsFriend(wxid string) bool {
	if strings.HasSuffix(wxid, "@chatroom") || strings.HasSuffix(wxid, "@openim") {
		return false
	}
	if strings.HasPrefix(wxid, "gh_") {
		return false
	}
	_, system := systemAccounts[wxid]
	return !system
}

// ListDatabases lists the embedded databases. Every call round-trips.
func (s *Session) ListDatabases(ctx context.Context) ([]string, error) {
	var dbs []string
	if err := s.Call(ctx, protocol.OpListDbs, nil, &dbs); err != nil {
		return nil, err
	}
	return dbs, nil
}

func (s *Session) ListTables(ctx context.Context, db string) ([]message.DbTable, error) {
	if db == "" {
		return nil, &ValidationError{Field: "db", Reason: "empty"}
	}
	var tables []message.DbTable
	if err := s.Call(ctx, protocol.OpListTables, &message.DbArgs{Db: db}, &tables); err != nil {
		return nil, err
	}
	return tables, nil
}

// ExecSQL runs sql against db inside the instrumented application.
func (s *Session) ExecSQL(ctx context.Context, db, sql string) ([]message.Row, error) {
	if db == "" {
		return nil, &ValidationError{Field: "db", Reason: "empty"}
	}
	if strings.TrimSpace(sql) == "" {
		return nil, &ValidationError{Field: "sql", Reason: "empty"}
	}
	var rows []message.Row
	if err := s.Call(ctx, protocol.OpExecSql, &message.DbQuery{Db: db, Sql: sql}, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// SendText sends msg to receiver. aters are wxids to @-mention in a group; use
// "notify@all" to mention everyone.
func (s *Session) SendText(ctx context.Context, msg, receiver string, aters ...string) error {
	if err := requireReceiver(receiver); err != nil {
		return err
	}
	if msg == "" {
		return &ValidationError{Field: "msg", Reason: "empty"}
	}
	args := &message.TextMsg{Msg: msg, Receiver: receiver, Aters: strings.Join(aters, ",")}
	return s.send(ctx, protocol.OpSendText, args)
}

// SendImage sends a local image, or one the module downloads from an http(s) URL.
func (s *Session) SendImage(ctx context.Context, path, receiver string) error {
	return s.sendPath(ctx, protocol.OpSendImage, path, receiver)
}

func (s *Session) SendFile(ctx context.Context, path, receiver string) error {
	return s.sendPath(ctx, protocol.OpSendFile, path, receiver)
}

func (s *Session) SendEmotion(ctx context.Context, path, receiver string) error {
	return s.sendPath(ctx, protocol.OpSendEmotion, path, receiver)
}

// SendXML sends a raw app message. path is an optional thumbnail.
func (s *Session) SendXML(ctx context.Context, receiver, content, path string, typ int32) error {
	if err := requireReceiver(receiver); err != nil {
		return err
	}
	if content == "" {
		return &ValidationError{Field: "content", Reason: "empty"}
	}
	if path != "" {
		if err := requireResource(path); err != nil {
			return err
		}
	}
	return s.send(ctx, protocol.OpSendXml, &message.XmlMsg{Receiver: receiver, Content: content, Path: path, Type: typ})
}

// PatOnePat pats wxid inside the group roomID.
func (s *Session) PatOnePat(ctx context.Context, roomID, wxid string) error {
	if roomID == "" {
		return &ValidationError{Field: "roomid", Reason: "empty"}
	}
	if wxid == "" {
		return &ValidationError{Field: "wxid", Reason: "empty"}
	}
	var st message.Status
	if err := s.Call(ctx, protocol.OpPatOnePat, &message.PatMsg{RoomID: roomID, Wxid: wxid}, &st); err != nil {
		return err
	}
	// The module answers 1 for a pat.
	if st.Code != 1 && st.Code != 0 {
		return &StatusError{Op: protocol.OpPatOnePat, Code: st.Code}
	}
	return nil
}

func (s *Session) sendPath(ctx context.Context, op protocol.Opcode, path, receiver string) error {
	if err := requireReceiver(receiver); err != nil {
		return err
	}
	if err := requireResource(path); err != nil {
		return err
	}
	return s.send(ctx, op, &message.PathMsg{Path: path, Receiver: receiver})
}

func (s *Session) send(ctx context.Context, op protocol.Opcode, args any) error {
	var st message.Status
	if err := s.Call(ctx, op, args, &st); err != nil {
		return err
	}
	if st.Code != 0 {
		return &StatusError{Op: op, Code: st.Code}
	}
	return nil
}

func requireReceiver(receiver string) error {
	if strings.TrimSpace(receiver) == "" {
		return &ValidationError{Field: "receiver", Reason: "empty"}
	}
	return nil
}

// requireResource checks that a file-based send refers to something the module can read.
func requireResource(path string) error {
	if path == "" {
		return &ValidationError{Field: "path", Reason: "empty"}
	}
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return &ValidationError{Field: "path", Reason: err.Error()}
	}
	if fi.IsDir() {
		return &ValidationError{Field: "path", Reason: path + " is a directory"}
	}
	return nil
}

// DownloadAttach asks the module to fetch the attachment of message id.
func (s *Session) DownloadAttach(ctx context.Context, id uint64, thumb, extra string) error {
	if id == 0 {
		return &ValidationError{Field: "id", Reason: "zero"}
	}
	return s.send(ctx, protocol.OpDownloadAttach, &message.AttachMsg{ID: id, Thumb: thumb, Extra: extra})
}

// DecryptImage decrypts a downloaded .dat image into dir and returns the resulting path.
func (s *Session) DecryptImage(ctx context.Context, src, dir string) (string, error) {
	if src == "" {
		return "", &ValidationError{Field: "src", Reason: "empty"}
	}
	var text message.Text
	if err := s.Call(ctx, protocol.OpDecryptImage, &message.DecryptArgs{Src: src, Dir: dir}, &text); err != nil {
		return "", err
	}
	return text.Value, nil
}

// AudioMsg saves the voice message id as mp3 into dir and returns the file path.
func (s *Session) AudioMsg(ctx context.Context, id uint64, dir string) (string, error) {
	if id == 0 {
		return "", &ValidationError{Field: "id", Reason: "zero"}
	}
	var text message.Text
	if err := s.Call(ctx, protocol.OpGetAudioMsg, &message.AudioArgs{ID: id, Dir: dir}, &text); err != nil {
		return "", err
	}
	return text.Value, nil
}

// RefreshPyq pulls moments newer than id into the receive queue. 0 means the latest page.
func (s *Session) RefreshPyq(ctx context.Context, id uint64) error {
	var st message.Status
	if err := s.Call(ctx, protocol.OpRefreshPyq, &message.PyqArgs{ID: id}, &st); err != nil {
		return err
	}
	if st.Code != 1 {
		return &StatusError{Op: protocol.OpRefreshPyq, Code: st.Code}
	}
	return nil
}

// KeepAlive issues a no-op call to prove the connection is alive.
func (s *Session) KeepAlive(ctx context.Context) error {
	return s.Call(ctx, protocol.OpKeepAlive, nil, nil)
}

// EnableReceive asks the module to queue inbound messages, bufferSize at most.
func (s *Session) EnableReceive(ctx context.Context, bufferSize int, pyq bool) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if bufferSize <= 0 {
		return &ValidationError{Field: "buffer_size", Reason: "must be positive"}
	}
	if s.receiving.Load() {
		return nil
	}
	if err := s.send(ctx, protocol.OpEnableRecv, &message.RecvArgs{BufferSize: int32(bufferSize), Pyq: pyq}); err != nil {
		return err
	}
	s.receiving.Store(true)
	// receiving never outlives connected
	if !s.connected.Load() {
		s.receiving.Store(false)
		return ErrNotConnected
	}
	return nil
}

// DisableReceive stops the module's queue. The flag flips before the request goes out,
// so a receive loop issues at most the one poll it already has in flight.
func (s *Session) DisableReceive(ctx context.Context) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if !s.receiving.CompareAndSwap(true, false) {
		return nil
	}
	return s.send(ctx, protocol.OpDisableRecv, nil)
}

// NextMessage polls for one inbound message for up to timeout. It returns (nil, nil) when
// the poll timed out with nothing queued.
func (s *Session) NextMessage(ctx context.Context, timeout time.Duration) (*message.WxMsg, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if !s.receiving.Load() {
		return nil, ErrNotReceiving
	}
	if timeout <= 0 {
		return nil, &ValidationError{Field: "timeout", Reason: "must be positive"}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+pollGrace)
	defer cancel()

	var msg message.WxMsg
	err := s.Call(ctx, protocol.OpGetMsg, &message.PollArgs{TimeoutMs: timeout.Milliseconds()}, &msg)
	if errors.Is(err, errEmpty) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}
