package server

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"wcf-bridge/message"
	"wcf-bridge/protocol"
)

const queueCapacity = 1024

// Sent records one outbound send handled by the emulator.
type Sent struct {
	Op       protocol.Opcode
	Receiver string
	Content  string // text, path or XML depending on Op
}

// moduleState is the emulated state of the instrumented application.
type moduleState struct {
	mu       sync.Mutex
	loggedIn bool
	selfWxid string
	msgTypes map[int32]string
	contacts []message.Contact
	dbs      map[string][]message.DbTable
	query    func(db, sql string) ([]message.Row, error)
	sent     []Sent
	calls    map[protocol.Opcode]int

	attachments map[uint64][]byte

	receiving atomic.Bool
	queue     chan *message.WxMsg
}

func newModuleState() *moduleState {
	return &moduleState{
		loggedIn: true,
		selfWxid: "wxid_stub",
		msgTypes: map[int32]string{
			int32(message.KindText):    "文字",
			int32(message.KindImage):   "图片",
			int32(message.KindVoice):   "语音",
			int32(message.KindVideo):   "视频",
			int32(message.KindEmotion): "表情",
			int32(message.KindApp):     "共享实时位置、文件、转账、链接",
			int32(message.KindSystem):  "系统消息",
		},
		dbs: map[string][]message.DbTable{
			"MicroMsg.db": {
				{Name: "Contact", Sql: "CREATE TABLE Contact(UserName TEXT PRIMARY KEY, Alias TEXT, NickName TEXT, Remark TEXT, Type INTEGER)"},
				{Name: "ChatRoom", Sql: "CREATE TABLE ChatRoom(ChatRoomName TEXT PRIMARY KEY, UserNameList TEXT)"},
			},
			"MSG0.db": {
				{Name: "MSG", Sql: "CREATE TABLE MSG(localId INTEGER PRIMARY KEY, MsgSvrID INTEGER, Type INTEGER, StrContent TEXT, CreateTime INTEGER)"},
			},
		},
		calls:       make(map[protocol.Opcode]int),
		attachments: make(map[uint64][]byte),
		queue:       make(chan *message.WxMsg, queueCapacity),
	}
}

func (st *moduleState) count(op protocol.Opcode) {
	st.mu.Lock()
	st.calls[op]++
	st.mu.Unlock()
}

func (st *moduleState) record(s Sent) message.Status {
	st.mu.Lock()
	st.sent = append(st.sent, s)
	st.mu.Unlock()
	return message.Status{Code: 0}
}

func (s *Server) installDefaults() {
	st := s.state

	s.Handle(protocol.OpConnect, Typed(func(ctx context.Context, args *message.ConnectArgs) (message.Status, error) {
		return message.Status{Code: 0}, nil
	}))
	s.Handle(protocol.OpKeepAlive, Typed(func(ctx context.Context, _ *NoArgs) (message.Status, error) {
		return message.Status{Code: 0}, nil
	}))
	s.Handle(protocol.OpIsLogin, Typed(func(ctx context.Context, _ *NoArgs) (message.Status, error) {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.loggedIn {
			return message.Status{Code: 1}, nil
		}
		return message.Status{Code: 0}, nil
	}))
	s.Handle(protocol.OpGetSelfWxid, Typed(func(ctx context.Context, _ *NoArgs) (message.Text, error) {
		st.mu.Lock()
		defer st.mu.Unlock()
		return message.Text{Value: st.selfWxid}, nil
	}))
	s.Handle(protocol.OpGetMsgTypes, Typed(func(ctx context.Context, _ *NoArgs) (message.MsgTypes, error) {
		st.mu.Lock()
		defer st.mu.Unlock()
		return message.MsgTypes{Types: st.msgTypes}, nil
	}))
	s.Handle(protocol.OpGetContacts, Typed(func(ctx context.Context, _ *NoArgs) ([]message.Contact, error) {
		st.mu.Lock()
		defer st.mu.Unlock()
		return append([]message.Contact(nil), st.contacts...), nil
	}))
	s.Handle(protocol.OpListDbs, Typed(func(ctx context.Context, _ *NoArgs) ([]string, error) {
		st.mu.Lock()
		defer st.mu.Unlock()
		names := make([]string, 0, len(st.dbs))
		for name := range st.dbs {
			names = append(names, name)
		}
		return names, nil
	}))
	s.Handle(protocol.OpListTables, Typed(func(ctx context.Context, args *message.DbArgs) ([]message.DbTable, error) {
		st.mu.Lock()
		defer st.mu.Unlock()
		tables, ok := st.dbs[args.Db]
		if !ok {
			return nil, fmt.Errorf("no such database: %s", args.Db)
		}
		return tables, nil
	}))
	s.Handle(protocol.OpExecSql, Typed(func(ctx context.Context, args *message.DbQuery) ([]message.Row, error) {
		st.mu.Lock()
		_, ok := st.dbs[args.Db]
		query := st.query
		st.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("no such database: %s", args.Db)
		}
		if query == nil {
			return []message.Row{}, nil
		}
		return query(args.Db, args.Sql)
	}))

	s.Handle(protocol.OpSendText, Typed(func(ctx context.Context, args *message.TextMsg) (message.Status, error) {
		return st.record(Sent{Op: protocol.OpSendText, Receiver: args.Receiver, Content: args.Msg}), nil
	}))
	for _, op := range []protocol.Opcode{protocol.OpSendImage, protocol.OpSendFile, protocol.OpSendEmotion} {
		op := op
		s.Handle(op, Typed(func(ctx context.Context, args *message.PathMsg) (message.Status, error) {
			return st.record(Sent{Op: op, Receiver: args.Receiver, Content: args.Path}), nil
		}))
	}
	s.Handle(protocol.OpSendXml, Typed(func(ctx context.Context, args *message.XmlMsg) (message.Status, error) {
		return st.record(Sent{Op: protocol.OpSendXml, Receiver: args.Receiver, Content: args.Content}), nil
	}))
	s.Handle(protocol.OpPatOnePat, Typed(func(ctx context.Context, args *message.PatMsg) (message.Status, error) {
		return st.record(Sent{Op: protocol.OpPatOnePat, Receiver: args.RoomID, Content: args.Wxid}), nil
	}))

	s.Handle(protocol.OpRefreshPyq, Typed(func(ctx context.Context, args *message.PyqArgs) (message.Status, error) {
		if !st.receiving.Load() {
			return message.Status{Code: -1}, nil
		}
		return message.Status{Code: 1}, nil
	}))
	s.Handle(protocol.OpDownloadAttach, Typed(func(ctx context.Context, args *message.AttachMsg) (message.Status, error) {
		st.mu.Lock()
		data, ok := st.attachments[args.ID]
		st.mu.Unlock()
		if !ok || args.Extra == "" {
			return message.Status{Code: 0}, nil
		}
		if err := writeEncrypted(args.Extra, data); err != nil {
			return message.Status{Code: -1}, nil
		}
		return message.Status{Code: 0}, nil
	}))
	s.Handle(protocol.OpDecryptImage, Typed(func(ctx context.Context, args *message.DecryptArgs) (message.Text, error) {
		out, err := decryptImage(args.Src, args.Dir)
		if err != nil {
			// the module answers an empty path until the download has landed
			return message.Text{}, nil
		}
		return message.Text{Value: out}, nil
	}))
	s.Handle(protocol.OpGetAudioMsg, Typed(func(ctx context.Context, args *message.AudioArgs) (message.Text, error) {
		return message.Text{Value: path.Join(args.Dir, strconv.FormatUint(args.ID, 10)+".mp3")}, nil
	}))

	s.Handle(protocol.OpEnableRecv, Typed(func(ctx context.Context, args *message.RecvArgs) (message.Status, error) {
		if args.BufferSize <= 0 {
			return message.Status{}, errors.New("buffer size must be positive")
		}
		st.receiving.Store(true)
		return message.Status{Code: 0}, nil
	}))
	s.Handle(protocol.OpDisableRecv, Typed(func(ctx context.Context, _ *NoArgs) (message.Status, error) {
		st.receiving.Store(false)
		return message.Status{Code: 0}, nil
	}))
	s.Handle(protocol.OpGetMsg, s.getMsg)
}

// getMsg blocks until a queued message is available or the poll timeout passes.
func (s *Server) getMsg(ctx context.Context, req *message.Request) (*message.Response, error) {
	st := s.state
	if !st.receiving.Load() {
		return nil, errors.New("receiving not enabled")
	}
	var args message.PollArgs
	if len(req.Payload) > 0 {
		if err := CodecFrom(ctx).Decode(req.Payload, &args); err != nil {
			return nil, fmt.Errorf("decode GET_MSG args: %w", err)
		}
	}
	timeout := time.Duration(args.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-st.queue:
		return Reply(ctx, msg)
	case <-timer.C:
		return Empty(ctx), nil
	case <-ctx.Done():
		return Empty(ctx), nil
	}
}

// Push queues an inbound message for GET_MSG, in FIFO order.
func (s *Server) Push(msgs ...*message.WxMsg) {
	for _, msg := range msgs {
		s.state.queue <- msg
	}
}

// Queued returns the number of messages waiting to be drained.
func (s *Server) Queued() int {
	return len(s.state.queue)
}

// Receiving reports whether the client enabled receiving.
func (s *Server) Receiving() bool {
	return s.state.receiving.Load()
}

// SetLoggedIn sets the IS_LOGIN answer.
func (s *Server) SetLoggedIn(v bool) {
	s.state.mu.Lock()
	s.state.loggedIn = v
	s.state.mu.Unlock()
}

// SetSelfWxid sets the GET_SELF_WXID answer.
func (s *Server) SetSelfWxid(wxid string) {
	s.state.mu.Lock()
	s.state.selfWxid = wxid
	s.state.mu.Unlock()
}

// SetContacts replaces the GET_CONTACTS answer.
func (s *Server) SetContacts(contacts []message.Contact) {
	s.state.mu.Lock()
	s.state.contacts = contacts
	s.state.mu.Unlock()
}

// SetDatabase adds or replaces an embedded database.
func (s *Server) SetDatabase(name string, tables []message.DbTable) {
	s.state.mu.Lock()
	s.state.dbs[name] = tables
	s.state.mu.Unlock()
}

// SetQueryFunc answers EXEC_SQL.
func (s *Server) SetQueryFunc(fn func(db, sql string) ([]message.Row, error)) {
	s.state.mu.Lock()
	s.state.query = fn
	s.state.mu.Unlock()
}

// SetAttachment makes DOWNLOAD_ATTACH for message id store image as an encrypted .dat file
// at the path carried in the message's extra field.
func (s *Server) SetAttachment(id uint64, image []byte) {
	s.state.mu.Lock()
	s.state.attachments[id] = image
	s.state.mu.Unlock()
}

// Sent returns the sends handled so far.
func (s *Server) Sent() []Sent {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return append([]Sent(nil), s.state.sent...)
}

// CallCount returns how many requests with op were received.
func (s *Server) CallCount(op protocol.Opcode) int {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.calls[op]
}
