package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"wcf-bridge/bridge"
	"wcf-bridge/session"
	"wcf-bridge/transport"
)

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", s.health)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	if s.level != nil {
		r.GET("/log/level", gin.WrapH(s.level))
		r.PUT("/log/level", gin.WrapH(s.level))
	}

	wx := r.Group("/wechat")
	wx.GET("/login", s.withSession(func(c *gin.Context, sess *session.Session) {
		ok, err := sess.IsLogin(c)
		reply(c, gin.H{"login": ok}, err)
	}))
	wx.GET("/self", s.withSession(func(c *gin.Context, sess *session.Session) {
		wxid, err := sess.SelfWxid(c)
		reply(c, gin.H{"wxid": wxid}, err)
	}))
	wx.GET("/msg/types", s.withSession(func(c *gin.Context, sess *session.Session) {
		types, err := sess.MsgTypes(c)
		reply(c, types, err)
	}))
	wx.GET("/contacts", s.withSession(func(c *gin.Context, sess *session.Session) {
		contacts, err := sess.Contacts(c)
		reply(c, contacts, err)
	}))
	wx.GET("/friends", s.withSession(func(c *gin.Context, sess *session.Session) {
		friends, err := sess.Friends(c)
		reply(c, friends, err)
	}))
	wx.GET("/dbs", s.withSession(func(c *gin.Context, sess *session.Session) {
		dbs, err := sess.ListDatabases(c)
		reply(c, dbs, err)
	}))
	wx.GET("/dbs/:db/tables", s.withSession(func(c *gin.Context, sess *session.Session) {
		tables, err := sess.ListTables(c, c.Param("db"))
		reply(c, tables, err)
	}))
	wx.POST("/db/sql", s.withSession(func(c *gin.Context, sess *session.Session) {
		var req struct {
			Db  string `json:"db"`
			Sql string `json:"sql"`
		}
		if !bind(c, &req) {
			return
		}
		rows, err := sess.ExecSQL(c, req.Db, req.Sql)
		reply(c, rows, err)
	}))

	wx.POST("/msg/text", s.withSession(func(c *gin.Context, sess *session.Session) {
		var req struct {
			Msg      string   `json:"msg"`
			Receiver string   `json:"receiver"`
			Aters    []string `json:"aters"`
		}
		if !bind(c, &req) {
			return
		}
		done(c, sess.SendText(c, req.Msg, req.Receiver, req.Aters...))
	}))
	for path, send := range map[string]func(*session.Session, context.Context, string, string) error{
		"/msg/image":   (*session.Session).SendImage,
		"/msg/file":    (*session.Session).SendFile,
		"/msg/emotion": (*session.Session).SendEmotion,
	} {
		send := send
		wx.POST(path, s.withSession(func(c *gin.Context, sess *session.Session) {
			var req struct {
				Path     string `json:"path"`
				Receiver string `json:"receiver"`
			}
			if !bind(c, &req) {
				return
			}
			done(c, send(sess, c, req.Path, req.Receiver))
		}))
	}
	wx.POST("/msg/xml", s.withSession(func(c *gin.Context, sess *session.Session) {
		var req struct {
			Receiver string `json:"receiver"`
			Content  string `json:"content"`
			Path     string `json:"path"`
			Type     int32  `json:"type"`
		}
		if !bind(c, &req) {
			return
		}
		done(c, sess.SendXML(c, req.Receiver, req.Content, req.Path, req.Type))
	}))
	wx.POST("/msg/pat", s.withSession(func(c *gin.Context, sess *session.Session) {
		var req struct {
			RoomID string `json:"roomid"`
			Wxid   string `json:"wxid"`
		}
		if !bind(c, &req) {
			return
		}
		done(c, sess.PatOnePat(c, req.RoomID, req.Wxid))
	}))

	wx.POST("/attach/download", s.withSession(func(c *gin.Context, sess *session.Session) {
		var req struct {
			ID    uint64 `json:"id"`
			Thumb string `json:"thumb"`
			Extra string `json:"extra"`
		}
		if !bind(c, &req) {
			return
		}
		done(c, sess.DownloadAttach(c, req.ID, req.Thumb, req.Extra))
	}))
	wx.POST("/image/decrypt", s.withSession(func(c *gin.Context, sess *session.Session) {
		var req struct {
			Src string `json:"src"`
			Dir string `json:"dir"`
		}
		if !bind(c, &req) {
			return
		}
		path, err := sess.DecryptImage(c, req.Src, req.Dir)
		reply(c, gin.H{"path": path}, err)
	}))
	wx.GET("/audio/:id", s.withSession(func(c *gin.Context, sess *session.Session) {
		id, err := strconv.ParseUint(c.Param("id"), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
			return
		}
		path, err := sess.AudioMsg(c, id, c.Query("dir"))
		reply(c, gin.H{"path": path}, err)
	}))
	wx.POST("/pyq/refresh", s.withSession(func(c *gin.Context, sess *session.Session) {
		id, _ := strconv.ParseUint(c.DefaultQuery("id", "0"), 10, 64)
		done(c, sess.RefreshPyq(c, id))
	}))

	wx.POST("/recv/enable", func(c *gin.Context) {
		done(c, s.backend.EnableReceiving(c))
	})
	wx.POST("/recv/disable", func(c *gin.Context) {
		done(c, s.backend.DisableReceiving(c))
	})
}

func (s *Server) health(c *gin.Context) {
	sess := s.backend.Session()
	connected := sess != nil && sess.IsConnected()
	status := http.StatusOK
	if !connected {
		status = http.StatusServiceUnavailable
	}
	body := gin.H{
		"connected": connected,
		"receiving": s.backend.IsReceiving(),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	if sess != nil {
		body["endpoint"] = sess.Endpoint()
	}
	c.JSON(status, body)
}

// withSession resolves the live session, answering 503 while there is none.
func (s *Server) withSession(fn func(c *gin.Context, sess *session.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess := s.backend.Session()
		if sess == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": session.ErrNotConnected.Error()})
			return
		}
		fn(c, sess)
	}
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func reply(c *gin.Context, v any, err error) {
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func done(c *gin.Context, err error) {
	reply(c, gin.H{"status": "ok"}, err)
}

func fail(c *gin.Context, err error) {
	_ = c.Error(err)
	body := gin.H{"error": err.Error()}
	var se *session.StatusError
	if errors.As(err, &se) {
		body["code"] = se.Code
	}
	c.JSON(statusOf(err), body)
}

// statusOf maps facade errors to HTTP statuses.
func statusOf(err error) int {
	switch {
	case session.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrNotConnected),
		errors.Is(err, bridge.ErrStopped),
		errors.Is(err, bridge.ErrNotStarted),
		transport.IsConnectionError(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}
