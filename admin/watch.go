package admin

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/inimical023/callflow/stream"
)

// watchMessage is a control message sent by a watch client.
//
//	{"action":"subscribe","topic":"stage:FAILED"}
//	{"action":"unsubscribe","topic":"firehose"}
//	{"action":"credits","credits":100}
type watchMessage struct {
	Action  string `json:"action"`
	Topic   string `json:"topic,omitempty"`
	Credits int64  `json:"credits,omitempty"`
}

// watchReply acknowledges a control message or reports an error.
type watchReply struct {
	Type   string   `json:"type"`
	Topics []string `json:"topics,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// watchSet tracks open watch connections.
type watchSet struct {
	mu    sync.Mutex
	conns map[string]net.Conn
}

func newWatchSet() *watchSet { return &watchSet{conns: make(map[string]net.Conn)} }

func (set *watchSet) add(id string, c net.Conn) {
	set.mu.Lock()
	set.conns[id] = c
	set.mu.Unlock()
}

func (set *watchSet) remove(id string) {
	set.mu.Lock()
	delete(set.conns, id)
	set.mu.Unlock()
}

func (set *watchSet) closeAll() {
	set.mu.Lock()
	defer set.mu.Unlock()
	for id, c := range set.conns {
		_ = c.Close()
		delete(set.conns, id)
	}
}

// watchConn serializes writes to one WebSocket.
type watchConn struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *watchConn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteServerText(c.conn, data)
}

// watch upgrades to a WebSocket streaming lifecycle events. Initial topics
// come from repeated topic query parameters; firehose is used when none
// are given. A correlation_id parameter narrows the stream to one call.
func (s *Server) watch(w http.ResponseWriter, r *http.Request) {
	topics := r.URL.Query()["topic"]
	if len(topics) == 0 {
		topics = []string{stream.TopicFirehose}
	}
	for _, t := range topics {
		if err := stream.ValidateTopic(t); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("watch upgrade failed", slog.String("error", err.Error()))
		return
	}
	connID := "watch-" + uuid.NewString()
	subject := ""
	if id := IdentityFrom(r.Context()); id != nil {
		subject = id.Subject
	}
	s.watches.add(connID, conn)
	wc := &watchConn{conn: conn}
	sub := s.broker.Subscribe(connID, topics...)
	if cid := r.URL.Query().Get("correlation_id"); cid != "" {
		sub.SetFilter(stream.CorrelationFilter(cid))
	}
	s.logger.Info("watch connected",
		slog.String("conn_id", connID),
		slog.String("subject", subject),
		slog.Any("topics", topics),
	)

	defer func() {
		s.broker.RemoveSubscriber(connID)
		s.watches.remove(connID)
		_ = conn.Close()
		s.logger.Info("watch disconnected", slog.String("conn_id", connID))
	}()

	go func() {
		for evt := range sub.C() {
			if err := wc.write(evt); err != nil {
				_ = conn.Close()
				return
			}
		}
	}()

	if err := wc.write(watchReply{Type: "subscribed", Topics: sub.Topics()}); err != nil {
		return
	}
	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		reply := s.control(connID, sub, data)
		if err := wc.write(reply); err != nil {
			return
		}
	}
}

func (s *Server) control(connID string, sub *stream.Subscriber, data []byte) watchReply {
	var msg watchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return watchReply{Type: "error", Error: "invalid message"}
	}
	switch msg.Action {
	case "subscribe":
		if err := stream.ValidateTopic(msg.Topic); err != nil {
			return watchReply{Type: "error", Error: err.Error()}
		}
		s.broker.SubscribeTo(connID, msg.Topic)
		return watchReply{Type: "subscribed", Topics: sub.Topics()}
	case "unsubscribe":
		s.broker.Unsubscribe(connID, msg.Topic)
		return watchReply{Type: "unsubscribed", Topics: sub.Topics()}
	case "credits":
		if msg.Credits <= 0 {
			return watchReply{Type: "error", Error: "credits must be positive"}
		}
		sub.AddCredits(msg.Credits)
		return watchReply{Type: "credits"}
	default:
		return watchReply{Type: "error", Error: "unknown action " + msg.Action}
	}
}
