package ws

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/panditbooking/booking/pkg/logger"
)

var (
	activityTimeout = 60 * time.Second
	pingInterval    = 30 * time.Second
	writeWait       = 10 * time.Second
)

// Feed streams booking events from Redis pub/sub to websocket clients.
type Feed struct {
	client         *redis.Client
	publisher      *Publisher
	allowedOrigins []string
	log            *logger.Logger
}

func NewFeed(client *redis.Client, publisher *Publisher, allowedOrigins []string, log *logger.Logger) *Feed {
	if log == nil {
		log = logger.Nop()
	}
	return &Feed{client: client, publisher: publisher, allowedOrigins: allowedOrigins, log: log}
}

// Serve upgrades the request and relays events until the client goes away.
// Authorization must happen before Serve. snapshot, when not nil, is sent first.
func (f *Feed) Serve(w http.ResponseWriter, r *http.Request, bookingID uuid.UUID, snapshot []byte) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return allowOrigin(r, f.allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.WithError(err).Warn("booking feed upgrade")
		return
	}

	// 先订阅再发快照，避免丢失中间事件
	sub := f.client.Subscribe(r.Context(), f.publisher.Channel(bookingID))
	if _, err := sub.Receive(r.Context()); err != nil {
		f.log.WithError(err).Warn("booking feed subscribe")
		_ = sub.Close()
		_ = conn.Close()
		return
	}

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(conn, sub, snapshot, done)
}

func allowOrigin(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		o = strings.TrimSpace(o)
		if o == "*" || (o != "" && o == origin) {
			return true
		}
	}
	return false
}

// readPump 只处理 pong 与关闭；客户端消息被丢弃
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(activityTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(activityTimeout))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(activityTimeout))
	}
}

func writePump(conn *websocket.Conn, sub *redis.PubSub, snapshot []byte, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = sub.Close()
		_ = conn.Close()
	}()

	if snapshot != nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, snapshot); err != nil {
			return
		}
	}

	messages := sub.Channel()
	for {
		select {
		case <-done:
			return
		case msg, ok := <-messages:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
