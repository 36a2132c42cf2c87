package realtime

import (
	"encoding/json"
	"log"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// 제어 메시지 타입
const (
	TypeConnected = "connected"
	TypePing      = "ping"
	TypePong      = "pong"
)

// Message - 서버가 직접 보내는 제어 메시지 (작업 이벤트는 Redis payload 그대로 전달)
type Message struct {
	Type   string `json:"type"`
	UserID string `json:"userId,omitempty"`
}

// deliver - 등록된 클라이언트 한 명에게 전송 (버퍼가 가득 차면 끊음)
func (h *Hub) deliver(c *Client, message Message) bool {
	data, err := json.Marshal(message)
	if err != nil {
		return false
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := h.users[c.userID][c]; !ok {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		h.remove(c)
		h.metrics.DroppedClients++
		return false
	}
}

// readPump - 클라이언트 메시지 읽기 (ping에만 응답, 나머지는 무시)
func (c *Client) readPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("⚠️  [Realtime] WebSocket error for user %s: %v", c.userID, err)
			}
			return
		}

		var message Message
		if err := json.Unmarshal(data, &message); err != nil {
			continue
		}
		if message.Type == TypePing {
			c.hub.deliver(c, Message{Type: TypePong})
		}
	}
}

// writePump - 송신 채널을 WebSocket으로 쓰고 주기적으로 ping
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("⚠️  [Realtime] WebSocket write error for user %s: %v", c.userID, err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
