package realtime

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	redisutil "imagine-engine-server/modules/common/redis"
)

// sendBuffer - 클라이언트별 송신 버퍼 크기
const sendBuffer = 256

// EventSource - 모든 사용자 이벤트 채널 구독
type EventSource interface {
	SubscribeAll(ctx context.Context) *redis.PubSub
}

// Client - WebSocket 연결 하나
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string
	send   chan []byte
}

// Metrics - 서버 메트릭
type Metrics struct {
	StartTime        time.Time `json:"startTime"`
	TotalConnections int       `json:"totalConnections"`
	DroppedClients   int       `json:"droppedClients"`
}

// Hub - 사용자별 클라이언트 집합 관리
type Hub struct {
	users   map[string]map[*Client]struct{}
	mutex   sync.RWMutex
	metrics Metrics
}

func NewHub() *Hub {
	return &Hub{
		users:   make(map[string]map[*Client]struct{}),
		metrics: Metrics{StartTime: time.Now()},
	}
}

func (h *Hub) newClient(conn *websocket.Conn, userID string) *Client {
	return &Client{
		hub:    h,
		conn:   conn,
		userID: userID,
		send:   make(chan []byte, sendBuffer),
	}
}

// Register - 사용자 집합에 클라이언트 추가
func (h *Hub) Register(c *Client) {
	h.mutex.Lock()
	clients, ok := h.users[c.userID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.users[c.userID] = clients
	}
	clients[c] = struct{}{}
	h.metrics.TotalConnections++
	count := len(clients)
	total := h.metrics.TotalConnections
	h.mutex.Unlock()

	log.Printf("👤 [Realtime] Client joined for user %s (Clients: %d, Total Connections: %d)", c.userID, count, total)
}

// Unregister - 클라이언트 제거 후 송신 채널 닫기 (이미 제거된 경우 무시)
func (h *Hub) Unregister(c *Client) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.remove(c) {
		log.Printf("👋 [Realtime] Client left for user %s (Remaining: %d)", c.userID, len(h.users[c.userID]))
	}
}

// remove - mutex를 잡은 상태에서 호출
func (h *Hub) remove(c *Client) bool {
	clients, ok := h.users[c.userID]
	if !ok {
		return false
	}
	if _, exists := clients[c]; !exists {
		return false
	}
	close(c.send)
	delete(clients, c)
	if len(clients) == 0 {
		delete(h.users, c.userID)
	}
	return true
}

// Broadcast - 사용자의 모든 클라이언트로 전송, 버퍼가 가득 찬 클라이언트는 끊음
func (h *Hub) Broadcast(userID string, message []byte) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	delivered := 0
	for c := range h.users[userID] {
		select {
		case c.send <- message:
			delivered++
		default:
			h.remove(c)
			h.metrics.DroppedClients++
			log.Printf("🐢 [Realtime] Dropped slow client for user %s", userID)
		}
	}
	return delivered
}

// Run - Redis 이벤트를 구독해 사용자별로 전달 (ctx가 끝날 때까지)
func (h *Hub) Run(ctx context.Context, source EventSource) error {
	sub := source.SubscribeAll(ctx)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", redisutil.EventPattern, err)
	}
	log.Printf("📡 [Realtime] Subscribed to %s", redisutil.EventPattern)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			log.Println("🛑 [Realtime] Event forwarding stopped")
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			userID := redisutil.UserFromChannel(msg.Channel)
			if userID == "" {
				continue
			}
			h.Broadcast(userID, []byte(msg.Payload))
		}
	}
}

// Snapshot - 현재 메트릭과 연결 수
func (h *Hub) Snapshot() (Metrics, int, int) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	clients := 0
	for _, set := range h.users {
		clients += len(set)
	}
	return h.metrics, clients, len(h.users)
}
