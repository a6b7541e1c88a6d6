package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-chi/jwtauth"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/comm"
)

// socket serializes writes; gorilla connections allow one concurrent writer.
type socket struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *socket) writeJSON(v interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

type Ws struct {
	connMap   sync.Map // socketId -> *socket
	memberMap sync.Map // socketId -> member id, set by init
	tokenAuth *jwtauth.JWTAuth
}

func NewWs(tokenAuth *jwtauth.JWTAuth) *Ws {
	return &Ws{tokenAuth: tokenAuth}
}

// handle socket message from app clients
func (s *Ws) SocketMessage(socketId string, message *comm.WSMessage) {
	switch message.Type {
	case "init":
		s.handleInit(socketId, message)
	case "ping":
		s.send(socketId, &comm.WSMessage{Type: "pong"})
	default:
		log.Warnf("unknown event received: %s", message.Type)
	}
}

func (s *Ws) handleInit(socketId string, msg *comm.WSMessage) {
	var payload comm.InitData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		log.Errorf("Error: invalid_init_data Malformed init payload %s", err)
		s.sendError(socketId, "malformed init payload")
		return
	}

	memberId, err := s.verify(payload.Token)
	if err != nil {
		log.Warnf("socket %s init rejected: %v", socketId, err)
		s.sendError(socketId, "invalid token")
		return
	}

	s.memberMap.Store(socketId, memberId)

	data, _ := json.Marshal(map[string]string{"member_id": memberId})
	s.send(socketId, &comm.WSMessage{Type: "init-response", Data: data, SocketId: socketId})
	log.Infof("socket %s bound to member %s", socketId, memberId)
}

func (s *Ws) verify(tokenString string) (string, error) {
	token, err := jwtauth.VerifyToken(s.tokenAuth, tokenString)
	if err != nil {
		return "", err
	}
	v, ok := token.Get("member_id")
	if !ok {
		return "", fmt.Errorf("token carries no member")
	}
	memberId, ok := v.(string)
	if !ok || memberId == "" {
		return "", fmt.Errorf("token carries no member")
	}
	return memberId, nil
}

func (s *Ws) StoreConnection(socketId string, conn *websocket.Conn) {
	s.connMap.Store(socketId, &socket{conn: conn})
}

func (s *Ws) HandleDisconnect(socketId string) {
	s.connMap.Delete(socketId)
	s.memberMap.Delete(socketId)
}

func (s *Ws) GetMember(socketId string) (string, bool) {
	m, ok := s.memberMap.Load(socketId)
	if !ok {
		return "", false
	}
	return m.(string), true
}

func (s *Ws) GetMemberSockets(memberId string) []string {
	var sockets []string
	s.memberMap.Range(func(key, value interface{}) bool {
		if value.(string) == memberId {
			sockets = append(sockets, key.(string))
		}
		return true // continue iterating
	})
	return sockets
}

// SendToMember writes m to every socket bound to memberId and returns how many got it.
func (s *Ws) SendToMember(memberId string, m *comm.WSMessage) int {
	sent := 0
	for _, socketId := range s.GetMemberSockets(memberId) {
		if s.send(socketId, m) {
			sent++
		}
	}
	return sent
}

func (s *Ws) send(socketId string, m *comm.WSMessage) bool {
	v, ok := s.connMap.Load(socketId)
	if !ok {
		return false
	}
	if err := v.(*socket).writeJSON(m); err != nil {
		log.Errorf("write to socket %s: %v", socketId, err)
		return false
	}
	return true
}

func (s *Ws) sendError(socketId, errorMsg string) {
	data, _ := json.Marshal(comm.Res{Status: false, Error: errorMsg})
	s.send(socketId, &comm.WSMessage{Type: "error", Data: data})
}
