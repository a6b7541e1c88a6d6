package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/avvvet/ohgo-stamp-services/internal/comm"
	"github.com/avvvet/ohgo-stamp-services/internal/socketsvc/ws"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	writeWait    = 10 * time.Second
	maxFrameSize = 4096
)

type Handler struct {
	upgrader websocket.Upgrader
	ws       *ws.Ws
}

type Response struct {
	Message string      `json:"message"`
	Code    int         `json:"code"`
	Data    interface{} `json:"data"`
	Error   string      `json:"error"`
}

// NewHandler accepts upgrades from the given origins. Native apps send no Origin header
// and are always accepted; an empty list accepts everything.
func NewHandler(s *ws.Ws, allowedOrigins ...string) *Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}

	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || len(allowed) == 0 || allowed[origin]
			},
		},
		ws: s,
	}
}

// HandleWebSocket upgrades the app connection; the socket stays anonymous until init.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("websocket upgrade from %s refused: %v", r.RemoteAddr, err)
		return
	}

	socketId := uuid.NewString()
	h.ws.StoreConnection(socketId, conn)
	log.Infof("socket %s connected from %s", socketId, r.RemoteAddr)

	go h.readLoop(conn, socketId)
}

func (h *Handler) readLoop(conn *websocket.Conn, socketId string) {
	done := make(chan struct{})
	defer func() {
		close(done)
		memberId, _ := h.ws.GetMember(socketId)
		h.ws.HandleDisconnect(socketId)
		conn.Close()
		log.WithFields(log.Fields{"socket": socketId, "member": memberId}).Info("socket closed")
	}()

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go keepAlive(conn, done)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warnf("socket %s dropped: %v", socketId, err)
			}
			return
		}

		message := &comm.WSMessage{}
		if err := json.Unmarshal(raw, message); err != nil {
			log.Warnf("socket %s sent malformed frame: %v", socketId, err)
			continue
		}
		h.ws.SocketMessage(socketId, message)
	}
}

// keepAlive pings until done is closed. WriteControl may run alongside the data writer.
func keepAlive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (h *Handler) CreateResponse(w http.ResponseWriter, rsp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(rsp.Code)
	if err := json.NewEncoder(w).Encode(rsp); err != nil {
		log.Errorf("Failed to encode response: %v", err)
	}
}

func (h *Handler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	h.CreateResponse(w, Response{
		Message: "socket service is running",
		Code:    http.StatusOK,
	})
}
