package main

import (
	"encoding/json"
	"fmt"
	"html"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/elijahnyp/modem_controller/proxy"
	"github.com/elijahnyp/modem_controller/state"
	. "github.com/elijahnyp/modem_controller/util"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// WebSocketMessage represents a message sent over WebSocket
type WebSocketMessage struct {
	Data interface{} `json:"data"`
	Type string      `json:"type"`
}

// WSClient represents a connected WebSocket client
type WSClient struct {
	conn *websocket.Conn
	send chan WebSocketMessage
	hub  *WSHub
}

// WSHub maintains the set of active clients and broadcasts messages
type WSHub struct {
	clients    map[*WSClient]bool
	broadcast  chan WebSocketMessage
	register   chan *WSClient
	unregister chan *WSClient
}

// SystemStatus represents the overall controller status
type SystemStatus struct {
	Modems        []state.ModemStatus `json:"modems"`
	Pending       []PendingCallStatus `json:"pending"`
	TotalModems   int                 `json:"total_modems"`
	EnabledModems int                 `json:"enabled_modems"`
	Anomalies     uint64              `json:"anomalies"`
	LateReplies   uint64              `json:"late_replies"`
	Connected     bool                `json:"connected"`
}

// PendingCallStatus represents an outstanding bus call
type PendingCallStatus struct {
	Member   string  `json:"member"`
	Path     string  `json:"path"`
	ID       uint64  `json:"id"`
	Age      float64 `json:"age_seconds"`
	Deadline int64   `json:"deadline,omitempty"`
}

// ModemDetail represents one modem's status and recent fixes
type ModemDetail struct {
	History []state.Fix       `json:"history"`
	Status  state.ModemStatus `json:"status"`
	Topic   string            `json:"topic"`
}

// callStats is the part of the bus session the status pages report on.
type callStats interface {
	Connected() bool
	Pending() []proxy.PendingCall
	Anomalies() uint64
	Late() uint64
}

var tracker = state.NewTracker(1)

// calls is swapped by the bus restart while handlers read it.
var (
	callsMu sync.RWMutex
	calls   callStats
)

func setCalls(c callStats) {
	callsMu.Lock()
	defer callsMu.Unlock()
	calls = c
}

func currentCalls() callStats {
	callsMu.RLock()
	defer callsMu.RUnlock()
	return calls
}

var wsHub *WSHub

func init() {
	wsHub = NewHub()
	go wsHub.Run()
}

// NewHub creates a new WebSocket hub
func NewHub() *WSHub {
	return &WSHub{
		clients:    make(map[*WSClient]bool),
		broadcast:  make(chan WebSocketMessage, 16),
		register:   make(chan *WSClient),
		unregister: make(chan *WSClient),
	}
}

// Run starts the WebSocket hub
func (h *WSHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client] = true
			Logger.Info().Msg("Client connected to WebSocket")

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				Logger.Info().Msg("Client disconnected from WebSocket")
			}

		case message := <-h.broadcast:
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					close(client.send)
					delete(h.clients, client)
				}
			}
		}
	}
}

// BroadcastUpdate sends an update to all connected clients
func (h *WSHub) BroadcastUpdate(messageType string, data interface{}) {
	select {
	case h.broadcast <- WebSocketMessage{Type: messageType, Data: data}:
	default:
		// Channel is full, skip this update
	}
}

// readPump pumps messages from the websocket connection to the hub
func (c *WSClient) readPump() {
	defer func() {
		c.hub.unregister <- c
		if err := c.conn.Close(); err != nil {
			Logger.Error().Err(err).Msg("Error closing WebSocket connection")
		}
	}()

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// writePump pumps messages from the hub to the websocket connection
func (c *WSClient) writePump() {
	defer func() {
		if err := c.conn.Close(); err != nil {
			Logger.Error().Err(err).Msg("Error closing WebSocket connection")
		}
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				if err := c.conn.WriteMessage(websocket.CloseMessage, []byte{}); err != nil {
					Logger.Error().Err(err).Msg("Error writing close message")
				}
				return
			}

			if err := c.conn.WriteJSON(message); err != nil {
				return
			}
		}
	}
}

// ServeWebSocket handles websocket requests from the peer
func ServeWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		Logger.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSClient{
		conn: conn,
		send: make(chan WebSocketMessage, 256),
		hub:  wsHub,
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}

// APISystemStatus returns the overall controller status as JSON
func APISystemStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	status := SystemStatus{
		Modems:  tracker.All(),
		Pending: []PendingCallStatus{},
	}
	status.TotalModems = len(status.Modems)
	for _, modem := range status.Modems {
		if modem.Setup == state.SetupEnabled {
			status.EnabledModems++
		}
	}

	if calls := currentCalls(); calls != nil {
		now := time.Now()
		status.Connected = calls.Connected()
		status.Anomalies = calls.Anomalies()
		status.LateReplies = calls.Late()
		for _, call := range calls.Pending() {
			item := PendingCallStatus{
				ID:     uint64(call.ID),
				Member: call.Member,
				Path:   call.Path,
				Age:    now.Sub(call.Issued).Seconds(),
			}
			if !call.Deadline.IsZero() {
				item.Deadline = call.Deadline.Unix()
			}
			status.Pending = append(status.Pending, item)
		}
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		Logger.Error().Err(err).Msg("Error encoding system status")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// APIModemDetail returns status and fix history of one modem
func APIModemDetail(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	name := r.URL.Query().Get("name")
	if name == "" {
		http.Error(w, "Modem name required", http.StatusBadRequest)
		return
	}

	status, ok := tracker.Status(name)
	if !ok {
		http.Error(w, "Modem not found", http.StatusNotFound)
		return
	}
	detail := ModemDetail{
		Status:  status,
		History: tracker.History(name),
	}
	if modem, ok := model.FindModem(name); ok {
		detail.Topic = modem.Topic()
	}

	if err := json.NewEncoder(w).Encode(detail); err != nil {
		Logger.Error().Err(err).Msg("Error encoding modem detail")
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

// StatusOverview serves a plain HTML table of all modems
func StatusOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusBadRequest)
		if _, err := io.WriteString(w, "Bad Request Method\n"); err != nil {
			Logger.Error().Msgf("Error writing response: %v", err)
		}
		return
	}
	now := time.Now()
	w.Header().Add("Content-Type", "text/html")
	writeString := func(s string) {
		if _, err := io.WriteString(w, s); err != nil {
			Logger.Error().Msgf("Error writing response: %v", err)
		}
	}
	writeString("<html><body><table>")
	writeString("<tr><th>Modem</th><th>Setup</th><th>Sources</th><th>Polls</th><th>Failures</th><th>Last Error</th><th>Position</th><th>Updated (seconds ago)</th></tr>")
	for _, status := range tracker.All() {
		position := "-"
		if status.Latest != nil {
			if lat, lon, ok := status.Latest.Position(); ok {
				position = fmt.Sprintf("%.5f, %.5f", lat, lon)
			}
		}
		name := html.EscapeString(status.Name)
		writeString("<tr>")
		writeString(fmt.Sprintf("<td><a href=\"/track?name=%s\">%s</a></td>", url.QueryEscape(status.Name), name))
		writeString(fmt.Sprintf("<td>%s</td>", status.Setup))
		writeString(fmt.Sprintf("<td>%s</td>", html.EscapeString(status.Sources)))
		writeString(fmt.Sprintf("<td>%d</td>", status.Polls))
		writeString(fmt.Sprintf("<td>%d</td>", status.Failures))
		writeString(fmt.Sprintf("<td>%s</td>", html.EscapeString(status.LastError)))
		writeString(fmt.Sprintf("<td>%s</td>", position))
		writeString(fmt.Sprintf("<td>%d</td>", int64(now.Sub(status.Updated).Seconds())))
		writeString("</tr>")
	}
	writeString("</table></body></html>")
}
