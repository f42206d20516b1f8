package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/elijahnyp/modem_controller/mm1"
	"github.com/elijahnyp/modem_controller/proxy"
	"github.com/elijahnyp/modem_controller/state"
	. "github.com/elijahnyp/modem_controller/util"
	"github.com/gorilla/websocket"
)

type fakeCalls struct {
	connected bool
	pending   []proxy.PendingCall
	anomalies uint64
	late      uint64
}

func (f *fakeCalls) Connected() bool              { return f.connected }
func (f *fakeCalls) Pending() []proxy.PendingCall { return f.pending }
func (f *fakeCalls) Anomalies() uint64            { return f.anomalies }
func (f *fakeCalls) Late() uint64                 { return f.late }

func setupWebState(t *testing.T) {
	t.Helper()
	tracker = state.NewTracker(5)
	tracker.Register("truck", mm1.ModemPathPrefix+"0", "gps-raw")
	tracker.SetSetup("truck", state.SetupEnabled)
	tracker.Record(state.Fix{Modem: "truck", Time: time.Now(), GPS: &state.GPS{Latitude: 47.6, Longitude: -122.3}})
	tracker.Register("boat", mm1.ModemPathPrefix+"1", "3gpp-lac-ci")
	tracker.SetSetup("boat", state.SetupRejected)
	model = Model{Modems: []Modem{{Name: "truck", Path: "0", Location_topic: "vehicles/truck"}}}

	now := time.Now()
	setCalls(&fakeCalls{
		connected: true,
		anomalies: 2,
		late:      1,
		pending: []proxy.PendingCall{
			{ID: 4, Member: mm1.ModemLocationInterface + ".GetLocation", Path: mm1.ModemPathPrefix + "0", Issued: now.Add(-time.Second), Deadline: now.Add(4 * time.Second)},
			{ID: 5, Member: mm1.ModemLocationInterface + ".Setup", Path: mm1.ModemPathPrefix + "1", Issued: now},
		},
	})
	t.Cleanup(func() {
		tracker = state.NewTracker(1)
		setCalls(nil)
		model = Model{}
	})
}

func TestAPISystemStatus(t *testing.T) {
	setupWebState(t)

	req := httptest.NewRequest("GET", "/api/status", nil)
	w := httptest.NewRecorder()
	APISystemStatus(w, req)

	if w.Code != 200 {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected content type application/json, got %s", ct)
	}
	var status SystemStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if status.TotalModems != 2 || status.EnabledModems != 1 {
		t.Errorf("Unexpected counts: %+v", status)
	}
	if !status.Connected || status.Anomalies != 2 || status.LateReplies != 1 {
		t.Errorf("Unexpected session stats: %+v", status)
	}
	if len(status.Pending) != 2 {
		t.Fatalf("Expected 2 pending calls, got %d", len(status.Pending))
	}
	if status.Pending[0].Deadline == 0 || status.Pending[1].Deadline != 0 {
		t.Errorf("Only the first call has a deadline: %+v", status.Pending)
	}
	if status.Pending[0].Age < 1 {
		t.Errorf("Age = %v", status.Pending[0].Age)
	}
}

func TestAPISystemStatusWithoutSession(t *testing.T) {
	setupWebState(t)
	setCalls(nil)

	w := httptest.NewRecorder()
	APISystemStatus(w, httptest.NewRequest("GET", "/api/status", nil))

	var status SystemStatus
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if status.Connected || len(status.Pending) != 0 || status.TotalModems != 2 {
		t.Errorf("Unexpected status: %+v", status)
	}
}

func TestAPISystemStatusDuringBusRestart(t *testing.T) {
	setupWebState(t)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			setCalls(&fakeCalls{connected: i%2 == 0})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 100; i++ {
			w := httptest.NewRecorder()
			APISystemStatus(w, httptest.NewRequest("GET", "/api/status", nil))
			if w.Code != 200 {
				t.Errorf("Expected status 200, got %d", w.Code)
				return
			}
		}
	}()
	wg.Wait()
}

func TestAPIModemDetail(t *testing.T) {
	setupWebState(t)

	tests := []struct {
		name           string
		query          string
		expectedStatus int
	}{
		{"Known modem", "?name=truck", 200},
		{"Unknown modem", "?name=plane", 404},
		{"Missing name", "", 400},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			APIModemDetail(w, httptest.NewRequest("GET", "/api/modem"+tt.query, nil))
			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status %d, got %d", tt.expectedStatus, w.Code)
			}
		})
	}

	w := httptest.NewRecorder()
	APIModemDetail(w, httptest.NewRequest("GET", "/api/modem?name=truck", nil))
	var detail ModemDetail
	if err := json.NewDecoder(w.Body).Decode(&detail); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if detail.Status.Name != "truck" || len(detail.History) != 1 || detail.Topic != "vehicles/truck" {
		t.Errorf("Unexpected detail: %+v", detail)
	}
}

func TestStatusOverview(t *testing.T) {
	setupWebState(t)

	w := httptest.NewRecorder()
	StatusOverview(w, httptest.NewRequest("GET", "/", nil))

	if w.Code != 200 {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/html" {
		t.Errorf("Expected content type text/html, got %s", ct)
	}
	body := w.Body.String()
	for _, want := range []string{"/track?name=truck", "47.60000, -122.30000", "rejected", "boat"} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected response to contain %q", want)
		}
	}

	w = httptest.NewRecorder()
	StatusOverview(w, httptest.NewRequest("POST", "/", nil))
	if w.Code != 400 {
		t.Errorf("Expected status 400 for POST, got %d", w.Code)
	}
}

func TestWebSocketBroadcast(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(ServeWebSocket))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	received := make(chan WebSocketMessage, 1)
	go func() {
		var msg WebSocketMessage
		if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
			return
		}
		if err := conn.ReadJSON(&msg); err == nil {
			received <- msg
		}
	}()

	// the hub registers the client asynchronously, so keep sending until it arrives
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-received:
			if msg.Type != "fix" {
				t.Errorf("Type = %s", msg.Type)
			}
			data, ok := msg.Data.(map[string]any)
			if !ok || data["modem"] != "truck" {
				t.Errorf("Unexpected data: %#v", msg.Data)
			}
			return
		case <-ticker.C:
			wsHub.BroadcastUpdate("fix", state.Fix{Modem: "truck"})
		case <-deadline:
			t.Fatal("No message received over the websocket")
		}
	}
}
