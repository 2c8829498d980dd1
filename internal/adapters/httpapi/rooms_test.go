package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	wssignal "github.com/avolkov/meshcall/internal/adapters/signal"
	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/registry"
)

func newRoomsRouter(t *testing.T) (*gin.Engine, *registry.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := registry.New()
	h := &RoomHandlers{Registry: reg}

	r := gin.New()
	r.POST("/api/rooms", h.Create)
	r.GET("/api/rooms", h.List)
	r.GET("/api/rooms/:roomId", h.Get)
	return r, reg
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateRoom(t *testing.T) {
	r, reg := newRoomsRouter(t)

	w := doJSON(r, http.MethodPost, "/api/rooms", `{"roomId":"standup","password":"pw","maxPeers":4}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp struct {
		RoomID domain.RoomID `json:"roomId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RoomID != "standup" {
		t.Fatalf("roomId = %q, want standup", resp.RoomID)
	}
	if !reg.RoomExists("standup") {
		t.Fatalf("room not registered")
	}

	// Duplicate id conflicts.
	if w := doJSON(r, http.MethodPost, "/api/rooms", `{"roomId":"standup"}`); w.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", w.Code)
	}
}

func TestCreateRoomGeneratedID(t *testing.T) {
	r, reg := newRoomsRouter(t)

	w := doJSON(r, http.MethodPost, "/api/rooms", `{}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	var resp struct {
		RoomID domain.RoomID `json:"roomId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RoomID == "" {
		t.Fatalf("empty generated room id")
	}
	if !reg.RoomExists(resp.RoomID) {
		t.Fatalf("generated room %q not registered", resp.RoomID)
	}
}

func TestCreateRoomValidation(t *testing.T) {
	r, _ := newRoomsRouter(t)

	// maxPeers below the binding minimum.
	if w := doJSON(r, http.MethodPost, "/api/rooms", `{"roomId":"x","maxPeers":1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("maxPeers=1 status = %d, want 400", w.Code)
	}

	// Room id over the length limit.
	long := strings.Repeat("a", domain.MaxRoomIDLen+1)
	if w := doJSON(r, http.MethodPost, "/api/rooms", `{"roomId":"`+long+`"}`); w.Code != http.StatusBadRequest {
		t.Fatalf("long id status = %d, want 400", w.Code)
	}
}

func TestCreateRoomRateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &RoomHandlers{
		Registry: registry.New(),
		Limiter:  wssignal.NewRateLimiter(2, time.Minute),
	}
	r := gin.New()
	r.POST("/api/rooms", h.Create)

	for i, id := range []string{"r1", "r2"} {
		if w := doJSON(r, http.MethodPost, "/api/rooms", `{"roomId":"`+id+`"}`); w.Code != http.StatusCreated {
			t.Fatalf("create %d status = %d, want 201", i+1, w.Code)
		}
	}
	if w := doJSON(r, http.MethodPost, "/api/rooms", `{"roomId":"r3"}`); w.Code != http.StatusTooManyRequests {
		t.Fatalf("third create status = %d, want 429", w.Code)
	}
	if h.Registry.RoomExists("r3") {
		t.Fatalf("rate-limited create still registered the room")
	}
}

func TestGetRoom(t *testing.T) {
	r, reg := newRoomsRouter(t)
	if err := reg.CreateRoom("standup", domain.RoomConfig{}); err != nil {
		t.Fatalf("create room: %v", err)
	}
	if _, err := reg.Join("standup", "alice", nil, ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	w := doJSON(r, http.MethodGet, "/api/rooms/standup", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		RoomID      domain.RoomID `json:"roomId"`
		MemberCount int           `json:"memberCount"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RoomID != "standup" || resp.MemberCount != 1 {
		t.Fatalf("resp = %+v", resp)
	}

	if w := doJSON(r, http.MethodGet, "/api/rooms/nope", ""); w.Code != http.StatusNotFound {
		t.Fatalf("missing room status = %d, want 404", w.Code)
	}
}

func TestListRooms(t *testing.T) {
	r, reg := newRoomsRouter(t)
	for _, id := range []domain.RoomID{"r1", "r2"} {
		if err := reg.CreateRoom(id, domain.RoomConfig{}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := reg.Join("r1", "alice", nil, ""); err != nil {
		t.Fatalf("join: %v", err)
	}

	w := doJSON(r, http.MethodGet, "/api/rooms", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		Rooms         []registry.RoomInfo `json:"rooms"`
		TotalSessions int                 `json:"totalSessions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Rooms) != 2 || resp.TotalSessions != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	for _, ri := range resp.Rooms {
		if ri.ID == "r1" && ri.MemberCount != 1 {
			t.Fatalf("r1 memberCount = %d, want 1", ri.MemberCount)
		}
	}
}
