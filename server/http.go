package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"github.com/jamlinkio/jamlink/healthcheck"
	"github.com/jamlinkio/jamlink/rooms"
	"github.com/jamlinkio/jamlink/version"
)

// ErrorResponse is the JSON body of a failed API request.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// StatusResponse describes the running instance.
type StatusResponse struct {
	Instance      string `json:"instance"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Rooms         int    `json:"rooms"`
	Connections   int    `json:"connections"`
}

// RoomResponse is the API view of one live room.
type RoomResponse struct {
	ID           string    `json:"id"`
	Host         string    `json:"host,omitempty"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

type apiHandler struct {
	registry   *rooms.Registry
	gateway    *Gateway
	instanceID string
	startedAt  time.Time
}

// NewAPIHandler builds the plain HTTP surface of the service: health and
// readiness probes plus the read only status API. The API routes answer CORS
// preflight for the configured origins, the same list that admits WebSocket
// upgrades.
func NewAPIHandler(registry *rooms.Registry, gateway *Gateway, checker *healthcheck.Checker, instanceID string, allowedOrigins []string) http.Handler {
	h := &apiHandler{
		registry:   registry,
		gateway:    gateway,
		instanceID: instanceID,
		startedAt:  time.Now(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.HandleFunc("/healthz/liveness", checker.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/healthz/readiness", checker.ReadinessHandler).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	corsMiddleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
	})
	api.Use(corsMiddleware.Handler)
	api.HandleFunc("/status", h.getStatus).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/rooms", h.getAllRooms).Methods(http.MethodGet, http.MethodOptions)
	api.HandleFunc("/rooms/{roomId}", h.getRoom).Methods(http.MethodGet, http.MethodOptions)

	return router
}

func (h *apiHandler) getStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSONObject(w, StatusResponse{
		Instance:      h.instanceID,
		Version:       version.Version(),
		UptimeSeconds: int64(time.Since(h.startedAt).Seconds()),
		Rooms:         h.registry.Len(),
		Connections:   h.gateway.NumConnections(),
	})
}

func (h *apiHandler) getAllRooms(w http.ResponseWriter, _ *http.Request) {
	snaps := h.registry.Rooms()
	resp := make([]RoomResponse, 0, len(snaps))
	for _, snap := range snaps {
		resp = append(resp, toRoomResponse(snap))
	}
	writeJSONObject(w, resp)
}

func (h *apiHandler) getRoom(w http.ResponseWriter, r *http.Request) {
	roomID := mux.Vars(r)["roomId"]
	snap, ok := h.registry.Room(roomID)
	if !ok {
		writeErrorResponse("room not found", http.StatusNotFound, w)
		return
	}
	writeJSONObject(w, toRoomResponse(snap))
}

func toRoomResponse(snap rooms.Snapshot) RoomResponse {
	return RoomResponse{
		ID:           snap.ID,
		Host:         snap.Host,
		Participants: snap.Users(),
		CreatedAt:    snap.CreatedAt,
	}
}

// writeJSONObject simply writes object to the HTTP response in JSON format
func writeJSONObject(w http.ResponseWriter, obj any) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(obj); err != nil {
		log.Errorf("failed to encode API response: %s", err)
	}
}

// writeErrorResponse prepares and writes an error response in JSON
func writeErrorResponse(errMsg string, httpStatus int, w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(httpStatus)
	err := json.NewEncoder(w).Encode(&ErrorResponse{
		Message: errMsg,
		Code:    httpStatus,
	})
	if err != nil {
		http.Error(w, "failed handling request", http.StatusInternalServerError)
	}
}
