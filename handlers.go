package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Tutortoise/plate-checkin-service/logger"
	"github.com/Tutortoise/plate-checkin-service/metrics"
	"github.com/Tutortoise/plate-checkin-service/models"
	"github.com/Tutortoise/plate-checkin-service/overlay"
	"github.com/Tutortoise/plate-checkin-service/pipeline"
	"github.com/Tutortoise/plate-checkin-service/plates"
)

const (
	maxFrameBytes  = 10 << 20
	wsWriteTimeout = 10 * time.Second
)

type AppState struct {
	Registry *Registry
	Pool     *ModelSessionPool
	Metrics  *metrics.Metrics
	upgrader websocket.Upgrader
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type createSessionRequest struct {
	ExpectedPlate string `json:"expected_plate"`
	ReservationID int    `json:"reservation_id"`
	Mode          string `json:"mode"`
	ViewWidth     int    `json:"view_width"`
	ViewHeight    int    `json:"view_height"`
}

type permissionRequest struct {
	Granted *bool `json:"granted"`
}

type SessionResponse struct {
	SessionID string              `json:"session_id"`
	State     string              `json:"state"`
	Message   string              `json:"message"`
	Result    *models.MatchResult `json:"result,omitempty"`
	Error     string              `json:"error,omitempty"`
	WSURL     string              `json:"ws_url,omitempty"`
}

type FrameResponse struct {
	Accepted bool   `json:"accepted"`
	State    string `json:"state"`
}

// overlayMessage is pushed to websocket clients for every cycle. A null box
// clears the overlay.
type overlayMessage struct {
	Type     string             `json:"type"`
	Seq      uint64             `json:"seq"`
	Box      *models.DisplayBox `json:"box"`
	CropJPEG string             `json:"crop_jpeg,omitempty"`
}

type stateMessage struct {
	Type string `json:"type"`
	SessionResponse
}

func NewAppState(registry *Registry, pool *ModelSessionPool, m *metrics.Metrics) *AppState {
	return &AppState{
		Registry: registry,
		Pool:     pool,
		Metrics:  m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *AppState) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	r.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	r.HandleFunc("/sessions/{id}", s.handleCancelSession).Methods("DELETE")
	r.HandleFunc("/sessions/{id}/permission", s.handlePermission).Methods("POST")
	r.HandleFunc("/sessions/{id}/frames", s.handleFrame).Methods("POST")
	r.HandleFunc("/sessions/{id}/ws", s.handleWebsocket).Methods("GET")
	s.addMonitoringRoutes(r)
	return r
}

func (s *AppState) addMonitoringRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	if s.Metrics != nil {
		r.Handle("/metrics", s.Metrics.Handler()).Methods("GET")
	}
}

func (s *AppState) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		sendErrorResponse(w, "invalid_request", "Request body must be a JSON object", http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ExpectedPlate) == "" {
		sendErrorResponse(w, "invalid_request", "expected_plate is required", http.StatusBadRequest, "")
		return
	}
	if req.ReservationID <= 0 {
		sendErrorResponse(w, "invalid_request", "reservation_id must be a positive integer", http.StatusBadRequest, "")
		return
	}
	if req.ViewWidth < 0 || req.ViewHeight < 0 {
		sendErrorResponse(w, "invalid_request", "view_width and view_height must not be negative", http.StatusBadRequest, "")
		return
	}
	mode, err := plates.ParseMode(req.Mode)
	if err != nil {
		sendErrorResponse(w, "invalid_mode", "mode must be checkin or checkout", http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.Registry.Create(pipeline.Config{
		ExpectedPlate: req.ExpectedPlate,
		ReservationID: req.ReservationID,
		Mode:          mode,
		ViewWidth:     req.ViewWidth,
		ViewHeight:    req.ViewHeight,
	})
	if err != nil {
		sendErrorResponse(w, "session_error", "Failed to start session", http.StatusInternalServerError, err.Error())
		return
	}

	resp := describe(session)
	resp.WSURL = fmt.Sprintf("/sessions/%s/ws", session.ID())
	writeJSON(w, http.StatusCreated, resp)
}

func (s *AppState) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, describe(session))
}

func (s *AppState) handleCancelSession(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if !session.Cancel() {
		sendErrorResponse(w, "session_ended", "Session has already ended", http.StatusConflict, session.State().String())
		return
	}
	writeJSON(w, http.StatusOK, describe(session))
}

func (s *AppState) handlePermission(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req permissionRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil || req.Granted == nil {
		sendErrorResponse(w, "invalid_request", "Request body must contain granted", http.StatusBadRequest, "")
		return
	}

	var err error
	if *req.Granted {
		err = session.Grant()
	} else {
		err = session.Deny()
	}
	if err != nil {
		sendErrorResponse(w, "invalid_state", "Permission can only be answered while awaiting it", http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, describe(session))
}

func (s *AppState) handleFrame(w http.ResponseWriter, r *http.Request) {
	session, _, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if session.State().Terminal() {
		sendErrorResponse(w, "session_ended", "Session has already ended", http.StatusConflict, session.State().String())
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxFrameBytes)
	contentType := r.Header.Get("Content-Type")

	var imgBytes []byte
	var err error

	switch {
	case strings.HasPrefix(contentType, "application/json"):
		imgBytes, err = handleJSONRequest(r)
	case strings.HasPrefix(contentType, "multipart/form-data"):
		imgBytes, err = handleMultipartRequest(r)
	default:
		imgBytes, err = handleRawRequest(r)
	}

	if err != nil {
		sendErrorResponse(w, "invalid_request", "Failed to read frame", http.StatusBadRequest, err.Error())
		return
	}
	if len(imgBytes) == 0 {
		sendErrorResponse(w, "invalid_image", "Frame is empty", http.StatusBadRequest, "")
		return
	}

	accepted := session.Offer(pipeline.NewEncodedFrame(imgBytes, nil))
	state := session.State()
	if !accepted && state.Terminal() {
		sendErrorResponse(w, "session_ended", "Session has already ended", http.StatusConflict, state.String())
		return
	}
	writeJSON(w, http.StatusAccepted, FrameResponse{Accepted: accepted, State: state.String()})
}

// handleWebsocket streams overlay updates to the client and accepts binary
// frames from it. The final message carries the terminal state.
func (s *AppState) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	session, presenter, ok := s.lookup(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.For("ws").Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	log := logger.For("ws").With(zap.String("session", session.ID()))
	updates, unsubscribe := presenter.Subscribe()
	defer unsubscribe()

	go func() {
		defer unsubscribe()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msgType != websocket.BinaryMessage || len(data) == 0 {
				continue
			}
			session.Offer(pipeline.NewEncodedFrame(data, nil))
		}
	}()

	for u := range updates {
		msg, err := newOverlayMessage(u)
		if err != nil {
			log.Debug("crop preview encoding failed", zap.Error(err))
		}
		if err := writeWS(conn, msg); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return
		}
	}

	if session.State().Terminal() {
		_ = writeWS(conn, stateMessage{Type: "state", SessionResponse: describe(session)})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, session.State().String()),
			time.Now().Add(wsWriteTimeout))
	}
}

func newOverlayMessage(u overlay.Update) (overlayMessage, error) {
	msg := overlayMessage{Type: "overlay", Seq: u.Seq, Box: u.Box}
	if u.Box == nil || u.Crop == nil {
		return msg, nil
	}
	preview, err := overlay.EncodePreview(u.Crop)
	if err != nil {
		return msg, err
	}
	msg.CropJPEG = base64.StdEncoding.EncodeToString(preview)
	return msg, nil
}

func writeWS(conn *websocket.Conn, v interface{}) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(v)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := map[string]interface{}{
		"status":   "ok",
		"sessions": s.Registry.Len(),
	}
	if s.Pool != nil {
		m := s.Pool.GetMetrics()
		response["pool_size"] = s.Pool.Size()
		response["sessions_in_use"] = m.InUse
		response["total_acquired"] = m.TotalAcquired
		response["total_released"] = m.TotalReleased
		response["acquire_failures"] = m.AcquireFailures
	} else {
		response["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *AppState) lookup(w http.ResponseWriter, r *http.Request) (*pipeline.Session, *overlay.Presenter, bool) {
	id := mux.Vars(r)["id"]
	session, presenter, err := s.Registry.Get(id)
	if err != nil {
		sendErrorResponse(w, "not_found", "Session not found", http.StatusNotFound, id)
		return nil, nil, false
	}
	return session, presenter, true
}

func describe(session *pipeline.Session) SessionResponse {
	state := session.State()
	err := session.Err()
	resp := SessionResponse{
		SessionID: session.ID(),
		State:     state.String(),
		Message:   getStateMessage(state, errors.Is(err, pipeline.ErrPermissionDenied)),
	}
	if result, ok := session.Result(); ok {
		resp.Result = &result
	}
	if err != nil && state == pipeline.StateFailed {
		resp.Error = err.Error()
	}
	return resp
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(maxFrameBytes); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func handleRawRequest(r *http.Request) ([]byte, error) {
	return io.ReadAll(r.Body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message string, status int, details string) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
