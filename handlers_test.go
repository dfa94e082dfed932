package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/plate-checkin-service/detections"
	"github.com/Tutortoise/plate-checkin-service/metrics"
	"github.com/Tutortoise/plate-checkin-service/models"
	"github.com/Tutortoise/plate-checkin-service/ocr"
	"github.com/Tutortoise/plate-checkin-service/pipeline"
)

type boxEngine struct{}

func (boxEngine) Run(_ context.Context, _ []float32) (detections.RawOutput, error) {
	data := make([]float32, detections.NumChannels*detections.NumPredictions)
	for c, v := range []float32{320, 320, 100, 50, 0.9} {
		data[c*detections.NumPredictions] = v
	}
	return detections.RawOutput{Data: data, Shape: []int64{1, 5, 8400}}, nil
}

type recordingConsumer struct {
	mu      sync.Mutex
	results []models.MatchResult
}

func (c *recordingConsumer) Deliver(_ context.Context, r models.MatchResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

func (c *recordingConsumer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.results)
}

func pngFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 640, 480))
	for i := range img.Pix {
		img.Pix[i] = 90
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newTestServer(t *testing.T, deps pipeline.Dependencies) *httptest.Server {
	t.Helper()
	m := metrics.New()
	deps.Metrics = m
	registry := NewRegistry(deps, pipeline.Config{ViewWidth: 480, ViewHeight: 640}, time.Minute)
	t.Cleanup(registry.Close)

	srv := httptest.NewServer(NewAppState(registry, nil, m).Router())
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, body interface{}, out interface{}) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func postFrame(t *testing.T, url string, frame []byte) (int, FrameResponse) {
	t.Helper()
	resp, err := http.Post(url, "image/png", bytes.NewReader(frame))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out FrameResponse
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func createSession(t *testing.T, base string, body map[string]interface{}) SessionResponse {
	t.Helper()
	var created SessionResponse
	require.Equal(t, http.StatusCreated, doJSON(t, "POST", base+"/sessions", body, &created))
	require.NotEmpty(t, created.SessionID)
	return created
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	consumer := &recordingConsumer{}
	srv := newTestServer(t, pipeline.Dependencies{
		Engine: boxEngine{},
		Recognizer: ocr.Func(func(context.Context, image.Image) (string, error) {
			return "B-1234-X", nil
		}),
		Consumer: consumer,
	})

	created := createSession(t, srv.URL, map[string]interface{}{
		"expected_plate": "b1234",
		"reservation_id": 31,
		"mode":           "checkin",
	})
	assert.Equal(t, "awaiting_permission", created.State)
	assert.Equal(t, MsgAwaitingPermission, created.Message)
	assert.Equal(t, "/sessions/"+created.SessionID+"/ws", created.WSURL)

	sessionURL := srv.URL + "/sessions/" + created.SessionID

	status, frame := postFrame(t, sessionURL+"/frames", pngFrame(t))
	assert.Equal(t, http.StatusAccepted, status)
	assert.False(t, frame.Accepted)

	var granted SessionResponse
	require.Equal(t, http.StatusOK, doJSON(t, "POST", sessionURL+"/permission", map[string]bool{"granted": true}, &granted))
	assert.Equal(t, "running", granted.State)

	status, frame = postFrame(t, sessionURL+"/frames", pngFrame(t))
	assert.Equal(t, http.StatusAccepted, status)
	assert.True(t, frame.Accepted)

	var got SessionResponse
	require.Eventually(t, func() bool {
		doJSON(t, "GET", sessionURL, nil, &got)
		return got.State == "matched" && consumer.count() == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NotNil(t, got.Result)
	assert.Equal(t, models.MatchResult{Matched: true, Mode: "checkin", ReservationID: 31}, *got.Result)
	assert.Equal(t, MsgMatched, got.Message)

	status, _ = postFrame(t, sessionURL+"/frames", pngFrame(t))
	assert.Equal(t, http.StatusConflict, status)

	var errResp ErrorResponse
	assert.Equal(t, http.StatusConflict, doJSON(t, "DELETE", sessionURL, nil, &errResp))
	assert.Equal(t, "session_ended", errResp.Code)
	assert.Equal(t, 1, consumer.count())
}

func TestCreateSessionValidation(t *testing.T) {
	srv := newTestServer(t, pipeline.Dependencies{Engine: boxEngine{}})

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, doJSON(t, "POST", srv.URL+"/sessions", map[string]interface{}{"expected_plate": "B1", "reservation_id": 5, "mode": "valet"}, &errResp))
	assert.Equal(t, "invalid_mode", errResp.Code)

	assert.Equal(t, http.StatusBadRequest, doJSON(t, "POST", srv.URL+"/sessions", map[string]interface{}{"expected_plate": "  ", "reservation_id": 5}, &errResp))
	assert.Equal(t, "invalid_request", errResp.Code)

	for _, id := range []interface{}{nil, 0, -1} {
		body := map[string]interface{}{"expected_plate": "B1", "mode": "checkin"}
		if id != nil {
			body["reservation_id"] = id
		}
		errResp = ErrorResponse{}
		assert.Equal(t, http.StatusBadRequest, doJSON(t, "POST", srv.URL+"/sessions", body, &errResp))
		assert.Equal(t, "invalid_request", errResp.Code)
		assert.Contains(t, errResp.Message, "reservation_id")
	}

	var health map[string]interface{}
	require.Equal(t, http.StatusOK, doJSON(t, "GET", srv.URL+"/healthz", nil, &health))
	assert.Equal(t, float64(0), health["sessions"])

	resp, err := http.Post(srv.URL+"/sessions", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUnknownSession(t *testing.T) {
	srv := newTestServer(t, pipeline.Dependencies{Engine: boxEngine{}})

	var errResp ErrorResponse
	assert.Equal(t, http.StatusNotFound, doJSON(t, "GET", srv.URL+"/sessions/nope", nil, &errResp))
	assert.Equal(t, "not_found", errResp.Code)
}

func TestPermissionDenied(t *testing.T) {
	srv := newTestServer(t, pipeline.Dependencies{Engine: boxEngine{}})
	created := createSession(t, srv.URL, map[string]interface{}{"expected_plate": "B1", "reservation_id": 5})
	sessionURL := srv.URL + "/sessions/" + created.SessionID

	var errResp ErrorResponse
	assert.Equal(t, http.StatusBadRequest, doJSON(t, "POST", sessionURL+"/permission", map[string]string{}, &errResp))

	var denied SessionResponse
	require.Equal(t, http.StatusOK, doJSON(t, "POST", sessionURL+"/permission", map[string]bool{"granted": false}, &denied))
	assert.Equal(t, "failed", denied.State)
	assert.Equal(t, MsgPermissionDenied, denied.Message)

	assert.Equal(t, http.StatusConflict, doJSON(t, "POST", sessionURL+"/permission", map[string]bool{"granted": true}, &errResp))
	assert.Equal(t, "invalid_state", errResp.Code)
}

func TestModelUnavailableFailsSessions(t *testing.T) {
	srv := newTestServer(t, pipeline.Dependencies{EngineErr: errors.New("model file not found")})

	created := createSession(t, srv.URL, map[string]interface{}{"expected_plate": "B1", "reservation_id": 5})
	assert.Equal(t, "failed", created.State)
	assert.Equal(t, MsgFailed, created.Message)
	assert.Contains(t, created.Error, "model file not found")

	status, _ := postFrame(t, srv.URL+"/sessions/"+created.SessionID+"/frames", pngFrame(t))
	assert.Equal(t, http.StatusConflict, status)
}

func TestCancelSession(t *testing.T) {
	srv := newTestServer(t, pipeline.Dependencies{Engine: boxEngine{}})
	created := createSession(t, srv.URL, map[string]interface{}{"expected_plate": "B1", "reservation_id": 5})

	var cancelled SessionResponse
	require.Equal(t, http.StatusOK, doJSON(t, "DELETE", srv.URL+"/sessions/"+created.SessionID, nil, &cancelled))
	assert.Equal(t, "cancelled", cancelled.State)
	assert.Equal(t, MsgCancelled, cancelled.Message)
}

func TestWebsocketStreamsOverlay(t *testing.T) {
	srv := newTestServer(t, pipeline.Dependencies{
		Engine: boxEngine{},
		Recognizer: ocr.Func(func(context.Context, image.Image) (string, error) {
			return "nothing here", nil
		}),
	})
	created := createSession(t, srv.URL, map[string]interface{}{"expected_plate": "B1234", "reservation_id": 6})
	sessionURL := srv.URL + "/sessions/" + created.SessionID
	require.Equal(t, http.StatusOK, doJSON(t, "POST", sessionURL+"/permission", map[string]bool{"granted": true}, nil))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + created.WSURL
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, pngFrame(t)))

	var overlayMsg overlayMessage
	require.NoError(t, conn.ReadJSON(&overlayMsg))
	assert.Equal(t, "overlay", overlayMsg.Type)
	assert.Equal(t, uint64(1), overlayMsg.Seq)
	require.NotNil(t, overlayMsg.Box)
	assert.Equal(t, models.DisplayBox{Left: 221, Top: 270, Right: 258, Bottom: 370}, *overlayMsg.Box)
	assert.NotEmpty(t, overlayMsg.CropJPEG)

	require.Equal(t, http.StatusOK, doJSON(t, "DELETE", sessionURL, nil, nil))

	for {
		var msg map[string]interface{}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg["type"] == "state" {
			assert.Equal(t, "cancelled", msg["state"])
			assert.Equal(t, created.SessionID, msg["session_id"])
			break
		}
	}
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newTestServer(t, pipeline.Dependencies{Engine: boxEngine{}})
	createSession(t, srv.URL, map[string]interface{}{"expected_plate": "B1", "reservation_id": 5})

	var health map[string]interface{}
	require.Equal(t, http.StatusOK, doJSON(t, "GET", srv.URL+"/healthz", nil, &health))
	assert.Equal(t, "degraded", health["status"])
	assert.Equal(t, float64(1), health["sessions"])

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "plate_sessions_active 1")
}
