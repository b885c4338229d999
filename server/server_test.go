package server

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.viam.com/test"

	"go.viam.com/densemap/config"
	"go.viam.com/densemap/pointcloud"
	"go.viam.com/densemap/rimage"
)

func encodeFrame(t *testing.T) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.NRGBA{R: uint8(40 * x), G: 128, B: 200, A: 255})
	}
	var buf bytes.Buffer
	test.That(t, png.Encode(&buf, img), test.ShouldBeNil)
	return buf.Bytes()
}

func encodeDepth(t *testing.T) []byte {
	t.Helper()
	dm := rimage.NewEmptyDepthMap(4, 4)
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			dm.Set(x, y, rimage.Depth(500+100*x))
		}
	}
	var buf bytes.Buffer
	test.That(t, rimage.WriteDepthMapToNpy(&buf, dm), test.ShouldBeNil)
	return buf.Bytes()
}

func dialUpload(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws/upload"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	test.That(t, err, test.ShouldBeNil)
	return conn
}

func getStatus(t *testing.T, serverURL string) statusResponse {
	t.Helper()
	resp, err := http.Get(serverURL + "/status")
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	var status statusResponse
	test.That(t, json.NewDecoder(resp.Body).Decode(&status), test.ShouldBeNil)
	return status
}

// readUntilText skips pings and interleaved messages until a text message
// with the prefix arrives, returning it.
func readUntilText(t *testing.T, conn *websocket.Conn, prefix string) string {
	t.Helper()
	for {
		msgType, data, err := conn.ReadMessage()
		test.That(t, err, test.ShouldBeNil)
		if msgType == websocket.TextMessage && strings.HasPrefix(string(data), prefix) {
			return string(data)
		}
	}
}

func TestUploadSession(t *testing.T) {
	svc := newTestService(t, &fakeModel{}, nil)
	server := httptest.NewServer(svc.Handler(context.Background()))
	defer server.Close()

	conn := dialUpload(t, server.URL)
	defer conn.Close()

	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("config:use_depth_maps:0")), test.ShouldBeNil)
	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("config:live_stream:1")), test.ShouldBeNil)

	frameBytes := encodeFrame(t)
	for i := 0; i < 3; i++ {
		test.That(t, conn.WriteMessage(websocket.BinaryMessage, frameBytes), test.ShouldBeNil)
	}

	announcement := readUntilText(t, conn, "filename:")
	test.That(t, strings.TrimPrefix(announcement, "filename:"), test.ShouldHaveLength, 8)

	msgType, data, err := conn.ReadMessage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msgType, test.ShouldEqual, websocket.BinaryMessage)
	cloud, err := pointcloud.ReadPLY(bytes.NewReader(data))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, 6)

	status := getStatus(t, server.URL)
	test.That(t, status.SessionActive, test.ShouldBeTrue)
	test.That(t, status.SessionID, test.ShouldHaveLength, 8)
	test.That(t, status.SubmapCount, test.ShouldEqual, 1)
	test.That(t, status.FramesReceived, test.ShouldEqual, 3)
	test.That(t, status.FramesAdmitted, test.ShouldEqual, 3)

	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("done")), test.ShouldBeNil)
	footer := readUntilText(t, conn, "status:done:")
	test.That(t, strings.TrimPrefix(footer, "status:done:"), test.ShouldEqual, status.SessionID)

	test.That(t, conn.Close(), test.ShouldBeNil)
	for i := 0; i < 100 && getStatus(t, server.URL).SessionActive; i++ {
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, getStatus(t, server.URL).SessionActive, test.ShouldBeFalse)

	resp, err := http.Get(server.URL + "/map/cloud.pcd")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusOK)
	cloud, err = pointcloud.ReadPCD(resp.Body)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, 6)

	resp, err = http.Get(server.URL + "/map/cloud.ply")
	test.That(t, err, test.ShouldBeNil)
	cloud, err = pointcloud.ReadPLY(resp.Body)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cloud.Size(), test.ShouldEqual, 6)

	resp, err = http.Get(server.URL + "/map/preview.png")
	test.That(t, err, test.ShouldBeNil)
	img, err := png.Decode(resp.Body)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, img.Bounds().Dx(), test.ShouldEqual, config.DefaultPreviewWidth)
}

func TestUploadSessionWithDepth(t *testing.T) {
	svc := newTestService(t, &fakeModel{}, func(c *config.AttrConfig) {
		c.DepthEnabled = true
	})
	server := httptest.NewServer(svc.Handler(context.Background()))
	defer server.Close()

	conn := dialUpload(t, server.URL)
	defer conn.Close()

	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("config:use_depth_maps:1")), test.ShouldBeNil)

	frameBytes := encodeFrame(t)
	depthBytes := encodeDepth(t)
	for i := 0; i < 3; i++ {
		test.That(t, conn.WriteMessage(websocket.BinaryMessage, frameBytes), test.ShouldBeNil)
		test.That(t, conn.WriteMessage(websocket.BinaryMessage, depthBytes), test.ShouldBeNil)
	}

	readUntilText(t, conn, "filename:")
	msgType, data, err := conn.ReadMessage()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, msgType, test.ShouldEqual, websocket.BinaryMessage)
	test.That(t, len(data), test.ShouldBeGreaterThan, 0)

	test.That(t, conn.WriteMessage(websocket.TextMessage, []byte("done")), test.ShouldBeNil)
	readUntilText(t, conn, "status:done:")

	svc.mu.Lock()
	defer svc.mu.Unlock()
	sm, ok := svc.gmap.Submap(0)
	test.That(t, ok, test.ShouldBeTrue)
	paths := sm.DepthPaths()
	test.That(t, paths, test.ShouldHaveLength, 3)
	for _, path := range paths {
		test.That(t, path, test.ShouldNotBeEmpty)
	}
}

func TestUploadSessionExclusive(t *testing.T) {
	svc := newTestService(t, &fakeModel{}, nil)
	server := httptest.NewServer(svc.Handler(context.Background()))
	defer server.Close()

	conn := dialUpload(t, server.URL)
	defer conn.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/upload"
	conn2, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, conn2, test.ShouldBeNil)
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusConflict)
	test.That(t, resp.Body.Close(), test.ShouldBeNil)
}

func TestMapRoutesEmpty(t *testing.T) {
	svc := newTestService(t, &fakeModel{}, nil)
	server := httptest.NewServer(svc.Handler(context.Background()))
	defer server.Close()

	for _, route := range []string{"/map/cloud.pcd", "/map/cloud.ply", "/map/preview.png"} {
		resp, err := http.Get(server.URL + route)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
		test.That(t, resp.Body.Close(), test.ShouldBeNil)
	}

	status := getStatus(t, server.URL)
	test.That(t, status.SessionActive, test.ShouldBeFalse)
	test.That(t, status.SubmapCount, test.ShouldEqual, 0)
}
