package live

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
)

func TestSummarize(t *testing.T) {
	sf := &fusion.SyncedFrame{
		Timestamp: 1.5,
		Cameras: map[int]*frame.SensorFrame{
			1: {SensorID: "camera_1"},
			0: {SensorID: "camera_0"},
		},
		Lidar: &frame.SensorFrame{Data: &frame.ScanPayload{Points: make([]frame.ScanPoint, 42)}},
		Depth: &frame.DepthFrame{
			Depth: &frame.DepthMap{Width: 2, Height: 2, MM: []uint16{0, 10, 10, 10}},
		},
	}
	s := Summarize(sf, 7, 9.5)
	test.That(t, s.Type, test.ShouldEqual, "frame")
	test.That(t, s.Sequence, test.ShouldEqual, uint64(7))
	test.That(t, s.Cameras, test.ShouldResemble, []int{0, 1})
	test.That(t, s.LidarPoints, test.ShouldEqual, 42)
	test.That(t, s.HasDepth, test.ShouldBeTrue)
	test.That(t, s.DepthValidPercent, test.ShouldAlmostEqual, 75)
	test.That(t, s.HasIMU, test.ShouldBeFalse)

	s = Summarize(&fusion.SyncedFrame{Timestamp: 2}, 8, 0)
	test.That(t, s.Cameras, test.ShouldBeEmpty)
	test.That(t, s.LidarPoints, test.ShouldEqual, 0)
	test.That(t, s.HasDepth, test.ShouldBeFalse)
}

func TestRateMeter(t *testing.T) {
	m := NewRateMeter(5)
	test.That(t, m.Tick(0), test.ShouldEqual, 0.0)
	for i := 1; i < 10; i++ {
		m.Tick(float64(i) * 0.1)
	}
	test.That(t, m.Rate(), test.ShouldAlmostEqual, 10, 1e-9)

	// a reconnect starts the timeline over
	test.That(t, m.Tick(0.01), test.ShouldEqual, 0.0)
	m.Reset()
	test.That(t, m.Rate(), test.ShouldEqual, 0.0)
}

func TestHealthAndStatus(t *testing.T) {
	srv := NewServer(func() map[string]any {
		return map[string]any{"state": "connected"}
	}, logging.NewTestLogger(t))
	srv.Publish(Summary{Type: "frame", Sequence: 3})

	rec := httptest.NewRecorder()
	srv.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Body.String(), test.ShouldEqual, "ok")

	rec = httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	var payload map[string]any
	test.That(t, json.Unmarshal(rec.Body.Bytes(), &payload), test.ShouldBeNil)
	test.That(t, payload["state"], test.ShouldEqual, "connected")
	test.That(t, payload["ws_clients"], test.ShouldEqual, 0.0)
	last, ok := payload["last"].(map[string]any)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, last["sequence"], test.ShouldEqual, 3.0)
}

func TestBroadcast(t *testing.T) {
	srv := NewServer(nil, logging.NewTestLogger(t))
	test.That(t, srv.Start("127.0.0.1:0"), test.ShouldBeNil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		test.That(t, srv.Close(ctx), test.ShouldBeNil)
	}()
	test.That(t, srv.Start("127.0.0.1:0"), test.ShouldNotBeNil)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/ws", nil)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	test.That(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)

	var hello map[string]any
	test.That(t, conn.ReadJSON(&hello), test.ShouldBeNil)
	test.That(t, hello["type"], test.ShouldEqual, "hello")
	test.That(t, srv.Clients(), test.ShouldEqual, 1)

	srv.Publish(Summary{Type: "frame", Sequence: 1, Cameras: []int{0}, LidarPoints: 360, FPS: 10})
	var got Summary
	test.That(t, conn.ReadJSON(&got), test.ShouldBeNil)
	test.That(t, got.Sequence, test.ShouldEqual, uint64(1))
	test.That(t, got.Cameras, test.ShouldResemble, []int{0})
	test.That(t, got.LidarPoints, test.ShouldEqual, 360)
	test.That(t, got.FPS, test.ShouldEqual, 10.0)
}

func TestPublishWhileClientWriteStalls(t *testing.T) {
	srv := NewServer(nil, logging.NewTestLogger(t))
	test.That(t, srv.Start("127.0.0.1:0"), test.ShouldBeNil)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		test.That(t, srv.Close(ctx), test.ShouldBeNil)
	}()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr().String()+"/ws", nil)
	test.That(t, err, test.ShouldBeNil)
	defer conn.Close()
	test.That(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)), test.ShouldBeNil)
	var hello map[string]any
	test.That(t, conn.ReadJSON(&hello), test.ShouldBeNil)

	// hold the client's write lock so the broadcaster blocks on it
	srv.mu.Lock()
	var writeMu *sync.Mutex
	for _, mu := range srv.clients {
		writeMu = mu
	}
	srv.mu.Unlock()
	test.That(t, writeMu, test.ShouldNotBeNil)
	writeMu.Lock()
	srv.Publish(Summary{Type: "frame", Sequence: 1})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := uint64(2); i < 40; i++ {
			srv.Publish(Summary{Type: "frame", Sequence: i})
		}
		srv.Clients()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Publish blocked behind a stalled client")
	}
	writeMu.Unlock()
	<-done

	var got Summary
	test.That(t, conn.ReadJSON(&got), test.ShouldBeNil)
	test.That(t, got.Sequence, test.ShouldEqual, uint64(1))
}
