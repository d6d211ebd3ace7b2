package ros

import (
	"testing"
	"time"

	"github.com/bluenviron/goroslib/v2"
	"github.com/bluenviron/goroslib/v2/pkg/msgs/diagnostic_msgs"
	"github.com/bluenviron/goroslib/v2/pkg/msgs/std_msgs"
	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/live"
	"github.com/brokenrobotz/viam-sensorbox/pkg/msgs/sensorbox_msgs"
)

type recordingPublisher struct {
	msgs   []interface{}
	closed bool
}

func (r *recordingPublisher) write(msg interface{}) { r.msgs = append(r.msgs, msg) }
func (r *recordingPublisher) close() { r.closed = true }

func installRecorders(t *testing.T) map[string]*recordingPublisher {
	pubs := map[string]*recordingPublisher{}
	origPub, origNode := newPublisher, getNode
	newPublisher = func(_ *goroslib.Node, topic string, _ interface{}) (publisher, error) {
		p := &recordingPublisher{}
		pubs[topic] = p
		return p, nil
	}
	getNode = func(string) (*goroslib.Node, error) { return nil, nil }
	t.Cleanup(func() { newPublisher, getNode = origPub, origNode })
	return pubs
}

func TestNewStatusPublisherValidates(t *testing.T) {
	installRecorders(t)
	logger := logging.NewTestLogger(t)
	_, err := NewStatusPublisher(StatusConf{SummaryTopic: "/a"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
	_, err = NewStatusPublisher(StatusConf{PrimaryUri: "localhost:11311"}, logger)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestStatusPublisher(t *testing.T) {
	pubs := installRecorders(t)
	s, err := NewStatusPublisher(StatusConf{
		PrimaryUri:       "localhost:11311",
		SummaryTopic:     "/sensorbox/frames",
		DiagnosticsTopic: "/diagnostics",
		FrameID:          "base_link",
		HardwareID:       "box",
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	s.PublishSummary(live.Summary{Sequence: 4, Cameras: []int{0, 2}, LidarPoints: 100, FPS: 9.5})
	s.PublishStats(fusion.Stats{State: fusion.StateConnected.String()})

	frames := pubs["/sensorbox/frames"].msgs
	test.That(t, frames, test.ShouldHaveLength, 1)
	fs := frames[0].(*sensorbox_msgs.FrameSummary)
	test.That(t, fs.Header.FrameId, test.ShouldEqual, "base_link")
	test.That(t, fs.Header.Seq, test.ShouldEqual, uint32(1))
	test.That(t, fs.Cameras, test.ShouldResemble, []int32{0, 2})
	test.That(t, fs.LidarPoints, test.ShouldEqual, int32(100))

	diags := pubs["/diagnostics"].msgs
	test.That(t, diags, test.ShouldHaveLength, 1)
	da := diags[0].(*diagnostic_msgs.DiagnosticArray)
	test.That(t, da.Header.Seq, test.ShouldEqual, uint32(2))
	test.That(t, da.Status[0].HardwareId, test.ShouldEqual, "box")

	s.Close()
	test.That(t, pubs["/sensorbox/frames"].closed, test.ShouldBeTrue)
	test.That(t, pubs["/diagnostics"].closed, test.ShouldBeTrue)
	s.PublishSummary(live.Summary{})
	test.That(t, pubs["/sensorbox/frames"].msgs, test.ShouldHaveLength, 1)
}

func TestDiagnosticsMsgLevels(t *testing.T) {
	st := fusion.Stats{
		State:         fusion.StateConnected.String(),
		FramesEmitted: 12,
		CameraMisses:  map[int]uint64{1: 0, 0: 3},
		Sources: map[string]fusion.SourceStats{
			"lidar": {Running: true, Reads: 5, TransientErrors: 2},
			"depth": {Running: false},
		},
	}
	da := DiagnosticsMsg(std_msgs.Header{Stamp: time.Now()}, "box", st)
	test.That(t, da.Status, test.ShouldHaveLength, 3)

	fuser := da.Status[0]
	test.That(t, fuser.Name, test.ShouldEqual, "sensorbox/fusion")
	test.That(t, int(fuser.Level), test.ShouldEqual, levelWarn)
	test.That(t, fuser.Values[1].Key, test.ShouldEqual, "camera_0_misses")
	test.That(t, fuser.Values[1].Value, test.ShouldEqual, "3")

	test.That(t, da.Status[1].Name, test.ShouldEqual, "sensorbox/depth")
	test.That(t, int(da.Status[1].Level), test.ShouldEqual, levelError)
	test.That(t, da.Status[2].Name, test.ShouldEqual, "sensorbox/lidar")
	test.That(t, int(da.Status[2].Level), test.ShouldEqual, levelWarn)

	st.State = fusion.StateDisconnected.String()
	st.CameraMisses = nil
	da = DiagnosticsMsg(std_msgs.Header{}, "box", st)
	test.That(t, int(da.Status[0].Level), test.ShouldEqual, levelError)
}
