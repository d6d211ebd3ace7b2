package ros

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bluenviron/goroslib/v2"
	"github.com/bluenviron/goroslib/v2/pkg/msgs/diagnostic_msgs"
	"github.com/bluenviron/goroslib/v2/pkg/msgs/std_msgs"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/live"
	"github.com/brokenrobotz/viam-sensorbox/pkg/msgs/sensorbox_msgs"
)

// diagnostic_msgs/DiagnosticStatus levels
const (
	levelOK    = 0
	levelWarn  = 1
	levelError = 2
)

// StatusConf configures the topics a StatusPublisher writes to. Empty topics
// are not advertised.
type StatusConf struct {
	PrimaryUri       string
	SummaryTopic     string
	DiagnosticsTopic string
	FrameID          string
	// HardwareID tags every diagnostic status, usually the component name.
	HardwareID string
}

type publisher interface {
	write(msg interface{})
	close()
}

type gorosPublisher struct {
	p *goroslib.Publisher
}

func (g gorosPublisher) write(msg interface{}) { g.p.Write(msg) }
func (g gorosPublisher) close() { g.p.Close() }

var newPublisher = func(node *goroslib.Node, topic string, msg interface{}) (publisher, error) {
	p, err := goroslib.NewPublisher(goroslib.PublisherConf{
		Node:  node,
		Topic: topic,
		Msg:   msg,
	})
	if err != nil {
		return nil, err
	}
	return gorosPublisher{p: p}, nil
}

var getNode = GetInstance

// StatusPublisher mirrors fused frame summaries and fuser health onto a ROS
// graph so existing ROS tooling (rqt, rostopic) can watch the box.
type StatusPublisher struct {
	mu          sync.Mutex
	conf        StatusConf
	summaries   publisher
	diagnostics publisher
	seq         uint32
	logger      logging.Logger
}

func NewStatusPublisher(conf StatusConf, logger logging.Logger) (*StatusPublisher, error) {
	if strings.TrimSpace(conf.PrimaryUri) == "" {
		return nil, errors.New("ROS primary uri must be set to hostname:port")
	}
	if conf.SummaryTopic == "" && conf.DiagnosticsTopic == "" {
		return nil, errors.New("at least one ROS status topic must be set")
	}
	node, err := getNode(conf.PrimaryUri)
	if err != nil {
		return nil, err
	}
	s := &StatusPublisher{conf: conf, logger: logger}
	if conf.SummaryTopic != "" {
		if s.summaries, err = newPublisher(node, conf.SummaryTopic, &sensorbox_msgs.FrameSummary{}); err != nil {
			return nil, errors.Wrapf(err, "advertising %s", conf.SummaryTopic)
		}
	}
	if conf.DiagnosticsTopic != "" {
		if s.diagnostics, err = newPublisher(node, conf.DiagnosticsTopic, &diagnostic_msgs.DiagnosticArray{}); err != nil {
			if s.summaries != nil {
				s.summaries.close()
			}
			return nil, errors.Wrapf(err, "advertising %s", conf.DiagnosticsTopic)
		}
	}
	return s, nil
}

func (s *StatusPublisher) header(now time.Time) std_msgs.Header {
	s.seq++
	return std_msgs.Header{Seq: s.seq, Stamp: now, FrameId: s.conf.FrameID}
}

// PublishSummary writes one FrameSummary.
func (s *StatusPublisher) PublishSummary(sum live.Summary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaries == nil {
		return
	}
	s.summaries.write(FrameSummaryMsg(s.header(time.Now()), sum))
}

// PublishStats writes one DiagnosticArray describing st.
func (s *StatusPublisher) PublishStats(st fusion.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.diagnostics == nil {
		return
	}
	s.diagnostics.write(DiagnosticsMsg(s.header(time.Now()), s.conf.HardwareID, st))
}

func (s *StatusPublisher) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.summaries != nil {
		s.summaries.close()
		s.summaries = nil
	}
	if s.diagnostics != nil {
		s.diagnostics.close()
		s.diagnostics = nil
	}
	s.logger.Debug("ROS status publishers closed")
}

func FrameSummaryMsg(h std_msgs.Header, sum live.Summary) *sensorbox_msgs.FrameSummary {
	cams := make([]int32, len(sum.Cameras))
	for i, id := range sum.Cameras {
		cams[i] = int32(id)
	}
	return &sensorbox_msgs.FrameSummary{
		Header:            h,
		Sequence:          sum.Sequence,
		Timestamp:         sum.Timestamp,
		Cameras:           cams,
		LidarPoints:       int32(sum.LidarPoints),
		DepthValidPercent: float32(sum.DepthValidPercent),
		HasImu:            sum.HasIMU,
		Fps:               float32(sum.FPS),
	}
}

// DiagnosticsMsg has one status for the fuser followed by one per
// asynchronous source, sorted by name.
func DiagnosticsMsg(h std_msgs.Header, hardwareID string, st fusion.Stats) *diagnostic_msgs.DiagnosticArray {
	fuser := diagnostic_msgs.DiagnosticStatus{
		Name:       "sensorbox/fusion",
		HardwareId: hardwareID,
		Level:      levelOK,
		Message:    st.State,
		Values: []diagnostic_msgs.KeyValue{
			{Key: "frames_emitted", Value: fmt.Sprint(st.FramesEmitted)},
		},
	}
	if st.State != fusion.StateConnected.String() {
		fuser.Level = levelError
	}
	cams := make([]int, 0, len(st.CameraMisses))
	for id := range st.CameraMisses {
		cams = append(cams, id)
	}
	sort.Ints(cams)
	for _, id := range cams {
		if st.CameraMisses[id] > 0 && fuser.Level == levelOK {
			fuser.Level = levelWarn
		}
		fuser.Values = append(fuser.Values, diagnostic_msgs.KeyValue{
			Key:   fmt.Sprintf("camera_%d_misses", id),
			Value: fmt.Sprint(st.CameraMisses[id]),
		})
	}
	out := &diagnostic_msgs.DiagnosticArray{Header: h, Status: []diagnostic_msgs.DiagnosticStatus{fuser}}

	names := make([]string, 0, len(st.Sources))
	for name := range st.Sources {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		src := st.Sources[name]
		status := diagnostic_msgs.DiagnosticStatus{
			Name:       "sensorbox/" + name,
			HardwareId: hardwareID,
			Level:      levelOK,
			Message:    "running",
			Values: []diagnostic_msgs.KeyValue{
				{Key: "reads", Value: fmt.Sprint(src.Reads)},
				{Key: "deposits", Value: fmt.Sprint(src.Deposits)},
				{Key: "overwritten", Value: fmt.Sprint(src.Overwritten)},
				{Key: "transient_errors", Value: fmt.Sprint(src.TransientErrors)},
				{Key: "stale", Value: fmt.Sprint(src.Stale)},
			},
		}
		switch {
		case !src.Running:
			status.Level = levelError
			status.Message = "stopped"
		case src.TransientErrors > 0:
			status.Level = levelWarn
			status.Message = "read errors"
		}
		out.Status = append(out.Status, status)
	}
	return out
}
