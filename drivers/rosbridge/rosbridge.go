// Package rosbridge reads sensors that are already published on a ROS graph.
// Subscriber callbacks overwrite a latest-message slot; Read hands out each
// message at most once.
package rosbridge

import (
	"context"
	"strings"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/bluenviron/goroslib/v2"
	"github.com/bluenviron/goroslib/v2/pkg/msgs/sensor_msgs"
	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
	"github.com/brokenrobotz/viam-sensorbox/pkg/frame"
	"github.com/brokenrobotz/viam-sensorbox/ros"
)

// Conf selects the ROS master and topic of one driver.
type Conf struct {
	PrimaryUri string
	Topic      string
	SensorID   string
	Clock      clock.Clock
	Logger     logging.Logger
}

func (c Conf) validate() error {
	if strings.TrimSpace(c.PrimaryUri) == "" {
		return errors.New("ROS primary uri must be set to hostname:port")
	}
	if strings.TrimSpace(c.Topic) == "" {
		return errors.New("ROS topic must be set to valid sensor topic")
	}
	return nil
}

// slot keeps the newest message and whether it was already handed out.
type slot[M any] struct {
	mu    sync.Mutex
	msg   *M
	fresh bool
	count uint64
}

func (s *slot[M]) set(m *M) {
	s.mu.Lock()
	s.msg = m
	s.fresh = true
	s.count++
	s.mu.Unlock()
}

// take returns the newest message if it has not been taken before.
func (s *slot[M]) take() (*M, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fresh {
		return nil, false
	}
	s.fresh = false
	return s.msg, true
}

// peek returns the newest message whether or not it was taken.
func (s *slot[M]) peek() *M {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msg
}

func (s *slot[M]) reset() {
	s.mu.Lock()
	s.msg = nil
	s.fresh = false
	s.mu.Unlock()
}

// subscribe is replaced in tests.
var subscribe = func(node *goroslib.Node, topic string, cb interface{}) (closer, error) {
	return goroslib.NewSubscriber(goroslib.SubscriberConf{
		Node:     node,
		Topic:    topic,
		Callback: cb,
	})
}

var getNode = ros.GetInstance

type closer interface {
	Close()
}

// topic is one subscription with its lifecycle.
type topic[M any] struct {
	uri, name string
	latest    slot[M]

	mu  sync.Mutex
	sub closer
}

func (t *topic[M]) connect() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		return nil
	}
	node, err := getNode(t.uri)
	if err != nil {
		return err
	}
	t.latest.reset()
	sub, err := subscribe(node, t.name, func(m *M) { t.latest.set(m) })
	if err != nil {
		return errors.Wrapf(err, "subscribing to %s", t.name)
	}
	t.sub = sub
	return nil
}

func (t *topic[M]) disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sub != nil {
		t.sub.Close()
		t.sub = nil
	}
}

func (t *topic[M]) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sub != nil
}

func defaults(c Conf, fallbackID string) Conf {
	if c.SensorID == "" {
		c.SensorID = fallbackID
	}
	if c.Logger == nil {
		c.Logger = logging.NewLogger("rosbridge")
	}
	return c
}

// LaserScan is a laser scanner backed by a sensor_msgs/LaserScan topic.
type LaserScan struct {
	conf  Conf
	seq   *frame.Sequencer
	topic *topic[sensor_msgs.LaserScan]
}

var _ fusion.LaserScanner = (*LaserScan)(nil)

func NewLaserScan(conf Conf) (*LaserScan, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	conf = defaults(conf, "ros_scan")
	return &LaserScan{
		conf:  conf,
		seq:   frame.NewSequencer(conf.Clock),
		topic: &topic[sensor_msgs.LaserScan]{uri: conf.PrimaryUri, name: conf.Topic},
	}, nil
}

func (l *LaserScan) Connect(ctx context.Context) error {
	l.seq.Reset()
	return l.topic.connect()
}

func (l *LaserScan) Disconnect(ctx context.Context) error {
	l.topic.disconnect()
	return nil
}

func (l *LaserScan) Read(ctx context.Context) (*frame.SensorFrame, error) {
	if !l.topic.connected() {
		return nil, fusion.ErrSourceClosed
	}
	m, ok := l.topic.latest.take()
	if !ok {
		return nil, nil
	}
	pts := ScanPoints(m)
	ts, wall, seq := l.seq.Stamp()
	return &frame.SensorFrame{
		SensorID:   l.conf.SensorID,
		SensorType: frame.SensorTypeLidar,
		FrameType:  frame.FrameTypeScan,
		Timestamp:  ts,
		WallTime:   wall,
		Sequence:   seq,
		Data:       &frame.ScanPayload{Points: pts},
		Metadata: map[string]interface{}{
			"num_points": len(pts),
			"topic":      l.conf.Topic,
			"frame_id":   m.Header.FrameId,
		},
	}, nil
}

// Camera is an image source backed by a sensor_msgs/Image topic.
type Camera struct {
	conf  Conf
	seq   *frame.Sequencer
	topic *topic[sensor_msgs.Image]
}

var _ fusion.Camera = (*Camera)(nil)

func NewCamera(conf Conf) (*Camera, error) {
	if err := conf.validate(); err != nil {
		return nil, err
	}
	conf = defaults(conf, "ros_camera")
	return &Camera{
		conf:  conf,
		seq:   frame.NewSequencer(conf.Clock),
		topic: &topic[sensor_msgs.Image]{uri: conf.PrimaryUri, name: conf.Topic},
	}, nil
}

func (c *Camera) Connect(ctx context.Context) error {
	c.seq.Reset()
	return c.topic.connect()
}

func (c *Camera) Disconnect(ctx context.Context) error {
	c.topic.disconnect()
	return nil
}

func (c *Camera) Read(ctx context.Context) (*frame.SensorFrame, error) {
	if !c.topic.connected() {
		return nil, fusion.ErrNotConnected
	}
	m, ok := c.topic.latest.take()
	if !ok {
		return nil, nil
	}
	img, err := ImagePayload(m)
	if err != nil {
		return nil, err
	}
	ts, wall, seq := c.seq.Stamp()
	return &frame.SensorFrame{
		SensorID:   c.conf.SensorID,
		SensorType: frame.SensorTypeCamera,
		FrameType:  frame.FrameTypeImage,
		Timestamp:  ts,
		WallTime:   wall,
		Sequence:   seq,
		Data:       img,
		Metadata:   map[string]interface{}{"topic": c.conf.Topic, "frame_id": m.Header.FrameId},
	}, nil
}

// DepthTopics names the topics of a depth camera. Depth and Imu are optional.
type DepthTopics struct {
	RGB   string
	Depth string
	Imu   string
}

// DepthCamera combines colour, depth and IMU topics into DepthFrames. A
// frame is produced for every new colour image, carrying the newest depth
// image and IMU sample received so far.
type DepthCamera struct {
	conf   Conf
	seq    *frame.Sequencer
	rgb    *topic[sensor_msgs.Image]
	depth  *topic[sensor_msgs.Image]
	imu    *topic[sensor_msgs.Imu]
	logger logging.Logger
}

var _ fusion.DepthCamera = (*DepthCamera)(nil)

func NewDepthCamera(conf Conf, topics DepthTopics) (*DepthCamera, error) {
	conf.Topic = topics.RGB
	if err := conf.validate(); err != nil {
		return nil, err
	}
	conf = defaults(conf, "ros_depth")
	d := &DepthCamera{
		conf:   conf,
		seq:    frame.NewSequencer(conf.Clock),
		rgb:    &topic[sensor_msgs.Image]{uri: conf.PrimaryUri, name: topics.RGB},
		logger: conf.Logger,
	}
	if topics.Depth != "" {
		d.depth = &topic[sensor_msgs.Image]{uri: conf.PrimaryUri, name: topics.Depth}
	}
	if topics.Imu != "" {
		d.imu = &topic[sensor_msgs.Imu]{uri: conf.PrimaryUri, name: topics.Imu}
	}
	return d, nil
}

func (d *DepthCamera) Connect(ctx context.Context) error {
	d.seq.Reset()
	if err := d.rgb.connect(); err != nil {
		return err
	}
	if d.depth != nil {
		if err := d.depth.connect(); err != nil {
			d.rgb.disconnect()
			return err
		}
	}
	if d.imu != nil {
		if err := d.imu.connect(); err != nil {
			d.rgb.disconnect()
			if d.depth != nil {
				d.depth.disconnect()
			}
			return err
		}
	}
	return nil
}

func (d *DepthCamera) Disconnect(ctx context.Context) error {
	d.rgb.disconnect()
	if d.depth != nil {
		d.depth.disconnect()
	}
	if d.imu != nil {
		d.imu.disconnect()
	}
	return nil
}

func (d *DepthCamera) Read(ctx context.Context) (*frame.DepthFrame, error) {
	if !d.rgb.connected() {
		return nil, fusion.ErrSourceClosed
	}
	m, ok := d.rgb.latest.take()
	if !ok {
		return nil, nil
	}
	rgb, err := ImagePayload(m)
	if err != nil {
		return nil, err
	}
	ts, wall, seq := d.seq.Stamp()
	out := &frame.DepthFrame{Timestamp: ts, WallTime: wall, Sequence: seq, RGB: rgb}
	if d.depth != nil {
		if dm := d.depth.latest.peek(); dm != nil {
			depth, err := DepthMap(dm)
			if err != nil {
				d.logger.Debugw("dropping depth image", "topic", d.depth.name, "error", err)
			} else {
				out.Depth = depth
			}
		}
	}
	if d.imu != nil {
		if im := d.imu.latest.peek(); im != nil {
			out.IMU = IMUSample(im)
		}
	}
	return out, nil
}
