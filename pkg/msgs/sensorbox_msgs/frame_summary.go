package sensorbox_msgs

import (
	"github.com/bluenviron/goroslib/v2/pkg/msg"
	"github.com/bluenviron/goroslib/v2/pkg/msgs/std_msgs"
)

// FrameSummary describes one fused frame without its payloads.
type FrameSummary struct {
	msg.Package       `ros:"sensorbox_msgs"`
	Header            std_msgs.Header
	Sequence          uint64
	Timestamp         float64
	Cameras           []int32
	LidarPoints       int32
	DepthValidPercent float32
	HasImu            bool
	Fps               float32
}
