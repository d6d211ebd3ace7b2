package recorder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Extension of session files.
const Extension = ".sbx"

// SensorConfig names the sensor combination a session was recorded with.
type SensorConfig string

const (
	ConfCSILidar SensorConfig = "CONF01"
	ConfCSIDepth SensorConfig = "CONF02"
	ConfDepth    SensorConfig = "CONF03"
	ConfCSI      SensorConfig = "CONF04"
	ConfAll      SensorConfig = "CONF05"
)

var descriptions = map[SensorConfig]string{
	ConfCSILidar: "CSI + LIDAR",
	ConfCSIDepth: "CSI + OAK-D",
	ConfDepth:    "OAK-D Only",
	ConfCSI:      "CSI Only",
	ConfAll:      "All Sensors",
}

// Description is the human readable preset name, or "Unknown".
func (c SensorConfig) Description() string {
	if d, ok := descriptions[c]; ok {
		return d
	}
	return "Unknown"
}

// Known reports whether c is one of the presets.
func (c SensorConfig) Known() bool {
	_, ok := descriptions[c]
	return ok
}

// ConfigFor picks the preset matching the configured sensors. A lidar
// without cameras is recorded as CONF05.
func ConfigFor(cameras, lidar, depth bool) SensorConfig {
	switch {
	case cameras && lidar && depth:
		return ConfAll
	case cameras && lidar:
		return ConfCSILidar
	case cameras && depth:
		return ConfCSIDepth
	case depth && !lidar:
		return ConfDepth
	case cameras:
		return ConfCSI
	default:
		return ConfAll
	}
}

const filenameTimeLayout = "2006_01_02_150405"

// Filename returns CONFxx_YYYY_MM_DD_HHMMSS plus ext.
func Filename(c SensorConfig, t time.Time, ext string) string {
	return fmt.Sprintf("%s_%s%s", c, t.Format(filenameTimeLayout), ext)
}

// FileInfo is what a session filename encodes.
type FileInfo struct {
	Config      SensorConfig
	Description string
	Time        time.Time
}

// FormattedDate renders Time for display.
func (f FileInfo) FormattedDate() string {
	return f.Time.Format("2006-01-02 15:04:05")
}

// ParseFilename reads a name produced by Filename. Seconds are optional;
// unknown CONF numbers parse with an "Unknown" description.
func ParseFilename(name string) (FileInfo, error) {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	parts := strings.Split(stem, "_")
	if len(parts) < 5 || !strings.HasPrefix(parts[0], "CONF") {
		return FileInfo{}, errors.Errorf("%q is not a session filename", name)
	}
	nums := make([]int, 3)
	for i := range nums {
		n, err := strconv.Atoi(parts[i+1])
		if err != nil {
			return FileInfo{}, errors.Wrapf(err, "parsing date in %q", name)
		}
		nums[i] = n
	}
	clock := parts[4]
	if len(clock) < 4 {
		return FileInfo{}, errors.Errorf("time part of %q is too short", name)
	}
	hour, err := strconv.Atoi(clock[0:2])
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "parsing hour in %q", name)
	}
	minute, err := strconv.Atoi(clock[2:4])
	if err != nil {
		return FileInfo{}, errors.Wrapf(err, "parsing minute in %q", name)
	}
	second := 0
	if len(clock) >= 6 {
		if second, err = strconv.Atoi(clock[4:6]); err != nil {
			return FileInfo{}, errors.Wrapf(err, "parsing second in %q", name)
		}
	}
	c := SensorConfig(parts[0])
	return FileInfo{
		Config:      c,
		Description: c.Description(),
		Time:        time.Date(nums[0], time.Month(nums[1]), nums[2], hour, minute, second, 0, time.Local),
	}, nil
}
