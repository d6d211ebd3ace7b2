package timesync

import (
	"math"
	"testing"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
)

func TestAlignToTimestampTolerance(t *testing.T) {
	a := NewFrameAligner("cam", SyncConfig{AlignmentTolerance: 0.05}, clock.NewMock())
	a.AddFrame(camFrame("cam", 10.00))

	aligned := a.AlignToTimestamp(10.03)
	test.That(t, aligned.SensorIDs(), test.ShouldResemble, []string{"cam"})
	test.That(t, aligned.Errors["cam"], test.ShouldAlmostEqual, 0.03)
	test.That(t, aligned.MaxAlignmentError(), test.ShouldAlmostEqual, 0.03)

	aligned = a.AlignToTimestamp(10.10)
	test.That(t, aligned.Get("cam"), test.ShouldBeNil)
	test.That(t, aligned.Errors, test.ShouldBeEmpty)
	test.That(t, aligned.MaxAlignmentError(), test.ShouldEqual, 0.0)

	st := a.Stats()
	test.That(t, st.TotalAlignments, test.ShouldEqual, 2)
	test.That(t, st.SuccessfulAlignments, test.ShouldEqual, 1)
	test.That(t, st.SuccessRate, test.ShouldEqual, 0.5)
	test.That(t, st.BufferSizes["cam"], test.ShouldEqual, 1)
}

func TestAlignNeverExceedsTolerance(t *testing.T) {
	const tol = 0.02
	a := NewFrameAligner("cam", SyncConfig{AlignmentTolerance: tol}, nil)
	for i := 0; i < 60; i++ {
		a.AddFrame(camFrame("cam", float64(i)/30))
		a.AddFrame(camFrame("lidar", float64(i)/7))
	}
	for i := 0; i < 200; i++ {
		aligned := a.AlignToTimestamp(float64(i) / 100)
		test.That(t, len(aligned.Frames), test.ShouldEqual, len(aligned.Errors))
		for id, e := range aligned.Errors {
			test.That(t, math.Abs(e), test.ShouldBeLessThanOrEqualTo, tol)
			test.That(t, aligned.Frames[id], test.ShouldNotBeNil)
		}
	}
}

func TestAlignToTimestampSubset(t *testing.T) {
	a := NewFrameAligner("cam", SyncConfig{}, nil)
	a.AddFrame(camFrame("cam", 1.0))
	a.AddFrame(camFrame("lidar", 1.01))

	aligned := a.AlignToTimestamp(1.0, "lidar", "missing")
	test.That(t, aligned.SensorIDs(), test.ShouldResemble, []string{"lidar"})
	test.That(t, aligned.IsComplete("lidar"), test.ShouldBeTrue)
	test.That(t, aligned.IsComplete("lidar", "cam"), test.ShouldBeFalse)
}

func TestAlignToPrimary(t *testing.T) {
	a := NewFrameAligner("cam", SyncConfig{AlignmentTolerance: 0.05}, nil)
	_, ok := a.AlignToPrimary()
	test.That(t, ok, test.ShouldBeFalse)

	a.AddFrame(camFrame("lidar", 2.0))
	_, ok = a.AlignToPrimary()
	test.That(t, ok, test.ShouldBeFalse)

	a.AddFrame(camFrame("cam", 1.98))
	a.AddFrame(camFrame("cam", 2.5))
	aligned, ok := a.AlignToPrimary()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, aligned.Timestamp, test.ShouldEqual, 2.5)
	test.That(t, aligned.Errors["cam"], test.ShouldEqual, 0.0)
	test.That(t, aligned.Get("lidar"), test.ShouldBeNil)

	a.AddFrame(camFrame("cam", 2.01))
	aligned, _ = a.AlignToPrimary()
	test.That(t, aligned.Errors["cam"], test.ShouldEqual, 0.0)
	test.That(t, aligned.IsComplete("cam", "lidar"), test.ShouldBeTrue)

	a.Clear()
	st := a.Stats()
	test.That(t, st.TotalAlignments, test.ShouldEqual, 0)
	test.That(t, st.BufferSizes["cam"], test.ShouldEqual, 0)
	_, ok = a.AlignToPrimary()
	test.That(t, ok, test.ShouldBeFalse)
}

func TestRoleSensorID(t *testing.T) {
	test.That(t, RoleSensorID(RoleCamera, 1), test.ShouldEqual, "camera_1")
	test.That(t, RoleSensorID(RoleDepth, 0), test.ShouldEqual, "depth_0")
	test.That(t, Role(9).String(), test.ShouldEqual, "role(9)")
}
