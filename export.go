package viamvslam

import (
	"bufio"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"go.viam.com/rdk/spatialmath"
	"gonum.org/v1/gonum/num/quat"
)

// resolvedPose recomposes a trajectory entry against its reference
// keyframe's current pose, so optimization and loop corrections that ran
// after the frame was tracked are reflected in the export.
func (s *System) resolvedPose(e trajectoryEntry) spatialmath.Pose {
	if e.ref != 0 {
		if kf := s.m.KeyFrame(e.ref); kf != nil && !kf.Erased() {
			return spatialmath.Compose(kf.Pose(), e.rel)
		}
	}
	return e.abs
}

// SaveTrajectoryTUM writes the frame trajectory in TUM format: one line per
// tracked frame, "timestamp tx ty tz qx qy qz qw". Frames tracked while
// lost are absent. Requires Shutdown first.
func (s *System) SaveTrajectoryTUM(path string) error {
	if err := s.requireShutdown(); err != nil {
		return err
	}
	s.mu.Lock()
	entries := make([]trajectoryEntry, len(s.trajectory))
	copy(entries, s.trajectory)
	s.mu.Unlock()

	return writeLines(path, len(entries), func(w *bufio.Writer, i int) error {
		e := entries[i]
		pose := s.resolvedPose(e)
		t := pose.Point()
		q := pose.Orientation().Quaternion()
		_, err := fmt.Fprintf(w, "%.6f %.7f %.7f %.7f %.7f %.7f %.7f %.7f\n",
			e.timestamp, t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
		return err
	})
}

// SaveKeyFrameTrajectoryTUM writes one TUM-format line per keyframe still in
// the map, ordered by insertion. Requires Shutdown first.
func (s *System) SaveKeyFrameTrajectoryTUM(path string) error {
	if err := s.requireShutdown(); err != nil {
		return err
	}
	kfs := s.m.KeyFrames()

	return writeLines(path, len(kfs), func(w *bufio.Writer, i int) error {
		kf := kfs[i]
		pose := kf.Pose()
		t := pose.Point()
		q := pose.Orientation().Quaternion()
		_, err := fmt.Fprintf(w, "%.6f %.7f %.7f %.7f %.7f %.7f %.7f %.7f\n",
			kf.Timestamp(), t.X, t.Y, t.Z, q.Imag, q.Jmag, q.Kmag, q.Real)
		return err
	})
}

// SaveTrajectoryKITTI writes the frame trajectory in KITTI format: one line
// per tracked frame holding the camera-in-world [R|t] matrix row-major, 12
// values. Requires Shutdown first.
func (s *System) SaveTrajectoryKITTI(path string) error {
	if err := s.requireShutdown(); err != nil {
		return err
	}
	s.mu.Lock()
	entries := make([]trajectoryEntry, len(s.trajectory))
	copy(entries, s.trajectory)
	s.mu.Unlock()

	return writeLines(path, len(entries), func(w *bufio.Writer, i int) error {
		pose := s.resolvedPose(entries[i])
		t := pose.Point()
		r := rotationRows(pose.Orientation().Quaternion())
		_, err := fmt.Fprintf(w,
			"%.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f %.9f\n",
			r[0][0], r[0][1], r[0][2], t.X,
			r[1][0], r[1][1], r[1][2], t.Y,
			r[2][0], r[2][1], r[2][2], t.Z)
		return err
	})
}

func rotationRows(q quat.Number) [3][3]float64 {
	w, x, y, z := q.Real, q.Imag, q.Jmag, q.Kmag
	return [3][3]float64{
		{1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y)},
		{2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x)},
		{2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y)},
	}
}

func writeLines(path string, n int, line func(w *bufio.Writer, i int) error) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create trajectory file %q", path)
	}
	w := bufio.NewWriter(f)
	for i := 0; i < n; i++ {
		if err := line(w, i); err != nil {
			if cerr := f.Close(); cerr != nil {
				return errors.Wrap(err, cerr.Error())
			}
			return errors.Wrapf(err, "cannot write trajectory file %q", path)
		}
	}
	if err := w.Flush(); err != nil {
		if cerr := f.Close(); cerr != nil {
			return errors.Wrap(err, cerr.Error())
		}
		return errors.Wrapf(err, "cannot flush trajectory file %q", path)
	}
	return f.Close()
}
