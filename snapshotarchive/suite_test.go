package snapshotarchive_test

import (
	"testing"
	"time"

	gc "gopkg.in/check.v1"

	"github.com/meterwatch/metermon/reading"
	"github.com/meterwatch/metermon/snapshotarchive"
)

func TestSuite(t *testing.T) { gc.TestingT(t) }

type suite struct{}

var _ = gc.Suite(&suite{})

func (*suite) TestPutGetList(c *gc.C) {
	archive, err := snapshotarchive.Open(c.MkDir(), snapshotarchive.Retention{})
	c.Assert(err, gc.Equals, nil)

	t0 := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	r := reading.Reading{
		MeterName: "water_main",
		Timestamp: t0,
		Total:     1234.5,
	}
	ref, err := archive.Put("water_main", []byte("fake-jpeg-bytes"), r, "http://cam.local/still.jpg", "deadbeef")
	c.Assert(err, gc.Equals, nil)
	c.Assert(ref.MeterName, gc.Equals, "water_main")

	img, err := archive.GetImage(ref)
	c.Assert(err, gc.Equals, nil)
	c.Assert(string(img), gc.Equals, "fake-jpeg-bytes")

	sidecar, err := archive.GetSidecar(ref)
	c.Assert(err, gc.Equals, nil)
	c.Assert(sidecar.Total, gc.Equals, 1234.5)
	c.Assert(sidecar.ImageHashSHA256, gc.Equals, "deadbeef")

	refs, err := archive.List("water_main", 0, "")
	c.Assert(err, gc.Equals, nil)
	c.Assert(len(refs), gc.Equals, 1)
	c.Assert(refs[0].ID, gc.Equals, ref.ID)
}

func (*suite) TestPruneByMaxCount(c *gc.C) {
	archive, err := snapshotarchive.Open(c.MkDir(), snapshotarchive.Retention{MaxCount: 1})
	c.Assert(err, gc.Equals, nil)

	base := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		r := reading.Reading{
			MeterName: "water_main",
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Total:     float64(i),
		}
		_, err := archive.Put("water_main", []byte("x"), r, "", "")
		c.Assert(err, gc.Equals, nil)
	}

	c.Assert(archive.Prune("water_main"), gc.Equals, nil)

	refs, err := archive.List("water_main", 0, "")
	c.Assert(err, gc.Equals, nil)
	c.Assert(len(refs), gc.Equals, 1)
}
