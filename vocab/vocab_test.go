package vocab_test

import (
	"os"
	"path/filepath"
	"testing"

	"go.viam.com/test"

	"github.com/viamrobotics/viam-vslam/feature"
	"github.com/viamrobotics/viam-vslam/vocab"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vocab.txt")
	content := "# test vocabulary\n" +
		"0 0 0 0\n" +
		"ffffffffffffffff ffffffffffffffff ffffffffffffffff ffffffffffffffff\n" +
		"\n" +
		"f0f0f0f0f0f0f0f0 0 0 0\n"
	test.That(t, os.WriteFile(path, []byte(content), 0o644), test.ShouldBeNil)

	voc, err := vocab.Load(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, voc.Size(), test.ShouldEqual, 3)

	_, err = vocab.Load(filepath.Join(dir, "missing.txt"))
	test.That(t, err, test.ShouldNotBeNil)

	bad := filepath.Join(dir, "bad.txt")
	test.That(t, os.WriteFile(bad, []byte("zz-not-hex\n"), 0o644), test.ShouldBeNil)
	_, err = vocab.Load(bad)
	test.That(t, err, test.ShouldNotBeNil)

	uneven := filepath.Join(dir, "uneven.txt")
	test.That(t, os.WriteFile(uneven, []byte("0 0\n0\n"), 0o644), test.ShouldBeNil)
	_, err = vocab.Load(uneven)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestQuantize(t *testing.T) {
	words := []feature.Descriptor{
		{0x0000000000000000},
		{0xFFFFFFFFFFFFFFFF},
	}
	voc, err := vocab.New(words)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, voc.WordOf(feature.Descriptor{0x1}), test.ShouldEqual, vocab.WordID(0))
	test.That(t, voc.WordOf(feature.Descriptor{0xFFFFFFFFFFFFFFF0}), test.ShouldEqual, vocab.WordID(1))

	bow := voc.Quantize([]feature.Descriptor{
		{0x0}, {0x1}, {0x3}, {0xFFFFFFFFFFFFFFFF},
	})
	test.That(t, len(bow), test.ShouldEqual, 2)
	test.That(t, bow[0], test.ShouldAlmostEqual, 0.75, 1e-12)
	test.That(t, bow[1], test.ShouldAlmostEqual, 0.25, 1e-12)

	_, err = vocab.New(nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestScore(t *testing.T) {
	a := vocab.BowVector{0: 0.5, 1: 0.5}
	b := vocab.BowVector{0: 0.5, 1: 0.5}
	test.That(t, vocab.Score(a, b), test.ShouldAlmostEqual, 1.0, 1e-12)

	c := vocab.BowVector{2: 1.0}
	test.That(t, vocab.Score(a, c), test.ShouldEqual, 0)

	d := vocab.BowVector{0: 0.25, 2: 0.75}
	test.That(t, vocab.Score(a, d), test.ShouldAlmostEqual, 0.25, 1e-12)

	test.That(t, vocab.SharedWords(a, d), test.ShouldEqual, 1)
	test.That(t, vocab.SharedWords(a, c), test.ShouldEqual, 0)
}
