package log

import (
	"errors"
	"io"
	"testing"
	"time"
)

var (
	sampleLeaves  = 42
	sampleRoot    = []byte{0xde, 0xad, 0xbe, 0xef}
	sampleCounts  = []uint64{12, 0, 30}
	sampleEpsilon = 0.5
	sampleTTL     = 24 * time.Hour
	sampleSealed  = time.Unix(1756339200, 0)

	errSample = errors.New("pebble: closed")
)

func doLogs() {
	Infof("sealed root %x over %d leaves", sampleRoot, sampleLeaves)
	Debugw("noised release", "epsilon", sampleEpsilon, "counts", sampleCounts)
	Errorf("cannot commit spent-token record: %v", errSample)
	Warnw("credential issuance",
		"ttl", sampleTTL,
		"sealedAt", sampleSealed,
		"tier", "T2",
	)
	Error(errSample)
}

func TestCheckInvalidChars(t *testing.T) {
	t.Cleanup(func() { panicOnInvalidChars = false })

	v := []byte{'p', 'o', 'l', 'l', 0xfe, 'i', 'd'}
	panicOnInvalidChars = false
	Init("debug", "stderr", nil)
	Debugf("%s", v)
	// should not panic since the flag is false

	panicOnInvalidChars = true
	Init("debug", "stderr", nil)
	defer func() { recover() }()
	Debugf("%s", v)
	t.Errorf("Debugf(%s) should have panicked because of invalid char", v)
}

func BenchmarkLogger(b *testing.B) {
	logTestWriter = io.Discard // to not grow a buffer
	Init("debug", logTestWriterName, nil)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		doLogs()
	}
}
