package logging

import (
	"sort"
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestBiasedStringSliceOrdersFixedKeysFirst(t *testing.T) {
	keys := []string{"zeta", log.FieldKeyFunc, "alpha", log.FieldKeyTime, log.FieldKeyLevel, fieldKeyAttemptID}
	sort.Sort(BiasedStringSlice(keys))

	want := []string{log.FieldKeyTime, log.FieldKeyLevel, log.FieldKeyFunc, fieldKeyAttemptID, "alpha", "zeta"}
	for i, k := range want {
		if keys[i] != k {
			t.Fatalf("got order %v, want %v", keys, want)
		}
	}
}

func TestAttemptLoggerWritesToProvidedWriter(t *testing.T) {
	var buf logBuffer
	logger := AttemptLogger("generic/001#1", "vm-0", &buf)
	logger.Info("hello")
	if buf.String() == "" {
		t.Fatal("expected AttemptLogger to write into the provided writer")
	}
}

type logBuffer struct {
	data []byte
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

func (b *logBuffer) String() string { return string(b.data) }
