// Package logging configures logrus the way the teacher's cmd/log.go
// does: a biased-key text formatter for the standard logger, and a
// per-attempt logger whose entries are duplicated to the standard
// logger with the dispatching supervisor attached alongside the
// attempt id, so a poison-pill-isolated attempt and the supervisor
// crash that caused it show up on the same combined log line.
package logging

import (
	"io"
	"sort"

	log "github.com/sirupsen/logrus"
)

// StandardFormatter builds the TextFormatter used for the process-wide
// standard logger, with the biased key ordering below.
func StandardFormatter() *log.TextFormatter {
	return &log.TextFormatter{
		TimestampFormat: "2006-01-02 15:04:05.000",
		SortingFunc:     keySort,
	}
}

func keySort(keys []string) {
	sort.Sort(BiasedStringSlice(keys))
}

// BiasedStringSlice sorts with a fixed set of preferred keys (time,
// level, file, func, attempt id, supervisor id) ahead of everything
// else, which then sorts alphabetically.
type BiasedStringSlice []string

func (s BiasedStringSlice) Len() int { return len(s) }

func (s BiasedStringSlice) Less(i, j int) bool {
	iPref, iFixed := fixedKeys[s[i]]
	jPref, jFixed := fixedKeys[s[j]]
	if !iFixed && !jFixed {
		return sort.StringSlice(s).Less(i, j)
	}
	if iFixed && jFixed {
		return iPref < jPref
	}
	return iFixed
}

func (s BiasedStringSlice) Swap(i, j int) { sort.StringSlice(s).Swap(i, j) }

var fixedKeys = map[string]int{
	log.FieldKeyTime:     1,
	log.FieldKeyLevel:    2,
	log.FieldKeyFile:     3,
	log.FieldKeyFunc:     4,
	fieldKeyAttemptID:    5,
	fieldKeySupervisorID: 6,
}

const (
	fieldKeyAttemptID    = "attempt_id"
	fieldKeySupervisorID = "supervisor_id"
)

// AttemptLogger creates a Logger for one dispatched attempt. Entries are
// written to out, and duplicated to the standard logger tagged with
// both the attempt id and the supervisor slot running it, so restarts
// and poison-pill isolations (runner.Dispatcher) are traceable back to
// the supervisor that caused them in the combined stream.
func AttemptLogger(attemptID, supervisorID string, out io.Writer) *log.Logger {
	logger := log.New()
	logger.Out = out
	logger.Level = log.DebugLevel
	logger.Formatter = &log.TextFormatter{
		DisableQuote:    true,
		TimestampFormat: "15:04:05.000",
	}
	logger.AddHook(&standardLoggerHook{attemptID: attemptID, supervisorID: supervisorID})
	return logger
}

// standardLoggerHook duplicates log messages to the standard logger,
// adding the attempt and supervisor id fields for the duration of that
// single log call only.
type standardLoggerHook struct {
	attemptID    string
	supervisorID string
}

func (h *standardLoggerHook) Fire(entry *log.Entry) error {
	logEntry := *entry
	logEntry.Logger = log.StandardLogger()
	logEntry.Data[fieldKeyAttemptID] = h.attemptID
	logEntry.Data[fieldKeySupervisorID] = h.supervisorID
	logEntry.Log(logEntry.Level, logEntry.Message)
	delete(entry.Data, fieldKeyAttemptID)
	delete(entry.Data, fieldKeySupervisorID)
	return nil
}

func (h *standardLoggerHook) Levels() []log.Level { return log.AllLevels }
