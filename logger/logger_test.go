package logger

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("test")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "test" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
	if err := log.Configure("info", "xml", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid format")
	}
}

func TestConfigureReportLevelAndFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	path := filepath.Join(t.TempDir(), "liqflow.log")
	if err := log.Configure("report", "text", path, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.GetLevel().String() != "info" {
		t.Fatalf("report level should log at info, got %s", log.GetLevel())
	}
}

func TestJSONFieldNames(t *testing.T) {
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("ledger").WithFields(Fields{"retained": 3}).Info("pruned")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("output is not json: %v (%s)", err, buf.String())
	}
	for _, key := range []string{"timestamp", "level", "message", "component", "retained"} {
		if _, ok := line[key]; !ok {
			t.Fatalf("missing %q in %v", key, line)
		}
	}
}

func TestWarnAndErrorCounts(t *testing.T) {
	log := Logger()
	log.SetOutput(&bytes.Buffer{})

	log.WithComponent("counts_test").Warn("w")
	log.WithComponent("counts_test").Warn("w")
	log.WithComponent("counts_test").Error("e")

	for _, c := range Counts() {
		if c.Component != "counts_test" {
			continue
		}
		if c.Warns != 2 || c.Errors != 1 {
			t.Fatalf("unexpected counts: %+v", c)
		}
		return
	}
	t.Fatal("component counts not recorded")
}

func TestCallerSkipsWrappers(t *testing.T) {
	t.Setenv("LOG_LEVEL", "")
	log := Logger()
	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithComponent("caller").Warn("via entry")
	log.Info("via logger")
	LogDataFlowEntry(log.WithComponent("caller"), "a", "b", 1, "liq")
	log.SetLevel(logrus.DebugLevel)
	LogDataFlowEntry(log.WithComponent("caller"), "a", "b", 1, "liq")

	dec := json.NewDecoder(&buf)
	lines := 0
	for dec.More() {
		var line map[string]any
		if err := dec.Decode(&line); err != nil {
			t.Fatalf("output is not json: %v", err)
		}
		file, _ := line["file"].(string)
		if !strings.HasPrefix(file, "logger_test.go:") {
			t.Fatalf("caller %q for %q should be the test file", file, line["message"])
		}
		lines++
	}
	if lines != 3 {
		t.Fatalf("expected 3 lines, got %d", lines)
	}
}

func TestWrapperPrefixesNameThisPackage(t *testing.T) {
	for _, fn := range []string{"liqflow/logger.(*Entry).Warn", "liqflow/logger.(*Log).WithComponent", "github.com/sirupsen/logrus.(*Entry).Log"} {
		if !isWrapper(fn) {
			t.Errorf("%s should be skipped", fn)
		}
	}
	for _, fn := range []string{"liqflow/logger.TestCallerSkipsWrappers", "liqflow/internal/reader.(*FeedConnection).Run", "main.main"} {
		if isWrapper(fn) {
			t.Errorf("%s should be reported", fn)
		}
	}
}
