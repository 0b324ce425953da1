package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperPrefixes are the frames that only forward to logrus. Anything else,
// including code in this package, is a real call site.
var wrapperPrefixes = func() []string {
	pc, _, _, _ := runtime.Caller(0)
	pkg := runtime.FuncForPC(pc).Name()
	slash := strings.LastIndex(pkg, "/") + 1
	if dot := strings.Index(pkg[slash:], "."); dot >= 0 {
		pkg = pkg[:slash+dot]
	}
	return []string{
		"github.com/sirupsen/logrus.",
		pkg + ".(*Entry).",
		pkg + ".(*Log).",
		pkg + ".LogDataFlowEntry",
	}
}()

// callerHook points entry.Caller past the Log/Entry wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !isWrapper(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapper(fn string) bool {
	for _, p := range wrapperPrefixes {
		if strings.HasPrefix(fn, p) {
			return true
		}
	}
	return false
}
