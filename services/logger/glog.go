package logsvc

import (
	"fmt"
	"strings"

	"github.com/golang/glog"

	"github.com/trezcool/campus/core"
)

// GlogLogger logs through glog. Used by command line tools: debug messages need -v=1.
type GlogLogger struct{}

var _ core.Logger = GlogLogger{}

func NewGlogLogger() GlogLogger { return GlogLogger{} }

func format(msg string, args []interface{}) string {
	if len(args) == 0 {
		return msg
	}
	b := new(strings.Builder)
	b.WriteString(msg)
	for _, arg := range args {
		fmt.Fprintf(b, " | %+v", arg)
	}
	return b.String()
}

func (GlogLogger) Debug(msg string, args ...interface{}) {
	if glog.V(1) {
		glog.InfoDepth(1, format(msg, args))
	}
}

func (GlogLogger) Info(msg string, args ...interface{}) {
	glog.InfoDepth(1, format(msg, args))
}

func (GlogLogger) Warn(msg string, args ...interface{}) {
	glog.WarningDepth(1, format(msg, args))
}

func (GlogLogger) Error(msg string, args ...interface{}) {
	glog.ErrorDepth(1, format(msg, args))
}

func (GlogLogger) Fatal(msg string, args ...interface{}) {
	glog.FatalDepth(1, format(msg, args))
}

// Flush writes buffered log entries, to be deferred by main.
func (GlogLogger) Flush() {
	glog.Flush()
}
