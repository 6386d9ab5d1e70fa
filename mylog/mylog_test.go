package mylog

import (
	"testing"

	"github.com/pion/logging"
)

func TestDefaultLogger(t *testing.T) {
	Logger.SetLevel(logging.LogLevelWarn)
	Logger.Warn("warn line")
	Logger.Warnf("warn line %d %d %s", 1, 2, "aaaa")
	Logger.Infof("filtered out %d", 3)
}
