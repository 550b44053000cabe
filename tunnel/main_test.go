package tunnel

import (
	"os"
	"testing"

	"go.uber.org/goleak"

	"github.com/arloliu/go-knx/logger"
)

func TestMain(m *testing.M) {
	level, err := logger.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil {
		level = logger.InfoLevel
	}
	logger.SetLevel(level)

	goleak.VerifyTestMain(m)
}
