package app

import (
	"sync"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
)

// runtimeFlags are read apart from Config because they decide whether the
// configuration is loaded at all.
type runtimeFlags struct {
	TestMode bool `envconfig:"PROXAPEOPLE_TEST_MODE" default:"false"`
}

var (
	testMode  atomic.Bool
	flagsOnce sync.Once
)

func readRuntimeFlags() {
	var flags runtimeFlags
	if err := envconfig.Process("", &flags); err != nil {
		testMode.Store(false)
		return
	}
	testMode.Store(flags.TestMode)
}

// InTestMode reports whether the binary should skip starting servers and workers.
func InTestMode() bool {
	flagsOnce.Do(readRuntimeFlags)
	return testMode.Load()
}

// RefreshTestMode re-reads the flags after the environment changed.
func RefreshTestMode() {
	readRuntimeFlags()
}
