package main

import (
	"fmt"
	"os"
	"runtime"
)

const appName = "protosim"

// 版本資訊 (由 ldflags 注入)
var (
	Version   = "0.2.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// versionString 版本摘要
func versionString() string {
	return fmt.Sprintf("%s version %s (%s, %s/%s)", appName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}
