package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/sirupsen/logrus"

	"driveindex/internal/dridxd"
)

func main() {
	listen := flag.String("listen", "127.0.0.1:7411", "listen address (tcp)")
	dataDir := flag.String("data-dir", defaultDataDir(), "directory for index databases")
	force := flag.Bool("force-enable", false, "allow indexing even in non-production builds")
	verbose := flag.Bool("verbose", false, "debug logging")
	flag.Parse()

	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	s := dridxd.NewServer(dridxd.Options{
		Listen:   *listen,
		Handlers: dridxd.HandlerOptions{DataDir: *dataDir, Force: *force},
	})
	if err := s.Run(); err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			_, _ = fmt.Fprintf(os.Stderr, "listen address in use: %s\nTry: -listen 127.0.0.1:7412\n", *listen)
		} else {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func defaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "driveindex")
	}
	return ".driveindex"
}
