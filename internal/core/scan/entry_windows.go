//go:build windows

package scan

import "os"

func physicalSize(info os.FileInfo) int64 {
	return info.Size()
}
