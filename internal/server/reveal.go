package server

import (
	"fmt"
	"os/exec"
	"runtime"
)

// revealFolder 调用系统文件管理器打开目录
func revealFolder(path string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", path)
	case "windows":
		cmd = exec.Command("explorer", path)
	case "linux":
		cmd = exec.Command("xdg-open", path)
	default:
		return fmt.Errorf("reveal folder not supported on %s", runtime.GOOS)
	}
	return cmd.Start()
}
