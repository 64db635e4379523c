// Package logger 进程级日志初始化
package logger

import "log"

// InitLogger 初始化全局日志器
//
// 统一前缀便于和同机的其他服务日志区分；
// Lshortfile用于定位会话/帧层的错误来源。
func InitLogger() {
	log.SetPrefix("[clarky] ")
	log.SetFlags(log.LstdFlags | log.Lshortfile)
}
