package webserver

import (
	"embed"
	"io/fs"
	"net/http"
)

// 内嵌的浏览器客户端：摄像头采集、帧上送与结果显示
//
//go:embed static/*
var staticFiles embed.FS

// GetStaticFS 返回以 static 为根的文件系统
func GetStaticFS() fs.FS {
	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		// 目录由 go:embed 保证存在
		panic(err)
	}
	return staticFS
}

// GetStaticFileHandler 返回内嵌静态文件处理器
func GetStaticFileHandler() http.Handler {
	return http.FileServer(http.FS(GetStaticFS()))
}

// GetStaticFileContent 获取内嵌静态文件内容
func GetStaticFileContent(filename string) ([]byte, error) {
	return staticFiles.ReadFile("static/" + filename)
}
