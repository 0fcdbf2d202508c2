package webserver

import (
	"net/http"
	"os"

	"github.com/gorilla/mux"
)

// setupRoutes 重建路由，调用方持有锁
func (ws *WebServer) setupRoutes() error {
	ws.router = mux.NewRouter()

	ws.router.Use(ws.recoveryMiddleware)
	if ws.config.EnableCORS {
		ws.router.Use(ws.corsMiddleware)
		// 预检请求需要匹配到路由，中间件才会执行
		ws.router.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	}
	ws.router.Use(ws.loggingMiddleware)

	ws.setupBasicRoutes()
	ws.setupStaticRoutes()

	if err := ws.setupComponentRoutes(); err != nil {
		return err
	}

	ws.router.HandleFunc("/", ws.handleIndex).Methods("GET")
	return nil
}

func (ws *WebServer) setupStaticRoutes() {
	handler := GetStaticFileHandler()
	if dir := ws.config.StaticDir; dir != "" {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			handler = http.FileServer(http.Dir(dir))
		} else {
			ws.logger.Warnf("Static directory %s not usable, serving embedded files", dir)
		}
	}

	ws.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", handler))
}

func (ws *WebServer) setupBasicRoutes() {
	ws.router.HandleFunc("/health", ws.handleHealth).Methods("GET")
	ws.router.HandleFunc("/api/status", ws.handleStatus).Methods("GET")
	ws.router.HandleFunc("/api/version", ws.handleVersion).Methods("GET")
	ws.router.HandleFunc("/api/stats", ws.handleStats).Methods("GET")
	ws.router.HandleFunc("/api/components", ws.handleComponentList).Methods("GET")
	ws.router.HandleFunc("/api/components/{name}/stats", ws.handleComponentStats).Methods("GET")
}
