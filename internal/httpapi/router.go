package httpapi

import (
	"net/http"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterEscalationRoutes 注册升级服务路由
func (r *Router) RegisterEscalationRoutes(calls *CallHandler, sirens *SirenHandler, readers *ReaderHandler) {
	r.mux.Handle(callsBasePath, calls)
	r.mux.Handle(callsBasePath+"/", calls)

	r.mux.Handle(sirensBasePath+"/", sirens)

	r.mux.Handle(readersBasePath+"/", readers)

	// 存活探针
	r.mux.HandleFunc("/escalation/api/v1/health", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, Ok(map[string]string{"status": "ok"}))
	})
}
