package httpapi

import (
	"net/http"
	"time"

	"github.com/shamexln/hl7parse/internal/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterConfig 路由配置
type RouterConfig struct {
	AllowedOrigins []string
	EnableMetrics  bool
}

// NewRouter 注册管理接口
// connections 可为 nil（未启用 TCP 服务时不注册连接接口）
func NewRouter(cfg RouterConfig, codesystems *CodeSystemHandler, connections *ConnectionHandler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, Ok(map[string]string{
			"status": "healthy",
			"time":   time.Now().UTC().Format(time.RFC3339),
		}))
	})
	if cfg.EnableMetrics {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/codesystems", func(r chi.Router) {
			r.Get("/", codesystems.ListFiles)
			r.Post("/", codesystems.Create)
			r.Get("/loaded", codesystems.ListLoaded)
			r.Get("/{name}", codesystems.Get)
			r.Put("/{name}", codesystems.Update)
			r.Delete("/{name}", codesystems.Delete)
			r.Post("/{name}/clone", codesystems.Clone)
		})
		if connections != nil {
			r.Get("/connections", connections.List)
			r.Get("/connections/{clientId}", connections.Get)
		}
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, Fail("Not found"))
	})
	return r
}

// requestLogger 访问日志与请求指标；path 使用路由模板避免标签爆炸
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)
			metrics.RecordHTTPRequest(r.Method, route, status, elapsed)
			logger.Debug("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Duration("duration", elapsed),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
