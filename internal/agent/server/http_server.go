package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"prhealth/internal/agent"
	"prhealth/internal/common"
	"prhealth/internal/result"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Runner 可被触发的代理
type Runner interface {
	RunAsync(ctx context.Context, done func(*agent.RunSummary, error)) error
	LastRun() (agent.RunSummary, bool)
	Running() bool
}

// ResultStore 结果查询
type ResultStore interface {
	Get(project string) (result.Entry, bool)
	List() []result.Entry
}

// HTTPServer 代理 HTTP 服务器，绑定声明端口
type HTTPServer struct {
	server  *http.Server
	runner  Runner
	results ResultStore
	metrics *common.Metrics
	logger  *zap.Logger

	// 后台运行使用的上下文
	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup
	errCh     chan error
}

// NewHTTPServer 创建新的 HTTP 服务器
func NewHTTPServer(runner Runner, results ResultStore, metrics *common.Metrics) *HTTPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPServer{
		runner:    runner,
		results:   results,
		metrics:   metrics,
		logger:    common.ComponentLogger("http-server"),
		runCtx:    ctx,
		runCancel: cancel,
		errCh:     make(chan error, 1),
	}
}

// Handler 构建路由
func (s *HTTPServer) Handler() http.Handler {
	router := mux.NewRouter()

	// 添加中间件
	router.Use(s.loggingMiddleware)

	router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if reg := s.metrics.Registry(); reg != nil {
		router.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := router.PathPrefix("/ws/v1").Subrouter()
	v1.HandleFunc("/results", s.handleResults).Methods(http.MethodGet)
	v1.HandleFunc("/results/{project}", s.handleResult).Methods(http.MethodGet)
	v1.HandleFunc("/runs", s.handleTriggerRun).Methods(http.MethodPost)
	v1.HandleFunc("/runs/last", s.handleLastRun).Methods(http.MethodGet)

	return router
}

// Start 绑定端口并在后台提供服务，绑定失败直接返回错误
func (s *HTTPServer) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// 在后台启动服务器
	go func() {
		s.logger.Info("Starting agent HTTP server", zap.String("addr", addr))
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Agent HTTP server failed", zap.Error(err))
			s.errCh <- err
		}
	}()

	return nil
}

// Errors 服务运行期间的致命错误
func (s *HTTPServer) Errors() <-chan error {
	return s.errCh
}

// Stop 停止 HTTP 服务器并等待后台运行结束
func (s *HTTPServer) Stop() error {
	s.runCancel()

	var err error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s.logger.Info("Stopping agent HTTP server")
		err = s.server.Shutdown(ctx)
	}

	s.runWG.Wait()
	return err
}

// handleHealth 健康检查
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"running": s.runner.Running(),
	})
}

// handleResults 列出全部项目结果
func (s *HTTPServer) handleResults(w http.ResponseWriter, r *http.Request) {
	s.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"results": s.results.List(),
	})
}

// handleResult 获取单个项目结果
func (s *HTTPServer) handleResult(w http.ResponseWriter, r *http.Request) {
	project := mux.Vars(r)["project"]
	entry, ok := s.results.Get(project)
	if !ok {
		s.writeJSONResponse(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("no results for project %q", project),
		})
		return
	}
	s.writeJSONResponse(w, http.StatusOK, entry)
}

// handleTriggerRun 触发一次后台运行
func (s *HTTPServer) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	if err := s.TriggerRun(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, agent.ErrRunInProgress) {
			status = http.StatusConflict
		}
		s.writeJSONResponse(w, status, map[string]string{
			"error": err.Error(),
		})
		return
	}

	s.writeJSONResponse(w, http.StatusAccepted, map[string]string{
		"status": "accepted",
	})
}

// TriggerRun 在后台执行一次运行，已有运行时返回 agent.ErrRunInProgress
func (s *HTTPServer) TriggerRun() error {
	s.runWG.Add(1)
	err := s.runner.RunAsync(s.runCtx, func(_ *agent.RunSummary, err error) {
		defer s.runWG.Done()
		if err != nil {
			s.logger.Error("Triggered run failed", zap.Error(err))
		}
	})
	if err != nil {
		s.runWG.Done()
	}
	return err
}

// handleLastRun 最近一次运行的汇总
func (s *HTTPServer) handleLastRun(w http.ResponseWriter, r *http.Request) {
	summary, ok := s.runner.LastRun()
	if !ok {
		s.writeJSONResponse(w, http.StatusNotFound, map[string]string{
			"error": "no run has completed yet",
		})
		return
	}
	s.writeJSONResponse(w, http.StatusOK, summary)
}

// statusRecorder 记录响应码
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware 日志中间件
func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tpl, err := current.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.metrics.RecordHTTPRequest(route, strconv.Itoa(rec.status))

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Duration("duration", time.Since(start)))
	})
}

// writeJSONResponse 写入 JSON 响应
func (s *HTTPServer) writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode JSON response", zap.Error(err))
	}
}
