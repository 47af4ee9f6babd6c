package entrypoint

import (
	"context"
	"net"
	"strconv"
	"time"

	"prhealth/internal/common"

	"go.uber.org/zap"
)

// ProbeResult 端口探测结果
type ProbeResult struct {
	Port    int           `json:"port"`
	Bound   bool          `json:"bound"`
	Elapsed time.Duration `json:"elapsed"`
}

// PortProbe 观察入口进程是否绑定了声明端口，只记录不干预
type PortProbe struct {
	Host     string
	Port     int
	Interval time.Duration
	Timeout  time.Duration
	logger   *zap.Logger
}

// NewPortProbe 创建端口探测器
func NewPortProbe(port int, interval, timeout time.Duration) *PortProbe {
	return &PortProbe{
		Host:     "127.0.0.1",
		Port:     port,
		Interval: interval,
		Timeout:  timeout,
		logger:   common.ComponentLogger("port-probe"),
	}
}

// Run 探测直到端口可连接、超时或 ctx 取消
func (pp *PortProbe) Run(ctx context.Context) ProbeResult {
	start := time.Now()
	addr := net.JoinHostPort(pp.Host, strconv.Itoa(pp.Port))

	if pp.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pp.Timeout)
		defer cancel()
	}

	ticker := time.NewTicker(pp.Interval)
	defer ticker.Stop()

	dialer := net.Dialer{Timeout: pp.Interval}
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn.Close()
			result := ProbeResult{Port: pp.Port, Bound: true, Elapsed: time.Since(start)}
			pp.logger.Info("Entry point bound declared port",
				zap.Int("port", pp.Port),
				zap.Duration("elapsed", result.Elapsed))
			return result
		}

		select {
		case <-ctx.Done():
			result := ProbeResult{Port: pp.Port, Bound: false, Elapsed: time.Since(start)}
			if ctx.Err() == context.DeadlineExceeded {
				pp.logger.Warn("Entry point has not bound declared port",
					zap.Int("port", pp.Port),
					zap.Duration("waited", result.Elapsed))
			}
			return result
		case <-ticker.C:
		}
	}
}
