// Package image checks that a built image advertises the declared service port.
package image

import (
	"context"
	"fmt"
	"sort"

	"prhealth/internal/common"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// Inspector 通过 Docker Engine API 检查镜像
type Inspector struct {
	cli    *client.Client
	logger *zap.Logger
}

// NewInspector 根据环境变量创建 Docker 客户端
func NewInspector() (*Inspector, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Inspector{
		cli:    cli,
		logger: common.ComponentLogger("image-inspector"),
	}, nil
}

// Close 关闭客户端
func (i *Inspector) Close() error {
	return i.cli.Close()
}

// ExposedPorts 返回镜像声明的端口
func (i *Inspector) ExposedPorts(ctx context.Context, ref string) ([]nat.Port, error) {
	inspect, _, err := i.cli.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("inspect image %s: %w", ref, err)
	}
	return exposedPorts(inspect.Config), nil
}

// VerifyDeclaredPort 校验镜像只声明了指定的 TCP 端口
func (i *Inspector) VerifyDeclaredPort(ctx context.Context, ref string, port int) error {
	ports, err := i.ExposedPorts(ctx, ref)
	if err != nil {
		return err
	}
	i.logger.Info("Image exposed ports",
		zap.String("image", ref),
		zap.Any("ports", ports))
	return CheckDeclaredPort(ports, port)
}

// CheckDeclaredPort 声明端口必须恰好为 port/tcp
func CheckDeclaredPort(ports []nat.Port, port int) error {
	want, err := nat.NewPort("tcp", fmt.Sprint(port))
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		return fmt.Errorf("%w: image exposes no ports, want %s", common.ErrNotFound, want)
	}
	if len(ports) != 1 || ports[0] != want {
		return fmt.Errorf("image exposes %v, want exactly [%s]", ports, want)
	}
	return nil
}

func exposedPorts(cfg *container.Config) []nat.Port {
	if cfg == nil {
		return nil
	}
	ports := make([]nat.Port, 0, len(cfg.ExposedPorts))
	for p := range cfg.ExposedPorts {
		ports = append(ports, p)
	}
	sort.Slice(ports, func(a, b int) bool { return ports[a] < ports[b] })
	return ports
}
