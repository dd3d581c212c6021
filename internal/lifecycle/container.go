package lifecycle

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Container 是宿主侧的注册表，按作用域保存 Registration，整个进程共享一份。
type Container struct {
	logger *logrus.Logger

	mu   sync.Mutex
	regs map[string]*Registration
}

// NewContainer 创建宿主注册表，logger 为空时使用 logrus 全局实例。
func NewContainer(logger *logrus.Logger) *Container {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Container{
		logger: logger,
		regs:   make(map[string]*Registration),
	}
}

// Register 幂等地为作用域注册控制器。作用域或控制器非法时拒绝注册；
// 安装失败只记录诊断日志，Registration 仍然返回，旧版本继续服务。
func (c *Container) Register(ctx context.Context, scope string, h Handler) (*Registration, error) {
	normalized, err := normalizeScope(scope)
	if err != nil {
		return nil, err
	}
	if h == nil || strings.TrimSpace(h.Version()) == "" {
		return nil, ErrInvalidHandler
	}

	c.mu.Lock()
	reg, ok := c.regs[normalized]
	if !ok {
		reg = newRegistration(normalized, c.logger)
		c.regs[normalized] = reg
	}
	c.mu.Unlock()

	// Update 内部已输出 install_failed 日志。
	_ = reg.Update(ctx, h)
	return reg, nil
}

// Registration 返回已存在的作用域注册。
func (c *Container) Registration(scope string) (*Registration, bool) {
	normalized, err := normalizeScope(scope)
	if err != nil {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	reg, ok := c.regs[normalized]
	return reg, ok
}

func normalizeScope(scope string) (string, error) {
	raw := strings.TrimSpace(scope)
	if !strings.HasPrefix(raw, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	clean := path.Clean(raw)
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	return clean, nil
}
