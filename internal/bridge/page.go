package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/order-cache/internal/lifecycle"
	"github.com/any-hub/order-cache/internal/logging"
)

var (
	// ErrNoUpdate 表示当前没有处于 waiting 的新版本。
	ErrNoUpdate = errors.New("no waiting update")
	// ErrNotRegistered 表示页面尚未成功注册控制器。
	ErrNotRegistered = errors.New("page is not registered")
)

// Host 是页面可见的宿主注册入口，*lifecycle.Container 即满足该接口。
type Host interface {
	Register(ctx context.Context, scope string, h lifecycle.Handler) (*lifecycle.Registration, error)
}

// PageOptions 描述一次页面加载。
type PageOptions struct {
	ID      string
	Host    Host
	Scope   string
	Handler lifecycle.Handler
	// Reload 在新版本接管本页面时调用，最多一次。
	Reload func()
	Logger *logrus.Logger
}

// PageStatus 是页面侧桥接的只读快照。
type PageStatus struct {
	ID              string `json:"id"`
	Registered      bool   `json:"registered"`
	UpdateAvailable bool   `json:"update_available"`
	ReloadRequired  bool   `json:"reload_required"`
	ControlledBy    string `json:"controlled_by,omitempty"`
	InstallOffer    bool   `json:"install_offer"`
}

// Page 是一次页面加载的更新桥：注册控制器、提示可用更新、在接管后刷新页面。
type Page struct {
	id      string
	scope   string
	host    Host
	handler lifecycle.Handler
	reload  func()
	logger  *logrus.Logger
	prompt  *InstallPrompt

	mu              sync.Mutex
	reg             *lifecycle.Registration
	unsubscribe     func()
	updateAvailable bool
	reloaded        bool
	closed          bool
}

// NewPage 创建页面桥，ID 为空时生成 uuid。
func NewPage(opts PageOptions) *Page {
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	scope := opts.Scope
	if scope == "" {
		scope = "/"
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Page{
		id:      id,
		scope:   scope,
		host:    opts.Host,
		handler: opts.Handler,
		reload:  opts.Reload,
		logger:  logger,
		prompt:  NewInstallPrompt(logger),
	}
}

func (p *Page) ID() string { return p.id }

// InstallPrompt 返回页面的安装提示入口。
func (p *Page) InstallPrompt() *InstallPrompt { return p.prompt }

// Register 注册控制器并加入作用域。重复调用是 no-op。
// 宿主拒绝时只记录日志并返回错误，页面退化为纯在线模式。
func (p *Page) Register(ctx context.Context) error {
	p.mu.Lock()
	if p.reg != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if p.host == nil {
		return fmt.Errorf("register %s: %w", p.scope, ErrNotRegistered)
	}
	reg, err := p.host.Register(ctx, p.scope, p.handler)
	if err != nil {
		p.logger.WithFields(p.fields()).WithError(err).Warn("page_register_failed")
		return fmt.Errorf("register %s: %w", p.scope, err)
	}

	p.mu.Lock()
	if p.reg != nil {
		p.mu.Unlock()
		return nil
	}
	p.reg = reg
	p.mu.Unlock()

	unsubscribe := reg.Subscribe(p.onEvent)
	controller := reg.AddClient(p.id)

	p.mu.Lock()
	p.unsubscribe = unsubscribe
	if reg.Waiting() != nil && controller != nil {
		p.updateAvailable = true
	}
	p.mu.Unlock()

	fields := p.fields()
	fields["controlled_by"] = versionOf(controller)
	p.logger.WithFields(fields).Info("page_registered")
	return nil
}

// Registered 表示页面是否已成功注册。
func (p *Page) Registered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.reg != nil
}

// UpdateAvailable 表示是否应当展示“有新版本”提示。
func (p *Page) UpdateAvailable() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.updateAvailable
}

// Dismiss 隐藏更新提示，waiting 版本保持不变。
func (p *Page) Dismiss() {
	p.mu.Lock()
	p.updateAvailable = false
	p.mu.Unlock()
}

// ApplyUpdate 向 waiting 实例发送 SKIP_WAITING。
func (p *Page) ApplyUpdate(ctx context.Context) error {
	p.mu.Lock()
	reg := p.reg
	p.mu.Unlock()
	if reg == nil {
		return ErrNotRegistered
	}
	waiting := reg.Waiting()
	if waiting == nil {
		return ErrNoUpdate
	}
	fields := p.fields()
	fields["cache_version"] = waiting.Version()
	p.logger.WithFields(fields).Info("page_apply_update")
	waiting.PostMessage(ctx, lifecycle.SkipWaitingDirective)
	return nil
}

// Close 取消订阅并移除页面，可能触发 waiting 版本的自动激活。
func (p *Page) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	reg := p.reg
	unsubscribe := p.unsubscribe
	p.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if reg != nil {
		reg.RemoveClient(ctx, p.id)
	}
}

// Status 返回页面状态快照。
func (p *Page) Status() PageStatus {
	p.mu.Lock()
	reg := p.reg
	status := PageStatus{
		ID:              p.id,
		Registered:      reg != nil,
		UpdateAvailable: p.updateAvailable,
		ReloadRequired:  p.reloaded,
	}
	p.mu.Unlock()

	if reg != nil {
		status.ControlledBy = versionOf(reg.Controller(p.id))
	}
	status.InstallOffer = p.prompt.Available()
	return status
}

func (p *Page) onEvent(ev lifecycle.Event) {
	switch ev.Kind {
	case lifecycle.EventStateChange:
		if ev.State != lifecycle.StateWaiting {
			return
		}
		p.mu.Lock()
		reg := p.reg
		p.mu.Unlock()
		// 只有已受控的页面才提示更新，未受控页面会被新版本直接接管。
		if reg == nil || reg.Controller(p.id) == nil {
			return
		}
		p.mu.Lock()
		p.updateAvailable = true
		p.mu.Unlock()

		fields := p.fields()
		fields["cache_version"] = versionOf(ev.Instance)
		p.logger.WithFields(fields).Info("page_update_available")

	case lifecycle.EventControllerChange:
		if ev.ClientID != p.id {
			return
		}
		p.mu.Lock()
		if p.reloaded || ev.Previous == nil {
			p.mu.Unlock()
			return
		}
		p.reloaded = true
		p.updateAvailable = false
		reload := p.reload
		p.mu.Unlock()

		fields := p.fields()
		fields["cache_version"] = versionOf(ev.Instance)
		fields["previous_version"] = versionOf(ev.Previous)
		p.logger.WithFields(fields).Info("page_reload")
		if reload != nil {
			reload()
		}
	}
}

func (p *Page) fields() logrus.Fields {
	return logrus.Fields{
		"action": "page",
		"client": p.id,
		"scope":  p.scope,
	}
}

func versionOf(inst *lifecycle.Instance) string {
	if inst == nil {
		return ""
	}
	return inst.Version()
}
