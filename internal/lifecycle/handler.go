package lifecycle

import (
	"context"
	"net/http"
	"strings"
)

// SkipWaitingDirective 是页面发送给 waiting 实例的激活指令。
const SkipWaitingDirective = "SKIP_WAITING"

// Handler 由缓存控制器实现，每种事件一个入口，宿主只通过这些入口驱动它。
type Handler interface {
	// Version 返回控制器的版本标签，同一版本重复注册视为 no-op。
	Version() string
	Install(ctx context.Context, ev InstallEvent) error
	Activate(ctx context.Context, ev ActivateEvent) error
	Fetch(ctx context.Context, ev FetchEvent) (*http.Response, error)
	Message(ctx context.Context, ev MessageEvent)
}

// Scope 是控制器可以对自身实例发起的操作。
type Scope interface {
	State() State
	// SkipWaiting 使 waiting 实例立即激活，其它状态下忽略。
	SkipWaiting()
	// Claim 让当前 active 实例接管所有打开的页面。
	Claim(ctx context.Context) error
}

// InstallEvent 在实例进入 installing 后派发。
type InstallEvent struct {
	Scope   Scope
	Version string
}

// ActivateEvent 在实例成为 active 后派发。
type ActivateEvent struct {
	Scope   Scope
	Version string
}

// FetchEvent 描述一次被拦截的资源请求。
type FetchEvent struct {
	Request  *http.Request
	ClientID string
	// Navigate 表示顶层页面加载，而非子资源请求。
	Navigate bool
}

// MessageEvent 携带页面发来的任意消息。
type MessageEvent struct {
	Scope Scope
	Data  any
}

// IsNavigation 根据 Sec-Fetch-Mode 判断是否为导航请求；缺失时退回 GET + Accept: text/html。
func IsNavigation(req *http.Request) bool {
	if req == nil {
		return false
	}
	if mode := req.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return req.Method == http.MethodGet && strings.Contains(req.Header.Get("Accept"), "text/html")
}
