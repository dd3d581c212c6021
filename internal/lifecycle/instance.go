package lifecycle

import "context"

// Instance 是某个版本控制器在宿主中的一次运行实体。状态由所属 Registration 的锁保护。
type Instance struct {
	id      string
	version string
	handler Handler
	reg     *Registration
	state   State
}

func (i *Instance) ID() string { return i.id }

func (i *Instance) Version() string { return i.version }

// State 返回实例当前状态。
func (i *Instance) State() State {
	i.reg.mu.RLock()
	defer i.reg.mu.RUnlock()
	return i.state
}

// SkipWaiting 仅在 waiting 状态下生效，触发立即激活。
func (i *Instance) SkipWaiting() {
	i.reg.activate(context.Background(), i)
}

// Claim 让所有打开的页面改由该实例控制。
func (i *Instance) Claim(ctx context.Context) error {
	return i.reg.claim(ctx, i)
}

// PostMessage 把页面消息派发给控制器的 Message 入口。
func (i *Instance) PostMessage(ctx context.Context, data any) {
	i.handler.Message(ctx, MessageEvent{Scope: i, Data: data})
}

func (i *Instance) status() *InstanceStatus {
	if i == nil {
		return nil
	}
	return &InstanceStatus{ID: i.id, Version: i.version, State: i.state}
}
