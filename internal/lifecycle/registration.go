package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/order-cache/internal/logging"
)

var (
	// ErrInvalidScope 表示注册作用域不是以 / 开头的路径。
	ErrInvalidScope = errors.New("invalid registration scope")
	// ErrInvalidHandler 表示控制器为空或缺少版本标签。
	ErrInvalidHandler = errors.New("invalid controller handler")
	// ErrNoController 表示当前没有 active 实例可以处理请求。
	ErrNoController = errors.New("no active controller")
	// ErrNotActive 表示非 active 实例尝试 Claim。
	ErrNotActive = errors.New("controller is not active")
	// ErrSuperseded 表示安装过程中出现了更新的版本。
	ErrSuperseded = errors.New("install superseded by newer version")
)

// Registration 记录一个作用域下 installing/waiting/active 三个槽位以及打开的页面。
// 同一时刻最多一个 active、一个 waiting。
type Registration struct {
	scope  string
	logger *logrus.Logger

	mu         sync.RWMutex
	installing *Instance
	waiting    *Instance
	active     *Instance
	// clients: 页面 ID → 控制它的实例（nil 表示未受控）。
	clients map[string]*Instance

	listeners     map[uint64]Listener
	listenerOrder []uint64
	nextListener  uint64
}

// InstanceStatus 是实例的只读快照。
type InstanceStatus struct {
	ID      string
	Version string
	State   State
}

// Status 是 Registration 的只读快照，供诊断接口输出。
type Status struct {
	Scope      string
	Installing *InstanceStatus
	Waiting    *InstanceStatus
	Active     *InstanceStatus
	Clients    int
}

func newRegistration(scope string, logger *logrus.Logger) *Registration {
	return &Registration{
		scope:     scope,
		logger:    logger,
		clients:   make(map[string]*Instance),
		listeners: make(map[uint64]Listener),
	}
}

func (r *Registration) Scope() string { return r.scope }

func (r *Registration) Installing() *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.installing
}

func (r *Registration) Waiting() *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.waiting
}

func (r *Registration) Active() *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Snapshot 返回当前槽位与页面数量。
func (r *Registration) Snapshot() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{
		Scope:      r.scope,
		Installing: r.installing.status(),
		Waiting:    r.waiting.status(),
		Active:     r.active.status(),
		Clients:    len(r.clients),
	}
}

// Update 安装新版本的控制器。版本已在任一槽位中时直接返回 nil。
// 安装失败时新实例变为 redundant，已有 active 不受影响。
func (r *Registration) Update(ctx context.Context, h Handler) error {
	if h == nil || strings.TrimSpace(h.Version()) == "" {
		return ErrInvalidHandler
	}
	version := h.Version()

	r.mu.Lock()
	if r.findLocked(version) != nil {
		r.mu.Unlock()
		return nil
	}
	inst := &Instance{
		id:      uuid.NewString(),
		version: version,
		handler: h,
		reg:     r,
		state:   StateInstalling,
	}
	var events []Event
	if prev := r.installing; prev != nil {
		events = r.appendTransition(events, prev, StateRedundant)
	}
	r.installing = inst
	r.mu.Unlock()

	events = append(events, Event{Kind: EventUpdateFound, Instance: inst, State: StateInstalling})
	r.emit(events...)
	r.logState(inst, StateInstalling, nil)

	installErr := h.Install(ctx, InstallEvent{Scope: inst, Version: version})

	r.mu.Lock()
	if r.installing != inst {
		r.mu.Unlock()
		return fmt.Errorf("install %s: %w", version, ErrSuperseded)
	}
	r.installing = nil
	if installErr != nil {
		failed := r.appendTransition(nil, inst, StateRedundant)
		r.mu.Unlock()
		failed = append(failed, Event{Kind: EventInstallFailed, Instance: inst, State: StateRedundant, Err: installErr})
		r.emit(failed...)
		r.logState(inst, StateRedundant, installErr)
		return fmt.Errorf("install %s: %w", version, installErr)
	}

	var installed []Event
	if prev := r.waiting; prev != nil {
		installed = r.appendTransition(installed, prev, StateRedundant)
	}
	installed = r.appendTransition(installed, inst, StateWaiting)
	r.waiting = inst
	activateNow := r.idleLocked()
	r.mu.Unlock()

	r.emit(installed...)
	r.logState(inst, StateWaiting, nil)

	if activateNow {
		r.activate(ctx, inst)
	}
	return nil
}

// activate 把 waiting 实例提升为 active，旧 active 变为 redundant，然后派发 Activate。
func (r *Registration) activate(ctx context.Context, inst *Instance) {
	r.mu.Lock()
	if r.waiting != inst || inst.state != StateWaiting {
		r.mu.Unlock()
		return
	}
	var events []Event
	if prev := r.active; prev != nil {
		events = r.appendTransition(events, prev, StateRedundant)
	}
	events = r.appendTransition(events, inst, StateActive)
	r.waiting = nil
	r.active = inst
	r.mu.Unlock()

	r.emit(events...)
	r.logState(inst, StateActive, nil)

	if err := inst.handler.Activate(context.WithoutCancel(ctx), ActivateEvent{Scope: inst, Version: inst.version}); err != nil {
		r.logger.WithFields(logging.LifecycleFields(r.scope, inst.version, string(StateActive))).
			WithError(err).
			Warn("activate_incomplete")
	}
}

func (r *Registration) claim(ctx context.Context, inst *Instance) error {
	r.mu.Lock()
	if r.active != inst {
		r.mu.Unlock()
		return ErrNotActive
	}
	previous := make(map[string]*Instance)
	ids := make([]string, 0, len(r.clients))
	for id, ctrl := range r.clients {
		if ctrl == inst {
			continue
		}
		previous[id] = ctrl
		ids = append(ids, id)
		r.clients[id] = inst
	}
	r.mu.Unlock()

	sort.Strings(ids)
	events := make([]Event, 0, len(ids))
	for _, id := range ids {
		events = append(events, Event{
			Kind:     EventControllerChange,
			Instance: inst,
			State:    StateActive,
			ClientID: id,
			Previous: previous[id],
		})
	}
	r.emit(events...)
	return nil
}

// AddClient 登记一个打开的页面，返回它当前的控制者（可能为 nil）。
func (r *Registration) AddClient(id string) *Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[id] = r.active
	return r.active
}

// RemoveClient 移除页面；若 active 已无页面在用且有 waiting 实例，则立即激活它。
func (r *Registration) RemoveClient(ctx context.Context, id string) {
	r.mu.Lock()
	delete(r.clients, id)
	var next *Instance
	if r.waiting != nil && r.idleLocked() {
		next = r.waiting
	}
	r.mu.Unlock()

	if next != nil {
		r.activate(ctx, next)
	}
}

// Controller 返回控制指定页面的实例。
func (r *Registration) Controller(id string) *Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[id]
}

// Fetch 把请求交给 active 实例处理，同时返回处理它的实例。
func (r *Registration) Fetch(ctx context.Context, ev FetchEvent) (*http.Response, *Instance, error) {
	inst := r.Active()
	if inst == nil {
		return nil, nil, ErrNoController
	}
	resp, err := inst.handler.Fetch(ctx, ev)
	return resp, inst, err
}

func (r *Registration) findLocked(version string) *Instance {
	for _, inst := range []*Instance{r.installing, r.waiting, r.active} {
		if inst != nil && inst.version == version && inst.state != StateRedundant {
			return inst
		}
	}
	return nil
}

// idleLocked 表示 active 为空或没有任何页面仍由它控制。
func (r *Registration) idleLocked() bool {
	if r.active == nil {
		return true
	}
	for _, ctrl := range r.clients {
		if ctrl == r.active {
			return false
		}
	}
	return true
}

func (r *Registration) appendTransition(events []Event, inst *Instance, to State) []Event {
	if !inst.state.CanTransition(to) {
		r.logger.WithFields(logging.LifecycleFields(r.scope, inst.version, string(inst.state))).
			WithError(TransitionError{From: inst.state, To: to}).
			Error("state_transition_rejected")
		return events
	}
	inst.state = to
	return append(events, Event{Kind: EventStateChange, Instance: inst, State: to})
}

func (r *Registration) logState(inst *Instance, state State, err error) {
	fields := logging.LifecycleFields(r.scope, inst.version, string(state))
	fields["instance"] = inst.id
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Warn("install_failed")
		return
	}
	r.logger.WithFields(fields).Info("controller_state")
}
