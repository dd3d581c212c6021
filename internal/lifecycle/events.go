package lifecycle

// EventKind 标识宿主向页面广播的生命周期信号。
type EventKind string

const (
	EventUpdateFound      EventKind = "updatefound"
	EventStateChange      EventKind = "statechange"
	EventControllerChange EventKind = "controllerchange"
	EventInstallFailed    EventKind = "installfailed"
)

// Event 是一次生命周期信号。ControllerChange 事件带有 ClientID 与 Previous。
type Event struct {
	Kind     EventKind
	Instance *Instance
	State    State
	ClientID string
	Previous *Instance
	Err      error
}

// Listener 在触发事件的 goroutine 中同步调用，调用期间不持有任何锁。
type Listener func(Event)

func (r *Registration) emit(events ...Event) {
	if len(events) == 0 {
		return
	}
	r.mu.RLock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, id := range r.listenerOrder {
		if l, ok := r.listeners[id]; ok {
			listeners = append(listeners, l)
		}
	}
	r.mu.RUnlock()

	for _, ev := range events {
		for _, l := range listeners {
			l(ev)
		}
	}
}

// Subscribe 注册监听器，返回的函数用于取消订阅。
func (r *Registration) Subscribe(l Listener) func() {
	r.mu.Lock()
	r.nextListener++
	id := r.nextListener
	r.listeners[id] = l
	r.listenerOrder = append(r.listenerOrder, id)
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
		for i, v := range r.listenerOrder {
			if v == id {
				r.listenerOrder = append(r.listenerOrder[:i], r.listenerOrder[i+1:]...)
				break
			}
		}
	}
}
