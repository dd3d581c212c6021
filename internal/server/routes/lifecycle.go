package routes

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/order-cache/internal/bridge"
	"github.com/any-hub/order-cache/internal/cache"
	"github.com/any-hub/order-cache/internal/lifecycle"
)

// LifecycleOptions 描述 /-/ 诊断与页面桥接口需要的依赖。
type LifecycleOptions struct {
	Container   *lifecycle.Container
	Scope       string
	CachePrefix string
	Store       cache.Storage
	// Handler 返回页面注册时使用的当前控制器。
	Handler func() lifecycle.Handler
	Logger  *logrus.Logger
	// ClientTTL 是页面无请求后被回收的时长，默认 30 分钟。
	ClientTTL time.Duration
}

const defaultClientTTL = 30 * time.Minute

var timeNow = time.Now

// RegisterLifecycleRoutes 暴露 /-/status、/-/message 以及 /-/clients 页面桥接口。
func RegisterLifecycleRoutes(app *fiber.App, opts LifecycleOptions) {
	if app == nil || opts.Container == nil {
		return
	}
	ttl := opts.ClientTTL
	if ttl <= 0 {
		ttl = defaultClientTTL
	}
	pages := &pageSet{ttl: ttl, pages: make(map[string]*pageEntry)}

	diag := app.Group("/-", func(c fiber.Ctx) error {
		c.Set("Cache-Control", "no-cache")
		return c.Next()
	})

	diag.Get("/status", func(c fiber.Ctx) error {
		payload := statusPayload{Scope: opts.Scope, Caches: []string{}}
		if reg, ok := opts.Container.Registration(opts.Scope); ok {
			snap := reg.Snapshot()
			payload.Scope = snap.Scope
			payload.Installing = encodeInstance(snap.Installing, opts.CachePrefix)
			payload.Waiting = encodeInstance(snap.Waiting, opts.CachePrefix)
			payload.Active = encodeInstance(snap.Active, opts.CachePrefix)
			payload.Clients = snap.Clients
		}
		if opts.Store != nil {
			names, err := opts.Store.Names(requestContext(c))
			if err != nil {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "cache_list_failed"})
			}
			payload.Caches = append(payload.Caches, names...)
		}
		return c.JSON(payload)
	})

	diag.Post("/message", func(c fiber.Ctx) error {
		var body struct {
			Data any `json:"data"`
		}
		if err := decodeBody(c, &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		reg, ok := opts.Container.Registration(opts.Scope)
		if !ok || reg.Waiting() == nil {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_waiting_controller"})
		}
		waiting := reg.Waiting()
		waiting.PostMessage(requestContext(c), body.Data)
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"delivered_to": waiting.Version()})
	})

	diag.Post("/clients", func(c fiber.Ctx) error {
		var body struct {
			Installable bool `json:"installable"`
		}
		if err := decodeBody(c, &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		ctx := requestContext(c)
		// 新页面到达时回收过期页面，以及已收到 reload 指令的旧页面。
		for _, stale := range pages.sweep() {
			stale.Close(ctx)
		}

		var handler lifecycle.Handler
		if opts.Handler != nil {
			handler = opts.Handler()
		}
		page := bridge.NewPage(bridge.PageOptions{
			Host:    opts.Container,
			Scope:   opts.Scope,
			Handler: handler,
			Logger:  opts.Logger,
		})
		// 注册失败时页面仍然可用，只是不受控。
		_ = page.Register(ctx)
		if body.Installable {
			page.InstallPrompt().Capture(bridge.OfferFunc(choiceFromContext))
		}
		pages.add(page)
		return c.Status(fiber.StatusCreated).JSON(pages.deliver(page))
	})

	diag.Get("/clients/:id", func(c fiber.Ctx) error {
		page, ok := pages.get(c.Params("id"))
		if !ok {
			return clientNotFound(c)
		}
		return c.JSON(pages.deliver(page))
	})

	diag.Post("/clients/:id/update", func(c fiber.Ctx) error {
		page, ok := pages.get(c.Params("id"))
		if !ok {
			return clientNotFound(c)
		}
		switch err := page.ApplyUpdate(requestContext(c)); {
		case errors.Is(err, bridge.ErrNoUpdate):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_update"})
		case errors.Is(err, bridge.ErrNotRegistered):
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "not_registered"})
		case err != nil:
			return err
		}
		return c.Status(fiber.StatusAccepted).JSON(pages.deliver(page))
	})

	diag.Post("/clients/:id/dismiss", func(c fiber.Ctx) error {
		page, ok := pages.get(c.Params("id"))
		if !ok {
			return clientNotFound(c)
		}
		page.Dismiss()
		return c.JSON(pages.deliver(page))
	})

	diag.Post("/clients/:id/install", func(c fiber.Ctx) error {
		page, ok := pages.get(c.Params("id"))
		if !ok {
			return clientNotFound(c)
		}
		var body struct {
			Accept *bool `json:"accept"`
		}
		if err := decodeBody(c, &body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_body"})
		}
		choice := bridge.OutcomeAccepted
		if body.Accept != nil && !*body.Accept {
			choice = bridge.OutcomeDismissed
		}
		outcome, err := page.InstallPrompt().Trigger(withChoice(requestContext(c), choice))
		if errors.Is(err, bridge.ErrNoOffer) {
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "no_install_offer"})
		}
		if err != nil {
			return err
		}
		return c.JSON(fiber.Map{"outcome": outcome})
	})

	diag.Delete("/clients/:id", func(c fiber.Ctx) error {
		page, ok := pages.remove(c.Params("id"))
		if !ok {
			return clientNotFound(c)
		}
		page.Close(requestContext(c))
		return c.SendStatus(fiber.StatusNoContent)
	})
}

type instancePayload struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	State   string `json:"state"`
	Cache   string `json:"cache"`
}

type statusPayload struct {
	Scope      string           `json:"scope"`
	Installing *instancePayload `json:"installing"`
	Waiting    *instancePayload `json:"waiting"`
	Active     *instancePayload `json:"active"`
	Clients    int              `json:"clients"`
	Caches     []string         `json:"caches"`
}

func encodeInstance(status *lifecycle.InstanceStatus, prefix string) *instancePayload {
	if status == nil {
		return nil
	}
	return &instancePayload{
		ID:      status.ID,
		Version: status.Version,
		State:   string(status.State),
		Cache:   prefix + "-" + status.Version,
	}
}

func clientNotFound(c fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "client_not_found"})
}

// decodeBody 允许空请求体。
func decodeBody(c fiber.Ctx, out any) error {
	raw := c.Body()
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func requestContext(c fiber.Ctx) context.Context {
	if ctx := c.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

type choiceKey struct{}

func withChoice(ctx context.Context, outcome bridge.Outcome) context.Context {
	return context.WithValue(ctx, choiceKey{}, outcome)
}

// choiceFromContext 是 HTTP 页面捕获的安装提示：用户选择随触发请求一起到达。
func choiceFromContext(ctx context.Context) (bridge.Outcome, error) {
	if outcome, ok := ctx.Value(choiceKey{}).(bridge.Outcome); ok {
		return outcome, nil
	}
	return bridge.OutcomeAccepted, nil
}

type pageEntry struct {
	page *bridge.Page
	seen time.Time
	// reloaded 表示 reload 指令已经返回给页面，页面随后会以新身份重新注册。
	reloaded bool
}

// pageSet 保存通过 HTTP 打开的页面。访问会刷新 seen，sweep 回收超时或已 reload 的页面。
type pageSet struct {
	ttl time.Duration

	mu    sync.Mutex
	pages map[string]*pageEntry
}

func (s *pageSet) add(page *bridge.Page) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[page.ID()] = &pageEntry{page: page, seen: timeNow()}
}

func (s *pageSet) get(id string) (*bridge.Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pages[id]
	if !ok {
		return nil, false
	}
	entry.seen = timeNow()
	return entry.page, true
}

// deliver 返回页面状态，并记录 reload 指令是否已经送达。
func (s *pageSet) deliver(page *bridge.Page) bridge.PageStatus {
	status := page.Status()
	if status.ReloadRequired {
		s.mu.Lock()
		if entry, ok := s.pages[page.ID()]; ok {
			entry.reloaded = true
		}
		s.mu.Unlock()
	}
	return status
}

func (s *pageSet) remove(id string) (*bridge.Page, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pages[id]
	if !ok {
		return nil, false
	}
	delete(s.pages, id)
	return entry.page, true
}

// sweep 移除过期页面并返回它们，调用方负责在锁外 Close。
func (s *pageSet) sweep() []*bridge.Page {
	now := timeNow()
	s.mu.Lock()
	defer s.mu.Unlock()
	var stale []*bridge.Page
	for id, entry := range s.pages {
		if entry.reloaded || now.Sub(entry.seen) > s.ttl {
			stale = append(stale, entry.page)
			delete(s.pages, id)
		}
	}
	return stale
}
