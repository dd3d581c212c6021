package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/order-cache/internal/lifecycle"
	"github.com/any-hub/order-cache/internal/logging"
	"github.com/any-hub/order-cache/internal/server"
	"github.com/any-hub/order-cache/internal/worker"
)

const (
	// HeaderCacheVersion 标记处理本次请求的控制器版本，未受控时为 network。
	HeaderCacheVersion = "X-Order-Cache-Version"
	// HeaderClientID 携带页面桥的 client id，用于区分来自哪个页面。
	HeaderClientID = "X-Order-Cache-Client"

	networkVersion = "network"
)

// errControllerPanic 表示控制器在处理请求时 panic。
var errControllerPanic = errors.New("controller panicked")

// Handler 把每个进入的请求转换成指向 Origin 的 *http.Request，
// 交给 active 控制器拦截；作用域外或未受控的请求直接回源。
type Handler struct {
	client *http.Client
	logger *logrus.Logger
	reg    *lifecycle.Registration
	origin *url.URL
}

// NewHandler constructs a proxy handler with shared HTTP client/logger/registration.
func NewHandler(client *http.Client, logger *logrus.Logger, reg *lifecycle.Registration, origin *url.URL) *Handler {
	base := *origin
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	return &Handler{
		client: client,
		logger: logger,
		reg:    reg,
		origin: &base,
	}
}

// Handle 构造回源请求、执行拦截并把响应流式写回，任何阶段出错都会输出结构化日志。
func (h *Handler) Handle(c fiber.Ctx) error {
	started := time.Now()
	requestID := server.RequestID(c)

	ctx := c.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	target := resolveOriginURL(h.origin, c)
	req, err := h.buildOriginRequest(ctx, c, target)
	if err != nil {
		h.logResult(c, target.String(), requestID, networkVersion, false, false, 0, started, err)
		return h.writeError(c, fiber.StatusBadGateway, "fetch_failed")
	}
	navigate := lifecycle.IsNavigation(req)
	clientID := strings.TrimSpace(string(c.Request().Header.Peek(HeaderClientID)))

	resp, inst, err := h.intercept(ctx, c, req, clientID, navigate)
	cacheVersion := networkVersion
	if inst != nil {
		cacheVersion = inst.Version()
	}
	c.Set(HeaderCacheVersion, cacheVersion)
	if err != nil {
		h.logResult(c, target.String(), requestID, cacheVersion, navigate, false, 0, started, err)
		code := "fetch_failed"
		if errors.Is(err, errControllerPanic) {
			code = "controller_panic"
		}
		return h.writeError(c, fiber.StatusBadGateway, code)
	}
	defer resp.Body.Close()

	cacheHit := resp.Header.Get(worker.HeaderCacheHit) == "true"
	copyResponseHeaders(c, resp.Header)
	c.Set(HeaderCacheVersion, cacheVersion)
	if requestID != "" {
		c.Set("X-Request-ID", requestID)
	}
	c.Status(resp.StatusCode)

	if c.Method() == http.MethodHead {
		h.logResult(c, target.String(), requestID, cacheVersion, navigate, cacheHit, resp.StatusCode, started, nil)
		return nil
	}

	_, err = io.Copy(c.Response().BodyWriter(), resp.Body)
	h.logResult(c, target.String(), requestID, cacheVersion, navigate, cacheHit, resp.StatusCode, started, err)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, fmt.Sprintf("proxy stream failed: %v", err))
	}
	return nil
}

// intercept 把请求交给 active 控制器；没有控制器或请求不在作用域内时直接回源。
func (h *Handler) intercept(
	ctx context.Context,
	c fiber.Ctx,
	req *http.Request,
	clientID string,
	navigate bool,
) (resp *http.Response, inst *lifecycle.Instance, err error) {
	if h.reg == nil || !inScope(h.reg.Scope(), requestPath(c)) {
		resp, err = h.client.Do(req)
		return resp, nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.WithFields(logrus.Fields{
				"action": "proxy",
				"path":   requestPath(c),
			}).WithError(fmt.Errorf("panic: %v", r)).Error("controller_panic")
			resp, err = nil, errControllerPanic
		}
	}()

	resp, inst, err = h.reg.Fetch(ctx, lifecycle.FetchEvent{
		Request:  req,
		ClientID: clientID,
		Navigate: navigate,
	})
	if errors.Is(err, lifecycle.ErrNoController) {
		resp, err = h.client.Do(req)
		return resp, nil, err
	}
	return resp, inst, err
}

func (h *Handler) buildOriginRequest(ctx context.Context, c fiber.Ctx, target *url.URL) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, c.Method(), target.String(), bytesReader(c.Body()))
	if err != nil {
		return nil, err
	}

	server.CopyHeaders(req.Header, fiberHeadersAsHTTP(c))
	req.Header.Del("Accept-Encoding")
	req.Header.Del(HeaderClientID)
	req.Host = target.Host
	req.Header.Set("Host", target.Host)
	req.Header.Set("X-Forwarded-Host", c.Hostname())
	if ip := c.IP(); ip != "" {
		if prior := req.Header.Get("X-Forwarded-For"); prior != "" {
			req.Header.Set("X-Forwarded-For", prior+", "+ip)
		} else {
			req.Header.Set("X-Forwarded-For", ip)
		}
	}
	req.Header.Set("X-Forwarded-Proto", c.Protocol())
	return req, nil
}

func (h *Handler) writeError(c fiber.Ctx, status int, code string) error {
	return c.Status(status).JSON(fiber.Map{"error": code})
}

func (h *Handler) logResult(
	c fiber.Ctx,
	target string,
	requestID string,
	cacheVersion string,
	navigate bool,
	cacheHit bool,
	status int,
	started time.Time,
	err error,
) {
	fields := logging.RequestFields(c.Method(), requestPath(c), cacheVersion, navigate, cacheHit)
	fields["action"] = "proxy"
	fields["origin"] = target
	fields["status"] = status
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if requestID != "" {
		fields["request_id"] = requestID
	}
	if err != nil {
		fields["error"] = err.Error()
		h.logger.WithFields(fields).Error("proxy_failed")
		return
	}
	h.logger.WithFields(fields).Info("proxy_complete")
}

// resolveOriginURL 把请求路径映射到 Origin 之下，与控制器解析清单使用同一规则。
func resolveOriginURL(base *url.URL, c fiber.Ctx) *url.URL {
	uri := c.Request().URI()
	raw := string(uri.Path())
	clean := normalizeRequestPath(raw)
	relative := &url.URL{Path: strings.TrimPrefix(clean, "/")}
	if query := uri.QueryString(); len(query) > 0 {
		relative.RawQuery = string(query)
	}
	return base.ResolveReference(relative)
}

func normalizeRequestPath(raw string) string {
	if raw == "" {
		raw = "/"
	}
	clean := path.Clean("/" + raw)
	if strings.HasSuffix(raw, "/") && clean != "/" {
		clean += "/"
	}
	return clean
}

func inScope(scope, requestPath string) bool {
	if scope == "" || scope == "/" {
		return true
	}
	return strings.HasPrefix(requestPath, scope) || requestPath+"/" == scope
}

func requestPath(c fiber.Ctx) string {
	if c == nil {
		return "/"
	}
	uri := c.Request().URI()
	if uri == nil {
		return "/"
	}
	return normalizeRequestPath(string(uri.Path()))
}

func bytesReader(b []byte) io.Reader {
	if len(b) == 0 {
		return http.NoBody
	}
	return bytes.NewReader(append([]byte(nil), b...))
}

func fiberHeadersAsHTTP(c fiber.Ctx) http.Header {
	header := http.Header{}
	c.Request().Header.VisitAll(func(key, value []byte) {
		header.Add(string(key), string(value))
	})
	return header
}

func copyResponseHeaders(c fiber.Ctx, headers http.Header) {
	for key, values := range headers {
		if server.IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			c.Set(key, value)
		}
	}
}
