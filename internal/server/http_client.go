package server

import (
	"net"
	"net/http"
	"net/textproto"
	"time"

	"github.com/any-hub/order-cache/internal/config"
	"github.com/any-hub/order-cache/internal/version"
)

const defaultUpstreamTimeout = 30 * time.Second

// 回源共用的连接池参数。控制器安装时会并发拉取清单，因此每个 host 保留足够的空闲连接。
// 缓存按原始字节保存响应，不让 Transport 自动协商 gzip。
var defaultTransport = &http.Transport{
	Proxy:                 http.ProxyFromEnvironment,
	DisableCompression:    true,
	MaxIdleConns:          64,
	MaxIdleConnsPerHost:   32,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
	ForceAttemptHTTP2:     true,
	DialContext: (&net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
}

// NewUpstreamClient 返回访问 Origin 的共享 http.Client。UpstreamTimeout 同时是控制器的网络超时，
// 超时后导航请求会回退到缓存。
func NewUpstreamClient(cfg *config.Config) *http.Client {
	timeout := defaultUpstreamTimeout
	if cfg != nil && cfg.Global.UpstreamTimeout.DurationValue() > 0 {
		timeout = cfg.Global.UpstreamTimeout.DurationValue()
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: &userAgentTransport{base: defaultTransport.Clone()},
	}
}

// userAgentTransport 为没有 User-Agent 的请求补上服务标识。
type userAgentTransport struct {
	base http.RoundTripper
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", version.UserAgent())
	return t.base.RoundTrip(clone)
}

// hopByHopHeaders 是 RFC 7230 规定不能被代理转发的头部。
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Proxy-Connection":    {},
}

// CopyHeaders 把 src 中可以透传的头复制到 dst，hop-by-hop 字段会被跳过。
func CopyHeaders(dst, src http.Header) {
	for key, values := range src {
		if IsHopByHopHeader(key) {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}

// IsHopByHopHeader reports whether the header should be stripped by proxies.
func IsHopByHopHeader(key string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(key)]
	return ok
}
