package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if g.ListenPort <= 0 || g.ListenPort > 65535 {
		return newFieldError("Global.ListenPort", "必须在 1-65535")
	}
	if g.StoragePath == "" {
		return newFieldError("Global.StoragePath", "不能为空")
	}
	if err := validateOrigin(g.Origin); err != nil {
		return fmt.Errorf("Global.Origin: %w", err)
	}
	if !strings.HasPrefix(g.Scope, "/") {
		return newFieldError("Global.Scope", "必须以 / 开头")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("Global.UpstreamTimeout", "必须大于 0")
	}

	return c.Cache.validate()
}

func (c CacheConfig) validate() error {
	if c.Prefix == "" {
		return newFieldError("Cache.Prefix", "不能为空")
	}
	if !isNameSafe(c.Prefix) || strings.HasPrefix(c.Prefix, ".") {
		return newFieldError("Cache.Prefix", "不能包含空白或路径分隔符，且不能以 . 开头")
	}
	if c.Version == "" {
		return newFieldError("Cache.Version", "不能为空")
	}
	if !isNameSafe(c.Version) {
		return newFieldError("Cache.Version", "不能包含空白或路径分隔符")
	}
	if c.InstallConcurrency < 0 {
		return newFieldError("Cache.InstallConcurrency", "不能为负数")
	}
	if len(c.Manifest) == 0 {
		return newFieldError("Cache.Manifest", "至少需要一个资源")
	}

	seen := make(map[string]struct{}, len(c.Manifest))
	for idx, entry := range c.Manifest {
		if entry == "" {
			return newFieldError(manifestField(idx), "不能为空")
		}
		if strings.Contains(entry, "://") {
			return newFieldError(manifestField(idx), "必须是相对于 Origin 的路径")
		}
		if _, dup := seen[entry]; dup {
			return newFieldError(manifestField(idx), "重复: "+entry)
		}
		seen[entry] = struct{}{}
	}

	if c.FallbackPage == "" {
		return newFieldError("Cache.FallbackPage", "不能为空")
	}
	if _, ok := seen[c.FallbackPage]; !ok {
		return newFieldError("Cache.FallbackPage", "必须出现在 Cache.Manifest 中")
	}
	return nil
}

func validateOrigin(raw string) error {
	if raw == "" {
		return errors.New("缺少源站地址")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("仅支持 http/https，源站: %s", raw)
	}
	if parsed.Host == "" {
		return fmt.Errorf("源站缺少 Host: %s", raw)
	}
	if parsed.RawQuery != "" || parsed.Fragment != "" {
		return fmt.Errorf("源站不应包含 query/fragment: %s", raw)
	}
	return nil
}

func isNameSafe(s string) bool {
	return !strings.ContainsAny(s, "/\\ \t\r\n")
}
