package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

// GlobalConfig 描述服务进程级别的运行参数。
type GlobalConfig struct {
	ListenPort      int      `mapstructure:"ListenPort"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	StoragePath     string   `mapstructure:"StoragePath"`
	Origin          string   `mapstructure:"Origin"`
	Scope           string   `mapstructure:"Scope"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
}

// CacheConfig 描述离线缓存的代际与清单。修改 Version 是让客户端重新拉取清单的唯一方式。
type CacheConfig struct {
	Prefix             string   `mapstructure:"Prefix"`
	Version            string   `mapstructure:"Version"`
	FallbackPage       string   `mapstructure:"FallbackPage"`
	Manifest           []string `mapstructure:"Manifest"`
	InstallConcurrency int      `mapstructure:"InstallConcurrency"`
}

// Config 是 TOML 文件映射的整体结构。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`
}

// CacheName 返回当前版本的缓存名称，例如 ordering-app-v1。
func (c CacheConfig) CacheName() string {
	return c.Prefix + "-" + c.Version
}

// DefaultManifest 是完整离线运行所需的应用外壳资源。
var DefaultManifest = []string{
	"order.html",
	"pastOrders.html",
	"order.js",
	"pastOrders.js",
	"menuData.json",
	"main.css",
	"manifest.json",
	"assets/tailwind.min.css",
	"assets/fonts.css",
	"assets/fonts/Vazirmatn-Thin.ttf",
	"assets/fonts/Vazirmatn-ExtraLight.ttf",
	"assets/fonts/Vazirmatn-Light.ttf",
	"assets/fonts/Vazirmatn-Regular.ttf",
	"assets/fonts/Vazirmatn-Medium.ttf",
	"assets/fonts/Vazirmatn-SemiBold.ttf",
	"assets/fonts/Vazirmatn-Bold.ttf",
	"assets/fonts/Vazirmatn-ExtraBold.ttf",
	"assets/fonts/Vazirmatn-Black.ttf",
	"assets/icons/icon-192.png",
	"assets/icons/icon-512.png",
}
