package version

import "fmt"

// Version/Commit 在构建时通过 -ldflags 注入：
//
//	go build -ldflags "-X github.com/any-hub/order-cache/internal/version.Version=1.2.0"
var (
	Version = "0.1.0"
	Commit  = "dev"
)

// Full 返回 CLI -version 输出的完整版本信息。
func Full() string {
	return fmt.Sprintf("order-cache %s (%s)", Version, Commit)
}

// UserAgent 是回源请求携带的 User-Agent，源站日志可据此区分清单安装与页面直连。
func UserAgent() string {
	return "order-cache/" + Version
}
