package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供一次拦截请求的路径、方法、处理版本与命中状态字段。
func RequestFields(method, path, cacheVersion string, navigate, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"method":        method,
		"path":          path,
		"cache_version": cacheVersion,
		"navigate":      navigate,
		"cache_hit":     cacheHit,
	}
}

// LifecycleFields 描述控制器实例的作用域、版本与状态。
func LifecycleFields(scope, cacheVersion, state string) logrus.Fields {
	return logrus.Fields{
		"scope":         scope,
		"cache_version": cacheVersion,
		"state":         state,
	}
}
