package logging

import (
	"github.com/sirupsen/logrus"

	"github.com/any-hub/any-proxy/internal/pathkey"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供仓库/路径/命中状态字段，供代理请求日志复用。
func RequestFields(key pathkey.Key, requestID, authMode string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"repository": key.RepositoryID(),
		"path":       key.Path(),
		"request_id": requestID,
		"auth_mode":  authMode,
		"cache_hit":  cacheHit,
	}
}

// RetrieveFields 用于协调器内部的检索日志。
func RetrieveFields(action string, key pathkey.Key) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"repository": key.RepositoryID(),
		"path":       key.Path(),
	}
}
