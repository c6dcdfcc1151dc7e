package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供版本、策略与客户端字段，供拦截请求日志复用。
// version 为空表示请求未受任何版本控制。
func RequestFields(requestID, clientID, method, path, version, strategy string) logrus.Fields {
	fields := logrus.Fields{
		"action":     "intercept",
		"request_id": requestID,
		"client_id":  clientID,
		"method":     method,
		"path":       path,
		"controlled": version != "",
	}
	if version != "" {
		fields["version"] = version
		fields["strategy"] = strategy
	}
	return fields
}
