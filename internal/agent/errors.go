package agent

import (
	"errors"
	"fmt"
)

// ErrAlreadyResponded 表示同一个 FetchEvent 的 RespondWith 被调用了不止一次。
var ErrAlreadyResponded = errors.New("fetch event already responded")

// InstallError 表示某个 manifest 资源无法获取，整个 install 被放弃。
type InstallError struct {
	Version string
	Path    string
	Err     error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: asset %s: %v", e.Version, e.Path, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// NetworkError 表示请求未能从网络获得任何响应。
type NetworkError struct {
	Method string
	URL    string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// BadStatusError 用于 install 阶段资源返回非 2xx 的情形。
type BadStatusError struct {
	Status int
}

func (e *BadStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}
