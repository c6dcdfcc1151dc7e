package main

import (
	"bytes"
	"path/filepath"
	"runtime"
	"testing"
)

// cliOutput 收集一次 run 调用写出的 stdout/stderr。
type cliOutput struct {
	out *bytes.Buffer
	err *bytes.Buffer
}

// captureCLIOutput 在测试期间把 stdOut/stdErr 换成内存缓冲，结束后恢复。
func captureCLIOutput(t *testing.T) cliOutput {
	t.Helper()
	captured := cliOutput{out: &bytes.Buffer{}, err: &bytes.Buffer{}}

	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = captured.out, captured.err
	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
	return captured
}

// configFixture 返回 internal/config/testdata 下的样例配置，与 config 包测试共用。
func configFixture(t *testing.T, name string) string {
	t.Helper()
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("无法定位测试文件路径")
	}
	return filepath.Join(filepath.Dir(file), "internal", "config", "testdata", name)
}
