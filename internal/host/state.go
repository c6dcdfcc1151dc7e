package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/blog-admin/swcache/internal/agent"
)

// persistedState 是 registration.json 的内容，仅记录激活版本的配置。
type persistedState struct {
	Active    agent.Settings `json:"active"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Restore 读取持久化的激活版本并直接恢复为 activated，不重新 install。
// 状态文件缺失或对应缓存已不存在时返回 false。
func (h *Host) Restore(ctx context.Context) (bool, error) {
	h.deployMu.Lock()
	defer h.deployMu.Unlock()

	state, ok, err := h.loadState()
	if err != nil || !ok {
		return false, err
	}
	exists, err := h.storage.Has(ctx, state.Active.Version)
	if err != nil {
		return false, err
	}
	if !exists {
		h.logger.WithFields(logrus.Fields{
			"action":  "restore",
			"version": state.Active.Version,
		}).Warn("restore_store_missing")
		return false, nil
	}

	a, err := h.factory(state.Active)
	if err != nil {
		return false, fmt.Errorf("rebuild agent %s: %w", state.Active.Version, err)
	}
	reg := newRegistration(a, h.now())
	reg.state = StateActivated

	h.mu.Lock()
	h.active = reg
	h.mu.Unlock()

	h.logger.WithFields(logrus.Fields{
		"action":  "restore",
		"version": state.Active.Version,
	}).Info("version_restored")
	return true, nil
}

func (h *Host) loadState() (persistedState, bool, error) {
	if h.statePath == "" {
		return persistedState{}, false, nil
	}
	data, err := os.ReadFile(h.statePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return persistedState{}, false, nil
		}
		return persistedState{}, false, err
	}
	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		return persistedState{}, false, fmt.Errorf("decode %s: %w", h.statePath, err)
	}
	if state.Active.Version == "" {
		return persistedState{}, false, nil
	}
	return state, true, nil
}

// saveState 通过临时文件 + rename 原子写入状态文件。
func (h *Host) saveState(settings agent.Settings) error {
	if h.statePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(persistedState{Active: settings, UpdatedAt: h.now().UTC()}, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(h.statePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".registration-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	_, err = tmp.Write(data)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, h.statePath); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
