package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// fetchedAsset 是 install 阶段已完整读入内存的资源响应。
type fetchedAsset struct {
	req    *Request
	status int
	header http.Header
	body   []byte
}

// Install 预缓存 manifest：先全部拉取成功，再统一写入当前版本的缓存。
// 任何一个资源失败都会让整个 install 失败，且不会留下部分写入。
func (a *Agent) Install(e InstallEvent) error {
	e.WaitUntil(func(ctx context.Context) error {
		existed, err := a.storage.Has(ctx, a.settings.Version)
		if err != nil {
			return &InstallError{Version: a.settings.Version, Err: err}
		}
		store, err := a.storage.Open(ctx, a.settings.Version)
		if err != nil {
			return &InstallError{Version: a.settings.Version, Err: err}
		}

		assets, err := a.fetchManifest(ctx)
		if err == nil {
			for _, asset := range assets {
				if putErr := store.Put(ctx, asset.req.Identity(), asset.response()); putErr != nil {
					err = &InstallError{Version: a.settings.Version, Path: asset.req.Path(), Err: putErr}
					break
				}
			}
		}
		if err != nil {
			if !existed {
				// 本次 install 新建的缓存随失败一起丢弃。
				if _, delErr := a.storage.Delete(context.WithoutCancel(ctx), a.settings.Version); delErr != nil {
					a.logger.WithFields(a.fields("install_cleanup")).WithError(delErr).Warn("cache_delete_failed")
				}
			}
			a.logger.WithFields(a.fields("install")).WithError(err).Error("install_failed")
			return err
		}

		a.logger.WithFields(a.fields("install")).
			WithField("assets", len(assets)).
			Info("install_completed")
		return nil
	})

	if a.settings.SkipWaiting {
		e.SkipWaiting()
	}
	return nil
}

func (a *Agent) fetchManifest(ctx context.Context) ([]fetchedAsset, error) {
	assets := make([]fetchedAsset, len(a.settings.Manifest))
	group, gctx := errgroup.WithContext(ctx)
	for i, p := range a.settings.Manifest {
		group.Go(func() error {
			asset, err := a.fetchAsset(gctx, p)
			if err != nil {
				return &InstallError{Version: a.settings.Version, Path: p, Err: err}
			}
			assets[i] = asset
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return assets, nil
}

func (a *Agent) fetchAsset(ctx context.Context, p string) (fetchedAsset, error) {
	req := &Request{
		Method: http.MethodGet,
		URL:    a.resolve(p),
		Header: http.Header{},
		Mode:   ModeNoCORS,
	}
	resp, err := a.network.Fetch(ctx, req)
	if err != nil {
		return fetchedAsset{}, err
	}
	defer resp.Body.Close()
	if !isOK(resp.StatusCode) {
		return fetchedAsset{}, &BadStatusError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetchedAsset{}, fmt.Errorf("read body: %w", err)
	}
	return fetchedAsset{
		req:    req,
		status: resp.StatusCode,
		header: resp.Header.Clone(),
		body:   body,
	}, nil
}

func (f fetchedAsset) response() *http.Response {
	return snapshotResponse(f.status, f.header, f.body)
}

func snapshotResponse(status int, header http.Header, body []byte) *http.Response {
	cloned := header.Clone()
	if cloned == nil {
		cloned = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", status, http.StatusText(status)),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        cloned,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
