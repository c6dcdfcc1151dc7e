package cache

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// snapshotMeta 是条目文件首行的 JSON 元数据，正文紧随其后。
type snapshotMeta struct {
	Identity Identity    `json:"identity"`
	Status   int         `json:"status"`
	Header   http.Header `json:"header"`
	StoredAt time.Time   `json:"stored_at"`
}

func newSnapshotMeta(id Identity, resp *http.Response) snapshotMeta {
	return snapshotMeta{
		Identity: id,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		StoredAt: time.Now().UTC(),
	}
}

func writeSnapshotMeta(w io.Writer, meta snapshotMeta) error {
	line, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	_, err = w.Write(line)
	return err
}

func readSnapshotMeta(r *bufio.Reader) (snapshotMeta, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return snapshotMeta{}, fmt.Errorf("truncated cache entry: %w", io.ErrUnexpectedEOF)
		}
		return snapshotMeta{}, err
	}
	var meta snapshotMeta
	if err := json.Unmarshal(bytes.TrimSpace(line), &meta); err != nil {
		return snapshotMeta{}, fmt.Errorf("decode cache entry: %w", err)
	}
	return meta, nil
}

// buildResponse 将快照还原为 *http.Response，Body 由调用方关闭。
func buildResponse(meta snapshotMeta, body io.ReadCloser, length int64) *http.Response {
	header := meta.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", meta.Status, http.StatusText(meta.Status)),
		StatusCode:    meta.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          body,
		ContentLength: length,
	}
}

type readCloser struct {
	io.Reader
	io.Closer
}
