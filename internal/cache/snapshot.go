package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Snapshot 是一次网络响应的完整副本（状态码、头、正文），可被重复读取。
type Snapshot struct {
	Key      Key
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// NewSnapshot 读取并关闭 resp.Body，生成可持久化的快照。
func NewSnapshot(key Key, resp *http.Response) (*Snapshot, error) {
	if resp == nil {
		return nil, fmt.Errorf("snapshot %s: nil response", key)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", key, err)
	}
	return &Snapshot{
		Key:      key,
		Status:   resp.StatusCode,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: time.Now().UTC(),
	}, nil
}

// Response 基于快照构造新的 *http.Response，每次调用都拥有独立的 Body 读取位置。
func (s *Snapshot) Response(req *http.Request) *http.Response {
	header := s.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(s.Body)))
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", s.Status, http.StatusText(s.Status)),
		StatusCode:    s.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(s.Body)),
		ContentLength: int64(len(s.Body)),
		Request:       req,
	}
}

func (s *Snapshot) clone() *Snapshot {
	cp := *s
	cp.Header = s.Header.Clone()
	return &cp
}
