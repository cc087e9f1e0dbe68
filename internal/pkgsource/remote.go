package pkgsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"

	rh "github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"

	"github.com/sigreer/stubos/internal/cache"
)

// remoteFile is an io.ReaderAt over an HTTP resource, read in cached blocks
// with Range requests
type remoteFile struct {
	ctx    context.Context
	client *rh.Client
	url    string
	size   int64
	blocks *cache.Cache

	// bytes fetched from the server
	fetched atomic.Int64
}

func openRemote(ctx context.Context, url string, cacheBlocks int) (*remoteFile, error) {
	client := rh.NewClient()
	client.Logger = newLeveledLogger(nil)
	client.RetryMax = 5

	blocks, err := cache.New(cacheBlocks)
	if err != nil {
		return nil, err
	}

	req, err := rh.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", url, err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to query %s: %s", url, resp.Status)
	}
	if resp.ContentLength < 0 {
		return nil, fmt.Errorf("server did not report the size of %s", url)
	}

	logrus.WithFields(logrus.Fields{"url": url, "size": resp.ContentLength}).Info("Remote package opened")

	return &remoteFile{
		ctx:    ctx,
		client: client,
		url:    url,
		size:   resp.ContentLength,
		blocks: blocks,
	}, nil
}

// ReadAt implements io.ReaderAt
func (r *remoteFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	n := 0
	for n < len(p) && off < r.size {
		idx := off / cache.BlockSize
		data, err := r.block(idx)
		if err != nil {
			return n, err
		}
		c := copy(p[n:], data[off-idx*cache.BlockSize:])
		n += c
		off += int64(c)
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (r *remoteFile) block(idx int64) ([]byte, error) {
	if data := r.blocks.Get(idx); data != nil {
		return data, nil
	}

	start := idx * cache.BlockSize
	end := min(start+cache.BlockSize, r.size) - 1

	req, err := rh.NewRequestWithContext(r.ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %d of %s: %w", idx, r.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return nil, fmt.Errorf("failed to fetch block %d of %s: %s", idx, r.url, resp.Status)
	}

	want := end - start + 1
	data, err := io.ReadAll(io.LimitReader(resp.Body, want))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) != want {
		return nil, fmt.Errorf("short read of block %d: %w", idx, io.ErrUnexpectedEOF)
	}

	r.blocks.Set(idx, data)
	r.fetched.Add(want)
	return data, nil
}
