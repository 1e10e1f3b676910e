package provider

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/sectorcache/models"
)

// HTTPProvider fetches sectors and metadata from a blob HTTP server where
// sectors are served at {endpoint}/{blob id}/{sector path} and metadata at
// {endpoint}/{model id}/scene.json.
type HTTPProvider struct {
	Endpoint string

	// The transport used to perform requests. http.DefaultTransport is used
	// when nil.
	Transport http.RoundTripper

	// Optional headers set on every request.
	Header http.Header

	// The maximum payload size. No limit when 0.
	MaxSize int64
}

func (p *HTTPProvider) GetCadSectorFile(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	return p.get(ctx, blobID, sectorPath)
}

func (p *HTTPProvider) LoadData(ctx context.Context, modelID string) (models.SceneMetadata, error) {
	b, err := p.get(ctx, modelID, MetadataFile)
	if err != nil {
		return models.SceneMetadata{}, err
	}
	return DecodeMetadata(modelID, b)
}

func (p *HTTPProvider) get(ctx context.Context, blobID, sectorPath string) ([]byte, error) {
	u, err := p.url(blobID, sectorPath)
	if err != nil {
		return nil, errors.New("invalid sector url").
			WithType(models.ErrTypeNotFound).
			WithTag("blob_id", blobID).
			WithTag("sector_path", sectorPath).
			Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, newNetworkError("creating sector request failed", blobID, sectorPath, err)
	}
	for k, v := range p.Header {
		req.Header[k] = v
	}

	client := http.Client{Transport: p.Transport}
	res, err := client.Do(req)
	if err != nil {
		return nil, newNetworkError("sector request failed", blobID, sectorPath, err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode == http.StatusNotFound:
		io.Copy(io.Discard, res.Body)
		return nil, newNotFoundError(blobID, sectorPath)

	case res.StatusCode != http.StatusOK:
		io.Copy(io.Discard, res.Body)
		return nil, errors.New("unexpected sector response status").
			WithType(models.ErrTypeNetwork).
			WithTag("blob_id", blobID).
			WithTag("sector_path", sectorPath).
			WithTag("status", res.StatusCode)
	}

	body := io.Reader(res.Body)
	if p.MaxSize > 0 {
		body = io.LimitReader(res.Body, p.MaxSize+1)
	}

	b, err := io.ReadAll(body)
	if err != nil {
		return nil, newNetworkError("reading sector response failed", blobID, sectorPath, err)
	}
	if p.MaxSize > 0 && int64(len(b)) > p.MaxSize {
		return nil, errors.New("sector payload too large").
			WithType(models.ErrTypeNotFound).
			WithTag("blob_id", blobID).
			WithTag("sector_path", sectorPath).
			WithTag("max_size", p.MaxSize)
	}
	return b, nil
}

func (p *HTTPProvider) url(blobID, sectorPath string) (string, error) {
	if blobID == "" || sectorPath == "" {
		return "", errors.New("empty blob id or sector path")
	}

	base, err := url.Parse(strings.TrimSuffix(p.Endpoint, "/"))
	if err != nil {
		return "", err
	}

	segments := strings.Split(sectorPath, "/")
	for i, s := range segments {
		if s == ".." {
			return "", errors.Newf("invalid sector path segment %q", s)
		}
		segments[i] = url.PathEscape(s)
	}

	return fmt.Sprintf("%s/%s/%s", base.String(), url.PathEscape(blobID), strings.Join(segments, "/")), nil
}
