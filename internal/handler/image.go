package handler

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"strings"

	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
)

// Image downloads one page image, stores it and snapshots the result into
// the checkpoint. An image is atomic: there is nothing to resume inside it.
type Image struct {
	base
}

// NewImage constructs the IMAGE handler.
func NewImage(deps Deps) *Image {
	return &Image{base{deps: deps}}
}

// Handle downloads the image behind job.TargetURL.
func (h *Image) Handle(ctx context.Context, job crawl.Job, settings crawl.Settings) (bool, error) {
	if kind, ok := h.signalCheck(ctx, job.ID); ok {
		return false, &crawl.ControlUnwind{Kind: kind, LastIndex: -1}
	}
	if err := h.deps.Checkpoints.Init(ctx, job.ID); err != nil {
		return false, err
	}

	// Image hosts reject requests without the source site as referer.
	referer := extractor.Domain(job.TargetURL)
	var parent crawl.Job
	if job.ParentID != "" {
		p, err := h.deps.Jobs.Get(ctx, job.ParentID)
		if err != nil {
			return false, fmt.Errorf("load parent chapter: %w", err)
		}
		parent = p
		if d := extractor.Domain(parent.TargetURL); d != "" {
			referer = d
		}
	}

	data, err := h.deps.Fetch.FetchBinary(ctx, job.TargetURL, h.requestHeaders(referer, settings))
	if err != nil {
		return false, fmt.Errorf("fetch image: %w", err)
	}
	token, err := h.deps.Hasher.Hash(data)
	if err != nil {
		return false, fmt.Errorf("hash image: %w", err)
	}

	objectPath := h.objectPath(job, parent)
	uri, err := h.deps.Blobs.PutObject(ctx, objectPath, contentTypeFor(job.TargetURL), data)
	if err != nil {
		return false, fmt.Errorf("store image: %w", err)
	}
	if err := h.deps.Jobs.SetContentHash(ctx, job.ID, token); err != nil {
		return false, err
	}
	err = h.deps.Checkpoints.SetState(ctx, job.ID, crawl.StateSnapshot{
		Kind: crawl.SnapshotImageResult,
		ImageResult: &crawl.ImageResult{
			Path:         uri,
			PreviewToken: token,
			Bytes:        int64(len(data)),
		},
	})
	if err != nil {
		return false, err
	}
	h.deps.Logger.Debug("image stored",
		zap.String("job_id", job.ID),
		zap.String("uri", uri),
		zap.Int("bytes", len(data)),
	)
	return true, nil
}

// objectPath lays images out as comics/<content>/<chapter>/<page>.<ext> so a
// comic's files stay browsable by chapter.
func (h *Image) objectPath(job, parent crawl.Job) string {
	ext := imageExt(job.TargetURL)
	if job.ContentID > 0 && parent.ID != "" {
		return fmt.Sprintf("comics/%d/%04d/%04d%s", job.ContentID, parent.Position, job.Position, ext)
	}
	if parent.ID != "" {
		return fmt.Sprintf("chapters/%s/%04d%s", parent.ID, job.Position, ext)
	}
	return fmt.Sprintf("images/%s%s", job.ID, ext)
}

func imageExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ".jpg"
	}
	ext := strings.ToLower(path.Ext(u.Path))
	switch ext {
	case ".jpg", ".jpeg", ".png", ".gif", ".webp":
		return ext
	default:
		return ".jpg"
	}
}

func contentTypeFor(rawURL string) string {
	switch imageExt(rawURL) {
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
