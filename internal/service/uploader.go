package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/store"
)

type WriteUploader struct {
	w io.Writer
}

func NewWriteUploader(w io.Writer) WriteUploader {
	return WriteUploader{w: w}
}

func (u WriteUploader) Upload(_ context.Context, d model.Delivery) error {
	if u.w == nil {
		u.w = os.Stdout
	}
	_, err := u.w.Write(d.Body)
	return err
}

// OSRootUploader saves every delivery as a new file in a directory.
type OSRootUploader struct {
	root *os.Root
}

func NewOSRootUploader(path string) (*OSRootUploader, error) {
	root, err := os.OpenRoot(path)
	if err != nil {
		return nil, err
	}
	return &OSRootUploader{root: root}, nil
}

// FileName returns the name a delivery is saved under.
func FileName(d model.Delivery) string {
	ext := ".json"
	if d.ContentType != ContentTypeJSON {
		ext = ".cdx.json"
	}
	name := "vigil-" + d.Report.Timestamp.UTC().Format("2006-01-02-15-04-05")
	if len(d.Report.ID) >= 8 {
		name += "-" + d.Report.ID[:8]
	}
	return name + ext
}

func (u *OSRootUploader) Upload(ctx context.Context, d model.Delivery) error {
	if u.root == nil {
		return errors.New("root already closed")
	}

	path := FileName(d)
	f, err := u.root.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("creating scan results: %w", err)
	}
	_, err = f.Write(d.Body)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("saving scan results: %w", err)
	}
	err = f.Close()
	if err != nil {
		return fmt.Errorf("closing scan results: %w", err)
	}
	slog.InfoContext(ctx, "report saved", "path", path, "signed", d.Signed)
	return nil
}

func (u *OSRootUploader) Close() error {
	if u.root == nil {
		return errors.New("uploader already closed")
	}
	err := u.root.Close()
	u.root = nil
	return err
}

// HistoryUploader records a summary row of every delivery.
type HistoryUploader struct {
	store *store.Store
}

func NewHistoryUploader(ctx context.Context, path string) (*HistoryUploader, error) {
	s, err := store.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return &HistoryUploader{store: s}, nil
}

func (u *HistoryUploader) Upload(ctx context.Context, d model.Delivery) error {
	if err := u.store.Record(ctx, store.FromDelivery(d)); err != nil {
		return fmt.Errorf("recording history: %w", err)
	}
	return nil
}

func (u *HistoryUploader) Close() error {
	return u.store.Close()
}
