package model

import "context"

// Delivery is one finished scan handed over to the uploaders.
type Delivery struct {
	Report      Report
	Body        []byte // encoded artifact or BOM
	ContentType string
	Hash        string // "sha256:<hex>" of the canonical report
	Signed      bool
}

type Uploader interface {
	Upload(ctx context.Context, d Delivery) error
}

type UploadCloser interface {
	Uploader
	Close() error
}
