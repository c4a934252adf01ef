package gitleaks

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// Leak is a secret found in a file. Line is 1-based and 0 when the secret
// could not be located again in the content.
type Leak struct {
	RuleID      string
	Description string
	File        string
	Line        int
	Secret      string
}

type Scanner struct {
	pool sync.Pool
	mx   sync.Mutex
}

func NewScanner() (*Scanner, error) {
	first, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("creating new gitleaks detector: %w", err)
	}
	d := &Scanner{}
	d.pool = sync.Pool{
		New: func() any {
			d.mx.Lock()
			defer d.mx.Unlock()
			detector, err := detect.NewDetectorDefaultConfig()
			if err != nil {
				panic(err)
			}
			return detector
		},
	}
	d.pool.Put(first)
	return d, nil
}

// Scan uses github.com/zricethezav/gitleaks/v8 to detect possible leaked secrets
// This method is SAFE to be called from multiple goroutines
func (d *Scanner) Scan(ctx context.Context, b []byte, path string) ([]Leak, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	detector := d.pool.Get().(*detect.Detector)
	defer d.pool.Put(detector)

	var ret []Leak
	for _, finding := range detector.DetectString(string(b)) {
		leak := Leak{
			RuleID:      finding.RuleID,
			Description: finding.Description,
			File:        path,
			Secret:      finding.Secret,
			Line:        LineOf(b, finding.Secret),
		}
		ret = append(ret, leak)
	}

	return ret, nil
}

// LineOf returns the 1-based line of the first occurrence of needle in b.
func LineOf(b []byte, needle string) int {
	if needle == "" {
		return 0
	}
	idx := bytes.Index(b, []byte(needle))
	if idx < 0 {
		return 0
	}
	return bytes.Count(b[:idx], []byte("\n")) + 1
}
