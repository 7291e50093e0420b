//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

// GCSSink is only available in builds tagged gcp.
type GCSSink struct{}

func NewGCSSink(context.Context, string) (*GCSSink, error) {
	return nil, fmt.Errorf("archive: gcs sink is not enabled in this build (use -tags gcp)")
}

func (*GCSSink) Put(context.Context, string, []byte) error {
	return fmt.Errorf("archive: gcs sink is not enabled in this build (use -tags gcp)")
}

func (*GCSSink) Close() error { return nil }
