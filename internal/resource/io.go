package resource

import (
	"context"
	"io"
)

// ThrottledWriter paces writes to the controller's merge output rate.
type ThrottledWriter struct {
	ctx context.Context
	w   io.Writer
	rc  *Controller
}

func NewThrottledWriter(ctx context.Context, w io.Writer, rc *Controller) *ThrottledWriter {
	return &ThrottledWriter{ctx: ctx, w: w, rc: rc}
}

func (t *ThrottledWriter) Write(p []byte) (int, error) {
	if err := t.rc.WaitMergeOutput(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}
