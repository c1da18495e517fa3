package generator

import (
	"context"

	"github.com/robmorgan/antiphon/sequence"
)

// Echo answers a call by replaying it inside the response window.
type Echo struct{}

func (Echo) Name() string { return "echo" }

func (Echo) Generate(ctx context.Context, req *Request) (*sequence.Sequence, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Input.IsEmpty() {
		return sequence.New(req.QPM, req.Start, req.End), nil
	}
	out := req.Input.Shift(req.Start.Sub(req.Input.Start)).Window(req.Start, req.End)
	out.QPM = req.QPM
	return out, nil
}
