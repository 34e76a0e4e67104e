package usage

import (
	"context"
	"errors"
	"testing"
)

type countingRecorder struct {
	n   int
	err error
}

func (c *countingRecorder) Record(context.Context, Record) error {
	c.n++
	return c.err
}

func TestTee(t *testing.T) {
	a := &countingRecorder{}
	b := &countingRecorder{err: errors.New("disk full")}
	c := &countingRecorder{}

	r := Tee(a, b, nil, c)

	err := r.Record(context.Background(), Record{InputTokens: 1})
	if err == nil || err.Error() != "disk full" {
		t.Errorf("Record() error = %v, want disk full", err)
	}
	if a.n != 1 || b.n != 1 || c.n != 1 {
		t.Errorf("calls = %d/%d/%d, want 1 each", a.n, b.n, c.n)
	}

	if err := Tee().Record(context.Background(), Record{}); err != nil {
		t.Errorf("empty Tee Record() = %v", err)
	}
}
