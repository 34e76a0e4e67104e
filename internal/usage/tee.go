package usage

import (
	"context"
	"errors"
)

// Recorder accepts usage records. *Store implements it.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// Tee returns a Recorder that hands each record to every non-nil r in
// order. All recorders are called even when one fails; the errors are
// joined.
func Tee(rs ...Recorder) Recorder {
	var live []Recorder
	for _, r := range rs {
		if r != nil {
			live = append(live, r)
		}
	}
	return tee(live)
}

type tee []Recorder

func (t tee) Record(ctx context.Context, rec Record) error {
	var errs []error
	for _, r := range t {
		if err := r.Record(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
