package publish

// Package publish exposes the current service level (the dimmer) to the
// co-located service.

import (
	"context"
	"strconv"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Publisher makes a service level visible to readers. A failed publish leaves
// the previously published value in place.
type Publisher interface {
	Publish(ctx context.Context, serviceLevel float64) error
}

// Multi publishes to every publisher, even if some fail.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, serviceLevel float64) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, serviceLevel); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

// Format renders a service level the way readers parse it: the shortest
// decimal representation followed by a newline.
func Format(serviceLevel float64) []byte {
	return strconv.AppendFloat(nil, serviceLevel, 'g', -1, 64)
}
