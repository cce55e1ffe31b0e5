package redpanda_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusflow/enrollment-core/internal/adapter/queue/redpanda"
	"github.com/campusflow/enrollment-core/internal/domain"
)

func TestRegistry(t *testing.T) {
	r := redpanda.NewRegistry()
	r.Register("enroll.single_group", func(domain.Context, *redpanda.Envelope) (any, error) { return nil, nil })

	h, ok := r.Lookup("enroll.single_group")
	require.True(t, ok)
	assert.NotNil(t, h)

	_, ok = r.Lookup("missing")
	assert.False(t, ok)

	assert.Panics(t, func() {
		r.Register("enroll.single_group", func(domain.Context, *redpanda.Envelope) (any, error) { return nil, nil })
	})
}
