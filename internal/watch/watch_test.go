package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dyluth/canopy/internal/invalidation"
	"github.com/dyluth/canopy/pkg/hierarchy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	events chan invalidation.Event
	errors chan error
}

func newFakeSource(events ...invalidation.Event) *fakeSource {
	src := &fakeSource{events: make(chan invalidation.Event, len(events)), errors: make(chan error, 1)}
	for _, e := range events {
		src.events <- e
	}
	close(src.events)
	return src
}

func (f *fakeSource) Events() <-chan invalidation.Event { return f.events }
func (f *fakeSource) Errors() <-chan error             { return f.errors }

func event(tenant, id string) invalidation.Event {
	return invalidation.Event{
		Ref:    hierarchy.NodeRef{TenantID: tenant, Level: hierarchy.LevelProject, ID: id},
		Origin: "3f2a9c1e-aaaa-bbbb-cccc-000000000000",
		SentAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStreamInvalidations_Default(t *testing.T) {
	var buf bytes.Buffer
	src := newFakeSource(event("acme", "p1"), event("globex", "p2"))

	err := StreamInvalidations(context.Background(), src, "", OutputFormatDefault, &buf)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "invalidated acme/project/p1 (origin 3f2a9c1e)")
	assert.Contains(t, lines[1], "globex/project/p2")
}

func TestStreamInvalidations_FiltersTenantAsJSON(t *testing.T) {
	var buf bytes.Buffer
	src := newFakeSource(event("acme", "p1"), event("globex", "p2"))

	err := StreamInvalidations(context.Background(), src, "globex", OutputFormatJSON, &buf)
	require.NoError(t, err)

	var got invalidation.Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got))
	assert.Equal(t, "p2", got.Ref.ID)
}

func TestStreamInvalidations_StopsOnError(t *testing.T) {
	src := &fakeSource{events: make(chan invalidation.Event), errors: make(chan error, 1)}
	src.errors <- errors.New("connection reset")

	err := StreamInvalidations(context.Background(), src, "", OutputFormatDefault, &bytes.Buffer{})
	assert.ErrorContains(t, err, "connection reset")
}

func TestStreamInvalidations_StopsOnCancel(t *testing.T) {
	src := &fakeSource{events: make(chan invalidation.Event), errors: make(chan error)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, StreamInvalidations(ctx, src, "", OutputFormatDefault, &bytes.Buffer{}))
}
