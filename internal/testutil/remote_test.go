package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/formsync/internal/remote"
)

func TestFakeRemote_UpsertByFingerprint(t *testing.T) {
	f := NewFakeRemote()
	ctx := context.Background()

	a, err := f.Insert(ctx, remote.Forms, remote.Row{SubmissionFingerprint: "WC-1"})
	require.NoError(t, err)
	b, err := f.Insert(ctx, remote.Forms, remote.Row{SubmissionFingerprint: "WC-1"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Equal(t, 1, f.Inserts())
	assert.Len(t, f.Rows(remote.Forms), 1)
}

func TestFakeRemote_FailWrites(t *testing.T) {
	f := NewFakeRemote()
	ctx := context.Background()
	boom := errors.New("boom")
	f.FailWrites(2, boom)

	_, err := f.Insert(ctx, remote.Forms, remote.Row{})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, f.Health(ctx), "write faults leave health intact")
	_, err = f.Insert(ctx, remote.Forms, remote.Row{})
	assert.ErrorIs(t, err, boom)
	_, err = f.Insert(ctx, remote.Forms, remote.Row{})
	assert.NoError(t, err)
}

func TestFakeRemote_Offline(t *testing.T) {
	f := NewFakeRemote()
	f.SetOffline(true)

	assert.ErrorIs(t, f.Health(context.Background()), ErrOffline)
	_, err := f.SelectAll(context.Background(), remote.Forms)
	assert.ErrorIs(t, err, ErrOffline)
}
