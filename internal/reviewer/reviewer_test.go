package reviewer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/reviewer"
)

func TestNoopReviewerAlwaysApproves(t *testing.T) {
	var r reviewer.NoopReviewer
	err := r.Review(context.Background(), "anything", []model.Memory{{Text: "x"}})
	require.NoError(t, err)
}

func TestErrUnsupportedIsDistinguishable(t *testing.T) {
	err := reviewer.ErrUnsupported
	require.ErrorIs(t, err, reviewer.ErrUnsupported)
}
