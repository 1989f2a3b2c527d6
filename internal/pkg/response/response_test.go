package response

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/promptembed/internal/pkg/errcode"
	appErr "github.com/xxxsen/promptembed/internal/pkg/errors"
)

func TestCodeOf(t *testing.T) {
	require.Equal(t, errcode.ErrInvalid, CodeOf(fmt.Errorf("%w: steps", appErr.ErrInvalid)))
	require.Equal(t, errcode.ErrNotFound, CodeOf(appErr.ErrNotFound))
	require.Equal(t, errcode.ErrEncoderUnavailable, CodeOf(appErr.ErrUnavailable))
	require.Equal(t, errcode.ErrInternal, CodeOf(appErr.ErrInternal))
	require.Equal(t, errcode.ErrUnknown, CodeOf(fmt.Errorf("boom")))
}

func TestAsCodeErr(t *testing.T) {
	err := AsCodeErr(errcode.ErrInvalid, "bad")
	require.EqualError(t, err, "bad")
	require.Equal(t, uint32(errcode.ErrInvalid), err.(interface{ Code() uint32 }).Code())
}
