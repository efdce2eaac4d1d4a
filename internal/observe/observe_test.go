package observe

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegisterUnregister(t *testing.T) {
	svc := NewInMemory()
	r := io.NopCloser(strings.NewReader("hello"))

	require.NoError(t, svc.Register("exe1", Stdout, r))
	require.Equal(t, 1, svc.Len())

	require.NoError(t, svc.Unregister("exe1", Stdout))
	require.Equal(t, 0, svc.Len())
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	svc := NewInMemory()
	require.NoError(t, svc.Unregister("ghost", Stderr))
}

func TestRegisterNilChannelFails(t *testing.T) {
	svc := NewInMemory()
	err := svc.Register("exe1", Stdout, nil)
	require.Error(t, err)
}
