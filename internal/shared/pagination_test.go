package shared

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewPageClamps(t *testing.T) {
	require.Equal(t, Page{Number: 1, PerPage: DefaultPerPage}, NewPage(0, 0))
	require.Equal(t, Page{Number: 3, PerPage: MaxPerPage}, NewPage(3, 10_000))

	p := NewPage(4, 25)
	require.Equal(t, 75, p.Offset())
}
