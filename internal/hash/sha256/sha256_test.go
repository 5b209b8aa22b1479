package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
)

var _ crawler.Hasher = Hasher{}

func TestHasherDigests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
		{"hello world", "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"},
	}
	for _, tt := range tests {
		got, err := New().Hash([]byte(tt.in))
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
	}
}

func TestHasherDistinguishesRecords(t *testing.T) {
	t.Parallel()

	h := New()
	a, err := h.Hash([]byte(`{"code":"C1","stock":10}`))
	require.NoError(t, err)
	b, err := h.Hash([]byte(`{"code":"C1","stock":11}`))
	require.NoError(t, err)
	require.NotEqual(t, a, b)
}
