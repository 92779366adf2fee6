package reader

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePercent(t *testing.T) {
	require.Equal(t, 45.0, parsePercent("45 %"))
	require.Equal(t, 0.0, parsePercent(""))
	require.Equal(t, 0.0, parsePercent("N/A"))
}

func TestParseMebibytes(t *testing.T) {
	require.Equal(t, uint64(1024*1024), parseMebibytes("1 MiB"))
	require.Equal(t, uint64(0), parseMebibytes(""))
}

func TestParseWatts(t *testing.T) {
	require.Equal(t, 250.5, parseWatts("250.5 W"))
	require.Equal(t, 0.0, parseWatts(""))
}

func TestParseMHz(t *testing.T) {
	require.Equal(t, 1500.0, parseMHz("1500 MHz"))
	require.Equal(t, 0.0, parseMHz(""))
}
