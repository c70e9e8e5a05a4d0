package stemcell

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDesc(t *testing.T) {
	s := Stemcell{Name: "ubuntu-xenial-stemcell", OS: "ubuntu-xenial", Version: "621.5"}
	assert.Equal(t, "ubuntu-xenial-stemcell/621.5", s.Desc())
	assert.Equal(t, "ubuntu-xenial/621.5", s.String())
}

func TestSupportsSignedURLs(t *testing.T) {
	assert.False(t, Stemcell{}.SupportsSignedURLs())
	assert.False(t, Stemcell{APIVersion: 2}.SupportsSignedURLs())
	assert.True(t, Stemcell{APIVersion: 3}.SupportsSignedURLs())
}

func TestMajorLine(t *testing.T) {
	s := Stemcell{OS: "ubuntu-xenial", Version: "621.5"}
	major, err := s.MajorLine()
	require.NoError(t, err)
	assert.Equal(t, uint64(621), major)

	assert.True(t, s.SameLine("621.1"))
	assert.True(t, s.SameLine("621"))
	assert.False(t, s.SameLine("456.30"))
	assert.False(t, s.SameLine("not-a-version"))

	_, err = Stemcell{Version: "latest"}.MajorLine()
	assert.Error(t, err)
}

func TestNewest(t *testing.T) {
	v, ok := Newest([]string{"621.1", "621.10", "621.9", "junk"})
	assert.True(t, ok)
	assert.Equal(t, "621.10", v)

	_, ok = Newest([]string{"junk"})
	assert.False(t, ok)
}
