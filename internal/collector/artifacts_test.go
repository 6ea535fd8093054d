package collector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasename(t *testing.T) {
	t.Parallel()

	got, err := Basename("Example.COM/path?q=1", 1700000000123)
	require.NoError(t, err)
	assert.Equal(t, expectedBase(t, "Example.COM/path?q=1"), got)
	assert.Regexp(t, `^example\.com-2023-11-14T221320\.123000-[0-9a-f]{32}$`, got)

	_, err = Basename("", 0)
	require.Error(t, err)
}

func TestDecodeDataURL(t *testing.T) {
	t.Parallel()

	data, mediaType, err := decodeDataURL("data:image/jpeg;base64,AQID")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, data)
	assert.Equal(t, "image/jpeg", mediaType)

	data, mediaType, err = decodeDataURL("data:,hello%20world")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
	assert.Equal(t, "text/plain;charset=US-ASCII", mediaType)

	_, _, err = decodeDataURL("https://example.com/shot.jpg")
	require.ErrorIs(t, err, errNotDataURL)
	_, _, err = decodeDataURL("data:image/png;base64")
	require.ErrorIs(t, err, errNotDataURL)
	_, _, err = decodeDataURL("data:image/png;base64,@@@")
	require.Error(t, err)
}

func TestMetadataJSONDropsArtifacts(t *testing.T) {
	t.Parallel()

	out, err := metadataJSON(map[string]any{"url": "a<b", "screenshot": "x", "source": "y"})
	require.NoError(t, err)
	assert.Equal(t, "{\n  \"url\": \"a<b\"\n}\n", string(out))
}
