package irr

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/irrwatch/pkg/logger"
)

// fakeBGPQ4 stands in for the bgpq4 binary: the address-family flag lands
// in $0 because the client appends it right after the -c script.
const fakeBGPQ4 = `if [ "$0" = "-6" ]; then
	echo '{"NN":[{"prefix":"2001:db8::/32"}]}'
else
	echo '{"NN":[{"prefix":"192.0.2.0/24"},{"prefix":"198.51.100.0/24"}]}'
fi`

func TestBGPQ4Client(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("fake bgpq4 requires a POSIX shell")
	}
	log := logger.NewTestLogger()

	t.Run("parses per-family output", func(t *testing.T) {
		client, err := NewBGPQ4Client(BGPQ4ClientConfig{
			Logger:  log,
			Command: []string{"sh", "-c", fakeBGPQ4},
			Source:  "RADB",
		})
		require.NoError(t, err)

		set, err := client.Query(context.Background(), "AS-EXAMPLE")
		require.NoError(t, err)
		assert.Equal(t, []string{"192.0.2.0/24", "198.51.100.0/24"}, set.V4())
		assert.Equal(t, []string{"2001:db8::/32"}, set.V6())
	})

	t.Run("non-zero exit is a protocol error", func(t *testing.T) {
		client, err := NewBGPQ4Client(BGPQ4ClientConfig{
			Logger:  log,
			Command: []string{"sh", "-c", "exit 1"},
		})
		require.NoError(t, err)

		_, err = client.Query(context.Background(), "AS-EXAMPLE")
		require.Error(t, err)
		var perr *ProtocolError
		assert.ErrorAs(t, err, &perr)
	})

	t.Run("missing binary is a network error", func(t *testing.T) {
		client, err := NewBGPQ4Client(BGPQ4ClientConfig{
			Logger:  log,
			Command: []string{"definitely-not-a-real-binary-12345"},
		})
		require.NoError(t, err)

		_, err = client.Query(context.Background(), "AS-EXAMPLE")
		require.Error(t, err)
		var nerr *NetworkError
		assert.ErrorAs(t, err, &nerr)
	})

	t.Run("invalid JSON is a response error", func(t *testing.T) {
		client, err := NewBGPQ4Client(BGPQ4ClientConfig{
			Logger:  log,
			Command: []string{"sh", "-c", "echo not-json"},
		})
		require.NoError(t, err)

		_, err = client.Query(context.Background(), "AS-EXAMPLE")
		require.Error(t, err)
		var rerr *ResponseError
		assert.ErrorAs(t, err, &rerr)
	})
}
