package geoip

import (
	"log/slog"
	"net"
	"os"
	"testing"

	"github.com/lmittmann/tint"
	"github.com/stretchr/testify/assert"
)

var testLogger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{
	Level: slog.LevelDebug,
}))

func TestResolveLocalAddresses(t *testing.T) {
	r := NewResolver(testLogger, nil)

	assert.Equal(t, LocalNetwork, r.Resolve(net.ParseIP("127.0.0.1")))
	assert.Equal(t, LocalNetwork, r.Resolve(net.ParseIP("10.1.2.3")))
	assert.Equal(t, LocalNetwork, r.Resolve(net.ParseIP("192.168.0.10")))
	assert.Equal(t, LocalNetwork, r.Resolve(net.ParseIP("169.254.0.5")))
	assert.Equal(t, LocalNetwork, r.Resolve(net.ParseIP("::1")))
}

func TestResolveWithoutDatabase(t *testing.T) {
	r := NewResolver(testLogger, nil)

	assert.Equal(t, Unknown, r.Resolve(net.ParseIP("8.8.8.8")))
	assert.Equal(t, Unknown, r.Resolve(nil))
}

func TestResolveHost(t *testing.T) {
	r := NewResolver(testLogger, nil)

	assert.Equal(t, LocalNetwork, ResolveHost(r, "127.0.0.1:43210"))
	assert.Equal(t, LocalNetwork, ResolveHost(r, "192.168.1.4"))
	assert.Equal(t, Unknown, ResolveHost(r, "8.8.8.8:443"))
	assert.Equal(t, Unknown, ResolveHost(r, "not-an-ip"))
	assert.Equal(t, Unknown, ResolveHost(r, ""))
}
