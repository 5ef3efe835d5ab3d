package gateway

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/wifivoucher/backend/internal/models"
)

// fakeNAS answers Disconnect-Requests, ACKing known sessions and NAKing the
// rest
type fakeNAS struct {
	server *radius.PacketServer
	pc     net.PacketConn

	mu       sync.Mutex
	sessions map[string]string // username -> calling-station-id
	seen     []string
}

func newFakeNAS(t *testing.T, secret string) *fakeNAS {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	f := &fakeNAS{
		pc:       pc,
		sessions: make(map[string]string),
	}
	f.server = &radius.PacketServer{
		SecretSource: radius.StaticSecretSource([]byte(secret)),
		Handler: radius.HandlerFunc(func(w radius.ResponseWriter, r *radius.Request) {
			username := rfc2865.UserName_GetString(r.Packet)

			f.mu.Lock()
			f.seen = append(f.seen, username)
			_, known := f.sessions[username]
			if known {
				delete(f.sessions, username)
			}
			f.mu.Unlock()

			code := radius.CodeDisconnectNAK
			if known {
				code = radius.CodeDisconnectACK
			}
			w.Write(r.Response(code))
		}),
	}

	go f.server.Serve(pc)
	t.Cleanup(func() { f.server.Shutdown(testCtx(t)) })
	return f
}

func (f *fakeNAS) router(secret string) *models.Router {
	_, portStr, _ := net.SplitHostPort(f.pc.LocalAddr().String())
	port, _ := strconv.Atoi(portStr)
	return &models.Router{
		Name:         "test-nas",
		Vendor:       models.VendorRadius,
		IPAddress:    "127.0.0.1",
		CoAPort:      port,
		RadiusSecret: secret,
	}
}

func (f *fakeNAS) hasSession(username string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[username]
	return ok
}

func TestRadiusRevokeDisconnectsSession(t *testing.T) {
	f := newFakeNAS(t, "s3cret")
	f.mu.Lock()
	f.sessions["WXYZ2345"] = "AA:BB:CC:DD:EE:FF"
	f.mu.Unlock()

	gw, err := New(f.router("s3cret"))
	require.NoError(t, err)

	require.NoError(t, gw.Revoke(testCtx(t), "WXYZ2345", "AA:BB:CC:DD:EE:FF"))
	assert.False(t, f.hasSession("WXYZ2345"))
}

func TestRadiusRevokeUnknownSessionIsSuccess(t *testing.T) {
	f := newFakeNAS(t, "s3cret")

	gw, err := New(f.router("s3cret"))
	require.NoError(t, err)

	// NAK for an unknown session still counts as revoked
	assert.NoError(t, gw.Revoke(testCtx(t), "NEVERSEEN", ""))
}

func TestRadiusProvisionUnsupported(t *testing.T) {
	f := newFakeNAS(t, "s3cret")

	gw, err := New(f.router("s3cret"))
	require.NoError(t, err)

	err = gw.Provision(testCtx(t), "WXYZ2345", "tok", "", Limits{})
	require.Error(t, err)
	assert.Equal(t, Unsupported, KindOf(err))
	assert.False(t, IsRetryable(err))
}

func TestRadiusProbeReachable(t *testing.T) {
	f := newFakeNAS(t, "s3cret")

	gw, err := New(f.router("s3cret"))
	require.NoError(t, err)

	assert.True(t, gw.ProbeReachable(testCtx(t)))
}

func TestRadiusFetchUsageNotObserved(t *testing.T) {
	f := newFakeNAS(t, "s3cret")

	gw, err := New(f.router("s3cret"))
	require.NoError(t, err)

	usage, err := gw.FetchUsage(testCtx(t), "WXYZ2345", "")
	require.NoError(t, err)
	assert.False(t, usage.Observed)
}

func TestUnknownVendor(t *testing.T) {
	_, err := New(&models.Router{Vendor: "frobnitz"})
	require.Error(t, err)
	assert.Equal(t, Unsupported, KindOf(err))
}
