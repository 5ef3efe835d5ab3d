package gateway

import (
	"context"
	"fmt"
	"strings"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/wifivoucher/backend/internal/models"
)

func init() {
	register(models.VendorRadius, func(r *models.Router) Gateway {
		return &radiusGateway{
			addr:   fmt.Sprintf("%s:%d", r.IPAddress, r.CoAPort),
			secret: r.RadiusSecret,
		}
	})
}

// radiusGateway covers NAS devices managed purely through RADIUS dynamic
// authorization (RFC 5176). Grants are established at authentication time by
// the NAS itself, so Provision is Unsupported; Revoke sends a
// Disconnect-Request for the voucher's session.
type radiusGateway struct {
	addr   string
	secret string
}

func (g *radiusGateway) Provision(ctx context.Context, code, secret, clientMAC string, limits Limits) error {
	return newError(Unsupported, "provision", fmt.Errorf("radius NAS grants are established at auth time"))
}

func (g *radiusGateway) Revoke(ctx context.Context, code, clientMAC string) error {
	packet := radius.New(radius.CodeDisconnectRequest, []byte(g.secret))
	if err := rfc2865.UserName_SetString(packet, code); err != nil {
		return newError(Protocol, "revoke", err)
	}
	if clientMAC != "" {
		if err := rfc2865.CallingStationID_SetString(packet, strings.ToUpper(clientMAC)); err != nil {
			return newError(Protocol, "revoke", err)
		}
	}

	resp, err := radius.Exchange(ctx, packet, g.addr)
	if err != nil {
		return newError(Unreachable, "revoke", err)
	}

	switch resp.Code {
	case radius.CodeDisconnectACK:
		return nil
	case radius.CodeDisconnectNAK:
		// Session-not-found NAKs mean the grant is already gone, which is
		// exactly the state revoke wants
		return nil
	default:
		return newError(Protocol, "revoke", fmt.Errorf("unexpected response code %d", resp.Code))
	}
}

func (g *radiusGateway) FetchUsage(ctx context.Context, code, clientMAC string) (Usage, error) {
	// Accounting flows through the RADIUS server, not a poll of the NAS
	return Usage{}, nil
}

func (g *radiusGateway) ProbeReachable(ctx context.Context) bool {
	// A Disconnect-Request for a session that cannot exist; any response,
	// ACK or NAK, proves the NAS answers dynamic-authorization traffic
	packet := radius.New(radius.CodeDisconnectRequest, []byte(g.secret))
	rfc2865.UserName_SetString(packet, "wifivoucher-probe")

	_, err := radius.Exchange(ctx, packet, g.addr)
	return err == nil
}
