package gateway

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/wifivoucher/backend/internal/models"
)

func init() {
	register(models.VendorMikrotik, func(r *models.Router) Gateway {
		return &mikrotikGateway{
			addr:     r.Addr(),
			username: r.Username,
			password: r.Password,
			profile:  r.HotspotProfile,
		}
	})
}

// mikrotikGateway manages hotspot users over the RouterOS binary API.
// Grants are keyed by voucher code (hotspot username), which is what makes
// provision/revoke idempotent on the device side.
type mikrotikGateway struct {
	addr     string
	username string
	password string
	profile  string
}

func (g *mikrotikGateway) Provision(ctx context.Context, code, secret, clientMAC string, limits Limits) error {
	conn, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.close()

	// De-duplicate by username: an existing grant means a previous attempt
	// already applied
	existing, err := conn.command("/ip/hotspot/user/print", "?name="+code)
	if err != nil {
		return wrapRouterOS("provision", err)
	}
	if len(existing) > 0 {
		return nil
	}

	words := []string{
		"/ip/hotspot/user/add",
		"=name=" + code,
		"=password=" + secret,
	}
	if g.profile != "" {
		words = append(words, "=profile="+g.profile)
	}
	if limits.Duration > 0 {
		words = append(words, "=limit-uptime="+formatUptime(limits.Duration))
	}
	if limits.DataLimitBytes > 0 {
		words = append(words, "=limit-bytes-total="+strconv.FormatInt(limits.DataLimitBytes, 10))
	}
	if clientMAC != "" {
		words = append(words, "=mac-address="+clientMAC)
	}

	if _, err := conn.command(words...); err != nil {
		return wrapRouterOS("provision", err)
	}
	return nil
}

func (g *mikrotikGateway) Revoke(ctx context.Context, code, clientMAC string) error {
	conn, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.close()

	// Kick the live session first so the client loses access immediately
	active, err := conn.command("/ip/hotspot/active/print", "?user="+code)
	if err != nil {
		return wrapRouterOS("revoke", err)
	}
	for _, row := range active {
		if id := row[".id"]; id != "" {
			if _, err := conn.command("/ip/hotspot/active/remove", "=.id="+id); err != nil {
				return wrapRouterOS("revoke", err)
			}
		}
	}

	users, err := conn.command("/ip/hotspot/user/print", "?name="+code)
	if err != nil {
		return wrapRouterOS("revoke", err)
	}
	// Absent grant is a success, not an error
	for _, row := range users {
		if id := row[".id"]; id != "" {
			if _, err := conn.command("/ip/hotspot/user/remove", "=.id="+id); err != nil {
				return wrapRouterOS("revoke", err)
			}
		}
	}
	return nil
}

func (g *mikrotikGateway) FetchUsage(ctx context.Context, code, clientMAC string) (Usage, error) {
	conn, err := g.dial(ctx)
	if err != nil {
		return Usage{}, err
	}
	defer conn.close()

	users, err := conn.command("/ip/hotspot/user/print", "?name="+code)
	if err != nil {
		return Usage{}, wrapRouterOS("usage", err)
	}
	if len(users) == 0 {
		// No grant on this device: no new usage observed
		return Usage{}, nil
	}

	row := users[0]
	in, _ := strconv.ParseInt(row["bytes-in"], 10, 64)
	out, _ := strconv.ParseInt(row["bytes-out"], 10, 64)
	return Usage{Bytes: in + out, Observed: true}, nil
}

func (g *mikrotikGateway) ProbeReachable(ctx context.Context) bool {
	conn, err := g.dial(ctx)
	if err != nil {
		return false
	}
	conn.close()
	return true
}

func (g *mikrotikGateway) dial(ctx context.Context) (*routerosConn, error) {
	d := net.Dialer{}
	nc, err := d.DialContext(ctx, "tcp", g.addr)
	if err != nil {
		return nil, newError(Unreachable, "dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		nc.SetDeadline(deadline)
	}

	conn := &routerosConn{conn: nc}
	if err := conn.login(g.username, g.password); err != nil {
		conn.close()
		return nil, err
	}
	return conn, nil
}

func wrapRouterOS(op string, err error) error {
	var ge *Error
	if e, ok := err.(*Error); ok {
		ge = e
	}
	if ge != nil {
		return newError(ge.Kind, op, ge.Err)
	}
	if isTimeout(err) {
		return newError(Unreachable, op, err)
	}
	return newError(Protocol, op, err)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// formatUptime renders a duration the way RouterOS expects (e.g. 1d2h30m)
func formatUptime(d time.Duration) string {
	d = d.Round(time.Second)
	var b strings.Builder
	if days := int(d.Hours()) / 24; days > 0 {
		fmt.Fprintf(&b, "%dd", days)
		d -= time.Duration(days) * 24 * time.Hour
	}
	if h := int(d.Hours()); h > 0 {
		fmt.Fprintf(&b, "%dh", h)
		d -= time.Duration(h) * time.Hour
	}
	if m := int(d.Minutes()); m > 0 {
		fmt.Fprintf(&b, "%dm", m)
		d -= time.Duration(m) * time.Minute
	}
	if s := int(d.Seconds()); s > 0 || b.Len() == 0 {
		fmt.Fprintf(&b, "%ds", s)
	}
	return b.String()
}

// routerosConn speaks the RouterOS API sentence protocol: length-prefixed
// words grouped into sentences, replies terminated by !done
type routerosConn struct {
	conn net.Conn
}

func (c *routerosConn) close() {
	c.conn.Close()
}

// login authenticates with the post-6.43 plain scheme and falls back to the
// old MD5 challenge-response when the router replies with =ret=
func (c *routerosConn) login(username, password string) error {
	if err := c.writeSentence("/login", "=name="+username, "=password="+password); err != nil {
		return newError(Unreachable, "login", err)
	}

	words, err := c.readReply()
	if err != nil {
		return wrapRouterOS("login", err)
	}

	for _, word := range words {
		if strings.HasPrefix(word, "!trap") {
			return newError(AuthRejected, "login", fmt.Errorf("invalid credentials"))
		}
		if strings.HasPrefix(word, "=ret=") {
			return c.challengeLogin(username, password, strings.TrimPrefix(word, "=ret="))
		}
	}
	return nil
}

func (c *routerosConn) challengeLogin(username, password, challenge string) error {
	challengeBytes, err := hex.DecodeString(challenge)
	if err != nil {
		return newError(Protocol, "login", err)
	}

	// MD5(0x00 + password + challenge)
	h := md5.New()
	h.Write([]byte{0})
	h.Write([]byte(password))
	h.Write(challengeBytes)
	response := hex.EncodeToString(h.Sum(nil))

	if err := c.writeSentence("/login", "=name="+username, "=response=00"+response); err != nil {
		return newError(Unreachable, "login", err)
	}

	words, err := c.readReply()
	if err != nil {
		return wrapRouterOS("login", err)
	}
	for _, word := range words {
		if strings.HasPrefix(word, "!trap") {
			return newError(AuthRejected, "login", fmt.Errorf("invalid credentials"))
		}
	}
	return nil
}

// command runs one API sentence and parses !re rows into key/value maps.
// A !trap reply is returned as a Protocol error carrying the trap message.
func (c *routerosConn) command(words ...string) ([]map[string]string, error) {
	if err := c.writeSentence(words...); err != nil {
		return nil, newError(Unreachable, "write", err)
	}

	reply, err := c.readReply()
	if err != nil {
		return nil, err
	}

	var rows []map[string]string
	current := make(map[string]string)
	for _, word := range reply {
		switch {
		case word == "!re":
			if len(current) > 0 {
				rows = append(rows, current)
				current = make(map[string]string)
			}
		case strings.HasPrefix(word, "!trap"):
			return nil, newError(Protocol, "command", fmt.Errorf("trap: %s", trapMessage(reply)))
		case strings.HasPrefix(word, "="):
			parts := strings.SplitN(word[1:], "=", 2)
			if len(parts) == 2 {
				current[parts[0]] = parts[1]
			} else if len(parts) == 1 {
				current[parts[0]] = ""
			}
		case word == "!done":
			if len(current) > 0 {
				rows = append(rows, current)
				current = make(map[string]string)
			}
		}
	}
	return rows, nil
}

func trapMessage(words []string) string {
	for _, w := range words {
		if strings.HasPrefix(w, "=message=") {
			return strings.TrimPrefix(w, "=message=")
		}
	}
	return "unspecified"
}

// writeSentence sends the words followed by the empty terminator word
func (c *routerosConn) writeSentence(words ...string) error {
	for _, w := range words {
		if err := c.writeWord(w); err != nil {
			return err
		}
	}
	return c.writeWord("")
}

func (c *routerosConn) writeWord(word string) error {
	if _, err := c.conn.Write(encodeLength(len(word))); err != nil {
		return err
	}
	if len(word) > 0 {
		if _, err := c.conn.Write([]byte(word)); err != nil {
			return err
		}
	}
	return nil
}

func encodeLength(length int) []byte {
	switch {
	case length < 0x80:
		return []byte{byte(length)}
	case length < 0x4000:
		return []byte{byte((length >> 8) | 0x80), byte(length)}
	case length < 0x200000:
		return []byte{byte((length >> 16) | 0xC0), byte(length >> 8), byte(length)}
	case length < 0x10000000:
		return []byte{byte((length >> 24) | 0xE0), byte(length >> 16), byte(length >> 8), byte(length)}
	default:
		return []byte{0xF0, byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}
	}
}

// readReply reads words until the sentence terminator after !done
func (c *routerosConn) readReply() ([]string, error) {
	var words []string
	gotDone := false

	for {
		word, err := c.readWord()
		if err != nil {
			if err == io.EOF {
				break
			}
			if isTimeout(err) {
				return words, newError(Unreachable, "read", err)
			}
			return words, newError(Protocol, "read", err)
		}

		// Empty word ends the current sentence; the reply ends after !done
		if word == "" {
			if gotDone {
				break
			}
			continue
		}

		words = append(words, word)

		if word == "!done" {
			gotDone = true
		}
	}

	return words, nil
}

func (c *routerosConn) readWord() (string, error) {
	length, err := c.readLength()
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}

	word := make([]byte, length)
	if _, err := io.ReadFull(c.conn, word); err != nil {
		return "", err
	}
	return string(word), nil
}

func (c *routerosConn) readLength() (int, error) {
	b := make([]byte, 1)
	if _, err := io.ReadFull(c.conn, b); err != nil {
		return 0, err
	}

	first := b[0]
	switch {
	case first < 0x80:
		return int(first), nil
	case first < 0xC0:
		if _, err := io.ReadFull(c.conn, b); err != nil {
			return 0, err
		}
		return int(first&0x3F)<<8 | int(b[0]), nil
	case first < 0xE0:
		extra := make([]byte, 2)
		if _, err := io.ReadFull(c.conn, extra); err != nil {
			return 0, err
		}
		return int(first&0x1F)<<16 | int(extra[0])<<8 | int(extra[1]), nil
	case first < 0xF0:
		extra := make([]byte, 3)
		if _, err := io.ReadFull(c.conn, extra); err != nil {
			return 0, err
		}
		return int(first&0x0F)<<24 | int(extra[0])<<16 | int(extra[1])<<8 | int(extra[2]), nil
	default:
		extra := make([]byte, 4)
		if _, err := io.ReadFull(c.conn, extra); err != nil {
			return 0, err
		}
		return int(extra[0])<<24 | int(extra[1])<<16 | int(extra[2])<<8 | int(extra[3]), nil
	}
}
