package gateway

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/wifivoucher/backend/internal/models"
)

func init() {
	register(models.VendorCisco, func(r *models.Router) Gateway {
		return &ciscoGateway{
			addr:     r.Addr(),
			username: r.Username,
			password: r.Password,
		}
	})
}

// ciscoGateway provisions local credentials on IOS devices over SSH. Usage
// counters are not exposed in a way we can attribute per voucher, so
// FetchUsage always reports no new usage.
type ciscoGateway struct {
	addr     string
	username string
	password string
}

func (g *ciscoGateway) Provision(ctx context.Context, code, secret, clientMAC string, limits Limits) error {
	// Re-running the same username command overwrites the same local user,
	// so a duplicate provision converges to the same device state
	return g.runConfig(ctx, "provision", []string{
		fmt.Sprintf("username %s privilege 0 secret %s", code, secret),
	})
}

func (g *ciscoGateway) Revoke(ctx context.Context, code, clientMAC string) error {
	err := g.runConfig(ctx, "revoke", []string{
		fmt.Sprintf("no username %s", code),
	})
	if err != nil {
		var ge *Error
		if e, ok := err.(*Error); ok {
			ge = e
		}
		// IOS rejects removal of an absent user; that is our success case
		if ge != nil && ge.Kind == Protocol {
			return nil
		}
	}
	return err
}

func (g *ciscoGateway) FetchUsage(ctx context.Context, code, clientMAC string) (Usage, error) {
	return Usage{}, nil
}

func (g *ciscoGateway) ProbeReachable(ctx context.Context) bool {
	client, err := g.dial(ctx)
	if err != nil {
		return false
	}
	client.Close()
	return true
}

func (g *ciscoGateway) runConfig(ctx context.Context, op string, commands []string) error {
	client, err := g.dial(ctx)
	if err != nil {
		return newError(KindOf(err), op, err)
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return newError(Protocol, op, err)
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return newError(Protocol, op, err)
	}

	var output strings.Builder
	session.Stdout = &output
	session.Stderr = &output

	if err := session.RequestPty("vt100", 80, 40, ssh.TerminalModes{}); err != nil {
		return newError(Protocol, op, err)
	}
	if err := session.Shell(); err != nil {
		return newError(Protocol, op, err)
	}

	script := []string{"configure terminal"}
	script = append(script, commands...)
	script = append(script, "end", "exit")
	for _, cmd := range script {
		fmt.Fprintln(stdin, cmd)
	}
	stdin.Close()

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case <-ctx.Done():
		return newError(Unreachable, op, ctx.Err())
	case err := <-done:
		if err != nil {
			return newError(Protocol, op, fmt.Errorf("%v: %s", err, strings.TrimSpace(output.String())))
		}
	}

	if out := output.String(); strings.Contains(out, "% Invalid") || strings.Contains(out, "%Error") {
		return newError(Protocol, op, fmt.Errorf("device rejected command: %s", firstLineMatching(out)))
	}
	return nil
}

func firstLineMatching(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "%") {
			return strings.TrimSpace(line)
		}
	}
	return strings.TrimSpace(out)
}

func (g *ciscoGateway) dial(ctx context.Context) (*ssh.Client, error) {
	timeout := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	conf := &ssh.ClientConfig{
		User:            g.username,
		Auth:            []ssh.AuthMethod{ssh.Password(g.password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	conn, err := net.DialTimeout("tcp", g.addr, timeout)
	if err != nil {
		return nil, newError(Unreachable, "dial", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, g.addr, conf)
	if err != nil {
		conn.Close()
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, newError(AuthRejected, "dial", err)
		}
		return nil, newError(Unreachable, "dial", err)
	}

	// Clear the handshake deadline; per-operation contexts bound the rest
	conn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}
