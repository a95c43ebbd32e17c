package session

import (
	"context"
	"net"

	"mellium.im/xmpp"
	"mellium.im/xmpp/component"
	"mellium.im/xmpp/jid"

	"github.com/ralphm/mimir/internal/errors"
)

// ComponentConfig is everything needed to dial an XMPP component
// connection to a router (e.g. Prosody's mod_component, or ejabberd's
// external component listener), the component-mode equivalent of
// mimir.common.client.Client's SRVConnector-based setup.
type ComponentConfig struct {
	// Addr is the router's component port, host:port.
	Addr string
	// Domain is the component's own JID, e.g. "mimir-news.example.org".
	Domain string
	// Secret authenticates the component to the router.
	Secret string
}

// Component dials a fresh TCP connection and negotiates the component
// handshake on every reconnect attempt, satisfying Dialer.
type Component struct {
	cfg ComponentConfig
}

// NewComponent builds a Dialer for cfg.
func NewComponent(cfg ComponentConfig) *Component {
	return &Component{cfg: cfg}
}

// Dial opens a new TCP connection to cfg.Addr and negotiates the
// component stream, returning a fresh *xmpp.Session each call.
func (c *Component) Dial(ctx context.Context) (*xmpp.Session, error) {
	domain, err := jid.Parse(c.cfg.Domain)
	if err != nil {
		return nil, errors.Wrapf(err, "session: parse component domain %q", c.cfg.Domain)
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "session: dial component router %q", c.cfg.Addr)
	}

	sess, err := component.NewSession(ctx, domain, c.cfg.Secret, conn)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "session: negotiate component handshake")
	}
	return sess, nil
}
