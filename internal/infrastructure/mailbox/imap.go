package mailbox

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"NewsDigest/internal/config"
	"NewsDigest/internal/domain"
	"NewsDigest/internal/ports"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	Move(numSet imap.NumSet, mailbox string) moveWaiter
	UIDExpunge(uids imap.UIDSet) closer
	SetDeadline(t time.Time) error
}

type closer interface{ Close() error }

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type moveWaiter interface {
	Wait() (*imapclient.MoveData, error)
}

// Gateway opens IMAP sessions for intake and hands outbound mail to the SMTP sender.
type Gateway struct {
	cfg       config.IMAPConfig
	sender    *SMTPSender
	logger    *slog.Logger
	newClient func(context.Context, config.IMAPConfig) (imapClient, error)
}

var _ ports.MailboxOpener = (*Gateway)(nil)

// Option customizes the gateway.
type Option func(*Gateway)

// WithLogger overrides the gateway logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

func withIMAPClientFactory(factory func(context.Context, config.IMAPConfig) (imapClient, error)) Option {
	return func(g *Gateway) {
		g.newClient = factory
	}
}

// NewGateway wires IMAP intake with SMTP delivery.
func NewGateway(cfg config.IMAPConfig, sender *SMTPSender, opts ...Option) *Gateway {
	if cfg.Mailbox == "" {
		cfg.Mailbox = "INBOX"
	}
	if cfg.ArchiveMailbox == "" {
		cfg.ArchiveMailbox = "Archive"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	g := &Gateway{cfg: cfg, sender: sender, logger: slog.Default()}
	g.newClient = defaultClientFactory
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "mailbox")
	return g
}

// Open logs in and selects the intake mailbox. Every job gets its own session.
func (g *Gateway) Open(ctx context.Context) (ports.Mailbox, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if g.cfg.Username == "" || g.cfg.Password == "" {
		return nil, errors.New("imap credentials missing")
	}

	client, err := g.newClient(ctx, g.cfg)
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}
	err = g.bounded(ctx, client, func() error {
		return client.Login(g.cfg.Username, g.cfg.Password).Wait()
	})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap auth: %w", err)
	}

	s := &session{gateway: g, client: client}
	if err := s.selectMailbox(ctx, g.cfg.Mailbox); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// bounded runs one command under the command timeout, or the ctx deadline when sooner.
// Cancelling ctx mid-command expires the socket deadline and leaves the client unusable.
func (g *Gateway) bounded(ctx context.Context, client imapClient, op func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(g.cfg.CommandTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = client.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = client.SetDeadline(time.Now())
	})

	err := op()
	if stop() {
		_ = client.SetDeadline(time.Time{})
	}
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ctx.Err(), err)
	}
	return err
}

type session struct {
	gateway  *Gateway
	client   imapClient
	selected string
}

var _ ports.Mailbox = (*session)(nil)

func (s *session) selectMailbox(ctx context.Context, name string) error {
	if s.selected == name {
		return nil
	}
	err := s.do(ctx, func() error {
		_, err := s.client.Select(name, nil).Wait()
		return err
	})
	if err != nil {
		return fmt.Errorf("imap select %s: %w", name, err)
	}
	s.selected = name
	return nil
}

func (s *session) do(ctx context.Context, op func() error) error {
	return s.gateway.bounded(ctx, s.client, op)
}

// ListMessages searches the intake (or archive) mailbox. Results are newest first.
func (s *session) ListMessages(ctx context.Context, filter domain.ListFilter) ([]domain.MessageStub, error) {
	mailbox := s.gateway.cfg.Mailbox
	if filter.Archived != nil && *filter.Archived {
		mailbox = s.gateway.cfg.ArchiveMailbox
	}
	if err := s.selectMailbox(ctx, mailbox); err != nil {
		return nil, err
	}

	var data *imap.SearchData
	err := s.do(ctx, func() error {
		var err error
		data, err = s.client.UIDSearch(searchCriteria(filter), nil).Wait()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := data.AllUIDs()
	sort.Slice(uids, func(i, j int) bool { return uids[i] > uids[j] })

	limit := 0
	for _, n := range []int{filter.MaxResults, filter.LimitNewest} {
		if n > 0 && (limit == 0 || n < limit) {
			limit = n
		}
	}
	if limit > 0 && len(uids) > limit {
		uids = uids[:limit]
	}

	out := make([]domain.MessageStub, len(uids))
	for i, uid := range uids {
		out[i] = domain.MessageStub{ID: strconv.FormatUint(uint64(uid), 10)}
	}
	return out, nil
}

// ParseMessage fetches the full body without setting \Seen.
func (s *session) ParseMessage(ctx context.Context, id string) (domain.Message, error) {
	uid, err := parseUID(id)
	if err != nil {
		return domain.Message{}, err
	}

	section := &imap.FetchItemBodySection{Peek: true}
	var bufs []*imapclient.FetchMessageBuffer
	err = s.do(ctx, func() error {
		var err error
		bufs, err = s.client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
			UID:          true,
			Flags:        true,
			InternalDate: true,
			BodySection:  []*imap.FetchItemBodySection{section},
		}).Collect()
		return err
	})
	if err != nil {
		return domain.Message{}, fmt.Errorf("imap fetch %s: %w", id, err)
	}
	if len(bufs) == 0 {
		return domain.Message{}, fmt.Errorf("imap fetch %s: message not found", id)
	}

	buf := bufs[0]
	body := buf.FindBodySection(section)
	if body == nil {
		return domain.Message{}, fmt.Errorf("imap fetch %s: empty body", id)
	}
	return parseRaw(id, body, keywords(buf.Flags), buf.InternalDate)
}

// UpdateMessageState maps labels to IMAP keywords and read state to \Seen.
func (s *session) UpdateMessageState(ctx context.Context, id string, change domain.StateChange) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}

	add := toFlags(change.AddLabels)
	remove := toFlags(change.RemoveLabels)
	if change.Read != nil {
		if *change.Read {
			add = append(add, imap.FlagSeen)
		} else {
			remove = append(remove, imap.FlagSeen)
		}
	}

	set := imap.UIDSetNum(uid)
	if len(add) > 0 {
		op := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: add}
		if err := s.do(ctx, func() error { return s.client.Store(set, op, nil).Close() }); err != nil {
			return fmt.Errorf("imap store %s: %w", id, err)
		}
	}
	if len(remove) > 0 {
		op := &imap.StoreFlags{Op: imap.StoreFlagsDel, Silent: true, Flags: remove}
		if err := s.do(ctx, func() error { return s.client.Store(set, op, nil).Close() }); err != nil {
			return fmt.Errorf("imap store %s: %w", id, err)
		}
	}
	return nil
}

// ArchiveMessage moves the message out of the intake mailbox.
func (s *session) ArchiveMessage(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	err = s.do(ctx, func() error {
		_, err := s.client.Move(imap.UIDSetNum(uid), s.gateway.cfg.ArchiveMailbox).Wait()
		return err
	})
	if err != nil {
		return fmt.Errorf("imap move %s to %s: %w", id, s.gateway.cfg.ArchiveMailbox, err)
	}
	return nil
}

// DeleteMessage flags the message \Deleted and expunges only that UID.
func (s *session) DeleteMessage(ctx context.Context, id string) error {
	uid, err := parseUID(id)
	if err != nil {
		return err
	}
	set := imap.UIDSetNum(uid)
	op := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}
	if err := s.do(ctx, func() error { return s.client.Store(set, op, nil).Close() }); err != nil {
		return fmt.Errorf("imap flag deleted %s: %w", id, err)
	}
	if err := s.do(ctx, func() error { return s.client.UIDExpunge(set).Close() }); err != nil {
		return fmt.Errorf("imap expunge %s: %w", id, err)
	}
	return nil
}

// SendHTML delivers through the configured SMTP relay.
func (s *session) SendHTML(ctx context.Context, to, subject, html string) (string, error) {
	if s.gateway.sender == nil {
		return "", errors.New("smtp sender not configured")
	}
	return s.gateway.sender.Send(ctx, to, subject, html)
}

func (s *session) Close() error {
	err := s.do(context.Background(), func() error { return s.client.Logout().Wait() })
	if err != nil {
		s.gateway.logger.Debug("imap logout failed", "error", err)
	}
	return s.client.Close()
}

func searchCriteria(filter domain.ListFilter) *imap.SearchCriteria {
	criteria := &imap.SearchCriteria{
		Since:  filter.Since,
		Before: filter.Until,
	}
	if filter.Read != nil {
		if *filter.Read {
			criteria.Flag = append(criteria.Flag, imap.FlagSeen)
		} else {
			criteria.NotFlag = append(criteria.NotFlag, imap.FlagSeen)
		}
	}
	criteria.Flag = append(criteria.Flag, toFlags(filter.IncludeLabels)...)
	criteria.NotFlag = append(criteria.NotFlag, toFlags(filter.ExcludeLabels)...)
	if filter.Sender != "" {
		criteria.Header = append(criteria.Header, imap.SearchCriteriaHeaderField{
			Key:   "From",
			Value: domain.ExtractAddress(filter.Sender),
		})
	}
	return criteria
}

func toFlags(labels []string) []imap.Flag {
	out := make([]imap.Flag, 0, len(labels))
	for _, l := range labels {
		l = strings.TrimSpace(l)
		if l != "" {
			out = append(out, imap.Flag(l))
		}
	}
	return out
}

// keywords drops system flags (\Seen, \Flagged, ...) and keeps user labels.
func keywords(flags []imap.Flag) []string {
	var out []string
	for _, f := range flags {
		if !strings.HasPrefix(string(f), `\`) {
			out = append(out, string(f))
		}
	}
	return out
}

func parseUID(id string) (imap.UID, error) {
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil || n == 0 {
		return 0, fmt.Errorf("invalid message id %q", id)
	}
	return imap.UID(n), nil
}

func defaultClientFactory(ctx context.Context, cfg config.IMAPConfig) (imapClient, error) {
	if cfg.Host == "" {
		return nil, errors.New("imap host missing")
	}
	port := cfg.Port
	if port == 0 {
		if cfg.TLS {
			port = 993
		} else {
			port = 143
		}
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: cfg.DialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	bounded := &boundedConn{Conn: raw}
	var conn net.Conn = bounded
	if cfg.TLS {
		tlsConn := tls.Client(bounded, &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12})
		hctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		err := tlsConn.HandshakeContext(hctx)
		cancel()
		if err != nil {
			_ = raw.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsConn
	}
	return &imapClientWrapper{Client: imapclient.New(conn, &imapclient.Options{}), conn: bounded}, nil
}

type imapClientWrapper struct {
	*imapclient.Client
	conn *boundedConn
}

func (w *imapClientWrapper) SetDeadline(t time.Time) error { return w.conn.Limit(t) }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) Move(numSet imap.NumSet, mailbox string) moveWaiter {
	return w.Client.Move(numSet, mailbox)
}
func (w *imapClientWrapper) UIDExpunge(uids imap.UIDSet) closer {
	return w.Client.UIDExpunge(uids)
}
