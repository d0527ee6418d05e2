// Package imapadapter wraps github.com/emersion/go-imap/v2's
// imapclient with the UID/UIDVALIDITY-tracking incremental-fetch
// workflow from spec.md §4.6, adapted from
// _examples/coreseekdev-emx-mail/pkgs/email/imap.go (connection
// lifecycle, message conversion) and
// _examples/original_source/src/imap/imap_client.py (select/search/
// fetch sequencing, UIDVALIDITY capture, header/body truncation).
package imapadapter

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-sasl"

	"github.com/kepler9870u0987/mail-ingestion/internal/apperrors"
	"github.com/kepler9870u0987/mail-ingestion/internal/model"
)

// AuthMode selects how the adapter authenticates to the IMAP server.
type AuthMode int

const (
	AuthPassword AuthMode = iota
	AuthXOAuth2
)

// Config describes one IMAP account connection (spec.md §6).
type Config struct {
	Host     string
	Port     int
	Username string
	Password string // used when Mode == AuthPassword
	Mode     AuthMode
	Tokens   TokenSource // used when Mode == AuthXOAuth2
	UseTLS   bool
}

// Client is a stateful IMAP connection bound to a single selected
// mailbox, mirroring GmailIMAPClient's current_mailbox/current_uidvalidity
// fields.
type Client struct {
	cfg Config

	conn            *imapclient.Client
	selectedMailbox string
	uidValidity     uint64
}

// New constructs a disconnected Client.
func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Connect dials and authenticates, matching imap.go's Connect but
// driven by AuthMode rather than a fixed password login.
func (c *Client) Connect(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	var (
		conn *imapclient.Client
		err  error
	)
	if c.cfg.UseTLS {
		conn, err = imapclient.DialTLS(addr, &imapclient.Options{})
	} else {
		conn, err = imapclient.DialStartTLS(addr, &imapclient.Options{})
	}
	if err != nil {
		return apperrors.TransientIMAP(c.cfg.Host, fmt.Errorf("dial %s: %w", addr, err))
	}

	if err := c.authenticate(ctx, conn); err != nil {
		conn.Close()
		return err
	}

	c.conn = conn
	return nil
}

func (c *Client) authenticate(ctx context.Context, conn *imapclient.Client) error {
	switch c.cfg.Mode {
	case AuthXOAuth2:
		if c.cfg.Tokens == nil {
			return apperrors.Configuration(c.cfg.Host, fmt.Errorf("xoauth2 auth mode requires a TokenSource"))
		}
		token, err := c.cfg.Tokens.AccessToken(ctx)
		if err != nil {
			return apperrors.AuthFailure(c.cfg.Host, err)
		}
		client := sasl.NewXOAuth2Client(c.cfg.Username, token)
		if err := conn.Authenticate(client); err != nil {
			return apperrors.AuthFailure(c.cfg.Host, fmt.Errorf("xoauth2 authenticate: %w", err))
		}
		return nil
	default:
		if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
			return apperrors.AuthFailure(c.cfg.Host, fmt.Errorf("login: %w", err))
		}
		return nil
	}
}

// Close logs out and releases the connection.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.selectedMailbox = ""
	c.uidValidity = 0
	return err
}

// Connected reports whether the adapter currently holds a live connection.
func (c *Client) Connected() bool { return c.conn != nil }

// Ping issues NOOP to keep the connection alive and detect drops.
func (c *Client) Ping() error {
	if c.conn == nil {
		return apperrors.TransientIMAP(c.cfg.Host, fmt.Errorf("not connected"))
	}
	if err := c.conn.Noop().Wait(); err != nil {
		return apperrors.TransientIMAP(c.cfg.Host, err)
	}
	return nil
}

// SelectMailbox selects mailbox and returns its UIDVALIDITY and
// message count, caching both for subsequent calls.
func (c *Client) SelectMailbox(mailbox string) (uidValidity uint64, numMessages uint32, err error) {
	if c.conn == nil {
		return 0, 0, apperrors.TransientIMAP(c.cfg.Host, fmt.Errorf("not connected"))
	}
	data, err := c.conn.Select(mailbox, nil).Wait()
	if err != nil {
		return 0, 0, apperrors.TransientIMAP(c.cfg.Host, fmt.Errorf("select %s: %w", mailbox, err))
	}
	c.selectedMailbox = mailbox
	c.uidValidity = uint64(data.UIDValidity)
	return c.uidValidity, data.NumMessages, nil
}

// UIDsSince returns UIDs strictly greater than lastUID, ascending,
// capped at batchSize (spec.md §4.6 step 2).
func (c *Client) UIDsSince(lastUID uint64, batchSize int) ([]uint64, error) {
	if c.conn == nil || c.selectedMailbox == "" {
		return nil, apperrors.TransientIMAP(c.cfg.Host, fmt.Errorf("no mailbox selected"))
	}

	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{uidRangeFrom(lastUID + 1)},
	}
	data, err := c.conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, apperrors.TransientIMAP(c.cfg.Host, fmt.Errorf("uid search: %w", err))
	}

	uids := make([]uint64, 0, len(data.AllUIDs()))
	for _, u := range data.AllUIDs() {
		uids = append(uids, uint64(u))
	}
	sortUint64(uids)
	if batchSize > 0 && len(uids) > batchSize {
		uids = uids[:batchSize]
	}
	return uids, nil
}

func uidRangeFrom(start uint64) imap.UIDSet {
	var set imap.UIDSet
	set.AddRange(imap.UID(start), 0) // 0 = "*", open-ended range
	return set
}

func sortUint64(s []uint64) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// FetchMessages fetches envelope, headers, and a body preview for each
// UID (spec.md §4.6 step 3), returning one EmailRecord per UID found.
func (c *Client) FetchMessages(uids []uint64) ([]model.EmailRecord, error) {
	if c.conn == nil || c.selectedMailbox == "" {
		return nil, apperrors.TransientIMAP(c.cfg.Host, fmt.Errorf("no mailbox selected"))
	}
	if len(uids) == 0 {
		return nil, nil
	}

	var uidSet imap.UIDSet
	for _, u := range uids {
		uidSet.AddNum(imap.UID(u))
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		RFC822Size:  true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}

	msgs, err := c.conn.Fetch(uidSet, fetchOptions).Collect()
	if err != nil {
		return nil, apperrors.TransientIMAP(c.cfg.Host, fmt.Errorf("fetch: %w", err))
	}

	records := make([]model.EmailRecord, 0, len(msgs))
	for _, buf := range msgs {
		records = append(records, c.toRecord(buf, bodySection))
	}
	return records, nil
}

func (c *Client) toRecord(buf *imapclient.FetchMessageBuffer, bodySection *imap.FetchItemBodySection) model.EmailRecord {
	rec := model.EmailRecord{
		UID:         uint64(buf.UID),
		UIDValidity: c.uidValidity,
		Mailbox:     c.selectedMailbox,
		Size:        buf.RFC822Size,
		Headers:     map[string]string{},
	}

	if env := buf.Envelope; env != nil {
		rec.Subject = env.Subject
		rec.Date = env.Date
		rec.MessageID = env.MessageID
		if len(env.From) > 0 {
			rec.From = env.From[0].Addr()
		}
		for _, a := range env.To {
			rec.To = append(rec.To, a.Addr())
		}
	}
	if rec.MessageID == "" {
		rec.MessageID = fmt.Sprintf("<uid-%d@%s>", rec.UID, c.selectedMailbox)
	}

	raw := buf.FindBodySection(bodySection)
	if raw != nil {
		text, html, headers := parseBody(raw)
		rec.Headers = headers
		rec.BodyTextPreview = model.TruncatePreview(text, model.BodyTextPreviewLimit)
		rec.BodyHTMLPreview = model.TruncatePreview(html, model.BodyHTMLPreviewLimit)
	}

	return rec
}

// parseBody parses a raw RFC 5322 message into a plain-text body, an
// HTML body, and a flattened header map, ported from body.go's
// parseEntityBody/parseMultipart/parseSinglePart.
func parseBody(raw []byte) (text, html string, headers map[string]string) {
	headers = map[string]string{}
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil {
		return string(raw), "", headers
	}
	for field := entity.Header.Fields(); field.Next(); {
		headers[field.Key()] = field.Value()
	}

	if mr := entity.MultipartReader(); mr != nil {
		text, html = collectMultipart(mr, text, html)
		return text, html, headers
	}

	ct, _, _ := entity.Header.ContentType()
	body := readAll(entity)
	if strings.HasPrefix(ct, "text/html") {
		return "", body, headers
	}
	return body, "", headers
}

func collectMultipart(mr gomessage.MultipartReader, text, html string) (string, string) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			break
		}
		ct, _, _ := part.Header.ContentType()
		switch {
		case strings.HasPrefix(ct, "text/plain") && text == "":
			text = readAll(part)
		case strings.HasPrefix(ct, "text/html") && html == "":
			html = readAll(part)
		case strings.HasPrefix(ct, "multipart/"):
			if nested := part.MultipartReader(); nested != nil {
				text, html = collectMultipart(nested, text, html)
			}
		}
	}
	return text, html
}

func readAll(entity *gomessage.Entity) string {
	var buf bytes.Buffer
	buf.ReadFrom(entity.Body)
	return buf.String()
}
