package monitor

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"mellium.im/xmpp/jid"

	"github.com/ralphm/mimir/internal/errors"
	"github.com/ralphm/mimir/internal/feedparser"
	"github.com/ralphm/mimir/internal/pubsub"
	"github.com/ralphm/mimir/internal/session"
)

const newsNodePrefix = "mimir/news/"

// pageNotifyDelay defers a presence-change notification check, giving
// a user's other resources a chance to settle before deciding they're
// newly "online", adapted from mimir.monitor.news.NewsService.onPresenceChange's
// reactor.callLater(5, ...).
const pageNotifyDelay = 5 * time.Second

// NewsService stores published feed entries and notifies subscribers,
// adapted from mimir.monitor.news.NewsService. It implements
// session.MessageHandler (pub-sub item notifications) and is wired to
// a Monitor's presence-change callback to trigger page-visit reminders.
type NewsService struct {
	session.NopHandler
	db      *sql.DB
	manager *session.Manager
	log     *zap.SugaredLogger
}

// NewNewsService builds a NewsService over db, sending notifications
// through manager.
func NewNewsService(db *sql.DB, manager *session.Manager, log *zap.SugaredLogger) *NewsService {
	return &NewsService{db: db, manager: manager, log: log}
}

// HandleItems implements session.MessageHandler: it is invoked for
// every pub-sub items notification, regardless of node, and maps the
// node back to its channel before processing.
func (s *NewsService) HandleItems(notifier jid.JID, node string, items []pubsub.Item) {
	channel := strings.TrimPrefix(node, newsNodePrefix)
	if channel == node {
		return
	}
	if err := s.Process(context.Background(), channel, items); err != nil {
		s.log.Errorw("failed to process news items", "channel", channel, "error", err)
	}
}

// OnPresenceChange implements the PresenceCallback signature so a
// NewsService can be registered directly with a Monitor, adapted from
// NewsService.onPresenceChange.
func (s *NewsService) OnPresenceChange(ctx context.Context, bareJID string, available bool, show string) {
	if available {
		switch show {
		case "away", "xa", "dnd", "chat":
		default:
			show = "online"
		}
	} else {
		show = "offline"
	}

	s.log.Debugw("presence change, scheduling page-notify check", "jid", bareJID, "show", show)
	time.AfterFunc(pageNotifyDelay, func() {
		if err := s.pageNotify(context.Background(), bareJID, show); err != nil && !errors.Is(err, errNoNotify) {
			s.log.Errorw("page-notify check failed", "jid", bareJID, "error", err)
		}
	})
}

// errNoNotify marks "nothing to notify about", the Go counterpart of
// the source's NoNotify exception used to short-circuit the pipeline.
var errNoNotify = errors.New("monitor: nothing to notify")

type notifyCandidate struct {
	userID      int64
	messageType string
	ssl         bool
	count       int
}

// pageNotify implements NewsService.pageNotify/_checkNotify/_doNotify/_setNotified:
// check whether bareJID, now in presence state show, has unread news
// since their last page visit, and if so send one reminder message
// and mark them notified so they aren't reminded again until Process
// stores a new item for them and clears the flag.
func (s *NewsService) pageNotify(ctx context.Context, bareJID, show string) error {
	return runInTx(ctx, s.db, func(tx *sql.Tx) error {
		candidate, err := s.checkNotify(ctx, tx, bareJID, show)
		if err != nil {
			return err
		}

		link := "http://mimir.ik.nu/news"
		if candidate.ssl {
			link = "https://mimir.ik.nu/news"
		}
		description := "There is 1 new item on your news page"
		if candidate.count != 1 {
			description = fmt.Sprintf("There are %d new items on your news page", candidate.count)
		}

		if err := s.sendNotification(ctx, bareJID, true, candidate.messageType,
			"New news on Mimír!", link, description); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `UPDATE news_page SET notified = 1 WHERE user_id = ?`, candidate.userID)
		return errors.Wrap(err, "mark user notified")
	})
}

func (s *NewsService) checkNotify(ctx context.Context, tx *sql.Tx, bareJID, show string) (notifyCandidate, error) {
	var c notifyCandidate
	var ssl int
	err := tx.QueryRowContext(ctx, `SELECT au.user_id, np.message_type, np.ssl, COUNT(n.news_id)
		FROM auth_user au
		JOIN news_prefs np ON np.user_id = au.user_id
		JOIN news_notify nn ON nn.user_id = au.user_id
		JOIN news_notify_presences npp ON npp.user_id = au.user_id
		JOIN news_page pg ON pg.user_id = au.user_id
		JOIN news_flags nf ON nf.user_id = au.user_id
		JOIN news n ON n.news_id = nf.news_id
		WHERE nn.jid = ? AND np.suspended = 0 AND npp.presence = ?
		  AND pg.notified = 0 AND nf.unread = 1 AND n.date > pg.last_visit
		GROUP BY au.user_id, np.message_type, np.ssl`, bareJID, show).
		Scan(&c.userID, &c.messageType, &ssl, &c.count)
	switch {
	case err == sql.ErrNoRows:
		return notifyCandidate{}, errNoNotify
	case err != nil:
		return notifyCandidate{}, errors.Wrap(err, "check notify")
	}
	c.ssl = ssl != 0
	return c, nil
}

// Process stores items published to channel and notifies or marks
// unread for every subscriber, adapted from NewsService.process/_processItems.
func (s *NewsService) Process(ctx context.Context, channel string, items []pubsub.Item) error {
	if len(items) == 0 {
		return nil
	}

	result, err := feedparser.Parse(bytes.NewReader(wrapAsFeed(items)))
	if err != nil {
		return errors.Wrapf(err, "parse published items for %s", channel)
	}

	return runInTx(ctx, s.db, func(tx *sql.Tx) error {
		title, err := s.channelTitle(ctx, tx, channel)
		if err != nil {
			return err
		}

		subscribers, err := s.notifyList(ctx, tx, channel)
		if err != nil {
			return err
		}

		var toNotify []subscriber
		var markUnread []int64
		for _, sub := range subscribers {
			if sub.notify && sub.notifyItems {
				toNotify = append(toNotify, sub)
			} else if sub.storeOffline {
				markUnread = append(markUnread, sub.userID)
			}
		}

		for _, entry := range result.Entries {
			newsID, inserted, err := s.storeItem(ctx, tx, channel, entry)
			if err != nil {
				return err
			}
			if !inserted {
				continue
			}
			for _, userID := range markUnread {
				if _, err := tx.ExecContext(ctx, `INSERT INTO news_flags (user_id, news_id, unread) VALUES (?, ?, 1)`, userID, newsID); err != nil {
					return errors.Wrap(err, "mark item unread")
				}
				if _, err := tx.ExecContext(ctx, `UPDATE news_page SET notified = 0 WHERE user_id = ?`, userID); err != nil {
					return errors.Wrap(err, "reset page notified flag")
				}
			}
			for _, sub := range toNotify {
				if err := s.notifyEntry(ctx, title, entry, sub); err != nil {
					s.log.Errorw("failed to notify subscriber", "jid", sub.jid, "error", err)
				}
			}
		}
		return nil
	})
}

func (s *NewsService) channelTitle(ctx context.Context, tx *sql.Tx, channel string) (string, error) {
	var title string
	err := tx.QueryRowContext(ctx, `SELECT title FROM channels WHERE channel = ?`, channel).Scan(&title)
	switch {
	case err == sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `INSERT INTO channels (channel, title) VALUES (?, ?)`, channel, channel); err != nil {
			return "", errors.Wrap(err, "create channel")
		}
		return channel, nil
	case err != nil:
		return "", errors.Wrap(err, "look up channel title")
	}
	return title, nil
}

type subscriber struct {
	userID       int64
	jid          string
	notify       bool
	descInNotify bool
	messageType  string
	storeOffline bool
	notifyItems  bool
}

func (s *NewsService) notifyList(ctx context.Context, tx *sql.Tx, channel string) ([]subscriber, error) {
	rows, err := tx.QueryContext(ctx, `SELECT np.user_id, nn.jid, ns.notify, ns.description_in_notify,
			np.message_type, ns.store_offline, ns.notify_items
		FROM news_prefs np
		JOIN news_subscriptions ns ON ns.user_id = np.user_id
		JOIN news_notify nn ON nn.user_id = np.user_id
		WHERE np.suspended = 0 AND ns.channel = ?`, channel)
	if err != nil {
		return nil, errors.Wrap(err, "list subscribers")
	}
	defer rows.Close()

	var subs []subscriber
	for rows.Next() {
		var sub subscriber
		var notify, descInNotify, storeOffline, notifyItems int
		if err := rows.Scan(&sub.userID, &sub.jid, &notify, &descInNotify, &sub.messageType, &storeOffline, &notifyItems); err != nil {
			return nil, errors.Wrap(err, "scan subscriber")
		}
		sub.notify = notify != 0
		sub.descInNotify = descInNotify != 0
		sub.storeOffline = storeOffline != 0
		sub.notifyItems = notifyItems != 0
		subs = append(subs, sub)
	}
	return subs, errors.Wrap(rows.Err(), "iterate subscribers")
}

// storeItem upserts entry under (channel, link), returning the new
// news_id when it was an insert; an update returns inserted=false,
// mirroring _storeItem's rowcount-based INSERT/UPDATE branch.
func (s *NewsService) storeItem(ctx context.Context, tx *sql.Tx, channel string, entry feedparser.Entry) (int64, bool, error) {
	title, link, description, date := extractBasics(entry)

	parsed, err := json.Marshal(entry)
	if err != nil {
		return 0, false, errors.Wrap(err, "marshal entry")
	}

	res, err := tx.ExecContext(ctx, `UPDATE news SET title = ?, description = ?, date = ?, parsed = ?
		WHERE channel = ? AND link = ?`, title, description, date, parsed, channel, link)
	if err != nil {
		return 0, false, errors.Wrap(err, "update news item")
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 1 {
		return 0, false, nil
	}

	ins, err := tx.ExecContext(ctx, `INSERT INTO news (channel, title, link, description, date, parsed)
		VALUES (?, ?, ?, ?, ?, ?)`, channel, title, link, description, date, parsed)
	if err != nil {
		return 0, false, errors.Wrap(err, "insert news item")
	}
	id, err := ins.LastInsertId()
	return id, true, errors.Wrap(err, "read inserted news id")
}

func extractBasics(entry feedparser.Entry) (title, link, description, date string) {
	title = entry.Title
	link = entry.Link

	switch {
	case entry.Content != nil:
		description = entry.Content.Value
	case entry.Summary != nil:
		description = entry.Summary.Value
	}

	when := entry.Updated
	if when == nil {
		when = entry.Published
	}
	if when == nil {
		when = entry.Created
	}
	if when != nil {
		date = when.UTC().Format("2006-01-02 15:04:05z")
	} else {
		date = time.Now().UTC().Format("2006-01-02 15:04:05z")
	}
	return
}

func (s *NewsService) notifyEntry(ctx context.Context, channelTitle string, entry feedparser.Entry, sub subscriber) error {
	title := fmt.Sprintf("%s: %s", channelTitle, entry.Title)
	description := ""
	if sub.descInNotify && entry.Summary != nil {
		description = entry.Summary.Value
	}
	return s.sendNotification(ctx, sub.jid, sub.descInNotify, sub.messageType, title, entry.Link, description)
}

type notificationMessage struct {
	XMLName xml.Name `xml:"message"`
	To      string   `xml:"to,attr"`
	From    string   `xml:"from,attr,omitempty"`
	Type    string   `xml:"type,attr"`
	Subject string   `xml:"subject,omitempty"`
	Body    string   `xml:"body,omitempty"`
	OOB     *oobx    `xml:"jabber:x:oob x,omitempty"`
}

type oobx struct {
	URL  string `xml:"url"`
	Desc string `xml:"desc"`
}

// sendNotification builds and sends a chat or headline notification,
// adapted from XMPPHandlerFromService.sendNotification.
func (s *NewsService) sendNotification(ctx context.Context, to string, includeDescription bool, messageType, title, link, description string) error {
	msg := notificationMessage{To: to, Type: messageType}

	if messageType == "headline" {
		msg.Subject = title
		if description != "" {
			msg.Body = description
		}
		msg.OOB = &oobx{URL: link, Desc: title}
	} else {
		body := title + "\n" + link
		if description != "" && includeDescription {
			body += "\n\n" + description + "\n\n"
		}
		msg.Body = body
	}

	return s.manager.Send(ctx, msg)
}

// wrapAsFeed wraps raw Atom <entry> item payloads in a synthetic
// <feed> document so internal/feedparser can normalize them the same
// way it normalizes a freshly-fetched document, mirroring the
// source's domish-wrap-then-feedparser.parse trick in _processItems.
func wrapAsFeed(items []pubsub.Item) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<feed xmlns="http://www.w3.org/2005/Atom">`)
	for _, item := range items {
		buf.Write(item.Payload)
	}
	buf.WriteString(`</feed>`)
	return buf.Bytes()
}
