package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// SessionState is the lifecycle state of an account's upstream session.
type SessionState string

// Session states. Only SessionOnline makes an account eligible for job runners.
const (
	SessionOffline   SessionState = "offline"
	SessionLoggingIn SessionState = "logging_in"
	SessionOnline    SessionState = "online"
	SessionExpired   SessionState = "expired"
)

// Valid reports whether s is one of the known states.
func (s SessionState) Valid() bool {
	switch s {
	case SessionOffline, SessionLoggingIn, SessionOnline, SessionExpired:
		return true
	default:
		return false
	}
}

// Session couples a session state with the token it refers to. Construct it via
// OfflineSession, OnlineSession or ExpiredSession so that an online session
// always carries a token.
type Session struct {
	State SessionState `json:"state"`
	Token string       `json:"-"`
}

// OfflineSession is a session without a token.
func OfflineSession() Session {
	return Session{State: SessionOffline}
}

// OnlineSession wraps a token accepted by the upstream login endpoint. An empty
// token yields an offline session.
func OnlineSession(token string) Session {
	if token == "" {
		return OfflineSession()
	}
	return Session{State: SessionOnline, Token: token}
}

// ExpiredSession keeps a token that the upstream service has rejected so the
// health monitor can probe it later.
func ExpiredSession(token string) Session {
	if token == "" {
		return OfflineSession()
	}
	return Session{State: SessionExpired, Token: token}
}

// Online reports whether the session is live.
func (s Session) Online() bool {
	return s.State == SessionOnline && s.Token != ""
}

// HasToken reports whether a token is held.
func (s Session) HasToken() bool {
	return s.Token != ""
}

// Account is a credential used to open sessions with the upstream service.
type Account struct {
	Username  string    `json:"username"`
	Password  string    `json:"-"`
	Active    bool      `json:"is_active"`
	Session   Session   `json:"session"`
	CreatedAt time.Time `json:"created_at"`
}

// Online mirrors the derived is_online flag.
func (a Account) Online() bool {
	return a.Session.Online()
}

// Available reports whether a runner may borrow the account.
func (a Account) Available() bool {
	return a.Active && a.Online()
}

// Cursor defaults for freshly created jobs. The cursor is zero-based; the
// upstream page number is CurrentPage+1.
const (
	InitialPage       = 0
	InitialTotalPages = 10
)

// Job is one paginated collection run for a single date partition.
type Job struct {
	ID          int64     `json:"id"`
	Date        string    `json:"date"`
	CurrentPage int       `json:"current_page"`
	TotalPage   int       `json:"total_page"`
	StopFlag    bool      `json:"stop_flag"`
	Done        bool      `json:"done"`
	OutputPath  string    `json:"output_path"`
	CreatedAt   time.Time `json:"created_at"`
}

// Exhausted reports whether the cursor has reached the page bound.
func (j Job) Exhausted() bool {
	return j.CurrentPage >= j.TotalPage
}

// UpstreamPage returns the page number sent to the listing endpoint.
func (j Job) UpstreamPage() int {
	return j.CurrentPage + 1
}

// Progress is the durable cursor update written after each committed page.
type Progress struct {
	CurrentPage int
	TotalPage   int
	Done        bool
}

// Advance returns the progress after one page has been committed with the given
// upstream page count.
func (j Job) Advance(pages int) Progress {
	next := j.CurrentPage + 1
	if pages < 0 {
		pages = 0
	}
	return Progress{
		CurrentPage: next,
		TotalPage:   pages,
		Done:        next >= pages,
	}
}

// Challenge is the check-code pair returned by the upstream challenge endpoint.
type Challenge struct {
	Code string
	Key  string
}

// Credentials are submitted to the upstream login endpoint.
type Credentials struct {
	Username  string
	Password  string
	Challenge Challenge
}

// PageQuery selects one page of the upstream listing.
type PageQuery struct {
	Day    string
	PageNo int
}

// Page is one decoded listing response.
type Page struct {
	Records []Record
	Pages   int
}

// Text decodes any JSON scalar into its string form. The listing endpoint mixes
// numeric and string encodings for the same fields.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode text: %w", err)
		}
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*t = Text(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("decode text: unsupported value %s", string(data))
	}
	*t = Text(strconv.FormatBool(b))
	return nil
}

// Record is the projection of one upstream send record.
type Record struct {
	ID          Text `json:"id"`
	UserName    Text `json:"userName"`
	CountryName Text `json:"countryName"`
	Operator    Text `json:"operator"`
	SMSFrom     Text `json:"smsFrom"`
	SMSTo       Text `json:"smsTo"`
	Message     Text `json:"message"`
	SendResult  Text `json:"sendResult"`
	SendTime    Text `json:"sendTime"`
}

// RecordColumns names the output columns in the order produced by Record.Row.
var RecordColumns = []string{
	"id", "user", "country", "operator", "from", "to", "message", "result", "sentTime",
}

// Row returns the record's fields in RecordColumns order.
func (r Record) Row() []string {
	return []string{
		string(r.ID),
		string(r.UserName),
		string(r.CountryName),
		string(r.Operator),
		string(r.SMSFrom),
		string(r.SMSTo),
		string(r.Message),
		string(r.SendResult),
		string(r.SendTime),
	}
}

// JobEventType labels progress notifications.
type JobEventType string

// Job event types emitted by the runner.
const (
	EventPageCommitted JobEventType = "page_committed"
	EventJobDone       JobEventType = "job_done"
	EventJobRejected   JobEventType = "job_rejected"
)

// JobEvent is a progress notification published after durable state changes.
type JobEvent struct {
	Type        JobEventType `json:"type"`
	JobID       int64        `json:"job_id"`
	Date        string       `json:"date"`
	CurrentPage int          `json:"current_page"`
	TotalPage   int          `json:"total_page"`
	Records     int          `json:"records"`
	Done        bool         `json:"done"`
	At          time.Time    `json:"at"`
}
