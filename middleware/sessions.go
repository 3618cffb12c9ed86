package middleware

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/MrEthical07/redisession"
	"github.com/google/uuid"
	"pkt.systems/pslog"
)

// DefaultCookieName is used when Options.CookieName is empty.
const DefaultCookieName = "SESSID"

// Options configures [Sessions].
type Options struct {
	CookieName string
	// Name is the session name passed to Handler.Open. Defaults to
	// CookieName.
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
	// MaxAge of the cookie; zero makes it a browser-session cookie.
	MaxAge time.Duration
	// ReadOnly marks requests that must not take the lock, e.g. asset or
	// polling routes.
	ReadOnly func(*http.Request) bool
	// OnUnavailable handles requests when Redis is unreachable. The default
	// answers 503.
	OnUnavailable func(http.ResponseWriter, *http.Request, error)
	// NewID generates ids for new visitors. Defaults to a random UUID.
	NewID  func() string
	Logger pslog.Logger
}

type sessionContextKey struct{}

// Session is the request-scoped view handed to the wrapped handler.
type Session struct {
	mu        sync.Mutex
	id        string
	isNew     bool
	data      []byte
	destroyed bool
}

// FromContext returns the session loaded by [Sessions].
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*Session)
	return s, ok
}

// ID is the session id.
func (s *Session) ID() string {
	return s.id
}

// IsNew reports whether the visitor arrived without a session cookie.
func (s *Session) IsNew() bool {
	return s.isNew
}

// Data returns the payload as loaded or last set.
func (s *Session) Data() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Set replaces the payload written back after the handler returns.
func (s *Session) Set(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

// Destroy deletes the session once the handler returns.
func (s *Session) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyed = true
}

func (s *Session) snapshot() ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data, s.destroyed
}

// Sessions wraps next with session load and save.
func Sessions(handler *redisession.Handler, opts Options) func(http.Handler) http.Handler {
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	if opts.Name == "" {
		opts.Name = opts.CookieName
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = pslog.NoopLogger()
	}
	if opts.OnUnavailable == nil {
		opts.OnUnavailable = func(w http.ResponseWriter, _ *http.Request, _ error) {
			http.Error(w, "session store unavailable", http.StatusServiceUnavailable)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if handler == nil {
				opts.OnUnavailable(w, r, redisession.ErrConnectivity)
				return
			}

			sess := &Session{}
			if c, err := r.Cookie(opts.CookieName); err == nil && validID(c.Value) {
				sess.id = c.Value
			} else {
				sess.id = opts.NewID()
				sess.isNew = true
			}

			reqOpts := []redisession.RequestOption{redisession.UserAgent(r.UserAgent())}
			if sess.isNew {
				reqOpts = append(reqOpts, redisession.NewSession(true))
			}
			if opts.ReadOnly != nil && opts.ReadOnly(r) {
				reqOpts = append(reqOpts, redisession.ReadOnly())
			}
			req := handler.Open("", opts.Name, reqOpts...)
			defer req.Close()

			data, err := req.Read(r.Context(), sess.id)
			switch {
			case err == nil:
			case errors.Is(err, redisession.ErrConcurrencyExceeded):
				w.Header().Set("Retry-After", strconv.Itoa(1))
				http.Error(w, "session busy", http.StatusServiceUnavailable)
				return
			case errors.Is(err, redisession.ErrConnectivity):
				opts.OnUnavailable(w, r, err)
				return
			default:
				opts.Logger.Error("session.middleware.read_failed", "error", err)
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			sess.data = data

			if sess.isNew {
				cookie := &http.Cookie{
					Name:     opts.CookieName,
					Value:    sess.id,
					Path:     opts.Path,
					Domain:   opts.Domain,
					Secure:   opts.Secure,
					HttpOnly: true,
					SameSite: opts.SameSite,
				}
				if opts.MaxAge > 0 {
					cookie.MaxAge = int(opts.MaxAge / time.Second)
				}
				http.SetCookie(w, cookie)
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, sess)))

			// The lock must be released even if the client went away.
			ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 5*time.Second)
			defer cancel()

			payload, destroyed := sess.snapshot()
			if destroyed {
				err = req.Destroy(ctx, sess.id)
			} else {
				err = req.Write(ctx, sess.id, payload)
			}
			if err != nil {
				opts.Logger.Error("session.middleware.save_failed", "session_id", sess.id, "error", err)
			}
		})
	}
}

func validID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == ',':
		default:
			return false
		}
	}
	return true
}
