package ingress

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/bucketmirror/bucketmirror/action"
	"github.com/bucketmirror/bucketmirror/keytransform"
	"github.com/bucketmirror/bucketmirror/logging"
	"github.com/bucketmirror/bucketmirror/subscribe"
)

// MaxBodyBytes bounds the in-memory size of a request body; requests
// whose body exceeds this are rejected rather than buffered unbounded.
const MaxBodyBytes = 10 << 20 // 10MiB

// minSupportedEventMinor is the lowest eventVersion minor accepted for a
// major version of 2.
const minSupportedEventMinor = 1

var eventVersionPattern = regexp.MustCompile(`^(\d+)\.(\d+)$`)

// Options configures a Server.
type Options struct {
	Bucket           string
	Prefix           string
	Suffix           string
	Pipeline         *keytransform.Pipeline
	HTTPPath         string // restrict ingress to this path; "" means any path
	IgnoreValidation bool
	Verifier         *Verifier
	SubscribeClient  subscribe.Client
	MinEventMinor    int
}

// Server is the notification ingress HTTP(S) server.
type Server struct {
	opt    Options
	submit func(action.FileAction) error
	router chi.Router
}

// NewServer builds a Server that dispatches FileAction values through
// submit (typically queue.Queue.Submit adapted to the action.FileAction
// signature).
func NewServer(opt Options, submit func(action.FileAction) error) *Server {
	if opt.MinEventMinor == 0 {
		opt.MinEventMinor = minSupportedEventMinor
	}
	if opt.Verifier == nil && !opt.IgnoreValidation {
		opt.Verifier = NewVerifier(nil)
	}

	s := &Server{opt: opt, submit: submit}
	r := chi.NewRouter()
	handler := http.HandlerFunc(s.handle)
	if opt.HTTPPath != "" {
		r.Post(opt.HTTPPath, handler.ServeHTTP)
	} else {
		r.Post("/*", handler.ServeHTTP)
	}
	s.router = r
	return s
}

// Handler returns the http.Handler to bind to a listener.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		logging.Errorf("ingress", "read body: %v", err)
		http.Error(w, "read error", http.StatusInternalServerError)
		return
	}
	if len(body) > MaxBodyBytes {
		logging.Errorf("ingress", "body exceeds %d bytes, rejecting", MaxBodyBytes)
		http.Error(w, "body too large", http.StatusInternalServerError)
		return
	}

	env, err := ParseEnvelope(body)
	if err != nil {
		logging.Errorf("ingress", "%v", err)
		http.Error(w, "parse error", http.StatusInternalServerError)
		return
	}

	if !s.opt.IgnoreValidation {
		if err := s.opt.Verifier.Verify(env); err != nil {
			logging.Errorf("ingress", "signature validation failed: %v", err)
			http.Error(w, "signature invalid", http.StatusInternalServerError)
			return
		}
	}

	if err := s.dispatch(r.Context(), env); err != nil {
		logging.Errorf("ingress", "%v", err)
		http.Error(w, "processing error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *Server) dispatch(ctx context.Context, env Envelope) error {
	switch env.Type {
	case TypeSubscriptionConfirmation:
		// Confirm asynchronously so the delivering provider gets its 200
		// response without waiting on an outbound confirm round-trip.
		go s.confirmSubscription(env)
		return nil

	case TypeUnsubscribeConfirmation:
		logging.Debugf("ingress", "received UnsubscribeConfirmation for topic %s", env.TopicArn)
		return nil

	case TypeNotification:
		msg, err := ParseNotificationMessage(env.Message)
		if err != nil {
			return err
		}
		for _, rec := range msg.Records {
			s.dispatchRecord(rec)
		}
		return nil

	default:
		logging.Warnf("ingress", "unrecognized envelope type %q, skipping", env.Type)
		return nil
	}
}

func (s *Server) confirmSubscription(env Envelope) {
	if s.opt.SubscribeClient == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.opt.SubscribeClient.ConfirmSubscription(ctx, env.TopicArn, env.Token); err != nil {
		logging.Errorf("ingress", "confirm subscription: %v", err)
		return
	}
	logging.Debugf("ingress", "confirmed subscription for topic %s", env.TopicArn)
}

func (s *Server) dispatchRecord(rec Record) {
	if !supportedEventVersion(rec.EventVersion, s.opt.MinEventMinor) {
		logging.Warnf("ingress", "skipping record with unsupported eventVersion %q", rec.EventVersion)
		return
	}
	if s.opt.Bucket != "" && rec.S3.Bucket.Name != s.opt.Bucket {
		logging.Warnf("ingress", "skipping record for bucket %q, expected %q", rec.S3.Bucket.Name, s.opt.Bucket)
		return
	}
	key := rec.S3.Object.Key
	if s.opt.Suffix != "" && !strings.HasSuffix(key, s.opt.Suffix) {
		return
	}
	if s.opt.Prefix != "" && !strings.HasPrefix(key, s.opt.Prefix) {
		return
	}

	switch {
	case matchesEventPrefix(rec.EventName, "ObjectCreated:"), matchesEventPrefix(rec.EventName, "ObjectRestore:"):
		transformed, keep := s.opt.Pipeline.Apply(key)
		if !keep {
			return
		}
		a := action.FileAction{
			Kind:           action.WriteObject,
			Key:            key,
			TransformedKey: transformed,
			Size:           rec.S3.Object.Size,
			Source:         action.SourceNotification,
		}
		if err := s.submit(a); err != nil {
			logging.Errorf("ingress", "submit write for %q: %v", key, err)
		}

	case matchesEventPrefix(rec.EventName, "ObjectRemoved:"):
		transformed, keep := s.opt.Pipeline.Apply(key)
		if !keep {
			return
		}
		a := action.FileAction{
			Kind:         action.RemoveFile,
			RelativePath: transformed,
			Source:       action.SourceNotification,
		}
		if err := s.submit(a); err != nil {
			logging.Errorf("ingress", "submit remove for %q: %v", key, err)
		}

	default:
		logging.Debugf("ingress", "skipping unsupported eventName %q", rec.EventName)
	}
}

func matchesEventPrefix(eventName, prefix string) bool {
	return strings.HasPrefix(eventName, prefix)
}

func supportedEventVersion(v string, minMinor int) bool {
	m := eventVersionPattern.FindStringSubmatch(v)
	if m == nil {
		return false
	}
	major, err := strconv.Atoi(m[1])
	if err != nil || major != 2 {
		return false
	}
	minor, err := strconv.Atoi(m[2])
	if err != nil || minor < minMinor {
		return false
	}
	return true
}

// ErrHTTPPathInvalid is returned by config validation when http_path is
// set but does not start with "/".
var ErrHTTPPathInvalid = errors.New("ingress: http_path must start with \"/\"")

// ValidateHTTPPath checks the http_path config option; an invalid value
// is a fatal configuration error at start-up.
func ValidateHTTPPath(p string) error {
	if p == "" {
		return nil
	}
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("%w: got %q", ErrHTTPPathInvalid, p)
	}
	return nil
}
