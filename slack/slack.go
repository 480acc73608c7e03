// Package slack ships selected log records to Slack channels. The sink
// is a zap core that matches records against configured rules and
// hands them to a single shipper goroutine over a bounded channel;
// when the channel is full, records are dropped rather than blocking
// the worker. Not part of the core correctness contract.
package slack

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"go.uber.org/zap/zapcore"
)

// bufferSize bounds the number of records waiting to be shipped.
const bufferSize = 256

// Rule routes records of a logger subtree at or above a level to a
// channel.
type Rule struct {
	Logger  string `yaml:"logger"`
	Level   string `yaml:"level"`
	Channel string `yaml:"channel"`
}

type message struct {
	channel string
	text    string
}

// Sink is a zapcore.Core forwarding rule-matched records to Slack.
type Sink struct {
	client  *slack.Client
	rules   []Rule
	levels  []zapcore.Level
	ch      chan message
	quit    chan struct{}
	done    chan struct{}
	closing *sync.Once
	fields  []zapcore.Field
}

// NewSink builds a sink and starts its shipper goroutine. An empty
// token or rule set yields a nil sink, which callers skip.
func NewSink(token string, rules []Rule) (*Sink, error) {
	if token == "" || len(rules) == 0 {
		return nil, nil
	}
	levels := make([]zapcore.Level, len(rules))
	for i, rule := range rules {
		var level zapcore.Level
		if err := level.Set(strings.ToLower(rule.Level)); err != nil {
			return nil, fmt.Errorf("slack rule for logger %q: %w", rule.Logger, err)
		}
		levels[i] = level
	}
	s := &Sink{
		client: slack.New(token),
		rules:  rules,
		levels: levels,
		ch:      make(chan message, bufferSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		closing: &sync.Once{},
	}
	go s.ship()
	return s, nil
}

func (s *Sink) ship() {
	defer close(s.done)
	for {
		select {
		case msg := <-s.ch:
			s.post(msg)
		case <-s.quit:
			for {
				select {
				case msg := <-s.ch:
					s.post(msg)
				default:
					return
				}
			}
		}
	}
}

func (s *Sink) post(msg message) {
	// Nothing sane to do on failure: logging it could recurse.
	s.client.PostMessage(msg.channel, slack.MsgOptionText(msg.text, false))
}

// match returns the channel for a record, if any rule applies.
func (s *Sink) match(ent zapcore.Entry) (string, bool) {
	for i, rule := range s.rules {
		if ent.Level < s.levels[i] {
			continue
		}
		if rule.Logger != "" && !strings.HasPrefix(ent.LoggerName, rule.Logger) {
			continue
		}
		return rule.Channel, true
	}
	return "", false
}

// Enabled implements zapcore.LevelEnabler.
func (s *Sink) Enabled(level zapcore.Level) bool {
	for _, l := range s.levels {
		if level >= l {
			return true
		}
	}
	return false
}

// With implements zapcore.Core.
func (s *Sink) With(fields []zapcore.Field) zapcore.Core {
	clone := *s
	clone.fields = append(append([]zapcore.Field{}, s.fields...), fields...)
	return &clone
}

// Check implements zapcore.Core.
func (s *Sink) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if _, ok := s.match(ent); ok {
		return ce.AddCore(ent, s)
	}
	return ce
}

// Write implements zapcore.Core. Drops the record when the shipper is
// backed up.
func (s *Sink) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	channel, ok := s.match(ent)
	if !ok {
		return nil
	}
	text := fmt.Sprintf("%s [%s] %s", ent.Level.CapitalString(), ent.LoggerName, ent.Message)
	select {
	case s.ch <- message{channel: channel, text: text}:
	default:
	}
	return nil
}

// Sync implements zapcore.Core.
func (s *Sink) Sync() error { return nil }

// Close stops accepting records and waits for the shipper to drain,
// up to timeout.
func (s *Sink) Close(timeout time.Duration) {
	s.closing.Do(func() { close(s.quit) })
	select {
	case <-s.done:
	case <-time.After(timeout):
	}
}
