// Package dispatch routes inbound user and admin commands to the pairing
// core and reports failures back to the sender.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/directory"
	"github.com/whisper/pairing/internal/errs"
	"github.com/whisper/pairing/internal/matching"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/rating"
	"github.com/whisper/pairing/internal/relay"
	"github.com/whisper/pairing/internal/report"
)

const (
	minAge = 12
	maxAge = 99

	defaultReportsLimit = 10
	maxReportsLimit     = 50
)

// Handler processes one parsed command. msg is the concrete struct returned
// by protocol.ParseCommand.
type Handler func(ctx context.Context, from directory.UserID, msg interface{}) error

// Notifier delivers notices to users.
type Notifier interface {
	Notify(ctx context.Context, to directory.UserID, msgType string, payload interface{}) error
}

// Throttle limits an action per user.
type Throttle interface {
	Allow(ctx context.Context, identifier string) (bool, error)
	RetryAfter(ctx context.Context, identifier string) time.Duration
}

// CacheInvalidator drops cached ban flags.
type CacheInvalidator interface {
	InvalidateAll(ctx context.Context)
}

// Deps are the collaborators a Dispatcher routes to. SearchLimit, Cache and
// Reports are optional.
type Deps struct {
	Engine    *matching.Engine
	Relay     *relay.Relay
	Ratings   *rating.Loop
	Directory directory.Directory
	Admin     directory.Admin
	Registrar directory.Registrar
	Notifier  Notifier

	SearchLimit Throttle
	Cache       CacheInvalidator
	Reports     report.Archive

	Admins         []directory.UserID
	VIPDefaultDays int
	Logger         zerolog.Logger
}

// Dispatcher routes commands to registered handlers based on the command
// type. Admin commands are only honored from configured admin IDs.
type Dispatcher struct {
	deps     Deps
	log      zerolog.Logger
	admins   map[directory.UserID]bool
	handlers map[string]Handler
}

// New creates a Dispatcher with every command handler registered.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		deps:     deps,
		log:      deps.Logger,
		admins:   make(map[directory.UserID]bool, len(deps.Admins)),
		handlers: make(map[string]Handler),
	}
	for _, a := range deps.Admins {
		d.admins[a] = true
	}

	d.Register(protocol.TypeStart, d.start)
	d.Register(protocol.TypeSearch, d.search)
	d.Register(protocol.TypeChoosePreference, d.choosePreference)
	d.Register(protocol.TypeStop, d.stop)
	d.Register(protocol.TypeNext, d.next)
	d.Register(protocol.TypeMessage, d.message)
	d.Register(protocol.TypeMedia, d.media)
	d.Register(protocol.TypeRate, d.rate)

	d.Register(protocol.TypeAdminBan, d.adminBan)
	d.Register(protocol.TypeAdminUnban, d.adminUnban)
	d.Register(protocol.TypeAdminUnbanAll, d.adminUnbanAll)
	d.Register(protocol.TypeAdminGiveVIP, d.adminGiveVIP)
	d.Register(protocol.TypeAdminStats, d.adminStats)
	d.Register(protocol.TypeAdminReports, d.adminReports)
	d.Register(protocol.TypeAdminBroadcast, d.adminBroadcast)
	return d
}

// Register associates a Handler with a command type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *Dispatcher) Register(msgType string, h Handler) {
	d.handlers[msgType] = h
}

// Dispatch parses raw command bytes and runs the matching handler. Parse
// errors, unauthorized admin commands and handler failures result in an
// error notice sent back to the user.
func (d *Dispatcher) Dispatch(ctx context.Context, data []byte) {
	env, msg, err := protocol.ParseCommand(data)
	from := directory.UserID(env.UserID)
	if err != nil {
		d.log.Debug().Err(err).Int64("user_id", env.UserID).Msg("dispatch parse error")
		if from != 0 {
			d.sendError(ctx, from, "parse_error", "invalid command format")
		}
		return
	}

	if protocol.IsAdminCommand(env.Type) && !d.admins[from] {
		d.log.Warn().Int64("user_id", env.UserID).Str("type", env.Type).Msg("admin command from non-admin")
		d.fail(ctx, from, env.Type, errs.ErrNotAdmin)
		return
	}

	h, ok := d.handlers[env.Type]
	if !ok {
		d.sendError(ctx, from, "unsupported_type", "unsupported command type")
		return
	}

	if err := h(ctx, from, msg); err != nil {
		d.fail(ctx, from, env.Type, err)
	}
}

func (d *Dispatcher) start(ctx context.Context, from directory.UserID, msg interface{}) error {
	m := msg.(protocol.StartCmd)
	gender, err := directory.ParseGender(m.Gender)
	if err != nil {
		return errs.Validation("invalid_gender", "Please choose male, female or other.")
	}
	if m.Age < minAge || m.Age > maxAge {
		return errs.Validation("invalid_age", "Please enter an age between 12 and 99.")
	}

	if err := d.deps.Registrar.CreateUser(ctx, directory.Profile{
		ID:       from,
		Username: m.Username,
		Gender:   gender,
		Age:      m.Age,
		Language: m.Language,
	}); err != nil {
		return errs.DirectoryUnavailable(err)
	}

	d.deps.Engine.Restart(from)
	d.send(ctx, from, protocol.TypeRegistered, protocol.RegisteredMsg{})
	return nil
}

func (d *Dispatcher) search(ctx context.Context, from directory.UserID, _ interface{}) error {
	if !d.allowSearch(ctx, from) {
		return nil
	}
	_, err := d.deps.Engine.Search(ctx, from)
	return err
}

func (d *Dispatcher) choosePreference(ctx context.Context, from directory.UserID, msg interface{}) error {
	m := msg.(protocol.ChoosePreferenceCmd)
	t, err := preferenceTarget(m.Target)
	if err != nil {
		return err
	}
	_, err = d.deps.Engine.ChoosePreference(ctx, from, t)
	return err
}

func (d *Dispatcher) stop(ctx context.Context, from directory.UserID, _ interface{}) error {
	_, err := d.deps.Engine.Stop(ctx, from)
	return err
}

func (d *Dispatcher) next(ctx context.Context, from directory.UserID, _ interface{}) error {
	if !d.allowSearch(ctx, from) {
		return nil
	}
	_, err := d.deps.Engine.Next(ctx, from)
	return err
}

func (d *Dispatcher) message(ctx context.Context, from directory.UserID, msg interface{}) error {
	m := msg.(protocol.MessageCmd)
	_, err := d.deps.Relay.Forward(ctx, from, relay.Payload{Kind: relay.KindText, Text: m.Text})
	return err
}

func (d *Dispatcher) media(ctx context.Context, from directory.UserID, msg interface{}) error {
	m := msg.(protocol.MediaCmd)
	_, err := d.deps.Relay.Forward(ctx, from, relay.Payload{Kind: relay.KindMedia, Ref: m.Ref})
	return err
}

func (d *Dispatcher) rate(ctx context.Context, from directory.UserID, msg interface{}) error {
	m := msg.(protocol.RateCmd)
	kind, err := directory.ParseRatingKind(m.Kind)
	if err != nil {
		return errs.Validation("invalid_rating", "Please rate with good, bad or scam.")
	}
	_, err = d.deps.Ratings.Submit(ctx, from, directory.UserID(m.Target), kind)
	return err
}

// allowSearch applies the search throttle and tells the user when they
// are limited.
func (d *Dispatcher) allowSearch(ctx context.Context, from directory.UserID) bool {
	if d.deps.SearchLimit == nil {
		return true
	}
	allowed, err := d.deps.SearchLimit.Allow(ctx, from.String())
	if err != nil {
		d.log.Warn().Err(err).Int64("user_id", int64(from)).Msg("search limiter unavailable")
	}
	if allowed {
		return true
	}
	retry := d.deps.SearchLimit.RetryAfter(ctx, from.String())
	d.send(ctx, from, protocol.TypeRateLimited, protocol.RateLimitedMsg{RetryAfter: int((retry + time.Second - 1) / time.Second)})
	return false
}

// fail logs err at a level matching its kind and reports it to the user.
func (d *Dispatcher) fail(ctx context.Context, to directory.UserID, cmd string, err error) {
	kind := errs.KindOf(err)
	var ev *zerolog.Event
	switch kind {
	case errs.KindUserState, errs.KindValidation:
		ev = d.log.Debug()
	case errs.KindDelivery, errs.KindDirectoryUnavailable:
		ev = d.log.Warn()
	default:
		ev = d.log.Error()
	}
	ev.Err(err).Int64("user_id", int64(to)).Str("command", cmd).Str("kind", kind.String()).Msg("command failed")

	code := "internal"
	var e *errs.Error
	if errors.As(err, &e) {
		code = e.Code
	}
	d.sendError(ctx, to, code, errs.UserMessage(err))
}

func (d *Dispatcher) sendError(ctx context.Context, to directory.UserID, code, message string) {
	d.send(ctx, to, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

func (d *Dispatcher) send(ctx context.Context, to directory.UserID, msgType string, payload interface{}) {
	if err := d.deps.Notifier.Notify(ctx, to, msgType, payload); err != nil {
		d.log.Warn().Err(err).Int64("user_id", int64(to)).Str("type", msgType).Msg("notify failed")
	}
}
