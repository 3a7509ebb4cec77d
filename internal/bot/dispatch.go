package bot

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/oneidp/oneidp/internal/cryptoutil"
	"github.com/oneidp/oneidp/internal/ratelimit"
	"github.com/oneidp/oneidp/internal/security"
	"github.com/oneidp/oneidp/internal/store"
	"github.com/oneidp/oneidp/pkg/log"
)

// AuthorizationEndpointResolver resolves the upstream SSO's
// authorization endpoint, preferring wellknown discovery over the
// manually configured one.
type AuthorizationEndpointResolver interface {
	AuthorizationEndpoint(ctx context.Context) (string, error)
}

// DispatcherConfig carries the configuration relevant to command
// dispatch: prefix and group restrictions, upstream SSO parameters for
// bind links, and the pending-request TTLs.
type DispatcherConfig struct {
	CommandPrefix    string
	AllowedGroups    map[int64]bool // empty/nil means no restriction
	SSOClientEnabled bool
	SSOClientID      string
	// SSOAuthorizationURL is the manually configured upstream
	// authorization endpoint, used when wellknown discovery is
	// disabled or fails.
	SSOAuthorizationURL string
	SSORedirectURI      string
	SSOScope            string
	BindLinkExpire      time.Duration
	UnbindExpire        time.Duration
	Clients             map[string]string // client_id -> display name
}

// Dispatcher parses prefixed chat commands and drives the bind/auth/
// unbind state machines against a Store, replying over a Transport.
type Dispatcher struct {
	cfg       DispatcherConfig
	store     store.Store
	transport *Transport
	resolver  AuthorizationEndpointResolver
	limiter   *ratelimit.Limiter
	log       log.Logger
	now       func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, s store.Store, t *Transport, resolver AuthorizationEndpointResolver, limiter *ratelimit.Limiter, logger log.Logger) *Dispatcher {
	return &Dispatcher{cfg: cfg, store: s, transport: t, resolver: resolver, limiter: limiter, log: logger, now: time.Now}
}

// Message is an inbound chat message, already stripped of OneBot's
// CQ-code segment envelope down to its plain text (see ExtractText).
type Message struct {
	Text        string
	UserID      int64
	MessageType string // "group" or "private"
	SourceID    int64  // group_id for group messages, else UserID
}

// ExtractText concatenates the text segments of a OneBot message
// array, dropping images, mentions and other non-text segments.
func ExtractText(segments []map[string]any) string {
	var b strings.Builder
	for _, seg := range segments {
		if seg["type"] != "text" {
			continue
		}
		data, _ := seg["data"].(map[string]any)
		if text, ok := data["text"].(string); ok {
			b.WriteString(text)
		}
	}
	return b.String()
}

// Dispatch routes one message to its command handler: prefix strip,
// group allow-list, case-folded command lookup. A panicking handler is
// caught and answered with a generic failure, never killing the
// caller.
func (d *Dispatcher) Dispatch(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorf("bot: handler panic: %v", r)
			d.reply(ctx, msg, "an internal error occurred, please try again later")
		}
	}()

	text := strings.TrimSpace(msg.Text)
	prefix := d.cfg.CommandPrefix
	if !strings.HasPrefix(text, prefix) {
		return
	}

	if msg.MessageType == "group" && len(d.cfg.AllowedGroups) > 0 && !d.cfg.AllowedGroups[msg.SourceID] {
		return
	}

	cmdText := strings.TrimSpace(text[len(prefix):])
	parts := strings.Fields(cmdText)
	if len(parts) == 0 {
		d.sendHelp(ctx, msg)
		return
	}

	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "bind":
		d.handleBind(ctx, msg, args)
	case "unbind":
		d.handleUnbind(ctx, msg, args)
	case "auth":
		d.handleAuth(ctx, msg, args)
	case "cancel":
		d.handleCancel(ctx, msg)
	case "status":
		d.handleStatus(ctx, msg)
	case "help":
		d.sendHelp(ctx, msg)
	default:
		d.reply(ctx, msg, fmt.Sprintf("unknown command: %s\nuse %s help for usage", cmd, prefix))
	}
}

// allowRate checks the per-UIN chat-command budget for route before a
// handler does any Store work.
func (d *Dispatcher) allowRate(ctx context.Context, msg Message, route string) bool {
	if d.limiter == nil {
		return true
	}
	allowed, retryAfter := d.limiter.Check(route, strconv.FormatInt(msg.UserID, 10))
	if !allowed {
		d.reply(ctx, msg, fmt.Sprintf("too many requests; try again in %d seconds", retryAfter))
	}
	return allowed
}

func (d *Dispatcher) reply(ctx context.Context, msg Message, text string) {
	if d.transport == nil {
		return
	}
	var err error
	if msg.MessageType == "group" {
		err = d.transport.SendMessage(ctx, "group", msg.SourceID, fmt.Sprintf("[CQ:at,qq=%d] %s", msg.UserID, text))
	} else {
		err = d.transport.SendMessage(ctx, "private", msg.UserID, text)
	}
	if err != nil {
		d.log.Errorf("bot: reply failed: %v", err)
	}
}

func (d *Dispatcher) sendHelp(ctx context.Context, msg Message) {
	p := d.cfg.CommandPrefix
	help := fmt.Sprintf(
		"SSO binding assistant\n\nCommands:\n%s bind <username> - bind an SSO account\n%s unbind <username> - request unbind\n%s unbind confirm - confirm unbind\n%s auth <code> - approve an authorization request\n%s cancel - cancel the pending operation\n%s status - show binding status\n%s help - show this message",
		p, p, p, p, p, p, p)
	d.reply(ctx, msg, help)
}

func (d *Dispatcher) handleBind(ctx context.Context, msg Message, args []string) {
	if len(args) == 0 {
		d.reply(ctx, msg, fmt.Sprintf("please provide a username\nusage: %s bind <username>", d.cfg.CommandPrefix))
		return
	}
	if !d.cfg.SSOClientEnabled {
		d.reply(ctx, msg, "SSO binding is not enabled")
		return
	}
	if !d.allowRate(ctx, msg, "bind") {
		return
	}

	username := security.SanitizeUsername(args[0], 64)

	if existing, err := d.store.GetBindUserByUIN(ctx, msg.UserID, true); err == nil {
		label := existing.PreferredUsername
		if label == "" {
			label = existing.Email
		}
		if label == "" {
			label = existing.Sub
		}
		d.reply(ctx, msg, fmt.Sprintf("you already have a bound account: %s\nto change it, unbind first: %s unbind <username>", label, d.cfg.CommandPrefix))
		return
	}

	state, err := cryptoutil.NewStateToken()
	if err != nil {
		d.log.Errorf("bot: state generation failed: %v", err)
		d.reply(ctx, msg, "an internal error occurred, please try again later")
		return
	}

	now := d.now()
	_, err = d.store.CreatePendingBind(ctx, store.PendingBind{
		State:      state,
		UIN:        msg.UserID,
		Username:   username,
		SourceType: msg.MessageType,
		SourceID:   msg.SourceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(d.cfg.BindLinkExpire),
	})
	if err != nil {
		d.log.Errorf("bot: create pending bind failed: %v", err)
		d.reply(ctx, msg, "an internal error occurred, please try again later")
		return
	}

	endpoint := d.cfg.SSOAuthorizationURL
	if d.resolver != nil {
		if resolved, err := d.resolver.AuthorizationEndpoint(ctx); err == nil && resolved != "" {
			endpoint = resolved
		} else if err != nil {
			d.log.Errorf("bot: wellknown discovery failed: %v", err)
		}
	}

	values := url.Values{}
	values.Set("client_id", d.cfg.SSOClientID)
	values.Set("redirect_uri", d.cfg.SSORedirectURI)
	values.Set("response_type", "code")
	values.Set("scope", d.cfg.SSOScope)
	values.Set("state", state)
	authURL := endpoint + "?" + values.Encode()

	minutes := int(d.cfg.BindLinkExpire / time.Minute)
	d.reply(ctx, msg, fmt.Sprintf("click the following link within %d minutes to complete binding:\n%s", minutes, authURL))
}

func (d *Dispatcher) handleUnbind(ctx context.Context, msg Message, args []string) {
	if len(args) == 0 {
		d.reply(ctx, msg, fmt.Sprintf("provide a username, or \"confirm\" to finish an unbind\nusage: %s unbind <username>", d.cfg.CommandPrefix))
		return
	}

	pending, pendingErr := d.store.GetPendingUnbindByUIN(ctx, msg.UserID, true)

	if strings.EqualFold(args[0], "confirm") {
		if pendingErr != nil {
			d.reply(ctx, msg, "there is no pending unbind request to confirm")
			return
		}

		bindUser, err := d.store.GetBindUserByUIN(ctx, msg.UserID, true)
		if err != nil {
			d.store.MarkPendingUnbindProcessed(ctx, pending.ID)
			d.reply(ctx, msg, "you do not have a bound account")
			return
		}

		if err := d.store.DeactivateBindUser(ctx, bindUser.ID); err != nil {
			d.log.Errorf("bot: deactivate bind user failed: %v", err)
			d.reply(ctx, msg, "an internal error occurred, please try again later")
			return
		}

		d.store.CreateUnbindLog(ctx, store.UnbindLog{
			UIN:               msg.UserID,
			UnbindUser:        pending.Username,
			Sub:               bindUser.Sub,
			BindTime:          bindUser.BindTime,
			UnbindRequestTime: pending.CreatedAt,
			UnbindTime:        d.now(),
			IsUnbind:          true,
			Reason:            "confirm",
		})
		d.store.MarkPendingUnbindProcessed(ctx, pending.ID)
		d.reply(ctx, msg, fmt.Sprintf("account unbound: %s", pending.Username))
		return
	}

	username := security.SanitizeUsername(args[0], 64)

	bindUser, err := d.store.GetBindUserByUIN(ctx, msg.UserID, true)
	if err != nil {
		d.reply(ctx, msg, "you do not have a bound account")
		return
	}

	matches := (bindUser.PreferredUsername != "" && strings.EqualFold(username, bindUser.PreferredUsername)) ||
		(bindUser.Email != "" && strings.EqualFold(username, bindUser.Email)) ||
		username == bindUser.Sub
	if !matches {
		boundUsername := bindUser.PreferredUsername
		if boundUsername == "" {
			boundUsername = bindUser.Email
		}
		if boundUsername == "" {
			boundUsername = bindUser.Sub
		}
		d.reply(ctx, msg, fmt.Sprintf("username does not match; your bound account is: %s", boundUsername))
		return
	}

	if pendingErr == nil {
		d.store.MarkPendingUnbindProcessed(ctx, pending.ID)
	}

	now := d.now()
	d.store.CreatePendingUnbind(ctx, store.PendingUnbind{
		UIN:        msg.UserID,
		Username:   username,
		BindUserID: bindUser.ID,
		SourceType: msg.MessageType,
		SourceID:   msg.SourceID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(d.cfg.UnbindExpire),
	})

	minutes := int(d.cfg.UnbindExpire / time.Minute)
	d.reply(ctx, msg, fmt.Sprintf("unbinding account: %s\nsend %s unbind confirm within %d minutes to confirm\nor %s cancel to cancel", username, d.cfg.CommandPrefix, minutes, d.cfg.CommandPrefix))
}

func (d *Dispatcher) handleAuth(ctx context.Context, msg Message, args []string) {
	if len(args) == 0 {
		d.reply(ctx, msg, fmt.Sprintf("please provide a verification code\nusage: %s auth <code>", d.cfg.CommandPrefix))
		return
	}
	code := strings.ToUpper(args[0])
	if !d.allowRate(ctx, msg, "auth_code") {
		return
	}

	bindUser, err := d.store.GetBindUserByUIN(ctx, msg.UserID, true)
	if err != nil {
		d.reply(ctx, msg, fmt.Sprintf("you have not bound an SSO account; bind first: %s bind <username>", d.cfg.CommandPrefix))
		return
	}

	pending, err := d.store.GetPendingAuthByVerificationCode(ctx, code, true)
	if err != nil {
		d.reply(ctx, msg, "invalid or expired verification code")
		return
	}

	if pending.UIN == 0 {
		ok, err := d.store.ClaimPendingAuth(ctx, pending.ID, msg.UserID, bindUser.ID)
		if err != nil {
			d.reply(ctx, msg, "invalid or expired verification code")
			return
		}
		if !ok {
			// Lost the claim race: another user got the row between our
			// read and the conditional update.
			if claimed, err := d.store.GetPendingAuthByVerificationCode(ctx, code, false); err == nil && claimed.UIN != 0 && claimed.UIN != msg.UserID {
				d.reply(ctx, msg, "this verification code does not belong to you")
			} else {
				d.reply(ctx, msg, "invalid or expired verification code")
			}
			return
		}
	} else if pending.UIN != msg.UserID {
		d.reply(ctx, msg, "this verification code does not belong to you")
		return
	}

	if ok, err := d.store.ApprovePendingAuth(ctx, pending.ID); err != nil || !ok {
		d.reply(ctx, msg, "invalid or expired verification code")
		return
	}

	clientName := "unknown application"
	if name, ok := d.cfg.Clients[pending.ClientID]; ok {
		clientName = name
	}

	d.store.CreateAuthorizationLog(ctx, store.AuthorizationLog{
		UIN:               msg.UserID,
		ClientID:          pending.ClientID,
		Address:           pending.RedirectURI,
		Scope:             pending.Scope,
		AuthorizationTime: d.now(),
		IsSuccess:         true,
		ClientIP:          pending.ClientIP,
		UserAgent:         pending.UserAgent,
	})

	d.reply(ctx, msg, fmt.Sprintf("authorization approved\napplication: %s\nscope: %s", clientName, pending.Scope))
}

func (d *Dispatcher) handleCancel(ctx context.Context, msg Message) {
	pending, err := d.store.GetPendingUnbindByUIN(ctx, msg.UserID, true)
	if err != nil {
		d.reply(ctx, msg, "there is nothing to cancel")
		return
	}

	if bindUser, err := d.store.GetBindUserByUIN(ctx, msg.UserID, true); err == nil {
		d.store.CreateUnbindLog(ctx, store.UnbindLog{
			UIN:               msg.UserID,
			UnbindUser:        pending.Username,
			Sub:               bindUser.Sub,
			BindTime:          bindUser.BindTime,
			UnbindRequestTime: pending.CreatedAt,
			UnbindTime:        d.now(),
			IsUnbind:          false,
			Reason:            "cancel",
		})
	}
	d.store.MarkPendingUnbindProcessed(ctx, pending.ID)
	d.reply(ctx, msg, "unbind request canceled")
}

func (d *Dispatcher) handleStatus(ctx context.Context, msg Message) {
	bindUser, err := d.store.GetBindUserByUIN(ctx, msg.UserID, true)
	if err != nil {
		d.reply(ctx, msg, "you have not bound an SSO account")
		return
	}

	username := bindUser.PreferredUsername
	if username == "" {
		username = "(not set)"
	}
	email := bindUser.Email
	if email == "" {
		email = "(not set)"
	}

	d.reply(ctx, msg, fmt.Sprintf(
		"binding status: bound\nusername: %s\nemail: %s\nbound at: %s",
		username, email, bindUser.BindTime.Format("2006-01-02 15:04:05"),
	))
}
