// Package trust decides whether an untrusted plugin module may be loaded:
// it fingerprints the module, consults stored grants, and prompts when the
// security level allows it.
package trust

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"
)

// ErrNotTrusted is returned when a module is not authorized for loading.
var ErrNotTrusted = errors.New("module not trusted")

// SecurityLevel controls the gatekeeper's prompting behavior.
type SecurityLevel string

const (
	// SecurityStrict allows only modules with a stored grant.
	SecurityStrict SecurityLevel = "strict"
	// SecurityStandard allows stored grants and prompts for the rest.
	SecurityStandard SecurityLevel = "standard"
	// SecurityPermissive allows every module with a warning.
	SecurityPermissive SecurityLevel = "permissive"
)

// ParseSecurityLevel validates a level name.
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	switch level := SecurityLevel(s); level {
	case SecurityStrict, SecurityStandard, SecurityPermissive:
		return level, nil
	default:
		return "", fmt.Errorf("unknown security level %q (want strict, standard or permissive)", s)
	}
}

// Decision is the user's answer to a trust prompt.
type Decision int

const (
	Deny Decision = iota
	AllowOnce
	AlwaysAllow
)

// Request describes the module a prompt asks about.
type Request struct {
	Path   string
	Digest Digest
	Size   int64
}

// Prompter asks the user whether to trust a module.
type Prompter interface {
	IsInteractive() bool
	PromptForModule(req Request) (Decision, error)
}

// NotTrustedError names the module that was refused.
type NotTrustedError struct {
	Path   string
	Digest Digest
	Reason string
}

func (e *NotTrustedError) Error() string {
	return fmt.Sprintf("module %s (%s) not trusted: %s", e.Path, e.Digest.Short(), e.Reason)
}

// Unwrap returns ErrNotTrusted.
func (e *NotTrustedError) Unwrap() error {
	return ErrNotTrusted
}

// Gatekeeper authorizes untrusted modules by digest.
type Gatekeeper struct {
	store         Store
	prompter      Prompter
	logger        *slog.Logger
	session       map[string]struct{}
	securityLevel SecurityLevel
	// mu serializes prompts and store updates across concurrent loads.
	mu sync.Mutex
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithStore sets the grant store.
func WithStore(s Store) Option {
	return func(g *Gatekeeper) { g.store = s }
}

// WithPrompter sets the prompter.
func WithPrompter(p Prompter) Option {
	return func(g *Gatekeeper) { g.prompter = p }
}

// WithSecurityLevel sets the security policy level.
func WithSecurityLevel(level SecurityLevel) Option {
	return func(g *Gatekeeper) { g.securityLevel = level }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gatekeeper) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGatekeeper creates a gatekeeper with pluggable store and prompter.
func NewGatekeeper(opts ...Option) *Gatekeeper {
	g := &Gatekeeper{
		securityLevel: SecurityPermissive,
		logger:        slog.Default(),
		session:       make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.store == nil {
		g.store = NewFileStore()
	}
	if g.prompter == nil {
		g.prompter = NewTerminalPrompter()
	}
	return g
}

// SecurityLevel returns the configured level.
func (g *Gatekeeper) SecurityLevel() SecurityLevel {
	return g.securityLevel
}

// Authorize returns nil if the module described by req may be loaded, or a
// *NotTrustedError otherwise.
func (g *Gatekeeper) Authorize(ctx context.Context, req Request) error {
	if g.securityLevel == SecurityPermissive {
		g.logger.WarnContext(ctx, "loading untrusted module (permissive mode)",
			"path", req.Path, "digest", req.Digest.String())
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	key := req.Digest.String()
	if _, ok := g.session[key]; ok {
		return nil
	}

	grants, err := g.store.Load()
	if err != nil {
		g.logger.WarnContext(ctx, "failed to load trust grants", "path", g.store.ConfigPath(), "error", err)
		grants = nil
	}
	if slices.ContainsFunc(grants, func(gr Grant) bool { return gr.Digest == key }) {
		return nil
	}

	if g.securityLevel == SecurityStrict {
		g.logger.ErrorContext(ctx, "module denied by security policy",
			"level", string(SecurityStrict), "path", req.Path, "digest", key)
		return &NotTrustedError{Path: req.Path, Digest: req.Digest, Reason: "no stored grant (strict mode)"}
	}

	if !g.prompter.IsInteractive() {
		return &NotTrustedError{
			Path:   req.Path,
			Digest: req.Digest,
			Reason: fmt.Sprintf("no stored grant and not running interactively; approve it interactively or add it to %s",
				g.store.ConfigPath()),
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	decision, err := g.prompter.PromptForModule(req)
	if err != nil {
		return fmt.Errorf("trust prompt failed: %w", err)
	}

	switch decision {
	case AllowOnce:
		g.session[key] = struct{}{}
		return nil
	case AlwaysAllow:
		g.session[key] = struct{}{}
		grants = append(grants, Grant{Path: req.Path, Digest: key, GrantedAt: time.Now().UTC()})
		if err := g.store.Save(grants); err != nil {
			g.logger.WarnContext(ctx, "failed to save trust grant", "error", err)
		} else {
			g.logger.InfoContext(ctx, "trust grant saved", "path", g.store.ConfigPath())
		}
		return nil
	default:
		return &NotTrustedError{Path: req.Path, Digest: req.Digest, Reason: "denied by user"}
	}
}
