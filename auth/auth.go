// Package auth authenticates callers by their client certificate. A
// certificate passes through a fixed pipeline of stages; any failing stage
// rejects the request and later stages are not attempted.
package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/maritimecloud/idreg/internal/uuid"
	"github.com/maritimecloud/idreg/pki"
	"github.com/maritimecloud/idreg/storage"
)

// DefaultRole is granted when none of a principal's permissions map to a role.
const DefaultRole = "ROLE_USER"

// DefaultLookupTimeout bounds each certificate store and directory call.
const DefaultLookupTimeout = 5 * time.Second

// ErrRejected is wrapped by every *Rejection.
var ErrRejected = errors.New("authentication rejected")

// Stage is a step of the authentication pipeline.
type Stage int

const (
	StageReceived Stage = iota
	StageParsed
	StageSignatureVerified
	StageNotRevoked
	StageIdentityExtracted
	StageRolesResolved
	StageAuthenticated
	StageRejected
)

var stageNames = [...]string{
	StageReceived:          "received",
	StageParsed:            "parsed",
	StageSignatureVerified: "signature_verified",
	StageNotRevoked:        "not_revoked",
	StageIdentityExtracted: "identity_extracted",
	StageRolesResolved:     "roles_resolved",
	StageAuthenticated:     "authenticated",
	StageRejected:          "rejected",
}

func (s Stage) String() string {
	if s >= 0 && int(s) < len(stageNames) {
		return stageNames[s]
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// Rejection reports the stage a certificate failed to reach and why. Reason
// is meant for server-side logs; callers should only learn that
// authentication failed.
type Rejection struct {
	Stage  Stage
	Reason string
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("authentication rejected at %s: %s: %v", r.Stage, r.Reason, r.Err)
	}
	return fmt.Sprintf("authentication rejected at %s: %s", r.Stage, r.Reason)
}

func (r *Rejection) Unwrap() []error {
	if r.Err != nil {
		return []error{ErrRejected, r.Err}
	}
	return []error{ErrRejected}
}

// Principal is an authenticated caller.
type Principal struct {
	// EventID correlates the principal with its authentication event.
	EventID      string
	Identity     *pki.Identity
	Organization *storage.Organization
	Roles        []string
	Certificate  *x509.Certificate
}

// Username is the MRN of the principal, or its UID when no MRN is embedded.
func (p *Principal) Username() string { return p.Identity.Username }

// HasRole reports whether role was resolved for the principal.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Event describes the outcome of one authentication attempt.
type Event struct {
	ID       string
	Time     time.Time
	Stage    Stage
	Serial   string
	Username string
	Reason   string
}

// Authenticator runs the authentication pipeline.
type Authenticator struct {
	authority *pki.Authority
	verifier  *pki.Verifier
	certs     storage.CertificateStore
	directory storage.Directory
	logger    *slog.Logger
	now       func() time.Time
	timeout   time.Duration
	observer  func(Event)
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(a *Authenticator) { a.logger = logger }
}

// WithClock overrides the clock revocation dates are compared against.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithLookupTimeout bounds each store and directory call.
func WithLookupTimeout(d time.Duration) Option {
	return func(a *Authenticator) { a.timeout = d }
}

// WithObserver registers fn to receive an Event for every attempt.
func WithObserver(fn func(Event)) Option {
	return func(a *Authenticator) { a.observer = fn }
}

// New returns an Authenticator that trusts the authority's intermediate.
func New(authority *pki.Authority, certs storage.CertificateStore, directory storage.Directory, opts ...Option) *Authenticator {
	a := &Authenticator{
		authority: authority,
		certs:     certs,
		directory: directory,
		now:       time.Now,
		timeout:   DefaultLookupTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	a.verifier = pki.NewVerifier(a.logger)
	return a
}

// Authenticate parses raw certificate input, as delivered by a TLS
// terminator or a forwarding proxy, and authenticates it.
func (a *Authenticator) Authenticate(ctx context.Context, raw []byte) (*Principal, error) {
	cert, err := pki.ParseCertificateText(raw)
	if err != nil {
		reason := "parse failure"
		if errors.Is(err, pki.ErrNoCertificate) {
			reason = "no certificate"
		}
		return nil, a.reject(nil, StageParsed, reason, err)
	}
	return a.AuthenticateCertificate(ctx, cert)
}

// AuthenticateCertificate authenticates an already parsed certificate, such
// as the verified peer certificate of a mutual TLS connection.
func (a *Authenticator) AuthenticateCertificate(ctx context.Context, cert *x509.Certificate) (*Principal, error) {
	if cert == nil {
		return nil, a.reject(nil, StageParsed, "no certificate", pki.ErrNoCertificate)
	}

	material := a.authority.Current()
	if material == nil || !a.verifier.Verify(cert, material.TrustAnchor()) {
		return nil, a.reject(cert, StageSignatureVerified, "certificate could not be verified", nil)
	}

	if !cert.SerialNumber.IsUint64() {
		return nil, a.reject(cert, StageNotRevoked, "unknown certificate", nil)
	}
	rec, err := lookup(ctx, a.timeout, func(ctx context.Context) (*storage.EntityCertificate, error) {
		return a.certs.GetCertificate(ctx, cert.SerialNumber.Uint64())
	})
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, a.reject(cert, StageNotRevoked, "unknown certificate", err)
	case err != nil:
		return nil, a.reject(cert, StageNotRevoked, "certificate status unavailable", err)
	case rec.Abandoned:
		return nil, a.reject(cert, StageNotRevoked, "unknown certificate", nil)
	case rec.RevokedAsOf(a.now()):
		return nil, a.reject(cert, StageNotRevoked, "certificate has been revoked", nil)
	}

	identity, err := a.verifier.DecodeIdentity(cert)
	if err != nil {
		return nil, a.reject(cert, StageIdentityExtracted, "extraction failed", err)
	}

	org, err := lookup(ctx, a.timeout, func(ctx context.Context) (*storage.Organization, error) {
		return a.directory.OrganizationByMRN(ctx, identity.Organization)
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, a.reject(cert, StageRolesResolved, "unknown organization", err)
	}
	if err != nil {
		return nil, a.reject(cert, StageRolesResolved, "organization lookup failed", err)
	}

	roles, err := a.resolveRoles(ctx, org, identity.Permissions())
	if err != nil {
		return nil, a.reject(cert, StageRolesResolved, "role lookup failed", err)
	}

	p := &Principal{
		EventID:      uuid.New(),
		Identity:     identity,
		Organization: org,
		Roles:        roles,
		Certificate:  cert,
	}
	a.logger.Info("certificate authenticated",
		slog.String("event_id", p.EventID),
		slog.String("serial", cert.SerialNumber.String()),
		slog.String("username", identity.Username),
		slog.Any("roles", roles))
	a.notify(Event{ID: p.EventID, Stage: StageAuthenticated, Serial: cert.SerialNumber.String(), Username: identity.Username})
	return p, nil
}

// resolveRoles maps each permission to the organization's roles. Role names
// keep first-seen order and are de-duplicated.
func (a *Authenticator) resolveRoles(ctx context.Context, org *storage.Organization, permissions []string) ([]string, error) {
	var names []string
	for _, perm := range permissions {
		roles, err := lookup(ctx, a.timeout, func(ctx context.Context) ([]storage.Role, error) {
			return a.directory.RolesByOrgAndPermission(ctx, org.ID, perm)
		})
		if err != nil {
			return nil, fmt.Errorf("permission %q: %w", perm, err)
		}
		for _, r := range roles {
			if !slices.Contains(names, r.RoleName) {
				names = append(names, r.RoleName)
			}
		}
	}
	if len(names) == 0 {
		names = []string{DefaultRole}
	}
	return names, nil
}

func (a *Authenticator) reject(cert *x509.Certificate, stage Stage, reason string, err error) error {
	ev := Event{ID: uuid.New(), Stage: stage, Reason: reason}
	attrs := []any{
		slog.String("event_id", ev.ID),
		slog.String("stage", stage.String()),
		slog.String("reason", reason),
	}
	if cert != nil {
		ev.Serial = cert.SerialNumber.String()
		attrs = append(attrs, slog.String("serial", ev.Serial))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	a.logger.Warn("certificate authentication rejected", attrs...)
	a.notify(ev)
	return &Rejection{Stage: stage, Reason: reason, Err: err}
}

func (a *Authenticator) notify(ev Event) {
	if a.observer == nil {
		return
	}
	ev.Time = a.now().UTC()
	a.observer(ev)
}

// lookup runs fn under a timeout derived from ctx.
func lookup[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}
