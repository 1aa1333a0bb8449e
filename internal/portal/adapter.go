package portal

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AdapterConfig bounds the retry behavior for transport-level failures.
type AdapterConfig struct {
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultAdapterConfig returns the stock retry bounds.
func DefaultAdapterConfig() AdapterConfig {
	return AdapterConfig{
		MaxRetries:   3,
		RetryBackoff: 500 * time.Millisecond,
	}
}

// Adapter composes the session client, extractor and encoder into
// resource-level operations. It is the single place raw failures become the
// typed taxonomy and the single place retry decisions are made: transport
// errors retry with backoff, session expiry gets its one re-auth pass inside
// the client, and ambiguous/not-found/validation outcomes are deterministic
// and surface immediately.
type Adapter struct {
	client *Client
	cfg    AdapterConfig
	logger *zap.Logger
}

// NewAdapter wires an adapter over an opened (or openable) client. logger
// may be nil.
func NewAdapter(client *Client, cfg AdapterConfig, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	return &Adapter{client: client, cfg: cfg, logger: logger}
}

// Open restores or seeds the underlying session.
func (a *Adapter) Open(ctx context.Context) error {
	return a.client.Open(ctx)
}

const listPath = "/profiles"

func collectionPath(typ EntityType) string {
	return listPath + "/" + string(typ)
}

func editPath(typ EntityType, id string) string {
	return collectionPath(typ) + "/" + id + "/edit"
}

// List scrapes the full profiles listing.
func (a *Adapter) List(ctx context.Context) ([]Summary, error) {
	var rows []Summary
	err := a.withRetry(ctx, "list", func() error {
		resp, err := a.client.Get(ctx, listPath)
		if err != nil {
			return err
		}
		rows, err = ListRows(resp.Body)
		return err
	})
	if err != nil {
		return nil, err
	}
	a.logger.Debug("profiles listed", zap.Int("rows", len(rows)))
	return rows, nil
}

// Search finds a profile by exact name (case-insensitive). Zero matches is
// NotFoundError; a unique match is resolved to the full profile via its
// edit page; more than one match is AmbiguousError — the adapter never
// guesses on the caller's behalf.
func (a *Adapter) Search(ctx context.Context, name string) (*Profile, error) {
	rows, err := a.List(ctx)
	if err != nil {
		// A remote 409 arrives bare from the client; attach the search
		// context before it reaches the caller.
		var ambiguous *AmbiguousError
		if errors.As(err, &ambiguous) && ambiguous.Name == "" {
			ambiguous.Name = name
		}
		return nil, err
	}

	want := strings.TrimSpace(name)
	var matches []Summary
	for _, row := range rows {
		if strings.EqualFold(strings.TrimSpace(row.Name), want) {
			matches = append(matches, row)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &NotFoundError{Name: name}
	case 1:
		return a.FetchByID(ctx, matches[0].Type, matches[0].ID)
	default:
		return nil, &AmbiguousError{Name: name, Matches: matches}
	}
}

// FetchByID scrapes the edit page for one profile into a flat field map.
func (a *Adapter) FetchByID(ctx context.Context, typ EntityType, id string) (*Profile, error) {
	var profile *Profile
	err := a.withRetry(ctx, "fetch", func() error {
		resp, err := a.client.Get(ctx, editPath(typ, id))
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) {
				return &NotFoundError{Type: typ, ID: id}
			}
			return err
		}
		fields, err := FormFields(resp.Body)
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			// An edit page with no form means the id does not exist and
			// the portal rendered a friendly page instead of a 404.
			return &NotFoundError{Type: typ, ID: id}
		}
		profile = &Profile{ID: id, Type: typ, Fields: fields}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// Create submits a new profile. The portal answers a successful create with
// a redirect; when the Location names the new edit page the id is resolved
// from it, otherwise the result is marked pending and the caller recovers
// the id with a follow-up Search. No id is ever fabricated.
func (a *Adapter) Create(ctx context.Context, typ EntityType, fields FormSnapshot) (*CreateResult, error) {
	var result *CreateResult
	err := a.withRetry(ctx, "create", func() error {
		// Token from the collection page; Submit keeps the fetch and the
		// POST in one critical section so the token cannot rotate between.
		resp, err := a.client.Submit(ctx, collectionPath(typ), collectionPath(typ),
			func(_ *Response, token string) (url.Values, error) {
				return EncodeCreate(fields, token), nil
			})
		if err != nil {
			return err
		}
		if !resp.IsRedirect() {
			if fieldErrs := ValidationErrors(resp.Body); len(fieldErrs) > 0 {
				return &ValidationError{Fields: fieldErrs}
			}
			return NewStatusError(resp.Status, resp.URL, []byte(resp.Body))
		}

		location := resp.Location()
		if m := editPathRe.FindStringSubmatch(location); m != nil {
			a.logger.Info("profile created", zap.String("id", m[2]))
			result = &CreateResult{
				Profile:  &Profile{ID: m[2], Type: typ, Fields: fields.Clone()},
				Location: location,
			}
			return nil
		}
		// Redirected to the listing: created, but the id is not in the
		// URL. The caller resolves it by searching for the name.
		a.logger.Info("profile created, id pending", zap.String("location", location))
		result = &CreateResult{PendingID: true, Location: location}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Update rewrites a profile. The edit page is fetched fresh first: it is
// both the token source and the baseline snapshot, because the portal
// blanks any field omitted from the submission. Success is the redirect
// back to the same edit page (or the flash banner on a 200); anything else
// is a failed update.
func (a *Adapter) Update(ctx context.Context, typ EntityType, id string, changes FormSnapshot) (*Profile, error) {
	var profile *Profile
	err := a.withRetry(ctx, "update", func() error {
		var baseline FormSnapshot
		resp, err := a.client.Submit(ctx, editPath(typ, id), editPath(typ, id),
			func(page *Response, token string) (url.Values, error) {
				fields, err := FormFields(page.Body)
				if err != nil {
					return nil, err
				}
				if len(fields) == 0 {
					return nil, &NotFoundError{Type: typ, ID: id}
				}
				baseline = fields
				return EncodeUpdate(fields, changes, token), nil
			})
		if err != nil {
			var nf *NotFoundError
			if errors.As(err, &nf) && nf.ID == "" {
				return &NotFoundError{Type: typ, ID: id}
			}
			return err
		}

		switch {
		case resp.IsRedirect() && strings.Contains(resp.Location(), editPath(typ, id)):
			// The usual shape: 302 back to the edit page.
		case resp.IsRedirect() && strings.Contains(resp.Location(), listPath):
			// Some portal screens bounce to the listing instead.
		case resp.Status == 200 && HasUpdateFlash(resp.Body):
		case resp.Status == 200:
			if fieldErrs := ValidationErrors(resp.Body); len(fieldErrs) > 0 {
				return &ValidationError{Fields: fieldErrs}
			}
			return fmt.Errorf("update not confirmed: %w", NewStatusError(resp.Status, resp.URL, []byte(resp.Body)))
		default:
			return NewStatusError(resp.Status, resp.URL, []byte(resp.Body))
		}

		a.logger.Info("profile updated", zap.String("id", id))
		profile = &Profile{ID: id, Type: typ, Fields: baseline.Merge(changes)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return profile, nil
}

// withRetry reruns fn on transport errors only, with exponential backoff,
// up to the configured bound. Every other failure is deterministic and
// returns on the first attempt.
func (a *Adapter) withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := a.cfg.RetryBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn()
		if err == nil || !Retryable(err) {
			return err
		}
		if attempt >= a.cfg.MaxRetries {
			a.logger.Error("retries exhausted",
				zap.String("op", op),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return err
		}
		a.logger.Warn("transport error, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return &TransportError{Op: op, Err: ctx.Err()}
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
