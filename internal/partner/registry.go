// Package partner holds the bidding partner registry and the callers that talk to partners.
package partner

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/leadwall/bidgate/internal/config"
	"golang.org/x/time/rate"
)

const (
	FormatNative  = "native"
	FormatOpenRTB = "openrtb"
)

var (
	ErrNotFound       = errors.New("partner not found")
	ErrInvalidPartner = errors.New("invalid partner")
)

type Partner struct {
	ID                  string             `json:"id"`
	Name                string             `json:"name"`
	Endpoint            string             `json:"endpoint"`
	APIKey              string             `json:"apiKey,omitempty"`
	Format              string             `json:"format"`
	Enabled             bool               `json:"enabled"`
	Priority            int                `json:"priority"`
	Multiplier          float64            `json:"multiplier"`
	VerticalMultipliers map[string]float64 `json:"verticalMultipliers,omitempty"`
	MinBid              float64            `json:"minBid"`
	MaxBid              float64            `json:"maxBid"`
	QPS                 float64            `json:"qps"`
	Burst               int                `json:"burst"`
}

// Terms is the per-auction slice of partner policy the normalizer applies.
type Terms struct {
	PartnerID  string
	Priority   int
	Multiplier float64
	MinBid     float64
	MaxBid     float64
}

func FromConfig(pc config.PartnerConfig) Partner {
	return Partner{
		ID:                  pc.ID,
		Name:                pc.Name,
		Endpoint:            pc.Endpoint,
		APIKey:              pc.APIKey,
		Format:              pc.Format,
		Enabled:             pc.Enabled,
		Priority:            pc.Priority,
		Multiplier:          pc.Multiplier,
		VerticalMultipliers: pc.VerticalMultipliers,
		MinBid:              pc.MinBid,
		MaxBid:              pc.MaxBid,
		QPS:                 pc.QPS,
		Burst:               pc.Burst,
	}
}

func (p *Partner) normalize() error {
	p.ID = strings.TrimSpace(p.ID)
	if p.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidPartner)
	}
	p.Format = strings.ToLower(strings.TrimSpace(p.Format))
	if p.Format == "" {
		p.Format = FormatNative
	}
	if p.Format != FormatNative && p.Format != FormatOpenRTB {
		return fmt.Errorf("%w: unknown format %q", ErrInvalidPartner, p.Format)
	}
	if p.Enabled && p.Endpoint == "" {
		return fmt.Errorf("%w: endpoint is required for enabled partner %s", ErrInvalidPartner, p.ID)
	}
	if p.Multiplier < 0 || p.MinBid < 0 || p.MaxBid < 0 || p.QPS < 0 {
		return fmt.Errorf("%w: negative value for partner %s", ErrInvalidPartner, p.ID)
	}
	if p.Multiplier == 0 {
		p.Multiplier = 1.0
	}
	if p.MaxBid > 0 && p.MinBid > p.MaxBid {
		return fmt.Errorf("%w: minBid exceeds maxBid for partner %s", ErrInvalidPartner, p.ID)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	return nil
}

type entry struct {
	partner Partner
	limiter *rate.Limiter // nil = unlimited
	caller  Caller
}

// Registry is the live partner table. Reads vastly outnumber admin writes.
type Registry struct {
	mu       sync.RWMutex
	partners map[string]*entry
	client   *http.Client
	retries  int
}

func NewRegistry(client *http.Client, retries int) *Registry {
	if client == nil {
		client = &http.Client{}
	}
	if retries < 0 {
		retries = 0
	}
	return &Registry{
		partners: make(map[string]*entry),
		client:   client,
		retries:  retries,
	}
}

// NewRegistryFromConfig loads the statically configured partners.
func NewRegistryFromConfig(cfg *config.Config, client *http.Client) (*Registry, error) {
	r := NewRegistry(client, cfg.Auction.PartnerRetries)
	for _, pc := range cfg.Partners {
		if err := r.Upsert(FromConfig(pc)); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Upsert adds or replaces a partner. The rate limiter and caller are rebuilt.
func (r *Registry) Upsert(p Partner) error {
	if err := p.normalize(); err != nil {
		return err
	}
	e := &entry{
		partner: p,
		caller:  r.newCaller(p),
	}
	if p.QPS > 0 {
		burst := p.Burst
		if burst <= 0 {
			burst = int(p.QPS)
			if burst < 1 {
				burst = 1
			}
		}
		e.limiter = rate.NewLimiter(rate.Limit(p.QPS), burst)
	}

	r.mu.Lock()
	r.partners[p.ID] = e
	r.mu.Unlock()
	return nil
}

func (r *Registry) newCaller(p Partner) Caller {
	if p.Format == FormatOpenRTB {
		return NewOpenRTBCaller(p, r.client, r.retries)
	}
	return NewHTTPCaller(p, r.client, r.retries)
}

// SetCaller overrides how a registered partner is reached.
func (r *Registry) SetCaller(id string, c Caller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.partners[id]
	if !ok {
		return ErrNotFound
	}
	e.caller = c
	return nil
}

func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.partners[id]
	if !ok {
		return ErrNotFound
	}
	if enabled && e.partner.Endpoint == "" {
		return fmt.Errorf("%w: partner %s has no endpoint", ErrInvalidPartner, id)
	}
	updated := *e
	updated.partner.Enabled = enabled
	r.partners[id] = &updated
	return nil
}

func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.partners[id]; !ok {
		return ErrNotFound
	}
	delete(r.partners, id)
	return nil
}

func (r *Registry) Get(id string) (Partner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.partners[id]
	if !ok {
		return Partner{}, false
	}
	return e.partner, true
}

// List returns every partner ordered by id.
func (r *Registry) List() []Partner {
	r.mu.RLock()
	out := make([]Partner, 0, len(r.partners))
	for _, e := range r.partners {
		out = append(out, e.partner)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Enabled returns enabled partners, highest priority first.
func (r *Registry) Enabled() []Partner {
	all := r.List()
	out := all[:0]
	for _, p := range all {
		if p.Enabled {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// multiplierFor resolves the price multiplier: vertical override, then partner default, then 1.0.
func (p Partner) multiplierFor(vertical string) float64 {
	if m, ok := p.VerticalMultipliers[vertical]; ok && m > 0 {
		return m
	}
	if p.Multiplier > 0 {
		return p.Multiplier
	}
	return 1.0
}

func (r *Registry) Terms(id, vertical string) Terms {
	p, ok := r.Get(id)
	if !ok {
		return Terms{PartnerID: id, Multiplier: 1.0}
	}
	return Terms{
		PartnerID:  p.ID,
		Priority:   p.Priority,
		Multiplier: p.multiplierFor(vertical),
		MinBid:     p.MinBid,
		MaxBid:     p.MaxBid,
	}
}

// Token is one outbound call taken from a partner's bucket.
type Token struct {
	res *rate.Reservation
	at  time.Time
}

// Release hands the token back when the call is not going to be made.
func (t Token) Release() {
	if t.res != nil {
		t.res.CancelAt(t.at)
	}
}

// Reserve takes one token from the partner's outbound bucket if one is available now.
func (r *Registry) Reserve(id string) (Token, bool) {
	r.mu.RLock()
	e, ok := r.partners[id]
	r.mu.RUnlock()
	if !ok {
		return Token{}, false
	}
	if e.limiter == nil {
		return Token{}, true
	}
	now := time.Now()
	res := e.limiter.ReserveN(now, 1)
	if !res.OK() {
		return Token{}, false
	}
	if res.DelayFrom(now) > 0 {
		res.CancelAt(now)
		return Token{}, false
	}
	return Token{res: res, at: now}, true
}

func (r *Registry) Caller(id string) (Caller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.partners[id]
	if !ok || e.caller == nil {
		return nil, false
	}
	return e.caller, true
}
