package dispute

import (
	"context"
	"fmt"
	"time"
)

// HandleOwner is one row of the standing payment-handle mapping
type HandleOwner struct {
	OwnerID   string
	Deleted   bool
	CreatedAt time.Time
}

// Directory answers the lookups the router chains together. Lookups that find
// nothing return the zero value and a nil error.
type Directory interface {
	PrincipalExists(ctx context.Context, id string) (bool, error)
	// StandingOwners returns every owner ever mapped to handle, oldest first
	StandingOwners(ctx context.Context, handle string) ([]HandleOwner, error)
	TransactionOwner(ctx context.Context, transactionID string) (string, error)
	TransactionOwnerByUTR(ctx context.Context, utr string) (string, error)
	PoolOwner(ctx context.Context, handle string) (string, error)
	PayoutOwner(ctx context.Context, payoutID string) (string, error)
	PayoutOwnerByOrderRef(ctx context.Context, orderRef string) (string, error)
}

// Step is one lookup the router tried
type Step struct {
	Method  Method `json:"method"`
	Matched bool   `json:"matched"`
	Note    string `json:"note"`
}

// Route is the result of routing one dispute
type Route struct {
	Success       bool   `json:"success"`
	ResponsibleID string `json:"responsible_id,omitempty"`
	Method        Method `json:"method,omitempty"`
	Detail        string `json:"detail"`
	Steps         []Step `json:"steps"`
}

// Router resolves the responsible counter-party through a fixed priority chain
type Router struct {
	dir Directory
}

func NewRouter(dir Directory) *Router {
	return &Router{dir: dir}
}

type lookup struct {
	method Method
	key    string
	find   func(ctx context.Context, key string) (string, error)
}

// Route finds the responsible party for d. A supplied responsible party is
// verified and trusted; when verification fails the lookup chain runs as if
// none was supplied. Directory errors abort routing; the partial route with
// the steps tried so far is returned alongside the error.
func (r *Router) Route(ctx context.Context, d *Dispute) (*Route, error) {
	out := &Route{}

	if d.ResponsibleID != "" {
		ok, err := r.dir.PrincipalExists(ctx, d.ResponsibleID)
		if err != nil {
			return r.aborted(out, MethodPreassigned, fmt.Errorf("verify responsible party: %w", err))
		}
		if ok {
			out.Steps = append(out.Steps, Step{Method: MethodPreassigned, Matched: true, Note: "supplied responsible party verified"})
			return r.matched(out, MethodPreassigned, d.ResponsibleID), nil
		}
		out.Steps = append(out.Steps, Step{Method: MethodPreassigned, Note: fmt.Sprintf("supplied responsible party %s not found", d.ResponsibleID)})
	}

	for _, l := range r.chain(d) {
		if l.key == "" {
			out.Steps = append(out.Steps, Step{Method: l.method, Note: "no reference supplied"})
			continue
		}
		owner, err := l.find(ctx, l.key)
		if err != nil {
			return r.aborted(out, l.method, fmt.Errorf("%s lookup: %w", l.method, err))
		}
		if owner == "" {
			out.Steps = append(out.Steps, Step{Method: l.method, Note: fmt.Sprintf("no match for %q", l.key)})
			continue
		}
		out.Steps = append(out.Steps, Step{Method: l.method, Matched: true, Note: fmt.Sprintf("matched %q", l.key)})
		return r.matched(out, l.method, owner), nil
	}

	out.Detail = fmt.Sprintf("no responsible party found after %d lookups", len(out.Steps))
	return out, nil
}

func (r *Router) aborted(out *Route, method Method, err error) (*Route, error) {
	out.Steps = append(out.Steps, Step{Method: method, Note: err.Error()})
	out.Detail = fmt.Sprintf("routing aborted: %v", err)
	return out, err
}

func (r *Router) matched(out *Route, method Method, owner string) *Route {
	out.Success = true
	out.Method = method
	out.ResponsibleID = owner
	out.Detail = fmt.Sprintf("routed to %s via %s", owner, method)
	return out
}

func (r *Router) chain(d *Dispute) []lookup {
	if d.Type == TypeOutgoing {
		return []lookup{
			{MethodPayoutID, d.TransactionReference, r.dir.PayoutOwner},
			{MethodOrderReference, d.OrderReference, r.dir.PayoutOwnerByOrderRef},
		}
	}
	return []lookup{
		{MethodStandingMap, d.PaymentHandle, r.standingOwner},
		{MethodTransactionID, d.TransactionReference, r.dir.TransactionOwner},
		{MethodUTR, d.TransactionReference, r.dir.TransactionOwnerByUTR},
		{MethodPoolMapping, d.PaymentHandle, r.dir.PoolOwner},
	}
}

// standingOwner prefers the first non-deleted owner and falls back to the
// first owner when every mapping is deleted.
func (r *Router) standingOwner(ctx context.Context, handle string) (string, error) {
	owners, err := r.dir.StandingOwners(ctx, handle)
	if err != nil {
		return "", err
	}
	for _, o := range owners {
		if !o.Deleted {
			return o.OwnerID, nil
		}
	}
	if len(owners) > 0 {
		return owners[0].OwnerID, nil
	}
	return "", nil
}
