package access

// Outcome is the verdict an Entry produces when it matches.
type Outcome int

const (
	Allow Outcome = iota
	Deny
	AuthRequired
	Log
	NoLog
)

// BoundSpec pairs a Spec with the entry-local negation flag.
type BoundSpec struct {
	Spec    *Spec
	Negated bool
}

// Entry is an ordered list of (spec, negated) elements plus the outcome
// it supplies when every element matches.
type Entry struct {
	Specs   []BoundSpec
	Outcome Outcome
	Realm   string // only meaningful when Outcome == AuthRequired
}

// Matches reports whether req satisfies every bound spec in e (with
// negation applied per-spec).
func (e *Entry) Matches(req *Request) bool {
	for _, bs := range e.Specs {
		if bs.Spec.Match(req) == bs.Negated {
			return false
		}
	}
	return true
}

// Chain is an ordered list of entries evaluated in insertion order; the
// first entry whose specs all match supplies the outcome.
type Chain struct {
	Entries []Entry
	Default Outcome
}

// Evaluate returns the outcome of the first matching entry, or c.Default
// if none match. It also returns the matching entry's realm for
// AuthRequired outcomes.
func (c *Chain) Evaluate(req *Request) (Outcome, *Entry) {
	for i := range c.Entries {
		if c.Entries[i].Matches(req) {
			return c.Entries[i].Outcome, &c.Entries[i]
		}
	}
	return c.Default, nil
}

// NewClientChain returns an empty chain defaulting to Allow, the
// default for both the check_client and check_request points.
func NewClientChain() *Chain { return &Chain{Default: Allow} }

// NewLoggingChain returns an empty chain defaulting to Deny, the
// check_logging default (meaning "do log"; the outcome names are
// inverted for logging since the default there is to include, not
// skip).
func NewLoggingChain() *Chain { return &Chain{Default: Deny} }

// CheckAuth runs access evaluation for a single check point: it
// evaluates the chain, and if the winning outcome is AuthRequired and
// the request carries no credentials, it reports Deny plus the realm
// to challenge with. A second pass is never made on the same request —
// the caller is expected to let the client retry on a fresh
// connection/transaction.
func CheckAuth(c *Chain, req *Request) (outcome Outcome, realm string) {
	verdict, entry := c.Evaluate(req)
	if verdict == AuthRequired {
		if req.HasCredentials {
			return Allow, ""
		}
		realm := "icap"
		if entry != nil && entry.Realm != "" {
			realm = entry.Realm
		}
		return Deny, realm
	}
	return verdict, ""
}
