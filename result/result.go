// Package result holds the structured outcome of an endpoint
// invocation: per-forward replies and status codes, failed checks,
// messages, attached state, and embedded sub-results. A Result is
// constructed by the endpoint engine during one invocation and is not
// mutated afterwards; Report projects it into the shape requested by
// the client.
package result

import (
	"fmt"
	"strconv"

	"github.com/pithecene-io/coco/types"
)

// Reply is a single host's answer to a forwarded call. Status 0 encodes
// a transport failure; Body then carries the failure message.
type Reply struct {
	Body   any
	Status int
}

// Result is the composable outcome of an endpoint invocation.
type Result struct {
	name     string
	replies  map[string]map[types.Host]any
	status   map[string]map[types.Host]int
	embedded map[string]*Result
	order    []string
	messages []string
	// checks is forward → host URL → "reply" → failure type → var names.
	checks  map[string]map[string]map[string]map[string][]string
	state   map[string]any
	err     string
	success bool
	rtype   types.ReportType
}

// New creates an empty, successful result.
func New(name string, rtype types.ReportType) *Result {
	return &Result{
		name:     name,
		replies:  map[string]map[types.Host]any{},
		status:   map[string]map[types.Host]int{},
		embedded: map[string]*Result{},
		checks:   map[string]map[string]map[string]map[string][]string{},
		state:    map[string]any{},
		success:  true,
		rtype:    rtype,
	}
}

// NewError creates a failed result carrying only an error message.
func NewError(name, errMsg string, rtype types.ReportType) *Result {
	r := New(name, rtype)
	r.err = errMsg
	r.success = false
	return r
}

// NewSingle creates a FULL-typed result with one reply, attributed to
// the given host. Used by built-in endpoints answering as "coco".
func NewSingle(name string, host types.Host, body any, status int) *Result {
	r := New(name, types.ReportFull)
	r.AddReplies(name, map[types.Host]Reply{host: {Body: body, Status: status}})
	return r
}

// Name returns the result name (normally the endpoint name).
func (r *Result) Name() string { return r.name }

// Success reports whether the invocation is still considered
// successful.
func (r *Result) Success() bool { return r.success }

// SetSuccess overrides the success flag.
func (r *Result) SetSuccess(ok bool) { r.success = ok }

// Type returns the report type the result will default to.
func (r *Result) Type() types.ReportType { return r.rtype }

// SetType overrides the default report type.
func (r *Result) SetType(t types.ReportType) { r.rtype = t }

// AddReplies records per-host replies for a forward.
func (r *Result) AddReplies(forward string, replies map[types.Host]Reply) {
	if len(replies) == 0 {
		return
	}
	if _, ok := r.replies[forward]; !ok {
		r.replies[forward] = map[types.Host]any{}
		r.status[forward] = map[types.Host]int{}
	}
	for h, reply := range replies {
		r.replies[forward][h] = reply.Body
		r.status[forward][h] = reply.Status
	}
}

// Replies returns the merged per-host reply bodies across all forwards
// recorded on this result.
func (r *Result) Replies() map[types.Host]any {
	merged := map[types.Host]any{}
	for _, hosts := range r.replies {
		for h, body := range hosts {
			merged[h] = body
		}
	}
	return merged
}

// ReportFailure records a failed check for one host of one forward.
func (r *Result) ReportFailure(forward string, host types.Host, failureType, varname string) {
	fwd, ok := r.checks[forward]
	if !ok {
		fwd = map[string]map[string]map[string][]string{}
		r.checks[forward] = fwd
	}
	hc, ok := fwd[host.URL()]
	if !ok {
		hc = map[string]map[string][]string{"reply": {}}
		fwd[host.URL()] = hc
	}
	hc["reply"][failureType] = append(hc["reply"][failureType], varname)
}

// FailedChecks returns the raw failed-check tree.
func (r *Result) FailedChecks() map[string]map[string]map[string]map[string][]string {
	return r.checks
}

// AddMessage attaches an informational message.
func (r *Result) AddMessage(msg string) *Result {
	r.messages = append(r.messages, msg)
	return r
}

// SetState attaches a state subtree to the result.
func (r *Result) SetState(state map[string]any) {
	for k, v := range state {
		r.state[k] = v
	}
}

// Error returns the error message, if any.
func (r *Result) Error() string { return r.err }

// SetError marks the result as failed with an error message.
func (r *Result) SetError(msg string) {
	r.err = msg
	r.success = false
}

// Embed keeps a named child result (before/after/coco forwards,
// on-failure actions).
func (r *Result) Embed(name string, sub *Result) {
	if sub == nil {
		sub = New(name, r.rtype)
	}
	if _, ok := r.embedded[name]; !ok {
		r.order = append(r.order, name)
	}
	r.embedded[name] = sub
}

// Embedded returns a named child result, if present.
func (r *Result) Embedded(name string) (*Result, bool) {
	sub, ok := r.embedded[name]
	return sub, ok
}

// Absorb merges another result into this one: forwards, status codes,
// checks, state and messages are merged and success is combined.
func (r *Result) Absorb(other *Result) {
	if other == nil {
		return
	}
	for fwd, hosts := range other.replies {
		replies := make(map[types.Host]Reply, len(hosts))
		for h, body := range hosts {
			replies[h] = Reply{Body: body, Status: other.status[fwd][h]}
		}
		r.AddReplies(fwd, replies)
	}
	for fwd, hosts := range other.checks {
		for hostURL, hc := range hosts {
			for _, failures := range hc {
				for ftype, names := range failures {
					dst, ok := r.checks[fwd]
					if !ok {
						dst = map[string]map[string]map[string][]string{}
						r.checks[fwd] = dst
					}
					hdst, ok := dst[hostURL]
					if !ok {
						hdst = map[string]map[string][]string{"reply": {}}
						dst[hostURL] = hdst
					}
					hdst["reply"][ftype] = append(hdst["reply"][ftype], names...)
				}
			}
		}
	}
	for name, sub := range other.embedded {
		r.Embed(name, sub)
	}
	r.messages = append(r.messages, other.messages...)
	r.SetState(other.state)
	if other.err != "" && r.err == "" {
		r.err = other.err
	}
	r.success = r.success && other.success
}

// Report projects the result. An empty report type uses the type stored
// on the result.
func (r *Result) Report(rtype types.ReportType) map[string]any {
	if rtype == "" {
		rtype = r.rtype
	}
	d := map[string]any{}

	for _, name := range r.order {
		d[name] = r.embedded[name].Report(rtype)
	}

	if len(r.messages) == 1 {
		d["message"] = r.messages[0]
	} else if len(r.messages) > 1 {
		d["message"] = r.messages
	}

	d["success"] = r.success

	if r.err != "" {
		d["error"] = r.err
		return d
	}

	if len(r.state) > 0 {
		d["state"] = r.state
	}
	if len(r.checks) > 0 {
		d["failed_checks"] = r.reportChecks(rtype)
	}

	switch rtype {
	case types.ReportOverview:
		for name, hosts := range r.replies {
			counts := map[string]int{}
			for _, body := range hosts {
				counts[fmt.Sprintf("%v", body)]++
			}
			d[name] = counts
		}
	case types.ReportFull:
		for name, hosts := range r.replies {
			full := map[string]any{}
			for h, body := range hosts {
				full[h.URL()] = map[string]any{
					"reply":  body,
					"status": r.status[name][h],
				}
			}
			d[name] = full
		}
	case types.ReportCodes:
		for name, hosts := range r.status {
			codes := map[string]int{}
			for h, code := range hosts {
				codes[h.URL()] = code
			}
			d[name] = codes
		}
	case types.ReportCodesOverview:
		for name, hosts := range r.status {
			counts := map[string]int{}
			for _, code := range hosts {
				counts[strconv.Itoa(code)]++
			}
			d[name] = counts
		}
	default:
		d["error"] = fmt.Sprintf("Unknown report type: %s", rtype)
	}
	return d
}

// reportChecks projects the failed-check tree. Overview types count
// hosts with identical failures; FULL and CODES return the tree
// verbatim.
func (r *Result) reportChecks(rtype types.ReportType) any {
	switch rtype {
	case types.ReportOverview, types.ReportCodesOverview:
		report := map[string]any{}
		for fwd, hosts := range r.checks {
			counts := map[string]map[string]int{}
			for _, hc := range hosts {
				for ftype, names := range hc["reply"] {
					varlist := "[" + joinNames(names) + "]"
					if _, ok := counts[ftype]; !ok {
						counts[ftype] = map[string]int{}
					}
					counts[ftype][varlist]++
				}
			}
			report[fwd] = map[string]any{"reply": counts}
		}
		return report
	default:
		return r.checks
	}
}

func joinNames(names []string) string {
	out := ""
	for i, n := range names {
		if i > 0 {
			out += ", "
		}
		out += n
	}
	return out
}
