// Package wire holds the messages exchanged between scopes and the codec
// used to serialise them.
//
// Every interaction carries two parts: a data part (`Request` or `Response`)
// and a metadata part (`Meta` for calls, `RouteMeta` for topology pushes).
// A message with metadata and an empty data part is a topology push.
package wire

const (
	// UnknownName is the name of a remote until it announced itself.
	UnknownName = "UNK"

	// RouteMark is appended to a domain only known indirectly.
	RouteMark = '?'

	// CallbackSep separates the origin scope from the rest of a callback
	// address.
	CallbackSep = '@'
)

// Hop is one entry of a call trace.
type Hop struct {
	Tick  int64  `codec:"t"`
	Scope string `codec:"s"`
}

// Meta is the envelope of a call.
type Meta struct {
	Sign     string `codec:"sign"`
	From     string `codec:"from,omitempty"`
	Tick     int64  `codec:"tick"`
	Trace    bool   `codec:"trace,omitempty"`
	Callback bool   `codec:"cb,omitempty"`
	UUID     string `codec:"uuid,omitempty"`
	Link     []Hop  `codec:"link,omitempty"`

	// Via lists the scopes a callback call may cross on its way to the
	// origin of the callback, origin first.
	Via []string `codec:"via,omitempty"`
}

// AddTrace records that the call went through scope at tick.
// Calling it twice on the same scope only records one hop.
func (m *Meta) AddTrace(tick int64, scope string) bool {
	if n := len(m.Link); n > 0 && m.Link[n-1].Scope == scope {
		return false
	}
	m.Link = append(m.Link, Hop{Tick: tick, Scope: scope})
	return true
}

// Clone returns a deep copy of m, so the trace can be extended without
// touching the original.
func (m Meta) Clone() Meta {
	if m.Link != nil {
		link := make([]Hop, len(m.Link))
		copy(link, m.Link)
		m.Link = link
	}
	if m.Via != nil {
		m.Via = append([]string(nil), m.Via...)
	}
	return m
}

// RouteMeta is the topology snapshot pushed between neighbours.
//
// Known is the sender's belief about the routes advertised by the
// receiver; the receiver pushes back when it does not match.
//
// Paths holds, for every routed domain of Routes, the scopes the route
// crosses after the sender, closest first. Seq increases with every meta
// a sender emits, so reordered ones can be told apart.
type RouteMeta struct {
	Seq           int64               `codec:"seq"`
	Name          string              `codec:"name"`
	ResumeEnabled bool                `codec:"resume,omitempty"`
	Routes        []string            `codec:"routes"`
	Known         []string            `codec:"known"`
	Paths         map[string][]string `codec:"paths,omitempty"`
}

type ArgumentKind uint8

const (
	ArgValue ArgumentKind = iota
	ArgCallback
)

// Argument of a call: either an encoded value or the address of a
// callback living on another scope.
type Argument struct {
	Kind    ArgumentKind `codec:"k"`
	Value   []byte       `codec:"v,omitempty"`
	Address string       `codec:"a,omitempty"`
}

type Request struct {
	Tick      int64      `codec:"tick"`
	Arguments []Argument `codec:"args"`
}

// Result is the terminal outcome of a call. Value and Error are
// independent, which gives four observable states.
type Result struct {
	Value    []byte `codec:"v,omitempty"`
	HasValue bool   `codec:"hv,omitempty"`
	Error    string `codec:"e,omitempty"`
	HasError bool   `codec:"he,omitempty"`
}

// Response is either a terminal Result or one Element of a stream.
type Response struct {
	Tick    int64   `codec:"tick"`
	Result  *Result `codec:"r,omitempty"`
	Element []byte  `codec:"el,omitempty"`
}

// ErrorResult builds a Result holding only an error message.
func ErrorResult(msg string) *Result {
	return &Result{Error: msg, HasError: true}
}
