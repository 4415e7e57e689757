// Package access implements the ACL matcher and the ordered
// access-entry evaluator: allow/deny/auth-required/log/nolog rules
// gating entry into adaptation, plus the basic-auth challenge
// integration.
package access

import (
	"net"
	"regexp"
	"strconv"
)

// Attribute identifies which datum of a request a Spec matches against.
type Attribute int

const (
	AttrUsername Attribute = iota
	AttrServiceName
	AttrMethod
	AttrClientIP
	AttrServerIP
	AttrServerPort
	AttrHeader
	AttrDataType
)

// Request is the minimal view of an in-flight ICAP transaction the
// matcher needs; icapsrv adapts message.Transaction into this shape so
// access stays independent of the wire/message packages.
type Request struct {
	Username    string
	ServiceName string
	Method      string
	ClientAddr  net.IP
	ServerAddr  net.IP
	ServerPort  int
	Header      func(name string) (string, bool)
	DataType    string

	// HasCredentials reports whether the request already carried
	// Proxy-Authorization-equivalent credentials, used by AUTH_REQUIRED
	// entries to decide whether to challenge or accept.
	HasCredentials bool
}

// Spec is a named matcher over one Attribute, holding one or more
// acceptable values with type-specific equality.
type Spec struct {
	Name      string
	Attribute Attribute
	HeaderName string // only used when Attribute == AttrHeader

	kind   specKind
	values []string
	cidrs  []*net.IPNet
	res    []*regexp.Regexp
}

type specKind int

const (
	kindString specKind = iota
	kindInt
	kindCIDR
	kindRegex
	kindDataType
)

// NewStringSpec builds a Spec matching by exact string equality,
// case-sensitive, against one of values.
func NewStringSpec(name string, attr Attribute, values ...string) *Spec {
	return &Spec{Name: name, Attribute: attr, kind: kindString, values: values}
}

// NewIntSpec builds a Spec matching integer equality (e.g. server port).
func NewIntSpec(name string, attr Attribute, values ...string) *Spec {
	return &Spec{Name: name, Attribute: attr, kind: kindInt, values: values}
}

// NewCIDRSpec builds a Spec matching CIDR containment against client or
// server IP.
func NewCIDRSpec(name string, attr Attribute, cidrs ...string) (*Spec, error) {
	s := &Spec{Name: name, Attribute: attr, kind: kindCIDR}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			// Accept a bare IP as a /32 or /128 network.
			ip := net.ParseIP(c)
			if ip == nil {
				return nil, err
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			_, ipnet, err = net.ParseCIDR(ip.String() + "/" + strconv.Itoa(bits))
			if err != nil {
				return nil, err
			}
		}
		s.cidrs = append(s.cidrs, ipnet)
	}
	return s, nil
}

// NewRegexSpec builds a Spec matching a compiled regular expression
// against a header value or other string attribute.
func NewRegexSpec(name string, attr Attribute, headerName string, patterns ...string) (*Spec, error) {
	s := &Spec{Name: name, Attribute: attr, HeaderName: headerName, kind: kindRegex}
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, err
		}
		s.res = append(s.res, re)
	}
	return s, nil
}

// NewDataTypeSpec builds a Spec matching detected content-type ids by
// equality (e.g. the filetype classifier's output).
func NewDataTypeSpec(name string, values ...string) *Spec {
	return &Spec{Name: name, Attribute: AttrDataType, kind: kindDataType, values: values}
}

// AppendValues adds more acceptable values to an existing string/int/
// data-type spec, matching the "acl <name> ... appends values to an
// existing spec" directive semantics.
func (s *Spec) AppendValues(values ...string) {
	s.values = append(s.values, values...)
}

// datum extracts the single string this spec compares against from req.
func (s *Spec) datum(req *Request) (string, bool) {
	switch s.Attribute {
	case AttrUsername:
		return req.Username, req.Username != ""
	case AttrServiceName:
		return req.ServiceName, true
	case AttrMethod:
		return req.Method, true
	case AttrClientIP:
		if req.ClientAddr == nil {
			return "", false
		}
		return req.ClientAddr.String(), true
	case AttrServerIP:
		if req.ServerAddr == nil {
			return "", false
		}
		return req.ServerAddr.String(), true
	case AttrServerPort:
		return strconv.Itoa(req.ServerPort), true
	case AttrHeader:
		if req.Header == nil {
			return "", false
		}
		return req.Header(s.HeaderName)
	case AttrDataType:
		return req.DataType, req.DataType != ""
	default:
		return "", false
	}
}

// Match reports whether req satisfies this spec: any-of the configured
// values/patterns, using type-specific equality.
func (s *Spec) Match(req *Request) bool {
	datum, ok := s.datum(req)
	if !ok {
		return false
	}
	switch s.kind {
	case kindString, kindDataType:
		for _, v := range s.values {
			if v == datum {
				return true
			}
		}
		return false
	case kindInt:
		n, err := strconv.Atoi(datum)
		if err != nil {
			return false
		}
		for _, v := range s.values {
			want, err := strconv.Atoi(v)
			if err == nil && want == n {
				return true
			}
		}
		return false
	case kindCIDR:
		ip := net.ParseIP(datum)
		if ip == nil {
			return false
		}
		for _, n := range s.cidrs {
			if n.Contains(ip) {
				return true
			}
		}
		return false
	case kindRegex:
		for _, re := range s.res {
			if re.MatchString(datum) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Username decodes a Basic-style base64 "user:pass" blob, returning just
// the username, for extracting AttrUsername from an
// X-Authenticated-User-shaped header.
func Username(b64 string) (string, bool) {
	return decodeBasicUser(b64)
}
