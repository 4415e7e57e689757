package access

import (
	"fmt"
	"strings"
)

// ErrBadDirective is returned for malformed acl/icap_access directive
// lines.
var ErrBadDirective = fmt.Errorf("access: malformed directive")

// SpecType names the matcher kind used by the "acl <name> <type> ..."
// directive.
type SpecType string

const (
	TypeUser    SpecType = "user"
	TypeService SpecType = "service"
	TypeMethod  SpecType = "method"
	TypePort    SpecType = "srv_port"
	TypeClient  SpecType = "src"
	TypeServer  SpecType = "srv"
	TypeHeader  SpecType = "header"
	TypeType    SpecType = "type"
)

// Config accumulates acl/icap_access directives processed in declared
// order, matching the directive-processing model and "load / reset"
// lifecycle for ACL specs.
type Config struct {
	specs      map[string]*Spec
	specTypes  map[string]SpecType
	ClientChain  *Chain
	RequestChain *Chain
	LoggingChain *Chain
}

// NewConfig returns an empty, freshly-initialized ACL configuration.
func NewConfig() *Config {
	return &Config{
		specs:        make(map[string]*Spec),
		specTypes:    make(map[string]SpecType),
		ClientChain:  NewClientChain(),
		RequestChain: NewClientChain(),
		LoggingChain: NewLoggingChain(),
	}
}

// ParseDirective processes one configuration line: "acl ..." or
// "icap_access ...". Blank lines and lines starting with '#' are
// ignored. The chain argument selects which chain an icap_access line
// appends to (client/request/logging are configured at distinct points,
// so the caller — typically three passes over the same file with
// different sections — picks the destination).
func (c *Config) ParseDirective(line string, chain *Chain) error {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}
	switch fields[0] {
	case "acl":
		return c.parseACL(fields[1:])
	case "icap_access":
		return c.parseAccess(fields[1:], chain)
	default:
		return fmt.Errorf("%w: unknown directive %q", ErrBadDirective, fields[0])
	}
}

func (c *Config) parseACL(fields []string) error {
	if len(fields) < 2 {
		return fmt.Errorf("%w: acl requires a name and a type", ErrBadDirective)
	}
	name, typ := fields[0], SpecType(fields[1])
	values := fields[2:]

	if existing, ok := c.specs[name]; ok {
		if c.specTypes[name] != typ {
			return fmt.Errorf("%w: acl %q redefined with a different type", ErrBadDirective, name)
		}
		existing.AppendValues(values...)
		return nil
	}

	var spec *Spec
	var err error
	switch typ {
	case TypeUser:
		spec = NewStringSpec(name, AttrUsername, values...)
	case TypeService:
		spec = NewStringSpec(name, AttrServiceName, values...)
	case TypeMethod:
		spec = NewStringSpec(name, AttrMethod, values...)
	case TypePort:
		spec = NewIntSpec(name, AttrServerPort, values...)
	case TypeClient:
		spec, err = NewCIDRSpec(name, AttrClientIP, values...)
	case TypeServer:
		spec, err = NewCIDRSpec(name, AttrServerIP, values...)
	case TypeHeader:
		if len(values) < 1 {
			return fmt.Errorf("%w: acl %q type header requires a header name parameter", ErrBadDirective, name)
		}
		spec, err = NewRegexSpec(name, AttrHeader, values[0], values[1:]...)
	case TypeType:
		spec = NewDataTypeSpec(name, values...)
	default:
		return fmt.Errorf("%w: unknown acl type %q", ErrBadDirective, typ)
	}
	if err != nil {
		return err
	}
	c.specs[name] = spec
	c.specTypes[name] = typ
	return nil
}

func (c *Config) parseAccess(fields []string, chain *Chain) error {
	if len(fields) < 2 {
		return fmt.Errorf("%w: icap_access requires an outcome and at least one acl name", ErrBadDirective)
	}
	outcome, err := parseOutcome(fields[0])
	if err != nil {
		return err
	}
	entry := Entry{Outcome: outcome}
	for _, name := range fields[1:] {
		negated := strings.HasPrefix(name, "!")
		name = strings.TrimPrefix(name, "!")
		spec, ok := c.specs[name]
		if !ok {
			return fmt.Errorf("%w: icap_access references undefined acl %q", ErrBadDirective, name)
		}
		entry.Specs = append(entry.Specs, BoundSpec{Spec: spec, Negated: negated})
	}
	if chain == nil {
		chain = c.RequestChain
	}
	chain.Entries = append(chain.Entries, entry)
	return nil
}

func parseOutcome(s string) (Outcome, error) {
	switch strings.ToLower(s) {
	case "allow":
		return Allow, nil
	case "deny":
		return Deny, nil
	case "auth", "auth-required", "auth_required":
		return AuthRequired, nil
	case "log":
		return Log, nil
	case "nolog":
		return NoLog, nil
	default:
		return 0, fmt.Errorf("%w: unknown outcome %q", ErrBadDirective, s)
	}
}
