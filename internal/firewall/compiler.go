package firewall

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"grimm.is/timewall/internal/clock"
	"grimm.is/timewall/internal/logging"
	"grimm.is/timewall/internal/policy"
)

// Datapoint names recorded on every ruleset.
const (
	DatapointMTime     = "ruleset_mtime"
	DatapointSHA256    = "ruleset_sha256"
	DatapointCompileID = "compile_id"
	DatapointCompiled  = "compiled_at"
)

// ChainInitBundle labels the bundle that resets every chain before the
// policy's rules are appended.
const ChainInitBundle = "initializing all chains"

// Environment carries the external collaborators of a compilation pass.
// A nil Catalog falls back to the builtin service table; a nil Resolver or
// Addresses degrades the affected fields to warnings.
type Environment struct {
	Catalog   Catalog
	Resolver  HostResolver
	Addresses AddressSource
}

// Option configures a Compiler.
type Option func(*Compiler)

// WithClock sets the source of the instant conditions are evaluated at.
func WithClock(c clock.Clock) Option {
	return func(comp *Compiler) { comp.clock = c }
}

// WithLogger sets the compiler's logger.
func WithLogger(l *logging.Logger) Option {
	return func(comp *Compiler) { comp.logger = l }
}

// WithIgnoreErrors makes Compile skip entries that fail instead of aborting.
func WithIgnoreErrors(ignore bool) Option {
	return func(comp *Compiler) { comp.ignoreErrors = ignore }
}

// Compiler turns policy documents into rulesets. A Compiler holds no state
// between calls; every Compile builds a fresh Ruleset.
type Compiler struct {
	env          Environment
	clock        clock.Clock
	logger       *logging.Logger
	ignoreErrors bool
}

// NewCompiler creates a compiler bound to env.
func NewCompiler(env Environment, opts ...Option) *Compiler {
	c := &Compiler{
		env:    env,
		clock:  clock.Default,
		logger: logging.WithComponent("compiler"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.env.Catalog == nil {
		c.env.Catalog = BuiltinCatalog()
	}
	return c
}

// Compile compiles every chain of doc in document order.
func (c *Compiler) Compile(ctx context.Context, doc *policy.Document) (*Ruleset, error) {
	now := c.clock.Now()
	rs := NewRuleset(now)
	rs.AddDatapoint(DatapointMTime, doc.Source.MTimeMicros())
	rs.AddDatapoint(DatapointSHA256, doc.Source.Fingerprint)
	rs.AddDatapoint(DatapointCompileID, uuid.NewString())
	rs.AddDatapoint(DatapointCompiled, now.UTC().Format(time.RFC3339Nano))

	p := &pass{
		ctx:        ctx,
		env:        c.env,
		hosts:      doc.Hosts,
		interfaces: doc.Interfaces,
		logger:     c.logger,
		ruleset:    rs,
		now:        now,
	}

	rs.AddBundle(chainInitBundle(doc.Chains))

	for _, spec := range doc.Chains {
		chain := ParseChain(spec.Name)
		for _, entry := range spec.Rules {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			label := entryLabel(entry)
			if err := p.insert(chain, entry, label); err != nil {
				err = annotate(err, spec.Name, label, "")
				if !c.ignoreErrors {
					return nil, err
				}
				c.logger.Warn("Continuing in spite of error", "error", err)
				rs.addSkipped(err)
			}
		}
	}

	c.logger.Debug("compiled policy",
		"chains", len(doc.Chains),
		"bundles", len(rs.Bundles()),
		"warnings", len(rs.Warnings()))
	return rs, nil
}

func chainInitBundle(chains []policy.ChainSpec) *Bundle {
	b := NewBundle(ChainInitBundle)
	for _, spec := range chains {
		chain := ParseChain(spec.Name)
		if spec.Default != "" {
			b.New().AddFixed(chain.PolicyDirective(spec.Default))
		}
		b.New().AddFixed(chain.FlushDirective())
	}
	return b
}

// entryLabel names the bundle of an entry: its comment, or the entry itself
// as canonical JSON.
func entryLabel(entry policy.Entry) string {
	if c, ok := entry["comment"].(string); ok && c != "" {
		return c
	}
	data, err := json.Marshal(map[string]any(entry))
	if err != nil {
		return fmt.Sprint(map[string]any(entry))
	}
	return string(data)
}

// pass is the state of one Compile call.
type pass struct {
	ctx        context.Context
	env        Environment
	hosts      map[string][]string
	interfaces map[string]string
	logger     *logging.Logger
	ruleset    *Ruleset
	now        time.Time
}

// warn logs a degraded result and records it on the ruleset.
func (p *pass) warn(msg string, kv ...any) {
	p.logger.Warn(msg, kv...)

	var sb strings.Builder
	sb.WriteString(msg)
	for i := 0; i+1 < len(kv); i += 2 {
		fmt.Fprintf(&sb, " %v=%v", kv[i], kv[i+1])
	}
	p.ruleset.addWarning(sb.String())
}

func (p *pass) insert(chain Chain, entry policy.Entry, label string) error {
	spec, err := p.resolve(entry)
	if err != nil {
		return err
	}
	if err := p.validate(spec); err != nil {
		return err
	}
	if spec.cond != nil && !spec.cond.Satisfied(p.now) {
		p.logger.Debug("condition not satisfied, skipping rule", "rule", label)
		return nil
	}
	p.ruleset.AddBundle(p.bundle(spec, chain, label))
	return nil
}

// ruleSpec is a rule entry with every field resolved. Per-direction values
// are indexed by direction.
type ruleSpec struct {
	present fieldSet

	action    Action
	proto     Protocol
	criterion Criterion
	comment   string
	icmpTypes []ICMPType
	cond      *Condition
	forwardTo ForwardTarget
	msg       string

	services [2]*Service
	hosts    [2][]string
	nets     [2][]string
	ifaddrs  [2][]string
	ifs      [2][]string

	forwardAddrs []string
}

func (p *pass) resolve(entry policy.Entry) (*ruleSpec, error) {
	spec := &ruleSpec{}
	for _, key := range sortedKeys(entry) {
		if IsPrivateKey(key) {
			continue
		}
		field, ok := LookupField(key)
		if !ok {
			return nil, &PolicyError{Kind: ErrUnknownField, Field: key, Msg: "unrecognized rule key"}
		}
		if err := p.resolveField(spec, field, entry[key]); err != nil {
			return nil, annotate(err, "", "", key)
		}
		spec.present.add(field)
	}
	return spec, nil
}

func (p *pass) resolveField(s *ruleSpec, f Field, raw any) error {
	var text string
	if f != FieldCriterion && f != FieldCond {
		t, err := scalarString(raw)
		if err != nil {
			return policyErrorf(ErrUnknownField, "%v", err)
		}
		text = t
	}

	var err error
	switch f {
	case FieldAction:
		s.action, err = ParseAction(text)
	case FieldProto:
		s.proto, err = ParseProtocol(text)
	case FieldCriterion:
		s.criterion, err = ParseCriterion(raw)
	case FieldComment:
		s.comment = text
	case FieldDestService, FieldSrcService:
		s.services[fieldDirection(f)], err = ParseService(text, p.env.Catalog)
	case FieldICMPType:
		s.icmpTypes, err = ParseICMPTypes(text)
	case FieldCond:
		s.cond, err = ParseCondition(raw)
	case FieldForwardTo:
		s.forwardTo, err = ParseForwardTarget(text)
	case FieldMsg:
		s.msg = text
	case FieldDestHost, FieldSrcHost:
		s.hosts[fieldDirection(f)] = p.resolveHostname(text)
	case FieldDestNet, FieldSrcNet:
		var devices []string
		if devices, err = p.interfaceDevices(text); err == nil {
			s.nets[fieldDirection(f)] = p.interfaceNetworks(devices)
		}
	case FieldDestIfaddr, FieldSrcIfaddr:
		var devices []string
		if devices, err = p.interfaceDevices(text); err == nil {
			s.ifaddrs[fieldDirection(f)] = p.interfaceAddresses(devices)
		}
	case FieldDestIf, FieldSrcIf:
		s.ifs[fieldDirection(f)], err = p.interfaceDevices(text)
	default:
		panic(fmt.Sprintf("firewall: unhandled field %v", f))
	}
	return err
}

func fieldDirection(f Field) direction {
	switch f {
	case FieldSrcService, FieldSrcHost, FieldSrcNet, FieldSrcIfaddr, FieldSrcIf:
		return dirSrc
	}
	return dirDest
}

// validate checks the cross-field constraints of a resolved entry.
func (p *pass) validate(s *ruleSpec) error {
	if !s.present.has(FieldAction) {
		return &PolicyError{Kind: ErrIncompatibleOptions, Field: FieldAction.String(), Msg: "action is not defined"}
	}

	if s.present.has(FieldProto) {
		for _, f := range []Field{FieldDestService, FieldSrcService, FieldICMPType} {
			if s.present.has(f) {
				return &PolicyError{
					Kind:  ErrIncompatibleOptions,
					Field: f.String(),
					Msg:   fmt.Sprintf("%q and %q are mutually exclusive", f, FieldProto),
				}
			}
		}
	}

	if s.present.has(FieldMsg) && s.action != ActionLog {
		p.warn("msg is only used by log rules", "action", s.action)
	}

	if s.action != ActionPortForward {
		return nil
	}

	for _, f := range []Field{FieldDestIfaddr, FieldDestService, FieldForwardTo} {
		if !s.present.has(f) {
			return policyErrorf(ErrIncompatibleOptions, "port forwarding requires %q", f)
		}
	}

	svc := s.services[dirDest]
	if s.forwardTo.HasPort && !s.forwardTo.Relative && svc.MaxSpanCount() > 1 {
		return &PolicyError{
			Kind:  ErrIncompatibleOptions,
			Field: FieldForwardTo.String(),
			Msg:   "port forwarding requires a relative port mapping when the service has more than one span",
		}
	}
	if s.forwardTo.Relative {
		for _, proto := range svc.Protocols() {
			for _, port := range []int{svc.Ports(proto).First(), lastPort(svc.Ports(proto))} {
				if mapped := s.forwardTo.MappedPort(port); mapped < 0 || mapped > MaxPort {
					return &PolicyError{
						Kind:  ErrIncompatibleOptions,
						Field: FieldForwardTo.String(),
						Msg:   fmt.Sprintf("port %d maps to %d which is out of range", port, mapped),
					}
				}
			}
		}
	}

	addrs := p.resolveHostname(s.forwardTo.Host)
	if len(addrs) != 1 {
		return &PolicyError{
			Kind:  ErrIncompatibleOptions,
			Field: FieldForwardTo.String(),
			Msg: fmt.Sprintf("port forwarding requires exactly one address for %q, found %d (%s)",
				s.forwardTo.Host, len(addrs), strings.Join(addrs, ", ")),
		}
	}
	s.forwardAddrs = addrs
	return nil
}

func lastPort(pm *PortMap) int {
	ports := pm.Ports()
	return ports[len(ports)-1]
}

// bundle builds the single template of an entry. Axis order fixes the
// argument order of every rendered command.
func (p *pass) bundle(s *ruleSpec, chain Chain, label string) *Bundle {
	b := NewBundle(label)
	r := b.New()
	r.AddFixed(chain.AppendDirective())

	if s.present.has(FieldProto) {
		g := r.AddGroup(FieldProto.String())
		for _, tok := range s.proto.Tokens() {
			g.Add("-p", tok)
		}
	}

	if s.present.has(FieldICMPType) {
		g := r.AddGroup(FieldICMPType.String())
		for _, t := range s.icmpTypes {
			g.Add("-p", "icmp", "--icmp-type", t.Token())
		}
	}

	for _, d := range []direction{dirSrc, dirDest} {
		if s.present.has(d.pick(FieldSrcIf, FieldDestIf)) {
			g := r.AddGroup(d.prefix() + "-if")
			for _, dev := range s.ifs[d] {
				g.Add(d.ifaceFlag(), dev)
			}
		}
		if s.present.has(d.pick(FieldSrcNet, FieldDestNet)) {
			g := r.AddGroup(d.prefix() + "-net")
			for _, network := range s.nets[d] {
				g.Add(d.addrFlag(), network)
			}
		}
		if s.present.has(d.pick(FieldSrcService, FieldDestService)) {
			p.addServiceGroup(r, s, d)
		}
		if s.present.has(d.pick(FieldSrcIfaddr, FieldDestIfaddr)) {
			g := r.AddGroup(d.prefix() + "-ifaddr")
			for _, addr := range s.ifaddrs[d] {
				g.Add(d.addrFlag(), addr)
			}
		}
		if s.present.has(d.pick(FieldSrcHost, FieldDestHost)) {
			g := r.AddGroup(d.prefix() + "-host")
			for _, addr := range s.hosts[d] {
				g.Add(d.addrFlag(), addr)
			}
		}
	}

	if s.criterion != nil {
		s.criterion.apply(r)
	}

	// port-forward rules live in nat.PREROUTING and carry their own DNAT
	// target in the service axis.
	if target := s.action.Target(); target != "" {
		r.AddFixed(Fragment{"-j", target})
	}
	if s.action == ActionLog && s.present.has(FieldMsg) {
		r.AddFixed(Fragment{"--log-prefix", s.msg + ": "})
	}
	if s.present.has(FieldComment) {
		r.AddFixed(Fragment{"-m", "comment", "--comment", s.comment})
	}
	return b
}

func (p *pass) addServiceGroup(r *Rule, s *ruleSpec, d direction) {
	g := r.AddGroup(d.prefix() + "-service")
	svc := s.services[d]
	for _, proto := range svc.Protocols() {
		pm := svc.Ports(proto)

		if d == dirDest && s.action == ActionPortForward {
			for _, port := range pm.Singles() {
				g.Add(append([]string{"-p", proto, "--dport", strconv.Itoa(port)},
					p.dnatTarget(s, port, port)...)...)
			}
			for _, rg := range pm.Ranges() {
				g.Add(append([]string{"-p", proto, "--dport", rg.String()},
					p.dnatTarget(s, rg.Start, rg.End)...)...)
			}
			continue
		}

		if pm.PortCount() == 1 {
			g.Add("-p", proto, d.portOption(), strconv.Itoa(pm.First()))
			continue
		}
		switch singles := pm.Singles(); len(singles) {
		case 0:
		case 1:
			g.Add("-p", proto, d.portOption(), strconv.Itoa(singles[0]))
		default:
			g.Add("-p", proto, "--match", "multiport", d.multiportOption(), joinInts(singles))
		}
		for _, rg := range pm.Ranges() {
			g.Add("-p", proto, "--match", "multiport", d.multiportOption(), rg.String())
		}
	}
}

// dnatTarget renders the DNAT jump for incoming ports first..last. A
// relative mapping of a range becomes a shifted port pool
// ("host:a'-b'/a"), so every incoming port keeps its own offset.
func (p *pass) dnatTarget(s *ruleSpec, first, last int) []string {
	host := s.forwardTo.Host
	switch len(s.forwardAddrs) {
	case 0:
		p.warn("port forward target could not be resolved", "host", host)
	case 1:
		host = s.forwardAddrs[0]
	default:
		p.warn("port forward target has several addresses, using the first",
			"host", host, "count", len(s.forwardAddrs))
		host = s.forwardAddrs[0]
	}

	ft := s.forwardTo
	to := host
	switch {
	case !ft.HasPort:
	case ft.Relative && first != last:
		to = fmt.Sprintf("%s:%d-%d/%d", host, ft.MappedPort(first), ft.MappedPort(last), first)
	default:
		to = fmt.Sprintf("%s:%d", host, ft.MappedPort(first))
	}
	return []string{"-j", "DNAT", "--to", to}
}

func joinInts(ports []int) string {
	parts := make([]string, len(ports))
	for i, port := range ports {
		parts[i] = strconv.Itoa(port)
	}
	return strings.Join(parts, ",")
}
