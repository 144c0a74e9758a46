package gateway

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Rule grants a set of users access to the command paths matched by its
// selector. Selectors are dotted paths: "*" matches everything,
// "session.*" matches the session subtree, "session.partition" matches
// exactly. "/session partition" is accepted as an alias for the dotted
// form.
type Rule struct {
	Selector string
	Users    map[string]struct{}
}

// Matches reports whether the rule covers the dotted command path.
func (r Rule) Matches(path string) bool {
	switch {
	case r.Selector == "*":
		return true
	case strings.HasSuffix(r.Selector, ".*"):
		prefix := strings.TrimSuffix(r.Selector, "*")
		return strings.HasPrefix(path, prefix) || path == strings.TrimSuffix(prefix, ".")
	default:
		return path == r.Selector
	}
}

// Allows reports whether the rule lists identity or recipient.
func (r Rule) Allows(identity, recipient string) bool {
	if identity != "" {
		if _, ok := r.Users[identity]; ok {
			return true
		}
	}
	if recipient != "" {
		if _, ok := r.Users[recipient]; ok {
			return true
		}
	}
	return false
}

// NormalizeSelector canonicalizes a selector: lowercased, the leading
// slash stripped, spaces collapsed to dots.
func NormalizeSelector(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimPrefix(s, "/")
	return strings.Join(strings.Fields(s), ".")
}

// ParseRule parses one "<selector>=>user1,user2" string.
func ParseRule(spec string) (Rule, error) {
	selector, users, found := strings.Cut(spec, "=>")
	if !found {
		return Rule{}, fmt.Errorf("authorization rule %q: missing \"=>\"", spec)
	}
	rule := Rule{
		Selector: NormalizeSelector(selector),
		Users:    make(map[string]struct{}),
	}
	if rule.Selector == "" {
		return Rule{}, fmt.Errorf("authorization rule %q: empty selector", spec)
	}
	for _, user := range strings.Split(users, ",") {
		user = strings.TrimSpace(user)
		if user != "" {
			rule.Users[user] = struct{}{}
		}
	}
	if len(rule.Users) == 0 {
		return Rule{}, fmt.Errorf("authorization rule %q: empty user list", spec)
	}
	return rule, nil
}

// ParseRules parses a list of rule strings, failing on the first bad one.
func ParseRules(specs []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		rule, err := ParseRule(spec)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Policy decides who may run which managed commands. Control commands
// are deny-by-default: with no matching rule nobody may run them. Slash
// commands are open until a rule matches their path; once any rule
// covers a path, only the listed users (or the recipient chat) may use
// it there.
type Policy struct {
	mu      sync.RWMutex
	control []Rule
	slash   []Rule
}

// NewPolicy parses control and slash rule strings into a policy.
func NewPolicy(controlSpecs, slashSpecs []string) (*Policy, error) {
	control, err := ParseRules(controlSpecs)
	if err != nil {
		return nil, err
	}
	slash, err := ParseRules(slashSpecs)
	if err != nil {
		return nil, err
	}
	return &Policy{control: control, slash: slash}, nil
}

// AuthorizedForControl reports whether identity (or the recipient chat)
// may run the control command at path.
func (p *Policy) AuthorizedForControl(identity, path, recipient string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, rule := range p.control {
		if rule.Matches(path) && rule.Allows(identity, recipient) {
			return true
		}
	}
	return false
}

// AuthorizedForSlash reports whether identity may run the slash command
// at path for the given recipient.
func (p *Policy) AuthorizedForSlash(identity, path, recipient string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	restricted := false
	for _, rule := range p.slash {
		if !rule.Matches(path) {
			continue
		}
		restricted = true
		if rule.Allows(identity, recipient) {
			return true
		}
	}
	return !restricted
}

// GrantControl adds identity to the control rule for selector, creating
// the rule when absent.
func (p *Policy) GrantControl(selector, identity string) {
	selector = NormalizeSelector(selector)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.control {
		if p.control[i].Selector == selector {
			p.control[i].Users[identity] = struct{}{}
			return
		}
	}
	p.control = append(p.control, Rule{
		Selector: selector,
		Users:    map[string]struct{}{identity: {}},
	})
}

// RevokeControl removes identity from the control rule for selector.
// Returns false when no such grant existed.
func (p *Policy) RevokeControl(selector, identity string) bool {
	selector = NormalizeSelector(selector)
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.control {
		if p.control[i].Selector != selector {
			continue
		}
		if _, ok := p.control[i].Users[identity]; !ok {
			return false
		}
		delete(p.control[i].Users, identity)
		if len(p.control[i].Users) == 0 {
			p.control = append(p.control[:i], p.control[i+1:]...)
		}
		return true
	}
	return false
}

// ControlRules renders the control rules back to "<selector>=>users"
// form, sorted for stable output.
func (p *Policy) ControlRules() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.control))
	for _, rule := range p.control {
		users := make([]string, 0, len(rule.Users))
		for user := range rule.Users {
			users = append(users, user)
		}
		sort.Strings(users)
		out = append(out, rule.Selector+"=>"+strings.Join(users, ","))
	}
	sort.Strings(out)
	return out
}
