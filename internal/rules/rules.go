// Package rules holds the signature sets shared by the connection monitor
// and the access logger: known scanner/exploit tool user-agents and
// admin/traversal/script probe paths.
package rules

import (
	"fmt"
	"os"
	"regexp"
	"sync"

	"gopkg.in/yaml.v3"
)

// RuleFile is the on-disk shape of a signature extension file.
type RuleFile struct {
	UserAgents []string `yaml:"user_agents"`
	Paths      []string `yaml:"paths"`
}

// Signatures is a compiled, concurrency-safe signature set.
type Signatures struct {
	mu         sync.RWMutex
	userAgents []*regexp.Regexp
	paths      []*regexp.Regexp
}

var defaultUserAgents = []string{
	`(?i)nmap`,
	`(?i)sqlmap`,
	`(?i)nikto`,
	`(?i)masscan`,
	`(?i)metasploit`,
	`(?i)hydra`,
	`(?i)dirbuster`,
	`(?i)gobuster`,
	`(?i)wfuzz`,
	`(?i)burpsuite`,
	`(?i)zgrab`,
	`(?i)python-requests`,
	`(?i)curl/`,
	`(?i)wget/`,
}

var defaultPaths = []string{
	`(?i)/admin`,
	`(?i)/wp-admin`,
	`(?i)/phpmyadmin`,
	`(?i)\.\./`,
	`(?i)/\.env`,
	`(?i)/\.git`,
	`(?i)/etc/passwd`,
	`(?i)\.(php|asp|aspx|jsp|cgi)(\?|$)`,
}

// Default returns the built-in signature set.
func Default() *Signatures {
	s := &Signatures{}
	s.userAgents = compileAll(defaultUserAgents)
	s.paths = compileAll(defaultPaths)
	return s
}

// LoadFile extends the built-in sets with patterns from a YAML rule file.
// Invalid patterns are rejected as a unit so a bad file never replaces a
// good working set.
func LoadFile(path string) (*Signatures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf RuleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	s := Default()
	if err := s.extend(rf); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Signatures) extend(rf RuleFile) error {
	extraUA, err := compileChecked(rf.UserAgents)
	if err != nil {
		return err
	}
	extraPaths, err := compileChecked(rf.Paths)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.userAgents = append(s.userAgents, extraUA...)
	s.paths = append(s.paths, extraPaths...)
	return nil
}

// Replace atomically swaps this signature set's contents for another's.
func (s *Signatures) Replace(other *Signatures) {
	other.mu.RLock()
	ua := other.userAgents
	paths := other.paths
	other.mu.RUnlock()

	s.mu.Lock()
	s.userAgents = ua
	s.paths = paths
	s.mu.Unlock()
}

// MatchUserAgent reports whether ua matches a known suspicious tool.
func (s *Signatures) MatchUserAgent(ua string) bool {
	if ua == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, re := range s.userAgents {
		if re.MatchString(ua) {
			return true
		}
	}
	return false
}

// MatchPath reports whether path matches an admin/traversal/script probe.
func (s *Signatures) MatchPath(path string) bool {
	if path == "" {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, re := range s.paths {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

func compileAll(patterns []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, regexp.MustCompile(p))
	}
	return out
}

func compileChecked(patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid rule pattern %q: %w", p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
