package waf

import "regexp"

// target selects the parts of a request a rule inspects.
type target int

const (
	targetPath target = 1 << iota
	targetQuery
	targetHeaders
	targetUA
	targetURI
)

type rule struct {
	name    string
	targets target
	pattern *regexp.Regexp
}

// defaultRules is the built-in ruleset. The service only takes short form
// fields and OAuth callback parameters, so the rules stay conservative on
// query strings.
func defaultRules() []rule {
	return []rule{
		{
			name:    "sql-injection",
			targets: targetQuery | targetHeaders,
			pattern: regexp.MustCompile(
				`(?i)(?:` +
					`union\s+(?:all\s+)?select` +
					`|;\s*(?:drop|delete|insert|update|alter)\s` +
					`|'\s*(?:or|and)\s+['"\d].*=` +
					`|'\s*;\s*--` +
					`|(?:benchmark|sleep|waitfor)\s*\(` +
					`)`,
			),
		},
		{
			name:    "xss",
			targets: targetQuery | targetHeaders,
			pattern: regexp.MustCompile(
				`(?i)(?:` +
					`<\s*script` +
					`|javascript\s*:` +
					`|<\s*(?:iframe|object|embed|svg)[\s>]` +
					`|document\s*\.\s*(?:cookie|location|write)` +
					`)`,
			),
		},
		{
			name:    "path-traversal",
			targets: targetURI,
			pattern: regexp.MustCompile(`(?i)(?:\.\.[\\/]|\.\.%2f|\.\.%5c|%00)`),
		},
		{
			name:    "log4shell-jndi",
			targets: targetQuery | targetHeaders,
			pattern: regexp.MustCompile(`(?i)\$\{.*?(?:jndi|java)\s*:`),
		},
		{
			name:    "scanner-ua",
			targets: targetUA,
			pattern: regexp.MustCompile(`(?i)(?:sqlmap|nikto|nmap|masscan|gobuster|dirbuster|nuclei|zgrab|acunetix|havij)`),
		},
		{
			name:    "header-injection",
			targets: targetHeaders,
			pattern: regexp.MustCompile(`[\r\n]`),
		},
		{
			name:    "sensitive-file-probe",
			targets: targetPath,
			pattern: regexp.MustCompile(`(?i)(?:/\.env|/\.git(?:/|$)|/wp-admin|/wp-login|/phpmy|/cgi-bin/|/\.aws/|/\.ssh/|/etc/passwd)`),
		},
	}
}
