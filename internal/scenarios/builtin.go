package scenarios

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/marcus/sentinel/internal/feed"
	"github.com/marcus/sentinel/internal/phase"
	"github.com/marcus/sentinel/internal/reporting"
)

// Builtins returns the scenarios every registry starts with.
func Builtins() []Scenario {
	return []Scenario{
		assetDiscovery(),
		darkwebMonitor(),
		iocEnrichment(),
		pentest(),
		threatAnalysis(),
		threatFeed(),
	}
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func assetDiscovery() Scenario {
	return Scenario{
		Name:        "asset-discovery",
		Title:       "Attack Surface Discovery",
		Description: "Enumerate subdomains, hosts, open ports and technologies of " + targetDomain,
		Phases: []phase.Phase{
			{Name: "DNS Enumeration", Duration: ms(3000)},
			{Name: "Subdomain Discovery", Duration: ms(4000)},
			{Name: "Port Scanning", Duration: ms(5000)},
			{Name: "Service Detection", Duration: ms(3500)},
			{Name: "Technology Fingerprinting", Duration: ms(2500)},
			{Name: "Vulnerability Assessment", Duration: ms(4000)},
		},
		Interval:      ms(800),
		EventCapacity: 15,
		AlertCapacity: 5,
		Promote:       feed.SeverityHigh,
		Generator: weighted(
			line{4, feed.SeverityInfo, []string{tagSubdomain}, func(r *rand.Rand) (string, string) {
				s := subdomain(r)
				return s, "Discovered subdomain: " + s
			}},
			line{3, feed.SeverityInfo, []string{tagIP}, func(r *rand.Rand) (string, string) {
				addr := ip(r)
				return addr, "Resolved IP: " + addr
			}},
			line{3, feed.SeverityMedium, []string{tagPort}, func(r *rand.Rand) (string, string) {
				p := pick(r, ports)
				return subdomain(r), fmt.Sprintf("Open port %d (%s)", p, services[p])
			}},
			line{2, feed.SeverityInfo, []string{tagTech}, func(r *rand.Rand) (string, string) {
				return subdomain(r), "Technology detected: " + pick(r, techs)
			}},
			line{1, feed.SeverityHigh, []string{tagVuln}, func(r *rand.Rand) (string, string) {
				return subdomain(r), "Potential vulnerability: " + cve(r)
			}},
		),
		Synthesizer: synthesizeAssets,
	}
}

func synthesizeAssets(in reporting.Input) (*reporting.Result, error) {
	r := reporting.Summarize(in)
	r.Title = "Attack Surface Discovery"

	seen := make(map[string]bool)
	for _, ev := range in.Events {
		for _, tag := range []string{tagSubdomain, tagIP, tagPort, tagTech, tagVuln} {
			if ev.HasTag(tag) {
				r.Metrics[tag+"s"]++
			}
		}
		if ev.Internal() || seen[ev.Source] {
			continue
		}
		seen[ev.Source] = true
	}
	r.Metrics["total_assets"] = len(seen)

	for _, a := range in.Alerts {
		r.Findings = append(r.Findings, reporting.Finding{
			Severity: a.Severity,
			Title:    a.Message,
			Source:   a.Source,
			Detail:   "Exposed asset requires review",
		})
	}
	r.Summary = fmt.Sprintf("Mapped %d assets of %s across %d phases; %d exposures flagged.",
		len(seen), targetDomain, len(in.Phases), len(r.Findings))
	if r.Metrics[tagVuln+"s"] > 0 {
		r.Notes = append(r.Notes, "Patch or isolate hosts with potential vulnerabilities before the next scan.")
	}
	return r, nil
}

func darkwebMonitor() Scenario {
	return Scenario{
		Name:        "darkweb-monitor",
		Title:       "Dark Web Monitoring",
		Description: "Watch underground forums and markets for mentions of " + targetDomain,
		Phases: []phase.Phase{
			{Name: "Monitoring Window", Duration: 60 * time.Second, Description: "Crawl forums, markets and channels"},
		},
		Interval:      8 * time.Second,
		EventCapacity: 10,
		AlertCapacity: 5,
		Promote:       feed.SeverityCritical,
		Generator: func(r *rand.Rand) feed.Generator {
			sevs := []feed.Severity{feed.SeverityCritical, feed.SeverityHigh, feed.SeverityMedium}
			return func(seq int, now time.Time) (feed.Event, error) {
				kind := pick(r, leakTypes)
				kw := pick(r, keywords)
				msg := fmt.Sprintf("%s mentioning %q", kind, kw)
				tags := []string{tagLeak, tagKeyword + ":" + kw}
				if kind == "Credential Dump" {
					tags = append(tags, tagCredential)
				}
				return feed.NewEvent(now, pick(r, sevs), pick(r, forums), msg, tags...), nil
			}
		},
		Synthesizer: synthesizeDarkweb,
	}
}

func synthesizeDarkweb(in reporting.Input) (*reporting.Result, error) {
	r := reporting.Summarize(in)
	r.Title = "Dark Web Exposure"

	bySource := make(map[string]int)
	for _, ev := range in.Events {
		if ev.Internal() {
			continue
		}
		bySource[ev.Source]++
		r.Metrics["mentions"]++
		if ev.HasTag(tagCredential) {
			r.Metrics["credential_dumps"]++
		}
		for _, kw := range keywords {
			if ev.HasTag(tagKeyword + ":" + kw) {
				r.Metrics["keyword_"+kw]++
			}
		}
	}
	r.Metrics["sources"] = len(bySource)

	for _, a := range in.Alerts {
		r.Findings = append(r.Findings, reporting.Finding{
			Severity: a.Severity,
			Title:    a.Message,
			Source:   a.Source,
		})
	}
	r.Summary = fmt.Sprintf("%d mentions across %d sources; %d critical alerts.",
		r.Metrics["mentions"], len(bySource), len(in.Alerts))
	if r.Metrics["credential_dumps"] > 0 {
		r.Notes = append(r.Notes, "Force a password reset for accounts found in credential dumps.")
	}
	return r, nil
}

func iocEnrichment() Scenario {
	return Scenario{
		Name:        "ioc-enrichment",
		Title:       "IOC Enrichment",
		Description: "Enrich an indicator of compromise against six intelligence sources",
		Phases: []phase.Phase{
			{Name: "VirusTotal", Duration: ms(2000)},
			{Name: "AbuseIPDB", Duration: ms(1500)},
			{Name: "Shodan", Duration: ms(2500)},
			{Name: "GreyNoise", Duration: ms(1800)},
			{Name: "AlienVault OTX", Duration: ms(2200)},
			{Name: "AI Analysis", Duration: ms(3000)},
		},
		Interval:      ms(700),
		EventCapacity: 20,
		AlertCapacity: 5,
		Promote:       feed.SeverityHigh,
		Generator: weighted(
			line{3, feed.SeverityInfo, []string{tagIOC}, func(r *rand.Rand) (string, string) {
				return "VirusTotal", fmt.Sprintf("%d engines flagged %s as malicious", 20+r.IntN(15), targetIP)
			}},
			line{2, feed.SeverityMedium, []string{tagIOC}, func(r *rand.Rand) (string, string) {
				return "AbuseIPDB", fmt.Sprintf("Abuse confidence %d%% from %d reports", 80+r.IntN(20), 100+r.IntN(100))
			}},
			line{2, feed.SeverityMedium, []string{tagPort}, func(r *rand.Rand) (string, string) {
				p := pick(r, ports)
				return "Shodan", fmt.Sprintf("Port %d open (%s)", p, services[p])
			}},
			line{1, feed.SeverityHigh, []string{tagVuln}, func(r *rand.Rand) (string, string) {
				return "Shodan", "Exposed to " + cve(r)
			}},
			line{1, feed.SeverityHigh, []string{tagThreat}, func(r *rand.Rand) (string, string) {
				return "GreyNoise", "Classified malicious, attributed to " + pick(r, actors)
			}},
			line{1, feed.SeverityCritical, []string{tagThreat}, func(r *rand.Rand) (string, string) {
				return "AlienVault OTX", "Indicator present in active C2 pulse"
			}},
		),
		Synthesizer: synthesizeEnrichment,
	}
}

func synthesizeEnrichment(in reporting.Input) (*reporting.Result, error) {
	r := reporting.Summarize(in)
	r.Title = "IOC Enrichment: " + targetIP

	queried := make(map[string]bool)
	for _, ev := range in.Events {
		if !ev.Internal() {
			queried[ev.Source] = true
		}
	}
	r.Metrics["sources_queried"] = len(in.Phases)
	r.Metrics["sources_reporting"] = len(queried)

	level := highest(in.Events)
	r.Findings = append(r.Findings, reporting.Finding{
		Severity: level,
		Title:    "Threat level: " + string(level),
		Source:   "AI Analysis",
		Detail:   fmt.Sprintf("%d of %d sources returned data", len(queried), len(in.Phases)),
	})
	for _, a := range in.Alerts {
		r.Findings = append(r.Findings, reporting.Finding{Severity: a.Severity, Title: a.Message, Source: a.Source})
	}
	r.Summary = fmt.Sprintf("%s enriched against %d sources; overall threat level %s.", targetIP, len(in.Phases), level)
	if level.Rank() >= feed.SeverityHigh.Rank() {
		r.Notes = append(r.Notes,
			"Block this IP at the perimeter firewall.",
			"Search the last 90 days of logs for connections to this IP.",
		)
	}
	return r, nil
}

type exploit struct {
	phase string
	tests []string
}

var pentestPlan = []exploit{
	{"Reconnaissance", []string{"DNS Enumeration", "Port Scanning", "Service Detection"}},
	{"Vulnerability Scanning", []string{"CVE Detection", "Misconfigurations", "Weak Passwords"}},
	{"Exploitation Attempts", []string{"SQL Injection", "XSS Testing", "RCE Attempts"}},
	{"Privilege Escalation", []string{"Sudo Misconfig", "SUID Binaries", "Kernel Exploits"}},
	{"Lateral Movement", []string{"Credential Harvesting", "Network Pivoting"}},
	{"Data Exfiltration Test", []string{"Data Access", "Egress Testing"}},
}

func pentest() Scenario {
	durations := []int{3000, 4000, 5000, 3500, 2500, 2000}
	phases := make([]phase.Phase, len(pentestPlan))
	var attempts []string
	for i, p := range pentestPlan {
		phases[i] = phase.Phase{Name: p.phase, Duration: ms(durations[i])}
		attempts = append(attempts, p.tests...)
	}
	return Scenario{
		Name:          "pentest",
		Title:         "Penetration Test",
		Description:   "Automated penetration test of " + targetIP + " (" + targetDomain + ")",
		Phases:        phases,
		Interval:      ms(600),
		EventCapacity: 20,
		AlertCapacity: 5,
		Promote:       feed.SeverityCritical,
		Generator: weighted(
			line{3, feed.SeverityInfo, nil, func(r *rand.Rand) (string, string) {
				return targetIP, "[*] Scanning target: " + targetIP
			}},
			line{3, feed.SeverityInfo, []string{tagPort}, func(r *rand.Rand) (string, string) {
				p := pick(r, ports)
				return targetIP, fmt.Sprintf("[+] Port %d open - %s detected", p, services[p])
			}},
			line{2, feed.SeverityMedium, []string{tagVuln}, func(r *rand.Rand) (string, string) {
				return targetIP, "[!] Vulnerability found: " + cve(r)
			}},
			line{1, feed.SeverityMedium, []string{tagCredential}, func(r *rand.Rand) (string, string) {
				return subdomain(r), "[!] Weak password detected"
			}},
			line{2, feed.SeverityHigh, []string{tagExploit}, func(r *rand.Rand) (string, string) {
				return targetIP, "[-] Exploit failed: " + pick(r, attempts)
			}},
			line{1, feed.SeverityCritical, []string{tagExploit, tagSuccess}, func(r *rand.Rand) (string, string) {
				return targetIP, "[+] Exploit successful: " + pick(r, attempts)
			}},
		),
		Synthesizer: synthesizePentest,
	}
}

func synthesizePentest(in reporting.Input) (*reporting.Result, error) {
	r := reporting.Summarize(in)
	r.Title = "Penetration Test: " + targetIP + " (" + targetDomain + ")"

	for _, ev := range in.Events {
		switch {
		case ev.HasTag(tagExploit):
			r.Metrics["exploits_attempted"]++
			if ev.HasTag(tagSuccess) {
				r.Metrics["exploits_successful"]++
			}
		case ev.HasTag(tagVuln):
			r.Metrics["vulnerabilities"]++
			r.Findings = append(r.Findings, reporting.Finding{
				Severity: ev.Severity,
				Title:    trimMarker(ev.Message),
				Source:   ev.Source,
			})
		case ev.HasTag(tagCredential):
			r.Metrics["weak_credentials"]++
		case ev.HasTag(tagPort):
			r.Metrics["open_ports"]++
		}
	}
	for _, a := range in.Alerts {
		r.Findings = append(r.Findings, reporting.Finding{
			Severity: a.Severity,
			Title:    trimMarker(a.Message),
			Source:   a.Source,
			Detail:   "Exploitation confirmed; remediate before retesting",
		})
	}
	sortFindings(r.Findings)

	r.Summary = fmt.Sprintf("%d of %d buffered exploit attempts succeeded; %d vulnerabilities identified.",
		r.Metrics["exploits_successful"], r.Metrics["exploits_attempted"], r.Metrics["vulnerabilities"])
	if r.Metrics["weak_credentials"] > 0 {
		r.Notes = append(r.Notes, "Enforce a password policy and MFA on exposed services.")
	}
	if r.Metrics["exploits_successful"] > 0 {
		r.Notes = append(r.Notes, "Treat successfully exploited services as compromised.")
	}
	return r, nil
}

func threatAnalysis() Scenario {
	return Scenario{
		Name:        "threat-analysis",
		Title:       "Threat Analysis",
		Description: "Correlate threat data into predictive insights",
		Phases: []phase.Phase{
			{Name: "Data Aggregation", Duration: ms(2000), Description: "Collecting data from 45 sources"},
			{Name: "Pattern Recognition", Duration: ms(3000), Description: "Analyzing threat patterns and correlations"},
			{Name: "Behavioral Analysis", Duration: ms(2500), Description: "Evaluating threat actor behaviors"},
			{Name: "Risk Modeling", Duration: ms(2000), Description: "Computing probabilistic risk scenarios"},
			{Name: "Predictive Analytics", Duration: ms(3500), Description: "Forecasting potential threats"},
			{Name: "Insight Generation", Duration: ms(2000), Description: "Synthesizing actionable intelligence"},
		},
		Interval:      ms(1000),
		EventCapacity: 20,
		AlertCapacity: 5,
		Promote:       feed.SeverityHigh,
		Generator: weighted(
			line{3, feed.SeverityInfo, []string{tagPattern}, func(r *rand.Rand) (string, string) {
				return "correlator", fmt.Sprintf("Correlated %d events into cluster %d", 10+r.IntN(90), r.IntN(50))
			}},
			line{2, feed.SeverityMedium, []string{tagPattern}, func(r *rand.Rand) (string, string) {
				return "behavior", "Observed " + pick(r, ttps)
			}},
			line{1, feed.SeverityHigh, []string{tagThreat}, func(r *rand.Rand) (string, string) {
				return "attribution", fmt.Sprintf("Activity matches %s (confidence %d%%)", pick(r, actors), 80+r.IntN(20))
			}},
			line{1, feed.SeverityCritical, []string{tagThreat}, func(r *rand.Rand) (string, string) {
				return "forecast", "Predicted ransomware campaign targeting " + targetDomain
			}},
		),
		Synthesizer: synthesizeInsights,
	}
}

func synthesizeInsights(in reporting.Input) (*reporting.Result, error) {
	r := reporting.Summarize(in)
	r.Title = "Threat Intelligence Insights"

	score := 0
	for _, ev := range in.Events {
		if ev.Internal() {
			continue
		}
		score += ev.Severity.Rank()
		if ev.HasTag(tagPattern) {
			r.Metrics["patterns"]++
		}
		if ev.HasTag(tagThreat) {
			r.Metrics["threat_indicators"]++
		}
	}
	if n := len(in.Events) - r.Metrics["internal_events"]; n > 0 {
		r.Metrics["risk_score"] = score * 100 / (n * feed.SeverityCritical.Rank())
	}
	for _, p := range in.Phases {
		if p.Description != "" {
			r.Notes = append(r.Notes, p.Name+": "+p.Description)
		}
	}
	for _, a := range in.Alerts {
		r.Findings = append(r.Findings, reporting.Finding{Severity: a.Severity, Title: a.Message, Source: a.Source})
	}
	sortFindings(r.Findings)
	r.Summary = fmt.Sprintf("Risk score %d/100 from %d correlated patterns and %d threat indicators.",
		r.Metrics["risk_score"], r.Metrics["patterns"], r.Metrics["threat_indicators"])
	return r, nil
}

func threatFeed() Scenario {
	return Scenario{
		Name:        "threat-feed",
		Title:       "Command Center Feed",
		Description: "Live threat, vulnerability and alert stream for the command center",
		Phases: []phase.Phase{
			{Name: "Live Feed", Duration: 60 * time.Second},
		},
		Interval:      5 * time.Second,
		EventCapacity: 10,
		AlertCapacity: 5,
		Promote:       feed.SeverityCritical,
		Generator: weighted(
			line{1, feed.SeverityHigh, []string{tagThreat}, func(r *rand.Rand) (string, string) {
				return pick(r, iocSources), "New IOC detected from " + pick(r, iocSources)
			}},
			line{1, feed.SeverityCritical, []string{tagVuln}, func(r *rand.Rand) (string, string) {
				return subdomain(r), "Vulnerability " + cve(r) + " found"
			}},
			line{1, feed.SeverityMedium, []string{tagAlert}, func(r *rand.Rand) (string, string) {
				return ip(r), "Suspicious login attempt blocked"
			}},
			line{1, feed.SeverityInfo, []string{tagAlert}, func(r *rand.Rand) (string, string) {
				return "asset-scanner", fmt.Sprintf("Asset scan completed: %d new subdomains", 1+r.IntN(20))
			}},
		),
		Synthesizer: synthesizeFeed,
	}
}

func synthesizeFeed(in reporting.Input) (*reporting.Result, error) {
	r, err := reporting.Default(in)
	if err != nil {
		return nil, err
	}
	r.Title = "Command Center Feed"
	for _, ev := range in.Events {
		for _, tag := range []string{tagThreat, tagVuln, tagAlert} {
			if ev.HasTag(tag) {
				r.Metrics[tag+"s"]++
			}
		}
	}
	return r, nil
}

func highest(events []feed.Event) feed.Severity {
	level := feed.SeverityInfo
	for _, ev := range events {
		if !ev.Internal() && ev.Severity.Rank() > level.Rank() {
			level = ev.Severity
		}
	}
	return level
}

func sortFindings(fs []reporting.Finding) {
	sort.SliceStable(fs, func(i, j int) bool {
		return fs[i].Severity.Rank() > fs[j].Severity.Rank()
	})
}

// trimMarker drops the "[+] " style prefix of console lines.
func trimMarker(msg string) string {
	if len(msg) > 4 && msg[0] == '[' && msg[2] == ']' && msg[3] == ' ' {
		return msg[4:]
	}
	return msg
}
