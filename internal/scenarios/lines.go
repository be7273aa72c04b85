package scenarios

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/marcus/sentinel/internal/feed"
)

// Event kinds carried as tags so synthesizers can count them.
const (
	tagSubdomain  = "subdomain"
	tagIP         = "ip"
	tagPort       = "port"
	tagTech       = "technology"
	tagVuln       = "vulnerability"
	tagExploit    = "exploit"
	tagSuccess    = "success"
	tagCredential = "credential"
	tagLeak       = "leak"
	tagKeyword    = "keyword"
	tagThreat     = "threat"
	tagAlert      = "alert"
	tagIOC        = "ioc"
	tagPattern    = "pattern"
)

// line is one weighted template of a scenario feed.
type line struct {
	weight int
	sev    feed.Severity
	tags   []string
	render func(r *rand.Rand) (source, message string)
}

// weighted builds a factory that picks a line by weight on every tick.
func weighted(lines ...line) GeneratorFactory {
	total := 0
	for _, l := range lines {
		total += l.weight
	}
	return func(r *rand.Rand) feed.Generator {
		return func(seq int, now time.Time) (feed.Event, error) {
			n := r.IntN(total)
			for _, l := range lines {
				if n < l.weight {
					src, msg := l.render(r)
					return feed.NewEvent(now, l.sev, src, msg, l.tags...), nil
				}
				n -= l.weight
			}
			return feed.Event{}, fmt.Errorf("no feed line for draw %d", n)
		}
	}
}

// genericFeed is used for configured scenarios that bring no generator.
func genericFeed(name string) GeneratorFactory {
	return weighted(
		line{6, feed.SeverityInfo, nil, func(r *rand.Rand) (string, string) {
			return name, fmt.Sprintf("Heartbeat %d from %s", r.IntN(1000), name)
		}},
		line{3, feed.SeverityMedium, nil, func(r *rand.Rand) (string, string) {
			return name, "Anomalous activity observed on " + pick(r, hosts)
		}},
		line{1, feed.SeverityHigh, nil, func(r *rand.Rand) (string, string) {
			return name, "Suspicious login attempt blocked on " + pick(r, hosts)
		}},
	)
}

func pick[T any](r *rand.Rand, items []T) T {
	return items[r.IntN(len(items))]
}

const (
	targetDomain = "acmecorp.com"
	targetIP     = "203.0.113.42"
)

var (
	hosts      = []string{"api", "admin", "staging", "dev", "mail", "cdn", "blog", "shop"}
	techs      = []string{"nginx", "Apache", "Node.js", "PHP", "MySQL", "Redis"}
	ports      = []int{80, 443, 22, 3306, 8080, 3389}
	services   = map[int]string{80: "HTTP", 443: "HTTPS", 22: "SSH", 3306: "MySQL", 8080: "HTTP-Alt", 3389: "RDP"}
	forums     = []string{"RaidForums", "BreachForums", "Exploit.in", "XSS.is", "Tor Market", "Telegram Channel"}
	leakTypes  = []string{"Data Leak", "Credential Dump", "Exploit Sale", "Ransomware Post", "PII Exposure"}
	keywords   = []string{"acmecorp", "internal", "database"}
	iocSources = []string{"Dark Web", "OSINT", "Honeypot", "Partner Feed"}
	actors     = []string{"APT28", "FIN7", "Lazarus Group", "Scattered Spider"}
	ttps       = []string{
		"T1071.001 Application Layer Protocol",
		"T1090 Proxy",
		"T1566 Phishing",
		"T1486 Data Encrypted for Impact",
	}
)

func subdomain(r *rand.Rand) string {
	return pick(r, hosts) + "." + targetDomain
}

func ip(r *rand.Rand) string {
	return fmt.Sprintf("203.0.113.%d", 1+r.IntN(254))
}

func cve(r *rand.Rand) string {
	return fmt.Sprintf("CVE-2024-%04d", 1000+r.IntN(9000))
}
