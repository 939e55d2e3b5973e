package enrichment

import "strings"

// Classifier decides whether a subscriber email needs enrichment at all.
// Records the classifier declines never enter a batch.
type Classifier interface {
	NeedsEnrichment(email string) bool
}

// freeMailDomains are consumer mailbox providers. Addresses there carry no
// derivable company context, so they are the ones worth sending to the
// enrichment provider.
var freeMailDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"yahoo.com":      {},
	"yahoo.co.uk":    {},
	"hotmail.com":    {},
	"hotmail.co.uk":  {},
	"outlook.com":    {},
	"live.com":       {},
	"msn.com":        {},
	"aol.com":        {},
	"icloud.com":     {},
	"me.com":         {},
	"mac.com":        {},
	"proton.me":      {},
	"protonmail.com": {},
	"gmx.com":        {},
	"gmx.de":         {},
	"web.de":         {},
	"mail.com":       {},
	"zoho.com":       {},
	"yandex.com":     {},
	"yandex.ru":      {},
}

// DomainClassifier marks syntactically valid personal (free-mail) addresses
// as enrichable.
type DomainClassifier struct {
	domains map[string]struct{}
}

// NewDomainClassifier builds a classifier over the built-in free-mail domain
// set plus any extra domains.
func NewDomainClassifier(extra ...string) *DomainClassifier {
	domains := make(map[string]struct{}, len(freeMailDomains)+len(extra))
	for d := range freeMailDomains {
		domains[d] = struct{}{}
	}
	for _, d := range extra {
		domains[strings.ToLower(d)] = struct{}{}
	}

	return &DomainClassifier{domains: domains}
}

func (c *DomainClassifier) NeedsEnrichment(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}

	domain := strings.ToLower(email[at+1:])
	if !strings.Contains(domain, ".") {
		return false
	}

	_, ok := c.domains[domain]

	return ok
}

var _ Classifier = (*DomainClassifier)(nil)
